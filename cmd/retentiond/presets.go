package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cliploop/retentiond/internal/params"
)

func presetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List the tuning presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			type entry struct {
				Name    string        `json:"name"`
				Default bool          `json:"default"`
				Params  params.Params `json:"params"`
			}

			names := params.PresetNames()
			out := make([]entry, 0, len(names))
			for _, name := range names {
				bundle, ok := params.Preset(name)
				if !ok {
					continue
				}
				out = append(out, entry{
					Name:    name,
					Default: name == params.DefaultPresetName,
					Params:  bundle,
				})
			}

			raw, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
			return nil
		},
	}
}
