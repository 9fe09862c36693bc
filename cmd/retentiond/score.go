package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cliploop/retentiond/internal/params"
	"github.com/cliploop/retentiond/internal/persistence"
	"github.com/cliploop/retentiond/internal/recorder"
	"github.com/cliploop/retentiond/internal/scoring"
)

func scoreCmd() *cobra.Command {
	var (
		inputPath  string
		presetName string
		paramsPath string
	)

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score one analysis payload offline",
		Long: `Evaluate an analysis payload against a parameter set and print the
scorecard. Without --input the bundled sample analysis is used, so the
command also works as a smoke test of the scoring engine.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScore(inputPath, presetName, paramsPath)
		},
	}
	cmd.Flags().StringVar(&inputPath, "input", "", "path to an analysis JSON file")
	cmd.Flags().StringVar(&presetName, "preset", "", "preset to score with")
	cmd.Flags().StringVar(&paramsPath, "params", "", "path to a params JSON file")
	return cmd
}

func runScore(inputPath, presetName, paramsPath string) error {
	var analysis map[string]interface{}
	if inputPath == "" {
		analysis = scoring.SampleAnalysis()
	} else {
		raw, err := os.ReadFile(inputPath)
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if err := json.Unmarshal(raw, &analysis); err != nil {
			return fmt.Errorf("parse input: %w", err)
		}
	}

	p := params.Defaults()
	switch {
	case presetName != "" && paramsPath != "":
		return fmt.Errorf("--preset and --params are mutually exclusive")
	case presetName != "":
		bundle, ok := params.Preset(presetName)
		if !ok {
			return fmt.Errorf("unknown preset %s", presetName)
		}
		p = bundle
	case paramsPath != "":
		raw, err := os.ReadFile(paramsPath)
		if err != nil {
			return fmt.Errorf("read params: %w", err)
		}
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("parse params: %w", err)
		}
		if p, err = params.Parse(m); err != nil {
			return err
		}
	}

	engine := scoring.NewEngine()
	res := engine.Evaluate(recorder.BuildInput(persistence.Job{Analysis: analysis}), p)

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
