package handlers

import (
	"time"

	"github.com/cliploop/retentiond/internal/params"
	"github.com/cliploop/retentiond/internal/persistence"
	"github.com/cliploop/retentiond/internal/scoring"
	"github.com/cliploop/retentiond/internal/suggest"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type createConfigRequest struct {
	Params     map[string]interface{} `json:"params"`
	PresetName *string                `json:"preset_name,omitempty"`
	Activate   bool                   `json:"activate"`
	Note       *string                `json:"note,omitempty"`
}

type activateRequest struct {
	ConfigVersionID string `json:"config_version_id"`
}

type applyPresetRequest struct {
	PresetName string `json:"preset_name"`
}

type versionsResponse struct {
	Versions []persistence.ConfigVersion `json:"versions"`
	Count    int                         `json:"count"`
}

type presetEntry struct {
	Name    string        `json:"name"`
	Default bool          `json:"default"`
	Params  params.Params `json:"params"`
}

type presetsResponse struct {
	Presets []presetEntry `json:"presets"`
}

type metricsResponse struct {
	Metrics []persistence.RenderMetric `json:"metrics"`
	Count   int                        `json:"count"`
}

type scorecardEntry struct {
	JobID           string             `json:"job_id"`
	CreatedAt       time.Time          `json:"created_at"`
	ConfigVersionID string             `json:"config_version_id"`
	ScoreTotal      float64            `json:"score_total"`
	Subscores       map[string]float64 `json:"subscores"`
}

type scorecardsResponse struct {
	Range      string           `json:"range,omitempty"`
	Count      int              `json:"count"`
	AvgScore   float64          `json:"avg_score"`
	Scorecards []scorecardEntry `json:"scorecards"`
}

type analyzeRequest struct {
	Range string `json:"range,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type suggestionsResponse struct {
	Summary     suggest.Summary      `json:"summary"`
	Suggestions []suggest.Suggestion `json:"suggestions"`
	GeneratedAt time.Time            `json:"generated_at"`
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

type promptResponse struct {
	Strategy string                     `json:"strategy"`
	Changes  []params.Change            `json:"changes"`
	Warnings []string                   `json:"warnings,omitempty"`
	Version  *persistence.ConfigVersion `json:"version"`
}

type optimizeResponse struct {
	Applied    bool                       `json:"applied"`
	Suggestion suggest.Suggestion         `json:"suggestion"`
	Changes    []params.Change            `json:"changes"`
	Version    *persistence.ConfigVersion `json:"version"`
}

type startExperimentRequest struct {
	Name         string                      `json:"name"`
	Arms         []persistence.ExperimentArm `json:"arms"`
	RewardMetric string                      `json:"reward_metric,omitempty"`
	StartAt      *time.Time                  `json:"start_at,omitempty"`
	EndAt        *time.Time                  `json:"end_at,omitempty"`
}

type stopExperimentResponse struct {
	Stopped int64 `json:"stopped"`
}

type jobSummary struct {
	ID              string   `json:"id"`
	Status          string   `json:"status"`
	UserID          *string  `json:"user_id,omitempty"`
	RetentionScore  *float64 `json:"retention_score,omitempty"`
	HasAnalysis     bool     `json:"has_analysis"`
	ConfigVersionID *string  `json:"config_version_id,omitempty"`
}

type sampleFootageResponse struct {
	Jobs  []jobSummary `json:"jobs"`
	Count int          `json:"count"`
}

type footageTestRequest struct {
	JobID           string                 `json:"job_id"`
	PresetName      *string                `json:"preset_name,omitempty"`
	ConfigVersionID *string                `json:"config_version_id,omitempty"`
	Params          map[string]interface{} `json:"params,omitempty"`
}

type footageTestResponse struct {
	JobID        string         `json:"job_id"`
	ParamsSource string         `json:"params_source"`
	UsedFixture  bool           `json:"used_fixture"`
	Result       scoring.Result `json:"result"`
}

type selectorResponse struct {
	ConfigVersionID string         `json:"config_version_id"`
	ExperimentID    *string        `json:"experiment_id,omitempty"`
	Params          *params.Params `json:"params,omitempty"`
}

type healthResponse struct {
	Status       string                  `json:"status"`
	Time         time.Time               `json:"time"`
	StoreBreaker string                  `json:"store_breaker,omitempty"`
	MetricRing   int                     `json:"metric_ring"`
	Database     persistence.HealthCheck `json:"database"`
}
