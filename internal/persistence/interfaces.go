package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/cliploop/retentiond/internal/params"
)

// ErrNotFound is returned when an id does not resolve to a stored row.
var ErrNotFound = errors.New("not_found")

// Guard wraps a store call. db.Manager supplies a circuit-breaker backed
// implementation; a nil Guard means calls go straight through.
type Guard func(fn func() error) error

// TimeRange is a [From, To] query window.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Experiment lifecycle states.
const (
	ExperimentDraft   = "draft"
	ExperimentRunning = "running"
	ExperimentStopped = "stopped"
)

// Job states whose rows re-point to a newly activated config version.
var ActiveJobStatuses = []string{"queued", "uploading", "analyzing", "rendering"}

// ConfigVersion is one immutable parameter bundle. At most one row is
// active at any time.
type ConfigVersion struct {
	ID         string        `json:"id" db:"id"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
	CreatedBy  *string       `json:"created_by,omitempty" db:"created_by"`
	PresetName *string       `json:"preset_name,omitempty" db:"preset_name"`
	Params     params.Params `json:"params" db:"params"`
	IsActive   bool          `json:"is_active" db:"is_active"`
	Note       *string       `json:"note,omitempty" db:"note"`
}

// ExperimentArm enrolls one config version with a sampling weight.
type ExperimentArm struct {
	ConfigVersionID string  `json:"config_version_id"`
	Weight          float64 `json:"weight"`
}

// Experiment is an A/B allocation over config versions. At most one
// experiment is running at any time.
type Experiment struct {
	ID           string             `json:"id" db:"id"`
	CreatedAt    time.Time          `json:"created_at" db:"created_at"`
	CreatedBy    *string            `json:"created_by,omitempty" db:"created_by"`
	Name         string             `json:"name" db:"name"`
	Status       string             `json:"status" db:"status"`
	Arms         []ExperimentArm    `json:"arms" db:"arms"`
	Allocation   map[string]float64 `json:"allocation" db:"allocation"`
	RewardMetric string             `json:"reward_metric" db:"reward_metric"`
	StartAt      *time.Time         `json:"start_at,omitempty" db:"start_at"`
	EndAt        *time.Time         `json:"end_at,omitempty" db:"end_at"`
}

// RunningNow reports whether the experiment window covers t. Missing
// endpoints leave the window open on that side.
func (e *Experiment) RunningNow(t time.Time) bool {
	if e == nil || e.Status != ExperimentRunning {
		return false
	}
	if e.StartAt != nil && t.Before(*e.StartAt) {
		return false
	}
	if e.EndAt != nil && t.After(*e.EndAt) {
		return false
	}
	return true
}

// RenderMetric is one append-only quality reading of a finished render.
// score_emotion and score_visual keep their historical column names; they
// hold the energy and variety subscores.
type RenderMetric struct {
	ID              string                 `json:"id" db:"id"`
	JobID           string                 `json:"job_id" db:"job_id"`
	UserID          *string                `json:"user_id,omitempty" db:"user_id"`
	CreatedAt       time.Time              `json:"created_at" db:"created_at"`
	ConfigVersionID string                 `json:"config_version_id" db:"config_version_id"`
	ScoreTotal      float64                `json:"score_total" db:"score_total"`
	ScoreHook       float64                `json:"score_hook" db:"score_hook"`
	ScorePacing     float64                `json:"score_pacing" db:"score_pacing"`
	ScoreEmotion    float64                `json:"score_emotion" db:"score_emotion"`
	ScoreVisual     float64                `json:"score_visual" db:"score_visual"`
	ScoreStory      float64                `json:"score_story" db:"score_story"`
	ScoreFiller     float64                `json:"score_filler" db:"score_filler"`
	ScoreJank       float64                `json:"score_jank" db:"score_jank"`
	Features        map[string]interface{} `json:"features" db:"features"`
	Flags           map[string]interface{} `json:"flags" db:"flags"`
}

// FeedbackSettings tune the automatic parameter loop.
type FeedbackSettings struct {
	Enabled         bool    `json:"enabled"`
	AutoApply       bool    `json:"auto_apply"`
	MinSamples      int     `json:"min_samples"`
	LookbackLimit   int     `json:"lookback_limit"`
	CooldownMinutes int     `json:"cooldown_minutes"`
	MinConfidence   float64 `json:"min_confidence"`
	MinDeltaScore   float64 `json:"min_delta_score"`
}

// FeedbackRuntime records what the loop last did and why.
type FeedbackRuntime struct {
	LastRunAt         *time.Time `json:"last_run_at,omitempty"`
	LastRunReason     string     `json:"last_run_reason,omitempty"`
	LastRunTrigger    string     `json:"last_run_trigger,omitempty"`
	LastAppliedAt     *time.Time `json:"last_applied_at,omitempty"`
	LastAppliedNote   string     `json:"last_applied_note,omitempty"`
	LastAppliedConfig *string    `json:"last_applied_config,omitempty"`
	LastConfidence    float64    `json:"last_confidence"`
	LastDeltaScore    float64    `json:"last_delta_score"`
}

// FeedbackStateID is the key of the singleton feedback row.
const FeedbackStateID = "global"

// FeedbackState is the loop singleton, keyed by "global".
type FeedbackState struct {
	ID        string           `json:"id" db:"id"`
	Settings  FeedbackSettings `json:"settings" db:"settings"`
	Runtime   FeedbackRuntime  `json:"runtime" db:"runtime"`
	UpdatedAt time.Time        `json:"updated_at" db:"updated_at"`
}

// SecurityEvent is one append-only auth audit record.
type SecurityEvent struct {
	ID        int64                  `json:"id" db:"id"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
	Type      string                 `json:"type" db:"type"`
	Meta      map[string]interface{} `json:"meta" db:"meta"`
}

// Job is the externally-owned render job row. This system only reads it,
// plus re-points config_version_id on in-flight jobs when a new version
// activates.
type Job struct {
	ID              string                 `json:"id" db:"id"`
	Status          string                 `json:"status" db:"status"`
	UserID          *string                `json:"user_id,omitempty" db:"user_id"`
	Analysis        map[string]interface{} `json:"analysis" db:"analysis"`
	RenderSettings  map[string]interface{} `json:"render_settings" db:"render_settings"`
	RetentionScore  *float64               `json:"retention_score,omitempty" db:"retention_score"`
	ConfigVersionID *string                `json:"config_version_id,omitempty" db:"config_version_id"`
}

// ConfigVersionsRepo stores parameter bundles and the single-active pointer.
type ConfigVersionsRepo interface {
	// Create inserts a version without touching the active pointer.
	Create(ctx context.Context, v ConfigVersion) error

	// CreateActive inserts v as the only active version in one transaction,
	// demoting every other row and re-pointing in-flight jobs at v.
	CreateActive(ctx context.Context, v ConfigVersion) error

	// Activate flips the active pointer to id. ErrNotFound if id is unknown.
	Activate(ctx context.Context, id string) error

	// GetActive returns the active version, or nil when none is marked.
	GetActive(ctx context.Context) (*ConfigVersion, error)

	// GetByID returns one version, or nil when absent.
	GetByID(ctx context.Context, id string) (*ConfigVersion, error)

	// List returns the newest versions, newest first.
	List(ctx context.Context, limit int) ([]ConfigVersion, error)

	// NewestInactive returns the most recent non-active version, or nil.
	NewestInactive(ctx context.Context) (*ConfigVersion, error)

	// PromoteNewest marks the most recent row active when none is. Returns
	// the promoted version, or nil when the table is empty.
	PromoteNewest(ctx context.Context) (*ConfigVersion, error)
}

// ExperimentsRepo stores experiments with the one-running invariant.
type ExperimentsRepo interface {
	// StartExclusive stops every running experiment and inserts e as
	// running, in one transaction.
	StartExclusive(ctx context.Context, e Experiment) error

	// StopRunning marks running experiments stopped and stamps end_at.
	// Returns how many rows changed.
	StopRunning(ctx context.Context, endAt time.Time) (int64, error)

	// GetRunning returns the running experiment, or nil.
	GetRunning(ctx context.Context) (*Experiment, error)

	// GetByID returns one experiment, or nil when absent.
	GetByID(ctx context.Context, id string) (*Experiment, error)

	// List returns the newest experiments, newest first.
	List(ctx context.Context, limit int) ([]Experiment, error)
}

// MetricsRepo stores render quality readings. Append-only.
type MetricsRepo interface {
	Insert(ctx context.Context, m RenderMetric) error

	// ListRecent returns the newest rows, newest first.
	ListRecent(ctx context.Context, limit int) ([]RenderMetric, error)

	// ListRange returns rows inside the window, newest first.
	ListRange(ctx context.Context, tr TimeRange, limit int) ([]RenderMetric, error)

	// ListByConfigVersion returns rows for one version inside the window.
	ListByConfigVersion(ctx context.Context, configVersionID string, tr TimeRange, limit int) ([]RenderMetric, error)
}

// FeedbackStateRepo stores the loop singleton.
type FeedbackStateRepo interface {
	// Get returns the singleton row, or nil when it was never written.
	Get(ctx context.Context) (*FeedbackState, error)

	Upsert(ctx context.Context, s FeedbackState) error
}

// SecurityEventsRepo stores auth audit records.
type SecurityEventsRepo interface {
	Insert(ctx context.Context, e SecurityEvent) error
	ListRecent(ctx context.Context, limit int) ([]SecurityEvent, error)
}

// JobsRepo reads the externally-owned jobs table.
type JobsRepo interface {
	// GetByID returns one job, or nil when absent.
	GetByID(ctx context.Context, id string) (*Job, error)

	// ListRecent returns the newest jobs that carry an analysis payload.
	ListRecent(ctx context.Context, limit int) ([]Job, error)
}

// Repository aggregates all persistence interfaces
type Repository struct {
	ConfigVersions ConfigVersionsRepo
	Experiments    ExperimentsRepo
	Metrics        MetricsRepo
	Feedback       FeedbackStateRepo
	Security       SecurityEventsRepo
	Jobs           JobsRepo
}

// HealthCheck represents repository health status
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for persistence layer
type RepositoryHealth interface {
	// Health returns current repository health status
	Health(ctx context.Context) HealthCheck

	// Ping tests basic connectivity to database
	Ping(ctx context.Context) error

	// Stats returns connection pool and query statistics
	Stats(ctx context.Context) map[string]interface{}
}
