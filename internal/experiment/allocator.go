package experiment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cliploop/retentiond/internal/configstore"
	"github.com/cliploop/retentiond/internal/persistence"
)

// ErrArmCount is returned when a start request carries fewer than two or
// more than four arms.
var ErrArmCount = errors.New("experiment_requires_2_to_4_valid_arms")

const (
	minArms           = 2
	maxArms           = 4
	winnerMinSamples  = 5
	statusSampleLimit = 500
	defaultReward     = "score_total"
)

// Allocator runs A/B experiments over config versions and picks the
// version every new job renders with.
type Allocator struct {
	repo     persistence.ExperimentsRepo
	metrics  persistence.MetricsRepo
	versions *configstore.Store
	guard    persistence.Guard

	mu  sync.Mutex // serializes rng draws
	rng RandGen
}

// New creates an allocator. guard may be nil; a nil rng falls back to a
// clock-seeded generator.
func New(repo persistence.ExperimentsRepo, metrics persistence.MetricsRepo, versions *configstore.Store, guard persistence.Guard, rng RandGen) *Allocator {
	if rng == nil {
		rng = NewRand(uint64(time.Now().UnixNano()))
	}
	return &Allocator{repo: repo, metrics: metrics, versions: versions, guard: guard, rng: rng}
}

// StartRequest describes a new experiment. Arm weights are allocation
// shares before normalization; all-zero weights mean equal shares.
type StartRequest struct {
	Name         string
	Arms         []persistence.ExperimentArm
	RewardMetric string
	StartAt      *time.Time
	EndAt        *time.Time
	Actor        *string
}

// Start validates the arms, normalizes allocation to sum to 100, stops
// any running experiment and inserts the new one as running.
func (a *Allocator) Start(ctx context.Context, req StartRequest) (*persistence.Experiment, error) {
	if len(req.Arms) < minArms || len(req.Arms) > maxArms {
		return nil, ErrArmCount
	}
	for _, arm := range req.Arms {
		v, err := a.versions.GetByID(ctx, arm.ConfigVersionID)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, fmt.Errorf("invalid_config_version:%s", arm.ConfigVersionID)
		}
	}

	arms := normalizeAllocation(req.Arms)
	alloc := make(map[string]float64, len(arms))
	for _, arm := range arms {
		alloc[arm.ConfigVersionID] += arm.Weight
	}

	now := time.Now().UTC()
	startAt := req.StartAt
	if startAt == nil {
		startAt = &now
	}

	e := persistence.Experiment{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		CreatedBy:    req.Actor,
		Name:         req.Name,
		Status:       persistence.ExperimentRunning,
		Arms:         arms,
		Allocation:   alloc,
		RewardMetric: rewardMetric(req.RewardMetric),
		StartAt:      startAt,
		EndAt:        req.EndAt,
	}
	if err := a.guarded(func() error { return a.repo.StartExclusive(ctx, e) }); err != nil {
		return nil, fmt.Errorf("start experiment: %w", err)
	}

	log.Info().
		Str("experiment_id", e.ID).
		Str("name", e.Name).
		Int("arms", len(e.Arms)).
		Msg("Experiment started")
	return &e, nil
}

// Stop marks every running experiment stopped. Returns how many rows
// changed; zero means nothing was running.
func (a *Allocator) Stop(ctx context.Context) (int64, error) {
	var stopped int64
	err := a.guarded(func() error {
		var gerr error
		stopped, gerr = a.repo.StopRunning(ctx, time.Now().UTC())
		return gerr
	})
	if err != nil {
		return 0, fmt.Errorf("stop experiment: %w", err)
	}
	if stopped > 0 {
		log.Info().Int64("stopped", stopped).Msg("Experiment stopped")
	}
	return stopped, nil
}

// ArmStatus is one arm's aggregated outcome over the experiment window.
type ArmStatus struct {
	ConfigVersionID string  `json:"config_version_id"`
	Allocation      float64 `json:"allocation"`
	Samples         int     `json:"samples"`
	AvgScore        float64 `json:"avg_score"`
	StdevScore      float64 `json:"stdev_score"`
	Confidence      float64 `json:"confidence"`
}

// Status reports the running experiment, or the newest one when nothing
// runs. Arms are ranked best first.
type Status struct {
	Experiment      *persistence.Experiment `json:"experiment,omitempty"`
	Running         bool                    `json:"running"`
	Arms            []ArmStatus             `json:"arms,omitempty"`
	SuggestedWinner *string                 `json:"suggested_winner,omitempty"`
}

// Status aggregates render metrics per arm over [start_at, end_at ?? now].
func (a *Allocator) Status(ctx context.Context) (*Status, error) {
	exp, err := a.getRunning(ctx)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		var list []persistence.Experiment
		err := a.guarded(func() error {
			var gerr error
			list, gerr = a.repo.List(ctx, 1)
			return gerr
		})
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return &Status{Running: false}, nil
		}
		exp = &list[0]
	}
	return a.buildStatus(ctx, exp)
}

func (a *Allocator) buildStatus(ctx context.Context, exp *persistence.Experiment) (*Status, error) {
	now := time.Now().UTC()
	from := exp.CreatedAt
	if exp.StartAt != nil {
		from = *exp.StartAt
	}
	to := now
	if exp.EndAt != nil {
		to = *exp.EndAt
	}
	window := persistence.TimeRange{From: from, To: to}

	arms := make([]ArmStatus, 0, len(exp.Arms))
	for _, arm := range exp.Arms {
		var rows []persistence.RenderMetric
		err := a.guarded(func() error {
			var gerr error
			rows, gerr = a.metrics.ListByConfigVersion(ctx, arm.ConfigVersionID, window, statusSampleLimit)
			return gerr
		})
		if err != nil {
			return nil, err
		}

		scores := make([]float64, len(rows))
		for i, row := range rows {
			scores[i] = row.ScoreTotal
		}
		avg, stdev := meanStdev(scores)
		arms = append(arms, ArmStatus{
			ConfigVersionID: arm.ConfigVersionID,
			Allocation:      arm.Weight,
			Samples:         len(scores),
			AvgScore:        round4(avg),
			StdevScore:      round4(stdev),
			Confidence:      round4(confidence(len(scores), stdev)),
		})
	}

	rankArms(arms)
	var winner *string
	if len(arms) > 0 && arms[0].Samples >= winnerMinSamples {
		id := arms[0].ConfigVersionID
		winner = &id
	}

	return &Status{
		Experiment:      exp,
		Running:         exp.RunningNow(now),
		Arms:            arms,
		SuggestedWinner: winner,
	}, nil
}

// Selection names the config version chosen for a new job and, when an
// experiment drove the pick, which one.
type Selection struct {
	ConfigVersionID string  `json:"config_version_id"`
	ExperimentID    *string `json:"experiment_id,omitempty"`
}

// SelectForNewJob samples an arm of the running experiment by allocation
// share, or returns the active version when no experiment covers now.
func (a *Allocator) SelectForNewJob(ctx context.Context) (*Selection, error) {
	exp, err := a.getRunning(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Experiment lookup failed, falling back to active config")
	}
	if err == nil && exp != nil && exp.RunningNow(time.Now().UTC()) && len(exp.Arms) > 0 {
		a.mu.Lock()
		draw := a.rng.Float64()
		a.mu.Unlock()

		id := pickArm(exp.Arms, draw)
		expID := exp.ID
		return &Selection{ConfigVersionID: id, ExperimentID: &expID}, nil
	}

	v, err := a.versions.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	if v == nil {
		v, err = a.versions.EnsureDefault(ctx)
		if err != nil {
			return nil, err
		}
	}
	return &Selection{ConfigVersionID: v.ID}, nil
}

func (a *Allocator) getRunning(ctx context.Context) (*persistence.Experiment, error) {
	var exp *persistence.Experiment
	err := a.guarded(func() error {
		var gerr error
		exp, gerr = a.repo.GetRunning(ctx)
		return gerr
	})
	return exp, err
}

func (a *Allocator) guarded(fn func() error) error {
	if a.guard == nil {
		return fn()
	}
	return a.guard(fn)
}

// normalizeAllocation scales arm weights to sum to 100. Negative weights
// count as zero; an all-zero request becomes equal shares.
func normalizeAllocation(in []persistence.ExperimentArm) []persistence.ExperimentArm {
	out := make([]persistence.ExperimentArm, len(in))
	copy(out, in)

	total := 0.0
	for i := range out {
		if out[i].Weight < 0 {
			out[i].Weight = 0
		}
		total += out[i].Weight
	}
	if total <= 0 {
		share := 100.0 / float64(len(out))
		for i := range out {
			out[i].Weight = share
		}
		return out
	}
	for i := range out {
		out[i].Weight = out[i].Weight / total * 100
	}
	return out
}

// pickArm walks a cumulative cursor across the allocation shares.
func pickArm(arms []persistence.ExperimentArm, draw float64) string {
	total := 0.0
	for _, a := range arms {
		total += a.Weight
	}
	if total <= 0 {
		return arms[0].ConfigVersionID
	}

	cursor := draw * total
	acc := 0.0
	for _, a := range arms {
		acc += a.Weight
		if cursor < acc {
			return a.ConfigVersionID
		}
	}
	return arms[len(arms)-1].ConfigVersionID
}

func confidence(n int, stdev float64) float64 {
	sampleSignal := math.Log10(float64(n)+1) / 2.4
	spreadPenalty := 1 - stdev/24
	return clamp(0.35+0.65*sampleSignal*spreadPenalty, 0, 1)
}

func rankArms(arms []ArmStatus) {
	sort.SliceStable(arms, func(i, j int) bool {
		if arms[i].AvgScore != arms[j].AvgScore {
			return arms[i].AvgScore > arms[j].AvgScore
		}
		if arms[i].Confidence != arms[j].Confidence {
			return arms[i].Confidence > arms[j].Confidence
		}
		return arms[i].Samples > arms[j].Samples
	})
}

func meanStdev(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))

	varsum := 0.0
	for _, x := range xs {
		d := x - mean
		varsum += d * d
	}
	return mean, math.Sqrt(varsum / float64(len(xs)))
}

func rewardMetric(m string) string {
	if strings.TrimSpace(m) == "" {
		return defaultReward
	}
	return strings.TrimSpace(m)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
