package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cliploop/retentiond/internal/persistence"
)

const (
	metricsCap = 5000
	eventsCap  = 500
)

// Store is the in-memory twin of the Postgres repositories. When no
// database is configured it is the authoritative backend for the process
// lifetime. All repo views share one lock.
type Store struct {
	mu sync.RWMutex

	versions    []persistence.ConfigVersion
	experiments []persistence.Experiment
	metrics     []persistence.RenderMetric
	feedback    *persistence.FeedbackState
	events      []persistence.SecurityEvent
	jobs        map[string]persistence.Job

	nextEventID int64
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{jobs: make(map[string]persistence.Job)}
}

// SeedJob loads a job row, used to exercise sample-footage flows without an
// external jobs table.
func (s *Store) SeedJob(j persistence.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
}

// ConfigVersions returns the config version repo view.
func (s *Store) ConfigVersions() persistence.ConfigVersionsRepo { return &configVersions{s: s} }

// Experiments returns the experiments repo view.
func (s *Store) Experiments() persistence.ExperimentsRepo { return &experiments{s: s} }

// Metrics returns the render metrics repo view.
func (s *Store) Metrics() persistence.MetricsRepo { return &metrics{s: s} }

// FeedbackState returns the feedback singleton repo view.
func (s *Store) FeedbackState() persistence.FeedbackStateRepo { return &feedbackState{s: s} }

// SecurityEvents returns the security events repo view.
func (s *Store) SecurityEvents() persistence.SecurityEventsRepo { return &securityEvents{s: s} }

// Jobs returns the jobs repo view.
func (s *Store) Jobs() persistence.JobsRepo { return &jobs{s: s} }

// newestFirst returns a copy sorted newest first; equal timestamps keep the
// later insertion first.
func newestFirstVersions(in []persistence.ConfigVersion) []persistence.ConfigVersion {
	out := make([]persistence.ConfigVersion, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// --- config versions ---

type configVersions struct{ s *Store }

func (r *configVersions) Create(_ context.Context, v persistence.ConfigVersion) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.versions = append(r.s.versions, v)
	return nil
}

func (r *configVersions) CreateActive(_ context.Context, v persistence.ConfigVersion) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for i := range r.s.versions {
		r.s.versions[i].IsActive = false
	}
	v.IsActive = true
	r.s.versions = append(r.s.versions, v)

	active := map[string]bool{}
	for _, st := range persistence.ActiveJobStatuses {
		active[st] = true
	}
	for id, job := range r.s.jobs {
		if active[job.Status] {
			versionID := v.ID
			job.ConfigVersionID = &versionID
			r.s.jobs[id] = job
		}
	}
	return nil
}

func (r *configVersions) Activate(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	found := false
	for i := range r.s.versions {
		if r.s.versions[i].ID == id {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("config version %s: %w", id, persistence.ErrNotFound)
	}
	for i := range r.s.versions {
		r.s.versions[i].IsActive = r.s.versions[i].ID == id
	}
	return nil
}

func (r *configVersions) GetActive(_ context.Context) (*persistence.ConfigVersion, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, v := range newestFirstVersions(r.s.versions) {
		if v.IsActive {
			out := v
			return &out, nil
		}
	}
	return nil, nil
}

func (r *configVersions) GetByID(_ context.Context, id string) (*persistence.ConfigVersion, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, v := range r.s.versions {
		if v.ID == id {
			out := v
			return &out, nil
		}
	}
	return nil, nil
}

func (r *configVersions) List(_ context.Context, limit int) ([]persistence.ConfigVersion, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	sorted := newestFirstVersions(r.s.versions)
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted, nil
}

func (r *configVersions) NewestInactive(_ context.Context) (*persistence.ConfigVersion, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, v := range newestFirstVersions(r.s.versions) {
		if !v.IsActive {
			out := v
			return &out, nil
		}
	}
	return nil, nil
}

func (r *configVersions) PromoteNewest(_ context.Context) (*persistence.ConfigVersion, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	sorted := newestFirstVersions(r.s.versions)
	if len(sorted) == 0 {
		return nil, nil
	}
	newest := sorted[0]
	for i := range r.s.versions {
		r.s.versions[i].IsActive = r.s.versions[i].ID == newest.ID
	}
	newest.IsActive = true
	return &newest, nil
}

// --- experiments ---

type experiments struct{ s *Store }

func (r *experiments) StartExclusive(_ context.Context, e persistence.Experiment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for i := range r.s.experiments {
		if r.s.experiments[i].Status == persistence.ExperimentRunning {
			r.s.experiments[i].Status = persistence.ExperimentStopped
			if r.s.experiments[i].EndAt == nil {
				endAt := e.CreatedAt
				r.s.experiments[i].EndAt = &endAt
			}
		}
	}
	r.s.experiments = append(r.s.experiments, e)
	return nil
}

func (r *experiments) StopRunning(_ context.Context, endAt time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var stopped int64
	for i := range r.s.experiments {
		if r.s.experiments[i].Status == persistence.ExperimentRunning {
			r.s.experiments[i].Status = persistence.ExperimentStopped
			if r.s.experiments[i].EndAt == nil {
				end := endAt
				r.s.experiments[i].EndAt = &end
			}
			stopped++
		}
	}
	return stopped, nil
}

func (r *experiments) GetRunning(_ context.Context) (*persistence.Experiment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for i := len(r.s.experiments) - 1; i >= 0; i-- {
		if r.s.experiments[i].Status == persistence.ExperimentRunning {
			out := r.s.experiments[i]
			return &out, nil
		}
	}
	return nil, nil
}

func (r *experiments) GetByID(_ context.Context, id string) (*persistence.Experiment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, e := range r.s.experiments {
		if e.ID == id {
			out := e
			return &out, nil
		}
	}
	return nil, nil
}

func (r *experiments) List(_ context.Context, limit int) ([]persistence.Experiment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]persistence.Experiment, 0, len(r.s.experiments))
	for i := len(r.s.experiments) - 1; i >= 0; i-- {
		out = append(out, r.s.experiments[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- render metrics ---

type metrics struct{ s *Store }

func (r *metrics) Insert(_ context.Context, m persistence.RenderMetric) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if len(r.s.metrics) >= metricsCap {
		copy(r.s.metrics, r.s.metrics[1:])
		r.s.metrics = r.s.metrics[:metricsCap-1]
	}
	r.s.metrics = append(r.s.metrics, m)
	return nil
}

func (r *metrics) ListRecent(_ context.Context, limit int) ([]persistence.RenderMetric, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.collect(limit, func(persistence.RenderMetric) bool { return true }), nil
}

func (r *metrics) ListRange(_ context.Context, tr persistence.TimeRange, limit int) ([]persistence.RenderMetric, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.collect(limit, func(m persistence.RenderMetric) bool {
		return !m.CreatedAt.Before(tr.From) && !m.CreatedAt.After(tr.To)
	}), nil
}

func (r *metrics) ListByConfigVersion(_ context.Context, configVersionID string, tr persistence.TimeRange, limit int) ([]persistence.RenderMetric, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.collect(limit, func(m persistence.RenderMetric) bool {
		return m.ConfigVersionID == configVersionID &&
			!m.CreatedAt.Before(tr.From) && !m.CreatedAt.After(tr.To)
	}), nil
}

func (r *metrics) collect(limit int, match func(persistence.RenderMetric) bool) []persistence.RenderMetric {
	var out []persistence.RenderMetric
	for i := len(r.s.metrics) - 1; i >= 0; i-- {
		if !match(r.s.metrics[i]) {
			continue
		}
		out = append(out, r.s.metrics[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// --- feedback state ---

type feedbackState struct{ s *Store }

func (r *feedbackState) Get(_ context.Context) (*persistence.FeedbackState, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	if r.s.feedback == nil {
		return nil, nil
	}
	out := *r.s.feedback
	return &out, nil
}

func (r *feedbackState) Upsert(_ context.Context, state persistence.FeedbackState) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	state.ID = persistence.FeedbackStateID
	r.s.feedback = &state
	return nil
}

// --- security events ---

type securityEvents struct{ s *Store }

func (r *securityEvents) Insert(_ context.Context, e persistence.SecurityEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.nextEventID++
	e.ID = r.s.nextEventID
	if len(r.s.events) >= eventsCap {
		copy(r.s.events, r.s.events[1:])
		r.s.events = r.s.events[:eventsCap-1]
	}
	r.s.events = append(r.s.events, e)
	return nil
}

func (r *securityEvents) ListRecent(_ context.Context, limit int) ([]persistence.SecurityEvent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []persistence.SecurityEvent
	for i := len(r.s.events) - 1; i >= 0; i-- {
		out = append(out, r.s.events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- jobs ---

type jobs struct{ s *Store }

func (r *jobs) GetByID(_ context.Context, id string) (*persistence.Job, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	if j, ok := r.s.jobs[id]; ok {
		out := j
		return &out, nil
	}
	return nil, nil
}

func (r *jobs) ListRecent(_ context.Context, limit int) ([]persistence.Job, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]persistence.Job, 0, len(r.s.jobs))
	for _, j := range r.s.jobs {
		if j.Analysis == nil {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
