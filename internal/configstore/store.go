package configstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cliploop/retentiond/internal/params"
	"github.com/cliploop/retentiond/internal/persistence"
)

const (
	cacheCap         = 50
	defaultListLimit = 20
	maxListLimit     = 200
)

// Store owns config versions: validation, the single-active invariant and
// a small newest-first cache. Reads fall back to the cache when the
// backing store is unavailable; writes surface the error.
type Store struct {
	repo  persistence.ConfigVersionsRepo
	guard persistence.Guard

	mu     sync.RWMutex
	recent []persistence.ConfigVersion // newest first, capped at cacheCap
	active *persistence.ConfigVersion
}

// New creates a config version store. guard may be nil.
func New(repo persistence.ConfigVersionsRepo, guard persistence.Guard) *Store {
	return &Store{repo: repo, guard: guard}
}

// CreateRequest describes a new version. Params must already be validated
// (params.Parse for raw payloads); Normalize runs again as a backstop.
type CreateRequest struct {
	Params     params.Params
	PresetName *string
	Activate   bool
	Note       *string
	Actor      *string
}

// Create inserts a new immutable version. With Activate set the write is
// transactional: every other version is demoted and in-flight jobs are
// re-pointed at the new id.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*persistence.ConfigVersion, error) {
	v := persistence.ConfigVersion{
		ID:         uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		CreatedBy:  req.Actor,
		PresetName: req.PresetName,
		Params:     params.Normalize(req.Params),
		IsActive:   req.Activate,
		Note:       req.Note,
	}

	var err error
	if req.Activate {
		err = s.guarded(func() error { return s.repo.CreateActive(ctx, v) })
	} else {
		err = s.guarded(func() error { return s.repo.Create(ctx, v) })
	}
	if err != nil {
		return nil, fmt.Errorf("create config version: %w", err)
	}

	s.cachePut(v)
	log.Info().
		Str("config_version_id", v.ID).
		Bool("active", v.IsActive).
		Msg("Config version created")
	return &v, nil
}

// Activate flips the active pointer to id. The version is returned on
// success; unknown ids fail with persistence.ErrNotFound.
func (s *Store) Activate(ctx context.Context, id string) (*persistence.ConfigVersion, error) {
	if err := s.guarded(func() error { return s.repo.Activate(ctx, id) }); err != nil {
		return nil, err
	}

	v, err := s.getByIDStore(ctx, id)
	if err != nil || v == nil {
		// The flip committed; serve the cached copy if the read-back failed.
		if cached := s.cacheByID(id); cached != nil {
			cached.IsActive = true
			s.cacheActivate(*cached)
			return cached, nil
		}
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("config version %s: %w", id, persistence.ErrNotFound)
	}

	s.cacheActivate(*v)
	log.Info().Str("config_version_id", id).Msg("Config version activated")
	return v, nil
}

// GetActive returns the active version. When the store reports none it
// self-heals by promoting the newest row; nil means the store is empty.
func (s *Store) GetActive(ctx context.Context) (*persistence.ConfigVersion, error) {
	active, err := s.getActiveStore(ctx)
	if err != nil {
		if cached := s.cacheActiveCopy(); cached != nil {
			log.Warn().Err(err).Msg("Config store unavailable, serving active version from cache")
			return cached, nil
		}
		return nil, err
	}
	if active != nil {
		s.cachePut(*active)
		return active, nil
	}

	var promoted *persistence.ConfigVersion
	err = s.guarded(func() error {
		var gerr error
		promoted, gerr = s.repo.PromoteNewest(ctx)
		return gerr
	})
	if err != nil {
		return nil, err
	}
	if promoted != nil {
		s.cacheActivate(*promoted)
		log.Warn().Str("config_version_id", promoted.ID).Msg("No active config version, promoted newest")
	}
	return promoted, nil
}

// GetByID returns one version, or nil when the id is unknown.
func (s *Store) GetByID(ctx context.Context, id string) (*persistence.ConfigVersion, error) {
	v, err := s.getByIDStore(ctx, id)
	if err != nil {
		if cached := s.cacheByID(id); cached != nil {
			return cached, nil
		}
		return nil, err
	}
	return v, nil
}

// List returns the newest versions, newest first. limit defaults to 20
// and is capped at 200.
func (s *Store) List(ctx context.Context, limit int) ([]persistence.ConfigVersion, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var out []persistence.ConfigVersion
	err := s.guarded(func() error {
		var gerr error
		out, gerr = s.repo.List(ctx, limit)
		return gerr
	})
	if err != nil {
		if cached := s.cacheList(limit); len(cached) > 0 {
			log.Warn().Err(err).Msg("Config store unavailable, serving versions from cache")
			return cached, nil
		}
		return nil, err
	}
	return out, nil
}

// Rollback activates the most recent non-active version. Returns nil when
// there is nothing to roll back to.
func (s *Store) Rollback(ctx context.Context) (*persistence.ConfigVersion, error) {
	var prev *persistence.ConfigVersion
	err := s.guarded(func() error {
		var gerr error
		prev, gerr = s.repo.NewestInactive(ctx)
		return gerr
	})
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, nil
	}
	return s.Activate(ctx, prev.ID)
}

// EnsureDefault guarantees one active version exists: it returns the
// current active, promotes the newest row when none is marked, or seeds a
// version from the default preset into an empty store.
func (s *Store) EnsureDefault(ctx context.Context) (*persistence.ConfigVersion, error) {
	active, err := s.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return active, nil
	}

	preset := params.DefaultPresetName
	note := "seeded from default preset"
	v := persistence.ConfigVersion{
		ID:         uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		PresetName: &preset,
		Params:     params.Defaults(),
		IsActive:   true,
		Note:       &note,
	}
	if err := s.guarded(func() error { return s.repo.CreateActive(ctx, v) }); err != nil {
		return nil, fmt.Errorf("seed default config version: %w", err)
	}

	s.cachePut(v)
	log.Info().Str("config_version_id", v.ID).Str("preset", preset).Msg("Seeded default config version")
	return &v, nil
}

// ActiveParams resolves the active parameter bundle, seeding the default
// preset when the store is empty.
func (s *Store) ActiveParams(ctx context.Context) (params.Params, string, error) {
	v, err := s.GetActive(ctx)
	if err != nil {
		return params.Params{}, "", err
	}
	if v == nil {
		v, err = s.EnsureDefault(ctx)
		if err != nil {
			return params.Params{}, "", err
		}
	}
	return v.Params, v.ID, nil
}

func (s *Store) guarded(fn func() error) error {
	if s.guard == nil {
		return fn()
	}
	return s.guard(fn)
}

func (s *Store) getActiveStore(ctx context.Context) (*persistence.ConfigVersion, error) {
	var v *persistence.ConfigVersion
	err := s.guarded(func() error {
		var gerr error
		v, gerr = s.repo.GetActive(ctx)
		return gerr
	})
	return v, err
}

func (s *Store) getByIDStore(ctx context.Context, id string) (*persistence.ConfigVersion, error) {
	var v *persistence.ConfigVersion
	err := s.guarded(func() error {
		var gerr error
		v, gerr = s.repo.GetByID(ctx, id)
		return gerr
	})
	return v, err
}

func (s *Store) cachePut(v persistence.ConfigVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(v)
	if v.IsActive {
		s.demoteOthersLocked(v.ID)
		cp := v
		s.active = &cp
	}
}

func (s *Store) cacheActivate(v persistence.ConfigVersion) {
	v.IsActive = true
	s.cachePut(v)
}

func (s *Store) insertLocked(v persistence.ConfigVersion) {
	for i := range s.recent {
		if s.recent[i].ID == v.ID {
			s.recent[i] = v
			return
		}
	}
	s.recent = append(s.recent, v)
	sort.SliceStable(s.recent, func(i, j int) bool {
		return s.recent[i].CreatedAt.After(s.recent[j].CreatedAt)
	})
	if len(s.recent) > cacheCap {
		s.recent = s.recent[:cacheCap]
	}
}

func (s *Store) demoteOthersLocked(exceptID string) {
	for i := range s.recent {
		if s.recent[i].ID != exceptID {
			s.recent[i].IsActive = false
		}
	}
}

func (s *Store) cacheActiveCopy() *persistence.ConfigVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return nil
	}
	cp := *s.active
	return &cp
}

func (s *Store) cacheByID(id string) *persistence.ConfigVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.recent {
		if s.recent[i].ID == id {
			cp := s.recent[i]
			return &cp
		}
	}
	return nil
}

func (s *Store) cacheList(limit int) []persistence.ConfigVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := limit
	if n > len(s.recent) {
		n = len(s.recent)
	}
	out := make([]persistence.ConfigVersion, n)
	copy(out, s.recent[:n])
	return out
}
