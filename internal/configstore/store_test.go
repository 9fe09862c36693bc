package configstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cliploop/retentiond/internal/params"
	"github.com/cliploop/retentiond/internal/persistence"
	"github.com/cliploop/retentiond/internal/persistence/memory"
)

func newTestStore() (*Store, persistence.ConfigVersionsRepo) {
	repo := memory.NewStore().ConfigVersions()
	return New(repo, nil), repo
}

func mustPreset(t *testing.T, name string) params.Params {
	t.Helper()
	p, ok := params.Preset(name)
	require.True(t, ok, "preset %s", name)
	return p
}

func countActive(t *testing.T, repo persistence.ConfigVersionsRepo) int {
	t.Helper()
	versions, err := repo.List(context.Background(), 100)
	require.NoError(t, err)
	n := 0
	for _, v := range versions {
		if v.IsActive {
			n++
		}
	}
	return n
}

func TestEnsureDefault_SeedsDefaultPreset(t *testing.T) {
	store, repo := newTestStore()
	ctx := context.Background()

	v, err := store.EnsureDefault(ctx)
	require.NoError(t, err)
	require.NotNil(t, v)

	assert.True(t, v.IsActive)
	require.NotNil(t, v.PresetName)
	assert.Equal(t, params.DefaultPresetName, *v.PresetName)
	assert.Equal(t, params.Defaults(), v.Params)
	assert.Equal(t, 1, countActive(t, repo))

	// Second call is a no-op returning the same version.
	again, err := store.EnsureDefault(ctx)
	require.NoError(t, err)
	assert.Equal(t, v.ID, again.ID)
	assert.Equal(t, 1, countActive(t, repo))
}

func TestGetActive_PromotesNewestWhenNoneActive(t *testing.T) {
	store, repo := newTestStore()
	ctx := context.Background()

	older := persistence.ConfigVersion{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
		Params:    params.Defaults(),
	}
	newer := persistence.ConfigVersion{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC().Add(-1 * time.Hour),
		Params:    mustPreset(t, "story_mode"),
	}
	require.NoError(t, repo.Create(ctx, older))
	require.NoError(t, repo.Create(ctx, newer))

	active, err := store.GetActive(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, newer.ID, active.ID)
	assert.True(t, active.IsActive)
	assert.Equal(t, 1, countActive(t, repo))
}

func TestGetActive_EmptyStore(t *testing.T) {
	store, _ := newTestStore()

	active, err := store.GetActive(context.Background())
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestCreate_ActivateKeepsSingleActive(t *testing.T) {
	store, repo := newTestStore()
	ctx := context.Background()

	_, err := store.EnsureDefault(ctx)
	require.NoError(t, err)

	writes := []struct {
		preset   string
		activate bool
	}{
		{"viral_mode", true},
		{"story_mode", false},
		{"hyper_cut_mode", true},
		{"cinematic_mode", false},
		{"psychological_hook_mode", true},
	}
	for _, w := range writes {
		preset := w.preset
		_, err := store.Create(ctx, CreateRequest{
			Params:     mustPreset(t, preset),
			PresetName: &preset,
			Activate:   w.activate,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, countActive(t, repo), "after write %s", w.preset)
	}
}

func TestCreate_ThenGetActiveReturnsIt(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	created, err := store.Create(ctx, CreateRequest{Params: mustPreset(t, "viral_mode"), Activate: true})
	require.NoError(t, err)

	active, err := store.GetActive(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, created.ID, active.ID)
	assert.Equal(t, created.Params, active.Params)
}

func TestRollback_RestoresPreviousActive(t *testing.T) {
	store, repo := newTestStore()
	ctx := context.Background()

	a, err := store.Create(ctx, CreateRequest{Params: params.Defaults(), Activate: true})
	require.NoError(t, err)
	b, err := store.Create(ctx, CreateRequest{Params: mustPreset(t, "viral_mode"), Activate: true})
	require.NoError(t, err)

	gotA, err := store.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, gotA.IsActive)

	active, err := store.GetActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.ID, active.ID)

	rolled, err := store.Rollback(ctx)
	require.NoError(t, err)
	require.NotNil(t, rolled)
	assert.Equal(t, a.ID, rolled.ID)
	assert.True(t, rolled.IsActive)

	active, err = store.GetActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.ID, active.ID)
	assert.Equal(t, 1, countActive(t, repo))
}

func TestRollback_NothingToRollBackTo(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	_, err := store.Create(ctx, CreateRequest{Params: params.Defaults(), Activate: true})
	require.NoError(t, err)

	rolled, err := store.Rollback(ctx)
	require.NoError(t, err)
	assert.Nil(t, rolled)
}

func TestActivate_NotFound(t *testing.T) {
	store, _ := newTestStore()

	_, err := store.Activate(context.Background(), "no-such-id")
	require.Error(t, err)
	assert.True(t, errors.Is(err, persistence.ErrNotFound))
}

func TestList_NewestFirstWithLimit(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	var ids []string
	for _, preset := range []string{"cinematic_mode", "story_mode", "viral_mode"} {
		v, err := store.Create(ctx, CreateRequest{Params: mustPreset(t, preset), Activate: false})
		require.NoError(t, err)
		ids = append(ids, v.ID)
		time.Sleep(time.Millisecond)
	}

	versions, err := store.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, ids[2], versions[0].ID)
	assert.Equal(t, ids[1], versions[1].ID)

	all, err := store.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

var errStoreDown = errors.New("store down")

// flakyVersions fails reads on demand while writes keep hitting the
// embedded repo.
type flakyVersions struct {
	persistence.ConfigVersionsRepo
	down bool
}

func (f *flakyVersions) GetActive(ctx context.Context) (*persistence.ConfigVersion, error) {
	if f.down {
		return nil, errStoreDown
	}
	return f.ConfigVersionsRepo.GetActive(ctx)
}

func (f *flakyVersions) GetByID(ctx context.Context, id string) (*persistence.ConfigVersion, error) {
	if f.down {
		return nil, errStoreDown
	}
	return f.ConfigVersionsRepo.GetByID(ctx, id)
}

func (f *flakyVersions) List(ctx context.Context, limit int) ([]persistence.ConfigVersion, error) {
	if f.down {
		return nil, errStoreDown
	}
	return f.ConfigVersionsRepo.List(ctx, limit)
}

func TestReads_FallBackToCacheWhenStoreDown(t *testing.T) {
	flaky := &flakyVersions{ConfigVersionsRepo: memory.NewStore().ConfigVersions()}
	store := New(flaky, nil)
	ctx := context.Background()

	created, err := store.Create(ctx, CreateRequest{Params: mustPreset(t, "viral_mode"), Activate: true})
	require.NoError(t, err)

	flaky.down = true

	active, err := store.GetActive(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, created.ID, active.ID)

	byID, err := store.GetByID(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, created.ID, byID.ID)

	versions, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, versions)
	assert.Equal(t, created.ID, versions[0].ID)
}

func TestGuard_WrapsEveryStoreCall(t *testing.T) {
	calls := 0
	guard := func(fn func() error) error {
		calls++
		return fn()
	}
	store := New(memory.NewStore().ConfigVersions(), guard)
	ctx := context.Background()

	_, err := store.Create(ctx, CreateRequest{Params: params.Defaults(), Activate: true})
	require.NoError(t, err)
	_, err = store.GetActive(ctx)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, calls, 2)
}
