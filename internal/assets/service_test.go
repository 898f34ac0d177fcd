package assets

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/compositor-backend/pkg/contenthash"
	"github.com/angelmondragon/compositor-backend/pkg/db"
	"github.com/angelmondragon/compositor-backend/pkg/db/dbtest"
	"github.com/angelmondragon/compositor-backend/pkg/db/models"
	"github.com/angelmondragon/compositor-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/compositor-backend/pkg/errors"
	"github.com/angelmondragon/compositor-backend/pkg/outbox"
	"github.com/angelmondragon/compositor-backend/pkg/storage/memory"
)

type testEnv struct {
	svc    Service
	client *db.Client
	repo   Repository
	outbox *outbox.Repository
	clock  *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestEnv(t *testing.T, mutate func(*ServiceParams)) *testEnv {
	t.Helper()
	client := dbtest.Open(t)
	repo := NewRepository(client.DB())
	outboxRepo := outbox.NewRepository(client.DB())
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	params := ServiceParams{
		Repository: repo,
		Tx:         client,
		Outbox:     outbox.NewService(outboxRepo, nil),
		Store:      memory.NewStore("content"),
		Clock:      clock.Now,
	}
	if mutate != nil {
		mutate(&params)
	}
	svc, err := NewService(params)
	require.NoError(t, err)
	return &testEnv{svc: svc, client: client, repo: repo, outbox: outboxRepo, clock: clock}
}

func strPtr(v string) *string { return &v }

func (e *testEnv) intake(t *testing.T, input IntakeInput) *models.Asset {
	t.Helper()
	if input.Name == "" {
		input.Name = "asset"
	}
	if input.Category == "" {
		input.Category = "BG"
	}
	if input.StorageKeyRaw == "" {
		input.StorageKeyRaw = "raw/" + uuid.NewString()
	}
	if input.CreatedBy == "" {
		input.CreatedBy = "uploader@example.com"
	}
	res, err := e.svc.Intake(context.Background(), input)
	require.NoError(t, err)
	require.False(t, res.Deduplicated)
	return res.Asset
}

func (e *testEnv) approved(t *testing.T, input IntakeInput) *models.Asset {
	t.Helper()
	asset := e.intake(t, input)
	approvedAsset, err := e.svc.Approve(context.Background(), asset.ID, "reviewer@example.com")
	require.NoError(t, err)
	return approvedAsset
}

func TestResolveScopePrecedence(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	episodeID := uuid.New()
	showID := uuid.New()

	global := env.approved(t, IntakeInput{RoleKey: strPtr("BG.MAIN"), Scope: enums.AssetScopeGlobal})

	got, err := env.svc.Resolve(ctx, episodeID, &showID, "BG.MAIN")
	require.NoError(t, err)
	assert.Equal(t, global.ID, got.ID)

	show := env.approved(t, IntakeInput{RoleKey: strPtr("BG.MAIN"), Scope: enums.AssetScopeShow, ShowID: &showID})
	got, err = env.svc.Resolve(ctx, episodeID, &showID, "BG.MAIN")
	require.NoError(t, err)
	assert.Equal(t, show.ID, got.ID)

	episode := env.approved(t, IntakeInput{RoleKey: strPtr("BG.MAIN"), Scope: enums.AssetScopeEpisode, EpisodeID: &episodeID})
	got, err = env.svc.Resolve(ctx, episodeID, &showID, "bg.main")
	require.NoError(t, err)
	assert.Equal(t, episode.ID, got.ID)

	// A newer global asset never outranks a narrower scope.
	env.approved(t, IntakeInput{RoleKey: strPtr("BG.MAIN"), Scope: enums.AssetScopeGlobal})
	got, err = env.svc.Resolve(ctx, episodeID, &showID, "BG.MAIN")
	require.NoError(t, err)
	assert.Equal(t, episode.ID, got.ID)

	// Without the show in context, the show asset is skipped.
	got, err = env.svc.Resolve(ctx, uuid.New(), nil, "BG.MAIN")
	require.NoError(t, err)
	assert.Equal(t, enums.AssetScopeGlobal, got.Scope)
}

func TestResolveTieBreaksByApprovalTime(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	older := env.approved(t, IntakeInput{RoleKey: strPtr("BG.MAIN"), Scope: enums.AssetScopeGlobal})
	newer := env.approved(t, IntakeInput{RoleKey: strPtr("BG.MAIN"), Scope: enums.AssetScopeGlobal})
	require.True(t, newer.ApprovedAt.After(*older.ApprovedAt))

	got, err := env.svc.Resolve(ctx, uuid.New(), nil, "BG.MAIN")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)
}

func TestResolveSkipsUnapprovedAndDeleted(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	episodeID := uuid.New()

	env.intake(t, IntakeInput{RoleKey: strPtr("BG.MAIN"), Scope: enums.AssetScopeEpisode, EpisodeID: &episodeID})
	_, err := env.svc.Resolve(ctx, episodeID, nil, "BG.MAIN")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	deleted := env.approved(t, IntakeInput{RoleKey: strPtr("BG.MAIN"), Scope: enums.AssetScopeEpisode, EpisodeID: &episodeID})
	require.NoError(t, env.svc.SoftDelete(ctx, deleted.ID))
	_, err = env.svc.Resolve(ctx, episodeID, nil, "BG.MAIN")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	_, err = env.svc.Resolve(ctx, episodeID, nil, "not a role")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidRole))
}

type staticCache struct {
	id      uuid.UUID
	stored  []uuid.UUID
	cleared int
}

func (c *staticCache) Generation(context.Context) (int64, error) { return 0, nil }

func (c *staticCache) Lookup(context.Context, int64, ScopeContext, string) (uuid.UUID, bool, error) {
	return c.id, c.id != uuid.Nil, nil
}

func (c *staticCache) Store(_ context.Context, _ int64, _ ScopeContext, _ string, id uuid.UUID) error {
	c.stored = append(c.stored, id)
	return nil
}

func (c *staticCache) Invalidate(context.Context) error {
	c.cleared++
	return nil
}

func TestResolveReverifiesCachedWinner(t *testing.T) {
	cache := &staticCache{}
	env := newTestEnv(t, func(p *ServiceParams) { p.Cache = cache })
	ctx := context.Background()

	winner := env.approved(t, IntakeInput{RoleKey: strPtr("BG.MAIN"), Scope: enums.AssetScopeGlobal})
	stale := env.approved(t, IntakeInput{RoleKey: strPtr("BG.MAIN"), Scope: enums.AssetScopeGlobal})
	_, err := env.svc.Reject(ctx, stale.ID, "reviewer@example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, cache.cleared)

	cache.id = stale.ID
	got, err := env.svc.Resolve(ctx, uuid.New(), nil, "BG.MAIN")
	require.NoError(t, err)
	assert.Equal(t, winner.ID, got.ID)
	assert.Equal(t, []uuid.UUID{winner.ID}, cache.stored)

	cache.id = winner.ID
	got, err = env.svc.Resolve(ctx, uuid.New(), nil, "BG.MAIN")
	require.NoError(t, err)
	assert.Equal(t, winner.ID, got.ID)
	assert.Len(t, cache.stored, 1)
}

// approvingRepo runs onGlobal once, right after the GLOBAL level of a
// resolve has been read.
type approvingRepo struct {
	Repository
	onGlobal func()
}

func (r *approvingRepo) FirstApproved(ctx context.Context, roleKey string, pred ScopePredicate) (*models.Asset, error) {
	asset, err := r.Repository.FirstApproved(ctx, roleKey, pred)
	if pred.Scope == enums.AssetScopeGlobal && r.onGlobal != nil {
		hook := r.onGlobal
		r.onGlobal = nil
		hook()
	}
	return asset, err
}

func TestResolveCachesUnderGenerationOfRead(t *testing.T) {
	store := newFakeResolveStore()
	cache, err := NewRedisResolveCache(store, time.Minute)
	require.NoError(t, err)
	hooked := &approvingRepo{}
	env := newTestEnv(t, func(p *ServiceParams) {
		hooked.Repository = p.Repository
		p.Repository = hooked
		p.Cache = cache
	})
	ctx := context.Background()
	episodeID := uuid.New()

	global := env.approved(t, IntakeInput{RoleKey: strPtr("BG.MAIN"), Scope: enums.AssetScopeGlobal})
	episode := env.intake(t, IntakeInput{RoleKey: strPtr("BG.MAIN"), Scope: enums.AssetScopeEpisode, EpisodeID: &episodeID})

	// The episode asset is approved after the chain has passed its level.
	hooked.onGlobal = func() {
		_, err := env.svc.Approve(ctx, episode.ID, "reviewer@example.com")
		require.NoError(t, err)
	}
	got, err := env.svc.Resolve(ctx, episodeID, nil, "BG.MAIN")
	require.NoError(t, err)
	assert.Equal(t, global.ID, got.ID)

	got, err = env.svc.Resolve(ctx, episodeID, nil, "BG.MAIN")
	require.NoError(t, err)
	assert.Equal(t, episode.ID, got.ID, "stale winner served from cache")

	got, err = env.svc.Resolve(ctx, episodeID, nil, "BG.MAIN")
	require.NoError(t, err)
	assert.Equal(t, episode.ID, got.ID)
}

// blockingRepo holds the first resolve read until release is closed.
type blockingRepo struct {
	Repository
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *blockingRepo) FirstApproved(ctx context.Context, roleKey string, pred ScopePredicate) (*models.Asset, error) {
	r.once.Do(func() {
		close(r.entered)
		<-r.release
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.Repository.FirstApproved(ctx, roleKey, pred)
}

func TestResolveSharedReadIgnoresCallerCancellation(t *testing.T) {
	blocking := &blockingRepo{entered: make(chan struct{}), release: make(chan struct{})}
	env := newTestEnv(t, func(p *ServiceParams) {
		blocking.Repository = p.Repository
		p.Repository = blocking
	})
	global := env.approved(t, IntakeInput{RoleKey: strPtr("BG.MAIN"), Scope: enums.AssetScopeGlobal})

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		asset *models.Asset
		err   error
	}
	done := make(chan result, 1)
	go func() {
		asset, err := env.svc.Resolve(ctx, uuid.New(), nil, "BG.MAIN")
		done <- result{asset, err}
	}()

	<-blocking.entered
	cancel()
	close(blocking.release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, global.ID, res.asset.ID)
}

func TestIntakeDeduplicatesByContentHash(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	hash := contenthash.Sum([]byte("closet"))

	first := env.intake(t, IntakeInput{Scope: enums.AssetScopeGlobal, ContentHash: &hash})
	res, err := env.svc.Intake(ctx, IntakeInput{
		Name:          "duplicate",
		Category:      "BG",
		Scope:         enums.AssetScopeGlobal,
		ContentHash:   strPtr("  " + hash),
		StorageKeyRaw: "raw/other",
		CreatedBy:     "someone@example.com",
	})
	require.NoError(t, err)
	assert.True(t, res.Deduplicated)
	assert.Equal(t, first.ID, res.Asset.ID)
	assert.Equal(t, first.StorageKeyRaw, res.Asset.StorageKeyRaw)

	var count int64
	require.NoError(t, env.client.DB().Model(&models.Asset{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

type racingRepo struct {
	Repository
	winner  *models.Asset
	lookups int
	creates int
	lose    bool
}

func (r *racingRepo) FindByContentHash(context.Context, string) (*models.Asset, error) {
	r.lookups++
	if r.lookups == 1 || r.winner == nil {
		return nil, nil
	}
	return r.winner, nil
}

func (r *racingRepo) Create(context.Context, *models.Asset) error {
	r.creates++
	return errors.New("UNIQUE constraint failed: assets.content_hash")
}

func TestIntakeConvergesOnRaceWinner(t *testing.T) {
	winner := &models.Asset{ID: uuid.New(), Name: "winner"}
	repo := &racingRepo{winner: winner}
	env := newTestEnv(t, func(p *ServiceParams) { p.Repository = repo })
	hash := contenthash.Sum([]byte("raced"))

	res, err := env.svc.Intake(context.Background(), IntakeInput{
		Name:          "loser",
		Category:      "BG",
		Scope:         enums.AssetScopeGlobal,
		ContentHash:   &hash,
		StorageKeyRaw: "raw/loser",
		CreatedBy:     "uploader@example.com",
	})
	require.NoError(t, err)
	assert.True(t, res.Deduplicated)
	assert.Equal(t, winner.ID, res.Asset.ID)
	assert.Equal(t, 1, repo.creates)
}

func TestIntakeGivesUpWhenWinnerNeverAppears(t *testing.T) {
	repo := &racingRepo{}
	env := newTestEnv(t, func(p *ServiceParams) {
		p.Repository = repo
		p.IntakeAttempts = 2
	})
	hash := contenthash.Sum([]byte("ghost"))

	_, err := env.svc.Intake(context.Background(), IntakeInput{
		Name:          "ghost",
		Category:      "BG",
		Scope:         enums.AssetScopeGlobal,
		ContentHash:   &hash,
		StorageKeyRaw: "raw/ghost",
		CreatedBy:     "uploader@example.com",
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))
	assert.Equal(t, 2, repo.creates)
}

func TestIntakeConcurrentSameHash(t *testing.T) {
	env := newTestEnv(t, nil)
	hash := contenthash.Sum([]byte("popular"))

	const workers = 8
	ids := make([]uuid.UUID, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.svc.Intake(context.Background(), IntakeInput{
				Name:          "popular",
				Category:      "BG",
				Scope:         enums.AssetScopeGlobal,
				ContentHash:   &hash,
				StorageKeyRaw: "raw/popular",
				CreatedBy:     "uploader@example.com",
			})
			if assert.NoError(t, err) {
				ids[i] = res.Asset.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
}

func TestIntakeValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	showID := uuid.New()
	episodeID := uuid.New()

	cases := []struct {
		name  string
		input IntakeInput
	}{
		{"missing name", IntakeInput{Category: "BG", Scope: enums.AssetScopeGlobal, StorageKeyRaw: "k", CreatedBy: "u"}},
		{"global with show", IntakeInput{Name: "a", Category: "BG", Scope: enums.AssetScopeGlobal, ShowID: &showID, StorageKeyRaw: "k", CreatedBy: "u"}},
		{"show without show id", IntakeInput{Name: "a", Category: "BG", Scope: enums.AssetScopeShow, StorageKeyRaw: "k", CreatedBy: "u"}},
		{"show with episode", IntakeInput{Name: "a", Category: "BG", Scope: enums.AssetScopeShow, ShowID: &showID, EpisodeID: &episodeID, StorageKeyRaw: "k", CreatedBy: "u"}},
		{"episode without episode id", IntakeInput{Name: "a", Category: "BG", Scope: enums.AssetScopeEpisode, StorageKeyRaw: "k", CreatedBy: "u"}},
		{"bad role", IntakeInput{Name: "a", Category: "BG", Scope: enums.AssetScopeGlobal, RoleKey: strPtr("bg"), StorageKeyRaw: "k", CreatedBy: "u"}},
		{"bad hash", IntakeInput{Name: "a", Category: "BG", Scope: enums.AssetScopeGlobal, ContentHash: strPtr("md5:abc"), StorageKeyRaw: "k", CreatedBy: "u"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.Intake(context.Background(), tc.input)
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
		})
	}
}

func TestIntakeContentStoresOnce(t *testing.T) {
	store := memory.NewStore("content")
	env := newTestEnv(t, func(p *ServiceParams) { p.Store = store })
	ctx := context.Background()
	input := IntakeInput{Name: "logo", Category: "BRAND", Scope: enums.AssetScopeGlobal, CreatedBy: "uploader@example.com"}

	first, err := env.svc.IntakeContent(ctx, input, []byte("png-bytes"), "image/png")
	require.NoError(t, err)
	assert.False(t, first.Deduplicated)
	require.NotNil(t, first.Asset.ContentHash)
	assert.Equal(t, contenthash.Sum([]byte("png-bytes")), *first.Asset.ContentHash)

	stored, err := store.Get(ctx, first.Asset.StorageKeyRaw)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), stored)

	second, err := env.svc.IntakeContent(ctx, input, []byte("png-bytes"), "image/png")
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Asset.ID, second.Asset.ID)
	assert.Equal(t, 1, store.Puts())

	_, err = env.svc.IntakeContent(ctx, input, nil, "image/png")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestApproveAndRejectEmitEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	asset := env.intake(t, IntakeInput{RoleKey: strPtr("BG.MAIN"), Scope: enums.AssetScopeGlobal})
	assert.Equal(t, enums.ApprovalPending, asset.ApprovalStatus)

	approved, err := env.svc.Approve(ctx, asset.ID, "reviewer@example.com")
	require.NoError(t, err)
	assert.Equal(t, enums.ApprovalApproved, approved.ApprovalStatus)
	require.NotNil(t, approved.ApprovedAt)

	// Approving twice is a no-op.
	_, err = env.svc.Approve(ctx, asset.ID, "reviewer@example.com")
	require.NoError(t, err)

	rejected, err := env.svc.Reject(ctx, asset.ID, "reviewer@example.com")
	require.NoError(t, err)
	assert.Equal(t, enums.ApprovalRejected, rejected.ApprovalStatus)
	assert.Nil(t, rejected.ApprovedAt)

	rows, err := env.outbox.FetchUnpublished(10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, enums.EventAssetApproved, rows[0].EventType)
	assert.Equal(t, enums.EventAssetRejected, rows[1].EventType)

	_, err = env.svc.Approve(ctx, uuid.New(), "reviewer@example.com")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestSoftDeleteGuardedByLiveAssignments(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	asset := env.approved(t, IntakeInput{RoleKey: strPtr("BG.MAIN"), Scope: enums.AssetScopeGlobal})

	template := models.Template{ID: uuid.New(), Name: "t", RequiredRoles: []string{"BG.MAIN"}, OptionalRoles: []string{}}
	require.NoError(t, env.client.DB().Create(&template).Error)
	composition := models.Composition{
		ID:             uuid.New(),
		EpisodeID:      uuid.New(),
		TemplateID:     template.ID,
		CurrentVersion: 2,
		RenderStatus:   enums.RenderStatusDraft,
	}
	require.NoError(t, env.client.DB().Create(&composition).Error)
	require.NoError(t, env.client.DB().Create(&models.CompositionAssetAssignment{
		ID:            uuid.New(),
		CompositionID: composition.ID,
		RoleKey:       "BG.MAIN",
		AssetID:       asset.ID,
		VersionNumber: 2,
	}).Error)

	err := env.svc.SoftDelete(ctx, asset.ID)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "got %v", err)

	// Deleting the composition releases the asset.
	require.NoError(t, env.client.DB().Delete(&composition).Error)
	require.NoError(t, env.svc.SoftDelete(ctx, asset.ID))

	_, err = env.svc.Get(ctx, asset.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestRestoreChecksContentHashOwner(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	hash := contenthash.Sum([]byte("shared"))

	original := env.intake(t, IntakeInput{Scope: enums.AssetScopeGlobal, ContentHash: &hash})
	require.NoError(t, env.svc.SoftDelete(ctx, original.ID))

	replacement := env.intake(t, IntakeInput{Scope: enums.AssetScopeGlobal, ContentHash: &hash})
	require.NotEqual(t, original.ID, replacement.ID)

	_, err := env.svc.Restore(ctx, original.ID)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "got %v", err)
	appErr := pkgerrors.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, replacement.ID, appErr.Details().(map[string]any)["existing_asset_id"])

	require.NoError(t, env.svc.SoftDelete(ctx, replacement.ID))
	restored, err := env.svc.Restore(ctx, original.ID)
	require.NoError(t, err)
	assert.False(t, restored.DeletedAt.Valid)

	got, err := env.svc.Get(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, original.ID, got.ID)
}

func TestRecordProcessed(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	taken := contenthash.Sum([]byte("taken"))
	owner := env.intake(t, IntakeInput{Scope: enums.AssetScopeGlobal, ContentHash: &taken})
	asset := env.intake(t, IntakeInput{Scope: enums.AssetScopeGlobal})

	processedHash := contenthash.Sum([]byte("processed"))
	updated, err := env.svc.RecordProcessed(ctx, asset.ID, processedHash, "processed/bg.png")
	require.NoError(t, err)
	assert.Equal(t, processedHash, *updated.ContentHash)
	assert.Equal(t, "processed/bg.png", updated.RenderKey())

	_, err = env.svc.RecordProcessed(ctx, asset.ID, taken, "processed/other.png")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))
	assert.Equal(t, owner.ID, pkgerrors.As(err).Details().(map[string]any)["existing_asset_id"])

	_, err = env.svc.RecordProcessed(ctx, asset.ID, "nope", "processed/x.png")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestListEligibleOrdersByScope(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	episodeID := uuid.New()
	showID := uuid.New()

	global := env.approved(t, IntakeInput{RoleKey: strPtr("UI.ICON.CLOSET"), Scope: enums.AssetScopeGlobal})
	show := env.approved(t, IntakeInput{RoleKey: strPtr("UI.ICON.CLOSET"), Scope: enums.AssetScopeShow, ShowID: &showID})
	episode := env.approved(t, IntakeInput{RoleKey: strPtr("UI.ICON.CLOSET"), Scope: enums.AssetScopeEpisode, EpisodeID: &episodeID})
	env.approved(t, IntakeInput{RoleKey: strPtr("UI.ICON.CLOSET"), Scope: enums.AssetScopeEpisode, EpisodeID: ptrUUID(uuid.New())})

	candidates, err := env.svc.ListEligible(ctx, episodeID, &showID, "UI.ICON.CLOSET")
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	assert.Equal(t, episode.ID, candidates[0].Asset.ID)
	assert.Equal(t, enums.AssetScopeEpisode, candidates[0].Level)
	assert.Equal(t, show.ID, candidates[1].Asset.ID)
	assert.Equal(t, global.ID, candidates[2].Asset.ID)
}

func TestCheckEligible(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	episodeID := uuid.New()
	sc := ScopeContext{EpisodeID: episodeID}

	tagged := env.approved(t, IntakeInput{RoleKey: strPtr("CHAR.GUEST.1"), Scope: enums.AssetScopeGlobal})
	untagged := env.approved(t, IntakeInput{Scope: enums.AssetScopeEpisode, EpisodeID: &episodeID})
	pending := env.intake(t, IntakeInput{Scope: enums.AssetScopeGlobal})
	elsewhere := env.approved(t, IntakeInput{Scope: enums.AssetScopeEpisode, EpisodeID: ptrUUID(uuid.New())})

	_, err := env.svc.CheckEligible(ctx, tagged.ID, sc, "CHAR.GUEST.2")
	require.NoError(t, err)
	_, err = env.svc.CheckEligible(ctx, untagged.ID, sc, "BG.MAIN")
	require.NoError(t, err)

	for name, id := range map[string]uuid.UUID{
		"incompatible": tagged.ID,
		"pending":      pending.ID,
		"invisible":    elsewhere.ID,
		"missing":      uuid.New(),
	} {
		role := "BG.MAIN"
		_, err := env.svc.CheckEligible(ctx, id, sc, role)
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeAssetNotEligible), "%s: got %v", name, err)
	}
}

func ptrUUID(id uuid.UUID) *uuid.UUID { return &id }
