package compositions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/compositor-backend/internal/assets"
	"github.com/angelmondragon/compositor-backend/internal/templates"
	"github.com/angelmondragon/compositor-backend/pkg/config"
	"github.com/angelmondragon/compositor-backend/pkg/db"
	"github.com/angelmondragon/compositor-backend/pkg/db/dbtest"
	"github.com/angelmondragon/compositor-backend/pkg/db/models"
	"github.com/angelmondragon/compositor-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/compositor-backend/pkg/errors"
	"github.com/angelmondragon/compositor-backend/pkg/outbox"
)

const actor = "editor@example.com"

type testEnv struct {
	svc       Service
	client    *db.Client
	templates templates.Service
	assets    assets.Service
	outbox    *outbox.Repository
}

func newTestEnv(t *testing.T, mutate func(*ServiceParams)) *testEnv {
	t.Helper()
	client := dbtest.Open(t)
	outboxRepo := outbox.NewRepository(client.DB())
	emitter := outbox.NewService(outboxRepo, nil)

	templateSvc, err := templates.NewService(templates.NewRepository(client.DB()), client, nil, nil)
	require.NoError(t, err)

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	assetSvc, err := assets.NewService(assets.ServiceParams{
		Repository: assets.NewRepository(client.DB()),
		Tx:         client,
		Outbox:     emitter,
		Clock: func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		},
	})
	require.NoError(t, err)

	params := ServiceParams{
		Repository: NewRepository(client.DB()),
		Tx:         client,
		Outbox:     emitter,
		Templates:  templateSvc,
		Assets:     assetSvc,
		Engine:     config.EngineConfig{MaxConflictRetries: 5},
	}
	if mutate != nil {
		mutate(&params)
	}
	svc, err := NewService(params)
	require.NoError(t, err)
	return &testEnv{svc: svc, client: client, templates: templateSvc, assets: assetSvc, outbox: outboxRepo}
}

func (e *testEnv) template(t *testing.T, required, optional []string) *models.Template {
	t.Helper()
	tpl, err := e.templates.Create(context.Background(), templates.CreateInput{
		Name:          "closet reveal",
		RequiredRoles: required,
		OptionalRoles: optional,
	})
	require.NoError(t, err)
	return tpl
}

func (e *testEnv) asset(t *testing.T, role string, scope enums.AssetScope, showID, episodeID *uuid.UUID, approve bool) *models.Asset {
	t.Helper()
	ctx := context.Background()
	input := assets.IntakeInput{
		Name:          role,
		Category:      "TEST",
		Scope:         scope,
		ShowID:        showID,
		EpisodeID:     episodeID,
		StorageKeyRaw: "raw/" + uuid.NewString(),
		CreatedBy:     "uploader@example.com",
	}
	if role != "" {
		input.RoleKey = &role
	}
	res, err := e.assets.Intake(ctx, input)
	require.NoError(t, err)
	if !approve {
		return res.Asset
	}
	asset, err := e.assets.Approve(ctx, res.Asset.ID, "reviewer@example.com")
	require.NoError(t, err)
	return asset
}

func (e *testEnv) composition(t *testing.T, templateID uuid.UUID, episodeID uuid.UUID, showID *uuid.UUID) *Detail {
	t.Helper()
	detail, err := e.svc.Create(context.Background(), CreateInput{
		EpisodeID:  episodeID,
		ShowID:     showID,
		TemplateID: templateID,
		Config:     map[string]any{"title": "Episode 1"},
		Actor:      actor,
	})
	require.NoError(t, err)
	return detail
}

func (e *testEnv) activeAssignments(t *testing.T, compositionID uuid.UUID) []models.CompositionAssetAssignment {
	t.Helper()
	var rows []models.CompositionAssetAssignment
	require.NoError(t, e.client.DB().Where("composition_id = ?", compositionID).Find(&rows).Error)
	return rows
}

func ptr[T any](v T) *T { return &v }

func TestCreateWritesVersionOne(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	tpl := env.template(t, []string{"BG.MAIN"}, nil)

	detail := env.composition(t, tpl.ID, uuid.New(), nil)
	assert.Equal(t, 1, detail.Composition.CurrentVersion)
	assert.Equal(t, enums.RenderStatusDraft, detail.Composition.RenderStatus)
	assert.Empty(t, detail.Roles)

	versions, err := env.svc.ListVersions(ctx, detail.Composition.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].VersionNumber)
	assert.Empty(t, versions[0].Roles())
	assert.Equal(t, "Episode 1", versions[0].ConfigSnapshot["title"])

	events, err := env.outbox.FetchUnpublished(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, enums.EventCompositionVersioned, events[0].EventType)
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	tpl := env.template(t, []string{"BG.MAIN"}, nil)

	_, err := env.svc.Create(ctx, CreateInput{TemplateID: tpl.ID, Actor: actor})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = env.svc.Create(ctx, CreateInput{EpisodeID: uuid.New(), TemplateID: tpl.ID})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = env.svc.Create(ctx, CreateInput{EpisodeID: uuid.New(), TemplateID: uuid.New(), Actor: actor})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	// Editing a referenced template supersedes it.
	env.composition(t, tpl.ID, uuid.New(), nil)
	res, err := env.templates.Update(ctx, tpl.ID, templates.UpdateInput{Name: ptr("renamed")})
	require.NoError(t, err)
	require.True(t, res.Superseded)

	_, err = env.svc.Create(ctx, CreateInput{EpisodeID: uuid.New(), TemplateID: tpl.ID, Actor: actor})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
}

func TestAssignRoleVersionsFullMap(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	episodeID := uuid.New()
	showID := uuid.New()
	tpl := env.template(t, []string{"BG.MAIN", "CHAR.HOST.LALA"}, []string{"UI.ICON.CLOSET"})
	comp := env.composition(t, tpl.ID, episodeID, &showID)

	bg := env.asset(t, "BG.MAIN", enums.AssetScopeShow, &showID, nil, true)
	host := env.asset(t, "CHAR.HOST.LALA", enums.AssetScopeGlobal, nil, nil, true)

	detail, err := env.svc.AssignRole(ctx, AssignInput{CompositionID: comp.Composition.ID, RoleKey: "bg.main", Actor: actor})
	require.NoError(t, err)
	assert.Equal(t, 2, detail.Composition.CurrentVersion)
	assert.Equal(t, bg.ID, detail.Roles["BG.MAIN"])

	detail, err = env.svc.AssignRole(ctx, AssignInput{CompositionID: comp.Composition.ID, RoleKey: "CHAR.HOST.LALA", AssetID: &host.ID, Actor: actor})
	require.NoError(t, err)
	assert.Equal(t, 3, detail.Composition.CurrentVersion)

	v3, err := env.svc.GetVersion(ctx, comp.Composition.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAssignments{"BG.MAIN": bg.ID, "CHAR.HOST.LALA": host.ID}, v3.Roles())
	assert.Equal(t, actor, v3.Actor)

	// Reassigning the same role still produces a snapshot.
	episodeBG := env.asset(t, "BG.MAIN", enums.AssetScopeEpisode, nil, &episodeID, true)
	detail, err = env.svc.AssignRole(ctx, AssignInput{CompositionID: comp.Composition.ID, RoleKey: "BG.MAIN", Actor: actor})
	require.NoError(t, err)
	assert.Equal(t, 4, detail.Composition.CurrentVersion)
	assert.Equal(t, episodeBG.ID, detail.Roles["BG.MAIN"])

	rows := env.activeAssignments(t, comp.Composition.ID)
	require.Len(t, rows, 2)
	for _, row := range rows {
		if row.RoleKey == "BG.MAIN" {
			assert.Equal(t, episodeBG.ID, row.AssetID)
			assert.Equal(t, 4, row.VersionNumber)
		}
	}

	got, err := env.svc.Get(ctx, comp.Composition.ID)
	require.NoError(t, err)
	assert.Equal(t, detail.Roles, got.Roles)
}

func TestAssignRoleRejections(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	episodeID := uuid.New()
	tpl := env.template(t, []string{"BG.MAIN"}, []string{"CHAR.GUEST.1"})
	comp := env.composition(t, tpl.ID, episodeID, nil)
	id := comp.Composition.ID

	_, err := env.svc.AssignRole(ctx, AssignInput{CompositionID: id, RoleKey: "TEXT.TITLE", Actor: actor})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidRole), "got %v", err)

	_, err = env.svc.AssignRole(ctx, AssignInput{CompositionID: id, RoleKey: "BG.MAIN", Actor: actor})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeAssetNotEligible), "got %v", err)

	pending := env.asset(t, "BG.MAIN", enums.AssetScopeGlobal, nil, nil, false)
	_, err = env.svc.AssignRole(ctx, AssignInput{CompositionID: id, RoleKey: "BG.MAIN", AssetID: &pending.ID, Actor: actor})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeAssetNotEligible))

	otherShow := uuid.New()
	hidden := env.asset(t, "BG.MAIN", enums.AssetScopeShow, &otherShow, nil, true)
	_, err = env.svc.AssignRole(ctx, AssignInput{CompositionID: id, RoleKey: "BG.MAIN", AssetID: &hidden.ID, Actor: actor})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeAssetNotEligible))

	wrongTag := env.asset(t, "BG.ALT", enums.AssetScopeGlobal, nil, nil, true)
	_, err = env.svc.AssignRole(ctx, AssignInput{CompositionID: id, RoleKey: "BG.MAIN", AssetID: &wrongTag.ID, Actor: actor})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeAssetNotEligible))

	// Untagged and variant-compatible assets may be picked directly.
	untagged := env.asset(t, "", enums.AssetScopeEpisode, nil, &episodeID, true)
	_, err = env.svc.AssignRole(ctx, AssignInput{CompositionID: id, RoleKey: "BG.MAIN", AssetID: &untagged.ID, Actor: actor})
	require.NoError(t, err)
	guest := env.asset(t, "CHAR.GUEST.2", enums.AssetScopeGlobal, nil, nil, true)
	detail, err := env.svc.AssignRole(ctx, AssignInput{CompositionID: id, RoleKey: "CHAR.GUEST.1", AssetID: &guest.ID, Actor: actor})
	require.NoError(t, err)
	assert.Equal(t, 3, detail.Composition.CurrentVersion)

	_, err = env.svc.AssignRole(ctx, AssignInput{CompositionID: uuid.New(), RoleKey: "BG.MAIN", Actor: actor})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestConcurrentAssignsProduceDistinctVersions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	tpl := env.template(t, []string{"BG.MAIN"}, nil)
	comp := env.composition(t, tpl.ID, uuid.New(), nil)

	const writers = 10
	candidates := make([]*models.Asset, writers)
	for i := range candidates {
		candidates[i] = env.asset(t, "BG.MAIN", enums.AssetScopeGlobal, nil, nil, true)
	}

	versions := make([]int, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			detail, err := env.svc.AssignRole(ctx, AssignInput{
				CompositionID: comp.Composition.ID,
				RoleKey:       "BG.MAIN",
				AssetID:       &candidates[i].ID,
				Actor:         actor,
			})
			if assert.NoError(t, err) {
				versions[i] = detail.Composition.CurrentVersion
			}
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	for _, v := range versions {
		assert.False(t, seen[v], "version %d written twice", v)
		seen[v] = true
		assert.GreaterOrEqual(t, v, 2)
		assert.LessOrEqual(t, v, writers+1)
	}

	history, err := env.svc.ListVersions(ctx, comp.Composition.ID)
	require.NoError(t, err)
	require.Len(t, history, writers+1)
	for i, version := range history {
		assert.Equal(t, i+1, version.VersionNumber)
	}
	assert.Len(t, env.activeAssignments(t, comp.Composition.ID), 1)
}

type conflictState struct {
	mu     sync.Mutex
	misses int
	calls  int
}

// flakyRepo loses the version race a fixed number of times.
type flakyRepo struct {
	Repository
	state *conflictState
}

func (r *flakyRepo) WithTx(tx *gorm.DB) Repository {
	return &flakyRepo{Repository: r.Repository.WithTx(tx), state: r.state}
}

func (r *flakyRepo) BumpVersion(ctx context.Context, id uuid.UUID, expected, next int, cfg *datatypes.JSONMap) (bool, error) {
	r.state.mu.Lock()
	r.state.calls++
	lose := r.state.misses > 0
	if lose {
		r.state.misses--
	}
	r.state.mu.Unlock()
	if lose {
		return false, nil
	}
	return r.Repository.BumpVersion(ctx, id, expected, next, cfg)
}

func TestVersionConflictIsRetried(t *testing.T) {
	state := &conflictState{misses: 2}
	env := newTestEnv(t, func(p *ServiceParams) {
		p.Repository = &flakyRepo{Repository: p.Repository, state: state}
	})
	ctx := context.Background()
	tpl := env.template(t, []string{"BG.MAIN"}, nil)
	comp := env.composition(t, tpl.ID, uuid.New(), nil)
	env.asset(t, "BG.MAIN", enums.AssetScopeGlobal, nil, nil, true)

	detail, err := env.svc.AssignRole(ctx, AssignInput{CompositionID: comp.Composition.ID, RoleKey: "BG.MAIN", Actor: actor})
	require.NoError(t, err)
	assert.Equal(t, 2, detail.Composition.CurrentVersion)
	assert.Equal(t, 3, state.calls)

	history, err := env.svc.ListVersions(ctx, comp.Composition.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestVersionConflictGivesUp(t *testing.T) {
	state := &conflictState{misses: 100}
	env := newTestEnv(t, func(p *ServiceParams) {
		p.Repository = &flakyRepo{Repository: p.Repository, state: state}
		p.Engine.MaxConflictRetries = 2
	})
	ctx := context.Background()
	tpl := env.template(t, []string{"BG.MAIN"}, nil)
	comp := env.composition(t, tpl.ID, uuid.New(), nil)

	_, err := env.svc.SetConfig(ctx, comp.Composition.ID, map[string]any{"title": "x"}, actor)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "got %v", err)
	assert.Equal(t, 3, state.calls)

	got, err := env.svc.Get(ctx, comp.Composition.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Composition.CurrentVersion)
}

func TestRollbackIsAdditive(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	tpl := env.template(t, []string{"BG.MAIN"}, []string{"UI.ICON.CLOSET"})
	comp := env.composition(t, tpl.ID, uuid.New(), nil)
	id := comp.Composition.ID

	first := env.asset(t, "BG.MAIN", enums.AssetScopeGlobal, nil, nil, true)
	second := env.asset(t, "BG.MAIN", enums.AssetScopeGlobal, nil, nil, true)
	icon := env.asset(t, "UI.ICON.CLOSET", enums.AssetScopeGlobal, nil, nil, true)

	_, err := env.svc.AssignRole(ctx, AssignInput{CompositionID: id, RoleKey: "BG.MAIN", AssetID: &first.ID, Actor: actor})
	require.NoError(t, err)
	_, err = env.svc.AssignRole(ctx, AssignInput{CompositionID: id, RoleKey: "BG.MAIN", AssetID: &second.ID, Actor: actor})
	require.NoError(t, err)
	_, err = env.svc.AssignRole(ctx, AssignInput{CompositionID: id, RoleKey: "UI.ICON.CLOSET", AssetID: &icon.ID, Actor: actor})
	require.NoError(t, err)
	_, err = env.svc.SetConfig(ctx, id, map[string]any{"title": "Changed"}, actor)
	require.NoError(t, err)

	detail, err := env.svc.Rollback(ctx, id, 2, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, 6, detail.Composition.CurrentVersion)
	assert.Equal(t, models.RoleAssignments{"BG.MAIN": first.ID}, detail.Roles)
	assert.Equal(t, "Episode 1", detail.Composition.Config["title"])

	history, err := env.svc.ListVersions(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 6)
	assert.Equal(t, models.RoleAssignments{"BG.MAIN": second.ID}, history[2].Roles())
	require.NotNil(t, history[5].RolledBackFrom)
	assert.Equal(t, 2, *history[5].RolledBackFrom)
	assert.Equal(t, "ops@example.com", history[5].Actor)

	rows := env.activeAssignments(t, id)
	require.Len(t, rows, 1)
	assert.Equal(t, first.ID, rows[0].AssetID)
	assert.Equal(t, 6, rows[0].VersionNumber)

	_, err = env.svc.Rollback(ctx, id, 42, actor)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeVersionNotFound))
}

func TestRollbackRefusesDeletedAsset(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	tpl := env.template(t, []string{"BG.MAIN"}, nil)
	comp := env.composition(t, tpl.ID, uuid.New(), nil)
	id := comp.Composition.ID

	gone := env.asset(t, "BG.MAIN", enums.AssetScopeGlobal, nil, nil, true)
	kept := env.asset(t, "BG.MAIN", enums.AssetScopeGlobal, nil, nil, true)
	_, err := env.svc.AssignRole(ctx, AssignInput{CompositionID: id, RoleKey: "BG.MAIN", AssetID: &gone.ID, Actor: actor})
	require.NoError(t, err)
	_, err = env.svc.AssignRole(ctx, AssignInput{CompositionID: id, RoleKey: "BG.MAIN", AssetID: &kept.ID, Actor: actor})
	require.NoError(t, err)

	// No longer assigned, so the delete guard lets it go.
	require.NoError(t, env.assets.SoftDelete(ctx, gone.ID))

	_, err = env.svc.Rollback(ctx, id, 2, actor)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeAssetNotEligible), "got %v", err)

	// Rejection after the fact does not block a rollback.
	_, err = env.assets.Reject(ctx, kept.ID, "reviewer@example.com")
	require.NoError(t, err)
	_, err = env.svc.Rollback(ctx, id, 3, actor)
	require.NoError(t, err)
}

func TestSetPrimaryKeepsOnePerEpisode(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	episodeID := uuid.New()
	tpl := env.template(t, []string{"BG.MAIN"}, nil)
	a := env.composition(t, tpl.ID, episodeID, nil)
	b := env.composition(t, tpl.ID, episodeID, nil)
	other := env.composition(t, tpl.ID, uuid.New(), nil)

	_, err := env.svc.PrimaryForEpisode(ctx, episodeID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	_, err = env.svc.SetPrimary(ctx, a.Composition.ID, actor)
	require.NoError(t, err)
	_, err = env.svc.SetPrimary(ctx, other.Composition.ID, actor)
	require.NoError(t, err)
	updated, err := env.svc.SetPrimary(ctx, b.Composition.ID, actor)
	require.NoError(t, err)
	assert.True(t, updated.IsPrimary)

	primary, err := env.svc.PrimaryForEpisode(ctx, episodeID)
	require.NoError(t, err)
	assert.Equal(t, b.Composition.ID, primary.ID)

	reloaded, err := env.svc.Get(ctx, a.Composition.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.Composition.IsPrimary)

	otherPrimary, err := env.svc.PrimaryForEpisode(ctx, other.Composition.EpisodeID)
	require.NoError(t, err)
	assert.Equal(t, other.Composition.ID, otherPrimary.ID)

	events, err := env.outbox.FetchUnpublished(50)
	require.NoError(t, err)
	primaryEvents := 0
	for _, event := range events {
		if event.EventType == enums.EventCompositionPrimaryChanged {
			primaryEvents++
		}
	}
	assert.Equal(t, 3, primaryEvents)
}

func TestConcurrentSetPrimary(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	episodeID := uuid.New()
	tpl := env.template(t, []string{"BG.MAIN"}, nil)

	ids := make([]uuid.UUID, 6)
	for i := range ids {
		ids[i] = env.composition(t, tpl.ID, episodeID, nil).Composition.ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := env.svc.SetPrimary(ctx, id, actor)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	var count int64
	require.NoError(t, env.client.DB().Model(&models.Composition{}).
		Where("episode_id = ? AND is_primary = ?", episodeID, true).
		Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestDeleteAndRestore(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	episodeID := uuid.New()
	tpl := env.template(t, []string{"BG.MAIN"}, nil)
	a := env.composition(t, tpl.ID, episodeID, nil)
	b := env.composition(t, tpl.ID, episodeID, nil)

	_, err := env.svc.SetPrimary(ctx, a.Composition.ID, actor)
	require.NoError(t, err)
	require.NoError(t, env.svc.Delete(ctx, a.Composition.ID))

	_, err = env.svc.Get(ctx, a.Composition.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
	history, err := env.svc.ListVersions(ctx, a.Composition.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	_, err = env.svc.SetPrimary(ctx, a.Composition.ID, actor)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))

	_, err = env.svc.SetPrimary(ctx, b.Composition.ID, actor)
	require.NoError(t, err)

	restored, err := env.svc.Restore(ctx, a.Composition.ID)
	require.NoError(t, err)
	assert.False(t, restored.IsPrimary)
	assert.False(t, restored.DeletedAt.Valid)

	primary, err := env.svc.PrimaryForEpisode(ctx, episodeID)
	require.NoError(t, err)
	assert.Equal(t, b.Composition.ID, primary.ID)

	listed, err := env.svc.ListByEpisode(ctx, episodeID)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	require.Error(t, env.svc.Delete(ctx, uuid.New()))
}

func TestRestoreKeepsPrimaryWhenUncontested(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	tpl := env.template(t, []string{"BG.MAIN"}, nil)
	a := env.composition(t, tpl.ID, uuid.New(), nil)

	_, err := env.svc.SetPrimary(ctx, a.Composition.ID, actor)
	require.NoError(t, err)
	require.NoError(t, env.svc.Delete(ctx, a.Composition.ID))

	restored, err := env.svc.Restore(ctx, a.Composition.ID)
	require.NoError(t, err)
	assert.True(t, restored.IsPrimary)
}

func TestPrepareRenderReadiness(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	tpl := env.template(t, []string{"BG.MAIN", "CHAR.HOST.LALA", "TEXT.TITLE"}, []string{"UI.ICON.CLOSET"})
	comp := env.composition(t, tpl.ID, uuid.New(), nil)
	id := comp.Composition.ID

	host := env.asset(t, "CHAR.HOST.LALA", enums.AssetScopeGlobal, nil, nil, true)
	_, err := env.svc.AssignRole(ctx, AssignInput{CompositionID: id, RoleKey: "CHAR.HOST.LALA", AssetID: &host.ID, Actor: actor})
	require.NoError(t, err)

	_, err = env.svc.PrepareRender(ctx, id)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotReady), "got %v", err)
	details := pkgerrors.As(err).Details().(map[string]any)
	assert.Equal(t, []string{"BG.MAIN", "TEXT.TITLE"}, details["missing_roles"])

	bg := env.asset(t, "BG.MAIN", enums.AssetScopeGlobal, nil, nil, true)
	title := env.asset(t, "TEXT.TITLE", enums.AssetScopeGlobal, nil, nil, true)
	_, err = env.assets.RecordProcessed(ctx, bg.ID, "sha256:"+repeat("ab", 32), "processed/bg.png")
	require.NoError(t, err)
	for _, a := range []*models.Asset{bg, title} {
		_, err = env.svc.AssignRole(ctx, AssignInput{CompositionID: id, RoleKey: *a.RoleKey, AssetID: &a.ID, Actor: actor})
		require.NoError(t, err)
	}

	plan, err := env.svc.PrepareRender(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 4, plan.VersionNumber)
	assert.Equal(t, tpl.ID, plan.TemplateID)
	assert.Equal(t, "processed/bg.png", plan.Roles["BG.MAIN"].StorageKey)
	assert.Equal(t, title.StorageKeyRaw, plan.Roles["TEXT.TITLE"].StorageKey)
	assert.Len(t, plan.StorageKeys(), 3)
	assert.Equal(t, "Episode 1", plan.Config["title"])
}

func TestRenderStatusMachine(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	tpl := env.template(t, []string{"BG.MAIN"}, nil)
	comp := env.composition(t, tpl.ID, uuid.New(), nil)
	id := comp.Composition.ID
	bg := env.asset(t, "BG.MAIN", enums.AssetScopeGlobal, nil, nil, true)
	_, err := env.svc.AssignRole(ctx, AssignInput{CompositionID: id, RoleKey: "BG.MAIN", AssetID: &bg.ID, Actor: actor})
	require.NoError(t, err)

	status := func() enums.RenderStatus {
		detail, err := env.svc.Get(ctx, id)
		require.NoError(t, err)
		return detail.Composition.RenderStatus
	}

	dispatched := 0
	dispatch := func(tx *gorm.DB, plan *RenderPlan) error {
		require.NotNil(t, tx)
		dispatched++
		return nil
	}

	plan, err := env.svc.BeginRender(ctx, id, dispatch)
	require.NoError(t, err)
	assert.Equal(t, enums.RenderStatusRendering, status())

	_, err = env.svc.BeginRender(ctx, id, dispatch)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), "got %v", err)

	_, err = env.svc.FinishRender(ctx, id, plan.VersionNumber, "")
	require.NoError(t, err)
	assert.Equal(t, enums.RenderStatusComplete, status())

	plan, err = env.svc.BeginRender(ctx, id, dispatch)
	require.NoError(t, err)
	finished, err := env.svc.FinishRender(ctx, id, plan.VersionNumber, "renderer crashed")
	require.NoError(t, err)
	assert.Equal(t, enums.RenderStatusError, finished.RenderStatus)
	require.NotNil(t, finished.RenderError)

	_, err = env.svc.BeginRender(ctx, id, dispatch)
	require.NoError(t, err)
	assert.Equal(t, 3, dispatched)

	// A new version resets to draft and strands the in-flight result.
	_, err = env.svc.SetConfig(ctx, id, map[string]any{"title": "v2"}, actor)
	require.NoError(t, err)
	assert.Equal(t, enums.RenderStatusDraft, status())
	_, err = env.svc.FinishRender(ctx, id, plan.VersionNumber, "")
	require.NoError(t, err)
	assert.Equal(t, enums.RenderStatusDraft, status())
}

func TestExpireStaleRenders(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	tpl := env.template(t, []string{"BG.MAIN"}, nil)
	bg := env.asset(t, "BG.MAIN", enums.AssetScopeGlobal, nil, nil, true)

	rendering := env.composition(t, tpl.ID, uuid.New(), nil).Composition.ID
	idle := env.composition(t, tpl.ID, uuid.New(), nil).Composition.ID
	for _, id := range []uuid.UUID{rendering, idle} {
		_, err := env.svc.AssignRole(ctx, AssignInput{CompositionID: id, RoleKey: "BG.MAIN", AssetID: &bg.ID, Actor: actor})
		require.NoError(t, err)
	}
	plan, err := env.svc.BeginRender(ctx, rendering, nil)
	require.NoError(t, err)

	expired, err := env.svc.ExpireStaleRenders(ctx, time.Now().Add(-time.Hour), 0)
	require.NoError(t, err)
	assert.Zero(t, expired)

	expired, err = env.svc.ExpireStaleRenders(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	detail, err := env.svc.Get(ctx, rendering)
	require.NoError(t, err)
	assert.Equal(t, enums.RenderStatusError, detail.Composition.RenderStatus)
	require.NotNil(t, detail.Composition.RenderError)
	assert.Contains(t, *detail.Composition.RenderError, "no render result")

	other, err := env.svc.Get(ctx, idle)
	require.NoError(t, err)
	assert.Equal(t, enums.RenderStatusDraft, other.Composition.RenderStatus)

	// A late result for the expired version cannot complete it.
	_, err = env.svc.FinishRender(ctx, rendering, plan.VersionNumber, "")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), "got %v", err)
}

func TestBeginRenderRollsBackOnDispatchFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	tpl := env.template(t, []string{"BG.MAIN"}, nil)
	comp := env.composition(t, tpl.ID, uuid.New(), nil)
	bg := env.asset(t, "BG.MAIN", enums.AssetScopeGlobal, nil, nil, true)
	_, err := env.svc.AssignRole(ctx, AssignInput{CompositionID: comp.Composition.ID, RoleKey: "BG.MAIN", AssetID: &bg.ID, Actor: actor})
	require.NoError(t, err)

	_, err = env.svc.BeginRender(ctx, comp.Composition.ID, func(*gorm.DB, *RenderPlan) error {
		return pkgerrors.New(pkgerrors.CodeDependency, "broker down")
	})
	require.Error(t, err)

	detail, err := env.svc.Get(ctx, comp.Composition.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.RenderStatusDraft, detail.Composition.RenderStatus)
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

// racingCatalog runs after once on the asset picked before the write
// transaction, standing in for a writer that commits in between.
type racingCatalog struct {
	assetCatalog
	after func(asset *models.Asset)
}

func (c *racingCatalog) fire(asset *models.Asset) {
	if c.after == nil || asset == nil {
		return
	}
	hook := c.after
	c.after = nil
	hook(asset)
}

func (c *racingCatalog) CheckEligible(ctx context.Context, assetID uuid.UUID, sc assets.ScopeContext, roleKey string) (*models.Asset, error) {
	asset, err := c.assetCatalog.CheckEligible(ctx, assetID, sc, roleKey)
	c.fire(asset)
	return asset, err
}

func (c *racingCatalog) Resolve(ctx context.Context, episodeID uuid.UUID, showID *uuid.UUID, roleKey string) (*models.Asset, error) {
	asset, err := c.assetCatalog.Resolve(ctx, episodeID, showID, roleKey)
	c.fire(asset)
	return asset, err
}

func TestAssignRoleRechecksAssetInTransaction(t *testing.T) {
	racing := &racingCatalog{}
	env := newTestEnv(t, func(p *ServiceParams) {
		racing.assetCatalog = p.Assets
		p.Assets = racing
	})
	ctx := context.Background()
	tpl := env.template(t, []string{"BG.MAIN"}, nil)
	comp := env.composition(t, tpl.ID, uuid.New(), nil)
	id := comp.Composition.ID

	deleted := env.asset(t, "BG.MAIN", enums.AssetScopeGlobal, nil, nil, true)
	racing.after = func(a *models.Asset) {
		require.NoError(t, env.assets.SoftDelete(ctx, a.ID))
	}
	_, err := env.svc.AssignRole(ctx, AssignInput{CompositionID: id, RoleKey: "BG.MAIN", AssetID: &deleted.ID, Actor: actor})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeAssetNotEligible), "got %v", err)
	assert.Empty(t, env.activeAssignments(t, id))

	rejected := env.asset(t, "BG.MAIN", enums.AssetScopeGlobal, nil, nil, true)
	racing.after = func(a *models.Asset) {
		_, err := env.assets.Reject(ctx, a.ID, "reviewer@example.com")
		require.NoError(t, err)
	}
	_, err = env.svc.AssignRole(ctx, AssignInput{CompositionID: id, RoleKey: "BG.MAIN", Actor: actor})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeAssetNotEligible), "got %v", err)

	got, err := env.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Composition.CurrentVersion)
	assert.Empty(t, got.Roles)

	// With no writer in between, the same asset state assigns.
	_, err = env.assets.Approve(ctx, rejected.ID, "reviewer@example.com")
	require.NoError(t, err)
	detail, err := env.svc.AssignRole(ctx, AssignInput{CompositionID: id, RoleKey: "BG.MAIN", Actor: actor})
	require.NoError(t, err)
	assert.Equal(t, rejected.ID, detail.Roles["BG.MAIN"])

	// Once assigned, the delete guard holds.
	err = env.assets.SoftDelete(ctx, rejected.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "got %v", err)
}

// versionHookRepo runs afterFind once after a version is read outside the
// write transaction.
type versionHookRepo struct {
	Repository
	afterFind func()
}

func (r *versionHookRepo) FindVersion(ctx context.Context, compositionID uuid.UUID, number int) (*models.CompositionVersion, error) {
	version, err := r.Repository.FindVersion(ctx, compositionID, number)
	if r.afterFind != nil {
		hook := r.afterFind
		r.afterFind = nil
		hook()
	}
	return version, err
}

func TestRollbackRechecksDeletionInTransaction(t *testing.T) {
	hooked := &versionHookRepo{}
	env := newTestEnv(t, func(p *ServiceParams) {
		hooked.Repository = p.Repository
		p.Repository = hooked
	})
	ctx := context.Background()
	tpl := env.template(t, []string{"BG.MAIN"}, nil)
	comp := env.composition(t, tpl.ID, uuid.New(), nil)
	id := comp.Composition.ID

	gone := env.asset(t, "BG.MAIN", enums.AssetScopeGlobal, nil, nil, true)
	kept := env.asset(t, "BG.MAIN", enums.AssetScopeGlobal, nil, nil, true)
	_, err := env.svc.AssignRole(ctx, AssignInput{CompositionID: id, RoleKey: "BG.MAIN", AssetID: &gone.ID, Actor: actor})
	require.NoError(t, err)
	_, err = env.svc.AssignRole(ctx, AssignInput{CompositionID: id, RoleKey: "BG.MAIN", AssetID: &kept.ID, Actor: actor})
	require.NoError(t, err)

	hooked.afterFind = func() {
		require.NoError(t, env.assets.SoftDelete(ctx, gone.ID))
	}
	_, err = env.svc.Rollback(ctx, id, 2, actor)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeAssetNotEligible), "got %v", err)

	got, err := env.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Composition.CurrentVersion)
	rows := env.activeAssignments(t, id)
	require.Len(t, rows, 1)
	assert.Equal(t, kept.ID, rows[0].AssetID)
}

// editingRegistry runs afterGet once after a template is read outside the
// create transaction.
type editingRegistry struct {
	templateRegistry
	afterGet func(id uuid.UUID)
}

func (r *editingRegistry) Get(ctx context.Context, id uuid.UUID) (*models.Template, error) {
	template, err := r.templateRegistry.Get(ctx, id)
	if err == nil && r.afterGet != nil {
		hook := r.afterGet
		r.afterGet = nil
		hook(id)
	}
	return template, err
}

func TestCreateRechecksTemplateInTransaction(t *testing.T) {
	editing := &editingRegistry{}
	env := newTestEnv(t, func(p *ServiceParams) {
		editing.templateRegistry = p.Templates
		p.Templates = editing
	})
	ctx := context.Background()
	tpl := env.template(t, []string{"BG.MAIN"}, nil)
	episodeID := uuid.New()
	env.composition(t, tpl.ID, episodeID, nil)

	var successor uuid.UUID
	editing.afterGet = func(id uuid.UUID) {
		res, err := env.templates.Update(ctx, id, templates.UpdateInput{Name: ptr("closet reveal v2")})
		require.NoError(t, err)
		require.True(t, res.Superseded)
		successor = res.Template.ID
	}
	_, err := env.svc.Create(ctx, CreateInput{EpisodeID: episodeID, TemplateID: tpl.ID, Config: map[string]any{"title": "Episode 1"}, Actor: actor})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), "got %v", err)

	rows, err := env.svc.ListByEpisode(ctx, episodeID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	created, err := env.svc.Create(ctx, CreateInput{EpisodeID: episodeID, TemplateID: successor, Config: map[string]any{"title": "Episode 1"}, Actor: actor})
	require.NoError(t, err)
	assert.Equal(t, successor, created.Composition.TemplateID)
}
