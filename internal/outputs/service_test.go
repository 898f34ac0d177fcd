package outputs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/compositor-backend/pkg/db"
	"github.com/angelmondragon/compositor-backend/pkg/db/dbtest"
	"github.com/angelmondragon/compositor-backend/pkg/db/models"
	"github.com/angelmondragon/compositor-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/compositor-backend/pkg/errors"
	"github.com/angelmondragon/compositor-backend/pkg/formats"
	"github.com/angelmondragon/compositor-backend/pkg/outbox"
)

func newTestService(t *testing.T) (Service, *db.Client, *outbox.Repository) {
	t.Helper()
	client := dbtest.Open(t)
	catalog, err := formats.Default()
	require.NoError(t, err)
	outboxRepo := outbox.NewRepository(client.DB())
	svc, err := NewService(NewRepository(client.DB()), client, outbox.NewService(outboxRepo, nil), catalog, nil)
	require.NoError(t, err)
	return svc, client, outboxRepo
}

func insertComposition(t *testing.T, client *db.Client, version int) uuid.UUID {
	t.Helper()
	template := models.Template{ID: uuid.New(), Name: "t", RequiredRoles: []string{"BG.MAIN"}, OptionalRoles: []string{}}
	require.NoError(t, client.DB().Create(&template).Error)
	composition := models.Composition{
		ID:             uuid.New(),
		EpisodeID:      uuid.New(),
		TemplateID:     template.ID,
		CurrentVersion: version,
		RenderStatus:   enums.RenderStatusDraft,
	}
	require.NoError(t, client.DB().Create(&composition).Error)
	return composition.ID
}

func setVersion(t *testing.T, client *db.Client, id uuid.UUID, version int) {
	t.Helper()
	require.NoError(t, client.DB().Model(&models.Composition{}).Where("id = ?", id).Update("current_version", version).Error)
}

func TestRecordRequiresExplicitSupersede(t *testing.T) {
	svc, client, outboxRepo := newTestService(t)
	ctx := context.Background()
	compositionID := insertComposition(t, client, 2)

	first, err := svc.Record(ctx, RecordInput{
		CompositionID: compositionID,
		VersionNumber: 2,
		FormatID:      "youtube",
		StorageKey:    "renders/v2/youtube.png",
		RenderedAt:    time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "YOUTUBE", first.FormatID)

	_, err = svc.Record(ctx, RecordInput{
		CompositionID: compositionID,
		VersionNumber: 2,
		FormatID:      "YOUTUBE",
		StorageKey:    "renders/v2/youtube-again.png",
	})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "got %v", err)
	assert.Equal(t, first.ID, pkgerrors.As(err).Details().(map[string]any)["existing_output_id"])

	second, err := svc.Record(ctx, RecordInput{
		CompositionID: compositionID,
		VersionNumber: 2,
		FormatID:      "YOUTUBE",
		StorageKey:    "renders/v2/youtube-again.png",
		Supersede:     true,
	})
	require.NoError(t, err)

	outputs, err := svc.ForVersion(ctx, compositionID, 2)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, second.ID, outputs["YOUTUBE"].ID)

	var all int64
	require.NoError(t, client.DB().Unscoped().Model(&models.Output{}).Count(&all).Error)
	assert.EqualValues(t, 2, all)

	events, err := outboxRepo.FetchUnpublished(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, enums.EventOutputRecorded, events[0].EventType)
}

func TestRecordValidation(t *testing.T) {
	svc, client, _ := newTestService(t)
	ctx := context.Background()
	compositionID := insertComposition(t, client, 1)

	cases := []struct {
		name  string
		input RecordInput
		code  pkgerrors.Code
	}{
		{"missing composition", RecordInput{VersionNumber: 1, FormatID: "YOUTUBE", StorageKey: "k"}, pkgerrors.CodeValidation},
		{"zero version", RecordInput{CompositionID: compositionID, FormatID: "YOUTUBE", StorageKey: "k"}, pkgerrors.CodeValidation},
		{"missing key", RecordInput{CompositionID: compositionID, VersionNumber: 1, FormatID: "YOUTUBE"}, pkgerrors.CodeValidation},
		{"unknown format", RecordInput{CompositionID: compositionID, VersionNumber: 1, FormatID: "BETAMAX", StorageKey: "k"}, pkgerrors.CodeValidation},
		{"future version", RecordInput{CompositionID: compositionID, VersionNumber: 2, FormatID: "YOUTUBE", StorageKey: "k"}, pkgerrors.CodeVersionNotFound},
		{"unknown composition", RecordInput{CompositionID: uuid.New(), VersionNumber: 1, FormatID: "YOUTUBE", StorageKey: "k"}, pkgerrors.CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Record(ctx, tc.input)
			assert.True(t, pkgerrors.IsCode(err, tc.code), "got %v", err)
		})
	}
}

func TestLatestOutputsFollowsCurrentVersion(t *testing.T) {
	svc, client, _ := newTestService(t)
	ctx := context.Background()
	compositionID := insertComposition(t, client, 1)

	for _, format := range []string{"YOUTUBE", "INSTAGRAM_FEED"} {
		_, err := svc.Record(ctx, RecordInput{CompositionID: compositionID, VersionNumber: 1, FormatID: format, StorageKey: "v1/" + format})
		require.NoError(t, err)
	}

	latest, err := svc.LatestOutputs(ctx, compositionID)
	require.NoError(t, err)
	assert.Len(t, latest, 2)

	setVersion(t, client, compositionID, 2)
	latest, err = svc.LatestOutputs(ctx, compositionID)
	require.NoError(t, err)
	assert.Empty(t, latest)

	_, err = svc.Record(ctx, RecordInput{CompositionID: compositionID, VersionNumber: 2, FormatID: "YOUTUBE", StorageKey: "v2/YOUTUBE"})
	require.NoError(t, err)
	latest, err = svc.LatestOutputs(ctx, compositionID)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "v2/YOUTUBE", latest["YOUTUBE"].StorageKey)

	// Outputs of older versions stay queryable.
	old, err := svc.ForVersion(ctx, compositionID, 1)
	require.NoError(t, err)
	assert.Len(t, old, 2)

	_, err = svc.LatestOutputs(ctx, uuid.New())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestSupersedeAllowsRerecord(t *testing.T) {
	svc, client, _ := newTestService(t)
	ctx := context.Background()
	compositionID := insertComposition(t, client, 1)

	for _, format := range []string{"YOUTUBE", "TWITTER"} {
		_, err := svc.Record(ctx, RecordInput{CompositionID: compositionID, VersionNumber: 1, FormatID: format, StorageKey: "a/" + format})
		require.NoError(t, err)
	}

	count, err := svc.Supersede(ctx, compositionID, 1, "youtube")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	_, err = svc.Record(ctx, RecordInput{CompositionID: compositionID, VersionNumber: 1, FormatID: "YOUTUBE", StorageKey: "b/YOUTUBE"})
	require.NoError(t, err)

	count, err = svc.Supersede(ctx, compositionID, 1, "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	outputs, err := svc.ForVersion(ctx, compositionID, 1)
	require.NoError(t, err)
	assert.Empty(t, outputs)
}
