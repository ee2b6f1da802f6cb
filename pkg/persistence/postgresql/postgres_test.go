package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/openintel/flowd/pkg/models"
	"github.com/openintel/flowd/pkg/persistence"
	"github.com/openintel/flowd/pkg/persistence/postgresql"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Drop tables in reverse dependency order (children first, parents last)
	for _, table := range []string{"bundle_assets", "bundles", "assets", "flow_schedules", "flow_executions", "flows", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("flowd_test"),
			postgres.WithUsername("flowd"),
			postgres.WithPassword("flowd"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func strPtr(s string) *string { return &s }

func integrationFlow() *models.Flow {
	return &models.Flow{
		Name:          "Integration flow",
		Description:   "Routes annotated documents",
		InfospaceID:   "infospace-1",
		Owner:         "user-1",
		Status:        models.FlowStatusActive,
		InputType:     models.FlowInputBundle,
		TriggerMode:   models.TriggerModeManual,
		InputBundleID: strPtr("bundle-1"),
		Steps: []*models.FlowStep{
			{
				ID:       "annotate-1",
				Type:     models.StepTypeAnnotate,
				Annotate: &models.AnnotateStepConfig{SchemaIDs: []string{"schema-1"}},
			},
			{
				ID:    "route-1",
				Type:  models.StepTypeRoute,
				Route: &models.RouteStepConfig{BundleIDs: []string{"dest"}},
			},
		},
	}
}

func TestNewPersistence_Migrations(t *testing.T) {
	p, ctx, databaseURL := setupTestDB(t)

	require.NoError(t, p.HealthCheck(ctx))

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		require.NoError(t, db.Close())
	}()

	for _, table := range []string{"flows", "flow_executions", "flow_schedules", "assets", "bundles", "bundle_assets"} {
		var exists bool

		err = db.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)", table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "table %s should exist", table)
	}
}

func TestFlowRepository_Integration(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	flow := integrationFlow()
	require.NoError(t, p.Flows().Save(ctx, flow))
	require.NotEmpty(t, flow.ID)

	loaded, err := p.Flows().GetByID(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, "Integration flow", loaded.Name)
	require.Len(t, loaded.Steps, 2)
	assert.Equal(t, models.StepTypeAnnotate, loaded.Steps[0].Type)
	require.NotNil(t, loaded.InputBundleID)
	assert.Equal(t, "bundle-1", *loaded.InputBundleID)

	// Update round trip.
	loaded.Name = "Renamed"
	require.NoError(t, p.Flows().Save(ctx, loaded))

	loaded, err = p.Flows().GetByID(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", loaded.Name)

	// Cursor round trip.
	cursor := &models.CursorState{Kind: models.CursorKindSeenSet, SeenIDs: []int64{1, 2, 3}}
	require.NoError(t, p.Flows().UpdateCursor(ctx, flow.ID, cursor))

	loaded, err = p.Flows().GetByID(ctx, flow.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.CursorState)
	assert.Equal(t, []int64{1, 2, 3}, loaded.CursorState.SeenIDs)

	// Listing with filters.
	active := models.FlowStatusActive
	flows, err := p.Flows().List(ctx, persistence.ListFlowsOptions{Status: &active})
	require.NoError(t, err)
	assert.Len(t, flows, 1)

	// Soft delete hides the flow.
	require.NoError(t, p.Flows().Delete(ctx, flow.ID))

	_, err = p.Flows().GetByID(ctx, flow.ID)
	assert.True(t, persistence.IsFlowNotFound(err))
}

func TestExecutionRepository_Integration_SingleFlight(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	flow := integrationFlow()
	require.NoError(t, p.Flows().Save(ctx, flow))

	first := &models.FlowExecution{
		FlowID:        flow.ID,
		TriggeredBy:   models.TriggeredByManual,
		InputAssetIDs: []int64{1, 2},
	}
	require.NoError(t, p.Executions().CreatePending(ctx, first))

	// The partial unique index rejects a second non-terminal execution.
	second := &models.FlowExecution{FlowID: flow.ID, TriggeredBy: models.TriggeredByManual}
	err := p.Executions().CreatePending(ctx, second)
	assert.ErrorIs(t, err, persistence.ErrExecutionInFlight)

	startedAt := time.Now().UTC()
	require.NoError(t, p.Executions().MarkRunning(ctx, first.ID, startedAt))

	completedAt := time.Now().UTC()
	first.Status = models.ExecutionStatusSuccess
	first.OutputAssetIDs = []int64{1}
	first.CompletedAt = &completedAt
	first.StepOutputs = []models.StepOutput{
		{StepID: "route-1", Type: models.StepTypeRoute, PassedAssetIDs: []int64{1}, RoutedCount: 1},
	}

	cursor := &models.CursorState{Kind: models.CursorKindSeenSet, SeenIDs: []int64{1, 2}}
	require.NoError(t, p.Executions().Complete(ctx, first, cursor))

	// The slot is free again.
	third := &models.FlowExecution{FlowID: flow.ID, TriggeredBy: models.TriggeredByManual}
	require.NoError(t, p.Executions().CreatePending(ctx, third))

	// Status, cursor, and statistics all landed in one transaction.
	loaded, err := p.Executions().GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSuccess, loaded.Status)
	assert.Equal(t, []int64{1}, loaded.OutputAssetIDs)
	require.Len(t, loaded.StepOutputs, 1)
	assert.Equal(t, 1, loaded.StepOutputs[0].RoutedCount)

	storedFlow, err := p.Flows().GetByID(ctx, flow.ID)
	require.NoError(t, err)
	require.NotNil(t, storedFlow.CursorState)
	assert.Equal(t, []int64{1, 2}, storedFlow.CursorState.SeenIDs)
	assert.Equal(t, int64(1), storedFlow.TotalExecutions)
	assert.Equal(t, int64(2), storedFlow.TotalAssetsProcessed)
}

func TestExecutionRepository_Integration_List(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	flow := integrationFlow()
	require.NoError(t, p.Flows().Save(ctx, flow))

	for range 2 {
		execution := &models.FlowExecution{FlowID: flow.ID, TriggeredBy: models.TriggeredByManual}
		require.NoError(t, p.Executions().CreatePending(ctx, execution))
		require.NoError(t, p.Executions().MarkRunning(ctx, execution.ID, time.Now().UTC()))

		completedAt := time.Now().UTC()
		execution.Status = models.ExecutionStatusSuccess
		execution.CompletedAt = &completedAt
		require.NoError(t, p.Executions().Complete(ctx, execution, nil))
	}

	executions, err := p.Executions().List(ctx, flow.ID, nil, 10, 0)
	require.NoError(t, err)
	assert.Len(t, executions, 2)

	failed := models.ExecutionStatusFailed
	none, err := p.Executions().List(ctx, flow.ID, &failed, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestExecutionRepository_Integration_ReapStale(t *testing.T) {
	p, ctx, databaseURL := setupTestDB(t)

	flow := integrationFlow()
	require.NoError(t, p.Flows().Save(ctx, flow))

	execution := &models.FlowExecution{FlowID: flow.ID, TriggeredBy: models.TriggeredByManual}
	require.NoError(t, p.Executions().CreatePending(ctx, execution))

	// Recent executions are left alone.
	reaped, err := p.Executions().ReapStale(ctx, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, reaped)

	// Age the row past the cutoff, as if its worker died an hour ago.
	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		require.NoError(t, db.Close())
	}()

	_, err = db.ExecContext(ctx,
		`UPDATE flow_executions SET created_at = NOW() - INTERVAL '1 hour' WHERE id = $1`, execution.ID)
	require.NoError(t, err)

	reaped, err = p.Executions().ReapStale(ctx, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	loaded, err := p.Executions().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, loaded.Status)
	assert.NotEmpty(t, loaded.ErrorMessage)

	// The partial unique index no longer sees an in-flight row.
	next := &models.FlowExecution{FlowID: flow.ID, TriggeredBy: models.TriggeredByManual}
	require.NoError(t, p.Executions().CreatePending(ctx, next))
}

func TestScheduleRepository_Integration(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	flow := integrationFlow()
	require.NoError(t, p.Flows().Save(ctx, flow))

	schedule, err := models.NewSchedule("", flow.ID, "*/5 * * * *")
	require.NoError(t, err)
	schedule.NextDueAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, p.Schedules().Save(ctx, schedule))

	loaded, err := p.Schedules().GetByFlowID(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", loaded.CronExpression)

	due, err := p.Schedules().ListDue(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, flow.ID, due[0].FlowID)

	// Upsert by flow id.
	loaded.Active = false
	require.NoError(t, p.Schedules().Save(ctx, loaded))

	due, err = p.Schedules().ListDue(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, p.Schedules().Delete(ctx, loaded.ID))

	_, err = p.Schedules().GetByFlowID(ctx, flow.ID)
	assert.ErrorIs(t, err, persistence.ErrScheduleNotFound)
}

func TestStorageAdapters_Integration(t *testing.T) {
	p, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		require.NoError(t, db.Close())
	}()

	// Fixture assets and bundles, normally owned by the ingestion subsystem.
	base := time.Now().UTC().Add(-time.Hour)

	var firstID, secondID int64

	err = db.QueryRowContext(ctx, `
		INSERT INTO assets (title, kind, source_id, text_content, ingested_at)
		VALUES ('First report', 'document', 'source-1', 'body one', $1)
		RETURNING id`, base).Scan(&firstID)
	require.NoError(t, err)

	err = db.QueryRowContext(ctx, `
		INSERT INTO assets (title, kind, source_id, text_content, ingested_at)
		VALUES ('Second report', 'document', 'source-1', 'body two', $1)
		RETURNING id`, base.Add(time.Minute)).Scan(&secondID)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `INSERT INTO bundles (id, name) VALUES ('bundle-1', 'Inbox')`)
	require.NoError(t, err)

	logger := slog.Default()
	bundles := postgresql.NewBundleStore(p.DB(), logger)
	sources := postgresql.NewSourceReader(p.DB(), logger)
	assets := postgresql.NewAssetStore(p.DB(), logger)

	// Bundle membership: idempotent add, sorted read.
	require.NoError(t, bundles.AddAssetsToBundle(ctx, "bundle-1", []int64{secondID, firstID}))
	require.NoError(t, bundles.AddAssetsToBundle(ctx, "bundle-1", []int64{firstID}))

	members, err := bundles.GetBundleMembers(ctx, "bundle-1")
	require.NoError(t, err)
	assert.Equal(t, []int64{firstID, secondID}, members)

	_, err = bundles.GetBundleMembers(ctx, "missing")
	assert.Error(t, err)

	// Source arrivals honor the watermark.
	arrivals, err := sources.GetSourceAssetsSince(ctx, "source-1", nil)
	require.NoError(t, err)
	require.Len(t, arrivals, 2)
	assert.Equal(t, firstID, arrivals[0].AssetID)

	arrivals, err = sources.GetSourceAssetsSince(ctx, "source-1", &base)
	require.NoError(t, err)
	require.Len(t, arrivals, 1)
	assert.Equal(t, secondID, arrivals[0].AssetID)

	// Asset projection and fragment promotion.
	asset, err := assets.GetAsset(ctx, firstID)
	require.NoError(t, err)
	assert.Equal(t, "First report", asset.Title)

	fragment := models.Fragment{
		Value:           "summary text",
		SourceRef:       "flow:flow-1",
		AnnotationRunID: "run-1",
		CuratedAt:       time.Now().UTC(),
	}
	require.NoError(t, assets.PromoteFragment(ctx, firstID, "summary", fragment))

	asset, err = assets.GetAsset(ctx, firstID)
	require.NoError(t, err)
	require.Contains(t, asset.Fragments, "summary")
	assert.Equal(t, "summary text", asset.Fragments["summary"].Value)
}
