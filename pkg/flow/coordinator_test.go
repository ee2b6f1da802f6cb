package flow

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openintel/flowd/pkg/filter"
	"github.com/openintel/flowd/pkg/models"
	"github.com/openintel/flowd/pkg/persistence"
	"github.com/openintel/flowd/pkg/persistence/file"
)

type coordinatorFixture struct {
	persistence *file.Persistence
	coordinator *Coordinator
	annotator   *fakeAnnotator
	bundles     *fakeBundleStore
	assets      *fakeAssetStore
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()

	p := file.NewPersistence(t.TempDir())

	annotator := newFakeAnnotator()
	bundles := newFakeBundleStore()
	assets := newFakeAssetStore(testAssets()...)
	logger := slog.Default()

	resolver := NewResolver(bundles, newFakeSourceReader(), logger)
	engine := NewStepEngine(annotator, assets, bundles, logger)

	return &coordinatorFixture{
		persistence: p,
		coordinator: NewCoordinator(p, resolver, engine, nil, nil, logger),
		annotator:   annotator,
		bundles:     bundles,
		assets:      assets,
	}
}

func (f *coordinatorFixture) saveFlow(t *testing.T, flow *models.Flow) *models.Flow {
	t.Helper()
	require.NoError(t, f.persistence.Flows().Save(context.Background(), flow))

	return flow
}

func activeBundleFlow(bundleID string) *models.Flow {
	return &models.Flow{
		Name:          "Route documents",
		InfospaceID:   "infospace-1",
		Owner:         "user-1",
		Status:        models.FlowStatusActive,
		InputType:     models.FlowInputBundle,
		TriggerMode:   models.TriggerModeManual,
		InputBundleID: strPtr(bundleID),
		Steps: []*models.FlowStep{
			{
				ID:    "route-1",
				Type:  models.StepTypeRoute,
				Route: &models.RouteStepConfig{BundleIDs: []string{"dest"}},
			},
		},
	}
}

func TestCoordinator_TriggerExecution_Success(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.bundles.members["bundle-1"] = []int64{1, 2}

	flow := f.saveFlow(t, activeBundleFlow("bundle-1"))

	execution, err := f.coordinator.TriggerExecution(context.Background(), flow.ID, TriggerOptions{
		TriggeredBy: models.TriggeredByManual,
	})

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Equal(t, []int64{1, 2}, execution.InputAssetIDs)
	assert.Equal(t, []int64{1, 2}, execution.OutputAssetIDs)
	assert.Equal(t, []int64{1, 2}, f.bundles.added["dest"])

	// The cursor advanced and statistics were committed with the status.
	stored, err := f.persistence.Flows().GetByID(context.Background(), flow.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.CursorState)
	assert.Equal(t, []int64{1, 2}, stored.CursorState.SeenIDs)
	assert.Equal(t, int64(1), stored.TotalExecutions)
	assert.Equal(t, int64(2), stored.TotalAssetsProcessed)
	assert.Equal(t, "success", stored.LastExecutionStatus)
}

func TestCoordinator_TriggerExecution_NoNewAssetsAfterCommit(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.bundles.members["bundle-1"] = []int64{1, 2}

	flow := f.saveFlow(t, activeBundleFlow("bundle-1"))

	_, err := f.coordinator.TriggerExecution(context.Background(), flow.ID, TriggerOptions{
		TriggeredBy: models.TriggeredByManual,
	})
	require.NoError(t, err)

	// Everything was consumed, so the retrigger is a no-op with no record.
	_, err = f.coordinator.TriggerExecution(context.Background(), flow.ID, TriggerOptions{
		TriggeredBy: models.TriggeredByManual,
	})
	assert.ErrorIs(t, err, ErrNoNewAssets)

	executions, err := f.coordinator.ListExecutions(context.Background(), flow.ID, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, executions, 1)

	// New members produce a fresh delta containing only the new assets.
	f.bundles.members["bundle-1"] = []int64{1, 2, 3}

	execution, err := f.coordinator.TriggerExecution(context.Background(), flow.ID, TriggerOptions{
		TriggeredBy: models.TriggeredByManual,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, execution.InputAssetIDs)
}

func TestCoordinator_TriggerExecution_NotTriggerable(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.bundles.members["bundle-1"] = []int64{1}

	flow := activeBundleFlow("bundle-1")
	flow.Status = models.FlowStatusDraft
	f.saveFlow(t, flow)

	_, err := f.coordinator.TriggerExecution(context.Background(), flow.ID, TriggerOptions{
		TriggeredBy: models.TriggeredByManual,
	})

	assert.ErrorIs(t, err, ErrFlowNotTriggerable)
}

func TestCoordinator_TriggerExecution_SingleFlight(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.bundles.members["bundle-1"] = []int64{1, 2}

	flow := f.saveFlow(t, activeBundleFlow("bundle-1"))

	// Another worker already holds the execution slot.
	held := &models.FlowExecution{FlowID: flow.ID, InputAssetIDs: []int64{1}}
	require.NoError(t, f.persistence.Executions().CreatePending(context.Background(), held))

	_, err := f.coordinator.TriggerExecution(context.Background(), flow.ID, TriggerOptions{
		TriggeredBy: models.TriggeredByManual,
	})

	assert.ErrorIs(t, err, persistence.ErrExecutionInFlight)
}

func TestCoordinator_TriggerExecution_FailedDoesNotAdvanceCursor(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.bundles.members["bundle-1"] = []int64{1, 2}
	f.annotator.runErr = errors.New("annotation service unavailable")

	flow := activeBundleFlow("bundle-1")
	flow.Steps = []*models.FlowStep{
		annotateStep("schema-1"),
		flow.Steps[0],
	}
	f.saveFlow(t, flow)

	execution, err := f.coordinator.TriggerExecution(context.Background(), flow.ID, TriggerOptions{
		TriggeredBy: models.TriggeredByManual,
	})

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.NotEmpty(t, execution.ErrorMessage)

	stored, err := f.persistence.Flows().GetByID(context.Background(), flow.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.CursorState, "step 0 failure must leave the input unconsumed")
	assert.Equal(t, 1, stored.ConsecutiveFailures)

	// The whole delta is re-resolved once the service recovers.
	f.annotator.runErr = nil

	recovered, err := f.coordinator.TriggerExecution(context.Background(), flow.ID, TriggerOptions{
		TriggeredBy: models.TriggeredByManual,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, recovered.InputAssetIDs)
	assert.Equal(t, models.ExecutionStatusSuccess, recovered.Status)
}

func TestCoordinator_TriggerExecution_FailureBehindFiltersDoesNotAdvanceCursor(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.bundles.members["bundle-1"] = []int64{1, 2}
	f.annotator.runErr = errors.New("annotation service unavailable")

	// A filter never writes outside the engine, so a later failure must
	// leave the input unconsumed even though the failure is not at step 0.
	flow := activeBundleFlow("bundle-1")
	flow.Steps = []*models.FlowStep{
		filterStep(&filter.Expression{Rules: []filter.Rule{
			{Field: "kind", Operator: filter.OpExists},
		}}),
		annotateStep("schema-1"),
		flow.Steps[0],
	}
	f.saveFlow(t, flow)

	execution, err := f.coordinator.TriggerExecution(context.Background(), flow.ID, TriggerOptions{
		TriggeredBy: models.TriggeredByManual,
	})

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)

	stored, err := f.persistence.Flows().GetByID(context.Background(), flow.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.CursorState)

	// The full delta comes back once the service recovers.
	f.annotator.runErr = nil

	recovered, err := f.coordinator.TriggerExecution(context.Background(), flow.ID, TriggerOptions{
		TriggeredBy: models.TriggeredByManual,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, recovered.InputAssetIDs)
}

func TestCoordinator_TriggerExecution_PartialAdvancesCursor(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.bundles.members["bundle-1"] = []int64{1, 2}
	f.bundles.addErr = errors.New("bundle storage down")
	f.annotator.values[1] = map[string]any{"language": "en"}

	flow := activeBundleFlow("bundle-1")
	flow.Steps = []*models.FlowStep{
		annotateStep("schema-1"),
		flow.Steps[0],
	}
	f.saveFlow(t, flow)

	execution, err := f.coordinator.TriggerExecution(context.Background(), flow.ID, TriggerOptions{
		TriggeredBy: models.TriggeredByManual,
	})

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPartial, execution.Status)

	// The annotate step already ran, so the input counts as consumed and the
	// cursor moves; retriggering must not redeliver the same assets.
	stored, err := f.persistence.Flows().GetByID(context.Background(), flow.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.CursorState)
	assert.Equal(t, []int64{1, 2}, stored.CursorState.SeenIDs)

	_, err = f.coordinator.TriggerExecution(context.Background(), flow.ID, TriggerOptions{
		TriggeredBy: models.TriggeredByManual,
	})
	assert.ErrorIs(t, err, ErrNoNewAssets)
}

func TestCoordinator_TriggerExecution_AutoPauseAfterRepeatedFailures(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.bundles.members["bundle-1"] = []int64{1}
	f.annotator.runErr = errors.New("annotation service unavailable")

	flow := activeBundleFlow("bundle-1")
	flow.Steps = []*models.FlowStep{annotateStep("schema-1")}
	f.saveFlow(t, flow)

	for range 3 {
		execution, err := f.coordinator.TriggerExecution(context.Background(), flow.ID, TriggerOptions{
			TriggeredBy: models.TriggeredByScheduled,
		})
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	}

	stored, err := f.persistence.Flows().GetByID(context.Background(), flow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusPaused, stored.Status)
	assert.Equal(t, 3, stored.ConsecutiveFailures)

	_, err = f.coordinator.TriggerExecution(context.Background(), flow.ID, TriggerOptions{
		TriggeredBy: models.TriggeredByScheduled,
	})
	assert.ErrorIs(t, err, ErrFlowNotTriggerable)
}

func TestCoordinator_TriggerExecution_ExplicitAssets(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.bundles.members["bundle-1"] = []int64{1, 2, 3}

	flow := f.saveFlow(t, activeBundleFlow("bundle-1"))

	execution, err := f.coordinator.TriggerExecution(context.Background(), flow.ID, TriggerOptions{
		TriggeredBy: models.TriggeredByTask,
		AssetIDs:    []int64{2},
	})

	require.NoError(t, err)
	assert.Equal(t, []int64{2}, execution.InputAssetIDs)

	// Only the explicitly processed asset is marked seen.
	pending, err := f.coordinator.GetPendingAssets(context.Background(), flow.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, pending)
}

func TestCoordinator_ResetCursor(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.bundles.members["bundle-1"] = []int64{1, 2}

	flow := f.saveFlow(t, activeBundleFlow("bundle-1"))

	_, err := f.coordinator.TriggerExecution(context.Background(), flow.ID, TriggerOptions{
		TriggeredBy: models.TriggeredByManual,
	})
	require.NoError(t, err)

	pending, err := f.coordinator.GetPendingAssets(context.Background(), flow.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, f.coordinator.ResetCursor(context.Background(), flow.ID))

	pending, err = f.coordinator.GetPendingAssets(context.Background(), flow.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, pending)
}

func TestCoordinator_ListExecutions_UnknownFlow(t *testing.T) {
	f := newCoordinatorFixture(t)

	_, err := f.coordinator.ListExecutions(context.Background(), "missing", nil, 0, 0)

	assert.True(t, persistence.IsFlowNotFound(err))
}
