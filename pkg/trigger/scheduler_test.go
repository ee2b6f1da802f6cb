package trigger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openintel/flowd/pkg/flow"
	"github.com/openintel/flowd/pkg/models"
	"github.com/openintel/flowd/pkg/persistence/file"
	"github.com/openintel/flowd/pkg/protocol"
)

type stubBundleStore struct {
	mu      sync.Mutex
	members map[string][]int64
	added   map[string][]int64
}

func (s *stubBundleStore) GetBundleMembers(_ context.Context, bundleID string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.members[bundleID]
	if !ok {
		return nil, protocol.ErrBundleNotFound
	}

	return members, nil
}

func (s *stubBundleStore) AddAssetsToBundle(_ context.Context, bundleID string, assetIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.added == nil {
		s.added = make(map[string][]int64)
	}

	s.added[bundleID] = append(s.added[bundleID], assetIDs...)

	return nil
}

type stubSourceReader struct{}

func (stubSourceReader) GetSourceAssetsSince(context.Context, string, *time.Time) ([]models.AssetArrival, error) {
	return nil, protocol.ErrSourceNotFound
}

type stubAssetStore struct{}

func (stubAssetStore) GetAsset(context.Context, int64) (*models.Asset, error) {
	return nil, protocol.ErrAssetNotFound
}

func (stubAssetStore) PromoteFragment(context.Context, int64, string, models.Fragment) error {
	return protocol.ErrAssetNotFound
}

type stubAnnotator struct{}

func (stubAnnotator) AnnotateAssets(_ context.Context, _ []string, assetIDs []int64, _ map[string]any) (*protocol.AnnotationRun, error) {
	run := &protocol.AnnotationRun{RunID: "run-1", Status: "completed"}
	for _, id := range assetIDs {
		run.Results = append(run.Results, protocol.AnnotationOutcome{AssetID: id, OK: true})
	}

	return run, nil
}

func (stubAnnotator) AnnotationValues(context.Context, string, []int64) (map[int64]map[string]any, error) {
	return map[int64]map[string]any{}, nil
}

type schedulerFixture struct {
	persistence *file.Persistence
	scheduler   *Scheduler
	bundles     *stubBundleStore
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()

	p := file.NewPersistence(t.TempDir())
	logger := slog.Default()
	bundles := &stubBundleStore{members: make(map[string][]int64)}

	resolver := flow.NewResolver(bundles, stubSourceReader{}, logger)
	engine := flow.NewStepEngine(stubAnnotator{}, stubAssetStore{}, bundles, logger)
	coordinator := flow.NewCoordinator(p, resolver, engine, nil, nil, logger)

	return &schedulerFixture{
		persistence: p,
		scheduler:   NewScheduler(p, coordinator, logger),
		bundles:     bundles,
	}
}

func (f *schedulerFixture) saveScheduledFlow(t *testing.T, bundleID string) *models.Flow {
	t.Helper()

	flowDef := &models.Flow{
		Name:          "Scheduled routing",
		InfospaceID:   "infospace-1",
		Owner:         "user-1",
		Status:        models.FlowStatusActive,
		InputType:     models.FlowInputBundle,
		TriggerMode:   models.TriggerModeScheduled,
		Schedule:      "*/5 * * * *",
		InputBundleID: &bundleID,
		Steps: []*models.FlowStep{
			{
				ID:    "route-1",
				Type:  models.StepTypeRoute,
				Route: &models.RouteStepConfig{BundleIDs: []string{"dest"}},
			},
		},
	}
	require.NoError(t, f.persistence.Flows().Save(context.Background(), flowDef))

	return flowDef
}

func (f *schedulerFixture) saveDueSchedule(t *testing.T, flowID string) *models.Schedule {
	t.Helper()

	schedule, err := models.NewSchedule("", flowID, "*/5 * * * *")
	require.NoError(t, err)

	schedule.NextDueAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.persistence.Schedules().Save(context.Background(), schedule))

	return schedule
}

func TestScheduler_ProcessDueSchedules_TriggersFlow(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.bundles.members["bundle-1"] = []int64{1, 2}
	flowDef := f.saveScheduledFlow(t, "bundle-1")
	f.saveDueSchedule(t, flowDef.ID)

	f.scheduler.processDueSchedules(ctx)

	executions, err := f.persistence.Executions().List(ctx, flowDef.ID, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, models.ExecutionStatusSuccess, executions[0].Status)
	assert.Equal(t, models.TriggeredByScheduled, executions[0].TriggeredBy)
	assert.Equal(t, []int64{1, 2}, f.bundles.added["dest"])

	// The due time moved past now before the trigger fired.
	schedule, err := f.persistence.Schedules().GetByFlowID(ctx, flowDef.ID)
	require.NoError(t, err)
	assert.True(t, schedule.NextDueAt.After(time.Now().UTC()))
	assert.True(t, schedule.Active)
}

func TestScheduler_ProcessDueSchedules_NoNewAssetsIsQuiet(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.bundles.members["bundle-1"] = []int64{}
	flowDef := f.saveScheduledFlow(t, "bundle-1")
	f.saveDueSchedule(t, flowDef.ID)

	f.scheduler.processDueSchedules(ctx)

	executions, err := f.persistence.Executions().List(ctx, flowDef.ID, nil, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, executions, "an empty delta must not create an execution record")

	schedule, err := f.persistence.Schedules().GetByFlowID(ctx, flowDef.ID)
	require.NoError(t, err)
	assert.True(t, schedule.Active)
}

func TestScheduler_ProcessDueSchedules_DeactivatesUntriggerable(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.bundles.members["bundle-1"] = []int64{1}
	flowDef := f.saveScheduledFlow(t, "bundle-1")
	f.saveDueSchedule(t, flowDef.ID)

	flowDef.Status = models.FlowStatusPaused
	require.NoError(t, f.persistence.Flows().Save(ctx, flowDef))

	f.scheduler.processDueSchedules(ctx)

	schedule, err := f.persistence.Schedules().GetByFlowID(ctx, flowDef.ID)
	require.NoError(t, err)
	assert.False(t, schedule.Active, "schedules of paused flows stop firing")
}

func TestScheduler_ProcessDueSchedules_DeactivatesForDeletedFlow(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.bundles.members["bundle-1"] = []int64{1}
	flowDef := f.saveScheduledFlow(t, "bundle-1")
	f.saveDueSchedule(t, flowDef.ID)

	require.NoError(t, f.persistence.Flows().Delete(ctx, flowDef.ID))

	f.scheduler.processDueSchedules(ctx)

	schedule, err := f.persistence.Schedules().GetByFlowID(ctx, flowDef.ID)
	require.NoError(t, err)
	assert.False(t, schedule.Active)
}

func (f *schedulerFixture) saveOnArrivalBundleFlow(t *testing.T, bundleID string) *models.Flow {
	t.Helper()

	flowDef := &models.Flow{
		Name:          "Bundle watch routing",
		InfospaceID:   "infospace-1",
		Owner:         "user-1",
		Status:        models.FlowStatusActive,
		InputType:     models.FlowInputBundle,
		TriggerMode:   models.TriggerModeOnArrival,
		InputBundleID: &bundleID,
		Steps: []*models.FlowStep{
			{
				ID:    "route-1",
				Type:  models.StepTypeRoute,
				Route: &models.RouteStepConfig{BundleIDs: []string{"dest"}},
			},
		},
	}
	require.NoError(t, f.persistence.Flows().Save(context.Background(), flowDef))

	return flowDef
}

func TestScheduler_PollArrivalBundleFlows_TriggersOnNewMembers(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.bundles.members["bundle-1"] = []int64{1, 2}
	flowDef := f.saveOnArrivalBundleFlow(t, "bundle-1")

	f.scheduler.pollArrivalBundleFlows(ctx)

	executions, err := f.persistence.Executions().List(ctx, flowDef.ID, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, models.TriggeredByOnArrival, executions[0].TriggeredBy)
	assert.Equal(t, []int64{1, 2}, f.bundles.added["dest"])

	// Nothing new, the next poll is quiet.
	f.scheduler.pollArrivalBundleFlows(ctx)

	executions, err = f.persistence.Executions().List(ctx, flowDef.ID, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, executions, 1)

	// A new member produces a delta on the following poll.
	f.bundles.members["bundle-1"] = []int64{1, 2, 3}

	f.scheduler.pollArrivalBundleFlows(ctx)

	executions, err = f.persistence.Executions().List(ctx, flowDef.ID, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, executions, 2)
	assert.Equal(t, []int64{3}, executions[0].InputAssetIDs)
}

func TestScheduler_PollArrivalBundleFlows_SkipsOtherTriggerModes(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.bundles.members["bundle-1"] = []int64{1, 2}
	flowDef := f.saveScheduledFlow(t, "bundle-1")

	f.scheduler.pollArrivalBundleFlows(ctx)

	executions, err := f.persistence.Executions().List(ctx, flowDef.ID, nil, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, executions, "scheduled flows only fire from their schedule rows")
}

func TestScheduler_ReapStaleExecutions_ReleasesSingleFlightSlot(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.bundles.members["bundle-1"] = []int64{1, 2}
	flowDef := f.saveScheduledFlow(t, "bundle-1")

	// A worker crashed an hour ago, leaving its execution non-terminal.
	abandoned := &models.FlowExecution{
		FlowID:        flowDef.ID,
		TriggeredBy:   models.TriggeredByScheduled,
		InputAssetIDs: []int64{1, 2},
		CreatedAt:     time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, f.persistence.Executions().CreatePending(ctx, abandoned))

	f.saveDueSchedule(t, flowDef.ID)
	f.scheduler.reapStaleExecutions(ctx)
	f.scheduler.processDueSchedules(ctx)

	reapedExecution, err := f.persistence.Executions().GetByID(ctx, abandoned.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, reapedExecution.Status)
	assert.NotEmpty(t, reapedExecution.ErrorMessage)

	// The slot was free, so the due schedule could run.
	executions, err := f.persistence.Executions().List(ctx, flowDef.ID, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, executions, 2)
	assert.Equal(t, models.ExecutionStatusSuccess, executions[0].Status)
}

func TestScheduler_StartStop(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.scheduler.Start(ctx))
	// Starting twice is a no-op.
	require.NoError(t, f.scheduler.Start(ctx))

	require.NoError(t, f.scheduler.Stop(ctx))
	require.NoError(t, f.scheduler.Stop(ctx))
}
