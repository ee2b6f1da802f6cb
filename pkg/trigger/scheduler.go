// Package trigger turns external stimuli into flow executions: a
// centralized poller for scheduled and bundle-watching on-arrival flows
// and an event subscriber for source-watching on-arrival flows.
package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/openintel/flowd/pkg/flow"
	"github.com/openintel/flowd/pkg/models"
	"github.com/openintel/flowd/pkg/persistence"
)

const (
	defaultPollInterval = time.Minute

	// staleExecutionAge bounds how long a non-terminal execution may hold
	// its flow's single-flight slot before it is presumed abandoned.
	staleExecutionAge = 30 * time.Minute
)

// Scheduler is the centralized poller. One ticker queries the database for
// all due schedules, regardless of their cron expressions, and triggers
// each corresponding flow. The same tick reaps abandoned executions and
// polls bundle-watching on-arrival flows, which have no event to react to.
type Scheduler struct {
	persistence  persistence.Persistence
	coordinator  *flow.Coordinator
	logger       *slog.Logger
	pollInterval time.Duration

	ticker  *time.Ticker
	done    chan bool
	started bool
	mu      sync.RWMutex
}

func NewScheduler(p persistence.Persistence, coordinator *flow.Coordinator, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		persistence:  p,
		coordinator:  coordinator,
		logger:       logger.With("module", "scheduler"),
		pollInterval: defaultPollInterval,
	}
}

// Start begins the centralized schedule poller.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	s.logger.InfoContext(ctx, "Starting schedule poller", "interval", s.pollInterval)

	s.ticker = time.NewTicker(s.pollInterval)
	s.done = make(chan bool)
	s.started = true

	go s.poll(ctx)

	return nil
}

// Stop gracefully shuts down the poller.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.logger.InfoContext(ctx, "Stopping schedule poller")

	if s.ticker != nil {
		s.ticker.Stop()
	}

	select {
	case s.done <- true:
	default:
	}

	s.started = false

	return nil
}

func (s *Scheduler) poll(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-s.ticker.C:
			s.reapStaleExecutions(ctx)
			s.processDueSchedules(ctx)
			s.pollArrivalBundleFlows(ctx)
		}
	}
}

// processDueSchedules triggers every flow whose schedule is due. The due
// time is advanced before triggering so a slow execution cannot make the
// next tick fire the same schedule again.
func (s *Scheduler) processDueSchedules(ctx context.Context) {
	now := time.Now().UTC()

	due, err := s.persistence.Schedules().ListDue(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list due schedules", "error", err)

		return
	}

	if len(due) > 0 {
		s.logger.InfoContext(ctx, "Processing due schedules", "count", len(due))
	}

	for _, schedule := range due {
		if err := schedule.UpdateNextDueAt(); err != nil {
			s.logger.ErrorContext(ctx, "Failed to advance schedule",
				"schedule_id", schedule.ID, "flow_id", schedule.FlowID, "error", err)

			continue
		}

		if err := s.persistence.Schedules().Save(ctx, schedule); err != nil {
			s.logger.ErrorContext(ctx, "Failed to save schedule",
				"schedule_id", schedule.ID, "error", err)

			continue
		}

		s.triggerFlow(ctx, schedule)
	}
}

// pollArrivalBundleFlows triggers active on-arrival flows that watch a
// bundle. Bundle membership changes produce no arrival events, so these
// flows are served by polling; source-stream flows are triggered by the
// arrival subscriber as events come in.
func (s *Scheduler) pollArrivalBundleFlows(ctx context.Context) {
	status := models.FlowStatusActive
	inputType := models.FlowInputBundle

	flows, err := s.persistence.Flows().List(ctx, persistence.ListFlowsOptions{
		Status:    &status,
		InputType: &inputType,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list bundle flows", "error", err)

		return
	}

	for _, f := range flows {
		if f.TriggerMode != models.TriggerModeOnArrival {
			continue
		}

		execution, err := s.coordinator.TriggerExecution(ctx, f.ID, flow.TriggerOptions{
			TriggeredBy: models.TriggeredByOnArrival,
		})

		switch {
		case err == nil:
			s.logger.InfoContext(ctx, "On-arrival execution finished",
				"flow_id", f.ID, "execution_id", execution.ID, "status", execution.Status)
		case errors.Is(err, flow.ErrNoNewAssets):
			s.logger.DebugContext(ctx, "Bundle poll found no new assets", "flow_id", f.ID)
		case errors.Is(err, persistence.ErrExecutionInFlight):
			s.logger.WarnContext(ctx, "On-arrival poll skipped, execution in flight", "flow_id", f.ID)
		default:
			s.logger.ErrorContext(ctx, "On-arrival poll trigger failed", "flow_id", f.ID, "error", err)
		}
	}
}

// reapStaleExecutions releases single-flight slots held by executions
// whose worker died mid-run.
func (s *Scheduler) reapStaleExecutions(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-staleExecutionAge)

	reaped, err := s.persistence.Executions().ReapStale(ctx, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to reap stale executions", "error", err)

		return
	}

	if reaped > 0 {
		s.logger.WarnContext(ctx, "Reaped stale executions", "count", reaped)
	}
}

func (s *Scheduler) triggerFlow(ctx context.Context, schedule *models.Schedule) {
	execution, err := s.coordinator.TriggerExecution(ctx, schedule.FlowID, flow.TriggerOptions{
		TriggeredBy: models.TriggeredByScheduled,
	})

	switch {
	case err == nil:
		s.logger.InfoContext(ctx, "Scheduled execution finished",
			"flow_id", schedule.FlowID,
			"execution_id", execution.ID,
			"status", execution.Status,
		)
	case errors.Is(err, flow.ErrNoNewAssets):
		s.logger.DebugContext(ctx, "Scheduled trigger found no new assets", "flow_id", schedule.FlowID)
	case errors.Is(err, persistence.ErrExecutionInFlight):
		s.logger.WarnContext(ctx, "Scheduled trigger skipped, execution in flight", "flow_id", schedule.FlowID)
	case errors.Is(err, flow.ErrFlowNotTriggerable), persistence.IsFlowNotFound(err):
		// The flow was paused, archived, or deleted after its schedule row
		// was written. Deactivate the schedule so it stops firing.
		s.logger.InfoContext(ctx, "Deactivating schedule for untriggerable flow",
			"flow_id", schedule.FlowID, "error", err)

		schedule.Active = false

		if err := s.persistence.Schedules().Save(ctx, schedule); err != nil {
			s.logger.ErrorContext(ctx, "Failed to deactivate schedule",
				"schedule_id", schedule.ID, "error", err)
		}
	default:
		s.logger.ErrorContext(ctx, "Scheduled trigger failed",
			"flow_id", schedule.FlowID, "error", err)
	}
}
