package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openintel/flowd/pkg/models"
	"github.com/openintel/flowd/pkg/persistence"
)

// ScheduleRepository handles schedule-related file operations.
type ScheduleRepository struct {
	root string
	mu   *sync.Mutex
}

// NewScheduleRepository creates a new schedule repository.
func NewScheduleRepository(root string, mu *sync.Mutex) *ScheduleRepository {
	return &ScheduleRepository{root: root, mu: mu}
}

func (sr *ScheduleRepository) dir() string {
	return path.Join(sr.root, "schedules")
}

// Schedules are keyed by flow id, one schedule per flow.
func (sr *ScheduleRepository) path(flowID string) string {
	return path.Join(sr.dir(), flowID+".json")
}

// Save upserts a schedule by flow id.
func (sr *ScheduleRepository) Save(ctx context.Context, schedule *models.Schedule) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if schedule.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate schedule ID: %w", err)
		}

		schedule.ID = id.String()
	}

	if err := os.MkdirAll(sr.dir(), 0o755); err != nil {
		return fmt.Errorf("failed to create schedules directory: %w", err)
	}

	data, err := json.MarshalIndent(schedule, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal schedule %s: %w", schedule.ID, err)
	}

	if err := os.WriteFile(sr.path(schedule.FlowID), data, 0o600); err != nil {
		return fmt.Errorf("failed to write schedule %s: %w", schedule.ID, err)
	}

	return nil
}

// GetByFlowID returns the schedule for a flow, or ErrScheduleNotFound.
func (sr *ScheduleRepository) GetByFlowID(ctx context.Context, flowID string) (*models.Schedule, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	return sr.read(flowID)
}

// ListDue returns active schedules due at or before now, oldest first.
func (sr *ScheduleRepository) ListDue(ctx context.Context, now time.Time) ([]*models.Schedule, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	root := os.DirFS(sr.dir())

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule files: %w", err)
	}

	due := make([]*models.Schedule, 0)

	for _, file := range jsonFiles {
		schedule, err := sr.read(file[:len(file)-5])
		if err != nil {
			return nil, err
		}

		if schedule.Active && !schedule.NextDueAt.After(now) {
			due = append(due, schedule)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].NextDueAt.Before(due[j].NextDueAt)
	})

	return due, nil
}

// Delete removes a schedule by id.
func (sr *ScheduleRepository) Delete(ctx context.Context, id string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	root := os.DirFS(sr.dir())

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return fmt.Errorf("failed to list schedule files: %w", err)
	}

	for _, file := range jsonFiles {
		schedule, err := sr.read(file[:len(file)-5])
		if err != nil {
			return err
		}

		if schedule.ID == id {
			if err := os.Remove(sr.path(schedule.FlowID)); err != nil {
				return fmt.Errorf("failed to delete schedule %s: %w", id, err)
			}

			return nil
		}
	}

	return nil
}

func (sr *ScheduleRepository) read(flowID string) (*models.Schedule, error) {
	data, err := os.ReadFile(sr.path(flowID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrScheduleNotFound
		}

		return nil, fmt.Errorf("failed to read schedule file: %w", err)
	}

	var schedule models.Schedule
	if err := json.Unmarshal(data, &schedule); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule for flow %s: %w", flowID, err)
	}

	return &schedule, nil
}
