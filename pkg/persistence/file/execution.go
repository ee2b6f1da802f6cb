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

const maxConsecutiveFailures = 3

// ExecutionRepository handles execution-related file operations. It shares
// the persistence mutex with the flow repository so Complete can update the
// execution, the flow's cursor, and the flow's statistics as one unit.
type ExecutionRepository struct {
	root     string
	mu       *sync.Mutex
	flowRepo *FlowRepository
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(root string, mu *sync.Mutex, flowRepo *FlowRepository) *ExecutionRepository {
	return &ExecutionRepository{root: root, mu: mu, flowRepo: flowRepo}
}

func (er *ExecutionRepository) dir() string {
	return path.Join(er.root, "executions")
}

func (er *ExecutionRepository) path(id string) string {
	return path.Join(er.dir(), id+".json")
}

// CreatePending inserts a pending execution. The shared mutex makes the
// single-flight check atomic within the process: if the flow already has a
// non-terminal execution, ErrExecutionInFlight is returned.
func (er *ExecutionRepository) CreatePending(ctx context.Context, execution *models.FlowExecution) error {
	er.mu.Lock()
	defer er.mu.Unlock()

	existing, err := er.loadAll()
	if err != nil {
		return err
	}

	for _, e := range existing {
		if e.FlowID == execution.FlowID && !e.Status.IsTerminal() {
			return &persistence.ExecutionError{
				Op:     "CreatePending",
				FlowID: execution.FlowID,
				Err:    persistence.ErrExecutionInFlight,
			}
		}
	}

	if execution.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate execution ID: %w", err)
		}

		execution.ID = id.String()
	}

	execution.Status = models.ExecutionStatusPending

	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = time.Now().UTC()
	}

	return er.writeLocked(execution)
}

// GetByID returns an execution by id, or ErrExecutionNotFound.
func (er *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.FlowExecution, error) {
	er.mu.Lock()
	defer er.mu.Unlock()

	return er.read(id)
}

// List returns a flow's executions, newest first, optionally filtered by status.
func (er *ExecutionRepository) List(ctx context.Context, flowID string, status *models.ExecutionStatus, limit, offset int) ([]*models.FlowExecution, error) {
	er.mu.Lock()
	defer er.mu.Unlock()

	all, err := er.loadAll()
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.FlowExecution, 0, len(all))

	for _, execution := range all {
		if execution.FlowID != flowID {
			continue
		}

		if status != nil && execution.Status != *status {
			continue
		}

		filtered = append(filtered, execution)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	if offset > 0 {
		if offset >= len(filtered) {
			return []*models.FlowExecution{}, nil
		}

		filtered = filtered[offset:]
	}

	if limit > 0 && limit < len(filtered) {
		filtered = filtered[:limit]
	}

	return filtered, nil
}

// MarkRunning transitions a pending execution to running.
func (er *ExecutionRepository) MarkRunning(ctx context.Context, id string, startedAt time.Time) error {
	er.mu.Lock()
	defer er.mu.Unlock()

	execution, err := er.read(id)
	if err != nil {
		return err
	}

	if execution.Status != models.ExecutionStatusPending {
		return &persistence.ExecutionError{Op: "MarkRunning", ExecutionID: id, Err: persistence.ErrExecutionTerminal}
	}

	execution.Status = models.ExecutionStatusRunning
	execution.StartedAt = &startedAt

	return er.writeLocked(execution)
}

// Complete writes the execution's terminal state and, when a cursor is
// supplied, advances the flow's cursor under the same lock. Flow execution
// statistics are updated here as well.
func (er *ExecutionRepository) Complete(ctx context.Context, execution *models.FlowExecution, cursor *models.CursorState) error {
	if !execution.Status.IsTerminal() {
		return &persistence.ExecutionError{
			Op:          "Complete",
			ExecutionID: execution.ID,
			Err:         fmt.Errorf("status %q is not terminal", execution.Status),
		}
	}

	er.mu.Lock()
	defer er.mu.Unlock()

	stored, err := er.read(execution.ID)
	if err != nil {
		return err
	}

	if stored.Status.IsTerminal() {
		return &persistence.ExecutionError{Op: "Complete", ExecutionID: execution.ID, Err: persistence.ErrExecutionTerminal}
	}

	if err := er.writeLocked(execution); err != nil {
		return err
	}

	flow, err := er.flowRepo.getLocked(execution.FlowID)
	if err != nil {
		return &persistence.ExecutionError{Op: "Complete", ExecutionID: execution.ID, FlowID: execution.FlowID, Err: err}
	}

	if cursor != nil {
		flow.CursorState = cursor
	}

	flow.TotalExecutions++
	flow.TotalAssetsProcessed += int64(len(execution.InputAssetIDs))
	flow.LastExecutionAt = execution.CompletedAt
	flow.LastExecutionStatus = string(execution.Status)
	flow.LastError = execution.ErrorMessage

	if execution.Status == models.ExecutionStatusFailed {
		flow.ConsecutiveFailures++

		// Repeated failures pause the flow so a broken step configuration
		// does not burn the external annotation service on every tick.
		if flow.Status == models.FlowStatusActive && flow.ConsecutiveFailures >= maxConsecutiveFailures {
			flow.Status = models.FlowStatusPaused
		}
	} else {
		flow.ConsecutiveFailures = 0
	}

	flow.UpdatedAt = time.Now().UTC()

	if err := er.flowRepo.writeLocked(flow); err != nil {
		return &persistence.ExecutionError{Op: "Complete", ExecutionID: execution.ID, FlowID: execution.FlowID, Err: err}
	}

	return nil
}

// ReapStale fails non-terminal executions created before the cutoff so
// their single-flight slots are released. Flow statistics are left alone;
// an abandoned run says nothing about the flow's configuration.
func (er *ExecutionRepository) ReapStale(ctx context.Context, cutoff time.Time) (int, error) {
	er.mu.Lock()
	defer er.mu.Unlock()

	all, err := er.loadAll()
	if err != nil {
		return 0, err
	}

	reaped := 0

	for _, execution := range all {
		if execution.Status.IsTerminal() || !execution.CreatedAt.Before(cutoff) {
			continue
		}

		now := time.Now().UTC()
		execution.Status = models.ExecutionStatusFailed
		execution.ErrorMessage = "execution abandoned before completion"
		execution.CompletedAt = &now

		if err := er.writeLocked(execution); err != nil {
			return reaped, err
		}

		reaped++
	}

	return reaped, nil
}

func (er *ExecutionRepository) read(id string) (*models.FlowExecution, error) {
	data, err := os.ReadFile(er.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &persistence.ExecutionError{Op: "GetByID", ExecutionID: id, Err: persistence.ErrExecutionNotFound}
		}

		return nil, fmt.Errorf("failed to read execution file: %w", err)
	}

	var execution models.FlowExecution
	if err := json.Unmarshal(data, &execution); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution %s: %w", id, err)
	}

	return &execution, nil
}

func (er *ExecutionRepository) writeLocked(execution *models.FlowExecution) error {
	if err := os.MkdirAll(er.dir(), 0o755); err != nil {
		return fmt.Errorf("failed to create executions directory: %w", err)
	}

	data, err := json.MarshalIndent(execution, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal execution %s: %w", execution.ID, err)
	}

	if err := os.WriteFile(er.path(execution.ID), data, 0o600); err != nil {
		return &persistence.ExecutionError{Op: "Save", ExecutionID: execution.ID, Err: err}
	}

	return nil
}

func (er *ExecutionRepository) loadAll() ([]*models.FlowExecution, error) {
	root := os.DirFS(er.dir())

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list execution files: %w", err)
	}

	executions := make([]*models.FlowExecution, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		execution, err := er.read(file[:len(file)-5])
		if err != nil {
			return nil, err
		}

		executions = append(executions, execution)
	}

	return executions, nil
}
