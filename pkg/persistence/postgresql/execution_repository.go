package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/openintel/flowd/pkg/models"
	"github.com/openintel/flowd/pkg/persistence"
)

const uniqueViolation = "23505"

// ExecutionRepository handles execution-related database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

const executionColumns = `
	id
  , flow_id
  , status
  , triggered_by
  , triggered_by_task_id
  , triggered_by_source_id
  , input_asset_ids
  , output_asset_ids
  , step_outputs
  , error_message
  , created_at
  , started_at
  , completed_at
`

// CreatePending inserts a pending execution. The partial unique index on
// non-terminal executions makes the single-flight check atomic: a
// concurrent insert for the same flow fails with a unique violation, which
// is surfaced as ErrExecutionInFlight.
func (r *ExecutionRepository) CreatePending(ctx context.Context, execution *models.FlowExecution) error {
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

	inputJSON, err := json.Marshal(execution.InputAssetIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal input asset ids: %w", err)
	}

	query := `
		INSERT INTO flow_executions (id, flow_id, status, triggered_by,
			triggered_by_task_id, triggered_by_source_id, input_asset_ids,
			output_asset_ids, step_outputs, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '[]', '[]', '', $8)
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.FlowID,
		execution.Status,
		execution.TriggeredBy,
		execution.TriggeredByTaskID,
		execution.TriggeredBySourceID,
		inputJSON,
		execution.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return &persistence.ExecutionError{
				Op:     "CreatePending",
				FlowID: execution.FlowID,
				Err:    persistence.ErrExecutionInFlight,
			}
		}

		return &persistence.ExecutionError{Op: "CreatePending", ExecutionID: execution.ID, Err: err}
	}

	return nil
}

// GetByID returns an execution by id, or ErrExecutionNotFound.
func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.FlowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM flow_executions WHERE id = $1`

	execution, err := scanExecution(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &persistence.ExecutionError{Op: "GetByID", ExecutionID: id, Err: persistence.ErrExecutionNotFound}
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

// List returns a flow's executions, newest first, optionally filtered by status.
func (r *ExecutionRepository) List(ctx context.Context, flowID string, status *models.ExecutionStatus, limit, offset int) ([]*models.FlowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM flow_executions WHERE flow_id = $1`
	args := []any{flowID}

	if status != nil {
		args = append(args, string(*status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	query += " ORDER BY created_at DESC"

	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	executions := make([]*models.FlowExecution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

// MarkRunning transitions a pending execution to running.
func (r *ExecutionRepository) MarkRunning(ctx context.Context, id string, startedAt time.Time) error {
	query := `
		UPDATE flow_executions
		SET status = $2, started_at = $3
		WHERE id = $1 AND status = $4
	`

	result, err := r.db.ExecContext(ctx, query, id, models.ExecutionStatusRunning, startedAt, models.ExecutionStatusPending)
	if err != nil {
		return &persistence.ExecutionError{Op: "MarkRunning", ExecutionID: id, Err: err}
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return &persistence.ExecutionError{Op: "MarkRunning", ExecutionID: id, Err: persistence.ErrExecutionTerminal}
	}

	return nil
}

// Complete writes the execution's terminal state and, when a cursor is
// supplied, advances the flow's cursor in the same transaction. Flow
// execution statistics are updated here as well so a single commit either
// records everything about the run or nothing.
func (r *ExecutionRepository) Complete(ctx context.Context, execution *models.FlowExecution, cursor *models.CursorState) error {
	if !execution.Status.IsTerminal() {
		return &persistence.ExecutionError{
			Op:          "Complete",
			ExecutionID: execution.ID,
			Err:         fmt.Errorf("status %q is not terminal", execution.Status),
		}
	}

	outputJSON, err := json.Marshal(execution.OutputAssetIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal output asset ids: %w", err)
	}

	stepOutputsJSON, err := json.Marshal(execution.StepOutputs)
	if err != nil {
		return fmt.Errorf("failed to marshal step outputs: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	executionQuery := `
		UPDATE flow_executions
		SET status = $2, output_asset_ids = $3, step_outputs = $4,
			error_message = $5, completed_at = $6
		WHERE id = $1 AND status IN ('pending', 'running')
	`

	result, err := tx.ExecContext(ctx, executionQuery,
		execution.ID,
		execution.Status,
		outputJSON,
		stepOutputsJSON,
		execution.ErrorMessage,
		execution.CompletedAt,
	)
	if err != nil {
		return &persistence.ExecutionError{Op: "Complete", ExecutionID: execution.ID, Err: err}
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		err = &persistence.ExecutionError{Op: "Complete", ExecutionID: execution.ID, Err: persistence.ErrExecutionTerminal}

		return err
	}

	if cursor != nil {
		cursorJSON, merr := json.Marshal(cursor)
		if merr != nil {
			err = fmt.Errorf("failed to marshal cursor state: %w", merr)

			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE flows SET cursor_state = $2, updated_at = NOW() WHERE id = $1`,
			execution.FlowID, cursorJSON,
		)
		if err != nil {
			return &persistence.ExecutionError{Op: "Complete", ExecutionID: execution.ID, FlowID: execution.FlowID, Err: err}
		}
	}

	failed := execution.Status == models.ExecutionStatusFailed

	statsQuery := `
		UPDATE flows
		SET total_executions = total_executions + 1,
			total_assets_processed = total_assets_processed + $2,
			consecutive_failures = CASE WHEN $3 THEN consecutive_failures + 1 ELSE 0 END,
			last_execution_at = $4,
			last_execution_status = $5,
			last_error = $6,
			updated_at = NOW()
		WHERE id = $1
	`

	_, err = tx.ExecContext(ctx, statsQuery,
		execution.FlowID,
		len(execution.InputAssetIDs),
		failed,
		execution.CompletedAt,
		string(execution.Status),
		execution.ErrorMessage,
	)
	if err != nil {
		return &persistence.ExecutionError{Op: "Complete", ExecutionID: execution.ID, FlowID: execution.FlowID, Err: err}
	}

	// Repeated failures pause the flow so a broken step configuration does
	// not burn the external annotation service on every tick.
	if failed {
		_, err = tx.ExecContext(ctx,
			`UPDATE flows SET status = $2 WHERE id = $1 AND status = $3 AND consecutive_failures >= $4`,
			execution.FlowID, models.FlowStatusPaused, models.FlowStatusActive, maxConsecutiveFailures,
		)
		if err != nil {
			return &persistence.ExecutionError{Op: "Complete", ExecutionID: execution.ID, FlowID: execution.FlowID, Err: err}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ReapStale fails non-terminal executions created before the cutoff so
// their single-flight slots are released. Flow statistics are left alone;
// an abandoned run says nothing about the flow's configuration.
func (r *ExecutionRepository) ReapStale(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		UPDATE flow_executions
		SET status = $2, error_message = $3, completed_at = NOW()
		WHERE status IN ('pending', 'running') AND created_at < $1
	`

	result, err := r.db.ExecContext(ctx, query, cutoff,
		models.ExecutionStatusFailed, "execution abandoned before completion")
	if err != nil {
		return 0, &persistence.ExecutionError{Op: "ReapStale", Err: err}
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(rowsAffected), nil
}

const maxConsecutiveFailures = 3

func scanExecution(scanner interface{ Scan(dest ...any) error }) (*models.FlowExecution, error) {
	var (
		execution                             models.FlowExecution
		inputJSON, outputJSON, stepOutputJSON []byte
	)

	err := scanner.Scan(
		&execution.ID,
		&execution.FlowID,
		&execution.Status,
		&execution.TriggeredBy,
		&execution.TriggeredByTaskID,
		&execution.TriggeredBySourceID,
		&inputJSON,
		&outputJSON,
		&stepOutputJSON,
		&execution.ErrorMessage,
		&execution.CreatedAt,
		&execution.StartedAt,
		&execution.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(inputJSON, &execution.InputAssetIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input asset ids: %w", err)
	}

	if err := json.Unmarshal(outputJSON, &execution.OutputAssetIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal output asset ids: %w", err)
	}

	if err := json.Unmarshal(stepOutputJSON, &execution.StepOutputs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step outputs: %w", err)
	}

	return &execution, nil
}
