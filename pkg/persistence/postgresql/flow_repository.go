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

	"github.com/openintel/flowd/pkg/models"
	"github.com/openintel/flowd/pkg/persistence"
)

// FlowRepository handles flow-related database operations.
type FlowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewFlowRepository creates a new flow repository.
func NewFlowRepository(db *sql.DB, logger *slog.Logger) *FlowRepository {
	return &FlowRepository{db: db, logger: logger}
}

const flowColumns = `
	id
  , name
  , description
  , infospace_id
  , owner
  , status
  , input_type
  , trigger_mode
  , input_bundle_id
  , input_source_id
  , schedule
  , steps
  , cursor_state
  , total_executions
  , total_assets_processed
  , consecutive_failures
  , last_execution_at
  , last_execution_status
  , last_error
  , metadata
  , created_at
  , updated_at
  , deleted_at
`

// List returns flows matching the options, newest first.
func (r *FlowRepository) List(ctx context.Context, opts persistence.ListFlowsOptions) ([]*models.Flow, error) {
	query := `SELECT ` + flowColumns + ` FROM flows WHERE deleted_at IS NULL`

	args := make([]any, 0, 4)

	if opts.InfospaceID != "" {
		args = append(args, opts.InfospaceID)
		query += fmt.Sprintf(" AND infospace_id = $%d", len(args))
	}

	if opts.Owner != "" {
		args = append(args, opts.Owner)
		query += fmt.Sprintf(" AND owner = $%d", len(args))
	}

	if opts.Status != nil {
		args = append(args, string(*opts.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	if opts.InputType != nil {
		args = append(args, string(*opts.InputType))
		query += fmt.Sprintf(" AND input_type = $%d", len(args))
	}

	query += " ORDER BY updated_at DESC"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	flows := make([]*models.Flow, 0)

	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}

		flows = append(flows, flow)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flows: %w", err)
	}

	return flows, nil
}

// GetByID returns a flow by id, or ErrFlowNotFound.
func (r *FlowRepository) GetByID(ctx context.Context, id string) (*models.Flow, error) {
	query := `SELECT ` + flowColumns + ` FROM flows WHERE id = $1 AND deleted_at IS NULL`

	row := r.db.QueryRowContext(ctx, query, id)

	flow, err := scanFlow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewFlowError("GetByID", id, persistence.ErrFlowNotFound)
		}

		return nil, fmt.Errorf("failed to scan flow: %w", err)
	}

	return flow, nil
}

// Save upserts a flow, assigning an id and timestamps on first save.
func (r *FlowRepository) Save(ctx context.Context, flow *models.Flow) error {
	now := time.Now().UTC()

	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	if flow.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate flow ID: %w", err)
		}

		flow.ID = id.String()
	}

	stepsJSON, err := json.Marshal(flow.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	cursorJSON, err := marshalNullable(flow.CursorState)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor state: %w", err)
	}

	metadataJSON, err := marshalNullable(flow.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO flows (id, name, description, infospace_id, owner, status,
			input_type, trigger_mode, input_bundle_id, input_source_id, schedule,
			steps, cursor_state, total_executions, total_assets_processed,
			consecutive_failures, last_execution_at, last_execution_status,
			last_error, metadata, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			input_type = EXCLUDED.input_type,
			trigger_mode = EXCLUDED.trigger_mode,
			input_bundle_id = EXCLUDED.input_bundle_id,
			input_source_id = EXCLUDED.input_source_id,
			schedule = EXCLUDED.schedule,
			steps = EXCLUDED.steps,
			cursor_state = EXCLUDED.cursor_state,
			total_executions = EXCLUDED.total_executions,
			total_assets_processed = EXCLUDED.total_assets_processed,
			consecutive_failures = EXCLUDED.consecutive_failures,
			last_execution_at = EXCLUDED.last_execution_at,
			last_execution_status = EXCLUDED.last_execution_status,
			last_error = EXCLUDED.last_error,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
	`

	_, err = r.db.ExecContext(ctx, query,
		flow.ID,
		flow.Name,
		flow.Description,
		flow.InfospaceID,
		flow.Owner,
		flow.Status,
		flow.InputType,
		flow.TriggerMode,
		flow.InputBundleID,
		flow.InputSourceID,
		flow.Schedule,
		stepsJSON,
		cursorJSON,
		flow.TotalExecutions,
		flow.TotalAssetsProcessed,
		flow.ConsecutiveFailures,
		flow.LastExecutionAt,
		flow.LastExecutionStatus,
		flow.LastError,
		metadataJSON,
		flow.CreatedAt,
		flow.UpdatedAt,
		flow.DeletedAt,
	)
	if err != nil {
		return persistence.NewFlowError("Save", flow.ID, err)
	}

	return nil
}

// Delete soft deletes a flow. Execution history is retained for audit.
func (r *FlowRepository) Delete(ctx context.Context, id string) error {
	query := `UPDATE flows SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return persistence.NewFlowError("Delete", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.NewFlowError("Delete", id, persistence.ErrFlowNotFound)
	}

	return nil
}

// UpdateCursor overwrites the flow's cursor state. A nil cursor clears it.
func (r *FlowRepository) UpdateCursor(ctx context.Context, flowID string, cursor *models.CursorState) error {
	cursorJSON, err := marshalNullable(cursor)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor state: %w", err)
	}

	query := `UPDATE flows SET cursor_state = $2, updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, flowID, cursorJSON)
	if err != nil {
		return persistence.NewFlowError("UpdateCursor", flowID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.NewFlowError("UpdateCursor", flowID, persistence.ErrFlowNotFound)
	}

	return nil
}

func scanFlow(scanner interface{ Scan(dest ...any) error }) (*models.Flow, error) {
	var (
		flow                                models.Flow
		stepsJSON, cursorJSON, metadataJSON []byte
	)

	err := scanner.Scan(
		&flow.ID,
		&flow.Name,
		&flow.Description,
		&flow.InfospaceID,
		&flow.Owner,
		&flow.Status,
		&flow.InputType,
		&flow.TriggerMode,
		&flow.InputBundleID,
		&flow.InputSourceID,
		&flow.Schedule,
		&stepsJSON,
		&cursorJSON,
		&flow.TotalExecutions,
		&flow.TotalAssetsProcessed,
		&flow.ConsecutiveFailures,
		&flow.LastExecutionAt,
		&flow.LastExecutionStatus,
		&flow.LastError,
		&metadataJSON,
		&flow.CreatedAt,
		&flow.UpdatedAt,
		&flow.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	if stepsJSON != nil {
		if err := json.Unmarshal(stepsJSON, &flow.Steps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
		}
	}

	if cursorJSON != nil {
		if err := json.Unmarshal(cursorJSON, &flow.CursorState); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cursor state: %w", err)
		}
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &flow.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &flow, nil
}

func marshalNullable(v any) ([]byte, error) {
	switch val := v.(type) {
	case *models.CursorState:
		if val == nil {
			return nil, nil
		}
	case map[string]any:
		if val == nil {
			return nil, nil
		}
	}

	return json.Marshal(v)
}
