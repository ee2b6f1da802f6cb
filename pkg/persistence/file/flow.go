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

// FlowRepository handles flow-related file operations.
type FlowRepository struct {
	root string
	mu   *sync.Mutex
}

// NewFlowRepository creates a new flow repository.
func NewFlowRepository(root string, mu *sync.Mutex) *FlowRepository {
	return &FlowRepository{root: root, mu: mu}
}

func (fr *FlowRepository) dir() string {
	return path.Join(fr.root, "flows")
}

func (fr *FlowRepository) path(id string) string {
	return path.Join(fr.dir(), id+".json")
}

// List returns flows matching the options, newest first.
func (fr *FlowRepository) List(ctx context.Context, opts persistence.ListFlowsOptions) ([]*models.Flow, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	flows, err := fr.loadAll()
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.Flow, 0, len(flows))

	for _, flow := range flows {
		if flow.DeletedAt != nil {
			continue
		}

		if opts.InfospaceID != "" && flow.InfospaceID != opts.InfospaceID {
			continue
		}

		if opts.Owner != "" && flow.Owner != opts.Owner {
			continue
		}

		if opts.Status != nil && flow.Status != *opts.Status {
			continue
		}

		if opts.InputType != nil && flow.InputType != *opts.InputType {
			continue
		}

		filtered = append(filtered, flow)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].UpdatedAt.After(filtered[j].UpdatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(filtered) {
			return []*models.Flow{}, nil
		}

		filtered = filtered[opts.Offset:]
	}

	if opts.Limit > 0 && opts.Limit < len(filtered) {
		filtered = filtered[:opts.Limit]
	}

	return filtered, nil
}

// GetByID returns a flow by id, or ErrFlowNotFound.
func (fr *FlowRepository) GetByID(ctx context.Context, id string) (*models.Flow, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	return fr.getLocked(id)
}

func (fr *FlowRepository) getLocked(id string) (*models.Flow, error) {
	flow, err := fr.read(id)
	if err != nil {
		return nil, err
	}

	if flow.DeletedAt != nil {
		return nil, persistence.NewFlowError("GetByID", id, persistence.ErrFlowNotFound)
	}

	return flow, nil
}

func (fr *FlowRepository) read(id string) (*models.Flow, error) {
	data, err := os.ReadFile(fr.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewFlowError("GetByID", id, persistence.ErrFlowNotFound)
		}

		return nil, fmt.Errorf("failed to read flow file: %w", err)
	}

	var flow models.Flow
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow %s: %w", id, err)
	}

	return &flow, nil
}

// Save upserts a flow, assigning an id and timestamps on first save.
func (fr *FlowRepository) Save(ctx context.Context, flow *models.Flow) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()

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

	return fr.writeLocked(flow)
}

func (fr *FlowRepository) writeLocked(flow *models.Flow) error {
	if err := os.MkdirAll(fr.dir(), 0o755); err != nil {
		return fmt.Errorf("failed to create flows directory: %w", err)
	}

	data, err := json.MarshalIndent(flow, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal flow %s: %w", flow.ID, err)
	}

	if err := os.WriteFile(fr.path(flow.ID), data, 0o600); err != nil {
		return persistence.NewFlowError("Save", flow.ID, err)
	}

	return nil
}

// Delete soft deletes a flow. Execution history is retained for audit.
func (fr *FlowRepository) Delete(ctx context.Context, id string) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	flow, err := fr.getLocked(id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	flow.DeletedAt = &now
	flow.UpdatedAt = now

	return fr.writeLocked(flow)
}

// UpdateCursor overwrites the flow's cursor state. A nil cursor clears it.
func (fr *FlowRepository) UpdateCursor(ctx context.Context, flowID string, cursor *models.CursorState) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	flow, err := fr.getLocked(flowID)
	if err != nil {
		return persistence.NewFlowError("UpdateCursor", flowID, persistence.ErrFlowNotFound)
	}

	flow.CursorState = cursor
	flow.UpdatedAt = time.Now().UTC()

	return fr.writeLocked(flow)
}

func (fr *FlowRepository) loadAll() ([]*models.Flow, error) {
	root := os.DirFS(fr.dir())

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list flow files: %w", err)
	}

	flows := make([]*models.Flow, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		flow, err := fr.read(file[:len(file)-5])
		if err != nil {
			return nil, err
		}

		flows = append(flows, flow)
	}

	return flows, nil
}
