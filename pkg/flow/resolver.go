// Package flow contains the execution engine: delta resolution against the
// flow's cursor, the step pipeline, and the coordinator that ties both to
// persistence and events.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/openintel/flowd/pkg/models"
	"github.com/openintel/flowd/pkg/protocol"
)

// Delta is the resolved set of unprocessed input assets for one trigger,
// plus what the coordinator needs to advance the cursor after a commit.
type Delta struct {
	// AssetIDs is the delta itself, sorted ascending for bundle and manual
	// inputs, arrival order for source streams.
	AssetIDs []int64

	// CursorKind selects how the cursor advances after the execution
	// commits. Empty means the cursor is left untouched.
	CursorKind models.CursorKind

	// ValidIDs is the current full input membership for seen-set pruning.
	// Nil skips pruning.
	ValidIDs []int64

	// MaxIngestedAt is the newest ingestion timestamp in the delta
	// (watermark cursors only).
	MaxIngestedAt time.Time
}

// Resolver computes which input assets a flow has not yet processed.
type Resolver struct {
	bundles protocol.BundleStore
	sources protocol.SourceReader
	logger  *slog.Logger
}

func NewResolver(bundles protocol.BundleStore, sources protocol.SourceReader, logger *slog.Logger) *Resolver {
	return &Resolver{
		bundles: bundles,
		sources: sources,
		logger:  logger.With("module", "resolver"),
	}
}

// Resolve computes the delta for a flow. Explicit asset ids bypass cursor
// resolution and are used verbatim; manual-input flows require them.
//
// A watched input that no longer exists resolves to an empty delta rather
// than an error, so flows pointing at deleted bundles or sources quietly
// stop producing work instead of failing every tick.
func (r *Resolver) Resolve(ctx context.Context, flow *models.Flow, explicit []int64) (*Delta, error) {
	if len(explicit) > 0 {
		return r.resolveExplicit(flow, explicit), nil
	}

	switch flow.InputType {
	case models.FlowInputBundle:
		return r.resolveBundle(ctx, flow)
	case models.FlowInputSourceStream:
		return r.resolveSourceStream(ctx, flow)
	case models.FlowInputManual:
		return nil, ErrManualAssetsRequired
	default:
		return nil, fmt.Errorf("%w: input type %q", ErrInvalidInputConfig, flow.InputType)
	}
}

func (r *Resolver) resolveExplicit(flow *models.Flow, explicit []int64) *Delta {
	ids := slices.Clone(explicit)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	delta := &Delta{AssetIDs: ids}

	// Explicitly given assets still advance a seen-set cursor: they were
	// processed. Watermark cursors stay put because arrival times of an
	// arbitrary id list are unknown.
	if flow.InputType == models.FlowInputBundle {
		delta.CursorKind = models.CursorKindSeenSet
	}

	return delta
}

func (r *Resolver) resolveBundle(ctx context.Context, flow *models.Flow) (*Delta, error) {
	if flow.InputBundleID == nil || *flow.InputBundleID == "" {
		return nil, fmt.Errorf("%w: bundle input without bundle id", ErrInvalidInputConfig)
	}

	members, err := r.bundles.GetBundleMembers(ctx, *flow.InputBundleID)
	if err != nil {
		if errors.Is(err, protocol.ErrBundleNotFound) {
			r.logger.WarnContext(ctx, "watched bundle no longer exists",
				"flow_id", flow.ID, "bundle_id", *flow.InputBundleID)

			return &Delta{CursorKind: models.CursorKindSeenSet, ValidIDs: []int64{}}, nil
		}

		return nil, fmt.Errorf("failed to read bundle members: %w", err)
	}

	delta := &Delta{
		CursorKind: models.CursorKindSeenSet,
		ValidIDs:   members,
	}

	for _, id := range members {
		if !flow.CursorState.Seen(id) {
			delta.AssetIDs = append(delta.AssetIDs, id)
		}
	}

	return delta, nil
}

func (r *Resolver) resolveSourceStream(ctx context.Context, flow *models.Flow) (*Delta, error) {
	if flow.InputSourceID == nil || *flow.InputSourceID == "" {
		return nil, fmt.Errorf("%w: source_stream input without source id", ErrInvalidInputConfig)
	}

	var watermark *time.Time
	if flow.CursorState != nil && flow.CursorState.Kind == models.CursorKindWatermark {
		watermark = flow.CursorState.Watermark
	}

	arrivals, err := r.sources.GetSourceAssetsSince(ctx, *flow.InputSourceID, watermark)
	if err != nil {
		if errors.Is(err, protocol.ErrSourceNotFound) {
			r.logger.WarnContext(ctx, "watched source no longer exists",
				"flow_id", flow.ID, "source_id", *flow.InputSourceID)

			return &Delta{CursorKind: models.CursorKindWatermark}, nil
		}

		return nil, fmt.Errorf("failed to read source arrivals: %w", err)
	}

	delta := &Delta{CursorKind: models.CursorKindWatermark}

	for _, arrival := range arrivals {
		delta.AssetIDs = append(delta.AssetIDs, arrival.AssetID)

		if arrival.IngestedAt.After(delta.MaxIngestedAt) {
			delta.MaxIngestedAt = arrival.IngestedAt
		}
	}

	return delta, nil
}

// AdvanceCursor computes the next cursor state after an execution that
// consumed the delta. It never mutates the previous cursor.
func (d *Delta) AdvanceCursor(prev *models.CursorState, now time.Time) *models.CursorState {
	switch d.CursorKind {
	case models.CursorKindSeenSet:
		return prev.AdvanceSeen(d.AssetIDs, d.ValidIDs, now)
	case models.CursorKindWatermark:
		return prev.AdvanceWatermark(d.MaxIngestedAt, int64(len(d.AssetIDs)), now)
	default:
		return prev
	}
}
