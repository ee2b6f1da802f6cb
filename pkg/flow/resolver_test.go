package flow

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openintel/flowd/pkg/models"
)

func strPtr(s string) *string { return &s }

func bundleFlow(bundleID string) *models.Flow {
	return &models.Flow{
		ID:            "flow-1",
		Status:        models.FlowStatusActive,
		InputType:     models.FlowInputBundle,
		TriggerMode:   models.TriggerModeManual,
		InputBundleID: strPtr(bundleID),
	}
}

func sourceFlow(sourceID string) *models.Flow {
	return &models.Flow{
		ID:            "flow-1",
		Status:        models.FlowStatusActive,
		InputType:     models.FlowInputSourceStream,
		TriggerMode:   models.TriggerModeOnArrival,
		InputSourceID: strPtr(sourceID),
	}
}

func TestResolver_Resolve_Bundle(t *testing.T) {
	bundles := newFakeBundleStore()
	bundles.members["bundle-1"] = []int64{1, 2, 3, 4}

	resolver := NewResolver(bundles, newFakeSourceReader(), slog.Default())

	t.Run("no cursor yields full membership", func(t *testing.T) {
		delta, err := resolver.Resolve(context.Background(), bundleFlow("bundle-1"), nil)

		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3, 4}, delta.AssetIDs)
		assert.Equal(t, models.CursorKindSeenSet, delta.CursorKind)
		assert.Equal(t, []int64{1, 2, 3, 4}, delta.ValidIDs)
	})

	t.Run("seen ids are excluded", func(t *testing.T) {
		flow := bundleFlow("bundle-1")
		flow.CursorState = &models.CursorState{
			Kind:    models.CursorKindSeenSet,
			SeenIDs: []int64{1, 3},
		}

		delta, err := resolver.Resolve(context.Background(), flow, nil)

		require.NoError(t, err)
		assert.Equal(t, []int64{2, 4}, delta.AssetIDs)
	})

	t.Run("fully consumed bundle yields empty delta", func(t *testing.T) {
		flow := bundleFlow("bundle-1")
		flow.CursorState = &models.CursorState{
			Kind:    models.CursorKindSeenSet,
			SeenIDs: []int64{1, 2, 3, 4},
		}

		delta, err := resolver.Resolve(context.Background(), flow, nil)

		require.NoError(t, err)
		assert.Empty(t, delta.AssetIDs)
	})

	t.Run("deleted bundle yields empty delta without error", func(t *testing.T) {
		delta, err := resolver.Resolve(context.Background(), bundleFlow("gone"), nil)

		require.NoError(t, err)
		assert.Empty(t, delta.AssetIDs)
		assert.Equal(t, models.CursorKindSeenSet, delta.CursorKind)
	})

	t.Run("missing bundle id is a config error", func(t *testing.T) {
		flow := bundleFlow("bundle-1")
		flow.InputBundleID = nil

		_, err := resolver.Resolve(context.Background(), flow, nil)

		assert.ErrorIs(t, err, ErrInvalidInputConfig)
	})
}

func TestResolver_Resolve_SourceStream(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	sources := newFakeSourceReader()
	sources.arrivals["source-1"] = []models.AssetArrival{
		{AssetID: 10, IngestedAt: base},
		{AssetID: 11, IngestedAt: base.Add(time.Minute)},
		{AssetID: 12, IngestedAt: base.Add(2 * time.Minute)},
	}

	resolver := NewResolver(newFakeBundleStore(), sources, slog.Default())

	t.Run("no watermark yields all arrivals", func(t *testing.T) {
		delta, err := resolver.Resolve(context.Background(), sourceFlow("source-1"), nil)

		require.NoError(t, err)
		assert.Equal(t, []int64{10, 11, 12}, delta.AssetIDs)
		assert.Equal(t, models.CursorKindWatermark, delta.CursorKind)
		assert.Equal(t, base.Add(2*time.Minute), delta.MaxIngestedAt)
	})

	t.Run("watermark excludes older arrivals", func(t *testing.T) {
		flow := sourceFlow("source-1")
		flow.CursorState = &models.CursorState{
			Kind:      models.CursorKindWatermark,
			Watermark: &base,
		}

		delta, err := resolver.Resolve(context.Background(), flow, nil)

		require.NoError(t, err)
		assert.Equal(t, []int64{11, 12}, delta.AssetIDs)
	})

	t.Run("deleted source yields empty delta without error", func(t *testing.T) {
		delta, err := resolver.Resolve(context.Background(), sourceFlow("gone"), nil)

		require.NoError(t, err)
		assert.Empty(t, delta.AssetIDs)
	})
}

func TestResolver_Resolve_Explicit(t *testing.T) {
	resolver := NewResolver(newFakeBundleStore(), newFakeSourceReader(), slog.Default())

	t.Run("explicit ids bypass resolution and are deduped", func(t *testing.T) {
		delta, err := resolver.Resolve(context.Background(), bundleFlow("gone"), []int64{9, 3, 3, 1})

		require.NoError(t, err)
		assert.Equal(t, []int64{1, 3, 9}, delta.AssetIDs)
		assert.Equal(t, models.CursorKindSeenSet, delta.CursorKind)
	})

	t.Run("explicit ids on a source flow leave the watermark alone", func(t *testing.T) {
		delta, err := resolver.Resolve(context.Background(), sourceFlow("source-1"), []int64{5})

		require.NoError(t, err)
		assert.Equal(t, []int64{5}, delta.AssetIDs)
		assert.Empty(t, delta.CursorKind)
	})
}

func TestResolver_Resolve_Manual(t *testing.T) {
	resolver := NewResolver(newFakeBundleStore(), newFakeSourceReader(), slog.Default())

	flow := &models.Flow{
		ID:        "flow-1",
		Status:    models.FlowStatusActive,
		InputType: models.FlowInputManual,
	}

	_, err := resolver.Resolve(context.Background(), flow, nil)
	assert.ErrorIs(t, err, ErrManualAssetsRequired)

	delta, err := resolver.Resolve(context.Background(), flow, []int64{7})
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, delta.AssetIDs)
	assert.Empty(t, delta.CursorKind)
}

func TestDelta_AdvanceCursor(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("seen set", func(t *testing.T) {
		delta := &Delta{
			AssetIDs:   []int64{2, 4},
			CursorKind: models.CursorKindSeenSet,
			ValidIDs:   []int64{1, 2, 3, 4},
		}
		prev := &models.CursorState{Kind: models.CursorKindSeenSet, SeenIDs: []int64{1, 3}}

		next := delta.AdvanceCursor(prev, now)

		assert.Equal(t, []int64{1, 2, 3, 4}, next.SeenIDs)
	})

	t.Run("watermark", func(t *testing.T) {
		delta := &Delta{
			AssetIDs:      []int64{10, 11},
			CursorKind:    models.CursorKindWatermark,
			MaxIngestedAt: now,
		}

		next := delta.AdvanceCursor(nil, now)

		require.NotNil(t, next.Watermark)
		assert.Equal(t, now, *next.Watermark)
		assert.Equal(t, int64(2), next.TotalProcessed)
	})

	t.Run("unset kind leaves cursor untouched", func(t *testing.T) {
		prev := &models.CursorState{Kind: models.CursorKindWatermark}
		delta := &Delta{AssetIDs: []int64{5}}

		assert.Same(t, prev, delta.AdvanceCursor(prev, now))
	})
}
