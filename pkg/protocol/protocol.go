// Package protocol defines the narrow interfaces through which the flow
// engine consumes its external collaborators: the annotation service, the
// bundle and asset subsystems, and source-stream storage. Implementations
// are injected into the coordinator and step engine constructors; the
// engine never reaches into collaborator storage directly.
package protocol

import (
	"context"
	"time"

	"github.com/openintel/flowd/pkg/models"
)

// Annotator is the external annotation/classification service. One call
// creates one annotation run covering the whole batch.
type Annotator interface {
	// AnnotateAssets runs the given schemas over the assets and returns
	// the created run with per-asset results. Per-asset failures are
	// reported in the result, not as an error; an error means the run as
	// a whole could not be performed.
	AnnotateAssets(ctx context.Context, schemaIDs []string, assetIDs []int64, configuration map[string]any) (*AnnotationRun, error)

	// AnnotationValues returns the annotation field values produced by a
	// run for the given assets, keyed by asset id.
	AnnotationValues(ctx context.Context, runID string, assetIDs []int64) (map[int64]map[string]any, error)
}

// AnnotationRun is the result of one AnnotateAssets call.
type AnnotationRun struct {
	RunID   string              `json:"run_id"`
	Status  string              `json:"status"`
	Results []AnnotationOutcome `json:"results"`
}

// AnnotationOutcome is the per-asset result within a run.
type AnnotationOutcome struct {
	AssetID int64  `json:"asset_id"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// BundleStore is the bundle subsystem. Bundle membership is a flat set;
// adding an existing member is a no-op.
type BundleStore interface {
	// GetBundleMembers returns the asset ids currently in the bundle,
	// sorted ascending. An unknown bundle yields (nil, ErrBundleNotFound).
	GetBundleMembers(ctx context.Context, bundleID string) ([]int64, error)

	// AddAssetsToBundle adds assets to a bundle, idempotently.
	AddAssetsToBundle(ctx context.Context, bundleID string, assetIDs []int64) error
}

// SourceReader reads the arrival log of a watched source.
type SourceReader interface {
	// GetSourceAssetsSince returns assets ingested strictly after the
	// watermark, ordered by (ingested_at, asset_id) ascending. An unknown
	// source yields (nil, ErrSourceNotFound).
	GetSourceAssetsSince(ctx context.Context, sourceID string, watermark *time.Time) ([]models.AssetArrival, error)
}

// AssetStore is the asset subsystem's read/curate surface.
type AssetStore interface {
	// GetAsset returns the engine's projection of an asset, or
	// (nil, ErrAssetNotFound).
	GetAsset(ctx context.Context, assetID int64) (*models.Asset, error)

	// PromoteFragment writes a curated fragment onto the asset record,
	// overwriting any existing fragment under the same key.
	PromoteFragment(ctx context.Context, assetID int64, key string, fragment models.Fragment) error
}
