package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/openintel/flowd/pkg/models"
	"github.com/openintel/flowd/pkg/protocol"
)

// BundleStore implements protocol.BundleStore over the bundles tables.
// The bundle subsystem owns these tables; the engine only uses its public
// membership semantics (flat set, idempotent add).
type BundleStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewBundleStore(db *sql.DB, logger *slog.Logger) *BundleStore {
	return &BundleStore{db: db, logger: logger}
}

// GetBundleMembers returns the bundle's asset ids sorted ascending.
func (s *BundleStore) GetBundleMembers(ctx context.Context, bundleID string) ([]int64, error) {
	var exists bool

	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM bundles WHERE id = $1)`, bundleID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check bundle: %w", err)
	}

	if !exists {
		return nil, protocol.ErrBundleNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT asset_id FROM bundle_assets WHERE bundle_id = $1 ORDER BY asset_id ASC`, bundleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bundle members: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	ids := make([]int64, 0)

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating members: %w", err)
	}

	return ids, nil
}

// AddAssetsToBundle adds assets to a bundle. Existing members are skipped.
func (s *BundleStore) AddAssetsToBundle(ctx context.Context, bundleID string, assetIDs []int64) error {
	if len(assetIDs) == 0 {
		return nil
	}

	query := `
		INSERT INTO bundle_assets (bundle_id, asset_id)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT (bundle_id, asset_id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query, bundleID, pq.Array(assetIDs))
	if err != nil {
		return fmt.Errorf("failed to add assets to bundle %s: %w", bundleID, err)
	}

	return nil
}

// SourceReader implements protocol.SourceReader over the assets table.
type SourceReader struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSourceReader(db *sql.DB, logger *slog.Logger) *SourceReader {
	return &SourceReader{db: db, logger: logger}
}

// GetSourceAssetsSince returns arrivals strictly after the watermark,
// ordered by (ingested_at, id) so resolution is stable and resumable.
func (s *SourceReader) GetSourceAssetsSince(ctx context.Context, sourceID string, watermark *time.Time) ([]models.AssetArrival, error) {
	query := `
		SELECT id, ingested_at
		FROM assets
		WHERE source_id = $1 AND ($2::timestamptz IS NULL OR ingested_at > $2)
		ORDER BY ingested_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sourceID, watermark)
	if err != nil {
		return nil, fmt.Errorf("failed to query source assets: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	arrivals := make([]models.AssetArrival, 0)

	for rows.Next() {
		var arrival models.AssetArrival
		if err := rows.Scan(&arrival.AssetID, &arrival.IngestedAt); err != nil {
			return nil, fmt.Errorf("failed to scan arrival: %w", err)
		}

		arrivals = append(arrivals, arrival)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating arrivals: %w", err)
	}

	return arrivals, nil
}

// AssetStore implements protocol.AssetStore over the assets table.
type AssetStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewAssetStore(db *sql.DB, logger *slog.Logger) *AssetStore {
	return &AssetStore{db: db, logger: logger}
}

// GetAsset returns the engine's projection of an asset.
func (s *AssetStore) GetAsset(ctx context.Context, assetID int64) (*models.Asset, error) {
	query := `
		SELECT id, title, kind, url, source_id, source_identifier,
			text_content, tags, source_metadata, fragments, ingested_at, updated_at
		FROM assets
		WHERE id = $1
	`

	var (
		asset                             models.Asset
		tagsJSON, metadataJSON, fragsJSON []byte
	)

	err := s.db.QueryRowContext(ctx, query, assetID).Scan(
		&asset.ID,
		&asset.Title,
		&asset.Kind,
		&asset.URL,
		&asset.SourceID,
		&asset.SourceIdentifier,
		&asset.TextContent,
		&tagsJSON,
		&metadataJSON,
		&fragsJSON,
		&asset.IngestedAt,
		&asset.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, protocol.ErrAssetNotFound
		}

		return nil, fmt.Errorf("failed to scan asset %d: %w", assetID, err)
	}

	if tagsJSON != nil {
		if err := json.Unmarshal(tagsJSON, &asset.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &asset.SourceMetadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal source metadata: %w", err)
		}
	}

	if fragsJSON != nil {
		if err := json.Unmarshal(fragsJSON, &asset.Fragments); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fragments: %w", err)
		}
	}

	return &asset, nil
}

// PromoteFragment merges a curated fragment into the asset's fragments,
// overwriting any previous value under the same key.
func (s *AssetStore) PromoteFragment(ctx context.Context, assetID int64, key string, fragment models.Fragment) error {
	fragmentJSON, err := json.Marshal(fragment)
	if err != nil {
		return fmt.Errorf("failed to marshal fragment: %w", err)
	}

	query := `
		UPDATE assets
		SET fragments = fragments || jsonb_build_object($2::text, $3::jsonb),
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query, assetID, key, fragmentJSON)
	if err != nil {
		return fmt.Errorf("failed to promote fragment on asset %d: %w", assetID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return protocol.ErrAssetNotFound
	}

	return nil
}
