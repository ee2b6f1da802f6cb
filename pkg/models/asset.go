package models

import "time"

// Asset is the engine's read view of an asset record, owned by the
// ingestion subsystem. Flows reference assets by id; this projection
// exists to build filter contexts and to receive curated fragments.
type Asset struct {
	ID               int64          `json:"id"`
	Title            string         `json:"title"`
	Kind             string         `json:"kind"`
	URL              string         `json:"url,omitempty"`
	SourceID         *string        `json:"source_id,omitempty"`
	SourceIdentifier string         `json:"source_identifier,omitempty"`
	TextContent      string         `json:"text_content,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	SourceMetadata   map[string]any `json:"source_metadata,omitempty"`

	// Fragments hold values promoted by CURATE steps, keyed by field name.
	Fragments map[string]Fragment `json:"fragments,omitempty"`

	IngestedAt time.Time `json:"ingested_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Fragment is one curated value on an asset, namespaced by the execution
// that promoted it. Re-curating the same key overwrites.
type Fragment struct {
	Value           any       `json:"value"`
	SourceRef       string    `json:"source_ref"`
	AnnotationRunID string    `json:"annotation_run_id,omitempty"`
	CuratedAt       time.Time `json:"curated_at"`
}

// AssetArrival is one asset produced by a watched source, used by the
// delta resolver to compute watermark deltas.
type AssetArrival struct {
	AssetID    int64     `json:"asset_id"`
	IngestedAt time.Time `json:"ingested_at"`
}

// FilterContext flattens an asset and its annotation values into the field
// map evaluated by filter expressions.
func (a *Asset) FilterContext(annotationValues map[string]any) map[string]any {
	ctx := map[string]any{
		"asset_id":          a.ID,
		"title":             a.Title,
		"kind":              a.Kind,
		"url":               a.URL,
		"source_identifier": a.SourceIdentifier,
		"text_content":      a.TextContent,
		"text_length":       len(a.TextContent),
		"ingested_at":       a.IngestedAt.UTC().Format(time.RFC3339),
	}

	if a.SourceID != nil {
		ctx["source_id"] = *a.SourceID
	}

	if len(a.Tags) > 0 {
		tags := make([]any, len(a.Tags))
		for i, t := range a.Tags {
			tags[i] = t
		}

		ctx["tags"] = tags
	}

	if a.SourceMetadata != nil {
		ctx["source_metadata"] = a.SourceMetadata
	}

	for key, frag := range a.Fragments {
		ctx[key] = frag.Value
	}

	for key, value := range annotationValues {
		ctx[key] = value
	}

	return ctx
}
