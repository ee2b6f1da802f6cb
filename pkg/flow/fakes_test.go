package flow

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/openintel/flowd/pkg/models"
	"github.com/openintel/flowd/pkg/protocol"
)

type fakeBundleStore struct {
	mu      sync.Mutex
	members map[string][]int64
	added   map[string][]int64
	addErr  error
}

func newFakeBundleStore() *fakeBundleStore {
	return &fakeBundleStore{
		members: make(map[string][]int64),
		added:   make(map[string][]int64),
	}
}

func (f *fakeBundleStore) GetBundleMembers(_ context.Context, bundleID string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	members, ok := f.members[bundleID]
	if !ok {
		return nil, protocol.ErrBundleNotFound
	}

	out := slices.Clone(members)
	slices.Sort(out)

	return out, nil
}

func (f *fakeBundleStore) AddAssetsToBundle(_ context.Context, bundleID string, assetIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.addErr != nil {
		return f.addErr
	}

	f.added[bundleID] = append(f.added[bundleID], assetIDs...)

	return nil
}

type fakeSourceReader struct {
	arrivals map[string][]models.AssetArrival
}

func newFakeSourceReader() *fakeSourceReader {
	return &fakeSourceReader{arrivals: make(map[string][]models.AssetArrival)}
}

func (f *fakeSourceReader) GetSourceAssetsSince(_ context.Context, sourceID string, watermark *time.Time) ([]models.AssetArrival, error) {
	arrivals, ok := f.arrivals[sourceID]
	if !ok {
		return nil, protocol.ErrSourceNotFound
	}

	var out []models.AssetArrival

	for _, a := range arrivals {
		if watermark == nil || a.IngestedAt.After(*watermark) {
			out = append(out, a)
		}
	}

	return out, nil
}

type fakeAssetStore struct {
	mu       sync.Mutex
	assets   map[int64]*models.Asset
	promoted map[int64]map[string]models.Fragment

	getErr     error
	promoteErr error
}

func newFakeAssetStore(assets ...*models.Asset) *fakeAssetStore {
	store := &fakeAssetStore{
		assets:   make(map[int64]*models.Asset),
		promoted: make(map[int64]map[string]models.Fragment),
	}
	for _, a := range assets {
		store.assets[a.ID] = a
	}

	return store
}

func (f *fakeAssetStore) GetAsset(_ context.Context, assetID int64) (*models.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.getErr != nil {
		return nil, f.getErr
	}

	asset, ok := f.assets[assetID]
	if !ok {
		return nil, protocol.ErrAssetNotFound
	}

	clone := *asset

	return &clone, nil
}

func (f *fakeAssetStore) PromoteFragment(_ context.Context, assetID int64, key string, fragment models.Fragment) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.promoteErr != nil {
		return f.promoteErr
	}

	if _, ok := f.assets[assetID]; !ok {
		return protocol.ErrAssetNotFound
	}

	if f.promoted[assetID] == nil {
		f.promoted[assetID] = make(map[string]models.Fragment)
	}

	f.promoted[assetID][key] = fragment

	return nil
}

// fakeAnnotator returns one run per call; per-asset failures and value maps
// are configured up front. Calls are recorded for assertion.
type fakeAnnotator struct {
	mu    sync.Mutex
	calls int

	failAssets map[int64]string
	values     map[int64]map[string]any

	runErr    error
	valuesErr error
}

func newFakeAnnotator() *fakeAnnotator {
	return &fakeAnnotator{
		failAssets: make(map[int64]string),
		values:     make(map[int64]map[string]any),
	}
}

func (f *fakeAnnotator) AnnotateAssets(_ context.Context, _ []string, assetIDs []int64, _ map[string]any) (*protocol.AnnotationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.runErr != nil {
		return nil, f.runErr
	}

	f.calls++
	run := &protocol.AnnotationRun{
		RunID:  fmt.Sprintf("run-%d", f.calls),
		Status: "completed",
	}

	for _, id := range assetIDs {
		outcome := protocol.AnnotationOutcome{AssetID: id, OK: true}
		if msg, failed := f.failAssets[id]; failed {
			outcome.OK = false
			outcome.Error = msg
		}

		run.Results = append(run.Results, outcome)
	}

	return run, nil
}

func (f *fakeAnnotator) AnnotationValues(_ context.Context, _ string, assetIDs []int64) (map[int64]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.valuesErr != nil {
		return nil, f.valuesErr
	}

	out := make(map[int64]map[string]any)

	for _, id := range assetIDs {
		if values, ok := f.values[id]; ok {
			out[id] = values
		}
	}

	return out, nil
}
