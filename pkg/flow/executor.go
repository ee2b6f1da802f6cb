package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/openintel/flowd/pkg/models"
	"github.com/openintel/flowd/pkg/protocol"
)

const assetFetchConcurrency = 8

// StepEngine runs a flow's step pipeline over a working set of asset ids.
// Steps only narrow or transform the set; nothing a step does can add
// assets that were not in the input delta.
type StepEngine struct {
	annotator protocol.Annotator
	assets    protocol.AssetStore
	bundles   protocol.BundleStore
	logger    *slog.Logger
}

func NewStepEngine(
	annotator protocol.Annotator,
	assets protocol.AssetStore,
	bundles protocol.BundleStore,
	logger *slog.Logger,
) *StepEngine {
	return &StepEngine{
		annotator: annotator,
		assets:    assets,
		bundles:   bundles,
		logger:    logger.With("module", "step_engine"),
	}
}

// RunResult is the outcome of running the full pipeline.
type RunResult struct {
	StepOutputs []models.StepOutput

	// OutputAssetIDs is the working set after the last completed step.
	OutputAssetIDs []int64

	// FailedStepIndex is the index of the step that failed, or -1.
	FailedStepIndex int
	Err             error
}

// CommittedSideEffects reports whether a step completed before the failure
// that wrote outside the engine: an annotation run, fragment promotion, or
// bundle routing. Filter steps only narrow the working set. The failing
// step's own partial writes do not count; bundle adds and fragment
// promotions are idempotent, so redelivering them is safe.
func (r *RunResult) CommittedSideEffects() bool {
	for i, output := range r.StepOutputs {
		if i == r.FailedStepIndex {
			break
		}

		switch output.Type {
		case models.StepTypeAnnotate, models.StepTypeCurate, models.StepTypeRoute:
			return true
		}
	}

	return false
}

// runState carries per-execution state between steps: the cached asset
// projections and the annotation values accumulated from every annotate
// step so far. Later annotate runs overwrite earlier values per field.
type runState struct {
	workingSet []int64

	assets map[int64]*models.Asset

	// values[assetID][field] and fieldRuns[assetID][field] track merged
	// annotation outputs and which run produced each field.
	values    map[int64]map[string]any
	fieldRuns map[int64]map[string]string
}

func newRunState(inputIDs []int64) *runState {
	return &runState{
		workingSet: slices.Clone(inputIDs),
		assets:     make(map[int64]*models.Asset),
		values:     make(map[int64]map[string]any),
		fieldRuns:  make(map[int64]map[string]string),
	}
}

func (s *runState) mergeAnnotations(runID string, byAsset map[int64]map[string]any) {
	for assetID, fields := range byAsset {
		if s.values[assetID] == nil {
			s.values[assetID] = make(map[string]any)
			s.fieldRuns[assetID] = make(map[string]string)
		}

		for field, value := range fields {
			s.values[assetID][field] = value
			s.fieldRuns[assetID][field] = runID
		}
	}
}

// Run executes the pipeline in order. A step failure stops the pipeline;
// the caller decides the execution's terminal status from FailedStepIndex.
func (e *StepEngine) Run(ctx context.Context, flow *models.Flow, inputIDs []int64) *RunResult {
	state := newRunState(inputIDs)

	result := &RunResult{
		StepOutputs:     make([]models.StepOutput, 0, len(flow.Steps)),
		FailedStepIndex: -1,
	}

	for i, step := range flow.Steps {
		stepLogger := e.logger.With("flow_id", flow.ID, "step_id", step.ID, "step_type", step.Type)
		stepLogger.InfoContext(ctx, "Running step", "working_set", len(state.workingSet))

		var (
			output models.StepOutput
			err    error
		)

		switch step.Type {
		case models.StepTypeAnnotate:
			output, err = e.runAnnotate(ctx, step, state)
		case models.StepTypeFilter:
			output, err = e.runFilter(ctx, step, state)
		case models.StepTypeCurate:
			output, err = e.runCurate(ctx, flow, step, state)
		case models.StepTypeRoute:
			output, err = e.runRoute(ctx, step, state)
		default:
			err = fmt.Errorf("%w: %q", models.ErrStepTypeUnknown, step.Type)
			output = models.StepOutput{StepID: step.ID, Type: step.Type}
		}

		output.StepID = step.ID
		output.Type = step.Type

		if err != nil {
			stepLogger.ErrorContext(ctx, "Step failed", "error", err)

			output.Error = err.Error()
			result.StepOutputs = append(result.StepOutputs, output)
			result.FailedStepIndex = i
			result.Err = err
			result.OutputAssetIDs = []int64{}

			return result
		}

		state.workingSet = output.PassedAssetIDs
		result.StepOutputs = append(result.StepOutputs, output)

		if len(state.workingSet) == 0 {
			stepLogger.InfoContext(ctx, "Working set empty, remaining steps are no-ops")
		}
	}

	result.OutputAssetIDs = state.workingSet

	return result
}

// fetchAssets loads the asset projections for ids not yet cached, with
// bounded concurrency. Missing assets are reported per id so a deleted
// asset degrades to a per-asset error instead of failing the step.
func (e *StepEngine) fetchAssets(ctx context.Context, state *runState, ids []int64) map[int64]error {
	missing := make([]int64, 0, len(ids))

	for _, id := range ids {
		if _, ok := state.assets[id]; !ok {
			missing = append(missing, id)
		}
	}

	if len(missing) == 0 {
		return nil
	}

	type fetchResult struct {
		id    int64
		asset *models.Asset
		err   error
	}

	workers := assetFetchConcurrency
	if len(missing) < workers {
		workers = len(missing)
	}

	work := make(chan int64)
	results := make(chan fetchResult)

	var wg sync.WaitGroup

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for id := range work {
				asset, err := e.assets.GetAsset(ctx, id)
				results <- fetchResult{id: id, asset: asset, err: err}
			}
		}()
	}

	go func() {
		for _, id := range missing {
			work <- id
		}

		close(work)
		wg.Wait()
		close(results)
	}()

	failures := make(map[int64]error)

	for res := range results {
		if res.err != nil {
			failures[res.id] = res.err

			continue
		}

		state.assets[res.id] = res.asset
	}

	return failures
}

// filterContext builds the evaluation context for one asset, or reports
// why it could not be built.
func (e *StepEngine) filterContext(ctx context.Context, state *runState, assetID int64) (map[string]any, error) {
	asset, ok := state.assets[assetID]
	if !ok {
		var err error

		asset, err = e.assets.GetAsset(ctx, assetID)
		if err != nil {
			if errors.Is(err, protocol.ErrAssetNotFound) {
				return nil, err
			}

			return nil, fmt.Errorf("failed to load asset %d: %w", assetID, err)
		}

		state.assets[assetID] = asset
	}

	return asset.FilterContext(state.values[assetID]), nil
}

func sortedAssetErrors(errs map[int64]string) []models.AssetError {
	if len(errs) == 0 {
		return nil
	}

	out := make([]models.AssetError, 0, len(errs))
	for id, msg := range errs {
		out = append(out, models.AssetError{AssetID: id, Message: msg})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })

	return out
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
