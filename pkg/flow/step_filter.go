package flow

import (
	"context"
	"errors"
	"slices"

	"github.com/openintel/flowd/pkg/models"
	"github.com/openintel/flowd/pkg/protocol"
)

// runFilter narrows the working set to assets whose context satisfies the
// expression. An asset whose context cannot be built is rejected and
// recorded, never silently passed.
func (e *StepEngine) runFilter(ctx context.Context, step *models.FlowStep, state *runState) (models.StepOutput, error) {
	output := models.StepOutput{}

	if len(state.workingSet) == 0 {
		output.PassedAssetIDs = []int64{}

		return output, nil
	}

	expression := step.Filter.Expression
	if expression == nil {
		output.PassedAssetIDs = slices.Clone(state.workingSet)
		output.Passed = len(state.workingSet)

		return output, nil
	}

	// Deleted assets fall through to the per-asset rejection below; any
	// other storage error fails the step.
	for _, err := range e.fetchAssets(ctx, state, state.workingSet) {
		if !errors.Is(err, protocol.ErrAssetNotFound) {
			return output, err
		}
	}

	passed := make([]int64, 0, len(state.workingSet))
	assetErrors := make(map[int64]string)

	for _, assetID := range state.workingSet {
		asset, ok := state.assets[assetID]
		if !ok {
			assetErrors[assetID] = "asset no longer exists"

			continue
		}

		if expression.Evaluate(asset.FilterContext(state.values[assetID])) {
			passed = append(passed, assetID)
		}
	}

	output.PassedAssetIDs = passed
	output.Passed = len(passed)
	output.Rejected = len(state.workingSet) - len(passed)
	output.AssetErrors = sortedAssetErrors(assetErrors)

	return output, nil
}
