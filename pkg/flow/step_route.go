package flow

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/openintel/flowd/pkg/models"
	"github.com/openintel/flowd/pkg/protocol"
)

// runRoute places the working set into destination bundles. Unconditional
// bundle ids receive the whole set; conditions are evaluated per asset,
// first match wins, with an optional else branch. Routing never narrows
// the working set.
func (e *StepEngine) runRoute(ctx context.Context, step *models.FlowStep, state *runState) (models.StepOutput, error) {
	output := models.StepOutput{PassedAssetIDs: slices.Clone(state.workingSet)}

	if len(state.workingSet) == 0 {
		return output, nil
	}

	// destination bundle -> assets to add, insertion order preserved for
	// deterministic step output.
	placements := make(map[string][]int64)
	destinations := make([]string, 0, len(step.Route.BundleIDs))

	addPlacement := func(bundleID string, assetID int64) {
		if _, ok := placements[bundleID]; !ok {
			destinations = append(destinations, bundleID)
		}

		placements[bundleID] = append(placements[bundleID], assetID)
	}

	for _, bundleID := range step.Route.BundleIDs {
		for _, assetID := range state.workingSet {
			addPlacement(bundleID, assetID)
		}
	}

	assetErrors := make(map[int64]string)

	if len(step.Route.Conditions) > 0 {
		for _, assetID := range state.workingSet {
			fields, err := e.filterContext(ctx, state, assetID)
			if err != nil {
				if errors.Is(err, protocol.ErrAssetNotFound) {
					assetErrors[assetID] = "asset no longer exists"

					continue
				}

				return output, err
			}

			for _, cond := range step.Route.Conditions {
				matched := cond.Else && cond.If == nil
				if cond.If != nil {
					matched = cond.If.Evaluate(fields)
				}

				if matched {
					addPlacement(cond.BundleID, assetID)

					break
				}
			}
		}
	}

	for _, bundleID := range destinations {
		assetIDs := placements[bundleID]

		if err := e.bundles.AddAssetsToBundle(ctx, bundleID, assetIDs); err != nil {
			return output, fmt.Errorf("failed to route %d assets to bundle %s: %w", len(assetIDs), bundleID, err)
		}

		output.RoutedCount += len(assetIDs)
	}

	output.BundleIDs = destinations
	output.AssetErrors = sortedAssetErrors(assetErrors)

	return output, nil
}
