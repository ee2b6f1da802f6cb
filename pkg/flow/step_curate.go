package flow

import (
	"context"
	"fmt"
	"slices"

	"github.com/openintel/flowd/pkg/models"
)

// runCurate promotes configured annotation fields into permanent fragments
// on the asset records. Assets without a value for a field are skipped;
// promotion failures are per-asset and do not narrow the set.
func (e *StepEngine) runCurate(ctx context.Context, flow *models.Flow, step *models.FlowStep, state *runState) (models.StepOutput, error) {
	output := models.StepOutput{PassedAssetIDs: slices.Clone(state.workingSet)}

	if len(state.workingSet) == 0 {
		return output, nil
	}

	now := nowUTC()
	sourceRef := "flow:" + flow.ID
	assetErrors := make(map[int64]string)

	for _, assetID := range state.workingSet {
		values := state.values[assetID]
		if len(values) == 0 {
			continue
		}

		for _, field := range step.Curate.Fields {
			value, ok := values[field]
			if !ok {
				continue
			}

			fragment := models.Fragment{
				Value:           value,
				SourceRef:       sourceRef,
				AnnotationRunID: state.fieldRuns[assetID][field],
				CuratedAt:       now,
			}

			if err := e.assets.PromoteFragment(ctx, assetID, field, fragment); err != nil {
				assetErrors[assetID] = fmt.Sprintf("failed to promote %q: %v", field, err)

				continue
			}

			output.PromotedCount++

			// Keep the cached projection in sync so later filter steps see
			// the promoted fragment.
			if asset, ok := state.assets[assetID]; ok {
				if asset.Fragments == nil {
					asset.Fragments = make(map[string]models.Fragment)
				}

				asset.Fragments[field] = fragment
			}
		}
	}

	output.AssetErrors = sortedAssetErrors(assetErrors)

	return output, nil
}
