package flow

import (
	"context"
	"fmt"
	"slices"

	"github.com/openintel/flowd/pkg/models"
)

// runAnnotate invokes the annotation service over the working set with the
// step's schemas. The set is never narrowed: per-asset annotation failures
// are recorded and the asset continues downstream without values for the
// failed fields.
func (e *StepEngine) runAnnotate(ctx context.Context, step *models.FlowStep, state *runState) (models.StepOutput, error) {
	output := models.StepOutput{PassedAssetIDs: slices.Clone(state.workingSet)}

	if len(state.workingSet) == 0 {
		return output, nil
	}

	run, err := e.annotator.AnnotateAssets(ctx, step.Annotate.SchemaIDs, state.workingSet, step.Annotate.Configuration)
	if err != nil {
		return output, fmt.Errorf("annotation run failed: %w", err)
	}

	output.RunID = run.RunID
	output.RunStatus = run.Status

	assetErrors := make(map[int64]string)
	succeeded := make([]int64, 0, len(run.Results))

	for _, res := range run.Results {
		if res.OK {
			succeeded = append(succeeded, res.AssetID)
		} else {
			assetErrors[res.AssetID] = res.Error
		}
	}

	output.SucceededCnt = len(succeeded)
	output.FailedCnt = len(assetErrors)

	if len(succeeded) > 0 {
		values, err := e.annotator.AnnotationValues(ctx, run.RunID, succeeded)
		if err != nil {
			return output, fmt.Errorf("failed to fetch annotation values for run %s: %w", run.RunID, err)
		}

		state.mergeAnnotations(run.RunID, values)
	}

	output.AssetErrors = sortedAssetErrors(assetErrors)

	return output, nil
}
