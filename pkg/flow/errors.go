package flow

import "errors"

var (
	// ErrFlowNotTriggerable is returned when the flow exists but is not in
	// a state that accepts executions.
	ErrFlowNotTriggerable = errors.New("flow is not active")

	// ErrNoNewAssets is returned when delta resolution finds nothing to
	// process. No execution record is created in that case.
	ErrNoNewAssets = errors.New("no new assets to process")

	// ErrManualAssetsRequired is returned when a manual-input flow is
	// triggered without explicit asset ids.
	ErrManualAssetsRequired = errors.New("manual input flow requires explicit asset ids")

	// ErrInvalidInputConfig is returned when a flow's input configuration
	// cannot be resolved, for example a bundle flow without a bundle id.
	// Activation validation should make this unreachable.
	ErrInvalidInputConfig = errors.New("flow input configuration is invalid")
)
