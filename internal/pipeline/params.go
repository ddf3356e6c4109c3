package pipeline

import (
	"copy-mirror/internal/config"
	"copy-mirror/internal/learner"
)

// ParamSource supplies the adaptive parameters read at mapping and
// simulation time. *learner.Learner implements it.
type ParamSource interface {
	Params() learner.Params
}

// FixedParams is a ParamSource that never changes. SIM sweeps use it so every
// delay sees the same thresholds.
type FixedParams learner.Params

// Params implements ParamSource.
func (f FixedParams) Params() learner.Params { return learner.Params(f) }

// ParamsFromSettings returns the configured static parameters.
func ParamsFromSettings(s config.Settings) FixedParams {
	return FixedParams{
		MinMappingConfidence: s.MinMappingConfidence,
		SlippageBpsBuffer:    s.SlippageBpsBuffer,
		MaxQtyScale:          s.MaxQtyScale,
	}
}

var _ ParamSource = (*learner.Learner)(nil)
