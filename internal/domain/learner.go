package domain

// ParamName identifies an adaptive control parameter.
type ParamName string

const (
	ParamMinMappingConfidence ParamName = "min_mapping_confidence"
	ParamSlippageBpsBuffer    ParamName = "slippage_bps_buffer"
	ParamMaxQtyScale          ParamName = "max_qty_scale"
)

// AllParams lists the adaptive parameters in a fixed order.
var AllParams = []ParamName{
	ParamMinMappingConfidence,
	ParamSlippageBpsBuffer,
	ParamMaxQtyScale,
}

// LearnerParam is the current value of one parameter and its safety bounds.
type LearnerParam struct {
	Name  ParamName `json:"name"`
	Value float64   `json:"value"`
	Min   float64   `json:"min"`
	Max   float64   `json:"max"`
	Arm   int       `json:"arm"` // selected arm index
}

// ArmModel is the ridge regression state of one bandit arm.
type ArmModel struct {
	Param ParamName   `json:"param"`
	Arm   int         `json:"arm"`
	AInv  [][]float64 `json:"a_inv"` // inverse design matrix
	B     []float64   `json:"b"`
	Pulls int64       `json:"pulls"`
}

// LearnerState is the persisted state of the online learner.
type LearnerState struct {
	Params      []LearnerParam `json:"params"`
	Models      []ArmModel     `json:"models"`
	UpdateCount int64          `json:"update_count"`
	Seed        int64          `json:"seed"`
	LastReward  float64        `json:"last_reward"`
	RewardSum   float64        `json:"reward_sum"`
	Violations  int64          `json:"violations"` // clamped proposals so far
	UpdatedAt   int64          `json:"updated_at"`
}

// Value returns the value of a parameter, or 0 if absent.
func (s *LearnerState) Value(name ParamName) float64 {
	for _, p := range s.Params {
		if p.Name == name {
			return p.Value
		}
	}
	return 0
}

// Clone returns a deep copy.
func (s *LearnerState) Clone() *LearnerState {
	out := *s
	out.Params = append([]LearnerParam(nil), s.Params...)
	out.Models = make([]ArmModel, len(s.Models))
	for i, m := range s.Models {
		cm := m
		cm.AInv = make([][]float64, len(m.AInv))
		for r := range m.AInv {
			cm.AInv[r] = append([]float64(nil), m.AInv[r]...)
		}
		cm.B = append([]float64(nil), m.B...)
		out.Models[i] = cm
	}
	return &out
}
