package learner

import "copy-mirror/internal/domain"

// newArmModel returns an untrained ridge model with A = lambda * I.
func newArmModel(param domain.ParamName, arm int, lambda float64) domain.ArmModel {
	ainv := make([][]float64, featureDim)
	for i := range ainv {
		ainv[i] = make([]float64, featureDim)
		ainv[i][i] = 1 / lambda
	}
	return domain.ArmModel{
		Param: param,
		Arm:   arm,
		AInv:  ainv,
		B:     make([]float64, featureDim),
	}
}

// predict returns theta . x with theta = AInv b.
func predict(m *domain.ArmModel, x []float64) float64 {
	var out float64
	for i := range m.AInv {
		var theta float64
		for j := range m.B {
			theta += m.AInv[i][j] * m.B[j]
		}
		out += theta * x[i]
	}
	return out
}

// observe adds (x, reward) to the model using a Sherman-Morrison rank-one
// update of AInv.
func observe(m *domain.ArmModel, x []float64, reward float64) {
	n := len(x)

	ax := make([]float64, n) // AInv x
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			ax[i] += m.AInv[i][j] * x[j]
		}
	}
	xa := make([]float64, n) // x^T AInv
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			xa[j] += x[i] * m.AInv[i][j]
		}
	}
	var denom float64 = 1
	for i := 0; i < n; i++ {
		denom += x[i] * ax[i]
	}

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			m.AInv[i][j] -= ax[i] * xa[j] / denom
		}
		m.B[i] += reward * x[i]
	}
	m.Pulls++
}
