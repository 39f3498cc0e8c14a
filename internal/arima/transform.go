package arima

import "math"

// constrain maps unconstrained reals to the coefficients of a stationary AR
// polynomial. Each x[k] becomes a partial autocorrelation in (-1, 1) and the
// Durbin-Levinson recursion turns those into AR coefficients.
func constrain(x []float64) []float64 {
	p := len(x)
	phi := make([]float64, p)
	prev := make([]float64, p)
	for k := 0; k < p; k++ {
		r := x[k] / math.Sqrt(1+x[k]*x[k])
		copy(prev, phi)
		for i := 0; i < k; i++ {
			phi[i] = prev[i] - r*prev[k-1-i]
		}
		phi[k] = r
	}
	return phi
}

// unconstrain inverts constrain. It reports false when phi is not stationary.
func unconstrain(phi []float64) ([]float64, bool) {
	p := len(phi)
	x := make([]float64, p)
	cur := append([]float64(nil), phi...)
	for k := p - 1; k >= 0; k-- {
		r := cur[k]
		if math.IsNaN(r) || math.Abs(r) >= 1 {
			return nil, false
		}
		x[k] = r / math.Sqrt(1-r*r)
		prev := make([]float64, k)
		for i := 0; i < k; i++ {
			prev[i] = (cur[i] + r*cur[k-1-i]) / (1 - r*r)
		}
		cur = prev
	}
	return x, true
}
