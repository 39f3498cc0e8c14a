package arima

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

type filterResult struct {
	loglik float64
	sigma2 float64
	nobs   int
	state  []float64
}

// filter runs the Kalman filter for a zero-mean AR(p) process in companion
// form and returns the concentrated log-likelihood. The state covariance is
// kept in units of the innovation variance, which is profiled out at the end.
func filter(w []float64, phi []float64) (filterResult, error) {
	m := len(phi)
	if m == 0 {
		m = 1
	}
	a := make([]float64, m)
	p, err := stationaryCovariance(phi, m)
	if err != nil {
		return filterResult{}, err
	}

	var sumLogF, sumV2F float64
	nobs := 0
	for _, y := range w {
		f := p[0]
		if !math.IsNaN(y) {
			if f <= 0 || math.IsNaN(f) {
				return filterResult{}, fmt.Errorf("%w: non-positive prediction variance", ErrDegenerateSeries)
			}
			v := y - a[0]
			for i := 0; i < m; i++ {
				a[i] += p[i*m] / f * v
			}
			next := make([]float64, m*m)
			for i := 0; i < m; i++ {
				for j := 0; j < m; j++ {
					next[i*m+j] = p[i*m+j] - p[i*m]*p[j]/f
				}
			}
			p = next
			sumLogF += math.Log(f)
			sumV2F += v * v / f
			nobs++
		}
		a = predictState(a, phi)
		p = predictCovariance(p, phi, m)
	}
	if nobs == 0 {
		return filterResult{}, fmt.Errorf("%w: no observations", ErrInsufficientData)
	}

	sigma2 := sumV2F / float64(nobs)
	if sigma2 <= 0 {
		return filterResult{}, fmt.Errorf("%w: zero innovation variance", ErrDegenerateSeries)
	}
	n := float64(nobs)
	return filterResult{
		loglik: -0.5*n*(math.Log(2*math.Pi)+math.Log(sigma2)+1) - 0.5*sumLogF,
		sigma2: sigma2,
		nobs:   nobs,
		state:  a,
	}, nil
}

// predictState returns T·a for the companion matrix of phi.
func predictState(a []float64, phi []float64) []float64 {
	m := len(a)
	out := make([]float64, m)
	for j, c := range phi {
		out[0] += c * a[j]
	}
	for i := 1; i < m; i++ {
		out[i] = a[i-1]
	}
	return out
}

// predictCovariance returns T·P·T' + e1·e1' for a row-major m×m P.
func predictCovariance(p []float64, phi []float64, m int) []float64 {
	tp := make([]float64, m*m)
	for j := 0; j < m; j++ {
		var s float64
		for k, c := range phi {
			s += c * p[k*m+j]
		}
		tp[j] = s
	}
	for i := 1; i < m; i++ {
		copy(tp[i*m:(i+1)*m], p[(i-1)*m:i*m])
	}

	out := make([]float64, m*m)
	for i := 0; i < m; i++ {
		var s float64
		for k, c := range phi {
			s += tp[i*m+k] * c
		}
		out[i*m] = s
		for j := 1; j < m; j++ {
			out[i*m+j] = tp[i*m+j-1]
		}
	}
	out[0]++
	return out
}

// stationaryCovariance solves the discrete Lyapunov equation P = T·P·T' + e1·e1'
// for the unconditional state covariance, returned row-major.
func stationaryCovariance(phi []float64, m int) ([]float64, error) {
	t := mat.NewDense(m, m, nil)
	for j, c := range phi {
		t.Set(0, j, c)
	}
	for i := 1; i < m; i++ {
		t.Set(i, i-1, 1)
	}

	var kron mat.Dense
	kron.Kronecker(t, t)
	n := m * m
	lhs := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := -kron.At(i, j)
			if i == j {
				v++
			}
			lhs.Set(i, j, v)
		}
	}
	rhs := mat.NewVecDense(n, nil)
	rhs.SetVec(0, 1)

	var vec mat.VecDense
	if err := vec.SolveVec(lhs, rhs); err != nil {
		return nil, fmt.Errorf("%w: stationary covariance: %v", ErrDegenerateSeries, err)
	}
	return vec.RawVector().Data, nil
}
