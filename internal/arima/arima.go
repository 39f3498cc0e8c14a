// Package arima fits univariate ARIMA(p,d,0) models by exact maximum
// likelihood and produces point forecasts.
//
// The series is differenced d times, the AR(p) coefficients are started from
// a conditional least squares regression and then refined by maximising the
// exact Gaussian likelihood computed with a Kalman filter. Stationarity is
// enforced through the partial autocorrelation reparameterisation, so the
// optimiser works on an unconstrained space. No constant term is estimated.
package arima

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

var (
	// ErrInsufficientData is returned when the series is too short for the order.
	ErrInsufficientData = errors.New("arima: insufficient data")
	// ErrDegenerateSeries is returned for series the likelihood cannot be evaluated on.
	ErrDegenerateSeries = errors.New("arima: degenerate series")
	// ErrUnsupportedOrder is returned for negative orders or moving-average terms.
	ErrUnsupportedOrder = errors.New("arima: unsupported order")
)

// Order is the (p, d, q) order of an ARIMA model.
type Order struct {
	P int `yaml:"p"`
	D int `yaml:"d"`
	Q int `yaml:"q"`
}

func (o Order) String() string {
	return fmt.Sprintf("ARIMA(%d,%d,%d)", o.P, o.D, o.Q)
}

// Validate reports whether the order can be fitted by this package.
func (o Order) Validate() error {
	if o.P < 0 || o.D < 0 || o.Q < 0 {
		return fmt.Errorf("%w: %s has a negative term", ErrUnsupportedOrder, o)
	}
	if o.Q != 0 {
		return fmt.Errorf("%w: %s has moving-average terms", ErrUnsupportedOrder, o)
	}
	return nil
}

// Model is a fitted ARIMA model.
type Model struct {
	Order  Order
	AR     []float64 // AR[i] is the coefficient on lag i+1 of the differenced series
	Sigma2 float64   // innovation variance
	LogLik float64
	NObs   int // non-missing observations of the differenced series

	levels []float64 // last value of the series at each differencing level 0..d-1
	state  []float64 // one-step-ahead predicted state after the last observation
	gap    int       // trailing missing values trimmed before fitting
}

// Fit estimates an ARIMA model of the given order. NaN values are treated as
// missing observations; infinite values are rejected. Trailing missing
// values are forecast through: Forecast starts at the period after the last
// element of series, not after the last observation.
func Fit(series []float64, order Order) (*Model, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	for _, v := range series {
		if math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: series contains an infinite value", ErrDegenerateSeries)
		}
	}

	gap := 0
	for gap < len(series) && math.IsNaN(series[len(series)-1-gap]) {
		gap++
	}
	series = series[:len(series)-gap]

	w, levels, err := difference(series, order.D)
	if err != nil {
		return nil, err
	}

	nobs, allZero := 0, true
	for _, v := range w {
		if math.IsNaN(v) {
			continue
		}
		nobs++
		if v != 0 {
			allZero = false
		}
	}
	if nobs <= order.P {
		return nil, fmt.Errorf("%w: %d usable observations for %s", ErrInsufficientData, nobs, order)
	}
	if allZero {
		return nil, fmt.Errorf("%w: differenced series is identically zero", ErrDegenerateSeries)
	}

	phi := []float64{}
	if order.P > 0 {
		start, err := conditionalLeastSquares(w, order.P)
		if err != nil {
			return nil, err
		}
		phi, err = maximiseLikelihood(w, start)
		if err != nil {
			return nil, err
		}
	}

	fr, err := filter(w, phi)
	if err != nil {
		return nil, err
	}
	return &Model{
		Order:  order,
		AR:     phi,
		Sigma2: fr.sigma2,
		LogLik: fr.loglik,
		NObs:   fr.nobs,
		levels: levels,
		state:  fr.state,
		gap:    gap,
	}, nil
}

// Forecast returns point forecasts for the next steps periods on the scale
// of the undifferenced series.
func (m *Model) Forecast(steps int) []float64 {
	if steps <= 0 {
		return nil
	}
	a := append([]float64(nil), m.state...)
	out := make([]float64, m.gap+steps)
	for h := range out {
		out[h] = a[0]
		a = predictState(a, m.AR)
	}
	for k := len(m.levels) - 1; k >= 0; k-- {
		acc := m.levels[k]
		for h := range out {
			acc += out[h]
			out[h] = acc
		}
	}
	return out[m.gap:]
}

// difference applies d first differences and records the last value of each
// intermediate level, which Forecast needs to integrate back.
func difference(series []float64, d int) ([]float64, []float64, error) {
	if len(series) <= d {
		return nil, nil, fmt.Errorf("%w: %d observations, differencing order %d", ErrInsufficientData, len(series), d)
	}
	cur := series
	levels := make([]float64, d)
	for k := 0; k < d; k++ {
		last := cur[len(cur)-1]
		if math.IsNaN(last) {
			return nil, nil, fmt.Errorf("%w: series ends with a missing value", ErrInsufficientData)
		}
		levels[k] = last
		next := make([]float64, len(cur)-1)
		for i := 1; i < len(cur); i++ {
			next[i-1] = cur[i] - cur[i-1]
		}
		cur = next
	}
	return cur, levels, nil
}

// conditionalLeastSquares regresses w[t] on its p lags over the complete rows.
func conditionalLeastSquares(w []float64, p int) ([]float64, error) {
	var xs, ys []float64
	rows := 0
	for t := p; t < len(w); t++ {
		if math.IsNaN(w[t]) {
			continue
		}
		complete := true
		for j := 1; j <= p; j++ {
			if math.IsNaN(w[t-j]) {
				complete = false
				break
			}
		}
		if !complete {
			continue
		}
		for j := 1; j <= p; j++ {
			xs = append(xs, w[t-j])
		}
		ys = append(ys, w[t])
		rows++
	}
	if rows <= p {
		return nil, fmt.Errorf("%w: %d complete lag rows for AR(%d)", ErrInsufficientData, rows, p)
	}

	var beta mat.VecDense
	if err := beta.SolveVec(mat.NewDense(rows, p, xs), mat.NewVecDense(rows, ys)); err != nil {
		// Rank-deficient design; let the likelihood search start from white noise.
		return make([]float64, p), nil
	}
	return beta.RawVector().Data, nil
}

func maximiseLikelihood(w []float64, start []float64) ([]float64, error) {
	x0, ok := unconstrain(start)
	if !ok {
		x0 = make([]float64, len(start))
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			fr, err := filter(w, constrain(x))
			if err != nil || math.IsNaN(fr.loglik) {
				return math.MaxFloat64
			}
			return -fr.loglik
		},
	}
	settings := &optimize.Settings{
		FuncEvaluations: 5000,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Relative:   1e-10,
			Iterations: 200,
		},
	}
	res, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if res == nil {
		return nil, fmt.Errorf("%w: likelihood optimisation: %v", ErrDegenerateSeries, err)
	}
	if res.F == math.MaxFloat64 {
		return nil, fmt.Errorf("%w: likelihood could not be evaluated", ErrDegenerateSeries)
	}
	return constrain(res.X), nil
}
