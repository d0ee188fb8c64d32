package forecast

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/kubilitics/kubilitics-costintel/internal/analytics"
)

// Estimation methods reported by GetModelInfo.
const (
	MethodHannanRissanen = "hannan-rissanen"
	MethodYuleWalker     = "yule-walker"
	MethodConstant       = "constant"
)

// maxCoefficient keeps the fitted AR and MA terms stationary and invertible.
const maxCoefficient = 0.99

// maxCondition rejects near-singular designs.
const maxCondition = 1e12

// ARIMA represents an AutoRegressive Integrated Moving Average model
// ARIMA(p, d, q) where:
// - p: number of autoregressive terms
// - d: number of differences (for stationarity)
// - q: number of moving average terms
//
// Optional exogenous regressors turn it into a regression with ARIMA errors:
// the differenced target is regressed on the differenced regressors and the
// ARMA(p, q) part is fitted on what remains.
type ARIMA struct {
	p, d, q      int
	coefficients ARIMACoefficients
	fitted       bool
	method       string

	y      []float64   // observed levels
	exog   [][]float64 // raw regressor rows aligned with y
	keep   []int       // regressor columns with non-zero differenced variation
	w      []float64   // differenced target net of regressors
	errors []float64   // one-step residuals of the ARMA part on w
	sigma  float64     // residual standard deviation from the fit
}

// ARIMACoefficients holds the model parameters
type ARIMACoefficients struct {
	AR   []float64 // Autoregressive coefficients
	MA   []float64 // Moving average coefficients
	C    float64   // Constant term of the differenced series
	Beta []float64 // Regressor coefficients, one per kept column
}

// ForecastResult contains forecast values and confidence intervals
type ForecastResult struct {
	Values     []float64
	Lower95    []float64 // 95% confidence interval lower bound
	Upper95    []float64 // 95% confidence interval upper bound
	StdError   float64
	Confidence float64
}

// NewARIMA creates a new ARIMA model with specified parameters
func NewARIMA(p, d, q int) *ARIMA {
	return &ARIMA{p: p, d: d, q: q}
}

// Fit trains the model on timeSeries. exog is nil or has one row per point.
func (a *ARIMA) Fit(timeSeries []float64, exog [][]float64) error {
	if a.p < 0 || a.d < 0 || a.q < 0 {
		return fmt.Errorf("invalid order (%d,%d,%d)", a.p, a.d, a.q)
	}
	if exog != nil && len(exog) != len(timeSeries) {
		return fmt.Errorf("exog has %d rows, series has %d", len(exog), len(timeSeries))
	}
	if len(timeSeries) <= a.d {
		return fmt.Errorf("%d points for order (%d,%d,%d): %w", len(timeSeries), a.p, a.d, a.q, analytics.ErrInsufficientData)
	}

	a.y = append([]float64(nil), timeSeries...)
	a.exog = copyRows(exog)
	a.fitted = false

	// Apply differencing to achieve stationarity
	dy := difference(a.y, a.d)
	dx := differenceRows(a.exog, a.d)

	a.keep = nonZeroColumns(dx)
	if len(dy) <= 2*(len(a.keep)+1) {
		// too few rows to identify the regressors
		a.keep = nil
	}
	a.coefficients = ARIMACoefficients{}
	if len(a.keep) > 0 {
		beta, err := regressExog(dy, dx, a.keep)
		if err != nil {
			return err
		}
		a.coefficients.Beta = beta
	}
	w := a.netOfExog(dy, dx)

	switch {
	case variance(w) == 0:
		a.method = MethodConstant
		a.coefficients.AR = make([]float64, a.p)
		a.coefficients.MA = make([]float64, a.q)
		a.coefficients.C = w[0]
	case len(w) >= a.minHannanRissanen():
		err := a.fitHannanRissanen(w)
		if err == nil {
			a.method = MethodHannanRissanen
			break
		}
		if !errors.Is(err, analytics.ErrModelFit) {
			return err
		}
		// An exactly predictable series leaves no innovations to regress on.
		a.fitYuleWalker(w)
		a.method = MethodYuleWalker
	default:
		a.fitYuleWalker(w)
		a.method = MethodYuleWalker
	}

	a.w = w
	a.errors = a.calculateResiduals(w)
	a.sigma = rms(a.errors[min(a.p, len(a.errors)):])
	a.fitted = true
	return nil
}

// longAROrder is the order of the preliminary AR fit that supplies the
// innovation proxies.
func (a *ARIMA) longAROrder(n int) int {
	m := int(math.Round(math.Sqrt(float64(n))))
	if lo := max(a.p, a.q) + 1; m < lo {
		m = lo
	}
	return m
}

// minHannanRissanen is the shortest differenced series the two-stage
// regression is attempted on.
func (a *ARIMA) minHannanRissanen() int {
	n := 3 * (a.p + a.q + 2)
	for {
		m := a.longAROrder(n)
		// stage 1 needs n-m > m+1 rows, stage 2 needs n-m-q > p+q+1 rows
		if n-m > 2*(m+1) && n-m-a.q > 2*(a.p+a.q+1) {
			return n
		}
		n++
	}
}

// fitHannanRissanen estimates c, φ and θ in two least-squares stages: a long
// autoregression yields innovation proxies, then w is regressed on its own
// lags and the lagged proxies.
func (a *ARIMA) fitHannanRissanen(w []float64) error {
	n := len(w)
	m := a.longAROrder(n)

	// Stage 1: w_t = c + Σ π_i w_{t-i}, t = m..n-1
	rows := n - m
	x1 := mat.NewDense(rows, m+1, nil)
	y1 := mat.NewVecDense(rows, nil)
	for t := m; t < n; t++ {
		r := t - m
		x1.Set(r, 0, 1)
		for i := 1; i <= m; i++ {
			x1.Set(r, i, w[t-i])
		}
		y1.SetVec(r, w[t])
	}
	pi, err := ols(x1, y1)
	if err != nil {
		return fmt.Errorf("long autoregression: %w", err)
	}
	proxy := make([]float64, n)
	for t := m; t < n; t++ {
		pred := pi.AtVec(0)
		for i := 1; i <= m; i++ {
			pred += pi.AtVec(i) * w[t-i]
		}
		proxy[t] = w[t] - pred
	}

	// Stage 2: w_t = c + Σ φ_i w_{t-i} + Σ θ_j ê_{t-j}
	start := max(m+a.q, a.p)
	rows = n - start
	cols := 1 + a.p + a.q
	x2 := mat.NewDense(rows, cols, nil)
	y2 := mat.NewVecDense(rows, nil)
	for t := start; t < n; t++ {
		r := t - start
		x2.Set(r, 0, 1)
		for i := 1; i <= a.p; i++ {
			x2.Set(r, i, w[t-i])
		}
		for j := 1; j <= a.q; j++ {
			x2.Set(r, a.p+j, proxy[t-j])
		}
		y2.SetVec(r, w[t])
	}
	coef, err := ols(x2, y2)
	if err != nil {
		return fmt.Errorf("arma regression: %w", err)
	}

	a.coefficients.C = coef.AtVec(0)
	a.coefficients.AR = make([]float64, a.p)
	for i := 0; i < a.p; i++ {
		a.coefficients.AR[i] = clampCoefficient(coef.AtVec(1 + i))
	}
	a.coefficients.MA = make([]float64, a.q)
	for j := 0; j < a.q; j++ {
		a.coefficients.MA[j] = clampCoefficient(coef.AtVec(1 + a.p + j))
	}
	return nil
}

// fitYuleWalker is the moment estimator used for short series: AR terms from
// the Durbin-Levinson recursion on the sample ACF, the first MA term from the
// lag-1 autocorrelation of the AR residuals.
func (a *ARIMA) fitYuleWalker(w []float64) {
	acf := calculateACF(w, a.p)
	phi := durbinLevinson(acf, a.p)
	for i := range phi {
		phi[i] = clampCoefficient(phi[i])
	}

	mu := mean(w)
	sumPhi := 0.0
	for _, f := range phi {
		sumPhi += f
	}

	theta := make([]float64, a.q)
	if a.q > 0 {
		resid := make([]float64, 0, len(w))
		for t := a.p; t < len(w); t++ {
			e := w[t] - mu
			for i, f := range phi {
				e -= f * (w[t-i-1] - mu)
			}
			resid = append(resid, e)
		}
		if len(resid) > 1 && variance(resid) > 0 {
			theta[0] = invertMA1(calculateACF(resid, 1)[1])
		}
	}

	a.coefficients.AR = phi
	a.coefficients.MA = theta
	a.coefficients.C = mu * (1 - sumPhi)
}

// invertMA1 solves r = θ/(1+θ²) for the invertible root.
func invertMA1(r float64) float64 {
	if r == 0 {
		return 0
	}
	if math.Abs(r) >= 0.5 {
		return math.Copysign(maxCoefficient, r)
	}
	return clampCoefficient((1 - math.Sqrt(1-4*r*r)) / (2 * r))
}

// Extend appends observations without re-estimating the coefficients, so the
// next forecast starts after them.
func (a *ARIMA) Extend(values []float64, exog [][]float64) error {
	if !a.fitted {
		return errors.New("model not fitted")
	}
	if a.exog != nil && len(exog) != len(values) {
		return fmt.Errorf("exog has %d rows, values has %d", len(exog), len(values))
	}
	a.y = append(a.y, values...)
	if a.exog != nil {
		a.exog = append(a.exog, copyRows(exog)...)
	}
	dy := difference(a.y, a.d)
	a.w = a.netOfExog(dy, differenceRows(a.exog, a.d))
	a.errors = a.calculateResiduals(a.w)
	return nil
}

// Forecast predicts future values. futureExog supplies one regressor row per
// step; when it is shorter than steps the last row (or the last observed row)
// is held.
func (a *ARIMA) Forecast(steps int, futureExog [][]float64) (ForecastResult, error) {
	if !a.fitted {
		return ForecastResult{}, errors.New("model not fitted")
	}
	if steps <= 0 {
		return ForecastResult{}, errors.New("steps must be positive")
	}

	// ARMA recursion on the differenced, regressor-free series.
	n := len(a.w)
	w := append(append([]float64(nil), a.w...), make([]float64, steps)...)
	e := append(append([]float64(nil), a.errors...), make([]float64, steps)...)
	for h := 0; h < steps; h++ {
		t := n + h
		v := a.coefficients.C
		for i, f := range a.coefficients.AR {
			if t-i-1 >= 0 {
				v += f * w[t-i-1]
			}
		}
		for j, th := range a.coefficients.MA {
			if t-j-1 >= 0 {
				v += th * e[t-j-1]
			}
		}
		w[t] = v
	}
	diffs := w[n:]

	// Add back the regressor contribution of each step.
	if len(a.keep) > 0 {
		rows := a.futureRows(steps, futureExog)
		hist := append(copyRows(a.exog), rows...)
		dx := differenceRows(hist, a.d)
		off := len(dx) - steps
		for h := 0; h < steps; h++ {
			for k, col := range a.keep {
				diffs[h] += a.coefficients.Beta[k] * dx[off+h][col]
			}
		}
	}

	forecasts := integrate(diffs, a.y, a.d)

	// Standard error increases with forecast horizon
	z := 1.96 // 95% confidence
	lower95 := make([]float64, steps)
	upper95 := make([]float64, steps)
	for i := range forecasts {
		margin := z * a.sigma * math.Sqrt(float64(i+1))
		lower95[i] = forecasts[i] - margin
		upper95[i] = forecasts[i] + margin
	}

	return ForecastResult{
		Values:     forecasts,
		Lower95:    lower95,
		Upper95:    upper95,
		StdError:   a.sigma,
		Confidence: 0.95,
	}, nil
}

func (a *ARIMA) futureRows(steps int, futureExog [][]float64) [][]float64 {
	rows := copyRows(futureExog)
	var last []float64
	if len(rows) > 0 {
		last = rows[len(rows)-1]
	} else {
		last = a.exog[len(a.exog)-1]
	}
	for len(rows) < steps {
		rows = append(rows, append([]float64(nil), last...))
	}
	return rows[:steps]
}

// netOfExog removes the fitted regressor effect from the differenced target.
func (a *ARIMA) netOfExog(dy []float64, dx [][]float64) []float64 {
	w := append([]float64(nil), dy...)
	for k, col := range a.keep {
		for t := range w {
			w[t] -= a.coefficients.Beta[k] * dx[t][col]
		}
	}
	return w
}

// calculateResiduals computes one-step residuals with zero pre-sample values.
func (a *ARIMA) calculateResiduals(w []float64) []float64 {
	e := make([]float64, len(w))
	for t := range w {
		pred := a.coefficients.C
		for i, f := range a.coefficients.AR {
			if t-i-1 >= 0 {
				pred += f * w[t-i-1]
			}
		}
		for j, th := range a.coefficients.MA {
			if t-j-1 >= 0 {
				pred += th * e[t-j-1]
			}
		}
		e[t] = w[t] - pred
	}
	return e
}

// GetModelInfo returns information about the fitted model
func (a *ARIMA) GetModelInfo() map[string]interface{} {
	return map[string]interface{}{
		"order":       []int{a.p, a.d, a.q},
		"fitted":      a.fitted,
		"method":      a.method,
		"ar_coeffs":   a.coefficients.AR,
		"ma_coeffs":   a.coefficients.MA,
		"constant":    a.coefficients.C,
		"exog_coeffs": a.coefficients.Beta,
		"std_error":   a.sigma,
		"n_residuals": len(a.errors),
	}
}

// Coefficients returns the fitted parameters.
func (a *ARIMA) Coefficients() ARIMACoefficients { return a.coefficients }

// regressExog fits dy = c + dx[:, keep]·β by least squares and returns β.
func regressExog(dy []float64, dx [][]float64, keep []int) ([]float64, error) {
	x := mat.NewDense(len(dy), len(keep)+1, nil)
	for t := range dy {
		x.Set(t, 0, 1)
		for k, col := range keep {
			x.Set(t, k+1, dx[t][col])
		}
	}
	coef, err := ols(x, mat.NewVecDense(len(dy), append([]float64(nil), dy...)))
	if err != nil {
		return nil, fmt.Errorf("exogenous regression: %w", err)
	}
	beta := make([]float64, len(keep))
	for k := range keep {
		beta[k] = coef.AtVec(k + 1)
	}
	return beta, nil
}

// ols solves min ||x·b - y|| through the Cholesky factor of the normal
// equations. A singular or badly conditioned design is ErrModelFit.
func ols(x *mat.Dense, y *mat.VecDense) (*mat.VecDense, error) {
	r, c := x.Dims()
	if r < c {
		return nil, fmt.Errorf("%d rows for %d parameters: %w", r, c, analytics.ErrModelFit)
	}
	var xtx mat.SymDense
	xtx.SymOuterK(1, x.T())

	var chol mat.Cholesky
	if ok := chol.Factorize(&xtx); !ok {
		return nil, fmt.Errorf("singular design: %w", analytics.ErrModelFit)
	}
	if cond := chol.Cond(); cond > maxCondition || math.IsInf(cond, 0) || math.IsNaN(cond) {
		return nil, fmt.Errorf("ill-conditioned design (cond %.3g): %w", cond, analytics.ErrModelFit)
	}

	var xty mat.VecDense
	xty.MulVec(x.T(), y)
	var b mat.VecDense
	if err := chol.SolveVecTo(&b, &xty); err != nil {
		return nil, fmt.Errorf("solve normal equations: %v: %w", err, analytics.ErrModelFit)
	}
	return &b, nil
}

// durbinLevinson solves the Yule-Walker equations for AR(p) from the ACF.
func durbinLevinson(acf []float64, p int) []float64 {
	phi := make([]float64, p)
	if p == 0 {
		return phi
	}
	prev := make([]float64, p)
	v := 1.0
	for k := 1; k <= p && k < len(acf); k++ {
		num := acf[k]
		for j := 1; j < k; j++ {
			num -= prev[j-1] * acf[k-j]
		}
		if v == 0 {
			break
		}
		kk := num / v
		phi[k-1] = kk
		for j := 1; j < k; j++ {
			phi[j-1] = prev[j-1] - kk*prev[k-j-1]
		}
		v *= 1 - kk*kk
		copy(prev, phi)
	}
	return phi
}

// difference applies differencing to make series stationary
func difference(series []float64, order int) []float64 {
	out := append([]float64(nil), series...)
	for k := 0; k < order; k++ {
		if len(out) < 2 {
			return nil
		}
		next := make([]float64, len(out)-1)
		for i := 1; i < len(out); i++ {
			next[i-1] = out[i] - out[i-1]
		}
		out = next
	}
	return out
}

func differenceRows(rows [][]float64, order int) [][]float64 {
	if rows == nil {
		return nil
	}
	out := copyRows(rows)
	for k := 0; k < order; k++ {
		if len(out) < 2 {
			return nil
		}
		next := make([][]float64, len(out)-1)
		for i := 1; i < len(out); i++ {
			row := make([]float64, len(out[i]))
			for j := range row {
				row[j] = out[i][j] - out[i-1][j]
			}
			next[i-1] = row
		}
		out = next
	}
	return out
}

// integrate undoes order differences of the forecast steps, anchoring each
// level at the last observed value of that level.
func integrate(diffs, levels []float64, order int) []float64 {
	out := append([]float64(nil), diffs...)
	for k := order - 1; k >= 0; k-- {
		lvl := difference(levels, k)
		last := lvl[len(lvl)-1]
		for i := range out {
			last += out[i]
			out[i] = last
		}
	}
	return out
}

func nonZeroColumns(rows [][]float64) []int {
	if len(rows) == 0 {
		return nil
	}
	var keep []int
	for j := range rows[0] {
		for _, r := range rows {
			if r[j] != 0 {
				keep = append(keep, j)
				break
			}
		}
	}
	return keep
}

// calculateACF computes autocorrelation function
func calculateACF(series []float64, maxLag int) []float64 {
	n := len(series)
	mu := mean(series)

	// Variance
	v := 0.0
	for _, x := range series {
		v += (x - mu) * (x - mu)
	}
	v /= float64(n)

	acf := make([]float64, maxLag+1)
	acf[0] = 1.0
	if v == 0 {
		return acf
	}
	for lag := 1; lag <= maxLag && lag < n; lag++ {
		covariance := 0.0
		for i := lag; i < n; i++ {
			covariance += (series[i] - mu) * (series[i-lag] - mu)
		}
		covariance /= float64(n)
		acf[lag] = covariance / v
	}
	return acf
}

func clampCoefficient(v float64) float64 {
	return math.Max(-maxCoefficient, math.Min(maxCoefficient, v))
}

func mean(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range series {
		sum += v
	}
	return sum / float64(len(series))
}

func variance(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	mu := mean(series)
	s := 0.0
	for _, v := range series {
		s += (v - mu) * (v - mu)
	}
	return s / float64(len(series))
}

func rms(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	s := 0.0
	for _, v := range series {
		s += v * v
	}
	return math.Sqrt(s / float64(len(series)))
}

func copyRows(rows [][]float64) [][]float64 {
	if rows == nil {
		return nil
	}
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = append([]float64(nil), r...)
	}
	return out
}
