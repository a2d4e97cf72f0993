// Package optimize provides derivative-free bounded scalar minimization.
package optimize

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidBounds = errors.New("optimize: invalid bounds")

// Objective is a scalar function of one variable.
type Objective func(x float64) float64

// Result of a bounded search.
type Result struct {
	X           float64
	Fun         float64
	Evaluations int
	Converged   bool
}

// Minimizer finds an x in [lo, hi] minimizing f to within xatol.
type Minimizer interface {
	Minimize(f Objective, lo, hi, xatol float64) (Result, error)
}

const (
	DefaultMaxEvaluations = 500

	goldenMean = 0.3819660112501051 // (3 - sqrt(5)) / 2
)

var sqrtEps = math.Sqrt(2.220446049250313e-16)

// Bounded is Brent's method restricted to a closed interval: parabolic
// interpolation steps when the fit is acceptable, golden-section steps
// otherwise. It never evaluates f outside [lo, hi] and tolerates flat or
// discontinuous regions, converging to a local minimum.
type Bounded struct {
	MaxEvaluations int
}

// NewBounded returns a Bounded with the default evaluation cap.
func NewBounded() *Bounded {
	return &Bounded{MaxEvaluations: DefaultMaxEvaluations}
}

func (b *Bounded) Minimize(f Objective, lo, hi, xatol float64) (Result, error) {
	if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) || lo > hi {
		return Result{}, fmt.Errorf("%w: [%v, %v]", ErrInvalidBounds, lo, hi)
	}
	if xatol <= 0 || math.IsNaN(xatol) {
		return Result{}, fmt.Errorf("%w: tolerance %v", ErrInvalidBounds, xatol)
	}
	maxEval := b.MaxEvaluations
	if maxEval <= 0 {
		maxEval = DefaultMaxEvaluations
	}

	a, c := lo, hi
	fulc := a + goldenMean*(c-a)
	nfc, xf := fulc, fulc
	var rat, e float64
	x := xf
	fx := f(x)
	num := 1
	fu := math.Inf(1)
	ffulc, fnfc := fx, fx
	xm := 0.5 * (a + c)
	tol1 := sqrtEps*math.Abs(xf) + xatol/3.0
	tol2 := 2.0 * tol1
	converged := true

	for math.Abs(xf-xm) > tol2-0.5*(c-a) {
		golden := true

		if math.Abs(e) > tol1 {
			golden = false
			r := (xf - nfc) * (fx - ffulc)
			q := (xf - fulc) * (fx - fnfc)
			p := (xf-fulc)*q - (xf-nfc)*r
			q = 2.0 * (q - r)
			if q > 0.0 {
				p = -p
			}
			q = math.Abs(q)
			r = e
			e = rat

			if math.Abs(p) < math.Abs(0.5*q*r) && p > q*(a-xf) && p < q*(c-xf) {
				rat = p / q
				x = xf + rat
				if (x-a) < tol2 || (c-x) < tol2 {
					rat = tol1 * signOrOne(xm-xf)
				}
			} else {
				golden = true
			}
		}

		if golden {
			if xf >= xm {
				e = a - xf
			} else {
				e = c - xf
			}
			rat = goldenMean * e
		}

		x = xf + signOrOne(rat)*math.Max(math.Abs(rat), tol1)
		fu = f(x)
		num++

		if fu <= fx {
			if x >= xf {
				a = xf
			} else {
				c = xf
			}
			fulc, ffulc = nfc, fnfc
			nfc, fnfc = xf, fx
			xf, fx = x, fu
		} else {
			if x < xf {
				a = x
			} else {
				c = x
			}
			if fu <= fnfc || nfc == xf {
				fulc, ffulc = nfc, fnfc
				nfc, fnfc = x, fu
			} else if fu <= ffulc || fulc == xf || fulc == nfc {
				fulc, ffulc = x, fu
			}
		}

		xm = 0.5 * (a + c)
		tol1 = sqrtEps*math.Abs(xf) + xatol/3.0
		tol2 = 2.0 * tol1

		if num >= maxEval {
			converged = false
			break
		}
	}

	if math.IsNaN(xf) || math.IsNaN(fx) || math.IsNaN(fu) {
		converged = false
	}
	return Result{X: math.Min(math.Max(xf, lo), hi), Fun: fx, Evaluations: num, Converged: converged}, nil
}

// signOrOne is sign(v) with sign(0) treated as +1.
func signOrOne(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
