package trader

import (
	"context"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/rebalancer/internal/metrics"
	"github.com/gregtusar/rebalancer/pkg/ledger"
	"github.com/gregtusar/rebalancer/pkg/models"
	"github.com/gregtusar/rebalancer/pkg/wad"
)

// PenaltyShape decides how an infeasible amount is scored. Every shape slopes
// toward the feasible side so the bounded search can walk back to it.
type PenaltyShape int

const (
	// PenaltyAdditive scores base + amount: asking for less is better.
	PenaltyAdditive PenaltyShape = iota
	// PenaltySubtractive scores base - amount: asking for more is better.
	PenaltySubtractive
	// PenaltyDivisive scores base / amount: asking for more is better. No
	// action selects it today; it is kept for simulations bounded by a
	// leverage target, where the penalty should flatten as the amount grows.
	PenaltyDivisive
)

func (s PenaltyShape) String() string {
	switch s {
	case PenaltyAdditive:
		return "additive"
	case PenaltySubtractive:
		return "subtractive"
	case PenaltyDivisive:
		return "divisive"
	default:
		return "unknown"
	}
}

// CostFunction turns a simulated trade into a minimization objective over
// raw (10^18-scaled) amounts. It returns -profit when the simulation is
// feasible and a finite penalty otherwise; it never fails.
type CostFunction struct {
	gateway  ledger.Gateway
	action   models.Action
	boundary wad.Wad
	caller   common.Address
	base     wad.Wad
	shape    PenaltyShape
	logger   *logrus.Entry
	metrics  *metrics.Metrics

	evaluations int
	seen        map[float64]evaluation
}

// evaluation is the exact cost behind one float sample.
type evaluation struct {
	amount wad.Wad
	cost   wad.Wad
}

// Cost scores one raw amount. Policy.search closes over ctx to hand it to
// the optimizer as an Objective.
func (c *CostFunction) Cost(ctx context.Context, amount float64) float64 {
	w := rawFromFloat(amount)
	if w.Sign() < 0 {
		w = wad.Zero()
	}
	cost := c.evaluate(ctx, w)
	c.evaluations++
	if c.seen == nil {
		c.seen = make(map[float64]evaluation)
	}
	c.seen[amount] = evaluation{amount: w, cost: cost}
	return rawFloat(cost)
}

// Lookup returns the exact amount and cost sampled at x.
func (c *CostFunction) Lookup(x float64) (amount, cost wad.Wad, ok bool) {
	ev, ok := c.seen[x]
	return ev.amount, ev.cost, ok
}

func (c *CostFunction) evaluate(ctx context.Context, w wad.Wad) wad.Wad {
	res, err := c.gateway.Simulate(ctx, models.CallRequest{
		Action:   c.action,
		Amount:   w,
		Boundary: c.boundary,
		Caller:   c.caller,
	})
	switch {
	case err != nil:
		c.metrics.Simulations.WithLabelValues(string(c.action), "error").Inc()
		c.logger.WithError(err).WithField("amount", w.Round4()).Debug("Simulation call failed")
	case !res.Feasible:
		c.metrics.Simulations.WithLabelValues(string(c.action), "infeasible").Inc()
		c.logger.WithFields(logrus.Fields{
			"amount": w.Round4(),
			"reason": res.Reason,
		}).Debug("Simulation infeasible")
	default:
		c.metrics.Simulations.WithLabelValues(string(c.action), "feasible").Inc()
		c.logger.WithFields(logrus.Fields{
			"amount": w.Round4(),
			"profit": res.Profit.Round4(),
		}).Debug("Simulation")
		return res.Profit.Neg()
	}

	penalty := c.penalty(w)
	c.logger.WithFields(logrus.Fields{
		"amount":  w.Round4(),
		"penalty": penalty.Round4(),
		"shape":   c.shape.String(),
	}).Debug("Penalized amount")
	return penalty
}

// Evaluations is the number of Cost calls so far.
func (c *CostFunction) Evaluations() int { return c.evaluations }

func (c *CostFunction) penalty(amount wad.Wad) wad.Wad {
	switch c.shape {
	case PenaltySubtractive:
		return c.base.Sub(amount)
	case PenaltyDivisive:
		if amount.IsZero() {
			// base / smallest unit: worse than any non-zero request.
			q, _ := c.base.Div(wad.Unit())
			return q
		}
		q, _ := c.base.Div(amount)
		return q
	default:
		return c.base.Add(amount)
	}
}

// rawFloat is the scaled integer as float64, the optimizer's unit.
func rawFloat(w wad.Wad) float64 {
	f, _ := new(big.Float).SetInt(w.Raw()).Float64()
	return f
}

// rawFromFloat truncates a raw float back to a Wad.
func rawFromFloat(f float64) wad.Wad {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return wad.Zero()
	}
	i, _ := big.NewFloat(f).Int(nil)
	return wad.FromRaw(i)
}
