package trader

import (
	"context"
	"io"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/rebalancer/internal/metrics"
	"github.com/gregtusar/rebalancer/pkg/models"
	"github.com/gregtusar/rebalancer/pkg/optimize"
	"github.com/gregtusar/rebalancer/pkg/wad"
)

var testCaller = common.HexToAddress("0x00000000000000000000000000000000000000aa")

// stubGateway serves snapshots and simulations from fields and records calls.
type stubGateway struct {
	snaps    []models.AccountSnapshot // served in order; the last one repeats
	readErrs []error                  // per read call; nil entries succeed
	reads    int

	simulate func(req models.CallRequest) (models.SimulationResult, error)
	simCalls []models.CallRequest

	execResult func(req models.CallRequest) (models.ActionResult, error)
	executed   []models.CallRequest
}

func (g *stubGateway) ReadAccount(ctx context.Context, caller common.Address) (models.AccountSnapshot, error) {
	i := g.reads
	g.reads++
	if i < len(g.readErrs) && g.readErrs[i] != nil {
		return models.AccountSnapshot{}, g.readErrs[i]
	}
	if len(g.snaps) == 0 {
		return models.AccountSnapshot{}, nil
	}
	if i >= len(g.snaps) {
		i = len(g.snaps) - 1
	}
	return g.snaps[i], nil
}

func (g *stubGateway) Simulate(ctx context.Context, req models.CallRequest) (models.SimulationResult, error) {
	g.simCalls = append(g.simCalls, req)
	if g.simulate == nil {
		return models.Infeasible("no simulation configured"), nil
	}
	return g.simulate(req)
}

func (g *stubGateway) Execute(ctx context.Context, req models.CallRequest) (models.ActionResult, error) {
	g.executed = append(g.executed, req)
	if g.execResult == nil {
		return models.ActionResult{Status: models.StatusSuccess, RealizedProfit: wad.Zero(), TxHash: "0x01"}, nil
	}
	return g.execResult(req)
}

func (g *stubGateway) executedActions() []models.Action {
	out := make([]models.Action, 0, len(g.executed))
	for _, req := range g.executed {
		out = append(out, req.Action)
	}
	return out
}

// stubOptimizer evaluates f once at a fixed point of the interval.
type stubOptimizer struct {
	// at picks the sample point from the interval bounds.
	at    func(lo, hi float64) float64
	calls []struct{ lo, hi, tol float64 }
}

func (o *stubOptimizer) Minimize(f optimize.Objective, lo, hi, xatol float64) (optimize.Result, error) {
	o.calls = append(o.calls, struct{ lo, hi, tol float64 }{lo, hi, xatol})
	x := hi
	if o.at != nil {
		x = o.at(lo, hi)
	}
	return optimize.Result{X: x, Fun: f(x), Evaluations: 1, Converged: true}, nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.DebugLevel)
	return l
}

func testMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func defaultLimits() Limits {
	return Limits{
		ProfitLimit:          wad.FromInt64(50),
		MaxTradeAmount:       wad.FromInt64(100),
		TradeAmountTolerance: wad.MustFromString("0.01"),
		MaxLeverage:          wad.FromInt64(5),
		MinFundingRate:       wad.MustFromString("-0.004"),
		PenaltyBase:          DefaultPenaltyBase,
	}
}

func newTestPolicy(t *testing.T, g *stubGateway, opt optimize.Minimizer) *Policy {
	t.Helper()
	p, err := NewPolicy(g, opt, defaultLimits(), testCaller, testLogger(), testMetrics())
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	return p
}

// fixedProfit makes every simulation feasible with the same profit.
func fixedProfit(profit wad.Wad) func(models.CallRequest) (models.SimulationResult, error) {
	return func(models.CallRequest) (models.SimulationResult, error) {
		return models.Feasible(profit), nil
	}
}

func shortSnapshot() models.AccountSnapshot {
	return models.AccountSnapshot{
		UnderlyingAssetBalance: wad.FromInt64(10),
		CollateralBalance:      wad.FromInt64(2000),
		AvailableCash:          wad.FromInt64(500),
		Position:               wad.FromInt64(-10),
		TargetLeverage:         wad.FromInt64(3),
		EffectiveLeverage:      wad.FromInt64(2),
		FundingRate:            wad.MustFromString("0.001"),
		IsReceivingFunding:     true,
	}
}
