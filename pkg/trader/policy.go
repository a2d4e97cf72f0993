package trader

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/rebalancer/internal/metrics"
	"github.com/gregtusar/rebalancer/pkg/ledger"
	"github.com/gregtusar/rebalancer/pkg/models"
	"github.com/gregtusar/rebalancer/pkg/optimize"
	"github.com/gregtusar/rebalancer/pkg/wad"
)

// DefaultPenaltyBase is the magnitude of the unconstrained profit floor and
// the base of every infeasibility penalty.
var DefaultPenaltyBase = wad.FromInt64(9999999)

// Limits are the strategy parameters, fixed at startup.
type Limits struct {
	ProfitLimit          wad.Wad
	MaxTradeAmount       wad.Wad
	TradeAmountTolerance wad.Wad
	MaxLeverage          wad.Wad
	MinFundingRate       wad.Wad
	PenaltyBase          wad.Wad
}

func (l Limits) Validate() error {
	switch {
	case l.MaxTradeAmount.Sign() < 0:
		return fmt.Errorf("max trade amount must not be negative, got %s", l.MaxTradeAmount)
	case l.TradeAmountTolerance.Sign() <= 0:
		return fmt.Errorf("trade amount tolerance must be positive, got %s", l.TradeAmountTolerance)
	case l.MaxLeverage.Sign() <= 0:
		return fmt.Errorf("max leverage must be positive, got %s", l.MaxLeverage)
	case l.PenaltyBase.Sign() <= 0:
		return fmt.Errorf("penalty base must be positive, got %s", l.PenaltyBase)
	}
	return nil
}

// Decision records what one action check did.
type Decision struct {
	Action     models.Action
	Proposal   *models.TradeProposal
	Threshold  wad.Wad
	Executed   bool
	Result     *models.ActionResult
	Err        error
	SkipReason string
	// Refreshed is the account re-read after a successful execution.
	Refreshed *models.AccountSnapshot
}

// Policy evaluates the four actions against a snapshot.
type Policy struct {
	gateway   ledger.Gateway
	optimizer optimize.Minimizer
	limits    Limits
	caller    common.Address
	logger    *logrus.Logger
	metrics   *metrics.Metrics
}

func NewPolicy(gateway ledger.Gateway, optimizer optimize.Minimizer, limits Limits, caller common.Address, logger *logrus.Logger, m *metrics.Metrics) (*Policy, error) {
	if limits.PenaltyBase.IsZero() {
		limits.PenaltyBase = DefaultPenaltyBase
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	return &Policy{
		gateway:   gateway,
		optimizer: optimizer,
		limits:    limits,
		caller:    caller,
		logger:    logger,
		metrics:   m,
	}, nil
}

func (p *Policy) Limits() Limits { return p.limits }

// ProfitOpen searches [0, maxTradeAmount] and opens when the best profit
// reaches the profit limit.
func (p *Policy) ProfitOpen(ctx context.Context) Decision {
	action := models.ActionProfitOpen
	d := Decision{Action: action, Threshold: p.limits.ProfitLimit}
	log := p.entry(ctx, action)

	proposal, err := p.search(ctx, log, action, p.limits.MaxTradeAmount, p.unconstrained(), PenaltyAdditive)
	if err != nil {
		return p.fail(log, d, err)
	}
	d.Proposal = &proposal

	if proposal.ProjectedProfit.LessThan(d.Threshold) {
		return p.skip(log, d, "profit below limit")
	}
	return p.execute(ctx, log, d, proposal.Amount, d.Threshold)
}

// ProfitClose searches [0, |position|]; the threshold drops to the smallest
// unit while funding is being paid.
func (p *Policy) ProfitClose(ctx context.Context, snap models.AccountSnapshot) Decision {
	action := models.ActionProfitClose
	d := Decision{Action: action, Threshold: p.CloseThreshold(snap.FundingRate)}
	log := p.entry(ctx, action)
	if !snap.HasPosition() {
		return p.skip(log, d, "no position")
	}

	proposal, err := p.search(ctx, log, action, snap.Position.Abs(), p.unconstrained(), PenaltyAdditive)
	if err != nil {
		return p.fail(log, d, err)
	}
	d.Proposal = &proposal

	if proposal.ProjectedProfit.LessThan(d.Threshold) {
		return p.skip(log, d, "profit below close limit")
	}
	return p.execute(ctx, log, d, proposal.Amount, d.Threshold)
}

// CloseThreshold is the profit a close must reach for a given funding rate.
func (p *Policy) CloseThreshold(fundingRate wad.Wad) wad.Wad {
	if fundingRate.Sign() <= 0 {
		return wad.Unit()
	}
	return p.limits.ProfitLimit
}

// DeleverageClose runs once effective leverage reaches maxLeverage and
// executes whatever amount the search finds.
func (p *Policy) DeleverageClose(ctx context.Context, snap models.AccountSnapshot) Decision {
	action := models.ActionDeleverageClose
	d := Decision{Action: action, Threshold: p.limits.MaxLeverage}
	log := p.entry(ctx, action)
	if !snap.HasPosition() {
		return p.skip(log, d, "no position")
	}
	if snap.EffectiveLeverage.LessThan(p.limits.MaxLeverage) {
		log.WithFields(logrus.Fields{
			"effective_leverage": snap.EffectiveLeverage.Round4(),
			"max_leverage":       p.limits.MaxLeverage.Round4(),
		}).Info("No need to deleverage")
		return p.skip(log, d, "leverage below max")
	}

	proposal, err := p.search(ctx, log, action, snap.Position.Abs(), p.limits.MaxLeverage, PenaltySubtractive)
	if err != nil {
		return p.fail(log, d, err)
	}
	d.Proposal = &proposal
	return p.execute(ctx, log, d, proposal.Amount, p.limits.MaxLeverage)
}

// AllClose closes the whole position once funding falls to the floor.
func (p *Policy) AllClose(ctx context.Context, snap models.AccountSnapshot) Decision {
	action := models.ActionAllClose
	d := Decision{Action: action, Threshold: p.limits.MinFundingRate}
	log := p.entry(ctx, action)
	if !snap.HasPosition() {
		return p.skip(log, d, "no position")
	}
	if snap.FundingRate.GreaterThan(p.limits.MinFundingRate) {
		log.WithFields(logrus.Fields{
			"funding_rate":     percent(snap.FundingRate),
			"min_funding_rate": percent(p.limits.MinFundingRate),
		}).Info("No need to close all")
		return p.skip(log, d, "funding above floor")
	}
	return p.execute(ctx, log, d, snap.Position.Abs(), p.limits.MinFundingRate)
}

func (p *Policy) search(ctx context.Context, log *logrus.Entry, action models.Action, hi, boundary wad.Wad, shape PenaltyShape) (models.TradeProposal, error) {
	cost := &CostFunction{
		gateway:  p.gateway,
		action:   action,
		boundary: boundary,
		caller:   p.caller,
		base:     p.limits.PenaltyBase,
		shape:    shape,
		logger:   log,
		metrics:  p.metrics,
	}
	objective := func(x float64) float64 { return cost.Cost(ctx, x) }
	res, err := p.optimizer.Minimize(objective, 0, rawFloat(hi), rawFloat(p.limits.TradeAmountTolerance))
	if err != nil {
		return models.TradeProposal{}, fmt.Errorf("optimize %s: %w", action, err)
	}

	amount, profit := rawFromFloat(res.X), rawFromFloat(-res.Fun)
	if exactAmount, exactCost, ok := cost.Lookup(res.X); ok {
		amount, profit = exactAmount, exactCost.Neg()
	}
	proposal := models.TradeProposal{
		Amount:          wad.Min(wad.Max(amount, wad.Zero()), hi),
		ProjectedProfit: profit,
		Evaluations:     cost.Evaluations(),
	}
	p.metrics.ProjectedProfit.WithLabelValues(string(action)).Set(proposal.ProjectedProfit.Float64())
	log.WithFields(logrus.Fields{
		"best_amount": proposal.Amount.Round4(),
		"max_profit":  proposal.ProjectedProfit.Round4(),
		"evaluations": proposal.Evaluations,
		"converged":   res.Converged,
	}).Info("Best trade found")
	return proposal, nil
}

func (p *Policy) execute(ctx context.Context, log *logrus.Entry, d Decision, amount, boundary wad.Wad) Decision {
	p.metrics.Decisions.WithLabelValues(string(d.Action), "execute").Inc()
	d.Executed = true

	res, err := p.gateway.Execute(ctx, models.CallRequest{
		Action:   d.Action,
		Amount:   amount,
		Boundary: boundary,
		Caller:   p.caller,
	})
	if err != nil {
		p.metrics.Executions.WithLabelValues(string(d.Action), "error").Inc()
		log.WithError(err).WithField("amount", amount.Round4()).Error("Action failed")
		d.Err = err
		return d
	}
	d.Result = &res
	p.metrics.Executions.WithLabelValues(string(d.Action), string(res.Status)).Inc()

	fields := logrus.Fields{
		"amount":   amount.Round4(),
		"boundary": boundary.String(),
		"status":   res.Status,
		"tx_hash":  res.TxHash,
	}
	if res.Status != models.StatusSuccess {
		log.WithFields(fields).Info("Action reverted")
		return d
	}
	fields["profit"] = res.RealizedProfit.Round4()
	log.WithFields(fields).Info("Action succeeded")

	if snap, err := p.ReportAccount(ctx); err == nil {
		d.Refreshed = &snap
	}
	return d
}

func (p *Policy) skip(log *logrus.Entry, d Decision, reason string) Decision {
	p.metrics.Decisions.WithLabelValues(string(d.Action), "skip").Inc()
	d.SkipReason = reason
	log.WithFields(logrus.Fields{
		"reason":    reason,
		"threshold": d.Threshold.Round4(),
	}).Debug("Skipped")
	return d
}

func (p *Policy) fail(log *logrus.Entry, d Decision, err error) Decision {
	log.WithError(err).Error("Search failed")
	d.Err = err
	return d
}

func (p *Policy) unconstrained() wad.Wad {
	return p.limits.PenaltyBase.Neg()
}

func (p *Policy) entry(ctx context.Context, action models.Action) *logrus.Entry {
	return loggerFrom(ctx, p.logger).WithFields(logrus.Fields{
		"action": string(action),
		"label":  action.Label(),
	})
}
