package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/rebalancer/internal/metrics"
	"github.com/gregtusar/rebalancer/pkg/ledger"
	"github.com/gregtusar/rebalancer/pkg/models"
)

// ErrInvalidMaxLeverage means the account is configured above maxLeverage.
var ErrInvalidMaxLeverage = errors.New("invalid max leverage")

type LoopConfig struct {
	// CycleInterval is the minimum time between cycle starts.
	CycleInterval time.Duration
	// ReportInterval is how often the full account state is logged.
	ReportInterval time.Duration
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	ID        string
	Reported  bool
	ReadErr   error
	Decisions []Decision
}

// Rebalancer drives the policy on a fixed cadence. All remote calls are
// made from the Run goroutine; the mutex only guards the status fields.
type Rebalancer struct {
	policy  *Policy
	gateway ledger.Gateway
	caller  common.Address
	cfg     LoopConfig
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	lastReport time.Time

	mu        sync.RWMutex
	lastCycle time.Time
	cycles    uint64
}

func NewRebalancer(policy *Policy, gateway ledger.Gateway, caller common.Address, cfg LoopConfig, logger *logrus.Logger, m *metrics.Metrics) *Rebalancer {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 5 * time.Second
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 5 * time.Minute
	}
	return &Rebalancer{
		policy:  policy,
		gateway: gateway,
		caller:  caller,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Preflight checks the account's configured leverage against maxLeverage.
func (r *Rebalancer) Preflight(ctx context.Context) error {
	snap, err := r.gateway.ReadAccount(ctx, r.caller)
	if err != nil {
		return err
	}
	maxLeverage := r.policy.Limits().MaxLeverage
	if snap.TargetLeverage.GreaterThan(maxLeverage) {
		return fmt.Errorf("%w: account leverage %s exceeds max leverage %s", ErrInvalidMaxLeverage, snap.TargetLeverage, maxLeverage)
	}
	r.logger.WithFields(logrus.Fields{
		"caller":       r.caller.Hex(),
		"leverage_set": snap.TargetLeverage.Round4(),
		"max_leverage": maxLeverage.Round4(),
	}).Info("Preflight passed")
	return nil
}

// Run cycles until ctx is cancelled.
func (r *Rebalancer) Run(ctx context.Context) error {
	r.logger.WithFields(logrus.Fields{
		"cycle_interval":  r.cfg.CycleInterval.String(),
		"report_interval": r.cfg.ReportInterval.String(),
	}).Info("Starting rebalancer")

	ticker := time.NewTicker(r.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		r.RunCycle(ctx)
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping rebalancer")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle performs one report check, ProfitOpen, a fresh read, and the
// close checks when a position is open. When a close check executes
// successfully, the account re-read after it replaces the snapshot for the
// checks that follow, so they never act on a position that was just closed.
func (r *Rebalancer) RunCycle(ctx context.Context) CycleReport {
	report := CycleReport{ID: uuid.NewString()}
	ctx = withLogger(ctx, r.logger.WithField("cycle_id", report.ID))
	r.metrics.Cycles.Inc()
	r.markCycle()

	if now := r.now(); now.Sub(r.lastReport) >= r.cfg.ReportInterval {
		_, _ = r.policy.ReportAccount(ctx)
		r.lastReport = now
		report.Reported = true
	}

	report.Decisions = append(report.Decisions, r.policy.ProfitOpen(ctx))

	snap, err := r.gateway.ReadAccount(ctx, r.caller)
	if err != nil {
		r.metrics.ReadErrors.Inc()
		loggerFrom(ctx, r.logger).WithError(err).WithField("label", "[read account]").Error("Read account failed")
		report.ReadErr = err
		return report
	}
	r.metrics.ObserveSnapshot(snap)
	if !snap.HasPosition() {
		return report
	}

	checks := []func(context.Context, models.AccountSnapshot) Decision{
		r.policy.ProfitClose,
		r.policy.DeleverageClose,
		r.policy.AllClose,
	}
	for _, check := range checks {
		d := check(ctx, snap)
		report.Decisions = append(report.Decisions, d)
		if d.Refreshed != nil {
			snap = *d.Refreshed
		}
	}
	return report
}

func (r *Rebalancer) markCycle() {
	r.mu.Lock()
	r.lastCycle = r.now()
	r.cycles++
	r.mu.Unlock()
}

// Status is what the health endpoint reports.
type Status struct {
	LastCycle time.Time `json:"last_cycle"`
	Cycles    uint64    `json:"cycles"`
}

func (r *Rebalancer) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Status{LastCycle: r.lastCycle, Cycles: r.cycles}
}
