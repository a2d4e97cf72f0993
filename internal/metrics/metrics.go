// Package metrics holds the Prometheus collectors for the rebalancer.
//
//   - rebalancer_cycles_total                      – control loop cycles started
//   - rebalancer_read_errors_total                 – account reads that failed
//   - rebalancer_simulations_total{action,result}  – cost-function evaluations (feasible|infeasible|error)
//   - rebalancer_decisions_total{action,decision}  – gate outcomes (execute|skip)
//   - rebalancer_executions_total{action,status}   – executions (success|reverted|error)
//   - rebalancer_projected_profit{action}          – last optimizer profit
//   - rebalancer_effective_leverage                – last snapshot
//   - rebalancer_funding_rate                      – last snapshot
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gregtusar/rebalancer/pkg/models"
)

type Metrics struct {
	Cycles            prometheus.Counter
	ReadErrors        prometheus.Counter
	Simulations       *prometheus.CounterVec
	Decisions         *prometheus.CounterVec
	Executions        *prometheus.CounterVec
	ProjectedProfit   *prometheus.GaugeVec
	EffectiveLeverage prometheus.Gauge
	FundingRate       prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rebalancer_cycles_total",
			Help: "Control loop cycles started",
		}),
		ReadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rebalancer_read_errors_total",
			Help: "Account reads that failed",
		}),
		Simulations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rebalancer_simulations_total",
			Help: "Trade simulations issued by the cost function",
		}, []string{"action", "result"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rebalancer_decisions_total",
			Help: "Gate decisions per action",
		}, []string{"action", "decision"}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rebalancer_executions_total",
			Help: "Execution attempts by receipt status",
		}, []string{"action", "status"}),
		ProjectedProfit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rebalancer_projected_profit",
			Help: "Profit projected by the last optimizer run",
		}, []string{"action"}),
		EffectiveLeverage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rebalancer_effective_leverage",
			Help: "Effective leverage from the last account read",
		}),
		FundingRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rebalancer_funding_rate",
			Help: "Funding rate from the last account read",
		}),
	}
	reg.MustRegister(
		m.Cycles,
		m.ReadErrors,
		m.Simulations,
		m.Decisions,
		m.Executions,
		m.ProjectedProfit,
		m.EffectiveLeverage,
		m.FundingRate,
	)
	return m
}

// ObserveSnapshot records the gauges taken from an account read.
func (m *Metrics) ObserveSnapshot(s models.AccountSnapshot) {
	m.EffectiveLeverage.Set(s.EffectiveLeverage.Float64())
	m.FundingRate.Set(s.FundingRate.Float64())
}
