package models

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/gregtusar/rebalancer/pkg/wad"
)

// Action is one of the four per-cycle rebalancing actions.
type Action string

const (
	ActionProfitOpen      Action = "profit_open"
	ActionProfitClose     Action = "profit_close"
	ActionDeleverageClose Action = "deleverage_close"
	ActionAllClose        Action = "all_close"
)

// Label is the bracketed prefix used in report lines.
func (a Action) Label() string {
	switch a {
	case ActionProfitOpen:
		return "[profit open]"
	case ActionProfitClose:
		return "[profit close]"
	case ActionDeleverageClose:
		return "[deleverage close]"
	case ActionAllClose:
		return "[all close]"
	default:
		return "[" + string(a) + "]"
	}
}

// Simulatable reports whether the contract exposes a dry-run for the action.
func (a Action) Simulatable() bool {
	return a == ActionProfitOpen || a == ActionProfitClose || a == ActionDeleverageClose
}

// TradeProposal is the outcome of one optimizer run.
type TradeProposal struct {
	Amount          wad.Wad
	ProjectedProfit wad.Wad
	Evaluations     int
}

// ExecutionStatus is the receipt status of an execution.
type ExecutionStatus string

const (
	StatusSuccess  ExecutionStatus = "success"
	StatusReverted ExecutionStatus = "reverted"
)

// ActionResult is returned by an execution call.
type ActionResult struct {
	Status         ExecutionStatus
	RealizedProfit wad.Wad
	TxHash         string
}

// SimulationResult is either Feasible with a signed profit or Infeasible
// with the reason the simulation was rejected.
type SimulationResult struct {
	Feasible bool
	Profit   wad.Wad
	Reason   string
}

func Feasible(profit wad.Wad) SimulationResult {
	return SimulationResult{Feasible: true, Profit: profit}
}

func Infeasible(reason string) SimulationResult {
	return SimulationResult{Reason: reason}
}

// CallRequest carries the arguments of a simulation or execution.
// Amount is ignored for ActionAllClose.
type CallRequest struct {
	Action   Action
	Amount   wad.Wad
	Boundary wad.Wad
	Caller   common.Address
}
