// Package ledger talks to the arbitrage contract: account reads, dry-run
// simulations and signed executions.
package ledger

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gregtusar/rebalancer/pkg/models"
)

var (
	ErrRead             = errors.New("ledger: read account failed")
	ErrExecutionRevert  = errors.New("ledger: execution reverted")
	ErrExecutionTimeout = errors.New("ledger: execution timed out")
	ErrNoContract       = errors.New("ledger: no contract code at address")
	ErrUnsupported      = errors.New("ledger: unsupported action")
)

// Gateway is everything the rebalancer needs from the ledger.
type Gateway interface {
	// ReadAccount returns the caller's account state. Errors wrap ErrRead.
	ReadAccount(ctx context.Context, caller common.Address) (models.AccountSnapshot, error)

	// Simulate dry-runs an action. A contract rejection is reported as an
	// Infeasible result; the error is reserved for transport failures.
	Simulate(ctx context.Context, req models.CallRequest) (models.SimulationResult, error)

	// Execute sends one transaction and waits for its receipt.
	Execute(ctx context.Context, req models.CallRequest) (models.ActionResult, error)
}
