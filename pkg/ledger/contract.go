package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/gregtusar/rebalancer/pkg/models"
	"github.com/gregtusar/rebalancer/pkg/wad"
)

const arbitrageABIJSON = `[
  {"inputs":[{"internalType":"uint256","name":"amount","type":"uint256"},{"internalType":"int256","name":"profitLimit","type":"int256"}],
   "name":"profitOpen","outputs":[{"internalType":"int256","name":"profit","type":"int256"}],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"internalType":"uint256","name":"amount","type":"uint256"},{"internalType":"int256","name":"profitLimit","type":"int256"}],
   "name":"profitClose","outputs":[{"internalType":"int256","name":"profit","type":"int256"}],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"internalType":"uint256","name":"amount","type":"uint256"},{"internalType":"int256","name":"maxLeverage","type":"int256"}],
   "name":"deleverageClose","outputs":[{"internalType":"int256","name":"profit","type":"int256"}],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"internalType":"int256","name":"minFundingRate","type":"int256"}],
   "name":"allClose","outputs":[{"internalType":"int256","name":"profit","type":"int256"}],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[],"name":"readAccountInfo","outputs":[
    {"internalType":"int256","name":"underlyingAssetBalance","type":"int256"},
    {"internalType":"int256","name":"collateralBalance","type":"int256"},
    {"internalType":"int256","name":"availableCash","type":"int256"},
    {"internalType":"int256","name":"position","type":"int256"},
    {"internalType":"int256","name":"leverage","type":"int256"},
    {"internalType":"int256","name":"effectiveLeverage","type":"int256"},
    {"internalType":"int256","name":"fundingRate","type":"int256"},
    {"internalType":"bool","name":"isReceiveFunding","type":"bool"}],
   "stateMutability":"view","type":"function"}
]`

// ArbitrageABI parses the contract interface.
func ArbitrageABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(arbitrageABIJSON))
}

var methodByAction = map[models.Action]string{
	models.ActionProfitOpen:      "profitOpen",
	models.ActionProfitClose:     "profitClose",
	models.ActionDeleverageClose: "deleverageClose",
	models.ActionAllClose:        "allClose",
}

// Backend is the subset of an ethclient the gateway uses.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// RawCaller issues untyped JSON-RPC calls.
type RawCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

type GatewayConfig struct {
	Contract         common.Address
	PrivateKey       *ecdsa.PrivateKey
	GasLimit         uint64
	GasPrice         *big.Int // nil lets the node price the transaction
	CallTimeout      time.Duration
	ExecutionTimeout time.Duration
	Limiter          *rate.Limiter
}

// ContractGateway implements Gateway against the deployed arbitrage contract.
type ContractGateway struct {
	backend  Backend
	raw      RawCaller
	abi      abi.ABI
	contract *bind.BoundContract
	cfg      GatewayConfig
	signer   common.Address
	chainID  *big.Int
	logger   *logrus.Logger
}

// NewContractGateway checks that code is deployed at the contract address
// and resolves the chain id for signing. raw may be nil.
func NewContractGateway(ctx context.Context, backend Backend, raw RawCaller, cfg GatewayConfig, logger *logrus.Logger) (*ContractGateway, error) {
	if cfg.PrivateKey == nil {
		return nil, errors.New("missing private key")
	}
	parsed, err := ArbitrageABI()
	if err != nil {
		return nil, fmt.Errorf("arbitrage abi parse: %w", err)
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 240 * time.Second
	}

	code, err := backend.CodeAt(ctx, cfg.Contract, nil)
	if err != nil {
		return nil, fmt.Errorf("code at %s: %w", cfg.Contract.Hex(), err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoContract, cfg.Contract.Hex())
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}

	return &ContractGateway{
		backend:  backend,
		raw:      raw,
		abi:      parsed,
		contract: bind.NewBoundContract(cfg.Contract, parsed, backend, backend, backend),
		cfg:      cfg,
		signer:   crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey),
		chainID:  chainID,
		logger:   logger,
	}, nil
}

// Signer is the address transactions are sent from.
func (g *ContractGateway) Signer() common.Address { return g.signer }

func (g *ContractGateway) ReadAccount(ctx context.Context, caller common.Address) (models.AccountSnapshot, error) {
	out, err := g.call(ctx, caller, "readAccountInfo")
	if err != nil {
		return models.AccountSnapshot{}, fmt.Errorf("%w: %v", ErrRead, err)
	}
	snap, err := decodeAccountInfo(out)
	if err != nil {
		return models.AccountSnapshot{}, fmt.Errorf("%w: %v", ErrRead, err)
	}
	snap.ReadAt = time.Now()
	return snap, nil
}

func (g *ContractGateway) Simulate(ctx context.Context, req models.CallRequest) (models.SimulationResult, error) {
	if !req.Action.Simulatable() {
		return models.SimulationResult{}, fmt.Errorf("%w: simulate %s", ErrUnsupported, req.Action)
	}
	args, err := g.args(req)
	if err != nil {
		return models.SimulationResult{}, err
	}
	out, err := g.call(ctx, req.Caller, methodByAction[req.Action], args...)
	if err != nil {
		if isRevert(err) {
			return models.Infeasible(err.Error()), nil
		}
		return models.SimulationResult{}, fmt.Errorf("simulate %s: %w", req.Action, err)
	}
	profit, err := firstInt(out)
	if err != nil {
		return models.SimulationResult{}, fmt.Errorf("simulate %s: %w", req.Action, err)
	}
	return models.Feasible(wad.FromRaw(profit)), nil
}

func (g *ContractGateway) Execute(ctx context.Context, req models.CallRequest) (models.ActionResult, error) {
	method, ok := methodByAction[req.Action]
	if !ok {
		return models.ActionResult{}, fmt.Errorf("%w: %s", ErrUnsupported, req.Action)
	}
	if req.Caller != g.signer {
		return models.ActionResult{}, fmt.Errorf("caller %s is not the signer %s", req.Caller.Hex(), g.signer.Hex())
	}
	args, err := g.args(req)
	if err != nil {
		return models.ActionResult{}, err
	}

	// Pre-flight with the same calldata so a settlement-time rejection costs no gas.
	out, err := g.call(ctx, req.Caller, method, args...)
	if err != nil {
		if isRevert(err) {
			return models.ActionResult{}, fmt.Errorf("%w: %s: %v", ErrExecutionRevert, req.Action, err)
		}
		return models.ActionResult{}, fmt.Errorf("preflight %s: %w", req.Action, err)
	}
	expected, err := firstInt(out)
	if err != nil {
		return models.ActionResult{}, fmt.Errorf("preflight %s: %w", req.Action, err)
	}

	// Nonce lookup, send and receipt wait share one execution deadline.
	execCtx, cancel := context.WithTimeout(ctx, g.cfg.ExecutionTimeout)
	defer cancel()

	if err := g.cfg.Limiter.Wait(execCtx); err != nil {
		return models.ActionResult{}, g.timeoutErr(execCtx, ctx, req.Action, "send", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(g.cfg.PrivateKey, g.chainID)
	if err != nil {
		return models.ActionResult{}, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = execCtx
	opts.GasLimit = g.cfg.GasLimit
	if g.cfg.GasPrice != nil {
		opts.GasPrice = new(big.Int).Set(g.cfg.GasPrice)
	}

	tx, err := g.contract.Transact(opts, method, args...)
	if err != nil {
		if isRevert(err) {
			return models.ActionResult{}, fmt.Errorf("%w: %s: %v", ErrExecutionRevert, req.Action, err)
		}
		return models.ActionResult{}, g.timeoutErr(execCtx, ctx, req.Action, "send", err)
	}
	g.logger.WithFields(logrus.Fields{
		"action":  req.Action,
		"tx_hash": tx.Hash().Hex(),
		"nonce":   tx.Nonce(),
	}).Info("Transaction sent")

	receipt, err := bind.WaitMined(execCtx, g.backend, tx)
	if err != nil {
		return models.ActionResult{}, g.timeoutErr(execCtx, ctx, req.Action, "wait tx "+tx.Hash().Hex(), err)
	}

	result := models.ActionResult{
		Status:         models.StatusReverted,
		RealizedProfit: wad.FromRaw(expected),
		TxHash:         tx.Hash().Hex(),
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		result.Status = models.StatusSuccess
		if realized, ok := g.receiptProfit(ctx, method, tx.Hash()); ok {
			result.RealizedProfit = realized
		}
	} else {
		result.RealizedProfit = wad.Zero()
	}
	return result, nil
}

// timeoutErr maps the execution deadline to ErrExecutionTimeout. A cancelled
// parent context is passed through unchanged.
func (g *ContractGateway) timeoutErr(execCtx, parent context.Context, action models.Action, stage string, err error) error {
	if parent.Err() == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s %s after %s: %v", ErrExecutionTimeout, action, stage, g.cfg.ExecutionTimeout, err)
	}
	return fmt.Errorf("%s %s: %w", stage, action, err)
}

// receiptProfit reads the returnData field some rollup nodes attach to
// receipts. The word holds the profit negated.
func (g *ContractGateway) receiptProfit(ctx context.Context, method string, hash common.Hash) (wad.Wad, bool) {
	if g.raw == nil {
		return wad.Wad{}, false
	}
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	var receipt struct {
		ReturnData hexutil.Bytes `json:"returnData"`
	}
	if err := g.raw.CallContext(callCtx, &receipt, "eth_getTransactionReceipt", hash); err != nil {
		g.logger.WithError(err).WithField("tx_hash", hash.Hex()).Debug("Raw receipt unavailable")
		return wad.Wad{}, false
	}
	if len(receipt.ReturnData) == 0 {
		return wad.Wad{}, false
	}
	out, err := g.abi.Methods[method].Outputs.Unpack(receipt.ReturnData)
	if err != nil {
		g.logger.WithError(err).WithField("tx_hash", hash.Hex()).Debug("Undecodable receipt return data")
		return wad.Wad{}, false
	}
	v, err := firstInt(out)
	if err != nil {
		return wad.Wad{}, false
	}
	return wad.FromRaw(v).Neg(), true
}

func (g *ContractGateway) args(req models.CallRequest) ([]interface{}, error) {
	if req.Action == models.ActionAllClose {
		return []interface{}{req.Boundary.Raw()}, nil
	}
	if req.Amount.Sign() < 0 {
		return nil, fmt.Errorf("%s: negative amount %s", req.Action, req.Amount)
	}
	return []interface{}{req.Amount.Raw(), req.Boundary.Raw()}, nil
}

func (g *ContractGateway) call(ctx context.Context, from common.Address, method string, args ...interface{}) ([]interface{}, error) {
	if err := g.cfg.Limiter.Wait(ctx); err != nil {
		return nil, err
	}
	data, err := g.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	to := g.cfg.Contract
	out, err := g.backend.CallContract(callCtx, ethereum.CallMsg{From: from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned empty result", method)
	}
	return g.abi.Unpack(method, out)
}

func decodeAccountInfo(vals []interface{}) (models.AccountSnapshot, error) {
	if len(vals) != 8 {
		return models.AccountSnapshot{}, fmt.Errorf("readAccountInfo: unexpected result len %d", len(vals))
	}
	ints := make([]wad.Wad, 7)
	for i := 0; i < 7; i++ {
		v, ok := vals[i].(*big.Int)
		if !ok {
			return models.AccountSnapshot{}, fmt.Errorf("readAccountInfo: field %d is %T", i, vals[i])
		}
		ints[i] = wad.FromRaw(v)
	}
	receiving, ok := vals[7].(bool)
	if !ok {
		return models.AccountSnapshot{}, fmt.Errorf("readAccountInfo: field 7 is %T", vals[7])
	}
	return models.AccountSnapshot{
		UnderlyingAssetBalance: ints[0],
		CollateralBalance:      ints[1],
		AvailableCash:          ints[2],
		Position:               ints[3],
		TargetLeverage:         ints[4],
		EffectiveLeverage:      ints[5],
		FundingRate:            ints[6],
		IsReceivingFunding:     receiving,
	}, nil
}

func firstInt(vals []interface{}) (*big.Int, error) {
	if len(vals) != 1 {
		return nil, fmt.Errorf("unexpected result len %d", len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %T", vals[0])
	}
	return v, nil
}

// isRevert separates contract rejections from node and transport failures.
// Every JSON-RPC error object carries data, so only code 3 (execution
// reverted) or a rejection message counts.
func isRevert(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == 3 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "revert") ||
		strings.Contains(msg, "insufficient") ||
		strings.Contains(msg, "gas required exceeds")
}
