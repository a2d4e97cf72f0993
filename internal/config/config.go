package config

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/gregtusar/rebalancer/pkg/secrets"
	"github.com/gregtusar/rebalancer/pkg/trader"
	"github.com/gregtusar/rebalancer/pkg/wad"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	RPC       RPCConfig       `mapstructure:"rpc"`
	Contract  ContractConfig  `mapstructure:"contract"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Loop      LoopConfig      `mapstructure:"loop"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	GCP       GCPConfig       `mapstructure:"gcp"`
}

type RPCConfig struct {
	URL               string        `mapstructure:"url"`
	JWTSecret         string        `mapstructure:"jwt_secret"` // hex, for authenticated endpoints
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
}

type ContractConfig struct {
	Address string `mapstructure:"address"`
}

type WalletConfig struct {
	PrivateKey string `mapstructure:"private_key"`
}

// StrategyConfig keeps decimals as strings so no precision is lost before
// they become wads.
type StrategyConfig struct {
	ProfitLimit          string `mapstructure:"profit_limit"`
	MaxTradeAmount       string `mapstructure:"max_trade_amount"`
	TradeAmountTolerance string `mapstructure:"trade_amount_tolerance"`
	MaxLeverage          string `mapstructure:"max_leverage"`
	MinFundingRate       string `mapstructure:"min_funding_rate"`
	PenaltyBase          string `mapstructure:"penalty_base"`
}

type ExecutionConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	GasLimit     uint64        `mapstructure:"gas_limit"`
	GasPriceGwei string        `mapstructure:"gas_price_gwei"` // empty uses the node's suggestion
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
}

type LoopConfig struct {
	CycleInterval  time.Duration `mapstructure:"cycle_interval"`
	ReportInterval time.Duration `mapstructure:"report_interval"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"` // 0 disables the server
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string, logger *logrus.Logger) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/rebalancer")
	}

	v.SetEnvPrefix("REBALANCER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		if err := loadSecretsFromGCP(context.Background(), &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc.url", "https://rinkeby.arbitrum.io/rpc")
	v.SetDefault("rpc.jwt_secret", "")
	v.SetDefault("rpc.requests_per_second", 20)
	v.SetDefault("rpc.burst", 5)
	v.SetDefault("rpc.handshake_timeout", "10s")

	v.SetDefault("contract.address", "")
	v.SetDefault("wallet.private_key", "")

	v.SetDefault("strategy.profit_limit", "50")
	v.SetDefault("strategy.max_trade_amount", "100")
	v.SetDefault("strategy.trade_amount_tolerance", "0.01")
	v.SetDefault("strategy.max_leverage", "5")
	v.SetDefault("strategy.min_funding_rate", "-0.004")
	v.SetDefault("strategy.penalty_base", "9999999")

	v.SetDefault("execution.timeout", "240s")
	v.SetDefault("execution.gas_limit", 3000000)
	v.SetDefault("execution.gas_price_gwei", "1")
	v.SetDefault("execution.call_timeout", "30s")

	v.SetDefault("loop.cycle_interval", "5s")
	v.SetDefault("loop.report_interval", "5m")

	v.SetDefault("server.port", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.wallet_private_key", secretNames.WalletPrivateKey)
	v.SetDefault("gcp.secret_names.rpc_jwt_secret", secretNames.RPCJWTSecret)
}

func overrideFromEnv(config *Config) {
	if key := os.Getenv("WALLET_PRIVATE_KEY"); key != "" {
		config.Wallet.PrivateKey = key
	}
	if url := os.Getenv("RPC_URL"); url != "" {
		config.RPC.URL = url
	}
	if secret := os.Getenv("RPC_JWT_SECRET"); secret != "" {
		config.RPC.JWTSecret = secret
	}
	if addr := os.Getenv("CONTRACT_ADDRESS"); addr != "" {
		config.Contract.Address = addr
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	// Values already set by file or env win.
	if config.Wallet.PrivateKey == "" {
		config.Wallet.PrivateKey = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.WalletPrivateKey, "")
	}
	if config.RPC.JWTSecret == "" {
		config.RPC.JWTSecret = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.RPCJWTSecret, "")
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

// Resolved holds the parsed values the rebalancer is wired with.
type Resolved struct {
	Contract   common.Address
	PrivateKey *ecdsa.PrivateKey
	GasPrice   *big.Int // nil lets the node price transactions
	Limits     trader.Limits
}

// Resolve parses and checks everything the rebalancer needs before it
// dials out.
func (c *Config) Resolve() (*Resolved, error) {
	if c.RPC.URL == "" {
		return nil, fmt.Errorf("%w: rpc.url is required", ErrInvalidConfig)
	}
	contract, err := c.ContractAddress()
	if err != nil {
		return nil, err
	}
	key, err := c.PrivateKey()
	if err != nil {
		return nil, err
	}
	limits, err := c.Strategy.Limits()
	if err != nil {
		return nil, err
	}
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	gasPrice, err := c.Execution.GasPrice()
	if err != nil {
		return nil, err
	}
	if c.Loop.CycleInterval <= 0 {
		return nil, fmt.Errorf("%w: loop.cycle_interval must be positive", ErrInvalidConfig)
	}
	if c.RPC.RequestsPerSecond < 0 {
		return nil, fmt.Errorf("%w: rpc.requests_per_second must not be negative", ErrInvalidConfig)
	}
	return &Resolved{Contract: contract, PrivateKey: key, GasPrice: gasPrice, Limits: limits}, nil
}

func (c *Config) Validate() error {
	_, err := c.Resolve()
	return err
}

func (c *Config) ContractAddress() (common.Address, error) {
	if !common.IsHexAddress(c.Contract.Address) {
		return common.Address{}, fmt.Errorf("%w: contract.address %q is not a hex address", ErrInvalidConfig, c.Contract.Address)
	}
	return common.HexToAddress(c.Contract.Address), nil
}

func (c *Config) PrivateKey() (*ecdsa.PrivateKey, error) {
	hexKey := strings.TrimPrefix(strings.TrimSpace(c.Wallet.PrivateKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("%w: wallet.private_key is required", ErrInvalidConfig)
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: wallet.private_key: %v", ErrInvalidConfig, err)
	}
	return key, nil
}

type decimalField struct {
	key string
	raw string
	dst *wad.Wad
}

// Limits parses the strategy decimals.
func (s StrategyConfig) Limits() (trader.Limits, error) {
	l := trader.Limits{PenaltyBase: trader.DefaultPenaltyBase}
	fields := []decimalField{
		{"strategy.profit_limit", s.ProfitLimit, &l.ProfitLimit},
		{"strategy.max_trade_amount", s.MaxTradeAmount, &l.MaxTradeAmount},
		{"strategy.trade_amount_tolerance", s.TradeAmountTolerance, &l.TradeAmountTolerance},
		{"strategy.max_leverage", s.MaxLeverage, &l.MaxLeverage},
		{"strategy.min_funding_rate", s.MinFundingRate, &l.MinFundingRate},
	}
	if s.PenaltyBase != "" {
		fields = append(fields, decimalField{"strategy.penalty_base", s.PenaltyBase, &l.PenaltyBase})
	}
	for _, f := range fields {
		w, err := wad.FromString(f.raw)
		if err != nil {
			return trader.Limits{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, f.key, err)
		}
		*f.dst = w
	}
	return l, nil
}

// GasPrice converts gas_price_gwei to wei; nil means node-suggested.
func (e ExecutionConfig) GasPrice() (*big.Int, error) {
	if strings.TrimSpace(e.GasPriceGwei) == "" {
		return nil, nil
	}
	gwei, err := decimal.NewFromString(e.GasPriceGwei)
	if err != nil {
		return nil, fmt.Errorf("%w: execution.gas_price_gwei: %v", ErrInvalidConfig, err)
	}
	if gwei.Sign() <= 0 {
		return nil, fmt.Errorf("%w: execution.gas_price_gwei must be positive", ErrInvalidConfig)
	}
	return gwei.Shift(9).Truncate(0).BigInt(), nil
}
