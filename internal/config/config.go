// Package config defines all configuration for the keeper.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via KEEPER_* environment variables. A .env
// file in the working directory is loaded first when present.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"vault-keeper/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Contracts ContractsConfig `mapstructure:"contracts"`
	Indexer   IndexerConfig   `mapstructure:"indexer"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Subsidy   SubsidyConfig   `mapstructure:"subsidy"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// ChainConfig holds RPC endpoints and the signing key.
// RPCURL serves reads and sends; WSURL serves the log subscription.
type ChainConfig struct {
	RPCURL     string  `mapstructure:"rpc_url"`
	WSURL      string  `mapstructure:"ws_url"`
	ChainID    int64   `mapstructure:"chain_id"`
	PrivateKey string  `mapstructure:"private_key"`
	RateLimit  float64 `mapstructure:"rate_limit"` // RPC requests per second
	RateBurst  int     `mapstructure:"rate_burst"`
}

// ContractsConfig holds protocol contract addresses.
type ContractsConfig struct {
	Lending       string `mapstructure:"lending"`
	Subscriptions string `mapstructure:"subscriptions"`
	PaymentToken  string `mapstructure:"payment_token"`
}

// LendingAddress returns the lending contract address.
func (c ContractsConfig) LendingAddress() common.Address {
	return common.HexToAddress(c.Lending)
}

// SubscriptionsAddress returns the subscription contract address.
func (c ContractsConfig) SubscriptionsAddress() common.Address {
	return common.HexToAddress(c.Subscriptions)
}

// PaymentTokenAddress returns the ERC-20 used to fund purchases.
func (c ContractsConfig) PaymentTokenAddress() common.Address {
	return common.HexToAddress(c.PaymentToken)
}

// IndexerConfig points at the GraphQL indexer.
type IndexerConfig struct {
	URL          string        `mapstructure:"url"`
	APIKey       string        `mapstructure:"api_key"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PageSize     int           `mapstructure:"page_size"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// EngineConfig tunes the scheduler loop and execution.
//
//   - CycleInterval: fixed cadence of the evaluation loop.
//   - NetworkLatency: allowance added to "now" when projecting the epoch a
//     liquidation will land in.
//   - ConfirmTimeout: how long a worker waits for a receipt.
//   - MaxInFlight: cap on concurrently pending transactions.
//   - EventBuffer: capacity of the event queue between subscriber and loop.
//   - DedupTTL: window in which a repeated log is treated as a duplicate;
//     logs at the last delivered block are remembered regardless.
//   - BackfillBlocks: how far back the subscriber replays logs on first connect.
type EngineConfig struct {
	CycleInterval        time.Duration `mapstructure:"cycle_interval"`
	NetworkLatency       time.Duration `mapstructure:"network_latency"`
	ConfirmTimeout       time.Duration `mapstructure:"confirm_timeout"`
	MaxInFlight          int           `mapstructure:"max_in_flight"`
	EventBuffer          int           `mapstructure:"event_buffer"`
	DedupTTL             time.Duration `mapstructure:"dedup_ttl"`
	LiquidationsEnabled  bool          `mapstructure:"liquidations_enabled"`
	SubscriptionsEnabled bool          `mapstructure:"subscriptions_enabled"`
	BackfillBlocks       uint64        `mapstructure:"backfill_blocks"`
}

// SubsidyConfig holds the nominal subsidy per action, in wei, as decimal strings.
// For liquidations this is the reward the keeper expects to earn.
type SubsidyConfig struct {
	Liquidation string `mapstructure:"liquidation"`
	Purchase    string `mapstructure:"purchase"`
	Adjustment  string `mapstructure:"adjustment"`
	Sale        string `mapstructure:"sale"`
}

// For returns the nominal subsidy for an action.
func (s SubsidyConfig) For(action types.Action) (*big.Int, error) {
	var raw string
	switch action {
	case types.ActionLiquidation:
		raw = s.Liquidation
	case types.ActionPurchase:
		raw = s.Purchase
	case types.ActionAdjustment:
		raw = s.Adjustment
	case types.ActionSale:
		raw = s.Sale
	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("subsidy.%s must be a positive integer (wei), got %q", action, raw)
	}
	return v, nil
}

// RiskConfig bounds what the keeper is allowed to spend.
//
//   - MaxDailyGasWei: total fees the keeper may pay per UTC day.
//   - MaxConsecutiveFailures: failed executions in a row before the kill switch fires.
//   - CooldownAfterKill: how long the kill switch stays engaged after firing.
type RiskConfig struct {
	MaxDailyGasWei         string        `mapstructure:"max_daily_gas_wei"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	CooldownAfterKill      time.Duration `mapstructure:"cooldown_after_kill"`
}

// DailyGasBudget parses MaxDailyGasWei. Empty means unlimited (nil).
func (r RiskConfig) DailyGasBudget() (*big.Int, error) {
	if strings.TrimSpace(r.MaxDailyGasWei) == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(strings.TrimSpace(r.MaxDailyGasWei), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("risk.max_daily_gas_wei must be a non-negative integer, got %q", r.MaxDailyGasWei)
	}
	return v, nil
}

// StoreConfig sets where tracker state is persisted (JSON files).
type StoreConfig struct {
	DataDir      string        `mapstructure:"data_dir"`
	SaveInterval time.Duration `mapstructure:"save_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the status server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: KEEPER_PRIVATE_KEY, KEEPER_INDEXER_API_KEY.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("KEEPER_PRIVATE_KEY"); key != "" {
		cfg.Chain.PrivateKey = key
	}
	if key := os.Getenv("KEEPER_INDEXER_API_KEY"); key != "" {
		cfg.Indexer.APIKey = key
	}
	if os.Getenv("KEEPER_DRY_RUN") == "true" || os.Getenv("KEEPER_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chain.rate_limit", 20.0)
	v.SetDefault("chain.rate_burst", 40)
	v.SetDefault("indexer.poll_interval", time.Minute)
	v.SetDefault("indexer.page_size", 500)
	v.SetDefault("indexer.timeout", 15*time.Second)
	v.SetDefault("engine.cycle_interval", 15*time.Second)
	v.SetDefault("engine.network_latency", 30*time.Second)
	v.SetDefault("engine.confirm_timeout", 3*time.Minute)
	v.SetDefault("engine.max_in_flight", 4)
	v.SetDefault("engine.event_buffer", 1024)
	v.SetDefault("engine.dedup_ttl", time.Hour)
	v.SetDefault("engine.liquidations_enabled", true)
	v.SetDefault("engine.subscriptions_enabled", true)
	v.SetDefault("engine.backfill_blocks", 2000)
	v.SetDefault("risk.max_consecutive_failures", 5)
	v.SetDefault("risk.cooldown_after_kill", 10*time.Minute)
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("store.save_interval", time.Minute)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Chain.PrivateKey == "" {
		return fmt.Errorf("chain.private_key is required (set KEEPER_PRIVATE_KEY)")
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain.chain_id is required")
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	if c.Chain.WSURL == "" {
		return fmt.Errorf("chain.ws_url is required for the event subscription")
	}
	if !common.IsHexAddress(c.Contracts.Lending) {
		return fmt.Errorf("contracts.lending must be a hex address")
	}
	if !common.IsHexAddress(c.Contracts.Subscriptions) {
		return fmt.Errorf("contracts.subscriptions must be a hex address")
	}
	if c.Contracts.PaymentToken != "" && !common.IsHexAddress(c.Contracts.PaymentToken) {
		return fmt.Errorf("contracts.payment_token must be a hex address")
	}
	if c.Indexer.URL == "" {
		return fmt.Errorf("indexer.url is required")
	}
	if c.Indexer.PollInterval <= 0 {
		return fmt.Errorf("indexer.poll_interval must be > 0")
	}
	if c.Indexer.PageSize <= 0 {
		return fmt.Errorf("indexer.page_size must be > 0")
	}
	if c.Engine.CycleInterval <= 0 {
		return fmt.Errorf("engine.cycle_interval must be > 0")
	}
	if c.Engine.NetworkLatency < 0 {
		return fmt.Errorf("engine.network_latency must be >= 0")
	}
	if c.Engine.ConfirmTimeout <= 0 {
		return fmt.Errorf("engine.confirm_timeout must be > 0")
	}
	if c.Engine.MaxInFlight <= 0 {
		return fmt.Errorf("engine.max_in_flight must be > 0")
	}
	for _, action := range []types.Action{types.ActionLiquidation, types.ActionPurchase, types.ActionAdjustment, types.ActionSale} {
		if _, err := c.Subsidy.For(action); err != nil {
			return err
		}
	}
	if _, err := c.Risk.DailyGasBudget(); err != nil {
		return err
	}
	if c.Risk.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("risk.max_consecutive_failures must be > 0")
	}
	return nil
}
