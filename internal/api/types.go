package api

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"vault-keeper/internal/config"
	"vault-keeper/internal/tracker"
)

// DashboardSnapshot represents the complete dashboard state
type DashboardSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	DryRun    bool      `json:"dry_run"`

	// Tracked entities
	Tracker tracker.Stats `json:"tracker"`
	Loans   []LoanStatus  `json:"loans"`
	Orders  []OrderStatus `json:"orders"`

	// Execution
	InFlight int            `json:"in_flight"`
	GasPrice string         `json:"gas_price"` // gwei, empty until first read
	Recent   []OutcomeEvent `json:"recent"`

	Risk       RiskSnapshot     `json:"risk"`
	Subscriber SubscriberStatus `json:"subscriber"`
	Config     ConfigSummary    `json:"config"`
}

// LoanStatus is one tracked loan.
type LoanStatus struct {
	Key                string `json:"key"`
	Pool               string `json:"pool"`
	Borrower           string `json:"borrower"`
	Outstanding        string `json:"outstanding"` // ether
	UpdatedBlock       uint64 `json:"updated_block"`
	NeedsCheck         bool   `json:"needs_check"`
	PendingLiquidation bool   `json:"pending_liquidation"`
}

// OrderStatus is one tracked subscription order.
type OrderStatus struct {
	Nonce             uint64           `json:"nonce"`
	Owner             string           `json:"owner"`
	Pool              string           `json:"pool"`
	Tickets           []uint64         `json:"tickets"`
	TotalAmount       string           `json:"total_amount"` // ether
	LockEpochs        uint64           `json:"lock_epochs"`
	LastPurchaseEpoch int64            `json:"last_purchase_epoch"`
	Cancelled         bool             `json:"cancelled"`
	PendingPurchase   bool             `json:"pending_purchase"`
	Positions         []PositionStatus `json:"positions"`
}

// PositionStatus is one open position of an order.
type PositionStatus struct {
	Nonce             uint64 `json:"nonce"`
	UnlockEpoch       int64  `json:"unlock_epoch"`
	LastAuctionNonce  uint64 `json:"last_auction_nonce"`
	PendingAdjustment bool   `json:"pending_adjustment"`
	PendingSale       bool   `json:"pending_sale"`
}

// RiskSnapshot represents gas spend and kill switch state
type RiskSnapshot struct {
	GasSpentToday  string  `json:"gas_spent_today"`  // ether
	DailyGasBudget string  `json:"daily_gas_budget"` // ether; empty = unlimited
	BudgetUsedPct  float64 `json:"budget_used_pct"`

	ConsecutiveFailures    int `json:"consecutive_failures"`
	MaxConsecutiveFailures int `json:"max_consecutive_failures"`
	Successes              int `json:"successes"`
	Failures               int `json:"failures"`

	KillSwitchActive bool      `json:"kill_switch_active"`
	KillSwitchUntil  time.Time `json:"kill_switch_until,omitempty"`
	KillSwitchReason string    `json:"kill_switch_reason,omitempty"`
}

// SubscriberStatus reports the event subscription.
type SubscriberStatus struct {
	Connected bool   `json:"connected"`
	LastBlock uint64 `json:"last_block"`
	Delivered uint64 `json:"delivered"`
	Queued    int    `json:"queued"`
}

// ConfigSummary represents the operational configuration
type ConfigSummary struct {
	ChainID              int64  `json:"chain_id"`
	Lending              string `json:"lending"`
	Subscriptions        string `json:"subscriptions"`
	CycleInterval        string `json:"cycle_interval"`
	NetworkLatency       string `json:"network_latency"`
	ConfirmTimeout       string `json:"confirm_timeout"`
	MaxInFlight          int    `json:"max_in_flight"`
	LiquidationsEnabled  bool   `json:"liquidations_enabled"`
	SubscriptionsEnabled bool   `json:"subscriptions_enabled"`
	IndexerPollInterval  string `json:"indexer_poll_interval"`

	// Subsidies in ether
	LiquidationSubsidy string `json:"liquidation_subsidy"`
	PurchaseSubsidy    string `json:"purchase_subsidy"`
	AdjustmentSubsidy  string `json:"adjustment_subsidy"`
	SaleSubsidy        string `json:"sale_subsidy"`

	MaxConsecutiveFailures int    `json:"max_consecutive_failures"`
	CooldownAfterKill      string `json:"cooldown_after_kill"`

	DryRun bool `json:"dry_run"`
}

// NewConfigSummary creates config summary from config
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		ChainID:              cfg.Chain.ChainID,
		Lending:              cfg.Contracts.LendingAddress().Hex(),
		Subscriptions:        cfg.Contracts.SubscriptionsAddress().Hex(),
		CycleInterval:        cfg.Engine.CycleInterval.String(),
		NetworkLatency:       cfg.Engine.NetworkLatency.String(),
		ConfirmTimeout:       cfg.Engine.ConfirmTimeout.String(),
		MaxInFlight:          cfg.Engine.MaxInFlight,
		LiquidationsEnabled:  cfg.Engine.LiquidationsEnabled,
		SubscriptionsEnabled: cfg.Engine.SubscriptionsEnabled,
		IndexerPollInterval:  cfg.Indexer.PollInterval.String(),

		LiquidationSubsidy: weiStringToEther(cfg.Subsidy.Liquidation),
		PurchaseSubsidy:    weiStringToEther(cfg.Subsidy.Purchase),
		AdjustmentSubsidy:  weiStringToEther(cfg.Subsidy.Adjustment),
		SaleSubsidy:        weiStringToEther(cfg.Subsidy.Sale),

		MaxConsecutiveFailures: cfg.Risk.MaxConsecutiveFailures,
		CooldownAfterKill:      cfg.Risk.CooldownAfterKill.String(),

		DryRun: cfg.DryRun,
	}
}

// WeiToEther formats a wei amount as an ether decimal string. Nil formats as "0".
func WeiToEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -18).String()
}

// WeiToGwei formats a gas price; nil formats as empty.
func WeiToGwei(wei *big.Int) string {
	if wei == nil {
		return ""
	}
	return decimal.NewFromBigInt(wei, -9).String()
}

func weiStringToEther(raw string) string {
	if raw == "" {
		return ""
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return raw
	}
	return d.Shift(-18).String()
}
