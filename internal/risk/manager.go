// Package risk bounds what the keeper may spend and stops it when execution
// keeps failing.
//
// The risk manager runs as a standalone goroutine that receives
// ExecutionReports from the engine after every confirmed, reverted or
// timed-out transaction and checks them against configured limits:
//
//   - Daily gas budget:     total fees paid per UTC day
//   - Consecutive failures: failed executions in a row
//
// When a limit is breached, the manager emits a KillSignal on KillCh() and
// the kill switch stays active for CooldownAfterKill. While it is active the
// executor rejects every new submission. A budget breach holds until the
// UTC day rolls over, even if the cooldown expires first.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"vault-keeper/internal/config"
	"vault-keeper/pkg/types"
)

// ExecutionReport is sent by the engine for every finished execution.
type ExecutionReport struct {
	Action    types.Action
	Key       string   // loan key or order nonce, for logging
	Success   bool     // expected event observed
	Fee       *big.Int // fee actually paid; nil when nothing was mined
	Timestamp time.Time
}

// KillSignal tells the engine the kill switch fired.
type KillSignal struct {
	Reason string
}

// Manager enforces spending and failure limits.
type Manager struct {
	cfg    config.RiskConfig
	budget *big.Int // nil = unlimited
	logger *slog.Logger
	now    func() time.Time

	mu                  sync.RWMutex
	day                 string   // UTC date the spend counter belongs to
	spentToday          *big.Int // fees paid since midnight UTC
	consecutiveFailures int
	successes           int
	failures            int
	killSwitchActive    bool
	killSwitchUntil     time.Time
	killReason          string

	reportCh chan ExecutionReport
	killCh   chan KillSignal
}

// NewManager creates a risk manager. cfg must have passed Validate.
func NewManager(cfg config.RiskConfig, logger *slog.Logger) *Manager {
	budget, _ := cfg.DailyGasBudget()
	return &Manager{
		cfg:        cfg,
		budget:     budget,
		logger:     logger.With("component", "risk"),
		now:        time.Now,
		spentToday: new(big.Int),
		reportCh:   make(chan ExecutionReport, 100),
		killCh:     make(chan KillSignal, 10),
	}
}

// Run starts the risk monitoring loop.
func (rm *Manager) Run(ctx context.Context) {
	// Periodic check clears kill switch even when no reports arrive
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case report := <-rm.reportCh:
			rm.processReport(report)
		case <-ticker.C:
			rm.clearExpiredKillSwitch()
		}
	}
}

// Report submits an execution report (non-blocking).
func (rm *Manager) Report(report ExecutionReport) {
	select {
	case rm.reportCh <- report:
	default:
		rm.logger.Warn("risk report channel full, dropping report",
			"action", report.Action, "key", report.Key)
	}
}

// KillCh returns the channel for reading kill signals.
func (rm *Manager) KillCh() <-chan KillSignal {
	return rm.killCh
}

// IsKillSwitchActive returns whether the kill switch is engaged.
func (rm *Manager) IsKillSwitchActive() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if !rm.killSwitchActive {
		return false
	}
	if rm.now().After(rm.killSwitchUntil) {
		rm.killSwitchActive = false
		rm.logger.Info("kill switch cooldown expired")
		return false
	}
	return true
}

// Allow reports whether a transaction expected to cost fee may be sent.
// A nil fee checks only the kill switch and whether today's budget is
// already spent.
func (rm *Manager) Allow(fee *big.Int) (bool, string) {
	if rm.IsKillSwitchActive() {
		return false, "kill switch active"
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.rollDay()

	if rm.budget == nil {
		return true, ""
	}
	projected := new(big.Int).Set(rm.spentToday)
	if fee != nil {
		projected.Add(projected, fee)
	}
	if projected.Cmp(rm.budget) > 0 || rm.spentToday.Cmp(rm.budget) >= 0 {
		return false, "daily gas budget exhausted"
	}
	return true, ""
}

// GetRiskSnapshot returns current risk metrics for the dashboard.
func (rm *Manager) GetRiskSnapshot() RiskSnapshot {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	snap := RiskSnapshot{
		GasSpentToday:          rm.spentToday.String(),
		ConsecutiveFailures:    rm.consecutiveFailures,
		MaxConsecutiveFailures: rm.cfg.MaxConsecutiveFailures,
		Successes:              rm.successes,
		Failures:               rm.failures,
		KillSwitchActive:       rm.killSwitchActive,
		KillSwitchUntil:        rm.killSwitchUntil,
	}
	if rm.killSwitchActive {
		snap.KillSwitchReason = rm.killReason
	}
	if rm.budget != nil {
		snap.DailyGasBudget = rm.budget.String()
		if rm.budget.Sign() > 0 {
			pct := decimal.NewFromBigInt(rm.spentToday, 0).
				Div(decimal.NewFromBigInt(rm.budget, 0)).
				Mul(decimal.NewFromInt(100))
			snap.BudgetUsedPct = pct.InexactFloat64()
		}
	}
	return snap
}

// RiskSnapshot represents risk metrics for the dashboard.
type RiskSnapshot struct {
	GasSpentToday          string // wei
	DailyGasBudget         string // wei; empty = unlimited
	BudgetUsedPct          float64
	ConsecutiveFailures    int
	MaxConsecutiveFailures int
	Successes              int
	Failures               int
	KillSwitchActive       bool
	KillSwitchUntil        time.Time
	KillSwitchReason       string
}

func (rm *Manager) processReport(report ExecutionReport) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.rollDay()

	if report.Fee != nil {
		rm.spentToday.Add(rm.spentToday, report.Fee)
	}

	if report.Success {
		rm.successes++
		rm.consecutiveFailures = 0
	} else {
		rm.failures++
		rm.consecutiveFailures++
	}

	// Check consecutive failures
	if rm.consecutiveFailures >= rm.cfg.MaxConsecutiveFailures {
		rm.emitKill(fmt.Sprintf("%d consecutive failed executions (last: %s %s)",
			rm.consecutiveFailures, report.Action, report.Key))
		rm.consecutiveFailures = 0
	}

	// Check daily budget
	if rm.budget != nil && rm.spentToday.Cmp(rm.budget) >= 0 {
		rm.emitKill(fmt.Sprintf("daily gas budget exhausted: spent %s of %s wei", rm.spentToday, rm.budget))
	}
}

// rollDay resets the spend counter at UTC midnight. Callers hold the lock.
func (rm *Manager) rollDay() {
	today := rm.now().UTC().Format(time.DateOnly)
	if rm.day != today {
		rm.day = today
		rm.spentToday = new(big.Int)
	}
}

func (rm *Manager) clearExpiredKillSwitch() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.killSwitchActive && rm.now().After(rm.killSwitchUntil) {
		rm.killSwitchActive = false
		rm.logger.Info("kill switch cooldown expired")
	}
}

// emitKill activates the kill switch, starts the cooldown timer, and sends
// a KillSignal to the engine. If the kill channel is full, it drains the
// stale signal first to ensure the latest kill reason is always delivered.
func (rm *Manager) emitKill(reason string) {
	rm.killSwitchActive = true
	rm.killSwitchUntil = rm.now().Add(rm.cfg.CooldownAfterKill)
	rm.killReason = reason

	rm.logger.Error("KILL SWITCH",
		"reason", reason,
		"cooldown_until", rm.killSwitchUntil,
	)

	// Drain stale signal if channel full, then send
	sig := KillSignal{Reason: reason}
	select {
	case rm.killCh <- sig:
	default:
		select {
		case <-rm.killCh:
		default:
		}
		rm.killCh <- sig
	}
}
