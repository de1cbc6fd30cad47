package risk

import (
	"log/slog"
	"math/big"
	"os"
	"strings"
	"testing"
	"time"

	"vault-keeper/internal/config"
	"vault-keeper/pkg/types"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxDailyGasWei:         "1000",
		MaxConsecutiveFailures: 3,
		CooldownAfterKill:      5 * time.Minute,
	}
}

// newTestManager returns a manager on a controllable clock.
func newTestManager(cfg config.RiskConfig) (*Manager, *time.Time) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	rm := NewManager(cfg, logger)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rm.now = func() time.Time { return now }
	return rm, &now
}

func report(success bool, fee int64) ExecutionReport {
	return ExecutionReport{
		Action:  types.ActionLiquidation,
		Key:     "0xcc/1",
		Success: success,
		Fee:     big.NewInt(fee),
	}
}

func drainKills(rm *Manager) int {
	n := 0
	for {
		select {
		case <-rm.killCh:
			n++
		default:
			return n
		}
	}
}

func TestProcessReportUnderLimits(t *testing.T) {
	t.Parallel()
	rm, _ := newTestManager(testRiskConfig())

	rm.processReport(report(true, 100))
	rm.processReport(report(false, 100))

	if rm.killSwitchActive {
		t.Error("kill switch should not fire under limits")
	}
	if n := drainKills(rm); n != 0 {
		t.Errorf("unexpected kill signals: %d", n)
	}
	if ok, reason := rm.Allow(big.NewInt(100)); !ok {
		t.Errorf("Allow refused under limits: %s", reason)
	}
}

func TestConsecutiveFailuresFireKillSwitch(t *testing.T) {
	t.Parallel()
	rm, _ := newTestManager(testRiskConfig())

	rm.processReport(report(false, 0))
	rm.processReport(report(false, 0))
	if rm.killSwitchActive {
		t.Fatal("kill switch fired before the limit")
	}
	rm.processReport(report(false, 0))

	if !rm.killSwitchActive {
		t.Fatal("kill switch should fire after 3 consecutive failures")
	}
	select {
	case sig := <-rm.killCh:
		if !strings.Contains(sig.Reason, "consecutive") {
			t.Errorf("reason = %q", sig.Reason)
		}
	default:
		t.Error("expected kill signal on channel")
	}
	if ok, _ := rm.Allow(nil); ok {
		t.Error("Allow should refuse while kill switch is active")
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()
	rm, _ := newTestManager(testRiskConfig())

	rm.processReport(report(false, 0))
	rm.processReport(report(false, 0))
	rm.processReport(report(true, 0))
	rm.processReport(report(false, 0))
	rm.processReport(report(false, 0))

	if rm.killSwitchActive {
		t.Error("a success should reset the failure streak")
	}
	snap := rm.GetRiskSnapshot()
	if snap.ConsecutiveFailures != 2 || snap.Successes != 1 || snap.Failures != 4 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestDailyBudget(t *testing.T) {
	t.Parallel()
	rm, now := newTestManager(testRiskConfig())

	rm.processReport(report(true, 700))

	if ok, _ := rm.Allow(big.NewInt(300)); !ok {
		t.Error("fee that exactly fits the budget refused")
	}
	if ok, reason := rm.Allow(big.NewInt(301)); ok || reason != "daily gas budget exhausted" {
		t.Errorf("Allow(301) = %v, %q", ok, reason)
	}

	rm.processReport(report(true, 300))
	if !rm.killSwitchActive {
		t.Error("kill switch should fire when the budget is spent")
	}
	if snap := rm.GetRiskSnapshot(); snap.BudgetUsedPct != 100 || snap.GasSpentToday != "1000" {
		t.Errorf("snapshot = %+v", snap)
	}

	// next UTC day: spend counter resets, cooldown still applies
	*now = now.Add(13 * time.Hour)
	rm.clearExpiredKillSwitch()
	if ok, reason := rm.Allow(big.NewInt(10)); !ok {
		t.Errorf("Allow refused on a new day: %s", reason)
	}
	if got := rm.GetRiskSnapshot().GasSpentToday; got != "0" {
		t.Errorf("spent today = %s, want 0", got)
	}
}

func TestUnlimitedBudget(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.MaxDailyGasWei = ""
	rm, _ := newTestManager(cfg)

	rm.processReport(report(true, 1_000_000))
	if ok, _ := rm.Allow(big.NewInt(1_000_000)); !ok {
		t.Error("unlimited budget refused a fee")
	}
	if snap := rm.GetRiskSnapshot(); snap.DailyGasBudget != "" {
		t.Errorf("budget = %q, want empty", snap.DailyGasBudget)
	}
}

func TestIsKillSwitchCooldown(t *testing.T) {
	t.Parallel()
	rm, now := newTestManager(testRiskConfig())

	for i := 0; i < 3; i++ {
		rm.processReport(report(false, 0))
	}
	if !rm.IsKillSwitchActive() {
		t.Fatal("kill switch should be active immediately after breach")
	}

	*now = now.Add(6 * time.Minute)

	if rm.IsKillSwitchActive() {
		t.Error("kill switch should expire after cooldown")
	}
}

func TestEmitKillKeepsLatestSignal(t *testing.T) {
	t.Parallel()
	rm, _ := newTestManager(testRiskConfig())

	for i := 0; i < cap(rm.killCh)+2; i++ {
		rm.emitKill("reason")
	}
	if n := drainKills(rm); n != cap(rm.killCh) {
		t.Errorf("signals = %d, want channel capacity %d", n, cap(rm.killCh))
	}
}
