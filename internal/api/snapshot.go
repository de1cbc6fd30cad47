package api

import (
	"math/big"
	"time"

	"vault-keeper/internal/config"
	"vault-keeper/internal/risk"
	"vault-keeper/internal/tracker"
)

// SnapshotProvider provides read access to keeper state. The engine implements it.
type SnapshotProvider interface {
	Tracker() *tracker.Store
	RiskSnapshot() risk.RiskSnapshot
	SubscriberStatus() SubscriberStatus
	InFlight() int
	RecentOutcomes() []OutcomeEvent
	FeeRate() *big.Int // nil until first read
}

// BuildSnapshot aggregates state from all components into a dashboard snapshot
func BuildSnapshot(provider SnapshotProvider, cfg config.Config) DashboardSnapshot {
	store := provider.Tracker()

	return DashboardSnapshot{
		Timestamp:  time.Now(),
		DryRun:     cfg.DryRun,
		Tracker:    store.Stats(),
		Loans:      loanStatuses(store.Loans()),
		Orders:     orderStatuses(store.Orders()),
		InFlight:   provider.InFlight(),
		GasPrice:   WeiToGwei(provider.FeeRate()),
		Recent:     provider.RecentOutcomes(),
		Risk:       convertRiskSnapshot(provider.RiskSnapshot()),
		Subscriber: provider.SubscriberStatus(),
		Config:     NewConfigSummary(cfg),
	}
}

func loanStatuses(loans []tracker.Loan) []LoanStatus {
	out := make([]LoanStatus, 0, len(loans))
	for _, l := range loans {
		out = append(out, LoanStatus{
			Key:                l.Key.String(),
			Pool:               l.Pool.Hex(),
			Borrower:           l.Borrower.Hex(),
			Outstanding:        WeiToEther(l.Outstanding),
			UpdatedBlock:       l.UpdatedBlock,
			NeedsCheck:         l.NeedsCheck,
			PendingLiquidation: l.PendingLiquidation,
		})
	}
	return out
}

func orderStatuses(orders []tracker.Order) []OrderStatus {
	out := make([]OrderStatus, 0, len(orders))
	for _, o := range orders {
		st := OrderStatus{
			Nonce:             o.Nonce,
			Owner:             o.Owner.Hex(),
			Pool:              o.Pool.Hex(),
			Tickets:           append([]uint64(nil), o.Tickets...),
			TotalAmount:       WeiToEther(o.TotalAmount()),
			LockEpochs:        o.LockEpochs,
			LastPurchaseEpoch: o.LastPurchaseEpoch,
			Cancelled:         o.Cancelled,
			PendingPurchase:   o.PendingPurchase,
		}
		for _, p := range o.SortedPositions() {
			st.Positions = append(st.Positions, PositionStatus{
				Nonce:             p.Nonce,
				UnlockEpoch:       p.UnlockEpoch,
				LastAuctionNonce:  p.LastAuctionNonce,
				PendingAdjustment: p.PendingAdjustment,
				PendingSale:       p.PendingSale,
			})
		}
		out = append(out, st)
	}
	return out
}

// convertRiskSnapshot converts internal risk snapshot to API format
func convertRiskSnapshot(snap risk.RiskSnapshot) RiskSnapshot {
	return RiskSnapshot{
		GasSpentToday:          weiStringToEther(snap.GasSpentToday),
		DailyGasBudget:         weiStringToEther(snap.DailyGasBudget),
		BudgetUsedPct:          snap.BudgetUsedPct,
		ConsecutiveFailures:    snap.ConsecutiveFailures,
		MaxConsecutiveFailures: snap.MaxConsecutiveFailures,
		Successes:              snap.Successes,
		Failures:               snap.Failures,
		KillSwitchActive:       snap.KillSwitchActive,
		KillSwitchUntil:        snap.KillSwitchUntil,
		KillSwitchReason:       snap.KillSwitchReason,
	}
}
