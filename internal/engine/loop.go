package engine

import (
	"context"
	"time"

	"vault-keeper/internal/api"
	"vault-keeper/internal/executor"
	"vault-keeper/internal/indexer"
	"vault-keeper/internal/risk"
	"vault-keeper/pkg/types"
)

// cycleStats counts what one cycle did.
type cycleStats struct {
	events    int
	submitted int
	rejected  int
}

// run is the scheduler loop. It is the only goroutine that writes the tracker.
func (e *Engine) run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Engine.CycleInterval)
	defer ticker.Stop()

	e.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.cycle(ctx)
		case out := <-e.exec.Outcomes():
			e.applyOutcome(out)
		case kill := <-e.riskMgr.KillCh():
			e.handleKill(kill)
		}
	}
}

// cycle runs one evaluation pass over everything tracked.
func (e *Engine) cycle(ctx context.Context) {
	start := e.now()
	var stats cycleStats

	e.drainOutcomes()
	// Events first: a snapshot then overrides any loan whose amount it
	// already covers, and the tracker drops later deltas at or below it.
	stats.events = e.drainEvents()
	e.drainSnapshot()
	e.verifyLoans(ctx)
	e.readFeeRate(ctx)

	if e.riskMgr.IsKillSwitchActive() {
		e.logger.Debug("kill switch active, skipping passes")
	} else {
		if e.cfg.Engine.LiquidationsEnabled {
			e.liquidationPass(ctx, &stats)
		}
		if e.cfg.Engine.SubscriptionsEnabled {
			e.subscriptionPass(ctx, &stats)
		}
	}

	if e.store != nil && e.now().Sub(e.lastSave) >= e.cfg.Store.SaveInterval {
		e.persist()
	}

	elapsed := e.now().Sub(start)
	st := e.tracker.Stats()
	e.metrics.ObserveCycle(elapsed)
	e.metrics.SetTracker(st)
	e.metrics.SetKillSwitch(e.riskMgr.IsKillSwitchActive())

	e.logger.Debug("cycle complete",
		"elapsed", elapsed,
		"events", stats.events,
		"submitted", stats.submitted,
		"rejected", stats.rejected,
		"loans", st.Loans,
		"orders", st.Orders,
		"in_flight", e.exec.InFlight(),
	)
	e.emitDashboardEvent(api.EventCycle, "", api.CycleEvent{
		Duration:   float64(elapsed.Microseconds()) / 1000,
		Loans:      st.Loans,
		Orders:     st.Orders,
		Submitted:  stats.submitted,
		Rejected:   stats.rejected,
		EventsSeen: stats.events,
	})
}

// readFeeRate records the node's gas price for the dashboard and metrics.
// A failed read keeps the previous value.
func (e *Engine) readFeeRate(ctx context.Context) {
	price, err := e.chain.CurrentFeeRate(ctx)
	if err != nil {
		e.logger.Warn("gas price read failed", "error", err)
		return
	}
	e.feeRate.Store(price)
	e.metrics.SetGasPrice(price)
}

// drainSnapshot applies the newest indexer snapshot, if one arrived.
func (e *Engine) drainSnapshot() {
	var (
		snap indexer.Snapshot
		ok   bool
	)
drain:
	for {
		select {
		case s := <-e.snapshots:
			snap, ok = s, true
		default:
			break drain
		}
	}
	if !ok {
		return
	}

	if e.cfg.Engine.LiquidationsEnabled {
		suspect := e.tracker.ApplyLoanSnapshot(snap.Loans, snap.Block)
		if len(suspect) > 0 {
			e.logger.Info("indexer no longer reports loans, awaiting ledger check", "count", len(suspect))
		}
	}
	if e.cfg.Engine.SubscriptionsEnabled {
		e.tracker.ApplyOrderSnapshot(snap.Orders)
	}
	e.metrics.IncSnapshot()
	e.logger.Debug("applied indexer snapshot",
		"block", snap.Block,
		"loans", len(snap.Loans),
		"orders", len(snap.Orders),
	)
}

// drainEvents applies every queued ledger event and returns how many.
func (e *Engine) drainEvents() int {
	n := 0
	for {
		select {
		case evt := <-e.events:
			e.applyEvent(evt)
			n++
		default:
			return n
		}
	}
}

func (e *Engine) applyEvent(evt types.Event) {
	log := e.logger.With("event", evt.Kind, "block", evt.Block, "tx", evt.TxHash.Hex())

	switch evt.Kind {
	case types.EventBorrowed:
		f := evt.Loan
		e.tracker.ApplyBorrowed(f.Collection, f.Item, f.Pool, f.Borrower, f.Amount, evt.Block)
	case types.EventRepaid:
		f := evt.Loan
		if e.tracker.ApplyRepaid(f.Collection, f.Item, f.Amount, evt.Block) {
			log.Debug("loan repaid, ledger check scheduled", "key", types.NewLoanKey(f.Collection, f.Item))
		}
	case types.EventLiquidated:
		f := evt.Loan
		if e.tracker.ApplyLiquidated(f.Collection, f.Item) {
			log.Info("loan liquidated", "key", types.NewLoanKey(f.Collection, f.Item))
		}
	case types.EventSubCreated:
		e.tracker.ApplySubCreated(evt.Sub)
	case types.EventPurchaseExecuted:
		e.tracker.ApplyPurchaseExecuted(evt.Sub.Nonce, evt.Sub.PositionNonce, evt.Sub.UnlockEpoch)
	case types.EventAdjustmentExecuted:
		e.tracker.ApplyAdjustmentExecuted(evt.Sub.Nonce, evt.Sub.PositionNonce, evt.Sub.AuctionNonce)
	case types.EventSaleExecuted:
		e.tracker.ApplySaleExecuted(evt.Sub.Nonce, evt.Sub.PositionNonce)
	case types.EventSubCancelled:
		e.tracker.ApplyCancelled(evt.Sub.Nonce)
		log.Info("subscription cancelled", "nonce", evt.Sub.Nonce)
	default:
		log.Warn("unhandled event kind")
		return
	}
	if evt.Block > e.appliedBlock {
		e.appliedBlock = evt.Block
	}
	e.metrics.IncEvent(evt.Kind)
}

// drainOutcomes applies every outcome already posted by the workers.
func (e *Engine) drainOutcomes() {
	for {
		select {
		case out := <-e.exec.Outcomes():
			e.applyOutcome(out)
		default:
			return
		}
	}
}

// applyOutcome advances the tracker on success and always releases the
// entity's pending flag.
func (e *Engine) applyOutcome(out executor.Outcome) {
	req := out.Request
	log := e.logger.With("action", req.Action, "key", req.Key, "hash", out.Hash.Hex())

	if out.Success {
		switch req.Action {
		case types.ActionLiquidation:
			e.tracker.RetireLoan(req.LoanKey)
		case types.ActionPurchase:
			e.tracker.ApplyPurchaseExecuted(req.Nonce, out.Event.Sub.PositionNonce, out.Event.Sub.UnlockEpoch)
		case types.ActionAdjustment:
			e.tracker.ApplyAdjustmentExecuted(req.Nonce, req.PositionNonce, out.Event.Sub.AuctionNonce)
		case types.ActionSale:
			e.tracker.ApplySaleExecuted(req.Nonce, req.PositionNonce)
		}
		log.Info("action confirmed", "fee", out.Fee, "elapsed", out.Elapsed)
	} else if out.DryRun {
		log.Info("dry run: action not sent", "estimated_fee", out.Estimated)
	} else {
		log.Warn("action failed", "error", out.Err, "fee", out.Fee)
	}

	switch req.Action {
	case types.ActionLiquidation:
		e.tracker.ClearLiquidation(req.LoanKey)
	case types.ActionPurchase:
		e.tracker.ClearPurchase(req.Nonce)
	case types.ActionAdjustment:
		e.tracker.ClearAdjustment(req.Nonce, req.PositionNonce)
	case types.ActionSale:
		e.tracker.ClearSale(req.Nonce, req.PositionNonce)
	}

	// A dry run proves nothing either way; keep it out of the failure streak.
	if !out.DryRun {
		e.riskMgr.Report(risk.ExecutionReport{
			Action:    req.Action,
			Key:       req.Key,
			Success:   out.Success,
			Fee:       out.Fee,
			Timestamp: e.now(),
		})
	}

	evt := api.NewOutcomeEvent(out, e.now())
	e.metrics.ObserveOutcome(req.Action, evt.Result, out.Fee)
	e.remember(evt)
	e.emitDashboardEvent(api.EventOutcome, req.Key, evt)
}

func (e *Engine) handleKill(kill risk.KillSignal) {
	until := e.now().Add(e.cfg.Risk.CooldownAfterKill)
	e.logger.Error("KILL SIGNAL received, execution halted",
		"reason", kill.Reason,
		"until", until,
		"in_flight", e.exec.InFlight(),
	)
	e.metrics.SetKillSwitch(true)
	e.emitDashboardEvent(api.EventKill, "", api.NewKillEvent(kill.Reason, until))
}

// persist writes a checkpoint of the tracker along with the highest block
// whose events it contains.
func (e *Engine) persist() {
	if e.store == nil {
		return
	}
	if err := e.store.SaveTracker(e.tracker.Export(), e.appliedBlock); err != nil {
		e.logger.Error("failed to save tracker checkpoint", "error", err)
		return
	}
	e.lastSave = e.now()
}
