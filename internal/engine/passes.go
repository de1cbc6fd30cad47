package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"vault-keeper/internal/api"
	"vault-keeper/internal/eligibility"
	"vault-keeper/internal/executor"
	"vault-keeper/internal/indexer"
	"vault-keeper/internal/ledger"
	"vault-keeper/internal/tracker"
	"vault-keeper/pkg/types"
)

// errPassStopped ends a pass early when no worker slot is free.
var errPassStopped = errors.New("executor busy")

// poolClock holds a pool's immutable epoch parameters.
type poolClock struct {
	start  int64
	length int64
}

// clock returns the pool's epoch parameters, reading them once per pool.
func (e *Engine) clock(ctx context.Context, pool common.Address) (poolClock, error) {
	if c, ok := e.clocks[pool]; ok {
		return c, nil
	}
	start, err := e.chain.StartTime(ctx, pool)
	if err != nil {
		return poolClock{}, fmt.Errorf("start time: %w", err)
	}
	length, err := e.chain.EpochLength(ctx, pool)
	if err != nil {
		return poolClock{}, fmt.Errorf("epoch length: %w", err)
	}
	if length <= 0 {
		return poolClock{}, fmt.Errorf("pool %s: %w", pool.Hex(), eligibility.ErrBadEpochLength)
	}
	c := poolClock{start: start, length: length}
	e.clocks[pool] = c
	return c, nil
}

// currentEpoch returns the pool's epoch now; negative before the pool starts.
func (e *Engine) currentEpoch(ctx context.Context, pool common.Address) (poolClock, int64, error) {
	c, err := e.clock(ctx, pool)
	if err != nil {
		return poolClock{}, 0, err
	}
	epoch, err := eligibility.CurrentEpoch(e.now(), c.start, c.length)
	return c, epoch, err
}

// verifyLoans asks the ledger about every loan flagged by a Repaid event or
// a snapshot miss. Only a "not deployed" answer retires a loan.
func (e *Engine) verifyLoans(ctx context.Context) {
	for _, key := range e.tracker.LoansAwaitingCheck() {
		if ctx.Err() != nil {
			return
		}
		l, ok := e.tracker.Loan(key)
		if !ok {
			continue
		}
		deployed, err := e.chain.LoanDeployed(ctx, l.Collection, l.Item)
		if err != nil {
			e.logger.Warn("loan status read failed, retrying next cycle", "key", key, "error", err)
			continue
		}
		if deployed {
			e.tracker.ConfirmDeployed(key)
			continue
		}
		if e.tracker.RetireLoan(key) {
			e.logger.Info("loan retired", "key", key, "borrower", l.Borrower.Hex())
		}
	}
}

// liquidationPass submits a liquidation for every loan whose outstanding
// amount exceeds 95% of the payout projected for the epoch the transaction
// would land in.
func (e *Engine) liquidationPass(ctx context.Context, stats *cycleStats) {
	type payoutKey struct {
		pool  common.Address
		epoch int64
	}
	payouts := make(map[payoutKey]*big.Int)

	for _, l := range e.tracker.Loans() {
		if ctx.Err() != nil {
			return
		}
		if l.PendingLiquidation || l.NeedsCheck || l.Outstanding.Sign() == 0 {
			continue
		}
		log := e.logger.With("key", l.Key, "pool", l.Pool.Hex())

		c, current, err := e.currentEpoch(ctx, l.Pool)
		if err != nil {
			log.Warn("pool clock unavailable", "error", err)
			continue
		}
		if current < 0 {
			continue
		}
		future, err := eligibility.FutureEpoch(e.now(), e.cfg.Engine.NetworkLatency, c.start, c.length)
		if err != nil {
			log.Warn("future epoch", "error", err)
			continue
		}

		pk := payoutKey{l.Pool, future}
		payout, ok := payouts[pk]
		if !ok {
			payout, err = e.chain.PayoutPerReservation(ctx, l.Pool, future)
			if err != nil {
				log.Warn("payout read failed", "epoch", future, "error", err)
				continue
			}
			payouts[pk] = payout
		}
		if !eligibility.ShouldLiquidate(l.Outstanding, payout) {
			continue
		}

		log.Info("loan eligible for liquidation",
			"outstanding", l.Outstanding,
			"payout", payout,
			"epoch", future,
		)
		key := l.Key
		collection, item := l.Collection, l.Item
		req := executor.Request{
			Action:  types.ActionLiquidation,
			Key:     key.String(),
			Subsidy: e.subsidies[types.ActionLiquidation],
			Call:    ledger.Liquidate(e.lending, collection, item),
			Claim:   func() bool { return e.tracker.TryMarkLiquidation(key) },
			Match: func(evt types.Event) bool {
				return types.NewLoanKey(evt.Loan.Collection, evt.Loan.Item) == key
			},
			LoanKey: key,
		}
		if err := e.execute(ctx, req, stats); err != nil {
			return
		}
	}
}

// subscriptionPass evaluates purchases for every active order and
// adjustment or sale for every open position.
func (e *Engine) subscriptionPass(ctx context.Context, stats *cycleStats) {
	limits := make(map[common.Address]*big.Int)
	required := make(map[common.Address]uint64)

	for _, o := range e.tracker.Orders() {
		if ctx.Err() != nil {
			return
		}
		if o.Cancelled {
			continue
		}
		log := e.logger.With("order", o.Nonce, "pool", o.Pool.Hex())

		_, current, err := e.currentEpoch(ctx, o.Pool)
		if err != nil {
			log.Warn("pool clock unavailable", "error", err)
			continue
		}
		if current < 0 {
			continue
		}

		if !o.PendingPurchase {
			if err := e.tryPurchase(ctx, o, current, limits, stats); errors.Is(err, errPassStopped) {
				return
			}
		}

		positions := o.SortedPositions()
		if len(positions) == 0 {
			continue
		}
		need, ok := required[o.Pool]
		if !ok {
			need, err = e.chain.AdjustmentsRequired(ctx, o.Pool)
			if err != nil {
				log.Warn("adjustments required read failed", "error", err)
				continue
			}
			required[o.Pool] = need
		}
		for _, p := range positions {
			if p.PendingAdjustment || p.PendingSale {
				continue
			}
			if err := e.tryPosition(ctx, o, p, current, need, stats); errors.Is(err, errPassStopped) {
				return
			}
		}
	}
}

func (e *Engine) tryPurchase(ctx context.Context, o tracker.Order, current int64, limits map[common.Address]*big.Int, stats *cycleStats) error {
	// With stored tokens assumed and no fills, CheckPurchase stops at the
	// first ticket only if every check that needs no reads has passed.
	if eligibility.CheckPurchase(o, current, o.TotalAmount(), nil, nil) != eligibility.PurchaseFillUnknown {
		return nil
	}
	log := e.logger.With("order", o.Nonce, "epoch", current)

	stored, err := e.chain.TokensStored(ctx, o.Owner, o.Token)
	if err != nil {
		log.Warn("stored tokens read failed", "error", err)
		return nil
	}
	limit, ok := limits[o.Pool]
	if !ok {
		limit, err = e.chain.TicketLimit(ctx, o.Pool)
		if err != nil {
			log.Warn("ticket limit read failed", "error", err)
			return nil
		}
		limits[o.Pool] = limit
	}
	fills := make(map[uint64]*big.Int, len(o.Tickets))
	for _, t := range o.Tickets {
		fill, err := e.chain.TicketInfo(ctx, o.Pool, current, t)
		if err != nil {
			log.Warn("ticket info read failed", "ticket", t, "error", err)
			return nil
		}
		fills[t] = fill
	}

	if reason := eligibility.CheckPurchase(o, current, stored, fills, limit); reason != eligibility.PurchaseReady {
		log.Debug("purchase not ready", "reason", reason)
		return nil
	}

	nonce := o.Nonce
	return e.execute(ctx, executor.Request{
		Action:  types.ActionPurchase,
		Key:     orderKey(nonce),
		Owner:   o.Owner,
		Subsidy: e.subsidies[types.ActionPurchase],
		Call:    ledger.ExecutePurchase(e.subscriptions, nonce),
		Claim:   func() bool { return e.tracker.TryMarkPurchase(nonce) },
		Match:   func(evt types.Event) bool { return evt.Sub.Nonce == nonce },
		Nonce:   nonce,
	}, stats)
}

func (e *Engine) tryPosition(ctx context.Context, o tracker.Order, p tracker.Position, current int64, required uint64, stats *cycleStats) error {
	log := e.logger.With("order", o.Nonce, "position", p.Nonce)

	made, err := e.chain.AdjustmentsMade(ctx, o.Pool, p.Nonce)
	if err != nil {
		log.Warn("adjustments made read failed", "error", err)
		return nil
	}

	var auction types.AuctionRecord
	if made < required {
		auction, err = e.auctions.QueryAuctionStatus(ctx, o.Pool, eligibility.NextAdjustmentNonce(made))
		switch {
		case errors.Is(err, indexer.ErrAuctionNotFound):
			log.Debug("closure auction not indexed yet", "adjustment_nonce", eligibility.NextAdjustmentNonce(made))
			return nil
		case err != nil:
			log.Warn("auction status query failed", "error", err)
			return nil
		}
	}

	nonce, pos := o.Nonce, p.Nonce
	match := func(evt types.Event) bool {
		return evt.Sub.Nonce == nonce && evt.Sub.PositionNonce == pos
	}

	switch eligibility.PositionAction(made, required, current, p.UnlockEpoch, auction.Ended) {
	case eligibility.ActionAdjust:
		return e.execute(ctx, executor.Request{
			Action:        types.ActionAdjustment,
			Key:           positionKey(nonce, pos),
			Owner:         o.Owner,
			Subsidy:       e.subsidies[types.ActionAdjustment],
			Call:          ledger.ExecuteAdjustment(e.subscriptions, nonce, pos, auction.Nonce),
			Claim:         func() bool { return e.tracker.TryMarkAdjustment(nonce, pos) },
			Match:         match,
			Nonce:         nonce,
			PositionNonce: pos,
		}, stats)
	case eligibility.ActionSell:
		return e.execute(ctx, executor.Request{
			Action:        types.ActionSale,
			Key:           positionKey(nonce, pos),
			Owner:         o.Owner,
			Subsidy:       e.subsidies[types.ActionSale],
			Call:          ledger.ExecuteSale(e.subscriptions, nonce, pos),
			Claim:         func() bool { return e.tracker.TryMarkSale(nonce, pos) },
			Match:         match,
			Nonce:         nonce,
			PositionNonce: pos,
		}, stats)
	}
	return nil
}

// execute hands req to the executor and records the admission result. It
// returns errPassStopped when every worker slot is taken.
func (e *Engine) execute(ctx context.Context, req executor.Request, stats *cycleStats) error {
	reject := e.exec.Execute(ctx, req)
	switch reject {
	case executor.RejectNone:
		stats.submitted++
		e.metrics.IncAttempt(req.Action)
		return nil
	case executor.RejectBusy:
		e.logger.Debug("executor busy, ending pass", "action", req.Action, "key", req.Key)
		return errPassStopped
	case executor.RejectPending:
		return nil
	}

	stats.rejected++
	e.metrics.IncRejection(req.Action, string(reject))
	e.emitDashboardEvent(api.EventRejection, req.Key, api.NewRejectionEvent(req, reject))
	return nil
}
