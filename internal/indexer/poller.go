package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"vault-keeper/pkg/types"
)

// Snapshot is one consistent pull of the indexer.
type Snapshot struct {
	Loans   []types.LoanRecord
	Orders  []types.OrderRecord
	Block   uint64 // every record is read as of this block
	TakenAt time.Time
}

// source is the part of Client the poller needs.
type source interface {
	HeadBlock(ctx context.Context) (uint64, error)
	QueryLoans(ctx context.Context, filter LoanFilter) ([]types.LoanRecord, error)
	QueryOrders(ctx context.Context, filter OrderFilter) ([]types.OrderRecord, error)
}

// Poller periodically pulls loans and orders. The engine reads the latest
// Snapshot from Results(); an unread snapshot is replaced by a newer one.
type Poller struct {
	src      source
	interval time.Duration
	loans    bool
	orders   bool
	logger   *slog.Logger
	resultCh chan Snapshot
}

// NewPoller creates a poller. Disabled halves of the pull are skipped.
func NewPoller(src *Client, interval time.Duration, loans, orders bool, logger *slog.Logger) *Poller {
	return newPoller(src, interval, loans, orders, logger)
}

func newPoller(src source, interval time.Duration, loans, orders bool, logger *slog.Logger) *Poller {
	return &Poller{
		src:      src,
		interval: interval,
		loans:    loans,
		orders:   orders,
		logger:   logger.With("component", "indexer-poller"),
		resultCh: make(chan Snapshot, 1),
	}
}

// Results returns the channel the engine reads from.
func (p *Poller) Results() <-chan Snapshot {
	return p.resultCh
}

// Run starts the polling loop. Blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	// Pull immediately on startup
	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	snap, err := p.pull(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("indexer pull failed", "error", err)
		}
		return
	}

	p.logger.Info("indexer pull complete",
		"block", snap.Block,
		"loans", len(snap.Loans),
		"orders", len(snap.Orders),
	)

	// Non-blocking send
	select {
	case p.resultCh <- snap:
	default:
		// Replace stale snapshot
		select {
		case <-p.resultCh:
		default:
		}
		p.resultCh <- snap
	}
}

func (p *Poller) pull(ctx context.Context) (Snapshot, error) {
	// Every page is pinned to this head so the records match the stamp.
	head, err := p.src.HeadBlock(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Block: head, TakenAt: time.Now()}

	if p.loans {
		if snap.Loans, err = p.src.QueryLoans(ctx, LoanFilter{OutstandingOnly: true, Block: head}); err != nil {
			return Snapshot{}, fmt.Errorf("loans: %w", err)
		}
	}
	if p.orders {
		if snap.Orders, err = p.src.QueryOrders(ctx, OrderFilter{Block: head}); err != nil {
			return Snapshot{}, fmt.Errorf("orders: %w", err)
		}
	}
	return snap, nil
}
