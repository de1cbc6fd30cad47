// Package engine is the keeper's scheduler.
//
// It wires together all subsystems:
//
//  1. The indexer Poller pulls loan and order snapshots on its own cadence.
//  2. The event Subscriber streams decoded ledger logs with reconnect and backfill.
//  3. One loop goroutine owns the tracker. Every tick it drains the latest
//     snapshot and all queued events, verifies loans awaiting a ledger check,
//     then runs the liquidation and subscription passes.
//  4. Admitted actions run in executor workers; their outcomes come back to
//     the loop as messages, so the tracker has a single writer.
//  5. The risk manager caps daily gas spend and halts execution after
//     repeated failures.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"vault-keeper/internal/api"
	"vault-keeper/internal/config"
	"vault-keeper/internal/events"
	"vault-keeper/internal/executor"
	"vault-keeper/internal/indexer"
	"vault-keeper/internal/ledger"
	"vault-keeper/internal/metrics"
	"vault-keeper/internal/risk"
	"vault-keeper/internal/store"
	"vault-keeper/internal/tracker"
	"vault-keeper/pkg/types"
)

const (
	recentOutcomes  = 50
	dashboardBuffer = 100
)

// chainReader is the part of the ledger client the passes read from.
type chainReader interface {
	StartTime(ctx context.Context, pool common.Address) (int64, error)
	EpochLength(ctx context.Context, pool common.Address) (int64, error)
	PayoutPerReservation(ctx context.Context, pool common.Address, epoch int64) (*big.Int, error)
	AdjustmentsMade(ctx context.Context, pool common.Address, positionNonce uint64) (uint64, error)
	AdjustmentsRequired(ctx context.Context, pool common.Address) (uint64, error)
	TicketLimit(ctx context.Context, pool common.Address) (*big.Int, error)
	TicketInfo(ctx context.Context, pool common.Address, epoch int64, ticket uint64) (*big.Int, error)
	TokensStored(ctx context.Context, owner, token common.Address) (*big.Int, error)
	CurrentFeeRate(ctx context.Context) (*big.Int, error)
	LoanDeployed(ctx context.Context, collection common.Address, item *big.Int) (bool, error)
}

// auctionSource resolves closure auctions by adjustment nonce.
type auctionSource interface {
	QueryAuctionStatus(ctx context.Context, pool common.Address, adjustmentNonce uint64) (types.AuctionRecord, error)
}

// runner is the part of the executor the loop drives.
type runner interface {
	Execute(ctx context.Context, req executor.Request) executor.Reject
	Outcomes() <-chan executor.Outcome
	InFlight() int
	Wait()
}

// feedStatus reports on the event subscription.
type feedStatus interface {
	LastBlock() uint64
	Delivered() uint64
	Connected() bool
}

// deps are the collaborators of an Engine. New builds the real ones; tests
// pass fakes.
type deps struct {
	chain     chainReader
	auctions  auctionSource
	exec      runner
	riskMgr   *risk.Manager
	tracker   *tracker.Store
	store     *store.Store // nil disables persistence
	metrics   *metrics.Metrics
	events    <-chan types.Event
	snapshots <-chan indexer.Snapshot
	feed      feedStatus
}

// Engine runs the scheduler loop and owns the tracker.
type Engine struct {
	cfg       config.Config
	chain     chainReader
	auctions  auctionSource
	exec      runner
	riskMgr   *risk.Manager
	tracker   *tracker.Store
	store     *store.Store
	metrics   *metrics.Metrics
	registry  *prometheus.Registry
	events    <-chan types.Event
	snapshots <-chan indexer.Snapshot
	feed      feedStatus
	logger    *slog.Logger

	// Background feeds started by Start. Nil when the engine is built for tests.
	subscriber *events.Subscriber
	poller     *indexer.Poller
	closers    []func()

	lending       common.Address
	subscriptions common.Address
	subsidies     map[types.Action]*big.Int

	// Loop-owned state.
	clocks       map[common.Address]poolClock
	appliedBlock uint64
	lastSave     time.Time
	now          func() time.Time

	recentMu sync.Mutex
	recent   []api.OutcomeEvent
	feeRate  atomic.Pointer[big.Int] // last gas price read by the loop

	// dashboardEvents is nil when the dashboard is disabled.
	dashboardEvents chan api.DashboardEvent

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New dials the ledger, restores the last checkpoint and wires every component.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	dialCtx, cancelDial := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelDial()

	lc, err := ledger.Dial(dialCtx, cfg, logger)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		lc.Close()
		return nil, err
	}

	tr := tracker.New()
	var resume uint64
	cp, err := st.LoadTracker()
	switch {
	case err != nil:
		logger.Warn("ignoring unreadable checkpoint, starting cold", "error", err)
	case cp != nil:
		tr.Import(cp.State)
		resume = cp.LastEventBlock
		logger.Info("restored tracker checkpoint",
			"saved_at", cp.SavedAt,
			"last_event_block", cp.LastEventBlock,
			"loans", len(cp.State.Loans),
			"orders", len(cp.State.Orders),
		)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	idx := indexer.NewClient(cfg.Indexer, logger)
	riskMgr := risk.NewManager(cfg.Risk, logger)
	coord := executor.New(lc, riskMgr, cfg.Engine.MaxInFlight, logger)

	sub := events.NewSubscriber(events.Options{
		URL:            cfg.Chain.WSURL,
		Contracts:      []common.Address{cfg.Contracts.LendingAddress(), cfg.Contracts.SubscriptionsAddress()},
		Buffer:         cfg.Engine.EventBuffer,
		DedupTTL:       cfg.Engine.DedupTTL,
		BackfillBlocks: cfg.Engine.BackfillBlocks,
		ResumeBlock:    resume,
	}, logger)
	poller := indexer.NewPoller(idx, cfg.Indexer.PollInterval,
		cfg.Engine.LiquidationsEnabled, cfg.Engine.SubscriptionsEnabled, logger)

	e, err := newEngine(cfg, deps{
		chain:     lc,
		auctions:  idx,
		exec:      coord,
		riskMgr:   riskMgr,
		tracker:   tr,
		store:     st,
		metrics:   metrics.New(reg),
		events:    sub.Events(),
		snapshots: poller.Results(),
		feed:      sub,
	}, logger)
	if err != nil {
		lc.Close()
		return nil, err
	}
	e.registry = reg
	e.appliedBlock = resume
	e.subscriber = sub
	e.poller = poller
	e.closers = append(e.closers, lc.Close, func() { st.Close() })
	return e, nil
}

func newEngine(cfg config.Config, d deps, logger *slog.Logger) (*Engine, error) {
	subsidies := make(map[types.Action]*big.Int, 4)
	for _, action := range []types.Action{types.ActionLiquidation, types.ActionPurchase, types.ActionAdjustment, types.ActionSale} {
		v, err := cfg.Subsidy.For(action)
		if err != nil {
			return nil, err
		}
		subsidies[action] = v
	}

	var dashEvents chan api.DashboardEvent
	if cfg.Dashboard.Enabled {
		dashEvents = make(chan api.DashboardEvent, dashboardBuffer)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:             cfg,
		chain:           d.chain,
		auctions:        d.auctions,
		exec:            d.exec,
		riskMgr:         d.riskMgr,
		tracker:         d.tracker,
		store:           d.store,
		metrics:         d.metrics,
		events:          d.events,
		snapshots:       d.snapshots,
		feed:            d.feed,
		logger:          logger.With("component", "engine"),
		lending:         cfg.Contracts.LendingAddress(),
		subscriptions:   cfg.Contracts.SubscriptionsAddress(),
		subsidies:       subsidies,
		clocks:          make(map[common.Address]poolClock),
		now:             time.Now,
		dashboardEvents: dashEvents,
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

// Start launches the feeds, the risk manager and the scheduler loop.
func (e *Engine) Start() error {
	if e.group != nil {
		return errors.New("engine already started")
	}
	g, ctx := errgroup.WithContext(e.ctx)
	e.group = g

	if e.subscriber != nil {
		g.Go(func() error { return e.subscriber.Run(ctx) })
	}
	if e.poller != nil {
		g.Go(func() error { return e.poller.Run(ctx) })
	}
	g.Go(func() error {
		e.riskMgr.Run(ctx)
		return nil
	})
	g.Go(func() error { return e.run(ctx) })
	return nil
}

// Stop cancels the feeds and the loop, waits for in-flight transactions to
// post their outcomes, applies them, and writes a final checkpoint.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()

	if e.group != nil {
		if err := e.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("component stopped with error", "error", err)
		}
	}

	// Workers see confirmation through even after cancel. A worker blocks
	// on a full outcome buffer, so keep applying outcomes until all exit.
	e.awaitWorkers()
	e.drainOutcomes()
	e.drainEvents()

	e.persist()

	if e.dashboardEvents != nil {
		close(e.dashboardEvents)
	}
	for _, c := range e.closers {
		c()
	}
	e.logger.Info("shutdown complete")
}

func (e *Engine) awaitWorkers() {
	done := make(chan struct{})
	go func() {
		e.exec.Wait()
		close(done)
	}()
	for {
		select {
		case out := <-e.exec.Outcomes():
			e.applyOutcome(out)
		case <-done:
			return
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Dashboard access
// ————————————————————————————————————————————————————————————————————————

// Registry returns the Prometheus registry, nil for engines built without one.
func (e *Engine) Registry() prometheus.Gatherer {
	if e.registry == nil {
		return nil
	}
	return e.registry
}

// Tracker returns the tracker for read-only dashboard access.
func (e *Engine) Tracker() *tracker.Store {
	return e.tracker
}

// RiskSnapshot returns the current risk state.
func (e *Engine) RiskSnapshot() risk.RiskSnapshot {
	return e.riskMgr.GetRiskSnapshot()
}

// SubscriberStatus reports on the event subscription.
func (e *Engine) SubscriberStatus() api.SubscriberStatus {
	st := api.SubscriberStatus{Queued: len(e.events)}
	if e.feed != nil {
		st.Connected = e.feed.Connected()
		st.LastBlock = e.feed.LastBlock()
		st.Delivered = e.feed.Delivered()
	}
	return st
}

// InFlight returns the number of transactions awaiting confirmation.
func (e *Engine) InFlight() int {
	return e.exec.InFlight()
}

// RecentOutcomes returns the latest execution outcomes, newest first.
func (e *Engine) RecentOutcomes() []api.OutcomeEvent {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()

	out := make([]api.OutcomeEvent, len(e.recent))
	for i, evt := range e.recent {
		out[len(e.recent)-1-i] = evt
	}
	return out
}

// FeeRate returns the gas price read at the last cycle, nil before the first.
func (e *Engine) FeeRate() *big.Int {
	return e.feeRate.Load()
}

// DashboardEvents returns the dashboard event channel (may be nil).
func (e *Engine) DashboardEvents() <-chan api.DashboardEvent {
	return e.dashboardEvents
}

func (e *Engine) remember(evt api.OutcomeEvent) {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()

	e.recent = append(e.recent, evt)
	if len(e.recent) > recentOutcomes {
		e.recent = e.recent[len(e.recent)-recentOutcomes:]
	}
}

// emitDashboardEvent sends an event to the dashboard (non-blocking).
func (e *Engine) emitDashboardEvent(typ, key string, data any) {
	if e.dashboardEvents == nil {
		return
	}

	select {
	case e.dashboardEvents <- api.DashboardEvent{Type: typ, Timestamp: e.now(), Key: key, Data: data}:
	default:
		// Dashboard can't keep up, drop event
	}
}

func orderKey(nonce uint64) string {
	return fmt.Sprintf("order %d", nonce)
}

func positionKey(nonce, positionNonce uint64) string {
	return fmt.Sprintf("order %d/pos %d", nonce, positionNonce)
}
