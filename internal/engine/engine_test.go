package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"vault-keeper/internal/config"
	"vault-keeper/internal/executor"
	"vault-keeper/internal/indexer"
	"vault-keeper/internal/ledger"
	"vault-keeper/internal/risk"
	"vault-keeper/internal/store"
	"vault-keeper/internal/tracker"
	"vault-keeper/pkg/types"
)

const epochLength = 86400

var (
	testNow    = time.Unix(1_700_000_000, 0)
	pool       = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	collection = common.HexToAddress("0x00000000000000000000000000000000000000Cc")
	borrower   = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	owner      = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	token      = common.HexToAddress("0x0000000000000000000000000000000000000f01")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// startFor returns a pool start time that puts testNow early in the given epoch.
func startFor(epoch int64) int64 {
	return testNow.Unix() - epoch*epochLength - 100
}

type fakeChain struct {
	mu         sync.Mutex
	start      int64
	payout     *big.Int
	made       map[uint64]uint64
	required   uint64
	limit      *big.Int
	fill       *big.Int
	stored     *big.Int
	deployed   map[types.LoanKey]bool
	deployErr  error
	clockReads int
	payoutErr  error
	feeRate    *big.Int
}

func newFakeChain(epoch int64) *fakeChain {
	return &fakeChain{
		start:    startFor(epoch),
		payout:   big.NewInt(100),
		made:     map[uint64]uint64{},
		limit:    big.NewInt(1000),
		fill:     big.NewInt(0),
		stored:   big.NewInt(1000),
		deployed: map[types.LoanKey]bool{},
	}
}

func (c *fakeChain) StartTime(context.Context, common.Address) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clockReads++
	return c.start, nil
}

func (c *fakeChain) EpochLength(context.Context, common.Address) (int64, error) {
	return epochLength, nil
}

func (c *fakeChain) PayoutPerReservation(context.Context, common.Address, int64) (*big.Int, error) {
	return c.payout, c.payoutErr
}

func (c *fakeChain) AdjustmentsMade(_ context.Context, _ common.Address, pos uint64) (uint64, error) {
	return c.made[pos], nil
}

func (c *fakeChain) AdjustmentsRequired(context.Context, common.Address) (uint64, error) {
	return c.required, nil
}

func (c *fakeChain) TicketLimit(context.Context, common.Address) (*big.Int, error) {
	return c.limit, nil
}

func (c *fakeChain) TicketInfo(context.Context, common.Address, int64, uint64) (*big.Int, error) {
	return c.fill, nil
}

func (c *fakeChain) TokensStored(context.Context, common.Address, common.Address) (*big.Int, error) {
	return c.stored, nil
}

func (c *fakeChain) CurrentFeeRate(context.Context) (*big.Int, error) {
	if c.feeRate == nil {
		return nil, errors.New("no gas price")
	}
	return c.feeRate, nil
}

func (c *fakeChain) LoanDeployed(_ context.Context, coll common.Address, item *big.Int) (bool, error) {
	if c.deployErr != nil {
		return false, c.deployErr
	}
	return c.deployed[types.NewLoanKey(coll, item)], nil
}

type fakeAuctions struct {
	records map[uint64]types.AuctionRecord
}

func (a *fakeAuctions) QueryAuctionStatus(_ context.Context, _ common.Address, nonce uint64) (types.AuctionRecord, error) {
	rec, ok := a.records[nonce]
	if !ok {
		return types.AuctionRecord{}, indexer.ErrAuctionNotFound
	}
	return rec, nil
}

// fakeRunner admits everything unless told otherwise and never runs workers;
// tests post outcomes themselves.
type fakeRunner struct {
	requests []executor.Request
	reject   executor.Reject
	capacity int
	outcomes chan executor.Outcome
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{capacity: 100, outcomes: make(chan executor.Outcome, 8)}
}

func (r *fakeRunner) Execute(_ context.Context, req executor.Request) executor.Reject {
	if len(r.requests) >= r.capacity {
		return executor.RejectBusy
	}
	if r.reject != executor.RejectNone {
		return r.reject
	}
	if req.Claim != nil && !req.Claim() {
		return executor.RejectPending
	}
	r.requests = append(r.requests, req)
	return executor.RejectNone
}

func (r *fakeRunner) Outcomes() <-chan executor.Outcome { return r.outcomes }
func (r *fakeRunner) InFlight() int                     { return len(r.requests) }
func (r *fakeRunner) Wait()                             {}

func (r *fakeRunner) actions() []types.Action {
	out := make([]types.Action, 0, len(r.requests))
	for _, req := range r.requests {
		out = append(out, req.Action)
	}
	return out
}

type harness struct {
	e         *Engine
	chain     *fakeChain
	auctions  *fakeAuctions
	exec      *fakeRunner
	events    chan types.Event
	snapshots chan indexer.Snapshot
}

func testConfig() config.Config {
	return config.Config{
		Contracts: config.ContractsConfig{
			Lending:       "0x0000000000000000000000000000000000000001",
			Subscriptions: "0x0000000000000000000000000000000000000002",
		},
		Engine: config.EngineConfig{
			CycleInterval:        time.Second,
			MaxInFlight:          4,
			LiquidationsEnabled:  true,
			SubscriptionsEnabled: true,
		},
		Subsidy: config.SubsidyConfig{
			Liquidation: "1000",
			Purchase:    "1000",
			Adjustment:  "1000",
			Sale:        "1000",
		},
		Risk:  config.RiskConfig{MaxConsecutiveFailures: 3, CooldownAfterKill: time.Minute},
		Store: config.StoreConfig{SaveInterval: time.Hour},
	}
}

func newHarness(t *testing.T, epoch int64) *harness {
	t.Helper()
	cfg := testConfig()
	h := &harness{
		chain:     newFakeChain(epoch),
		auctions:  &fakeAuctions{records: map[uint64]types.AuctionRecord{}},
		exec:      newFakeRunner(),
		events:    make(chan types.Event, 16),
		snapshots: make(chan indexer.Snapshot, 2),
	}
	e, err := newEngine(cfg, deps{
		chain:     h.chain,
		auctions:  h.auctions,
		exec:      h.exec,
		riskMgr:   risk.NewManager(cfg.Risk, testLogger()),
		tracker:   tracker.New(),
		events:    h.events,
		snapshots: h.snapshots,
	}, testLogger())
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	e.now = func() time.Time { return testNow }
	h.e = e
	return h
}

func (h *harness) borrow(item, amount int64, block uint64) {
	h.e.tracker.ApplyBorrowed(collection, big.NewInt(item), pool, borrower, big.NewInt(amount), block)
}

func (h *harness) order(nonce uint64) {
	h.e.tracker.ApplySubCreated(types.SubFields{
		User:       owner,
		Pool:       pool,
		Nonce:      nonce,
		Token:      token,
		Tickets:    []uint64{1, 2},
		Amounts:    []*big.Int{big.NewInt(10), big.NewInt(20)},
		LockEpochs: 3,
	})
}

func loanKey(item int64) types.LoanKey {
	return types.NewLoanKey(collection, big.NewInt(item))
}

// ————————————————————————————————————————————————————————————————————————
// Liquidation
// ————————————————————————————————————————————————————————————————————————

func TestLiquidationThreshold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		outstanding int64
		want        bool
	}{
		{name: "outstanding equal to payout liquidates", outstanding: 100, want: true},
		{name: "just over 95 percent liquidates", outstanding: 96, want: true},
		{name: "exactly 95 percent is safe", outstanding: 95, want: false},
		{name: "90 is safe", outstanding: 90, want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, 5)
			h.borrow(1, tt.outstanding, 10)

			h.e.cycle(context.Background())

			got := len(h.exec.requests) == 1
			if got != tt.want {
				t.Fatalf("liquidation submitted = %v, want %v", got, tt.want)
			}
			if got {
				req := h.exec.requests[0]
				if req.Action != types.ActionLiquidation || req.LoanKey != loanKey(1) {
					t.Fatalf("request = %+v", req)
				}
				if req.Owner != (common.Address{}) {
					t.Error("liquidation must not carry a subsidy owner")
				}
				if req.Subsidy.Int64() != 1000 {
					t.Errorf("subsidy = %s, want 1000", req.Subsidy)
				}
			}
		})
	}
}

func TestPendingLiquidationPreventsSecondAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.borrow(1, 100, 10)

	h.e.cycle(context.Background())
	h.e.cycle(context.Background())

	if n := len(h.exec.requests); n != 1 {
		t.Fatalf("requests = %d, want 1", n)
	}
	l, _ := h.e.tracker.Loan(loanKey(1))
	if !l.PendingLiquidation {
		t.Fatal("pending flag not set")
	}
}

func TestPoolNotStartedIsSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	h.chain.start = testNow.Unix() + epochLength // starts tomorrow
	h.borrow(1, 100, 10)
	h.order(1)

	h.e.cycle(context.Background())

	if n := len(h.exec.requests); n != 0 {
		t.Fatalf("requests = %d, want 0", n)
	}
}

func TestPoolClockIsCached(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.borrow(1, 10, 10)
	h.borrow(2, 10, 10)

	h.e.cycle(context.Background())
	h.e.cycle(context.Background())

	if h.chain.clockReads != 1 {
		t.Fatalf("start time read %d times, want 1", h.chain.clockReads)
	}
}

func TestPayoutReadFailureSkipsLoan(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.chain.payoutErr = errors.New("rpc down")
	h.borrow(1, 100, 10)

	h.e.cycle(context.Background())

	if n := len(h.exec.requests); n != 0 {
		t.Fatalf("requests = %d, want 0", n)
	}
}

func TestRejectedLiquidationLeavesLoanIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.exec.reject = executor.RejectSubsidyTooLow
	h.borrow(1, 100, 10)

	h.e.cycle(context.Background())

	l, _ := h.e.tracker.Loan(loanKey(1))
	if l.PendingLiquidation {
		t.Fatal("rejected request must not set the pending flag")
	}
}

func TestBusyExecutorEndsPass(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.exec.capacity = 1
	h.borrow(1, 100, 10)
	h.borrow(2, 100, 10)
	h.borrow(3, 100, 10)

	h.e.cycle(context.Background())

	if n := len(h.exec.requests); n != 1 {
		t.Fatalf("requests = %d, want 1", n)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Reconciliation
// ————————————————————————————————————————————————————————————————————————

func TestRepaidKeepsLoanWhileStillDeployed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.borrow(1, 100, 10)
	h.chain.deployed[loanKey(1)] = true
	h.events <- types.Event{
		Kind:  types.EventRepaid,
		Block: 11,
		Loan:  types.LoanFields{Collection: collection, Item: big.NewInt(1), Amount: big.NewInt(100)},
	}

	h.e.cycle(context.Background())

	l, ok := h.e.tracker.Loan(loanKey(1))
	if !ok {
		t.Fatal("loan removed while ledger still reports it deployed")
	}
	if l.NeedsCheck {
		t.Error("check flag not cleared after ledger confirmed the loan")
	}
}

func TestDoubleRepaidRemovesOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.borrow(1, 100, 10)
	repaid := types.Event{
		Kind:  types.EventRepaid,
		Block: 11,
		Loan:  types.LoanFields{Collection: collection, Item: big.NewInt(1), Amount: big.NewInt(100)},
	}
	h.events <- repaid
	h.events <- repaid

	h.e.cycle(context.Background())

	if _, ok := h.e.tracker.Loan(loanKey(1)); ok {
		t.Fatal("loan still tracked after ledger reported it gone")
	}
	if st := h.e.tracker.Stats(); st.Loans != 0 {
		t.Fatalf("loans = %d, want 0", st.Loans)
	}
}

func TestFailedLedgerCheckKeepsLoanFlagged(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.borrow(1, 100, 10)
	h.chain.deployErr = errors.New("timeout")
	h.e.tracker.ApplyRepaid(collection, big.NewInt(1), big.NewInt(10), 11)

	h.e.cycle(context.Background())

	l, ok := h.e.tracker.Loan(loanKey(1))
	if !ok || !l.NeedsCheck {
		t.Fatalf("loan = %+v ok=%v, want kept and flagged", l, ok)
	}
	if n := len(h.exec.requests); n != 0 {
		t.Fatalf("a loan awaiting a check must not be liquidated, got %d requests", n)
	}
}

func TestLatestSnapshotWins(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.chain.payout = big.NewInt(1_000_000)
	rec := func(amount int64) types.LoanRecord {
		return types.LoanRecord{
			Collection:  collection,
			Item:        big.NewInt(1),
			Pool:        pool,
			Borrower:    borrower,
			Amount:      big.NewInt(amount),
			Outstanding: true,
		}
	}
	h.snapshots <- indexer.Snapshot{Loans: []types.LoanRecord{rec(10)}, Block: 1}
	h.snapshots <- indexer.Snapshot{Loans: []types.LoanRecord{rec(20)}, Block: 2}

	h.e.cycle(context.Background())

	l, ok := h.e.tracker.Loan(loanKey(1))
	if !ok || l.Outstanding.Int64() != 20 {
		t.Fatalf("loan = %+v, want outstanding 20", l)
	}
}

func TestEventAtSnapshotBlockIsCountedOnce(t *testing.T) {
	t.Parallel()

	snap := indexer.Snapshot{
		Block: 10,
		Loans: []types.LoanRecord{{
			Collection:  collection,
			Item:        big.NewInt(1),
			Pool:        pool,
			Borrower:    borrower,
			Amount:      big.NewInt(60),
			Outstanding: true,
		}},
	}
	borrowed := types.Event{
		Kind:  types.EventBorrowed,
		Block: 10,
		Loan: types.LoanFields{
			Borrower:   borrower,
			Pool:       pool,
			Collection: collection,
			Item:       big.NewInt(1),
			Amount:     big.NewInt(60),
		},
	}

	tests := []struct {
		name       string
		eventLater bool
	}{
		{name: "event and snapshot in one cycle"},
		{name: "event arrives after the snapshot", eventLater: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, 5)
			h.snapshots <- snap
			if !tt.eventLater {
				h.events <- borrowed
			}
			h.e.cycle(context.Background())
			if tt.eventLater {
				h.events <- borrowed
				h.e.cycle(context.Background())
			}

			l, ok := h.e.tracker.Loan(loanKey(1))
			if !ok || l.Outstanding.Int64() != 60 {
				t.Fatalf("loan = %+v ok=%v, want outstanding 60", l, ok)
			}
			if n := len(h.exec.requests); n != 0 {
				t.Fatalf("loan at 60 of payout 100 liquidated, got %d requests", n)
			}
		})
	}
}

// ————————————————————————————————————————————————————————————————————————
// Outcomes
// ————————————————————————————————————————————————————————————————————————

func TestLiquidationOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		out     executor.Outcome
		tracked bool
	}{
		{name: "success retires the loan", out: executor.Outcome{Success: true, Fee: big.NewInt(5)}, tracked: false},
		{name: "failure releases the flag", out: executor.Outcome{Err: errors.New("reverted"), Fee: big.NewInt(5)}, tracked: true},
		{name: "dry run releases the flag", out: executor.Outcome{DryRun: true}, tracked: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, 5)
			h.borrow(1, 100, 10)
			h.e.cycle(context.Background())
			if len(h.exec.requests) != 1 {
				t.Fatal("no liquidation submitted")
			}

			out := tt.out
			out.Request = h.exec.requests[0]
			h.e.applyOutcome(out)

			l, ok := h.e.tracker.Loan(loanKey(1))
			if ok != tt.tracked {
				t.Fatalf("tracked = %v, want %v", ok, tt.tracked)
			}
			if ok && l.PendingLiquidation {
				t.Fatal("pending flag not cleared")
			}
			recent := h.e.RecentOutcomes()
			if len(recent) != 1 || recent[0].Key != loanKey(1).String() {
				t.Fatalf("recent = %+v", recent)
			}
		})
	}
}

func TestOutcomesAppliedByLoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.borrow(1, 100, 10)
	h.e.cycle(context.Background())
	h.exec.outcomes <- executor.Outcome{Request: h.exec.requests[0], Success: true}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.e.run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := h.e.tracker.Loan(loanKey(1)); !ok {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatal("outcome not applied")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

// ————————————————————————————————————————————————————————————————————————
// Subscriptions
// ————————————————————————————————————————————————————————————————————————

func TestSaleWhenAdjustmentsCompleteAndUnlocked(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.order(7)
	h.e.tracker.ApplyPurchaseExecuted(7, 3, 5)
	h.chain.required = 2
	h.chain.made[3] = 2
	h.chain.stored = big.NewInt(0) // keep the purchase out of the way

	h.e.cycle(context.Background())

	if got := h.exec.actions(); len(got) != 1 || got[0] != types.ActionSale {
		t.Fatalf("actions = %v, want [sale]", got)
	}
	req := h.exec.requests[0]
	if req.Nonce != 7 || req.PositionNonce != 3 || req.Owner != owner {
		t.Fatalf("request = %+v", req)
	}
	if !req.Match(types.Event{Sub: types.SubFields{Nonce: 7, PositionNonce: 3}}) {
		t.Error("match rejects the expected event")
	}
	if req.Match(types.Event{Sub: types.SubFields{Nonce: 7, PositionNonce: 4}}) {
		t.Error("match accepts another position")
	}
}

func TestNoSaleBeforeUnlock(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.order(7)
	h.e.tracker.ApplyPurchaseExecuted(7, 3, 6)
	h.chain.required = 2
	h.chain.made[3] = 2
	h.chain.stored = big.NewInt(0)

	h.e.cycle(context.Background())

	if n := len(h.exec.requests); n != 0 {
		t.Fatalf("requests = %d, want 0", n)
	}
}

func TestAdjustmentWaitsForAuction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		auction *types.AuctionRecord
		want    bool
	}{
		{name: "auction not indexed", auction: nil, want: false},
		{name: "auction running", auction: &types.AuctionRecord{Nonce: 44, Ended: false}, want: false},
		{name: "auction ended", auction: &types.AuctionRecord{Nonce: 44, Ended: true}, want: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, 5)
			h.order(7)
			h.e.tracker.ApplyPurchaseExecuted(7, 3, 9)
			h.chain.required = 2
			h.chain.made[3] = 1
			h.chain.stored = big.NewInt(0)
			if tt.auction != nil {
				h.auctions.records[2] = *tt.auction // next adjustment nonce = made + 1
			}

			h.e.cycle(context.Background())

			got := len(h.exec.requests) == 1
			if got != tt.want {
				t.Fatalf("adjustment submitted = %v, want %v", got, tt.want)
			}
			if got {
				req := h.exec.requests[0]
				if req.Action != types.ActionAdjustment {
					t.Fatalf("action = %s", req.Action)
				}
				out := executor.Outcome{
					Request: req,
					Success: true,
					Event:   types.Event{Kind: types.EventAdjustmentExecuted, Sub: types.SubFields{Nonce: 7, PositionNonce: 3, AuctionNonce: 44}},
				}
				h.e.applyOutcome(out)
				o, _ := h.e.tracker.Order(7)
				if p := o.Positions[3]; p.LastAuctionNonce != 44 || p.PendingAdjustment {
					t.Fatalf("position = %+v", p)
				}
			}
		})
	}
}

func TestPurchase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		stored int64
		fill   int64
		want   bool
	}{
		{name: "ready", stored: 30, fill: 0, want: true},
		{name: "tokens short", stored: 29, fill: 0, want: false},
		{name: "ticket full", stored: 30, fill: 990, want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, 5)
			h.order(7)
			h.chain.stored = big.NewInt(tt.stored)
			h.chain.fill = big.NewInt(tt.fill)

			h.e.cycle(context.Background())

			got := len(h.exec.requests) == 1
			if got != tt.want {
				t.Fatalf("purchase submitted = %v, want %v", got, tt.want)
			}
			if !got {
				return
			}

			req := h.exec.requests[0]
			if req.Action != types.ActionPurchase || req.Nonce != 7 {
				t.Fatalf("request = %+v", req)
			}
			h.e.applyOutcome(executor.Outcome{
				Request: req,
				Success: true,
				Event:   types.Event{Kind: types.EventPurchaseExecuted, Sub: types.SubFields{Nonce: 7, PositionNonce: 11, UnlockEpoch: 8}},
			})
			o, _ := h.e.tracker.Order(7)
			if o.PendingPurchase || o.LastPurchaseEpoch != 5 {
				t.Fatalf("order = %+v", o)
			}
			if _, ok := o.Positions[11]; !ok {
				t.Fatal("position not added")
			}

			// Bought this epoch: the next cycle must not buy again.
			h.e.cycle(context.Background())
			if n := len(h.exec.requests); n != 1 {
				t.Fatalf("requests = %d, want 1", n)
			}
		})
	}
}

func TestCancelledOrderIsIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.order(7)
	h.events <- types.Event{Kind: types.EventSubCancelled, Block: 3, Sub: types.SubFields{Nonce: 7}}

	h.e.cycle(context.Background())

	if n := len(h.exec.requests); n != 0 {
		t.Fatalf("requests = %d, want 0", n)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Persistence
// ————————————————————————————————————————————————————————————————————————

func TestStopPersistsAppliedState(t *testing.T) {
	t.Parallel()

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	h := newHarness(t, 5)
	h.e.store = st
	h.chain.payout = big.NewInt(1_000_000)
	h.events <- types.Event{
		Kind:  types.EventBorrowed,
		Block: 77,
		Loan: types.LoanFields{
			Borrower:   borrower,
			Pool:       pool,
			Collection: collection,
			Item:       big.NewInt(1),
			Amount:     big.NewInt(100),
		},
	}

	h.e.Stop()

	cp, err := st.LoadTracker()
	if err != nil || cp == nil {
		t.Fatalf("load: %v, %v", cp, err)
	}
	if cp.LastEventBlock != 77 {
		t.Errorf("last event block = %d, want 77", cp.LastEventBlock)
	}
	if len(cp.State.Loans) != 1 || cp.State.Loans[0].Outstanding.Int64() != 100 {
		t.Fatalf("loans = %+v", cp.State.Loans)
	}
}

// gatedLedger confirms each submitted transaction as a dry run once the test
// sends on confirm.
type gatedLedger struct {
	confirm chan struct{}
}

func (l *gatedLedger) GasStored(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(1000), nil
}

func (l *gatedLedger) EstimateCost(context.Context, ledger.Call) (*big.Int, error) {
	return big.NewInt(10), nil
}

func (l *gatedLedger) Submit(context.Context, ledger.Call) (ledger.PendingReceipt, error) {
	return ledger.PendingReceipt{DryRun: true}, nil
}

func (l *gatedLedger) WaitConfirmed(context.Context, ledger.PendingReceipt) (ledger.Confirmation, error) {
	<-l.confirm
	return ledger.Confirmation{DryRun: true}, nil
}

func waitIdle(t *testing.T, c *executor.Coordinator) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for c.InFlight() > 0 {
		select {
		case <-deadline:
			t.Fatal("worker did not finish")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStopDrainsOutcomesWhileWorkersFinish(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	gl := &gatedLedger{confirm: make(chan struct{})}
	coord := executor.New(gl, nil, 1, testLogger())
	h.e.exec = coord

	// First worker finishes and its outcome fills the buffer.
	h.borrow(1, 100, 10)
	h.e.cycle(context.Background())
	gl.confirm <- struct{}{}
	waitIdle(t, coord)

	// Second worker starts without the loop draining the first outcome.
	h.borrow(2, 100, 10)
	var stats cycleStats
	h.e.liquidationPass(context.Background(), &stats)
	if coord.InFlight() != 1 {
		t.Fatalf("in flight = %d, want 1", coord.InFlight())
	}
	gl.confirm <- struct{}{}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		h.e.Stop()
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return with a worker blocked on a full outcome buffer")
	}

	for _, item := range []int64{1, 2} {
		l, ok := h.e.tracker.Loan(loanKey(item))
		if !ok || l.PendingLiquidation {
			t.Errorf("loan %d = %+v ok=%v, want tracked with flag released", item, l, ok)
		}
	}
	if n := len(h.e.RecentOutcomes()); n != 2 {
		t.Errorf("recent outcomes = %d, want 2", n)
	}
}

func TestCycleRecordsFeeRate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.e.cycle(context.Background())
	if got := h.e.FeeRate(); got != nil {
		t.Fatalf("fee rate = %s before any successful read", got)
	}

	h.chain.feeRate = big.NewInt(30_000_000_000)
	h.e.cycle(context.Background())
	if got := h.e.FeeRate(); got == nil || got.Cmp(big.NewInt(30_000_000_000)) != 0 {
		t.Fatalf("fee rate = %v, want 30 gwei", got)
	}

	h.chain.feeRate = nil
	h.e.cycle(context.Background())
	if got := h.e.FeeRate(); got == nil || got.Cmp(big.NewInt(30_000_000_000)) != 0 {
		t.Fatalf("failed read replaced fee rate with %v", got)
	}
}
