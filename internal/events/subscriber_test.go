package events

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"vault-keeper/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var cancelledEvent = func() abi.Event {
	parsed, err := abi.JSON(strings.NewReader(`[{"type":"event","name":"SubCancelled","anonymous":false,"inputs":[
		{"name":"user","type":"address","indexed":true},
		{"name":"nonce","type":"uint256","indexed":false}]}]`))
	if err != nil {
		panic(err)
	}
	return parsed.Events["SubCancelled"]
}()

func cancelLog(t *testing.T, nonce int64, block uint64, txByte byte) gethtypes.Log {
	t.Helper()
	data, err := cancelledEvent.Inputs.NonIndexed().Pack(big.NewInt(nonce))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return gethtypes.Log{
		Address:     common.HexToAddress("0x0b"),
		Topics:      []common.Hash{cancelledEvent.ID, common.BytesToHash(common.HexToAddress("0x0e01").Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BytesToHash([]byte{txByte}),
	}
}

type fakeSub struct {
	errCh chan error
}

func (s *fakeSub) Err() <-chan error { return s.errCh }
func (s *fakeSub) Unsubscribe()      {}

type fakeConn struct {
	live     []gethtypes.Log
	backfill []gethtypes.Log
	head     uint64
	sub      *fakeSub

	mu         sync.Mutex
	filterFrom *big.Int
	filtered   bool
}

func newFakeConn(live, backfill []gethtypes.Log) *fakeConn {
	return &fakeConn{live: live, backfill: backfill, sub: &fakeSub{errCh: make(chan error, 1)}}
}

func (c *fakeConn) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error) {
	for _, lg := range c.live {
		ch <- lg
	}
	return c.sub, nil
}

func (c *fakeConn) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filtered = true
	c.filterFrom = q.FromBlock
	return c.backfill, nil
}

func (c *fakeConn) BlockNumber(context.Context) (uint64, error) { return c.head, nil }
func (c *fakeConn) Close()                                     {}

func (c *fakeConn) from() (*big.Int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filterFrom, c.filtered
}

// dialer hands out the scripted connections in order.
func dialer(conns ...*fakeConn) dialFunc {
	var mu sync.Mutex
	return func(context.Context, string) (logSource, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(conns) == 0 {
			return nil, errors.New("no more connections")
		}
		c := conns[0]
		conns = conns[1:]
		return c, nil
	}
}

func receive(t *testing.T, ch <-chan types.Event) types.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return types.Event{}
	}
}

func TestHandleSkipsRemovedAndDuplicateLogs(t *testing.T) {
	t.Parallel()

	s := newSubscriber(Options{Buffer: 4}, dialer(), testLogger())
	ctx := context.Background()

	lg := cancelLog(t, 3, 10, 0x01)
	removed := cancelLog(t, 4, 10, 0x02)
	removed.Removed = true

	for _, l := range []gethtypes.Log{lg, lg, removed} {
		if err := s.handle(ctx, l); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}

	if len(s.out) != 1 {
		t.Fatalf("queued = %d, want 1", len(s.out))
	}
	evt := <-s.out
	if evt.Kind != types.EventSubCancelled || evt.Sub.Nonce != 3 {
		t.Errorf("event = %+v", evt)
	}
	if s.LastBlock() != 10 || s.Delivered() != 1 {
		t.Errorf("last block = %d, delivered = %d", s.LastBlock(), s.Delivered())
	}
}

func TestHandleIgnoresUntrackedLogs(t *testing.T) {
	t.Parallel()

	s := newSubscriber(Options{Buffer: 1}, dialer(), testLogger())
	lg := gethtypes.Log{Topics: []common.Hash{common.HexToHash("0xdead")}}

	if err := s.handle(context.Background(), lg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(s.out) != 0 {
		t.Error("untracked log was queued")
	}
}

func TestHandleBlocksWhenQueueFull(t *testing.T) {
	t.Parallel()

	s := newSubscriber(Options{Buffer: 1}, dialer(), testLogger())
	if err := s.handle(context.Background(), cancelLog(t, 1, 5, 0x01)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.handle(ctx, cancelLog(t, 2, 6, 0x02))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if len(s.out) != 1 {
		t.Errorf("queued = %d, want 1 (no drop, no overflow)", len(s.out))
	}
}

func TestBackfillWindowOnFirstConnect(t *testing.T) {
	t.Parallel()

	conn := newFakeConn(nil, nil)
	conn.head = 500
	s := newSubscriber(Options{BackfillBlocks: 100}, dialer(), testLogger())

	if err := s.backfillFrom(context.Background(), conn); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	from, ok := conn.from()
	if !ok || from.Uint64() != 400 {
		t.Errorf("from = %v, want 400", from)
	}
}

func TestBackfillResumesAfterRestart(t *testing.T) {
	t.Parallel()

	conn := newFakeConn(nil, nil)
	conn.head = 5000
	s := newSubscriber(Options{BackfillBlocks: 100, ResumeBlock: 1234}, dialer(), testLogger())

	if got := s.LastBlock(); got != 1234 {
		t.Fatalf("LastBlock before delivery = %d, want 1234", got)
	}
	if err := s.backfillFrom(context.Background(), conn); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	from, ok := conn.from()
	if !ok || from.Uint64() != 1235 {
		t.Errorf("from = %v, want 1235", from)
	}
}

func TestNoBackfillWithoutWindow(t *testing.T) {
	t.Parallel()

	conn := newFakeConn(nil, nil)
	s := newSubscriber(Options{}, dialer(), testLogger())

	if err := s.backfillFrom(context.Background(), conn); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if _, ok := conn.from(); ok {
		t.Error("FilterLogs called with no history to replay")
	}
}

func TestRunBackfillsAfterReconnect(t *testing.T) {
	t.Parallel()

	first := cancelLog(t, 1, 10, 0x01)
	second := cancelLog(t, 2, 11, 0x02)

	conn1 := newFakeConn([]gethtypes.Log{first}, nil)
	conn2 := newFakeConn(nil, []gethtypes.Log{first, second})

	s := newSubscriber(Options{Buffer: 8}, dialer(conn1, conn2), testLogger())
	s.minBackoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	if evt := receive(t, s.Events()); evt.Sub.Nonce != 1 {
		t.Fatalf("first event nonce = %d, want 1", evt.Sub.Nonce)
	}

	conn1.sub.errCh <- errors.New("connection reset")

	if evt := receive(t, s.Events()); evt.Sub.Nonce != 2 {
		t.Fatalf("backfilled event nonce = %d, want 2 (repeat dropped)", evt.Sub.Nonce)
	}
	from, ok := conn2.from()
	if !ok || from.Uint64() != 10 {
		t.Errorf("backfill from = %v, want 10", from)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	if len(s.out) != 0 {
		t.Errorf("unexpected extra events: %d", len(s.out))
	}
}

func TestReconnectAfterDedupTTLDropsLastBlockRepeats(t *testing.T) {
	t.Parallel()

	first := cancelLog(t, 1, 10, 0x01)
	second := cancelLog(t, 2, 11, 0x02)

	conn1 := newFakeConn([]gethtypes.Log{first}, nil)
	conn2 := newFakeConn(nil, []gethtypes.Log{first, second})

	s := newSubscriber(Options{Buffer: 8, DedupTTL: time.Minute}, dialer(conn1, conn2), testLogger())
	s.minBackoff = time.Millisecond
	base := time.Unix(1_700_000_000, 0)
	var elapsed atomic.Int64
	s.dedup.now = func() time.Time { return base.Add(time.Duration(elapsed.Load())) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	if evt := receive(t, s.Events()); evt.Sub.Nonce != 1 {
		t.Fatalf("first event nonce = %d, want 1", evt.Sub.Nonce)
	}

	// The outage outlasts the dedup TTL.
	elapsed.Store(int64(time.Hour))
	conn1.sub.errCh <- errors.New("connection reset")

	if evt := receive(t, s.Events()); evt.Sub.Nonce != 2 {
		t.Fatalf("event after reconnect nonce = %d, want 2 (block 10 repeat dropped)", evt.Sub.Nonce)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	if len(s.out) != 0 {
		t.Errorf("unexpected extra events: %d", len(s.out))
	}
}
