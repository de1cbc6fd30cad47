// Package events streams protocol logs from the chain.
//
// The Subscriber holds one log subscription over the lending and
// subscription contracts. Delivery is at-least-once:
//
//   - on every (re)connect it backfills with FilterLogs from the last block
//     it delivered, so nothing emitted during a disconnect is lost
//   - repeats from the overlap are dropped by a Dedup keyed on tx hash and
//     log index; the last delivered block is remembered past the TTL
//   - logs flagged Removed (re-orged out) are skipped
//
// Decoded events go to a buffered queue that the engine drains once per
// cycle. Sends block rather than drop; a full queue back-pressures the
// subscription.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"vault-keeper/internal/ledger"
	"vault-keeper/pkg/types"
)

const (
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	cleanupInterval  = time.Minute      // dedup expiry sweep
	rawLogBuffer     = 256
)

// logSource is the part of an ethclient the subscriber needs.
type logSource interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

type dialFunc func(ctx context.Context, url string) (logSource, error)

func dialEthclient(ctx context.Context, url string) (logSource, error) {
	return ethclient.DialContext(ctx, url)
}

// Options configures a Subscriber.
type Options struct {
	URL            string
	Contracts      []common.Address
	Buffer         int
	DedupTTL       time.Duration
	BackfillBlocks uint64 // replayed on the first connect; 0 starts at the live head
	ResumeBlock    uint64 // last block applied before a restart; overrides BackfillBlocks
}

// Subscriber maintains the log subscription with auto-reconnect.
type Subscriber struct {
	url        string
	contracts  []common.Address
	backfill   uint64
	resume     uint64
	dial       dialFunc
	dedup      *Dedup
	minBackoff time.Duration

	lastBlock atomic.Uint64 // highest block delivered
	delivered atomic.Uint64
	connected atomic.Bool

	out    chan types.Event
	logger *slog.Logger
}

// NewSubscriber creates a subscriber dialing opts.URL over websocket.
func NewSubscriber(opts Options, logger *slog.Logger) *Subscriber {
	return newSubscriber(opts, dialEthclient, logger)
}

func newSubscriber(opts Options, dial dialFunc, logger *slog.Logger) *Subscriber {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	ttl := opts.DedupTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Subscriber{
		url:        opts.URL,
		contracts:  opts.Contracts,
		backfill:   opts.BackfillBlocks,
		resume:     opts.ResumeBlock,
		dial:       dial,
		dedup:      NewDedup(ttl),
		minBackoff: time.Second,
		out:        make(chan types.Event, buffer),
		logger:     logger.With("component", "events"),
	}
}

// Events returns the queue the engine drains.
func (s *Subscriber) Events() <-chan types.Event { return s.out }

// LastBlock returns the highest block a delivered event came from, or the
// resume block before anything was delivered.
func (s *Subscriber) LastBlock() uint64 {
	if b := s.lastBlock.Load(); b > 0 {
		return b
	}
	return s.resume
}

// Delivered returns the number of events queued so far.
func (s *Subscriber) Delivered() uint64 { return s.delivered.Load() }

// Connected reports whether a subscription is currently live.
func (s *Subscriber) Connected() bool { return s.connected.Load() }

// Run connects and maintains the subscription. Blocks until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := s.minBackoff

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("log subscription lost, reconnecting",
			"error", err,
			"backoff", backoff,
			"last_block", s.LastBlock(),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (s *Subscriber) query() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: s.contracts,
		Topics:    [][]common.Hash{ledger.EventTopics()},
	}
}

func (s *Subscriber) connectAndRead(ctx context.Context) error {
	client, err := s.dial(ctx, s.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer client.Close()

	// Subscribe before backfilling so nothing falls between the two.
	logsCh := make(chan gethtypes.Log, rawLogBuffer)
	sub, err := client.SubscribeFilterLogs(ctx, s.query(), logsCh)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	s.connected.Store(true)
	defer s.connected.Store(false)
	s.logger.Info("log subscription established", "contracts", len(s.contracts))

	if err := s.backfillFrom(ctx, client); err != nil {
		return fmt.Errorf("backfill: %w", err)
	}

	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return err
		case lg := <-logsCh:
			if err := s.handle(ctx, lg); err != nil {
				return err
			}
		case <-cleanup.C:
			s.dedup.Cleanup()
		}
	}
}

// backfillFrom replays logs since the last delivered block. On the first
// connect it replays the configured window instead.
func (s *Subscriber) backfillFrom(ctx context.Context, client logSource) error {
	from := s.lastBlock.Load()
	switch {
	case from > 0:
	case s.resume > 0:
		// Everything up to the resume block is already in the tracker.
		from = s.resume + 1
	default:
		if s.backfill == 0 {
			return nil
		}
		head, err := client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("head block: %w", err)
		}
		if head > s.backfill {
			from = head - s.backfill
		}
	}

	q := s.query()
	q.FromBlock = new(big.Int).SetUint64(from)
	logs, err := client.FilterLogs(ctx, q)
	if err != nil {
		return fmt.Errorf("filter logs from %d: %w", from, err)
	}

	s.logger.Info("backfilling logs", "from_block", from, "logs", len(logs))
	for _, lg := range logs {
		if err := s.handle(ctx, lg); err != nil {
			return err
		}
	}
	return nil
}

// handle decodes one raw log and queues it. Only ctx cancellation is
// returned as an error; bad logs are logged and skipped.
func (s *Subscriber) handle(ctx context.Context, lg gethtypes.Log) error {
	if lg.Removed {
		s.logger.Debug("skipping removed log", "tx", lg.TxHash, "index", lg.Index)
		return nil
	}

	evt, err := ledger.DecodeLog(lg)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownEvent) {
			s.logger.Debug("ignoring untracked log", "tx", lg.TxHash, "index", lg.Index)
		} else {
			s.logger.Warn("undecodable log", "tx", lg.TxHash, "index", lg.Index, "error", err)
		}
		return nil
	}
	if s.dedup.IsDuplicate(evt.ID(), evt.Block) {
		return nil
	}

	select {
	case s.out <- evt:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.delivered.Add(1)
	if evt.Block > s.lastBlock.Load() {
		s.lastBlock.Store(evt.Block)
	}
	return nil
}
