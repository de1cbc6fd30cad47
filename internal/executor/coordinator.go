// Package executor admits, submits and confirms keeper transactions.
//
// Each entity-action pair moves through
//
//	Idle -> Pending -> Success (tracker advanced) | Failure (flag reset)
//
// Admission runs on the caller's goroutine, strictly in order, and any
// failure aborts before a pending flag is set:
//
//  0. risk manager: kill switch off, daily budget not spent
//  1. subsidy balance: gasStored(owner) > subsidy (skipped without an owner)
//  2. cost estimate: estimateCost must succeed
//  3. margin: estimated fee <= 0.9 × subsidy
//
// An admitted request claims its pending flag, then a worker submits the
// call and waits for the receipt. The result is posted as an Outcome for
// the engine loop to apply. Success requires the expected event with
// matching key fields in the receipt.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"vault-keeper/internal/ledger"
	"vault-keeper/pkg/types"
)

var feeMargin = decimal.RequireFromString("0.9")

// Reject explains why a request was not submitted. RejectNone means it was.
type Reject string

const (
	RejectNone                Reject = ""
	RejectRiskHalted          Reject = "risk halted"
	RejectInsufficientSubsidy Reject = "insufficient subsidy balance"
	RejectBalanceUnavailable  Reject = "subsidy balance unavailable"
	RejectEstimateFailed      Reject = "cost estimate failed"
	RejectSubsidyTooLow       Reject = "subsidy too low for fee"
	RejectPending             Reject = "already pending"
	RejectBusy                Reject = "too many transactions in flight"
)

// Ledger is the part of the ledger client the coordinator uses.
type Ledger interface {
	GasStored(ctx context.Context, owner common.Address) (*big.Int, error)
	EstimateCost(ctx context.Context, call ledger.Call) (*big.Int, error)
	Submit(ctx context.Context, call ledger.Call) (ledger.PendingReceipt, error)
	WaitConfirmed(ctx context.Context, pending ledger.PendingReceipt) (ledger.Confirmation, error)
}

// Guard is the risk check run before anything else. fee is nil before the
// cost is known.
type Guard interface {
	Allow(fee *big.Int) (bool, string)
}

// Request is one action on one entity.
type Request struct {
	Action  types.Action
	Key     string         // loan key or order/position, for logs
	Owner   common.Address // subsidy payer; zero for liquidations
	Subsidy *big.Int       // nominal subsidy (liquidation reward for liquidations)
	Call    ledger.Call

	// Claim sets the entity's pending flag; false means it is already set.
	Claim func() bool
	// Match accepts the expected event for this entity.
	Match func(types.Event) bool

	LoanKey       types.LoanKey
	Nonce         uint64
	PositionNonce uint64
}

// Outcome is the result of one submitted request.
type Outcome struct {
	Request   Request
	Success   bool
	DryRun    bool
	Hash      common.Hash
	Fee       *big.Int    // paid fee; nil when nothing was mined
	Estimated *big.Int    // fee estimated at admission
	Event     types.Event // the expected event, when Success
	Err       error
	Elapsed   time.Duration
}

// Coordinator runs admission control and the execution workers.
type Coordinator struct {
	ledger   Ledger
	guard    Guard
	sem      chan struct{}
	outcomes chan Outcome
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// New creates a coordinator allowing maxInFlight concurrent transactions.
func New(l Ledger, guard Guard, maxInFlight int, logger *slog.Logger) *Coordinator {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Coordinator{
		ledger:   l,
		guard:    guard,
		sem:      make(chan struct{}, maxInFlight),
		outcomes: make(chan Outcome, maxInFlight), // workers free their slot only after sending
		logger:   logger.With("component", "executor"),
	}
}

// Outcomes returns the channel the engine loop applies results from.
func (c *Coordinator) Outcomes() <-chan Outcome { return c.outcomes }

// InFlight returns the number of running workers.
func (c *Coordinator) InFlight() int { return len(c.sem) }

// Wait blocks until all workers have posted their outcome. Outcomes must be
// drained concurrently or Wait may never return.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Execute admits req and, when admitted, claims its pending flag and starts
// a worker. It never blocks on the network beyond admission reads.
func (c *Coordinator) Execute(ctx context.Context, req Request) Reject {
	if len(c.sem) == cap(c.sem) {
		return RejectBusy
	}

	fee, reject := c.Admit(ctx, req)
	if reject != RejectNone {
		return reject
	}

	select {
	case c.sem <- struct{}{}:
	default:
		return RejectBusy
	}
	if req.Claim != nil && !req.Claim() {
		<-c.sem
		return RejectPending
	}

	c.wg.Add(1)
	go c.run(ctx, req, fee)
	return RejectNone
}

// Admit runs the admission checks without claiming or submitting. It
// returns the estimated fee when admitted.
func (c *Coordinator) Admit(ctx context.Context, req Request) (*big.Int, Reject) {
	log := c.logger.With("action", req.Action, "key", req.Key)

	if c.guard != nil {
		if ok, reason := c.guard.Allow(nil); !ok {
			log.Debug("rejected by risk manager", "reason", reason)
			return nil, RejectRiskHalted
		}
	}
	if req.Subsidy == nil || req.Subsidy.Sign() <= 0 {
		log.Error("request without subsidy")
		return nil, RejectSubsidyTooLow
	}

	// Step 1: the owner must have stored more than the subsidy.
	if req.Owner != (common.Address{}) {
		stored, err := c.ledger.GasStored(ctx, req.Owner)
		if err != nil {
			log.Warn("subsidy balance read failed", "owner", req.Owner.Hex(), "error", err)
			return nil, RejectBalanceUnavailable
		}
		if stored.Cmp(req.Subsidy) <= 0 {
			log.Info("insufficient subsidy balance",
				"owner", req.Owner.Hex(), "stored", stored, "subsidy", req.Subsidy)
			return nil, RejectInsufficientSubsidy
		}
	}

	// Step 2: a failed estimate is transient; retry next cycle.
	fee, err := c.ledger.EstimateCost(ctx, req.Call)
	if err != nil {
		var revert *ledger.RevertError
		if errors.As(err, &revert) {
			log.Info("call would revert", "reason", revert.Reason)
		} else {
			log.Warn("cost estimate failed", "error", err)
		}
		return nil, RejectEstimateFailed
	}

	// Step 3: the fee must leave a margin inside the subsidy.
	if !FeeWithinSubsidy(fee, req.Subsidy) {
		log.Info("subsidy too low for current fee", "fee", fee, "subsidy", req.Subsidy)
		return nil, RejectSubsidyTooLow
	}

	if c.guard != nil {
		if ok, reason := c.guard.Allow(fee); !ok {
			log.Info("rejected by risk manager", "reason", reason, "fee", fee)
			return nil, RejectRiskHalted
		}
	}
	return fee, RejectNone
}

// FeeWithinSubsidy reports whether fee <= 0.9 × subsidy.
func FeeWithinSubsidy(fee, subsidy *big.Int) bool {
	if fee == nil || subsidy == nil {
		return false
	}
	limit := decimal.NewFromBigInt(subsidy, 0).Mul(feeMargin)
	return !decimal.NewFromBigInt(fee, 0).GreaterThan(limit)
}

func (c *Coordinator) run(ctx context.Context, req Request, estimated *big.Int) {
	defer c.wg.Done()
	defer func() { <-c.sem }()

	start := time.Now()
	out := c.execute(ctx, req)
	out.Request = req
	out.Estimated = estimated
	out.Elapsed = time.Since(start)

	c.outcomes <- out
}

func (c *Coordinator) execute(ctx context.Context, req Request) Outcome {
	log := c.logger.With("action", req.Action, "key", req.Key)

	pending, err := c.ledger.Submit(ctx, req.Call)
	if err != nil {
		log.Warn("submit failed", "call", req.Call.String(), "error", err)
		return Outcome{Err: fmt.Errorf("submit %s: %w", req.Call.Method, err)}
	}
	log.Info("transaction submitted", "hash", pending.Hash.Hex(), "dry_run", pending.DryRun)

	// Once sent, see it through even during shutdown; WaitConfirmed
	// applies its own timeout.
	conf, err := c.ledger.WaitConfirmed(context.WithoutCancel(ctx), pending)
	if err != nil {
		log.Warn("confirmation failed", "hash", pending.Hash.Hex(), "error", err)
		return Outcome{Hash: pending.Hash, Err: err}
	}

	out := Outcome{Hash: conf.Hash, Fee: conf.EffectiveFee, DryRun: conf.DryRun}
	if conf.DryRun {
		return out
	}
	if !conf.Success {
		out.Err = fmt.Errorf("transaction %s reverted", conf.Hash.Hex())
		return out
	}

	evt, ok := conf.Find(req.Action.ExpectedEvent(), req.Match)
	if !ok {
		out.Err = fmt.Errorf("transaction %s mined without %s for %s", conf.Hash.Hex(), req.Action.ExpectedEvent(), req.Key)
		return out
	}
	out.Success = true
	out.Event = evt
	return out
}
