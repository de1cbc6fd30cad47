// Package eligibility decides whether a loan or order is actionable.
//
// Everything here is pure: inputs are values already read from the tracker,
// the ledger, or the indexer, and nothing blocks.
//
// Epoch clock of a pool (integer seconds, floor division):
//
//	currentEpoch = floor((now - start) / length)
//	futureEpoch  = floor((now + latency - start + length/7.5) / length)
//
// futureEpoch is the epoch a transaction sent now is expected to land in.
// A pool whose currentEpoch is negative has not started and is skipped.
//
// Liquidation: outstanding > 0.95 × payoutPerReservation(futureEpoch).
//
// Positions: when adjustmentsMade == adjustmentsRequired the position is
// sold once currentEpoch >= unlockEpoch. Otherwise the next adjustment
// (nonce made+1) is executed once its closure auction has ended.
package eligibility

import (
	"errors"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"vault-keeper/internal/tracker"
)

var (
	liquidationRatio = decimal.RequireFromString("0.95")
	// length/7.5 == length*2/15
	leadNumerator    = decimal.NewFromInt(2)
	leadDenominator  = decimal.NewFromInt(15)
)

// ErrBadEpochLength is returned for a pool reporting a non-positive epoch length.
var ErrBadEpochLength = errors.New("epoch length must be positive")

// CurrentEpoch returns the epoch now falls in. Negative before the pool starts.
func CurrentEpoch(now time.Time, start, length int64) (int64, error) {
	if length <= 0 {
		return 0, ErrBadEpochLength
	}
	return floorDiv(now.Unix()-start, length), nil
}

// FutureEpoch returns the epoch a transaction submitted now is expected to
// confirm in, allowing latency for inclusion.
func FutureEpoch(now time.Time, latency time.Duration, start, length int64) (int64, error) {
	if length <= 0 {
		return 0, ErrBadEpochLength
	}
	l := decimal.NewFromInt(length)
	elapsed := decimal.NewFromInt(now.Unix() - start).
		Add(decimal.NewFromInt(latency.Milliseconds()).Shift(-3)).
		Add(l.Mul(leadNumerator).Div(leadDenominator))
	return elapsed.Div(l).Floor().IntPart(), nil
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// LiquidationThreshold returns 0.95 × payout.
func LiquidationThreshold(payout *big.Int) decimal.Decimal {
	if payout == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(payout, 0).Mul(liquidationRatio)
}

// ShouldLiquidate reports whether outstanding strictly exceeds the
// liquidation threshold for payout.
func ShouldLiquidate(outstanding, payout *big.Int) bool {
	if outstanding == nil || outstanding.Sign() <= 0 || payout == nil {
		return false
	}
	return decimal.NewFromBigInt(outstanding, 0).GreaterThan(LiquidationThreshold(payout))
}

// Action is what a position needs next.
type Action int

const (
	ActionNone Action = iota
	ActionAdjust
	ActionSell
)

func (a Action) String() string {
	switch a {
	case ActionAdjust:
		return "adjust"
	case ActionSell:
		return "sell"
	default:
		return "none"
	}
}

// PositionAction decides the next step for one position. auctionEnded is
// the state of the closure auction for NextAdjustmentNonce(made) and is
// ignored once all adjustments are made.
func PositionAction(made, required uint64, currentEpoch, unlockEpoch int64, auctionEnded bool) Action {
	switch {
	case made == required:
		if currentEpoch >= unlockEpoch {
			return ActionSell
		}
		return ActionNone
	case made < required:
		if auctionEnded {
			return ActionAdjust
		}
		return ActionNone
	default:
		return ActionNone
	}
}

// NextAdjustmentNonce returns the adjustment nonce a position with made
// adjustments waits on.
func NextAdjustmentNonce(made uint64) uint64 {
	return made + 1
}

// Purchase blockers, reported for logging.
const (
	PurchaseReady         = ""
	PurchaseCancelled     = "order cancelled"
	PurchaseNoTickets     = "order has no tickets"
	PurchaseAlreadyBought = "already purchased this epoch"
	PurchaseTokensShort   = "stored tokens below order total"
	PurchaseTicketFull    = "ticket capacity exceeded"
	PurchaseFillUnknown   = "ticket fill not read"
	PurchaseNotStarted    = "pool not started"
)

// CheckPurchase returns PurchaseReady when an order can buy this epoch, or
// the first blocker found. ticketFill holds getTicketInfo(currentEpoch, t)
// for every ticket of the order.
func CheckPurchase(o tracker.Order, currentEpoch int64, stored *big.Int, ticketFill map[uint64]*big.Int, ticketLimit *big.Int) string {
	switch {
	case o.Cancelled:
		return PurchaseCancelled
	case currentEpoch < 0:
		return PurchaseNotStarted
	case len(o.Tickets) == 0 || len(o.Tickets) != len(o.Amounts):
		return PurchaseNoTickets
	case o.LastPurchaseEpoch >= currentEpoch:
		return PurchaseAlreadyBought
	case stored == nil || stored.Cmp(o.TotalAmount()) < 0:
		return PurchaseTokensShort
	}

	for i, ticket := range o.Tickets {
		fill, ok := ticketFill[ticket]
		if !ok || fill == nil || ticketLimit == nil {
			return PurchaseFillUnknown
		}
		if new(big.Int).Add(fill, o.Amounts[i]).Cmp(ticketLimit) > 0 {
			return PurchaseTicketFull
		}
	}
	return PurchaseReady
}
