// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the keeper: ledger events,
// indexer records, and the action kinds the executor performs. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// EventKind names a ledger event the keeper reacts to.
type EventKind string

const (
	EventBorrowed           EventKind = "Borrowed"
	EventRepaid             EventKind = "Repaid"
	EventLiquidated         EventKind = "Liquidated" // emitted on-chain as BorrowerLiquidated
	EventSubCreated         EventKind = "SubCreated"
	EventPurchaseExecuted   EventKind = "PurchaseExecuted"
	EventAdjustmentExecuted EventKind = "AdjustmentExecuted"
	EventSaleExecuted       EventKind = "SaleExecuted"
	EventSubCancelled       EventKind = "SubCancelled"
)

// Action is a state-changing operation the keeper submits.
type Action string

const (
	ActionLiquidation Action = "liquidation"
	ActionPurchase    Action = "purchase"
	ActionAdjustment  Action = "adjustment"
	ActionSale        Action = "sale"
)

// ExpectedEvent returns the event a successful receipt for the action must contain.
func (a Action) ExpectedEvent() EventKind {
	switch a {
	case ActionLiquidation:
		return EventLiquidated
	case ActionPurchase:
		return EventPurchaseExecuted
	case ActionAdjustment:
		return EventAdjustmentExecuted
	case ActionSale:
		return EventSaleExecuted
	default:
		return ""
	}
}

// OrderStatus mirrors the indexer's subscription status field.
type OrderStatus string

const (
	OrderActive    OrderStatus = "active"
	OrderCancelled OrderStatus = "cancelled"
)

// ————————————————————————————————————————————————————————————————————————
// Ledger events
// ————————————————————————————————————————————————————————————————————————

// LoanFields carries the arguments of Borrowed, Repaid and BorrowerLiquidated.
type LoanFields struct {
	Borrower   common.Address
	Pool       common.Address
	Collection common.Address
	Item       *big.Int
	Amount     *big.Int
}

// SubFields carries the arguments of the subscription events. Fields not
// emitted by a given event are left zero.
type SubFields struct {
	User          common.Address
	Pool          common.Address
	Nonce         uint64
	PositionNonce uint64
	Token         common.Address
	Tickets       []uint64
	Amounts       []*big.Int
	LockEpochs    uint64
	UnlockEpoch   int64
	AuctionNonce  uint64
}

// Event is one decoded ledger log.
type Event struct {
	Kind     EventKind
	Block    uint64
	TxHash   common.Hash
	LogIndex uint
	Loan     LoanFields
	Sub      SubFields
}

// ID uniquely identifies the log that produced the event.
func (e Event) ID() string {
	return fmt.Sprintf("%s:%d", e.TxHash.Hex(), e.LogIndex)
}

// IsLoanEvent reports whether the event belongs to the lending contract.
func (e Event) IsLoanEvent() bool {
	switch e.Kind {
	case EventBorrowed, EventRepaid, EventLiquidated:
		return true
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Indexer records
// ————————————————————————————————————————————————————————————————————————

// LoanRecord is a loan as reported by the indexer.
type LoanRecord struct {
	ID          string
	Borrower    common.Address
	Pool        common.Address
	Collection  common.Address
	Item        *big.Int
	Amount      *big.Int
	Outstanding bool
}

// PositionRecord is a position opened under a subscription order.
type PositionRecord struct {
	Nonce            uint64
	UnlockEpoch      int64
	LastAuctionNonce uint64 // kept by the tracker; the indexer does not report it
}

// OrderRecord is a subscription order as reported by the indexer.
type OrderRecord struct {
	ID                string
	User              common.Address
	Pool              common.Address
	Token             common.Address
	Status            OrderStatus
	Nonce             uint64
	Tickets           []uint64
	Amounts           []*big.Int
	LockEpochs        uint64
	LastPurchaseEpoch int64 // -1 when the order never purchased
	Positions         []PositionRecord
}

// AuctionRecord is a closure auction as reported by the indexer.
type AuctionRecord struct {
	ID              string
	EndTime         time.Time
	HighestBid      *big.Int
	HighestBidder   common.Address
	Ended           bool
	ClosePool       common.Address
	Nonce           uint64
	AdjustmentNonce uint64
}

// ————————————————————————————————————————————————————————————————————————
// Keys
// ————————————————————————————————————————————————————————————————————————

// LoanKey identifies a loan by its collateral. Collection is always lower-case hex.
type LoanKey struct {
	Collection string
	Item       string
}

// NewLoanKey normalizes a collateral identity into a LoanKey.
func NewLoanKey(collection common.Address, item *big.Int) LoanKey {
	id := "0"
	if item != nil {
		id = item.String()
	}
	return LoanKey{
		Collection: strings.ToLower(collection.Hex()),
		Item:       id,
	}
}

func (k LoanKey) String() string {
	return k.Collection + "/" + k.Item
}
