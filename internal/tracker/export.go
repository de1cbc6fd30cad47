package tracker

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"vault-keeper/pkg/types"
)

// State is the persisted form of a Store. Pending flags are never
// persisted: an action in flight when the process stopped is re-evaluated
// from scratch.
type State struct {
	Loans  []LoanState  `json:"loans"`
	Orders []OrderState `json:"orders"`
}

// LoanState is the persisted form of a Loan.
type LoanState struct {
	Collection    common.Address `json:"collection"`
	Item          *big.Int       `json:"item"`
	Pool          common.Address `json:"pool"`
	Borrower      common.Address `json:"borrower"`
	Outstanding   *big.Int       `json:"outstanding"`
	UpdatedBlock  uint64         `json:"updated_block"`
	SnapshotBlock uint64         `json:"snapshot_block"`
	NeedsCheck    bool           `json:"needs_check"`
}

// OrderState is the persisted form of an Order.
type OrderState struct {
	Nonce             uint64                 `json:"nonce"`
	ID                string                 `json:"id"`
	Pool              common.Address         `json:"pool"`
	Owner             common.Address         `json:"owner"`
	Token             common.Address         `json:"token"`
	Tickets           []uint64               `json:"tickets"`
	Amounts           []*big.Int             `json:"amounts"`
	LockEpochs        uint64                 `json:"lock_epochs"`
	LastPurchaseEpoch int64                  `json:"last_purchase_epoch"`
	Cancelled         bool                   `json:"cancelled"`
	Positions         []types.PositionRecord `json:"positions"`
	Closed            []uint64               `json:"closed,omitempty"`
}

// Export returns a copy of the store suitable for persistence.
func (s *Store) Export() State {
	var st State
	for _, l := range s.Loans() {
		st.Loans = append(st.Loans, LoanState{
			Collection:    l.Collection,
			Item:          l.Item,
			Pool:          l.Pool,
			Borrower:      l.Borrower,
			Outstanding:   l.Outstanding,
			UpdatedBlock:  l.UpdatedBlock,
			SnapshotBlock: l.SnapshotBlock,
			NeedsCheck:    l.NeedsCheck,
		})
	}

	s.mu.RLock()
	closed := make(map[uint64][]uint64, len(s.orders))
	for nonce, o := range s.orders {
		for n := range o.closed {
			closed[nonce] = append(closed[nonce], n)
		}
	}
	s.mu.RUnlock()

	for _, o := range s.Orders() {
		rec := OrderState{
			Nonce:             o.Nonce,
			ID:                o.ID,
			Pool:              o.Pool,
			Owner:             o.Owner,
			Token:             o.Token,
			Tickets:           o.Tickets,
			Amounts:           o.Amounts,
			LockEpochs:        o.LockEpochs,
			LastPurchaseEpoch: o.LastPurchaseEpoch,
			Cancelled:         o.Cancelled,
			Closed:            closed[o.Nonce],
		}
		for _, p := range o.SortedPositions() {
			rec.Positions = append(rec.Positions, types.PositionRecord{
				Nonce:            p.Nonce,
				UnlockEpoch:      p.UnlockEpoch,
				LastAuctionNonce: p.LastAuctionNonce,
			})
		}
		st.Orders = append(st.Orders, rec)
	}
	return st
}

// Import replaces the store's contents with a persisted state.
func (s *Store) Import(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loans = make(map[types.LoanKey]*Loan, len(st.Loans))
	for _, ls := range st.Loans {
		key := types.NewLoanKey(ls.Collection, ls.Item)
		s.loans[key] = &Loan{
			Key:           key,
			Collection:    ls.Collection,
			Item:          cloneInt(ls.Item),
			Pool:          ls.Pool,
			Borrower:      ls.Borrower,
			Outstanding:   cloneInt(ls.Outstanding),
			UpdatedBlock:  ls.UpdatedBlock,
			SnapshotBlock: ls.SnapshotBlock,
			NeedsCheck:    ls.NeedsCheck,
		}
	}

	s.orders = make(map[uint64]*Order, len(st.Orders))
	for _, rec := range st.Orders {
		o := s.order(rec.Nonce)
		o.ID = rec.ID
		o.Pool = rec.Pool
		o.Owner = rec.Owner
		o.Token = rec.Token
		o.Tickets = append([]uint64(nil), rec.Tickets...)
		o.Amounts = cloneInts(rec.Amounts)
		o.LockEpochs = rec.LockEpochs
		o.LastPurchaseEpoch = rec.LastPurchaseEpoch
		o.Cancelled = rec.Cancelled
		for _, n := range rec.Closed {
			o.closed[n] = struct{}{}
		}
		for _, p := range rec.Positions {
			o.addPosition(p.Nonce, p.UnlockEpoch)
			if pos, ok := o.Positions[p.Nonce]; ok {
				pos.LastAuctionNonce = p.LastAuctionNonce
				o.Positions[p.Nonce] = pos
			}
		}
	}
}
