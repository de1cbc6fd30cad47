// Package tracker holds the keeper's view of loans and subscription orders.
//
// Store is the only place tracked records are mutated. Every write is a
// named operation; callers receive value copies. Writes happen on the
// engine loop goroutine; the RWMutex exists for dashboard readers.
//
// Reconciliation rules:
//
//   - Removal needs ledger truth. A Repaid event or an indexer miss only
//     marks a loan for a loanDeployed check; RetireLoan removes it.
//   - Amount updates follow the newest block. A snapshot older than the
//     last event that touched a loan does not overwrite it.
//   - Snapshots never touch pending flags.
package tracker

import (
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"vault-keeper/pkg/types"
)

// Loan is a tracked loan.
type Loan struct {
	Key                types.LoanKey
	Collection         common.Address
	Item               *big.Int
	Pool               common.Address
	Borrower           common.Address
	Outstanding        *big.Int
	UpdatedBlock       uint64
	SnapshotBlock      uint64 // Outstanding includes every event up to this block
	NeedsCheck         bool   // awaiting a loanDeployed read before removal
	PendingLiquidation bool
}

// Position is a position opened under an order.
type Position struct {
	Nonce             uint64
	UnlockEpoch       int64
	LastAuctionNonce  uint64
	PendingAdjustment bool
	PendingSale       bool
}

// Order is a tracked subscription order.
type Order struct {
	Nonce             uint64
	ID                string
	Pool              common.Address
	Owner             common.Address
	Token             common.Address
	Tickets           []uint64
	Amounts           []*big.Int
	LockEpochs        uint64
	LastPurchaseEpoch int64 // -1 when never purchased
	Cancelled         bool
	PendingPurchase   bool
	PendingAdjustment bool // any position has an adjustment in flight
	PendingSale       bool // any position has a sale in flight
	Positions         map[uint64]Position

	closed map[uint64]struct{} // sold positions; a lagging snapshot must not revive them
}

// SortedPositions returns the order's positions by nonce.
func (o Order) SortedPositions() []Position {
	out := make([]Position, 0, len(o.Positions))
	for _, p := range o.Positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nonce < out[j].Nonce })
	return out
}

// TotalAmount returns the sum of per-ticket amounts.
func (o Order) TotalAmount() *big.Int {
	total := new(big.Int)
	for _, a := range o.Amounts {
		if a != nil {
			total.Add(total, a)
		}
	}
	return total
}

// Stats summarizes the store for the dashboard and metrics.
type Stats struct {
	Loans              int `json:"loans"`
	LoansAwaitingCheck int `json:"loans_awaiting_check"`
	Orders             int `json:"orders"`
	ActiveOrders       int `json:"active_orders"`
	Positions          int `json:"positions"`
	PendingLiquidation int `json:"pending_liquidation"`
	PendingPurchase    int `json:"pending_purchase"`
	PendingAdjustment  int `json:"pending_adjustment"`
	PendingSale        int `json:"pending_sale"`
}

// Store is the encapsulated tracker state.
type Store struct {
	mu     sync.RWMutex
	loans  map[types.LoanKey]*Loan
	orders map[uint64]*Order
}

// New creates an empty store.
func New() *Store {
	return &Store{
		loans:  make(map[types.LoanKey]*Loan),
		orders: make(map[uint64]*Order),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Loans
// ————————————————————————————————————————————————————————————————————————

// ApplyLoanSnapshot merges outstanding-loan records taken at block. Records
// update a loan only when block is at least the loan's UpdatedBlock. Tracked
// loans the snapshot reports as settled, or omits, are marked for a ledger
// check and returned; none are removed.
func (s *Store) ApplyLoanSnapshot(records []types.LoanRecord, block uint64) []types.LoanKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[types.LoanKey]bool, len(records))
	var suspect []types.LoanKey

	for _, r := range records {
		key := types.NewLoanKey(r.Collection, r.Item)
		seen[key] = true
		l, ok := s.loans[key]

		if !r.Outstanding {
			if ok && block >= l.UpdatedBlock && !l.NeedsCheck {
				l.NeedsCheck = true
				suspect = append(suspect, key)
			}
			continue
		}

		if !ok {
			s.loans[key] = &Loan{
				Key:           key,
				Collection:    r.Collection,
				Item:          cloneInt(r.Item),
				Pool:          r.Pool,
				Borrower:      r.Borrower,
				Outstanding:   cloneInt(r.Amount),
				UpdatedBlock:  block,
				SnapshotBlock: block,
			}
			continue
		}
		if block < l.UpdatedBlock {
			continue
		}
		l.Pool = r.Pool
		l.Borrower = r.Borrower
		l.Outstanding = cloneInt(r.Amount)
		l.UpdatedBlock = block
		l.SnapshotBlock = block
	}

	for key, l := range s.loans {
		if seen[key] || l.NeedsCheck || l.UpdatedBlock > block {
			continue
		}
		l.NeedsCheck = true
		suspect = append(suspect, key)
	}

	sortKeys(suspect)
	return suspect
}

// ApplyBorrowed adds delta to the loan's outstanding amount, creating the
// loan on first sight. Deltas already covered by the loan's state are
// dropped: those from blocks older than UpdatedBlock, and those at or below
// the block of the snapshot that set the amount.
func (s *Store) ApplyBorrowed(collection common.Address, item *big.Int, pool, borrower common.Address, delta *big.Int, block uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := types.NewLoanKey(collection, item)
	l, ok := s.loans[key]
	if !ok {
		l = &Loan{
			Key:         key,
			Collection:  collection,
			Item:        cloneInt(item),
			Outstanding: new(big.Int),
		}
		s.loans[key] = l
	} else if l.covers(block) {
		return
	}
	l.Pool = pool
	l.Borrower = borrower
	l.Outstanding = new(big.Int).Add(l.Outstanding, nonNil(delta))
	if block > l.UpdatedBlock {
		l.UpdatedBlock = block
	}
}

// ApplyRepaid subtracts delta (floored at zero) and marks the loan for a
// ledger check. It never removes. Returns false for untracked loans.
func (s *Store) ApplyRepaid(collection common.Address, item *big.Int, delta *big.Int, block uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.loans[types.NewLoanKey(collection, item)]
	if !ok {
		return false
	}
	l.NeedsCheck = true
	if l.covers(block) {
		return true
	}
	remaining := new(big.Int).Sub(l.Outstanding, nonNil(delta))
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	l.Outstanding = remaining
	l.UpdatedBlock = block
	return true
}

// ApplyLiquidated removes a liquidated loan. Returns whether it was tracked.
func (s *Store) ApplyLiquidated(collection common.Address, item *big.Int) bool {
	return s.RetireLoan(types.NewLoanKey(collection, item))
}

// RetireLoan removes a loan the ledger no longer reports as deployed.
// An absent key is a no-op returning false.
func (s *Store) RetireLoan(key types.LoanKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.loans[key]; !ok {
		return false
	}
	delete(s.loans, key)
	return true
}

// ConfirmDeployed clears the check mark after the ledger reported the loan
// still deployed.
func (s *Store) ConfirmDeployed(key types.LoanKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.loans[key]; ok {
		l.NeedsCheck = false
	}
}

// LoansAwaitingCheck returns the keys of loans marked for a ledger check.
func (s *Store) LoansAwaitingCheck() []types.LoanKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []types.LoanKey
	for key, l := range s.loans {
		if l.NeedsCheck {
			keys = append(keys, key)
		}
	}
	sortKeys(keys)
	return keys
}

// TryMarkLiquidation sets the loan's pending flag. Returns false when the
// loan is absent or already pending.
func (s *Store) TryMarkLiquidation(key types.LoanKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.loans[key]
	if !ok || l.PendingLiquidation {
		return false
	}
	l.PendingLiquidation = true
	return true
}

// ClearLiquidation resets the loan's pending flag.
func (s *Store) ClearLiquidation(key types.LoanKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.loans[key]; ok {
		l.PendingLiquidation = false
	}
}

// Loan returns a copy of one loan.
func (s *Store) Loan(key types.LoanKey) (Loan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.loans[key]
	if !ok {
		return Loan{}, false
	}
	return l.clone(), true
}

// Loans returns copies of all loans ordered by key.
func (s *Store) Loans() []Loan {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Loan, 0, len(s.loans))
	for _, l := range s.loans {
		out = append(out, l.clone())
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i].Key, out[j].Key) })
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// ApplyOrderSnapshot merges order records. Pending flags are preserved,
// cancellation is sticky, and positions are unioned except those already
// sold.
func (s *Store) ApplyOrderSnapshot(records []types.OrderRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		o := s.order(r.Nonce)
		o.ID = r.ID
		o.Pool = r.Pool
		o.Owner = r.User
		o.Token = r.Token
		o.Tickets = append([]uint64(nil), r.Tickets...)
		o.Amounts = cloneInts(r.Amounts)
		o.LockEpochs = r.LockEpochs
		if r.LastPurchaseEpoch > o.LastPurchaseEpoch {
			o.LastPurchaseEpoch = r.LastPurchaseEpoch
		}
		if r.Status == types.OrderCancelled {
			o.Cancelled = true
		}
		for _, p := range r.Positions {
			o.addPosition(p.Nonce, p.UnlockEpoch)
		}
	}
}

// ApplySubCreated records a new order.
func (s *Store) ApplySubCreated(f types.SubFields) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := s.order(f.Nonce)
	o.Pool = f.Pool
	o.Owner = f.User
	o.Token = f.Token
	o.Tickets = append([]uint64(nil), f.Tickets...)
	o.Amounts = cloneInts(f.Amounts)
	o.LockEpochs = f.LockEpochs
}

// ApplyPurchaseExecuted opens a position and advances the order's last
// purchase epoch to the epoch the position was bought in.
func (s *Store) ApplyPurchaseExecuted(nonce, positionNonce uint64, unlockEpoch int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := s.order(nonce)
	o.addPosition(positionNonce, unlockEpoch)
	bought := unlockEpoch - int64(o.LockEpochs)
	if bought > o.LastPurchaseEpoch {
		o.LastPurchaseEpoch = bought
	}
}

// ApplyAdjustmentExecuted records the auction an adjustment settled.
func (s *Store) ApplyAdjustmentExecuted(nonce, positionNonce, auctionNonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[nonce]
	if !ok {
		return
	}
	if p, ok := o.Positions[positionNonce]; ok && auctionNonce > p.LastAuctionNonce {
		p.LastAuctionNonce = auctionNonce
		o.Positions[positionNonce] = p
	}
}

// ApplySaleExecuted removes a sold position.
func (s *Store) ApplySaleExecuted(nonce, positionNonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := s.order(nonce)
	delete(o.Positions, positionNonce)
	o.closed[positionNonce] = struct{}{}
}

// ApplyCancelled flags an order cancelled. Unknown orders are recorded as
// cancelled so a lagging snapshot cannot reactivate them.
func (s *Store) ApplyCancelled(nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order(nonce).Cancelled = true
}

// TryMarkPurchase sets the order's purchase flag. Returns false when the
// order is absent, cancelled, or already purchasing.
func (s *Store) TryMarkPurchase(nonce uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[nonce]
	if !ok || o.Cancelled || o.PendingPurchase {
		return false
	}
	o.PendingPurchase = true
	return true
}

// ClearPurchase resets the order's purchase flag.
func (s *Store) ClearPurchase(nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o, ok := s.orders[nonce]; ok {
		o.PendingPurchase = false
	}
}

// TryMarkAdjustment sets a position's adjustment flag. A position with a
// sale or adjustment in flight is refused.
func (s *Store) TryMarkAdjustment(nonce, positionNonce uint64) bool {
	return s.tryMarkPosition(nonce, positionNonce, func(p *Position) { p.PendingAdjustment = true })
}

// ClearAdjustment resets a position's adjustment flag.
func (s *Store) ClearAdjustment(nonce, positionNonce uint64) {
	s.clearPosition(nonce, positionNonce, func(p *Position) { p.PendingAdjustment = false })
}

// TryMarkSale sets a position's sale flag. A position with a sale or
// adjustment in flight is refused.
func (s *Store) TryMarkSale(nonce, positionNonce uint64) bool {
	return s.tryMarkPosition(nonce, positionNonce, func(p *Position) { p.PendingSale = true })
}

// ClearSale resets a position's sale flag.
func (s *Store) ClearSale(nonce, positionNonce uint64) {
	s.clearPosition(nonce, positionNonce, func(p *Position) { p.PendingSale = false })
}

func (s *Store) tryMarkPosition(nonce, positionNonce uint64, set func(*Position)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[nonce]
	if !ok || o.Cancelled {
		return false
	}
	p, ok := o.Positions[positionNonce]
	if !ok || p.PendingAdjustment || p.PendingSale {
		return false
	}
	set(&p)
	o.Positions[positionNonce] = p
	return true
}

func (s *Store) clearPosition(nonce, positionNonce uint64, reset func(*Position)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[nonce]
	if !ok {
		return
	}
	if p, ok := o.Positions[positionNonce]; ok {
		reset(&p)
		o.Positions[positionNonce] = p
	}
}

// Order returns a copy of one order.
func (s *Store) Order(nonce uint64) (Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[nonce]
	if !ok {
		return Order{}, false
	}
	return o.clone(), true
}

// Orders returns copies of all orders ordered by nonce.
func (s *Store) Orders() []Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nonce < out[j].Nonce })
	return out
}

// Stats counts tracked entities and in-flight actions.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Loans: len(s.loans), Orders: len(s.orders)}
	for _, l := range s.loans {
		if l.NeedsCheck {
			st.LoansAwaitingCheck++
		}
		if l.PendingLiquidation {
			st.PendingLiquidation++
		}
	}
	for _, o := range s.orders {
		if !o.Cancelled {
			st.ActiveOrders++
		}
		if o.PendingPurchase {
			st.PendingPurchase++
		}
		st.Positions += len(o.Positions)
		for _, p := range o.Positions {
			if p.PendingAdjustment {
				st.PendingAdjustment++
			}
			if p.PendingSale {
				st.PendingSale++
			}
		}
	}
	return st
}

// order returns the order for nonce, creating an empty active one. Callers
// hold the write lock.
func (s *Store) order(nonce uint64) *Order {
	o, ok := s.orders[nonce]
	if !ok {
		o = &Order{
			Nonce:             nonce,
			LastPurchaseEpoch: -1,
			Positions:         make(map[uint64]Position),
			closed:            make(map[uint64]struct{}),
		}
		s.orders[nonce] = o
	}
	return o
}

func (o *Order) addPosition(nonce uint64, unlockEpoch int64) {
	if _, sold := o.closed[nonce]; sold {
		return
	}
	if _, ok := o.Positions[nonce]; ok {
		return
	}
	o.Positions[nonce] = Position{Nonce: nonce, UnlockEpoch: unlockEpoch}
}

// covers reports whether the loan's amount already reflects an event at block.
func (l *Loan) covers(block uint64) bool {
	return block < l.UpdatedBlock || block <= l.SnapshotBlock
}

func (l *Loan) clone() Loan {
	c := *l
	c.Item = cloneInt(l.Item)
	c.Outstanding = cloneInt(l.Outstanding)
	return c
}

func (o *Order) clone() Order {
	c := *o
	c.Tickets = append([]uint64(nil), o.Tickets...)
	c.Amounts = cloneInts(o.Amounts)
	c.Positions = make(map[uint64]Position, len(o.Positions))
	for n, p := range o.Positions {
		c.Positions[n] = p
		if p.PendingAdjustment {
			c.PendingAdjustment = true
		}
		if p.PendingSale {
			c.PendingSale = true
		}
	}
	c.closed = nil
	return c
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func cloneInts(vs []*big.Int) []*big.Int {
	out := make([]*big.Int, len(vs))
	for i, v := range vs {
		out[i] = cloneInt(v)
	}
	return out
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func keyLess(a, b types.LoanKey) bool {
	if a.Collection != b.Collection {
		return a.Collection < b.Collection
	}
	if len(a.Item) != len(b.Item) {
		return len(a.Item) < len(b.Item)
	}
	return a.Item < b.Item
}

func sortKeys(keys []types.LoanKey) {
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
}
