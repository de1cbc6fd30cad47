package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"vault-keeper/pkg/types"
)

// ErrUnknownEvent is returned by DecodeLog for logs the keeper does not track.
var ErrUnknownEvent = errors.New("unknown event")

type eventSpec struct {
	kind  types.EventKind
	event abi.Event
	abi   *abi.ABI
}

// eventsByTopic maps topic0 to the event it identifies. Filled in init.
var eventsByTopic = map[common.Hash]eventSpec{}

func registerEvents() {
	register := func(kind types.EventKind, parsed *abi.ABI, name string) {
		ev, ok := parsed.Events[name]
		if !ok {
			panic("ledger: missing event " + name)
		}
		eventsByTopic[ev.ID] = eventSpec{kind: kind, event: ev, abi: parsed}
	}

	register(types.EventBorrowed, &lendingABI, "Borrowed")
	register(types.EventRepaid, &lendingABI, "Repaid")
	register(types.EventLiquidated, &lendingABI, "BorrowerLiquidated")
	register(types.EventSubCreated, &subscriptionsABI, "SubCreated")
	register(types.EventPurchaseExecuted, &subscriptionsABI, "PurchaseExecuted")
	register(types.EventAdjustmentExecuted, &subscriptionsABI, "AdjustmentExecuted")
	register(types.EventSaleExecuted, &subscriptionsABI, "SaleExecuted")
	register(types.EventSubCancelled, &subscriptionsABI, "SubCancelled")
}

// EventTopics returns topic0 for every tracked event, for use in log filters.
func EventTopics() []common.Hash {
	topics := make([]common.Hash, 0, len(eventsByTopic))
	for topic := range eventsByTopic {
		topics = append(topics, topic)
	}
	return topics
}

// DecodeLog converts a raw log into a typed event.
func DecodeLog(lg gethtypes.Log) (types.Event, error) {
	if len(lg.Topics) == 0 {
		return types.Event{}, ErrUnknownEvent
	}
	spec, ok := eventsByTopic[lg.Topics[0]]
	if !ok {
		return types.Event{}, ErrUnknownEvent
	}

	fields := make(map[string]any)
	if len(lg.Data) > 0 {
		if err := spec.abi.UnpackIntoMap(fields, spec.event.Name, lg.Data); err != nil {
			return types.Event{}, fmt.Errorf("unpack %s data: %w", spec.event.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range spec.event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return types.Event{}, fmt.Errorf("parse %s topics: %w", spec.event.Name, err)
	}

	evt := types.Event{
		Kind:     spec.kind,
		Block:    lg.BlockNumber,
		TxHash:   lg.TxHash,
		LogIndex: lg.Index,
	}
	f := fieldReader{m: fields}
	if evt.IsLoanEvent() {
		evt.Loan = types.LoanFields{
			Borrower:   f.addr("borrower"),
			Pool:       f.addr("pool"),
			Collection: f.addr("nft"),
			Item:       f.num("id"),
			Amount:     f.num("amount"),
		}
	} else {
		evt.Sub = types.SubFields{
			User:          f.addr("user"),
			Pool:          f.addr("pool"),
			Nonce:         f.u64("nonce"),
			PositionNonce: f.u64("positionNonce"),
			Token:         f.addr("token"),
			Tickets:       f.u64s("tickets"),
			Amounts:       f.nums("amounts"),
			LockEpochs:    f.u64("lockEpochs"),
			UnlockEpoch:   int64(f.u64("unlockEpoch")),
			AuctionNonce:  f.u64("auctionNonce"),
		}
	}
	if f.err != nil {
		return types.Event{}, fmt.Errorf("decode %s: %w", spec.event.Name, f.err)
	}
	return evt, nil
}

// fieldReader pulls typed values out of an unpacked event map. Absent keys
// yield zero values; a present key of the wrong type records an error.
type fieldReader struct {
	m   map[string]any
	err error
}

func (r *fieldReader) addr(key string) common.Address {
	v, ok := r.m[key]
	if !ok {
		return common.Address{}
	}
	addr, ok := v.(common.Address)
	if !ok {
		r.fail(key, v)
	}
	return addr
}

func (r *fieldReader) num(key string) *big.Int {
	v, ok := r.m[key]
	if !ok {
		return nil
	}
	n, ok := v.(*big.Int)
	if !ok {
		r.fail(key, v)
		return nil
	}
	return n
}

func (r *fieldReader) u64(key string) uint64 {
	n := r.num(key)
	if n == nil {
		return 0
	}
	if !n.IsUint64() {
		r.err = fmt.Errorf("field %s overflows uint64: %s", key, n)
		return 0
	}
	return n.Uint64()
}

func (r *fieldReader) nums(key string) []*big.Int {
	v, ok := r.m[key]
	if !ok {
		return nil
	}
	ns, ok := v.([]*big.Int)
	if !ok {
		r.fail(key, v)
	}
	return ns
}

func (r *fieldReader) u64s(key string) []uint64 {
	ns := r.nums(key)
	if ns == nil {
		return nil
	}
	out := make([]uint64, 0, len(ns))
	for _, n := range ns {
		if !n.IsUint64() {
			r.err = fmt.Errorf("field %s overflows uint64: %s", key, n)
			return nil
		}
		out = append(out, n.Uint64())
	}
	return out
}

func (r *fieldReader) fail(key string, v any) {
	if r.err == nil {
		r.err = fmt.Errorf("field %s has unexpected type %T", key, v)
	}
}
