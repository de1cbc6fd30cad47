package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Call is a state-changing contract invocation. Build one with the
// constructors below; the zero value is not usable.
type Call struct {
	To     common.Address
	Method string
	Args   []any
	abi    *abi.ABI
}

// Pack ABI-encodes the call data.
func (c Call) Pack() ([]byte, error) {
	if c.abi == nil {
		return nil, fmt.Errorf("call %s: no ABI bound", c.Method)
	}
	data, err := c.abi.Pack(c.Method, c.Args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", c.Method, err)
	}
	return data, nil
}

func (c Call) String() string {
	return fmt.Sprintf("%s@%s", c.Method, c.To.Hex())
}

// Liquidate seizes the collateral of an undercollateralized loan.
func Liquidate(lending, collection common.Address, item *big.Int) Call {
	return Call{To: lending, Method: "liquidate", Args: []any{collection, item}, abi: &lendingABI}
}

// ExecutePurchase runs one recurring purchase for a subscription order.
func ExecutePurchase(subscriptions common.Address, nonce uint64) Call {
	return Call{
		To:     subscriptions,
		Method: "executePurchaseOrder",
		Args:   []any{u256(nonce)},
		abi:    &subscriptionsABI,
	}
}

// ExecuteAdjustment applies a closure adjustment to a position.
func ExecuteAdjustment(subscriptions common.Address, nonce, positionNonce, auctionNonce uint64) Call {
	return Call{
		To:     subscriptions,
		Method: "executeAdjustmentOrder",
		Args:   []any{u256(nonce), u256(positionNonce), u256(auctionNonce)},
		abi:    &subscriptionsABI,
	}
}

// ExecuteSale sells an unlocked, fully adjusted position.
func ExecuteSale(subscriptions common.Address, nonce, positionNonce uint64) Call {
	return Call{
		To:     subscriptions,
		Method: "executeSellOrder",
		Args:   []any{u256(nonce), u256(positionNonce)},
		abi:    &subscriptionsABI,
	}
}

// Approve sets an ERC-20 allowance.
func Approve(token, spender common.Address, amount *big.Int) Call {
	return Call{To: token, Method: "approve", Args: []any{spender, amount}, abi: &erc20ABI}
}

// Transfer moves ERC-20 tokens from the keeper account.
func Transfer(token, to common.Address, amount *big.Int) Call {
	return Call{To: token, Method: "transfer", Args: []any{to, amount}, abi: &erc20ABI}
}

func u256(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}
