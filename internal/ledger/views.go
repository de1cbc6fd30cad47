package ledger

// View calls. A failed read always returns an error; a zero result is a
// legitimate value and is never used to signal failure.

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

func (c *Client) call(ctx context.Context, to common.Address, parsed *abi.ABI, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	vals, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	return vals, nil
}

func (c *Client) callUint(ctx context.Context, to common.Address, parsed *abi.ABI, method string, args ...any) (*big.Int, error) {
	vals, err := c.call(ctx, to, parsed, method, args...)
	if err != nil {
		return nil, err
	}
	n, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected result type %T", method, vals[0])
	}
	return n, nil
}

func (c *Client) callInt64(ctx context.Context, to common.Address, parsed *abi.ABI, method string, args ...any) (int64, error) {
	n, err := c.callUint(ctx, to, parsed, method, args...)
	if err != nil {
		return 0, err
	}
	if !n.IsInt64() {
		return 0, fmt.Errorf("%s: result %s overflows int64", method, n)
	}
	return n.Int64(), nil
}

// StartTime returns the pool's epoch-zero timestamp in unix seconds.
func (c *Client) StartTime(ctx context.Context, pool common.Address) (int64, error) {
	return c.callInt64(ctx, pool, &poolABI, "startTime")
}

// EpochLength returns the pool's epoch duration in seconds.
func (c *Client) EpochLength(ctx context.Context, pool common.Address) (int64, error) {
	return c.callInt64(ctx, pool, &poolABI, "epochLength")
}

// PayoutPerReservation returns the pool payout per reserved slot at an epoch.
func (c *Client) PayoutPerReservation(ctx context.Context, pool common.Address, epoch int64) (*big.Int, error) {
	if epoch < 0 {
		return nil, fmt.Errorf("getPayoutPerReservation: negative epoch %d", epoch)
	}
	return c.callUint(ctx, pool, &poolABI, "getPayoutPerReservation", big.NewInt(epoch))
}

// AdjustmentsMade returns how many closure adjustments a position has applied.
func (c *Client) AdjustmentsMade(ctx context.Context, pool common.Address, positionNonce uint64) (uint64, error) {
	n, err := c.callInt64(ctx, pool, &poolABI, "adjustmentsMade", u256(positionNonce))
	return uint64(n), err
}

// AdjustmentsRequired returns how many closure adjustments the pool requires.
func (c *Client) AdjustmentsRequired(ctx context.Context, pool common.Address) (uint64, error) {
	n, err := c.callInt64(ctx, pool, &poolABI, "adjustmentsRequired")
	return uint64(n), err
}

// TicketLimit returns the capacity of one ticket per epoch.
func (c *Client) TicketLimit(ctx context.Context, pool common.Address) (*big.Int, error) {
	return c.callUint(ctx, pool, &poolABI, "ticketLimit")
}

// TicketInfo returns how much of a ticket is filled at an epoch.
func (c *Client) TicketInfo(ctx context.Context, pool common.Address, epoch int64, ticket uint64) (*big.Int, error) {
	if epoch < 0 {
		return nil, fmt.Errorf("getTicketInfo: negative epoch %d", epoch)
	}
	return c.callUint(ctx, pool, &poolABI, "getTicketInfo", big.NewInt(epoch), u256(ticket))
}

// GasStored returns an owner's prepaid execution subsidy in wei.
func (c *Client) GasStored(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.callUint(ctx, c.subscriptions, &subscriptionsABI, "gasStored", owner)
}

// TokensStored returns an owner's deposited payment tokens.
func (c *Client) TokensStored(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	return c.callUint(ctx, c.subscriptions, &subscriptionsABI, "tokensStored", owner, token)
}

// LoanDeployed reports whether the ledger still has a loan against the collateral.
func (c *Client) LoanDeployed(ctx context.Context, collection common.Address, item *big.Int) (bool, error) {
	vals, err := c.call(ctx, c.lending, &lendingABI, "loanDeployed", collection, item)
	if err != nil {
		return false, err
	}
	deployed, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("loanDeployed: unexpected result type %T", vals[0])
	}
	return deployed, nil
}

// Allowance returns the ERC-20 allowance owner → spender.
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return c.callUint(ctx, token, &erc20ABI, "allowance", owner, spender)
}

// BalanceOf returns an ERC-20 balance.
func (c *Client) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	return c.callUint(ctx, token, &erc20ABI, "balanceOf", account)
}
