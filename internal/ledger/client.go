// Package ledger is the keeper's only path to the chain.
//
// Client wraps an Ethereum JSON-RPC connection and exposes:
//   - Submit:         pack, price, sign and send a state-changing Call
//   - WaitConfirmed:  poll for the receipt and decode the protocol events in it
//   - EstimateCost:   gas estimate × current gas price, in wei
//   - CurrentFeeRate: current gas price, in wei
//   - view calls on the lending, subscription, pool and ERC-20 contracts
//
// Nonces are assigned locally under a mutex so concurrent Submit calls never
// reuse one. Every RPC passes through a rate limiter. In dry-run mode Submit
// returns a synthetic receipt without touching the network.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"vault-keeper/internal/config"
	"vault-keeper/pkg/types"
)

const (
	receiptPollInterval = 3 * time.Second
	gasHeadroomPercent  = 120 // EstimateGas result is scaled by this before sending
)

// backend is the subset of ethclient.Client the keeper uses.
type backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// PendingReceipt identifies a sent transaction.
type PendingReceipt struct {
	Hash        common.Hash
	Method      string
	GasPrice    *big.Int
	SubmittedAt time.Time
	DryRun      bool
}

// Confirmation is the outcome of a mined transaction.
type Confirmation struct {
	Hash         common.Hash
	Block        uint64
	Success      bool
	GasUsed      uint64
	EffectiveFee *big.Int
	Events       []types.Event // protocol events, in receipt order
	DryRun       bool
}

// Find returns the first event of the given kind accepted by match.
func (c Confirmation) Find(kind types.EventKind, match func(types.Event) bool) (types.Event, bool) {
	for _, evt := range c.Events {
		if evt.Kind != kind {
			continue
		}
		if match == nil || match(evt) {
			return evt, true
		}
	}
	return types.Event{}, false
}

// Client is the Ethereum JSON-RPC client for the keeper.
type Client struct {
	backend        backend
	wallet         *Wallet
	rl             *RateLimiter
	lending        common.Address
	subscriptions  common.Address
	dryRun         bool
	confirmTimeout time.Duration
	pollInterval   time.Duration
	logger         *slog.Logger

	nonceMu   sync.Mutex
	nextNonce *uint64 // nil until fetched, reset after a failed send
}

// Dial connects to the configured RPC endpoint.
func Dial(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Client, error) {
	wallet, err := NewWallet(cfg.Chain.PrivateKey, cfg.Chain.ChainID)
	if err != nil {
		return nil, err
	}
	eth, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return newClient(eth, wallet, cfg, logger), nil
}

func newClient(b backend, wallet *Wallet, cfg config.Config, logger *slog.Logger) *Client {
	return &Client{
		backend:        b,
		wallet:         wallet,
		rl:             NewRateLimiter(cfg.Chain.RateLimit, cfg.Chain.RateBurst),
		lending:        cfg.Contracts.LendingAddress(),
		subscriptions:  cfg.Contracts.SubscriptionsAddress(),
		dryRun:         cfg.DryRun,
		confirmTimeout: cfg.Engine.ConfirmTimeout,
		pollInterval:   receiptPollInterval,
		logger:         logger.With("component", "ledger"),
	}
}

// Close releases the RPC connection.
func (c *Client) Close() {
	if cl, ok := c.backend.(interface{ Close() }); ok {
		cl.Close()
	}
}

// Address returns the keeper account.
func (c *Client) Address() common.Address { return c.wallet.Address() }

// Submit signs and sends a call. A call the node rejects during gas
// estimation or on send is reported as *RevertError.
func (c *Client) Submit(ctx context.Context, call Call) (PendingReceipt, error) {
	data, err := call.Pack()
	if err != nil {
		return PendingReceipt{}, err
	}

	if c.dryRun {
		hash := crypto.Keccak256Hash(call.To.Bytes(), data, big.NewInt(time.Now().UnixNano()).Bytes())
		c.logger.Info("[DRY-RUN] would submit", "call", call.String(), "hash", hash.Hex())
		return PendingReceipt{Hash: hash, Method: call.Method, SubmittedAt: time.Now(), DryRun: true}, nil
	}

	if err := c.rl.Send.Wait(ctx); err != nil {
		return PendingReceipt{}, err
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := c.takeNonce(ctx)
	if err != nil {
		return PendingReceipt{}, err
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return PendingReceipt{}, fmt.Errorf("gas price: %w", err)
	}
	to := call.To
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     c.wallet.Address(),
		To:       &to,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return PendingReceipt{}, &RevertError{Method: call.Method, Reason: revertReason(err)}
	}
	gas = gas * gasHeadroomPercent / 100

	tx := gethtypes.NewTransaction(nonce, to, big.NewInt(0), gas, gasPrice, data)
	signed, err := c.wallet.Sign(tx)
	if err != nil {
		return PendingReceipt{}, err
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		c.nextNonce = nil
		if isRevert(err) {
			return PendingReceipt{}, &RevertError{Method: call.Method, Reason: revertReason(err)}
		}
		return PendingReceipt{}, fmt.Errorf("send %s: %w", call.Method, err)
	}
	next := nonce + 1
	c.nextNonce = &next

	c.logger.Info("transaction sent",
		"call", call.String(),
		"hash", signed.Hash().Hex(),
		"nonce", nonce,
		"gas", gas,
		"gas_price", gasPrice,
	)

	return PendingReceipt{
		Hash:        signed.Hash(),
		Method:      call.Method,
		GasPrice:    gasPrice,
		SubmittedAt: time.Now(),
	}, nil
}

// takeNonce returns the nonce for the next send. Caller holds nonceMu.
func (c *Client) takeNonce(ctx context.Context) (uint64, error) {
	if c.nextNonce != nil {
		return *c.nextNonce, nil
	}
	nonce, err := c.backend.PendingNonceAt(ctx, c.wallet.Address())
	if err != nil {
		return 0, fmt.Errorf("pending nonce: %w", err)
	}
	return nonce, nil
}

// WaitConfirmed polls for the receipt until it is mined or the confirm
// timeout elapses. A reverted transaction is a Confirmation with Success false,
// not an error.
func (c *Client) WaitConfirmed(ctx context.Context, pending PendingReceipt) (Confirmation, error) {
	if pending.DryRun {
		return Confirmation{Hash: pending.Hash, DryRun: true}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Confirmation{}, &ConfirmationError{Hash: pending.Hash, Err: ctx.Err()}
		case <-ticker.C:
			if err := c.rl.Read.Wait(ctx); err != nil {
				return Confirmation{}, &ConfirmationError{Hash: pending.Hash, Err: err}
			}
			receipt, err := c.backend.TransactionReceipt(ctx, pending.Hash)
			if err != nil {
				if !errors.Is(err, ethereum.NotFound) {
					c.logger.Debug("receipt poll failed", "hash", pending.Hash.Hex(), "error", err)
				}
				continue
			}
			return c.confirmation(receipt, pending), nil
		}
	}
}

func (c *Client) confirmation(receipt *gethtypes.Receipt, pending PendingReceipt) Confirmation {
	conf := Confirmation{
		Hash:    receipt.TxHash,
		Success: receipt.Status == gethtypes.ReceiptStatusSuccessful,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		conf.Block = receipt.BlockNumber.Uint64()
	}

	price := receipt.EffectiveGasPrice
	if price == nil {
		price = pending.GasPrice
	}
	if price != nil {
		conf.EffectiveFee = new(big.Int).Mul(price, new(big.Int).SetUint64(receipt.GasUsed))
	}

	for _, lg := range receipt.Logs {
		// Logs from other emitters (tokens, pools) are not protocol events.
		if lg == nil || (lg.Address != c.lending && lg.Address != c.subscriptions) {
			continue
		}
		evt, err := DecodeLog(*lg)
		if err != nil {
			if !errors.Is(err, ErrUnknownEvent) {
				c.logger.Warn("undecodable receipt log", "hash", receipt.TxHash.Hex(), "index", lg.Index, "error", err)
			}
			continue
		}
		conf.Events = append(conf.Events, evt)
	}
	return conf
}

// EstimateCost returns the fee in wei the call would cost at the current gas
// price. Any failure is an *EstimationError, wrapping a *RevertError when the
// node reports the call would revert; it never returns a zero estimate
// in place of an error.
func (c *Client) EstimateCost(ctx context.Context, call Call) (*big.Int, error) {
	data, err := call.Pack()
	if err != nil {
		return nil, &EstimationError{Method: call.Method, Err: err}
	}
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, &EstimationError{Method: call.Method, Err: err}
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &EstimationError{Method: call.Method, Err: fmt.Errorf("gas price: %w", err)}
	}
	to := call.To
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     c.wallet.Address(),
		To:       &to,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		if isRevert(err) {
			err = &RevertError{Method: call.Method, Reason: revertReason(err)}
		}
		return nil, &EstimationError{Method: call.Method, Err: err}
	}
	return new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gas)), nil
}

// CurrentFeeRate returns the node's suggested gas price in wei.
func (c *Client) CurrentFeeRate(ctx context.Context) (*big.Int, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	return price, nil
}
