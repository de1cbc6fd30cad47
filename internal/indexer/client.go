// Package indexer queries the protocol's GraphQL indexer.
//
// The indexer lags the chain. Records it returns are hints for the tracker;
// a record missing from a response never proves the entity is gone.
//
//   - QueryLoans:         loans, paged by id cursor, optionally pinned to a block
//   - QueryOrders:        subscription orders with their positions, paged likewise
//   - QueryAuctionStatus: the closure auction for one adjustment nonce
//   - HeadBlock:          the block the indexer has processed up to
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"vault-keeper/internal/config"
	"vault-keeper/pkg/types"
)

// ErrAuctionNotFound means the indexer has no auction for the nonce yet.
var ErrAuctionNotFound = errors.New("auction not found")

// Client is the GraphQL indexer client.
type Client struct {
	http     *resty.Client
	limiter  *rate.Limiter
	pageSize int
	logger   *slog.Logger
}

// NewClient creates an indexer client with retry on 5xx and transport errors.
func NewClient(cfg config.IndexerConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		httpClient.SetAuthToken(key)
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}

	return &Client{
		http:     httpClient,
		limiter:  rate.NewLimiter(rate.Limit(5), 5),
		pageSize: pageSize,
		logger:   logger.With("component", "indexer"),
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// do posts a query and decodes the data payload into out.
func (c *Client) do(ctx context.Context, query string, vars map[string]any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var result graphqlResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(graphqlRequest{Query: query, Variables: vars}).
		SetResult(&result).
		Post("")
	if err != nil {
		return fmt.Errorf("post query: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("post query: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Message)
		}
		return fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
	}
	if len(result.Data) == 0 {
		return errors.New("graphql: empty data")
	}
	if err := json.Unmarshal(result.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Loans
// ————————————————————————————————————————————————————————————————————————

// LoanFilter narrows QueryLoans. Zero value returns every loan at the
// indexer's latest block.
type LoanFilter struct {
	OutstandingOnly bool
	Pool            common.Address
	Block           uint64 // read state as of this block; 0 means latest
}

func (f LoanFilter) where() map[string]any {
	w := map[string]any{}
	if f.OutstandingOnly {
		w["outstanding"] = true
	}
	if f.Pool != (common.Address{}) {
		w["vault"] = strings.ToLower(f.Pool.Hex())
	}
	return w
}

const loansQuery = `
	query Loans($first: Int!, $where: Loan_filter, $block: Block_height) {
		loans(first: $first, block: $block, orderBy: id, orderDirection: asc, where: $where) {
			id
			borrower
			vault
			nft
			nftId
			amount
			outstanding
		}
	}
`

type gqlLoan struct {
	ID          string `json:"id"`
	Borrower    string `json:"borrower"`
	Vault       string `json:"vault"`
	NFT         string `json:"nft"`
	NFTID       string `json:"nftId"`
	Amount      string `json:"amount"`
	Outstanding bool   `json:"outstanding"`
}

// QueryLoans returns all loans matching the filter.
func (c *Client) QueryLoans(ctx context.Context, filter LoanFilter) ([]types.LoanRecord, error) {
	var records []types.LoanRecord
	for after := ""; ; {
		var page struct {
			Loans []gqlLoan `json:"loans"`
		}
		vars := pageVars(c.pageSize, after, filter.where(), filter.Block)
		if err := c.do(ctx, loansQuery, vars, &page); err != nil {
			return nil, fmt.Errorf("query loans after %q: %w", after, err)
		}
		for _, l := range page.Loans {
			rec, err := l.record()
			if err != nil {
				c.logger.Warn("skipping malformed loan record", "id", l.ID, "error", err)
				continue
			}
			records = append(records, rec)
		}
		if len(page.Loans) < c.pageSize {
			break
		}
		after = page.Loans[len(page.Loans)-1].ID
	}
	return records, nil
}

func (l gqlLoan) record() (types.LoanRecord, error) {
	if !common.IsHexAddress(l.NFT) {
		return types.LoanRecord{}, fmt.Errorf("bad nft address %q", l.NFT)
	}
	item, err := parseBig(l.NFTID)
	if err != nil {
		return types.LoanRecord{}, fmt.Errorf("nftId: %w", err)
	}
	amount, err := parseBig(l.Amount)
	if err != nil {
		return types.LoanRecord{}, fmt.Errorf("amount: %w", err)
	}
	return types.LoanRecord{
		ID:          l.ID,
		Borrower:    common.HexToAddress(l.Borrower),
		Pool:        common.HexToAddress(l.Vault),
		Collection:  common.HexToAddress(l.NFT),
		Item:        item,
		Amount:      amount,
		Outstanding: l.Outstanding,
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderFilter narrows QueryOrders. Zero value returns every order.
type OrderFilter struct {
	Status types.OrderStatus
	Pool   common.Address
	Block  uint64 // read state as of this block; 0 means latest
}

func (f OrderFilter) where() map[string]any {
	w := map[string]any{}
	if f.Status != "" {
		w["status"] = string(f.Status)
	}
	if f.Pool != (common.Address{}) {
		w["vault"] = strings.ToLower(f.Pool.Hex())
	}
	return w
}

const ordersQuery = `
	query Subscriptions($first: Int!, $where: Subscription_filter, $block: Block_height) {
		subscriptions(first: $first, block: $block, orderBy: id, orderDirection: asc, where: $where) {
			id
			user
			vault
			token
			status
			nonce
			tickets
			amounts
			lockEpochs
			lastPurchaseEpoch
			positions {
				nonce
				unlockEpoch
			}
		}
	}
`

type gqlOrder struct {
	ID                string   `json:"id"`
	User              string   `json:"user"`
	Vault             string   `json:"vault"`
	Token             string   `json:"token"`
	Status            string   `json:"status"`
	Nonce             string   `json:"nonce"`
	Tickets           []string `json:"tickets"`
	Amounts           []string `json:"amounts"`
	LockEpochs        string   `json:"lockEpochs"`
	LastPurchaseEpoch *string  `json:"lastPurchaseEpoch"`
	Positions         []struct {
		Nonce       string `json:"nonce"`
		UnlockEpoch string `json:"unlockEpoch"`
	} `json:"positions"`
}

// QueryOrders returns all subscription orders matching the filter.
func (c *Client) QueryOrders(ctx context.Context, filter OrderFilter) ([]types.OrderRecord, error) {
	var records []types.OrderRecord
	for after := ""; ; {
		var page struct {
			Subscriptions []gqlOrder `json:"subscriptions"`
		}
		vars := pageVars(c.pageSize, after, filter.where(), filter.Block)
		if err := c.do(ctx, ordersQuery, vars, &page); err != nil {
			return nil, fmt.Errorf("query orders after %q: %w", after, err)
		}
		for _, o := range page.Subscriptions {
			rec, err := o.record()
			if err != nil {
				c.logger.Warn("skipping malformed order record", "id", o.ID, "error", err)
				continue
			}
			records = append(records, rec)
		}
		if len(page.Subscriptions) < c.pageSize {
			break
		}
		after = page.Subscriptions[len(page.Subscriptions)-1].ID
	}
	return records, nil
}

func (o gqlOrder) record() (types.OrderRecord, error) {
	nonce, err := parseUint(o.Nonce)
	if err != nil {
		return types.OrderRecord{}, fmt.Errorf("nonce: %w", err)
	}
	if len(o.Tickets) != len(o.Amounts) {
		return types.OrderRecord{}, fmt.Errorf("%d tickets but %d amounts", len(o.Tickets), len(o.Amounts))
	}
	rec := types.OrderRecord{
		ID:                o.ID,
		User:              common.HexToAddress(o.User),
		Pool:              common.HexToAddress(o.Vault),
		Token:             common.HexToAddress(o.Token),
		Status:            types.OrderStatus(strings.ToLower(o.Status)),
		Nonce:             nonce,
		LastPurchaseEpoch: -1,
	}
	for i := range o.Tickets {
		ticket, err := parseUint(o.Tickets[i])
		if err != nil {
			return types.OrderRecord{}, fmt.Errorf("ticket %d: %w", i, err)
		}
		amount, err := parseBig(o.Amounts[i])
		if err != nil {
			return types.OrderRecord{}, fmt.Errorf("amount %d: %w", i, err)
		}
		rec.Tickets = append(rec.Tickets, ticket)
		rec.Amounts = append(rec.Amounts, amount)
	}
	if o.LockEpochs != "" {
		if rec.LockEpochs, err = parseUint(o.LockEpochs); err != nil {
			return types.OrderRecord{}, fmt.Errorf("lockEpochs: %w", err)
		}
	}
	if o.LastPurchaseEpoch != nil {
		if rec.LastPurchaseEpoch, err = strconv.ParseInt(*o.LastPurchaseEpoch, 10, 64); err != nil {
			return types.OrderRecord{}, fmt.Errorf("lastPurchaseEpoch: %w", err)
		}
	}
	for _, p := range o.Positions {
		pn, err := parseUint(p.Nonce)
		if err != nil {
			return types.OrderRecord{}, fmt.Errorf("position nonce: %w", err)
		}
		unlock, err := strconv.ParseInt(p.UnlockEpoch, 10, 64)
		if err != nil {
			return types.OrderRecord{}, fmt.Errorf("position %d unlockEpoch: %w", pn, err)
		}
		rec.Positions = append(rec.Positions, types.PositionRecord{Nonce: pn, UnlockEpoch: unlock})
	}
	return rec, nil
}

// ————————————————————————————————————————————————————————————————————————
// Auctions
// ————————————————————————————————————————————————————————————————————————

const auctionQuery = `
	query Auction($where: Auction_filter) {
		auctions(first: 1, where: $where) {
			id
			endTime
			highestBid
			highestBidder
			ended
			closePool
			nonce
			adjustmentNonce
		}
	}
`

type gqlAuction struct {
	ID              string `json:"id"`
	EndTime         string `json:"endTime"`
	HighestBid      string `json:"highestBid"`
	HighestBidder   string `json:"highestBidder"`
	Ended           bool   `json:"ended"`
	ClosePool       string `json:"closePool"`
	Nonce           string `json:"nonce"`
	AdjustmentNonce string `json:"adjustmentNonce"`
}

// QueryAuctionStatus returns the closure auction that produced the pool's
// adjustment with the given nonce.
func (c *Client) QueryAuctionStatus(ctx context.Context, pool common.Address, adjustmentNonce uint64) (types.AuctionRecord, error) {
	var page struct {
		Auctions []gqlAuction `json:"auctions"`
	}
	vars := map[string]any{"where": map[string]any{
		"closePool":       strings.ToLower(pool.Hex()),
		"adjustmentNonce": strconv.FormatUint(adjustmentNonce, 10),
	}}
	if err := c.do(ctx, auctionQuery, vars, &page); err != nil {
		return types.AuctionRecord{}, fmt.Errorf("query auction %d: %w", adjustmentNonce, err)
	}
	if len(page.Auctions) == 0 {
		return types.AuctionRecord{}, ErrAuctionNotFound
	}
	rec, err := page.Auctions[0].record()
	if err != nil {
		return types.AuctionRecord{}, fmt.Errorf("auction %d: %w", adjustmentNonce, err)
	}
	return rec, nil
}

func (a gqlAuction) record() (types.AuctionRecord, error) {
	rec := types.AuctionRecord{
		ID:            a.ID,
		HighestBidder: common.HexToAddress(a.HighestBidder),
		Ended:         a.Ended,
		ClosePool:     common.HexToAddress(a.ClosePool),
	}
	var err error
	if a.EndTime != "" {
		end, err := strconv.ParseInt(a.EndTime, 10, 64)
		if err != nil {
			return rec, fmt.Errorf("endTime: %w", err)
		}
		rec.EndTime = time.Unix(end, 0).UTC()
	}
	if a.HighestBid != "" {
		if rec.HighestBid, err = parseBig(a.HighestBid); err != nil {
			return rec, fmt.Errorf("highestBid: %w", err)
		}
	}
	if rec.Nonce, err = parseUint(a.Nonce); err != nil {
		return rec, fmt.Errorf("nonce: %w", err)
	}
	if rec.AdjustmentNonce, err = parseUint(a.AdjustmentNonce); err != nil {
		return rec, fmt.Errorf("adjustmentNonce: %w", err)
	}
	return rec, nil
}

// ————————————————————————————————————————————————————————————————————————
// Meta
// ————————————————————————————————————————————————————————————————————————

const headQuery = `
	query Head {
		_meta {
			block {
				number
			}
		}
	}
`

// HeadBlock returns the latest block the indexer has processed.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	var out struct {
		Meta struct {
			Block struct {
				Number uint64 `json:"number"`
			} `json:"block"`
		} `json:"_meta"`
	}
	if err := c.do(ctx, headQuery, nil, &out); err != nil {
		return 0, fmt.Errorf("query head block: %w", err)
	}
	return out.Meta.Block.Number, nil
}

// pageVars builds the variables for one id-cursor page. Pages are ordered by
// id and each starts after the last id of the previous one.
func pageVars(first int, after string, where map[string]any, block uint64) map[string]any {
	where["id_gt"] = after
	vars := map[string]any{"first": first, "where": where}
	if block > 0 {
		vars["block"] = map[string]any{"number": block}
	}
	return vars
}

func parseBig(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("not an integer: %q", s)
	}
	return n, nil
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 10, 64)
}
