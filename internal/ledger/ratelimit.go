package ledger

import (
	"golang.org/x/time/rate"
)

// RateLimiter groups limiters by RPC category. Reads are frequent and cheap;
// sends are rare but must never be starved by reads, so they get their own bucket.
type RateLimiter struct {
	Read *rate.Limiter // eth_call, eth_estimateGas, eth_gasPrice, receipts
	Send *rate.Limiter // eth_sendRawTransaction
}

// NewRateLimiter creates limiters from a per-second read rate and burst.
// Sends are capped at a tenth of the read rate with a small burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		return &RateLimiter{
			Read: rate.NewLimiter(rate.Inf, 0),
			Send: rate.NewLimiter(rate.Inf, 0),
		}
	}
	if burst < 1 {
		burst = 1
	}
	sendRate := perSecond / 10
	if sendRate < 1 {
		sendRate = 1
	}
	return &RateLimiter{
		Read: rate.NewLimiter(rate.Limit(perSecond), burst),
		Send: rate.NewLimiter(rate.Limit(sendRate), 2),
	}
}
