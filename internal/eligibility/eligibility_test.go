package eligibility

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"vault-keeper/internal/tracker"
)

func TestCurrentEpoch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		now  int64
		want int64
	}{
		{"before start", 999, -1},
		{"long before start", 800, -2},
		{"at start", 1000, 0},
		{"end of first epoch", 1099, 0},
		{"second epoch", 1100, 1},
		{"partial epochs round down", 1550, 5},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := CurrentEpoch(time.Unix(tt.now, 0), 1000, 100)
			if err != nil {
				t.Fatalf("CurrentEpoch: %v", err)
			}
			if got != tt.want {
				t.Errorf("epoch = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFutureEpoch(t *testing.T) {
	t.Parallel()

	// length 75 -> lead of 75/7.5 = 10 seconds
	tests := []struct {
		name    string
		now     int64
		latency time.Duration
		want    int64
	}{
		{"start", 0, 0, 0},
		{"just short of boundary", 64, 0, 0},
		{"lead crosses boundary", 65, 0, 1},
		{"latency crosses boundary", 64, time.Second, 1},
		{"sub-second latency", 64, 500 * time.Millisecond, 0},
		{"later epoch", 300, 0, 4},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := FutureEpoch(time.Unix(tt.now, 0), tt.latency, 0, 75)
			if err != nil {
				t.Fatalf("FutureEpoch: %v", err)
			}
			if got != tt.want {
				t.Errorf("epoch = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEpochRejectsBadLength(t *testing.T) {
	t.Parallel()

	if _, err := CurrentEpoch(time.Now(), 0, 0); !errors.Is(err, ErrBadEpochLength) {
		t.Errorf("CurrentEpoch err = %v", err)
	}
	if _, err := FutureEpoch(time.Now(), 0, 0, -5); !errors.Is(err, ErrBadEpochLength) {
		t.Errorf("FutureEpoch err = %v", err)
	}
}

func TestShouldLiquidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		outstanding int64
		payout      int64
		want        bool
	}{
		{"above threshold", 100, 100, true},
		{"below threshold", 90, 100, false},
		{"at threshold is not enough", 95, 100, false},
		{"just above threshold", 96, 100, true},
		{"nothing outstanding", 0, 0, false},
		{"fractional threshold", 10, 10, true}, // 9.5
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ShouldLiquidate(big.NewInt(tt.outstanding), big.NewInt(tt.payout))
			if got != tt.want {
				t.Errorf("ShouldLiquidate(%d, %d) = %v, want %v", tt.outstanding, tt.payout, got, tt.want)
			}
		})
	}
}

func TestLiquidationThresholdLargeValues(t *testing.T) {
	t.Parallel()

	payout, _ := new(big.Int).SetString("2000000000000000000000", 10) // 2000e18
	got := LiquidationThreshold(payout)
	if got.String() != "1900000000000000000000" {
		t.Errorf("threshold = %s", got)
	}
	if ShouldLiquidate(nil, payout) || ShouldLiquidate(big.NewInt(1), nil) {
		t.Error("nil inputs must not liquidate")
	}
}

func TestPositionAction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		made         uint64
		required     uint64
		current      int64
		unlock       int64
		auctionEnded bool
		want         Action
	}{
		{"sale at unlock epoch", 2, 2, 5, 5, false, ActionSell},
		{"sale after unlock", 2, 2, 7, 5, false, ActionSell},
		{"locked", 2, 2, 4, 5, true, ActionNone},
		{"adjust after auction", 1, 2, 3, 5, true, ActionAdjust},
		{"auction running", 1, 2, 9, 5, false, ActionNone},
		{"more made than required", 3, 2, 9, 5, true, ActionNone},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := PositionAction(tt.made, tt.required, tt.current, tt.unlock, tt.auctionEnded)
			if got != tt.want {
				t.Errorf("action = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNextAdjustmentNonce(t *testing.T) {
	t.Parallel()

	if got := NextAdjustmentNonce(0); got != 1 {
		t.Errorf("next nonce = %d, want 1", got)
	}
	if got := NextAdjustmentNonce(4); got != 5 {
		t.Errorf("next nonce = %d, want 5", got)
	}
}

func TestCheckPurchase(t *testing.T) {
	t.Parallel()

	base := tracker.Order{
		Nonce:             1,
		Tickets:           []uint64{3, 4},
		Amounts:           []*big.Int{big.NewInt(10), big.NewInt(20)},
		LastPurchaseEpoch: 4,
	}
	fill := map[uint64]*big.Int{3: big.NewInt(80), 4: big.NewInt(50)}
	limit := big.NewInt(90)

	tests := []struct {
		name   string
		mutate func(o *tracker.Order)
		epoch  int64
		stored int64
		fill   map[uint64]*big.Int
		want   string
	}{
		{"ready", nil, 5, 30, fill, PurchaseReady},
		{"cancelled", func(o *tracker.Order) { o.Cancelled = true }, 5, 30, fill, PurchaseCancelled},
		{"pool not started", nil, -1, 30, fill, PurchaseNotStarted},
		{"bought this epoch", nil, 4, 30, fill, PurchaseAlreadyBought},
		{"tokens short", nil, 5, 29, fill, PurchaseTokensShort},
		{"ticket full", nil, 5, 30, map[uint64]*big.Int{3: big.NewInt(81), 4: big.NewInt(0)}, PurchaseTicketFull},
		{"fill missing", nil, 5, 30, map[uint64]*big.Int{3: big.NewInt(0)}, PurchaseFillUnknown},
		{"no tickets", func(o *tracker.Order) { o.Tickets, o.Amounts = nil, nil }, 5, 30, fill, PurchaseNoTickets},
		{"never bought", func(o *tracker.Order) { o.LastPurchaseEpoch = -1 }, 0, 30, fill, PurchaseReady},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			o := base
			if tt.mutate != nil {
				tt.mutate(&o)
			}
			got := CheckPurchase(o, tt.epoch, big.NewInt(tt.stored), tt.fill, limit)
			if got != tt.want {
				t.Errorf("CheckPurchase = %q, want %q", got, tt.want)
			}
		})
	}
}
