package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestMarketSnapshotReady(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		snap MarketSnapshot
		want bool
	}{
		{"empty", MarketSnapshot{}, false},
		{
			"quote only",
			MarketSnapshot{BestBid: decimal.NewFromInt(99), BestAsk: decimal.NewFromInt(100)},
			false,
		},
		{
			"full",
			MarketSnapshot{
				BestBid: decimal.NewFromInt(99), BestAsk: decimal.NewFromInt(100),
				LastTradePrice: decimal.NewFromInt(100), PreviousTradePrice: decimal.NewFromInt(99),
			},
			true,
		},
	}

	for _, tt := range tests {
		if got := tt.snap.Ready(); got != tt.want {
			t.Errorf("%s: Ready() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMarketSnapshotValid(t *testing.T) {
	t.Parallel()

	valid := MarketSnapshot{BestBid: decimal.NewFromInt(99), BestAsk: decimal.NewFromInt(100)}
	if !valid.Valid() {
		t.Error("expected bid < ask to be valid")
	}

	crossed := MarketSnapshot{BestBid: decimal.NewFromInt(100), BestAsk: decimal.NewFromInt(99)}
	if crossed.Valid() {
		t.Error("expected bid > ask to be invalid")
	}
}

func TestMarketSnapshotYoungestDataAgeIgnoresMark(t *testing.T) {
	t.Parallel()

	now := time.Now()
	snap := MarketSnapshot{
		TradeUpdatedAt: now.Add(-5 * time.Second),
		QuoteUpdatedAt: now.Add(-2 * time.Second),
		MarkUpdatedAt:  now, // fresh mark must not count
	}

	age := snap.YoungestDataAge(now)
	if age != 2*time.Second {
		t.Errorf("YoungestDataAge() = %v, want 2s (mark must not refresh staleness)", age)
	}
}

func TestPositionIsZero(t *testing.T) {
	t.Parallel()

	if !(Position{PositionAmt: decimal.Zero}).IsZero() {
		t.Error("zero position amt should report IsZero")
	}
	if (Position{PositionAmt: decimal.NewFromFloat(0.001)}).IsZero() {
		t.Error("non-zero position amt should not report IsZero")
	}
}

func TestSideExecutionStateMakerFillRatio(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		submissions int64
		fills       int64
		want        string
	}{
		{"no data", 0, 0, "0.5"},
		{"all filled", 4, 4, "0.8333333333333333"},
		{"none filled", 10, 0, "0.0833333333333333"},
	}

	for _, tt := range tests {
		s := &SideExecutionState{MakerSubmissions: tt.submissions, MakerFills: tt.fills}
		got := s.MakerFillRatio()
		want, _ := decimal.NewFromString(tt.want)
		if !got.Equal(want) {
			t.Errorf("%s: MakerFillRatio() = %s, want %s", tt.name, got, want)
		}
	}
}
