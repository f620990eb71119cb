package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetModeRecordsZeroOrOne(t *testing.T) {
	SetMode("BTCUSDT", "LONG", true)
	if got := testutil.ToFloat64(Mode.WithLabelValues("BTCUSDT", "LONG")); got != 1 {
		t.Errorf("expected 1 for aggressive mode, got %v", got)
	}

	SetMode("BTCUSDT", "LONG", false)
	if got := testutil.ToFloat64(Mode.WithLabelValues("BTCUSDT", "LONG")); got != 0 {
		t.Errorf("expected 0 for maker-only mode, got %v", got)
	}
}

func TestCountersAccumulatePerLabelSet(t *testing.T) {
	OrdersSubmitted.WithLabelValues("ETHUSDT", "SHORT", "MAKER_ONLY").Inc()
	OrdersSubmitted.WithLabelValues("ETHUSDT", "SHORT", "MAKER_ONLY").Inc()
	if got := testutil.ToFloat64(OrdersSubmitted.WithLabelValues("ETHUSDT", "SHORT", "MAKER_ONLY")); got != 2 {
		t.Errorf("expected counter to accumulate to 2, got %v", got)
	}

	OrdersRejected.WithLabelValues("ETHUSDT", "SHORT", "post_only_reject").Inc()
	if got := testutil.ToFloat64(OrdersRejected.WithLabelValues("ETHUSDT", "SHORT", "post_only_reject")); got != 1 {
		t.Errorf("expected rejected counter to record 1, got %v", got)
	}
}

func TestDistanceToLiquidationGaugeSet(t *testing.T) {
	DistanceToLiquidation.WithLabelValues("BTCUSDT", "LONG").Set(0.02)
	if got := testutil.ToFloat64(DistanceToLiquidation.WithLabelValues("BTCUSDT", "LONG")); got != 0.02 {
		t.Errorf("expected 0.02, got %v", got)
	}
}
