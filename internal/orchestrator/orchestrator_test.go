package orchestrator

import (
	"strings"
	"testing"

	"executor/internal/config"
	"executor/internal/execution"
)

func validExecutionConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		BaseLotMult:                 "1",
		MaxMult:                     "4",
		MaxOrderNotional:            "1000",
		OrderTTLMillis:              800,
		CancelTimeoutMillis:         500,
		RepostCooldownMillis:        300,
		MakerSafetyTicks:            1,
		PricingStyle:                string(execution.StyleAtTouch),
		CustomTicks:                 0,
		BaseMakerTimeoutsToEscalate: 2,
		AggrFillsToDeescalate:       1,
		AggrTimeoutsToDeescalate:    2,
		ClientIDPrefix:              "exec",
	}
}

func TestBuildExecutionConfigValid(t *testing.T) {
	cfg, err := buildExecutionConfig(validExecutionConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BaseLotMult.String() != "1" || cfg.MaxMult.String() != "4" || cfg.MaxOrderNotional.String() != "1000" {
		t.Fatalf("decimal fields not parsed correctly: %+v", cfg)
	}
	if cfg.OrderTTLMillis != 800 || cfg.ClientIDPrefix != "exec" {
		t.Fatalf("scalar fields not carried through: %+v", cfg)
	}
}

func TestBuildExecutionConfigRejectsBadDecimal(t *testing.T) {
	c := validExecutionConfig()
	c.MaxMult = "not-a-number"
	if _, err := buildExecutionConfig(c); err == nil {
		t.Fatal("expected an error for an unparseable max_mult")
	} else if !strings.Contains(err.Error(), "max_mult") {
		t.Errorf("expected the error to name the offending field, got %q", err.Error())
	}
}

func validRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		LiqDistanceThreshold: "0.05",
		Hysteresis:           "0.02",
		PanicCloseTiers: []config.PanicTierConfig{
			{Distance: "0.01", SliceRatio: "0.5", TTLPercent: "0.25", MakerTimeoutsToEscalate: 1},
			{Distance: "0.03", SliceRatio: "0.2", TTLPercent: "0.5", MakerTimeoutsToEscalate: 2},
		},
		ProtectiveStopDistToLiq:      "0.02",
		ProtectiveStopClientIDPrefix: "protstop",
		ExternalConflictTolerance:    "0.0001",
	}
}

func TestBuildRiskConfigValid(t *testing.T) {
	cfg, err := buildRiskConfig(validRiskConfig(), 800)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.PanicTiers) != 2 {
		t.Fatalf("expected 2 panic tiers, got %d", len(cfg.PanicTiers))
	}
	if cfg.PanicTiers[0].Distance.String() != "0.01" || cfg.PanicTiers[0].MakerTimeoutsToEscalate != 1 {
		t.Fatalf("first tier not parsed correctly: %+v", cfg.PanicTiers[0])
	}
	if cfg.OrderTTLMillis != 800 {
		t.Errorf("expected order_ttl_ms to be threaded in from execution config, got %d", cfg.OrderTTLMillis)
	}
}

func TestBuildRiskConfigRejectsBadTierDecimal(t *testing.T) {
	c := validRiskConfig()
	c.PanicCloseTiers[1].SliceRatio = "oops"
	if _, err := buildRiskConfig(c, 800); err == nil {
		t.Fatal("expected an error for an unparseable tier slice_ratio")
	} else if !strings.Contains(err.Error(), "panic_close_tiers[1].slice_ratio") {
		t.Errorf("expected the error to name tier index and field, got %q", err.Error())
	}
}

func validSignalConfig() config.SignalConfig {
	return config.SignalConfig{
		StaleDataMillis:     2000,
		MinSignalIntervalMs: 100,
		AccelWindowMillis:   5000,
		AccelTiers: []config.AccelTierConfig{
			{Ret: "0.01", Mult: "2"},
		},
		ROITiers: []config.ROITierConfig{
			{ROI: "0.05", Mult: "1.5"},
		},
	}
}

func TestBuildSignalConfigValid(t *testing.T) {
	cfg, err := buildSignalConfig(validSignalConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.AccelTiers) != 1 || cfg.AccelTiers[0].Mult.String() != "2" {
		t.Fatalf("accel tiers not parsed correctly: %+v", cfg.AccelTiers)
	}
	if len(cfg.ROITiers) != 1 || cfg.ROITiers[0].ROI.String() != "0.05" {
		t.Fatalf("roi tiers not parsed correctly: %+v", cfg.ROITiers)
	}
}

func TestBuildSignalConfigRejectsBadAccelTier(t *testing.T) {
	c := validSignalConfig()
	c.AccelTiers[0].Ret = "nan-ish"
	if _, err := buildSignalConfig(c); err == nil {
		t.Fatal("expected an error for an unparseable accel tier ret")
	} else if !strings.Contains(err.Error(), "accel_tiers[0].ret") {
		t.Errorf("expected the error to name tier index and field, got %q", err.Error())
	}
}

func TestBuildSignalConfigRejectsBadROITier(t *testing.T) {
	c := validSignalConfig()
	c.ROITiers[0].Mult = "???"
	if _, err := buildSignalConfig(c); err == nil {
		t.Fatal("expected an error for an unparseable roi tier mult")
	} else if !strings.Contains(err.Error(), "roi_tiers[0].mult") {
		t.Errorf("expected the error to name tier index and field, got %q", err.Error())
	}
}
