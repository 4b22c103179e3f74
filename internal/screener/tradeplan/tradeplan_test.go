package tradeplan

import (
	"math"
	"testing"

	"perpscreener/internal/model"
)

func f(v float64) *float64 { return &v }

func TestBuild_BuyConservativeStop(t *testing.T) {
	cfg := DefaultConfig()
	// entry 100, ATR 2 -> ATR stop 95; swing low 93 is wider and wins.
	plan := cfg.Build(model.SideBuy, 100, f(2), f(110), f(93))
	if plan.StopLoss != 93 {
		t.Fatalf("stop=%f, want the wider swing stop 93", plan.StopLoss)
	}
	if plan.RiskPerUnit == nil || *plan.RiskPerUnit != 7 {
		t.Fatalf("risk=%v, want 7", plan.RiskPerUnit)
	}
	if *plan.TP1 != 100+1.5*7 || *plan.TP2 != 100+2.5*7 || *plan.TP3 != 100+4.0*7 {
		t.Errorf("TPs wrong: %v %v %v", *plan.TP1, *plan.TP2, *plan.TP3)
	}
	if plan.SwingRef == nil || *plan.SwingRef != 93 {
		t.Errorf("swing ref should be the swing low for BUY")
	}
}

func TestBuild_BuyATRStopWhenWider(t *testing.T) {
	cfg := DefaultConfig()
	// ATR stop 100-2.5*4=90 is below swing low 96.
	plan := cfg.Build(model.SideBuy, 100, f(4), nil, f(96))
	if plan.StopLoss != 90 {
		t.Fatalf("stop=%f, want ATR stop 90", plan.StopLoss)
	}
}

func TestBuild_SellMirrors(t *testing.T) {
	cfg := DefaultConfig()
	// SELL: ATR stop 100+2.5*2=105; swing high 108 is wider and wins.
	plan := cfg.Build(model.SideSell, 100, f(2), f(108), f(92))
	if plan.StopLoss != 108 {
		t.Fatalf("stop=%f, want swing high 108", plan.StopLoss)
	}
	if *plan.TP1 >= 100 {
		t.Errorf("SELL TPs must be below entry, tp1=%f", *plan.TP1)
	}
	if math.Abs(*plan.TP3-(100-4.0*8)) > 1e-9 {
		t.Errorf("tp3=%f", *plan.TP3)
	}
}

func TestBuild_NoInputsDegenerates(t *testing.T) {
	plan := DefaultConfig().Build(model.SideBuy, 100, nil, nil, nil)
	if plan.StopLoss != 100 {
		t.Fatalf("stop should fall back to entry, got %f", plan.StopLoss)
	}
	if plan.TP1 != nil || plan.RiskPerUnit != nil {
		t.Error("zero risk must not produce take-profits")
	}
}

func TestBuild_InvalidSidePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("invalid side must panic")
		}
	}()
	DefaultConfig().Build("HOLD", 100, nil, nil, nil)
}

func TestBuildSwing4h(t *testing.T) {
	cfg := DefaultConfig()
	// ATR fallback 100-2*3=94; swing low 95 is tighter, 94 wins.
	plan := cfg.BuildSwing4h(100, f(3), f(95))
	if plan.StopLoss != 94 {
		t.Fatalf("stop=%f, want 94", plan.StopLoss)
	}
	if plan.TP1 == nil || math.Abs(*plan.TP1-(100+1.25*6)) > 1e-9 {
		t.Errorf("tp1=%v, want single TP at 1.25R", plan.TP1)
	}
	if plan.TP2 != nil || plan.TP3 != nil {
		t.Error("swing plan carries a single take-profit")
	}
	if plan.Side != model.SideBuy {
		t.Errorf("swing plan is long-only")
	}
}

func TestSwing(t *testing.T) {
	h, l, ok := Swing([]float64{5, 9, 7}, []float64{4, 2, 3})
	if !ok || h != 9 || l != 2 {
		t.Fatalf("swing=(%f,%f,%v)", h, l, ok)
	}
	if _, _, ok := Swing(nil, nil); ok {
		t.Fatal("empty structure must not report a swing")
	}
}
