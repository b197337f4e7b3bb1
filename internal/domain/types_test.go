package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestExitReasonString(t *testing.T) {
	tests := []struct {
		reason ExitReason
		want   string
		used   bool
	}{
		{ExitStopLoss, "stop_loss", true},
		{ExitTargetHit, "target_hit", true},
		{ExitMaxHolding, "max_holding", true},
		{ExitInsufficient, "insufficient", false},
		{ExitFiltered, "filtered", false},
		{ExitReason(0), "exit_reason(0)", false},
	}
	for _, tt := range tests {
		if got := tt.reason.String(); got != tt.want {
			t.Errorf("ExitReason(%d).String() = %q, want %q", tt.reason, got, tt.want)
		}
		if got := tt.reason.Used(); got != tt.used {
			t.Errorf("%s.Used() = %v, want %v", tt.want, got, tt.used)
		}
	}
	if len(ExitReasons) != 5 {
		t.Errorf("len(ExitReasons) = %d, want 5", len(ExitReasons))
	}
}

func TestSignalsAndComboType(t *testing.T) {
	got := Signals("三枪&绝对底部& 进攻 ")
	if len(got) != 3 || got[0] != "三枪" || got[2] != "进攻" {
		t.Errorf("Signals = %q, want [三枪 绝对底部 进攻]", got)
	}
	if ct := ComboTypeOf("绝对底部&进攻"); ct != "p2" {
		t.Errorf("ComboTypeOf = %q, want p2", ct)
	}
	if ct := ComboTypeOf("solo"); ct != "p1" {
		t.Errorf("ComboTypeOf(solo) = %q, want p1", ct)
	}
}

func TestComboKeyString(t *testing.T) {
	if s := (ComboKey{Type: "p2", Name: "A&B"}).String(); s != "p2/A&B" {
		t.Errorf("ComboKey.String() = %q, want %q", s, "p2/A&B")
	}
	if s := (ComboKey{Name: "A&B"}).String(); s != "A&B" {
		t.Errorf("ComboKey.String() without type = %q, want %q", s, "A&B")
	}
	ev := SignalEvent{ComboName: "A&B", ComboType: "p2"}
	if ev.Key() != (ComboKey{Type: "p2", Name: "A&B"}) {
		t.Errorf("SignalEvent.Key() = %v", ev.Key())
	}
}

func TestExitDayRatio(t *testing.T) {
	r := &ComboReport{ExitDayRatios: []float64{0, 0.5, 0.5}}
	if got := r.ExitDayRatio(2); got != 0.5 {
		t.Errorf("ExitDayRatio(2) = %v, want 0.5", got)
	}
	if got := r.ExitDayRatio(0); got != 0 {
		t.Errorf("ExitDayRatio(0) = %v, want 0", got)
	}
	if got := r.ExitDayRatio(4); got != 0 {
		t.Errorf("ExitDayRatio(4) = %v, want 0", got)
	}
}

func TestErrorsUnwrap(t *testing.T) {
	cause := fmt.Errorf("boom: %w", ErrInvalidConfig)
	err := error(&ComboError{Combo: ComboKey{Type: "p3", Name: "x"}, Err: cause})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Error("errors.Is through ComboError failed")
	}
	var ce *ComboError
	if !errors.As(err, &ce) || ce.Combo.Name != "x" {
		t.Errorf("errors.As(ComboError) = %v", ce)
	}

	de := &DataError{InstrumentID: "600000", Reason: "duplicate trade_date 20240102"}
	if de.Error() != "price series 600000: duplicate trade_date 20240102" {
		t.Errorf("DataError.Error() = %q", de.Error())
	}
}
