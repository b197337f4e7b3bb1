// Package domain defines the core value types shared by the combo evaluation
// engine: price bars, signal events, simulated trade outcomes, and the
// per-combination report record.
package domain

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// PriceBar is one daily bar for an instrument. TradeDate is a YYYYMMDD
// integer within the instrument's own trading calendar.
type PriceBar struct {
	InstrumentID string
	TradeDate    int
	Open         float64
	Close        float64
}

// SignalEvent records that a named signal combination fired for an
// instrument on TriggerDate.
type SignalEvent struct {
	ComboName    string
	ComboType    string
	InstrumentID string
	TriggerDate  int
}

// Key returns the combination identity of the event.
func (e SignalEvent) Key() ComboKey {
	return ComboKey{Type: e.ComboType, Name: e.ComboName}
}

// AdmissionMetric is a companion value (e.g. the day's percentage move)
// recorded for an instrument on a trading date.
type AdmissionMetric struct {
	InstrumentID string
	TradeDate    int
	Value        float64
}

// ---------------------------------------------------------------------------
// Combinations
// ---------------------------------------------------------------------------

// SignalSeparator joins individual signal names inside a combo name.
const SignalSeparator = "&"

// ComboKey identifies one signal combination.
type ComboKey struct {
	Type string
	Name string
}

func (k ComboKey) String() string {
	if k.Type == "" {
		return k.Name
	}
	return k.Type + "/" + k.Name
}

// Signals splits a combo name into its member signals.
func Signals(comboName string) []string {
	parts := strings.Split(comboName, SignalSeparator)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ComboTypeOf derives the combo type label from the number of member
// signals ("A&B" -> "p2").
func ComboTypeOf(comboName string) string {
	return fmt.Sprintf("p%d", len(Signals(comboName)))
}

// ---------------------------------------------------------------------------
// Trade outcomes
// ---------------------------------------------------------------------------

// ExitReason is the terminal state of a simulated trade.
type ExitReason uint8

const (
	ExitStopLoss ExitReason = iota + 1
	ExitTargetHit
	ExitMaxHolding
	ExitInsufficient
	ExitFiltered
)

// ExitReasons lists every valid exit reason in declaration order.
var ExitReasons = []ExitReason{
	ExitStopLoss,
	ExitTargetHit,
	ExitMaxHolding,
	ExitInsufficient,
	ExitFiltered,
}

func (r ExitReason) String() string {
	switch r {
	case ExitStopLoss:
		return "stop_loss"
	case ExitTargetHit:
		return "target_hit"
	case ExitMaxHolding:
		return "max_holding"
	case ExitInsufficient:
		return "insufficient"
	case ExitFiltered:
		return "filtered"
	default:
		return fmt.Sprintf("exit_reason(%d)", uint8(r))
	}
}

// Used reports whether the outcome carries a realized return.
func (r ExitReason) Used() bool {
	return r == ExitStopLoss || r == ExitTargetHit || r == ExitMaxHolding
}

// TradeOutcome is the result of simulating one signal event. It lives only
// until it has been folded into a ComboReport.
type TradeOutcome struct {
	ComboName      string
	InstrumentID   string
	TriggerDate    int
	EntryPrice     float64
	ExitDayOffset  int // 1 = first bar after the trigger date
	ExitReason     ExitReason
	RealizedReturn float64
	MaxDrawdown    float64 // worst valid return while open, <= 0
}

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

// ComboReport summarises every simulated trade of one combination in one
// evaluation run. It is never mutated after creation.
type ComboReport struct {
	RunID     string `json:"run_id"`
	ComboName string `json:"combo_name"`
	ComboType string `json:"combo_type"`
	HoldDays  int    `json:"hold_days"`

	NTotal        int     `json:"n_total"`
	NUsed         int     `json:"n_used"`
	NFiltered     int     `json:"n_filtered"`
	NInsufficient int     `json:"n_insufficient"`
	FilterRatio   float64 `json:"filter_ratio"`

	WinRatio      float64 `json:"win_ratio"`
	WinRatioLower float64 `json:"win_ratio_lower"` // Wilson score lower bound
	AvgReturn     float64 `json:"avg_return"`
	MaxReturn     float64 `json:"max_return"`
	MinReturn     float64 `json:"min_return"`

	AvgHoldingDays   float64   `json:"avg_holding_days"`
	HitTargetRatio   float64   `json:"hit_target_ratio"`
	StopLossRatio    float64   `json:"stop_loss_ratio"`
	HoldHorizonRatio float64   `json:"hold_horizon_ratio"`
	ExitDayRatios    []float64 `json:"exit_day_ratios"` // index d-1 holds the share exiting on day d
	AvgMaxDrawdown   float64   `json:"avg_max_drawdown"`

	AnnualizedTrades float64 `json:"annualized_trades"`
	// ExpectedYearlyReturn is (1+AvgReturn)^AnnualizedTrades - 1. It treats
	// every trade as independent and sequential, so it is a rough projection
	// rather than a compounding model.
	ExpectedYearlyReturn float64 `json:"expected_yearly_return"`

	FirstTrigger int `json:"first_trigger"`
	LastTrigger  int `json:"last_trigger"`

	SegmentWinRatios map[string]float64 `json:"segment_win_ratios,omitempty"`
	SegmentCounts    map[string]int     `json:"segment_counts,omitempty"`
}

// Key returns the combination identity of the report.
func (r *ComboReport) Key() ComboKey {
	return ComboKey{Type: r.ComboType, Name: r.ComboName}
}

// ExitDayRatio returns the share of used trades that exited on day d
// (1-based), or 0 when d is outside the holding horizon.
func (r *ComboReport) ExitDayRatio(d int) float64 {
	if d < 1 || d > len(r.ExitDayRatios) {
		return 0
	}
	return r.ExitDayRatios[d-1]
}
