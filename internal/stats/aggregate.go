// Package stats folds the simulated trades of one combination into a
// ComboReport.
package stats

import (
	"fmt"
	"math"

	"comboval/internal/domain"
	"comboval/internal/util"
)

// SegmentClassifier assigns an instrument to a segment label. ok is false
// when the instrument is not classified.
type SegmentClassifier interface {
	Classify(instrumentID string) (segment string, ok bool)
}

// Options configures report construction.
type Options struct {
	RunID           string
	HoldDays        int
	ConfidenceLevel float64 // 0 selects DefaultConfidence
	Segments        SegmentClassifier
}

// ---------------------------------------------------------------------------
// Accumulator
// ---------------------------------------------------------------------------

// Accumulator consumes outcomes one at a time so they need not be retained.
// It is not safe for concurrent use.
type Accumulator struct {
	key  domain.ComboKey
	opts Options

	nFiltered     int
	nInsufficient int
	nUsed         int

	wins, targets, stops, horizon int
	sumRet, maxRet, minRet        float64
	sumDays, sumDD                float64
	dayCounts                     []int
	first, last                   int

	segUsed map[string]int
	segWins map[string]int
}

// NewAccumulator returns an empty accumulator for one combination.
func NewAccumulator(key domain.ComboKey, opts Options) *Accumulator {
	if opts.ConfidenceLevel == 0 {
		opts.ConfidenceLevel = DefaultConfidence
	}
	return &Accumulator{
		key:       key,
		opts:      opts,
		dayCounts: make([]int, max(opts.HoldDays, 0)),
		segUsed:   make(map[string]int),
		segWins:   make(map[string]int),
	}
}

// Add folds one outcome. Used outcomes with an exit offset outside the
// holding horizon, a non-finite return, or an unknown exit reason are
// rejected and leave the accumulator unchanged.
func (a *Accumulator) Add(o domain.TradeOutcome) error {
	switch o.ExitReason {
	case domain.ExitFiltered:
		a.nFiltered++
		return nil
	case domain.ExitInsufficient:
		a.nInsufficient++
		return nil
	case domain.ExitStopLoss, domain.ExitTargetHit, domain.ExitMaxHolding:
	default:
		return fmt.Errorf("outcome %s@%d: unknown exit reason %s", o.InstrumentID, o.TriggerDate, o.ExitReason)
	}

	if o.ExitDayOffset < 1 || o.ExitDayOffset > a.opts.HoldDays {
		return fmt.Errorf("outcome %s@%d: exit offset %d outside 1..%d", o.InstrumentID, o.TriggerDate, o.ExitDayOffset, a.opts.HoldDays)
	}
	if !finite(o.RealizedReturn) || !finite(o.MaxDrawdown) {
		return fmt.Errorf("outcome %s@%d: non-finite return %v", o.InstrumentID, o.TriggerDate, o.RealizedReturn)
	}

	ret := o.RealizedReturn
	if a.nUsed == 0 {
		a.maxRet, a.minRet = ret, ret
		a.first, a.last = o.TriggerDate, o.TriggerDate
	} else {
		a.maxRet = math.Max(a.maxRet, ret)
		a.minRet = math.Min(a.minRet, ret)
		a.first = min(a.first, o.TriggerDate)
		a.last = max(a.last, o.TriggerDate)
	}
	a.nUsed++
	a.sumRet += ret
	a.sumDays += float64(o.ExitDayOffset)
	a.sumDD += o.MaxDrawdown
	a.dayCounts[o.ExitDayOffset-1]++

	win := ret > 0
	if win {
		a.wins++
	}
	switch o.ExitReason {
	case domain.ExitTargetHit:
		a.targets++
	case domain.ExitStopLoss:
		a.stops++
	}
	if o.ExitDayOffset == a.opts.HoldDays {
		a.horizon++
	}

	if a.opts.Segments != nil {
		if seg, ok := a.opts.Segments.Classify(o.InstrumentID); ok {
			a.segUsed[seg]++
			if win {
				a.segWins[seg]++
			}
		}
	}
	return nil
}

// Total returns the number of outcomes folded so far.
func (a *Accumulator) Total() int { return a.nUsed + a.nInsufficient + a.nFiltered }

// Report builds the ComboReport. ok is false when no outcome carried a
// realized return; the combination then has no report at all.
func (a *Accumulator) Report() (report domain.ComboReport, ok bool, err error) {
	if a.nUsed == 0 {
		return domain.ComboReport{}, false, nil
	}

	n := float64(a.nUsed)
	total := a.Total()
	avg := a.sumRet / n

	years := max(1, util.WholeYears(a.first, a.last))
	annualized := n / float64(years)

	r := domain.ComboReport{
		RunID:     a.opts.RunID,
		ComboName: a.key.Name,
		ComboType: a.key.Type,
		HoldDays:  a.opts.HoldDays,

		NTotal:        total,
		NUsed:         a.nUsed,
		NFiltered:     a.nFiltered,
		NInsufficient: a.nInsufficient,
		FilterRatio:   float64(a.nFiltered) / float64(total),

		WinRatio:      float64(a.wins) / n,
		WinRatioLower: WilsonLowerBound(a.wins, a.nUsed, a.opts.ConfidenceLevel),
		AvgReturn:     avg,
		MaxReturn:     a.maxRet,
		MinReturn:     a.minRet,

		AvgHoldingDays:   a.sumDays / n,
		HitTargetRatio:   float64(a.targets) / n,
		StopLossRatio:    float64(a.stops) / n,
		HoldHorizonRatio: float64(a.horizon) / n,
		ExitDayRatios:    make([]float64, len(a.dayCounts)),
		AvgMaxDrawdown:   a.sumDD / n,

		AnnualizedTrades:     annualized,
		ExpectedYearlyReturn: math.Pow(1+avg, annualized) - 1,

		FirstTrigger: a.first,
		LastTrigger:  a.last,
	}
	for i, c := range a.dayCounts {
		r.ExitDayRatios[i] = float64(c) / n
	}

	if len(a.segUsed) > 0 {
		r.SegmentWinRatios = make(map[string]float64, len(a.segUsed))
		r.SegmentCounts = make(map[string]int, len(a.segUsed))
		for seg, used := range a.segUsed {
			r.SegmentWinRatios[seg] = float64(a.segWins[seg]) / float64(used)
			r.SegmentCounts[seg] = used
		}
	}

	if err := checkFinite(&r); err != nil {
		return domain.ComboReport{}, false, err
	}
	return r, true, nil
}

// Aggregate folds outcomes into a report in one call.
func Aggregate(key domain.ComboKey, outcomes []domain.TradeOutcome, opts Options) (domain.ComboReport, bool, error) {
	acc := NewAccumulator(key, opts)
	for _, o := range outcomes {
		if err := acc.Add(o); err != nil {
			return domain.ComboReport{}, false, err
		}
	}
	return acc.Report()
}

func checkFinite(r *domain.ComboReport) error {
	fields := []struct {
		name string
		v    float64
	}{
		{"win_ratio", r.WinRatio},
		{"win_ratio_lower", r.WinRatioLower},
		{"avg_return", r.AvgReturn},
		{"max_return", r.MaxReturn},
		{"min_return", r.MinReturn},
		{"avg_holding_days", r.AvgHoldingDays},
		{"avg_max_drawdown", r.AvgMaxDrawdown},
		{"annualized_trades", r.AnnualizedTrades},
		{"expected_yearly_return", r.ExpectedYearlyReturn},
	}
	for _, f := range fields {
		if !finite(f.v) {
			return fmt.Errorf("statistic %s is not finite: %v", f.name, f.v)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
