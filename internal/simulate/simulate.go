// Package simulate decides the outcome of one candidate trade. It is pure:
// the same event, window and policy always produce the same outcome.
package simulate

import (
	"math"

	"comboval/internal/domain"
)

// Simulate opens a position at the first window bar's open and walks the
// window until the exit policy closes it. window holds the bars strictly
// after the trigger date. A nil admit admits everything.
func Simulate(ev domain.SignalEvent, window []domain.PriceBar, exit ExitPolicy, admit AdmissionPolicy) domain.TradeOutcome {
	out := domain.TradeOutcome{
		ComboName:    ev.ComboName,
		InstrumentID: ev.InstrumentID,
		TriggerDate:  ev.TriggerDate,
	}

	if admit != nil && !admit.Admit(ev) {
		out.ExitReason = domain.ExitFiltered
		return out
	}
	if len(window) == 0 || !validPrice(window[0].Open) {
		out.ExitReason = domain.ExitInsufficient
		return out
	}

	entry := window[0].Open
	out.EntryPrice = entry

	horizon := min(exit.HoldDays, len(window))
	var (
		last     float64
		valid    bool
		drawdown float64
	)
	for i := 1; i <= horizon; i++ {
		c := window[i-1].Close
		if !validPrice(c) {
			continue
		}
		ret := (c - entry) / entry
		drawdown = min(drawdown, ret)

		if ret < exit.StopLoss {
			return closed(out, domain.ExitStopLoss, i, ret, drawdown)
		}
		if ret >= exit.Target {
			return closed(out, domain.ExitTargetHit, i, ret, drawdown)
		}
		last, valid = ret, true
	}

	if !valid {
		out.ExitReason = domain.ExitInsufficient
		return out
	}
	return closed(out, domain.ExitMaxHolding, horizon, last, drawdown)
}

func closed(out domain.TradeOutcome, reason domain.ExitReason, offset int, ret, dd float64) domain.TradeOutcome {
	out.ExitReason = reason
	out.ExitDayOffset = offset
	out.RealizedReturn = ret
	out.MaxDrawdown = dd
	return out
}

func validPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 1)
}
