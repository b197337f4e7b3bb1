package simulate

import (
	"fmt"
	"math"

	"comboval/internal/domain"
	"comboval/internal/util"
)

// ---------------------------------------------------------------------------
// Exit policy
// ---------------------------------------------------------------------------

// ExitPolicy closes a trade when the close-to-entry return falls below
// StopLoss, reaches Target, or the trade has been open HoldDays bars.
type ExitPolicy struct {
	HoldDays int     `yaml:"hold_days" json:"hold_days" default:"3" validate:"gte=1"`
	StopLoss float64 `yaml:"stop_loss" json:"stop_loss" default:"-0.03" validate:"lt=0"`
	Target   float64 `yaml:"target" json:"target" default:"0.01" validate:"gt=0"`
}

// Validate reports an error wrapping domain.ErrInvalidConfig when any
// parameter is out of range.
func (p ExitPolicy) Validate() error {
	if err := util.ValidateStruct(p); err != nil {
		return fmt.Errorf("%w: exit policy: %v", domain.ErrInvalidConfig, err)
	}
	if math.IsInf(p.StopLoss, 0) || math.IsInf(p.Target, 0) {
		return fmt.Errorf("%w: exit policy: thresholds must be finite", domain.ErrInvalidConfig)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Admission policies
// ---------------------------------------------------------------------------

// AdmissionPolicy decides before simulation whether an event may become a
// trade. Rejected events are counted as filtered.
type AdmissionPolicy interface {
	Admit(ev domain.SignalEvent) bool
}

// AdmitAll admits every event.
type AdmitAll struct{}

func (AdmitAll) Admit(domain.SignalEvent) bool { return true }

type metricKey struct {
	id   string
	date int
}

// OverextensionFilter rejects events whose companion metric on the trigger
// date exceeds Max. Events with no metric, or a NaN metric, are admitted.
type OverextensionFilter struct {
	max    float64
	values map[metricKey]float64
}

var _ AdmissionPolicy = (*OverextensionFilter)(nil)

// NewOverextensionFilter indexes metrics for constant-time lookup. Later
// duplicates of the same (instrument, date) win.
func NewOverextensionFilter(max float64, metrics []domain.AdmissionMetric) *OverextensionFilter {
	f := &OverextensionFilter{
		max:    max,
		values: make(map[metricKey]float64, len(metrics)),
	}
	for _, m := range metrics {
		f.values[metricKey{m.InstrumentID, m.TradeDate}] = m.Value
	}
	return f
}

// Admit implements AdmissionPolicy.
func (f *OverextensionFilter) Admit(ev domain.SignalEvent) bool {
	v, ok := f.values[metricKey{ev.InstrumentID, ev.TriggerDate}]
	if !ok || math.IsNaN(v) {
		return true
	}
	return v <= f.max
}

// Max returns the configured bound.
func (f *OverextensionFilter) Max() float64 { return f.max }

// Len returns the number of indexed metrics.
func (f *OverextensionFilter) Len() int { return len(f.values) }
