// Package store defines the input and output adapters of an evaluation run:
// price, event, combo, admission and segment sources, and the report sinks
// and readers backed by Parquet files, SQLite and Kafka.
package store

import (
	"context"
	"errors"
	"time"

	"comboval/internal/domain"
)

// ErrNotFound is returned by readers when a run or report does not exist.
var ErrNotFound = errors.New("not found")

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

// PriceSource loads daily bars. An empty ids slice loads every instrument.
type PriceSource interface {
	LoadPriceBars(ctx context.Context, ids []string) ([]domain.PriceBar, error)
}

// EventSource loads signal hit events from one relation.
type EventSource interface {
	LoadEvents(ctx context.Context) ([]domain.SignalEvent, error)
}

// ComboSource lists the combinations selected for evaluation.
type ComboSource interface {
	ListCombos(ctx context.Context) ([]domain.ComboKey, error)
}

// AdmissionSource loads the overextension metric for every instrument-day.
type AdmissionSource interface {
	LoadAdmissionMetrics(ctx context.Context) ([]domain.AdmissionMetric, error)
}

// SegmentSource loads an instrument -> segment map.
type SegmentSource interface {
	LoadSegments(ctx context.Context) (map[string]string, error)
}

// PriceSourceFunc adapts a function to PriceSource.
type PriceSourceFunc func(ctx context.Context, ids []string) ([]domain.PriceBar, error)

func (f PriceSourceFunc) LoadPriceBars(ctx context.Context, ids []string) ([]domain.PriceBar, error) {
	return f(ctx, ids)
}

// EventSourceFunc adapts a function to EventSource.
type EventSourceFunc func(ctx context.Context) ([]domain.SignalEvent, error)

func (f EventSourceFunc) LoadEvents(ctx context.Context) ([]domain.SignalEvent, error) {
	return f(ctx)
}

// ---------------------------------------------------------------------------
// Sinks and readers
// ---------------------------------------------------------------------------

// ReportSink persists the reports of one run. Writes are idempotent per
// (run_id, combo_type, combo_name).
type ReportSink interface {
	WriteReports(ctx context.Context, runID string, reports []domain.ComboReport) error
}

// RunInfo is the metadata of one evaluation run.
type RunInfo struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	HoldDays   int       `json:"hold_days"`
	StopLoss   float64   `json:"stop_loss"`
	Target     float64   `json:"target"`
	Combos     int       `json:"combos"`
	Reports    int       `json:"reports"`
	Absent     int       `json:"absent"`
	Failed     int       `json:"failed"`
	Cancelled  bool      `json:"cancelled"`
}

// RunRecorder persists run metadata.
type RunRecorder interface {
	RecordRun(ctx context.Context, run RunInfo) error
}

// ReportQuery selects reports for listing. An empty RunID selects the most
// recently written run.
type ReportQuery struct {
	RunID     string
	ComboType string
	MinUsed   int
	OrderBy   string // one of ReportOrderings; empty means win_ratio_lower
	Limit     int    // <= 0 means no limit
}

// ReportOrderings lists the columns reports may be ordered by, descending.
var ReportOrderings = []string{
	"win_ratio_lower",
	"win_ratio",
	"avg_return",
	"expected_yearly_return",
	"annualized_trades",
	"n_used",
}

// ReportReader serves persisted runs and reports.
type ReportReader interface {
	ListRuns(ctx context.Context, limit int) ([]RunInfo, error)
	ListReports(ctx context.Context, q ReportQuery) ([]domain.ComboReport, error)
	GetReport(ctx context.Context, runID string, key domain.ComboKey) (*domain.ComboReport, error)
}

// MultiSink writes to every sink in order and stops at the first error.
type MultiSink []ReportSink

var _ ReportSink = MultiSink(nil)

func (m MultiSink) WriteReports(ctx context.Context, runID string, reports []domain.ComboReport) error {
	for _, s := range m {
		if err := s.WriteReports(ctx, runID, reports); err != nil {
			return err
		}
	}
	return nil
}

func validOrdering(col string) bool {
	for _, o := range ReportOrderings {
		if o == col {
			return true
		}
	}
	return false
}
