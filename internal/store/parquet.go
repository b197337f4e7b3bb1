package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"

	"comboval/internal/domain"
)

// Compile-time interface checks.
var _ ReportSink = (*ParquetStore)(nil)

// ParquetStore reads input relations exported as Parquet files and writes
// one report file per run.
//
// Relative file names resolve against DataDir. Reports land in
// <ReportsDir>/<run_id>.parquet.
type ParquetStore struct {
	DataDir    string
	ReportsDir string
}

// NewParquetStore creates a ParquetStore rooted at dataDir. An empty
// reportsDir selects <dataDir>/reports.
func NewParquetStore(dataDir, reportsDir string) *ParquetStore {
	if reportsDir == "" {
		reportsDir = filepath.Join(dataDir, "reports")
	}
	return &ParquetStore{DataDir: dataDir, ReportsDir: reportsDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// PriceBarRecord is the schema of the daily price file.
type PriceBarRecord struct {
	StockCode string  `parquet:"stock_code"`
	TradeDate int64   `parquet:"trade_date"` // YYYYMMDD
	Open      float64 `parquet:"open"`
	Close     float64 `parquet:"close"`
}

// EventRecord is the schema of a signal hit file.
type EventRecord struct {
	ComboName string `parquet:"combo_name"`
	StockCode string `parquet:"stock_code"`
	TradeDate int64  `parquet:"trade_date"` // YYYYMMDD
}

// ReportRecord is the schema of a run's report file.
type ReportRecord struct {
	RunID     string `parquet:"run_id"`
	ComboName string `parquet:"combo_name"`
	ComboType string `parquet:"combo_type"`
	HoldDays  int64  `parquet:"hold_days"`

	NTotal        int64   `parquet:"n_total"`
	NUsed         int64   `parquet:"n_used"`
	NFiltered     int64   `parquet:"n_filtered"`
	NInsufficient int64   `parquet:"n_insufficient"`
	FilterRatio   float64 `parquet:"filter_ratio"`

	WinRatio      float64 `parquet:"win_ratio"`
	WinRatioLower float64 `parquet:"win_ratio_lower"`
	AvgReturn     float64 `parquet:"avg_return"`
	MaxReturn     float64 `parquet:"max_return"`
	MinReturn     float64 `parquet:"min_return"`

	AvgHoldingDays   float64   `parquet:"avg_holding_days"`
	HitTargetRatio   float64   `parquet:"hit_target_ratio"`
	StopLossRatio    float64   `parquet:"stop_loss_ratio"`
	HoldHorizonRatio float64   `parquet:"hold_horizon_ratio"`
	ExitDayRatios    []float64 `parquet:"exit_day_ratios,list"`
	AvgMaxDrawdown   float64   `parquet:"avg_max_drawdown"`

	AnnualizedTrades     float64 `parquet:"annualized_trades"`
	ExpectedYearlyReturn float64 `parquet:"expected_yearly_return"`

	FirstTrigger int64 `parquet:"first_trigger"`
	LastTrigger  int64 `parquet:"last_trigger"`

	SegmentWinRatios string `parquet:"segment_win_ratios"` // JSON object
	SegmentCounts    string `parquet:"segment_counts"`     // JSON object
}

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

// ReadPriceBars reads a price file, keeping only ids when ids is non-empty.
func (s *ParquetStore) ReadPriceBars(_ context.Context, file string, ids []string) ([]domain.PriceBar, error) {
	records, err := readParquetFile[PriceBarRecord](s.resolve(file))
	if err != nil {
		return nil, fmt.Errorf("reading price file %s: %w", file, err)
	}

	keep := idSet(ids)
	bars := make([]domain.PriceBar, 0, len(records))
	for _, r := range records {
		if keep != nil {
			if _, ok := keep[r.StockCode]; !ok {
				continue
			}
		}
		bars = append(bars, domain.PriceBar{
			InstrumentID: r.StockCode,
			TradeDate:    int(r.TradeDate),
			Open:         r.Open,
			Close:        r.Close,
		})
	}
	return bars, nil
}

// ReadEvents reads a signal file. Every event is tagged with comboType, or
// with a type derived from its name when comboType is empty.
func (s *ParquetStore) ReadEvents(_ context.Context, file, comboType string) ([]domain.SignalEvent, error) {
	records, err := readParquetFile[EventRecord](s.resolve(file))
	if err != nil {
		return nil, fmt.Errorf("reading signal file %s: %w", file, err)
	}

	evts := make([]domain.SignalEvent, 0, len(records))
	for _, r := range records {
		ct := comboType
		if ct == "" {
			ct = domain.ComboTypeOf(r.ComboName)
		}
		evts = append(evts, domain.SignalEvent{
			ComboName:    r.ComboName,
			ComboType:    ct,
			InstrumentID: r.StockCode,
			TriggerDate:  int(r.TradeDate),
		})
	}
	return evts, nil
}

// PriceSource binds a price file to the PriceSource interface.
func (s *ParquetStore) PriceSource(file string) PriceSource {
	return PriceSourceFunc(func(ctx context.Context, ids []string) ([]domain.PriceBar, error) {
		return s.ReadPriceBars(ctx, file, ids)
	})
}

// EventSource binds a signal file to the EventSource interface.
func (s *ParquetStore) EventSource(file, comboType string) EventSource {
	return EventSourceFunc(func(ctx context.Context) ([]domain.SignalEvent, error) {
		return s.ReadEvents(ctx, file, comboType)
	})
}

// WritePriceBars writes bars in the price file schema.
func (s *ParquetStore) WritePriceBars(file string, bars []domain.PriceBar) error {
	records := make([]PriceBarRecord, len(bars))
	for i, b := range bars {
		records[i] = PriceBarRecord{StockCode: b.InstrumentID, TradeDate: int64(b.TradeDate), Open: b.Open, Close: b.Close}
	}
	return writeParquetFile(s.resolve(file), records)
}

// WriteEvents writes events in the signal file schema.
func (s *ParquetStore) WriteEvents(file string, evts []domain.SignalEvent) error {
	records := make([]EventRecord, len(evts))
	for i, e := range evts {
		records[i] = EventRecord{ComboName: e.ComboName, StockCode: e.InstrumentID, TradeDate: int64(e.TriggerDate)}
	}
	return writeParquetFile(s.resolve(file), records)
}

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

// WriteReports replaces the report file of runID.
func (s *ParquetStore) WriteReports(_ context.Context, runID string, reports []domain.ComboReport) error {
	path, err := s.reportPath(runID)
	if err != nil {
		return err
	}
	records := make([]ReportRecord, 0, len(reports))
	for i := range reports {
		rec, err := newReportRecord(&reports[i])
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	if err := writeParquetFile(path, records); err != nil {
		return fmt.Errorf("writing report file for run %s: %w", runID, err)
	}
	return nil
}

// ReadReports reads back the report file of runID.
func (s *ParquetStore) ReadReports(runID string) ([]domain.ComboReport, error) {
	path, err := s.reportPath(runID)
	if err != nil {
		return nil, err
	}
	records, err := readParquetFile[ReportRecord](path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading report file for run %s: %w", runID, err)
	}
	out := make([]domain.ComboReport, 0, len(records))
	for _, rec := range records {
		r, err := rec.report()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func newReportRecord(r *domain.ComboReport) (ReportRecord, error) {
	segWins, err := marshalJSON(r.SegmentWinRatios)
	if err != nil {
		return ReportRecord{}, err
	}
	segCounts, err := marshalJSON(r.SegmentCounts)
	if err != nil {
		return ReportRecord{}, err
	}
	return ReportRecord{
		RunID:                r.RunID,
		ComboName:            r.ComboName,
		ComboType:            r.ComboType,
		HoldDays:             int64(r.HoldDays),
		NTotal:               int64(r.NTotal),
		NUsed:                int64(r.NUsed),
		NFiltered:            int64(r.NFiltered),
		NInsufficient:        int64(r.NInsufficient),
		FilterRatio:          r.FilterRatio,
		WinRatio:             r.WinRatio,
		WinRatioLower:        r.WinRatioLower,
		AvgReturn:            r.AvgReturn,
		MaxReturn:            r.MaxReturn,
		MinReturn:            r.MinReturn,
		AvgHoldingDays:       r.AvgHoldingDays,
		HitTargetRatio:       r.HitTargetRatio,
		StopLossRatio:        r.StopLossRatio,
		HoldHorizonRatio:     r.HoldHorizonRatio,
		ExitDayRatios:        r.ExitDayRatios,
		AvgMaxDrawdown:       r.AvgMaxDrawdown,
		AnnualizedTrades:     r.AnnualizedTrades,
		ExpectedYearlyReturn: r.ExpectedYearlyReturn,
		FirstTrigger:         int64(r.FirstTrigger),
		LastTrigger:          int64(r.LastTrigger),
		SegmentWinRatios:     segWins,
		SegmentCounts:        segCounts,
	}, nil
}

func (rec ReportRecord) report() (domain.ComboReport, error) {
	r := domain.ComboReport{
		RunID:                rec.RunID,
		ComboName:            rec.ComboName,
		ComboType:            rec.ComboType,
		HoldDays:             int(rec.HoldDays),
		NTotal:               int(rec.NTotal),
		NUsed:                int(rec.NUsed),
		NFiltered:            int(rec.NFiltered),
		NInsufficient:        int(rec.NInsufficient),
		FilterRatio:          rec.FilterRatio,
		WinRatio:             rec.WinRatio,
		WinRatioLower:        rec.WinRatioLower,
		AvgReturn:            rec.AvgReturn,
		MaxReturn:            rec.MaxReturn,
		MinReturn:            rec.MinReturn,
		AvgHoldingDays:       rec.AvgHoldingDays,
		HitTargetRatio:       rec.HitTargetRatio,
		StopLossRatio:        rec.StopLossRatio,
		HoldHorizonRatio:     rec.HoldHorizonRatio,
		ExitDayRatios:        rec.ExitDayRatios,
		AvgMaxDrawdown:       rec.AvgMaxDrawdown,
		AnnualizedTrades:     rec.AnnualizedTrades,
		ExpectedYearlyReturn: rec.ExpectedYearlyReturn,
		FirstTrigger:         int(rec.FirstTrigger),
		LastTrigger:          int(rec.LastTrigger),
	}
	if err := unmarshalJSON(rec.SegmentWinRatios, &r.SegmentWinRatios); err != nil {
		return r, fmt.Errorf("decoding segment_win_ratios of %s: %w", rec.ComboName, err)
	}
	if err := unmarshalJSON(rec.SegmentCounts, &r.SegmentCounts); err != nil {
		return r, fmt.Errorf("decoding segment_counts of %s: %w", rec.ComboName, err)
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

func (s *ParquetStore) resolve(file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(s.DataDir, file)
}

// reportPath returns <ReportsDir>/<run_id>.parquet.
func (s *ParquetStore) reportPath(runID string) (string, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || strings.Contains(runID, "..") {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	return filepath.Join(s.ReportsDir, runID+".parquet"), nil
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

func idSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// marshalJSON encodes v, rendering nil maps as an empty string.
func marshalJSON[M ~map[string]V, V any](m M) (string, error) {
	if m == nil {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// marshalFloats encodes a list as a JSON array, nil as "[]".
func marshalFloats(v []float64) (string, error) {
	if v == nil {
		v = []float64{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
