package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"comboval/internal/config"
	"comboval/internal/domain"
	"comboval/internal/store"
)

// writeFixture writes a small price file and two signal files under dir.
//
//	600000  trigger 20240102, next bar closes +2%  -> target hit
//	300750  trigger 20240102, next bar closes -5%  -> stop loss
//	000001  no prices                              -> insufficient
func writeFixture(t *testing.T, dir string) {
	t.Helper()
	pq := store.NewParquetStore(dir, "")
	bars := []domain.PriceBar{
		{InstrumentID: "600000", TradeDate: 20240102, Open: 10, Close: 10},
		{InstrumentID: "600000", TradeDate: 20240103, Open: 10, Close: 10.2},
		{InstrumentID: "600000", TradeDate: 20240104, Open: 10.2, Close: 10.3},
		{InstrumentID: "300750", TradeDate: 20240102, Open: 20, Close: 20},
		{InstrumentID: "300750", TradeDate: 20240103, Open: 20, Close: 19},
		{InstrumentID: "300750", TradeDate: 20240104, Open: 19, Close: 19},
	}
	if err := pq.WritePriceBars("daily.parquet", bars); err != nil {
		t.Fatalf("WritePriceBars: %v", err)
	}
	if err := pq.WriteEvents("signals2.parquet", []domain.SignalEvent{
		{ComboName: "A&B", InstrumentID: "600000", TriggerDate: 20240102},
		{ComboName: "A&B", InstrumentID: "300750", TriggerDate: 20240102},
	}); err != nil {
		t.Fatalf("WriteEvents p2: %v", err)
	}
	if err := pq.WriteEvents("signals3.parquet", []domain.SignalEvent{
		{ComboName: "A&B&C", InstrumentID: "000001", TriggerDate: 20240102},
	}); err != nil {
		t.Fatalf("WriteEvents p3: %v", err)
	}
}

func loadConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	return cfg
}

func TestRunParquetOnly(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir)
	cfg := loadConfig(t, fmt.Sprintf(`
storage:
  data_dir: %q
sinks:
  sqlite: false
  parquet: true
run:
  hold_days: 2
  workers: 2
`, dir))

	sum, err := New(cfg, nil, nil).Run(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := sum.Result
	if len(res.Reports) != 1 {
		t.Fatalf("len(Reports) = %d, want 1", len(res.Reports))
	}
	r := res.Reports[0]
	if r.ComboType != "p2" || r.ComboName != "A&B" {
		t.Errorf("report key = %s/%s, want p2/A&B", r.ComboType, r.ComboName)
	}
	if r.NUsed != 2 || r.WinRatio != 0.5 {
		t.Errorf("NUsed = %d, WinRatio = %v, want 2, 0.5", r.NUsed, r.WinRatio)
	}
	if r.SegmentCounts["main"] != 1 || r.SegmentCounts["chinext"] != 1 {
		t.Errorf("SegmentCounts = %v, want main:1 chinext:1", r.SegmentCounts)
	}
	if len(res.Absent) != 1 || res.Absent[0].Name != "A&B&C" {
		t.Errorf("Absent = %v, want [p3/A&B&C]", res.Absent)
	}
	if len(sum.Sinks) != 1 || sum.Sinks[0] != "parquet" {
		t.Errorf("Sinks = %v, want [parquet]", sum.Sinks)
	}

	got, err := store.NewParquetStore(dir, "").ReadReports("run-1")
	if err != nil {
		t.Fatalf("ReadReports: %v", err)
	}
	if len(got) != 1 || got[0].RunID != "run-1" {
		t.Errorf("persisted reports = %+v", got)
	}
}

func TestRunSQLiteSinkAndComboFilter(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir)
	dbPath := filepath.Join(dir, "comboval.db")
	cfg := loadConfig(t, fmt.Sprintf(`
storage:
  data_dir: %q
  sqlite_path: %q
combos:
  names: ["p2/A&B"]
segments:
  board: false
sinks:
  parquet: false
`, dir, dbPath))

	sum, err := New(cfg, nil, nil).Run(context.Background(), "run-2")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Run.Combos != 1 {
		t.Errorf("Run.Combos = %d, want 1 (restricted)", sum.Run.Combos)
	}
	if len(sum.Result.Absent) != 0 {
		t.Errorf("Absent = %v, want none", sum.Result.Absent)
	}

	db, err := store.NewSQLiteStore(dbPath, cfg.Storage.Tables)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer db.Close()

	rep, err := db.GetReport(context.Background(), "run-2", domain.ComboKey{Type: "p2", Name: "A&B"})
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if rep.NUsed != 2 {
		t.Errorf("NUsed = %d, want 2", rep.NUsed)
	}
	if len(rep.SegmentCounts) != 0 {
		t.Errorf("SegmentCounts = %v, want none with segments disabled", rep.SegmentCounts)
	}
	runs, err := db.ListRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "run-2" || runs[0].Reports != 1 {
		t.Errorf("runs = %+v", runs)
	}
}

type flakySink struct {
	mu     sync.Mutex
	fails  int
	calls  int
	runID  string
	closed bool
}

func (f *flakySink) WriteReports(_ context.Context, runID string, _ []domain.ComboReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return errors.New("broker unavailable")
	}
	f.runID = runID
	return nil
}

func (f *flakySink) Close() error {
	f.closed = true
	return nil
}

func kafkaConfig(t *testing.T, dir string) *config.Config {
	return loadConfig(t, fmt.Sprintf(`
storage:
  data_dir: %q
sinks:
  sqlite: false
  parquet: false
  kafka:
    brokers: ["localhost:9092"]
  retry:
    attempts: 3
    base_delay: 1ms
`, dir))
}

func TestRunRetriesSink(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir)

	fake := &flakySink{fails: 2}
	p := New(kafkaConfig(t, dir), nil, nil)
	p.newKafkaSink = func([]string, string) (sinkCloser, error) { return fake, nil }

	sum, err := p.Run(context.Background(), "run-3")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fake.calls != 3 || fake.runID != "run-3" {
		t.Errorf("calls = %d, runID = %q, want 3, run-3", fake.calls, fake.runID)
	}
	if !fake.closed {
		t.Error("kafka sink was not closed")
	}
	if len(sum.Sinks) != 1 || sum.Sinks[0] != "kafka" {
		t.Errorf("Sinks = %v, want [kafka]", sum.Sinks)
	}
}

func TestRunSinkFailureKeepsSummary(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir)

	fake := &flakySink{fails: 10}
	p := New(kafkaConfig(t, dir), nil, nil)
	p.newKafkaSink = func([]string, string) (sinkCloser, error) { return fake, nil }

	sum, err := p.Run(context.Background(), "run-4")
	if err == nil {
		t.Fatal("expected a sink error")
	}
	if sum == nil || len(sum.Result.Reports) != 1 {
		t.Fatalf("summary = %+v, want the evaluated reports", sum)
	}
	if fake.calls != 3 {
		t.Errorf("calls = %d, want 3 attempts", fake.calls)
	}
}

func TestRunMissingPriceFile(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir)
	cfg := loadConfig(t, fmt.Sprintf(`
storage:
  data_dir: %q
prices:
  file: missing.parquet
sinks:
  sqlite: false
  parquet: false
`, dir))

	if _, err := New(cfg, nil, nil).Run(context.Background(), "run-5"); err == nil {
		t.Fatal("expected an error for a missing price file")
	}
}
