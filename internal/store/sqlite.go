package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"comboval/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var (
	_ PriceSource     = (*SQLiteStore)(nil)
	_ ComboSource     = (*SQLiteStore)(nil)
	_ AdmissionSource = (*SQLiteStore)(nil)
	_ SegmentSource   = (*SQLiteStore)(nil)
	_ ReportSink      = (*SQLiteStore)(nil)
	_ RunRecorder     = (*SQLiteStore)(nil)
	_ ReportReader    = (*SQLiteStore)(nil)
)

// Tables names the upstream relations read by SQLiteStore.
type Tables struct {
	Prices          string `yaml:"prices" default:"t_stock_daily"`
	ComboEval       string `yaml:"combo_eval" default:"t_combo_eval"`
	Admission       string `yaml:"admission" default:"t_stock_stat"`
	AdmissionColumn string `yaml:"admission_column" default:"v_0_percent"`
	Segments        string `yaml:"segments" default:"t_stock_segment"`
}

// DefaultTables returns the table names used by the upstream extract jobs.
func DefaultTables() Tables {
	return Tables{
		Prices:          "t_stock_daily",
		ComboEval:       "t_combo_eval",
		Admission:       "t_stock_stat",
		AdmissionColumn: "v_0_percent",
		Segments:        "t_stock_segment",
	}
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate rejects names that are not plain SQL identifiers.
func (t Tables) Validate() error {
	for _, name := range []string{t.Prices, t.ComboEval, t.Admission, t.AdmissionColumn, t.Segments} {
		if !identRe.MatchString(name) {
			return fmt.Errorf("%w: %q is not a valid SQL identifier", domain.ErrInvalidConfig, name)
		}
	}
	return nil
}

// SQLiteStore reads upstream relations from a SQLite database and persists
// reports and run metadata into it.
type SQLiteStore struct {
	db     *sql.DB
	tables Tables
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and creates
// the report tables if needed.
func NewSQLiteStore(dbPath string, tables Tables) (*SQLiteStore, error) {
	if err := tables.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers and keeps :memory: databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, tables: tables}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the connection for tooling and tests.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

const schema = `
CREATE TABLE IF NOT EXISTS t_combo_report (
	run_id                 TEXT    NOT NULL,
	combo_type             TEXT    NOT NULL,
	combo_name             TEXT    NOT NULL,
	hold_days              INTEGER NOT NULL,
	n_total                INTEGER NOT NULL,
	n_used                 INTEGER NOT NULL,
	n_filtered             INTEGER NOT NULL,
	n_insufficient         INTEGER NOT NULL,
	filter_ratio           REAL    NOT NULL,
	win_ratio              REAL    NOT NULL,
	win_ratio_lower        REAL    NOT NULL,
	avg_return             REAL    NOT NULL,
	max_return             REAL    NOT NULL,
	min_return             REAL    NOT NULL,
	avg_holding_days       REAL    NOT NULL,
	hit_target_ratio       REAL    NOT NULL,
	stop_loss_ratio        REAL    NOT NULL,
	hold_horizon_ratio     REAL    NOT NULL,
	exit_day_ratios        TEXT    NOT NULL,
	avg_max_drawdown       REAL    NOT NULL,
	annualized_trades      REAL    NOT NULL,
	expected_yearly_return REAL    NOT NULL,
	first_trigger          INTEGER NOT NULL,
	last_trigger           INTEGER NOT NULL,
	segment_win_ratios     TEXT    NOT NULL DEFAULT '',
	segment_counts         TEXT    NOT NULL DEFAULT '',
	written_at             INTEGER NOT NULL,
	PRIMARY KEY (run_id, combo_type, combo_name)
);

CREATE TABLE IF NOT EXISTS t_eval_run (
	run_id      TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	hold_days   INTEGER NOT NULL,
	stop_loss   REAL    NOT NULL,
	target      REAL    NOT NULL,
	combos      INTEGER NOT NULL,
	reports     INTEGER NOT NULL,
	absent      INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	cancelled   INTEGER NOT NULL
);
`

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

// LoadPriceBars reads stock_code, trade_date, open, close from the price
// table. An empty ids slice loads every instrument.
func (s *SQLiteStore) LoadPriceBars(ctx context.Context, ids []string) ([]domain.PriceBar, error) {
	q := fmt.Sprintf(`SELECT stock_code, trade_date, open, close FROM %s`, s.tables.Prices)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", s.tables.Prices, err)
	}
	defer rows.Close()

	keep := idSet(ids)
	var bars []domain.PriceBar
	for rows.Next() {
		var (
			b           domain.PriceBar
			open, close sql.NullFloat64
		)
		if err := rows.Scan(&b.InstrumentID, &b.TradeDate, &open, &close); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", s.tables.Prices, err)
		}
		if keep != nil {
			if _, ok := keep[b.InstrumentID]; !ok {
				continue
			}
		}
		// NULL prices become zero and are treated as bad bars downstream.
		b.Open, b.Close = open.Float64, close.Float64
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// EventSource returns a source reading combo_name, stock_code, trade_date
// from table, tagged with comboType.
func (s *SQLiteStore) EventSource(table, comboType string) (EventSource, error) {
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("%w: %q is not a valid SQL identifier", domain.ErrInvalidConfig, table)
	}
	return EventSourceFunc(func(ctx context.Context) ([]domain.SignalEvent, error) {
		return s.loadEvents(ctx, table, comboType)
	}), nil
}

func (s *SQLiteStore) loadEvents(ctx context.Context, table, comboType string) ([]domain.SignalEvent, error) {
	q := fmt.Sprintf(`SELECT combo_name, stock_code, trade_date FROM %s ORDER BY rowid`, table)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	defer rows.Close()

	var evts []domain.SignalEvent
	for rows.Next() {
		var e domain.SignalEvent
		if err := rows.Scan(&e.ComboName, &e.InstrumentID, &e.TriggerDate); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", table, err)
		}
		e.ComboType = comboType
		if e.ComboType == "" {
			e.ComboType = domain.ComboTypeOf(e.ComboName)
		}
		evts = append(evts, e)
	}
	return evts, rows.Err()
}

// ListCombos reads the combo selection table.
func (s *SQLiteStore) ListCombos(ctx context.Context) ([]domain.ComboKey, error) {
	q := fmt.Sprintf(`SELECT combo_type, combo_name FROM %s`, s.tables.ComboEval)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", s.tables.ComboEval, err)
	}
	defer rows.Close()

	var keys []domain.ComboKey
	for rows.Next() {
		var k domain.ComboKey
		if err := rows.Scan(&k.Type, &k.Name); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", s.tables.ComboEval, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// LoadAdmissionMetrics reads the overextension column of the stat table.
// NULL values are skipped so the filter admits those events.
func (s *SQLiteStore) LoadAdmissionMetrics(ctx context.Context) ([]domain.AdmissionMetric, error) {
	q := fmt.Sprintf(`SELECT stock_code, trade_date, %s FROM %s`, s.tables.AdmissionColumn, s.tables.Admission)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", s.tables.Admission, err)
	}
	defer rows.Close()

	var out []domain.AdmissionMetric
	for rows.Next() {
		var (
			m domain.AdmissionMetric
			v sql.NullFloat64
		)
		if err := rows.Scan(&m.InstrumentID, &m.TradeDate, &v); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", s.tables.Admission, err)
		}
		if !v.Valid {
			continue
		}
		m.Value = v.Float64
		out = append(out, m)
	}
	return out, rows.Err()
}

// LoadSegments reads stock_code, segment from the segment table.
func (s *SQLiteStore) LoadSegments(ctx context.Context) (map[string]string, error) {
	q := fmt.Sprintf(`SELECT stock_code, segment FROM %s`, s.tables.Segments)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", s.tables.Segments, err)
	}
	defer rows.Close()

	m := make(map[string]string)
	for rows.Next() {
		var id, seg string
		if err := rows.Scan(&id, &seg); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", s.tables.Segments, err)
		}
		if seg != "" {
			m[id] = seg
		}
	}
	return m, rows.Err()
}

// ---------------------------------------------------------------------------
// ReportSink and RunRecorder implementation
// ---------------------------------------------------------------------------

const upsertReport = `
INSERT INTO t_combo_report (
	run_id, combo_type, combo_name, hold_days,
	n_total, n_used, n_filtered, n_insufficient, filter_ratio,
	win_ratio, win_ratio_lower, avg_return, max_return, min_return,
	avg_holding_days, hit_target_ratio, stop_loss_ratio, hold_horizon_ratio,
	exit_day_ratios, avg_max_drawdown, annualized_trades, expected_yearly_return,
	first_trigger, last_trigger, segment_win_ratios, segment_counts, written_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id, combo_type, combo_name) DO UPDATE SET
	hold_days = excluded.hold_days,
	n_total = excluded.n_total,
	n_used = excluded.n_used,
	n_filtered = excluded.n_filtered,
	n_insufficient = excluded.n_insufficient,
	filter_ratio = excluded.filter_ratio,
	win_ratio = excluded.win_ratio,
	win_ratio_lower = excluded.win_ratio_lower,
	avg_return = excluded.avg_return,
	max_return = excluded.max_return,
	min_return = excluded.min_return,
	avg_holding_days = excluded.avg_holding_days,
	hit_target_ratio = excluded.hit_target_ratio,
	stop_loss_ratio = excluded.stop_loss_ratio,
	hold_horizon_ratio = excluded.hold_horizon_ratio,
	exit_day_ratios = excluded.exit_day_ratios,
	avg_max_drawdown = excluded.avg_max_drawdown,
	annualized_trades = excluded.annualized_trades,
	expected_yearly_return = excluded.expected_yearly_return,
	first_trigger = excluded.first_trigger,
	last_trigger = excluded.last_trigger,
	segment_win_ratios = excluded.segment_win_ratios,
	segment_counts = excluded.segment_counts,
	written_at = excluded.written_at`

// WriteReports upserts every report of runID in one transaction.
func (s *SQLiteStore) WriteReports(ctx context.Context, runID string, reports []domain.ComboReport) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertReport)
	if err != nil {
		return fmt.Errorf("preparing report upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for i := range reports {
		r := &reports[i]
		days, err := marshalFloats(r.ExitDayRatios)
		if err != nil {
			return err
		}
		segWins, err := marshalJSON(r.SegmentWinRatios)
		if err != nil {
			return err
		}
		segCounts, err := marshalJSON(r.SegmentCounts)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			runID, r.ComboType, r.ComboName, r.HoldDays,
			r.NTotal, r.NUsed, r.NFiltered, r.NInsufficient, r.FilterRatio,
			r.WinRatio, r.WinRatioLower, r.AvgReturn, r.MaxReturn, r.MinReturn,
			r.AvgHoldingDays, r.HitTargetRatio, r.StopLossRatio, r.HoldHorizonRatio,
			days, r.AvgMaxDrawdown, r.AnnualizedTrades, r.ExpectedYearlyReturn,
			r.FirstTrigger, r.LastTrigger, segWins, segCounts, now,
		); err != nil {
			return fmt.Errorf("upserting report %s: %w", r.Key(), err)
		}
	}
	return tx.Commit()
}

// RecordRun inserts or replaces the metadata of one run.
func (s *SQLiteStore) RecordRun(ctx context.Context, run RunInfo) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO t_eval_run (
	run_id, started_at, finished_at, hold_days, stop_loss, target,
	combos, reports, absent, failed, cancelled
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli(),
		run.HoldDays, run.StopLoss, run.Target,
		run.Combos, run.Reports, run.Absent, run.Failed, boolInt(run.Cancelled),
	)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", run.RunID, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// ReportReader implementation
// ---------------------------------------------------------------------------

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunInfo, error) {
	q := `SELECT run_id, started_at, finished_at, hold_days, stop_loss, target,
	combos, reports, absent, failed, cancelled FROM t_eval_run ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []RunInfo
	for rows.Next() {
		var (
			r                 RunInfo
			started, finished int64
			cancelled         int
		)
		if err := rows.Scan(&r.RunID, &started, &finished, &r.HoldDays, &r.StopLoss, &r.Target,
			&r.Combos, &r.Reports, &r.Absent, &r.Failed, &cancelled); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.Cancelled = cancelled != 0
		r.StartedAt = time.UnixMilli(started).UTC()
		r.FinishedAt = time.UnixMilli(finished).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

const reportColumns = `run_id, combo_type, combo_name, hold_days,
	n_total, n_used, n_filtered, n_insufficient, filter_ratio,
	win_ratio, win_ratio_lower, avg_return, max_return, min_return,
	avg_holding_days, hit_target_ratio, stop_loss_ratio, hold_horizon_ratio,
	exit_day_ratios, avg_max_drawdown, annualized_trades, expected_yearly_return,
	first_trigger, last_trigger, segment_win_ratios, segment_counts`

// ListReports returns reports matching q, best first by q.OrderBy.
func (s *SQLiteStore) ListReports(ctx context.Context, q ReportQuery) ([]domain.ComboReport, error) {
	order := q.OrderBy
	if order == "" {
		order = ReportOrderings[0]
	}
	if !validOrdering(order) {
		return nil, fmt.Errorf("unsupported ordering %q", order)
	}

	runID := q.RunID
	if runID == "" {
		latest, err := s.latestRunID(ctx)
		if err != nil {
			return nil, err
		}
		runID = latest
	}

	var (
		where = []string{"run_id = ?", "n_used >= ?"}
		args  = []any{runID, q.MinUsed}
	)
	if q.ComboType != "" {
		where = append(where, "combo_type = ?")
		args = append(args, q.ComboType)
	}
	sqlq := fmt.Sprintf(`SELECT %s FROM t_combo_report WHERE %s ORDER BY %s DESC, combo_name`,
		reportColumns, strings.Join(where, " AND "), order)
	if q.Limit > 0 {
		sqlq += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	defer rows.Close()

	var out []domain.ComboReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetReport returns one report. An empty runID selects the latest run.
func (s *SQLiteStore) GetReport(ctx context.Context, runID string, key domain.ComboKey) (*domain.ComboReport, error) {
	if runID == "" {
		latest, err := s.latestRunID(ctx)
		if err != nil {
			return nil, err
		}
		runID = latest
	}
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM t_combo_report WHERE run_id = ? AND combo_type = ? AND combo_name = ?`, reportColumns),
		runID, key.Type, key.Name)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) latestRunID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id FROM t_combo_report ORDER BY written_at DESC, rowid DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(sc scanner) (domain.ComboReport, error) {
	var (
		r                         domain.ComboReport
		days, segWins, segCounts string
	)
	err := sc.Scan(
		&r.RunID, &r.ComboType, &r.ComboName, &r.HoldDays,
		&r.NTotal, &r.NUsed, &r.NFiltered, &r.NInsufficient, &r.FilterRatio,
		&r.WinRatio, &r.WinRatioLower, &r.AvgReturn, &r.MaxReturn, &r.MinReturn,
		&r.AvgHoldingDays, &r.HitTargetRatio, &r.StopLossRatio, &r.HoldHorizonRatio,
		&days, &r.AvgMaxDrawdown, &r.AnnualizedTrades, &r.ExpectedYearlyReturn,
		&r.FirstTrigger, &r.LastTrigger, &segWins, &segCounts,
	)
	if err != nil {
		return r, err
	}
	if err := unmarshalJSON(days, &r.ExitDayRatios); err != nil {
		return r, fmt.Errorf("decoding exit_day_ratios of %s: %w", r.ComboName, err)
	}
	if err := unmarshalJSON(segWins, &r.SegmentWinRatios); err != nil {
		return r, fmt.Errorf("decoding segment_win_ratios of %s: %w", r.ComboName, err)
	}
	if err := unmarshalJSON(segCounts, &r.SegmentCounts); err != nil {
		return r, fmt.Errorf("decoding segment_counts of %s: %w", r.ComboName, err)
	}
	return r, nil
}
