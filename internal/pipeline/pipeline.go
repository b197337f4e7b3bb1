// Package pipeline wires configuration to a complete evaluation run: load
// events and prices, build policies, evaluate, and persist the reports.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"comboval/internal/backtest"
	"comboval/internal/config"
	"comboval/internal/domain"
	"comboval/internal/events"
	"comboval/internal/segment"
	"comboval/internal/series"
	"comboval/internal/simulate"
	"comboval/internal/stats"
	"comboval/internal/store"
	"comboval/internal/util"
)

// Pipeline runs evaluations for one configuration. It is safe to call Run
// repeatedly, as the scheduler does; every call reloads its inputs.
type Pipeline struct {
	cfg  *config.Config
	base *slog.Logger
	log  *slog.Logger
	obs  backtest.Observer

	// newKafkaSink is replaced in tests.
	newKafkaSink func(brokers []string, topic string) (sinkCloser, error)
}

type sinkCloser interface {
	store.ReportSink
	io.Closer
}

// New creates a Pipeline. A nil logger uses slog.Default and a nil observer
// discards progress callbacks.
func New(cfg *config.Config, log *slog.Logger, obs backtest.Observer) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cfg:  cfg,
		base: log,
		log:  log.With("component", "pipeline"),
		obs:  obs,
		newKafkaSink: func(brokers []string, topic string) (sinkCloser, error) {
			return store.NewKafkaSink(brokers, topic)
		},
	}
}

// Summary is what one Run produced and persisted.
type Summary struct {
	Result  *backtest.Result
	Run     store.RunInfo
	Sinks   []string // sinks that accepted the reports
	Dropped int      // instruments excluded for bad price data
}

// Run executes one evaluation under runID. Input and configuration errors
// abort the run. Sink failures are retried, then joined into the returned
// error alongside a non-nil Summary. A cancelled ctx still persists the
// reports of combinations that finished.
func (p *Pipeline) Run(ctx context.Context, runID string) (*Summary, error) {
	started := time.Now()
	log := p.log.With("run_id", runID)

	var db *store.SQLiteStore
	if p.cfg.NeedsSQLite() {
		var err error
		db, err = store.NewSQLiteStore(p.cfg.Storage.SQLitePath, p.cfg.Storage.Tables)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		defer db.Close()
	}
	pq := store.NewParquetStore(p.cfg.Storage.DataDir, p.cfg.Sinks.ReportsDir)

	// -- Events --
	idx, err := p.loadEvents(ctx, pq, db)
	if err != nil {
		return nil, err
	}
	log.Info("events loaded", "combos", idx.Len(), "events", idx.EventCount())

	// -- Prices --
	var prices series.PriceSource = pq.PriceSource(p.cfg.Prices.File)
	if p.cfg.Prices.Source == config.SourceSQLite {
		prices = db
	}
	priceStore, err := series.Load(ctx, prices, idx.Instruments(), p.base)
	if err != nil {
		return nil, fmt.Errorf("loading prices: %w", err)
	}

	// -- Policies --
	runCfg := backtest.RunConfig{
		RunID:           runID,
		Exit:            p.cfg.Run.Exit,
		ConfidenceLevel: p.cfg.Run.ConfidenceLevel,
		Workers:         p.cfg.Run.Workers,
		Budget:          p.cfg.Run.Budget,
	}
	if p.cfg.Admission.Enabled {
		metrics, err := db.LoadAdmissionMetrics(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading admission metrics: %w", err)
		}
		f := simulate.NewOverextensionFilter(p.cfg.Admission.Max, metrics)
		log.Info("admission filter enabled", "max", f.Max(), "metrics", f.Len())
		runCfg.Admission = f
	}
	if runCfg.Segments, err = p.segments(ctx, db); err != nil {
		return nil, err
	}

	// -- Evaluate --
	res, err := backtest.NewEvaluator(priceStore, idx, p.base, p.obs).Run(ctx, runCfg)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		Result:  res,
		Dropped: len(priceStore.Rejected()),
		Run: store.RunInfo{
			RunID:      runID,
			StartedAt:  started,
			FinishedAt: time.Now(),
			HoldDays:   runCfg.Exit.HoldDays,
			StopLoss:   runCfg.Exit.StopLoss,
			Target:     runCfg.Exit.Target,
			Combos:     idx.Len(),
			Reports:    len(res.Reports),
			Absent:     len(res.Absent),
			Failed:     len(res.Failed),
			Cancelled:  res.Cancelled,
		},
	}

	// -- Persist --
	// Writes outlive a cancelled run so partial results are kept.
	wctx := context.WithoutCancel(ctx)
	sinkErr := p.writeSinks(wctx, log, sum, pq, db)
	if db != nil && p.cfg.Sinks.SQLite {
		if err := db.RecordRun(wctx, sum.Run); err != nil {
			sinkErr = errors.Join(sinkErr, fmt.Errorf("recording run: %w", err))
		}
	}
	return sum, sinkErr
}

func (p *Pipeline) loadEvents(ctx context.Context, pq *store.ParquetStore, db *store.SQLiteStore) (*events.Index, error) {
	sources := make([]events.Source, 0, len(p.cfg.Events))
	for _, in := range p.cfg.Events {
		switch in.Source {
		case config.SourceSQLite:
			src, err := db.EventSource(in.Table, in.ComboType)
			if err != nil {
				return nil, err
			}
			sources = append(sources, src)
		default:
			sources = append(sources, pq.EventSource(in.File, in.ComboType))
		}
	}
	idx, err := events.Load(ctx, sources...)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}

	keep, err := p.comboFilter(ctx, db)
	if err != nil {
		return nil, err
	}
	if keep != nil {
		idx = idx.Restrict(keep)
	}
	return idx, nil
}

// comboFilter returns nil when every combination is selected. Configured
// names match either "type/name" or a bare name of any type.
func (p *Pipeline) comboFilter(ctx context.Context, db *store.SQLiteStore) (func(domain.ComboKey) bool, error) {
	if !p.cfg.Combos.FromTable && len(p.cfg.Combos.Names) == 0 {
		return nil, nil
	}
	keys := make(map[domain.ComboKey]struct{})
	names := make(map[string]struct{})
	for _, n := range p.cfg.Combos.Names {
		if typ, name, ok := strings.Cut(n, "/"); ok {
			keys[domain.ComboKey{Type: typ, Name: name}] = struct{}{}
		} else {
			names[n] = struct{}{}
		}
	}
	if p.cfg.Combos.FromTable {
		listed, err := db.ListCombos(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing combos: %w", err)
		}
		for _, k := range listed {
			keys[k] = struct{}{}
		}
	}
	return func(k domain.ComboKey) bool {
		if _, ok := keys[k]; ok {
			return true
		}
		_, ok := names[k.Name]
		return ok
	}, nil
}

// segments builds the classifier chain: file, then table, then board.
func (p *Pipeline) segments(ctx context.Context, db *store.SQLiteStore) (stats.SegmentClassifier, error) {
	var chain segment.Chain
	if f := p.cfg.Segments.File; f != "" {
		if !filepath.IsAbs(f) {
			f = filepath.Join(p.cfg.Storage.DataDir, f)
		}
		m, err := segment.LoadCSV(f)
		if err != nil {
			return nil, err
		}
		chain = append(chain, m)
	}
	if p.cfg.Segments.FromTable {
		m, err := db.LoadSegments(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading segments: %w", err)
		}
		chain = append(chain, segment.Map(m))
	}
	if p.cfg.Segments.Board {
		chain = append(chain, segment.Board{})
	}
	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}

func (p *Pipeline) writeSinks(ctx context.Context, log *slog.Logger, sum *Summary, pq *store.ParquetStore, db *store.SQLiteStore) error {
	type namedSink struct {
		name string
		sink store.ReportSink
	}
	var sinks []namedSink
	if db != nil && p.cfg.Sinks.SQLite {
		sinks = append(sinks, namedSink{"sqlite", db})
	}
	if p.cfg.Sinks.Parquet {
		sinks = append(sinks, namedSink{"parquet", pq})
	}
	if k := p.cfg.Sinks.Kafka; len(k.Brokers) > 0 {
		ks, err := p.newKafkaSink(k.Brokers, k.Topic)
		if err != nil {
			return fmt.Errorf("creating kafka sink: %w", err)
		}
		defer ks.Close()
		sinks = append(sinks, namedSink{"kafka", ks})
	}

	runID, reports := sum.Run.RunID, sum.Result.Reports
	retry := p.cfg.Sinks.Retry
	var errs []error
	for _, s := range sinks {
		err := util.Retry(ctx, "write reports to "+s.name, retry.Attempts, retry.BaseDelay, func(ctx context.Context) error {
			return s.sink.WriteReports(ctx, runID, reports)
		})
		if err != nil {
			log.Error("report sink failed", "sink", s.name, "error", err)
			errs = append(errs, fmt.Errorf("%s sink: %w", s.name, err))
			continue
		}
		log.Info("reports written", "sink", s.name, "reports", len(reports))
		sum.Sinks = append(sum.Sinks, s.name)
	}
	return errors.Join(errs...)
}
