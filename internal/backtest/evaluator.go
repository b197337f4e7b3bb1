// Package backtest drives an evaluation run: every combination in the event
// index is simulated against the price store on a fixed worker pool and
// folded into a report.
package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"comboval/internal/domain"
	"comboval/internal/events"
	"comboval/internal/series"
	"comboval/internal/simulate"
	"comboval/internal/stats"
)

// Combo evaluation statuses reported to the Observer.
const (
	StatusReported = "reported"
	StatusAbsent   = "absent"
	StatusFailed   = "failed"
)

// Observer receives progress callbacks. Implementations must be safe for
// concurrent use because workers call it directly.
type Observer interface {
	ObserveCombo(status string, elapsed time.Duration)
	ObserveTrades(reason domain.ExitReason, n int)
	ObserveRun(res *Result)
}

type noopObserver struct{}

func (noopObserver) ObserveCombo(string, time.Duration)    {}
func (noopObserver) ObserveTrades(domain.ExitReason, int) {}
func (noopObserver) ObserveRun(*Result)                   {}

// ComboFailure records a combination whose evaluation failed.
type ComboFailure struct {
	Combo domain.ComboKey
	Err   error
}

// Result is the outcome of one run. Reports are ordered by combo type then
// name.
type Result struct {
	RunID     string
	Reports   []domain.ComboReport
	Failed    []ComboFailure
	Absent    []domain.ComboKey
	Evaluated int
	Skipped   int // combos never dispatched because the run was cancelled
	Cancelled bool
	Trades    map[domain.ExitReason]int
	Elapsed   time.Duration
}

// Evaluator runs combinations against shared read-only inputs.
type Evaluator struct {
	prices *series.Store
	index  *events.Index
	log    *slog.Logger
	obs    Observer
}

// NewEvaluator creates an Evaluator. A nil logger uses slog.Default and a
// nil observer discards callbacks.
func NewEvaluator(prices *series.Store, index *events.Index, log *slog.Logger, obs Observer) *Evaluator {
	if log == nil {
		log = slog.Default()
	}
	if obs == nil {
		obs = noopObserver{}
	}
	return &Evaluator{
		prices: prices,
		index:  index,
		log:    log.With("component", "backtest"),
		obs:    obs,
	}
}

type workerResult struct {
	reports   []domain.ComboReport
	failed    []ComboFailure
	absent    []domain.ComboKey
	evaluated int
	trades    map[domain.ExitReason]int
}

// Run evaluates every combination. It fails only when cfg is invalid; combo
// failures are collected in the Result. When ctx is cancelled or the budget
// expires, workers stop taking new combinations and in-flight ones finish.
func (e *Evaluator) Run(ctx context.Context, cfg RunConfig) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	start := time.Now()

	runCtx := ctx
	if cfg.Budget > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Budget)
		defer cancel()
	}

	combos := e.index.Combos()
	comboCh := make(chan domain.ComboKey, len(combos))
	for _, k := range combos {
		comboCh <- k
	}
	close(comboCh)

	workers := max(1, min(cfg.Workers, len(combos)))
	results := make([]workerResult, workers)

	e.log.Info("evaluation started",
		"run_id", cfg.RunID,
		"combos", len(combos),
		"events", e.index.EventCount(),
		"workers", workers,
		"hold_days", cfg.Exit.HoldDays,
		"stop_loss", cfg.Exit.StopLoss,
		"target", cfg.Exit.Target,
	)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		wr := &results[w]
		wr.trades = make(map[domain.ExitReason]int)
		g.Go(func() error {
			for key := range comboCh {
				if runCtx.Err() != nil {
					return nil
				}
				e.evaluate(key, cfg, wr)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{
		RunID:  cfg.RunID,
		Trades: make(map[domain.ExitReason]int),
	}
	for _, wr := range results {
		res.Reports = append(res.Reports, wr.reports...)
		res.Failed = append(res.Failed, wr.failed...)
		res.Absent = append(res.Absent, wr.absent...)
		res.Evaluated += wr.evaluated
		for r, n := range wr.trades {
			res.Trades[r] += n
		}
	}
	res.Skipped = len(combos) - res.Evaluated
	res.Cancelled = res.Skipped > 0
	res.Elapsed = time.Since(start)

	sort.Slice(res.Reports, func(i, j int) bool {
		a, b := res.Reports[i], res.Reports[j]
		if a.ComboType != b.ComboType {
			return a.ComboType < b.ComboType
		}
		return a.ComboName < b.ComboName
	})

	e.obs.ObserveRun(res)
	e.log.Info("evaluation finished",
		"run_id", res.RunID,
		"reports", len(res.Reports),
		"absent", len(res.Absent),
		"failed", len(res.Failed),
		"skipped", res.Skipped,
		"cancelled", res.Cancelled,
		"elapsed", res.Elapsed.Round(time.Millisecond),
	)
	return res, nil
}

func (e *Evaluator) evaluate(key domain.ComboKey, cfg RunConfig, wr *workerResult) {
	start := time.Now()
	report, ok, trades, err := e.evaluateCombo(key, cfg)
	wr.evaluated++

	for r, n := range trades {
		wr.trades[r] += n
		e.obs.ObserveTrades(r, n)
	}

	switch {
	case err != nil:
		cerr := &domain.ComboError{Combo: key, Err: err}
		e.log.Error("combo evaluation failed", "combo", key.Name, "combo_type", key.Type, "error", err)
		wr.failed = append(wr.failed, ComboFailure{Combo: key, Err: cerr})
		e.obs.ObserveCombo(StatusFailed, time.Since(start))
	case !ok:
		e.log.Debug("combo has no usable trades", "combo", key.Name, "combo_type", key.Type)
		wr.absent = append(wr.absent, key)
		e.obs.ObserveCombo(StatusAbsent, time.Since(start))
	default:
		wr.reports = append(wr.reports, report)
		e.obs.ObserveCombo(StatusReported, time.Since(start))
	}
}

// evaluateCombo simulates every hit of one combination. A panic anywhere in
// the combo is returned as an error.
func (e *Evaluator) evaluateCombo(key domain.ComboKey, cfg RunConfig) (report domain.ComboReport, ok bool, trades map[domain.ExitReason]int, err error) {
	defer func() {
		if r := recover(); r != nil {
			report, ok, err = domain.ComboReport{}, false, fmt.Errorf("panic: %v", r)
		}
	}()

	trades = make(map[domain.ExitReason]int)
	acc := stats.NewAccumulator(key, cfg.statsOptions())
	for _, ref := range e.index.Events(key) {
		ev := domain.SignalEvent{
			ComboName:    key.Name,
			ComboType:    key.Type,
			InstrumentID: ref.InstrumentID,
			TriggerDate:  ref.TriggerDate,
		}
		window := e.prices.Window(ref.InstrumentID, ref.TriggerDate, cfg.Exit.HoldDays)
		out := simulate.Simulate(ev, window, cfg.Exit, cfg.Admission)
		trades[out.ExitReason]++
		if err := acc.Add(out); err != nil {
			return domain.ComboReport{}, false, trades, err
		}
	}

	report, ok, err = acc.Report()
	return report, ok, trades, err
}
