// Package series holds the build-once, read-many price store: one ordered
// daily bar series per instrument, windowed by binary search on trade date.
package series

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"comboval/internal/domain"
	"comboval/internal/util"
)

// PriceSource loads raw daily bars for a set of instruments. An empty ids
// slice means every instrument the source knows about.
type PriceSource interface {
	LoadPriceBars(ctx context.Context, ids []string) ([]domain.PriceBar, error)
}

// Series is the ordered daily bar sequence of one instrument.
type Series struct {
	id    string
	dates []int // parallel to bars, for binary search
	bars  []domain.PriceBar
}

// NewSeries orders bars by trade date, collapses exact duplicate rows, and
// rejects the series if dates are invalid or still not strictly increasing.
func NewSeries(id string, bars []domain.PriceBar) (*Series, error) {
	sorted := make([]domain.PriceBar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TradeDate < sorted[j].TradeDate
	})

	s := &Series{
		id:    id,
		dates: make([]int, 0, len(sorted)),
		bars:  make([]domain.PriceBar, 0, len(sorted)),
	}
	for _, b := range sorted {
		if b.InstrumentID != id {
			return nil, &domain.DataError{InstrumentID: id, Reason: fmt.Sprintf("bar for %q mixed into series", b.InstrumentID)}
		}
		if !util.ValidDate(b.TradeDate) {
			return nil, &domain.DataError{InstrumentID: id, Reason: fmt.Sprintf("invalid trade_date %d", b.TradeDate)}
		}
		if n := len(s.bars); n > 0 {
			prev := s.bars[n-1]
			if prev == b {
				continue
			}
			if b.TradeDate <= prev.TradeDate {
				return nil, &domain.DataError{InstrumentID: id, Reason: fmt.Sprintf("conflicting bars for trade_date %d", b.TradeDate)}
			}
		}
		s.dates = append(s.dates, b.TradeDate)
		s.bars = append(s.bars, b)
	}
	return s, nil
}

// ID returns the instrument identifier.
func (s *Series) ID() string { return s.id }

// Len returns the number of bars.
func (s *Series) Len() int { return len(s.bars) }

// Bar returns the i-th bar in date order.
func (s *Series) Bar(i int) domain.PriceBar { return s.bars[i] }

// Window returns up to length bars dated strictly after afterDate. The
// result aliases the series and must not be modified.
func (s *Series) Window(afterDate, length int) []domain.PriceBar {
	if length <= 0 {
		return nil
	}
	i := sort.SearchInts(s.dates, afterDate+1)
	end := min(i+length, len(s.bars))
	if i >= end {
		return nil
	}
	return s.bars[i:end:end]
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

// Store indexes series by instrument. It is never mutated after Build, so
// concurrent readers need no locking.
type Store struct {
	series   map[string]*Series
	rejected map[string]error
}

// Build groups bars by instrument and constructs every series. Instruments
// whose series is malformed are logged and excluded.
func Build(bars []domain.PriceBar, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}

	groups := make(map[string][]domain.PriceBar)
	for _, b := range bars {
		groups[b.InstrumentID] = append(groups[b.InstrumentID], b)
	}

	st := &Store{
		series:   make(map[string]*Series, len(groups)),
		rejected: make(map[string]error),
	}
	for id, group := range groups {
		s, err := NewSeries(id, group)
		if err != nil {
			log.Warn("rejecting price series", "instrument", id, "bars", len(group), "error", err)
			st.rejected[id] = err
			continue
		}
		st.series[id] = s
	}

	log.Info("price store built", "instruments", len(st.series), "rejected", len(st.rejected), "bars", len(bars))
	return st
}

// Load reads bars for ids from src and builds a Store.
func Load(ctx context.Context, src PriceSource, ids []string, log *slog.Logger) (*Store, error) {
	bars, err := src.LoadPriceBars(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading price bars: %w", err)
	}
	return Build(bars, log), nil
}

// Series returns the series for id, if it loaded successfully.
func (st *Store) Series(id string) (*Series, bool) {
	s, ok := st.series[id]
	return s, ok
}

// Window returns up to length bars strictly after afterDate for id. Unknown
// or rejected instruments yield nil.
func (st *Store) Window(id string, afterDate, length int) []domain.PriceBar {
	s, ok := st.series[id]
	if !ok {
		return nil
	}
	return s.Window(afterDate, length)
}

// Len returns the number of loaded instruments.
func (st *Store) Len() int { return len(st.series) }

// Rejected returns the load error of every excluded instrument.
func (st *Store) Rejected() map[string]error {
	out := make(map[string]error, len(st.rejected))
	for id, err := range st.rejected {
		out[id] = err
	}
	return out
}
