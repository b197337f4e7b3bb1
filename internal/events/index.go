// Package events groups signal hit events by combination for iteration by
// the evaluator. It performs no filtering of its own.
package events

import (
	"context"

	"comboval/internal/domain"
)

// Source loads signal events from an upstream relation.
type Source interface {
	LoadEvents(ctx context.Context) ([]domain.SignalEvent, error)
}

// EventRef is one hit of a combination.
type EventRef struct {
	InstrumentID string
	TriggerDate  int
}

// Index maps each combination to its hits. Grouping is stable: hits keep the
// relative order they had in the input, and combos are listed in the order
// they first appeared.
type Index struct {
	order  []domain.ComboKey
	groups map[domain.ComboKey][]EventRef
	total  int
}

// New builds an Index from events. Events without a combo type get one
// derived from the combo name.
func New(evts []domain.SignalEvent) *Index {
	idx := &Index{groups: make(map[domain.ComboKey][]EventRef)}
	for _, e := range evts {
		if e.ComboType == "" {
			e.ComboType = domain.ComboTypeOf(e.ComboName)
		}
		k := e.Key()
		refs, seen := idx.groups[k]
		if !seen {
			idx.order = append(idx.order, k)
		}
		idx.groups[k] = append(refs, EventRef{InstrumentID: e.InstrumentID, TriggerDate: e.TriggerDate})
		idx.total++
	}
	return idx
}

// Load reads every source in turn and indexes the concatenated events.
func Load(ctx context.Context, sources ...Source) (*Index, error) {
	var all []domain.SignalEvent
	for _, src := range sources {
		evts, err := src.LoadEvents(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, evts...)
	}
	return New(all), nil
}

// Combos returns every combination in first-appearance order.
func (idx *Index) Combos() []domain.ComboKey {
	out := make([]domain.ComboKey, len(idx.order))
	copy(out, idx.order)
	return out
}

// Events returns the hits of one combination. The slice is shared and must
// not be modified.
func (idx *Index) Events(k domain.ComboKey) []EventRef {
	return idx.groups[k]
}

// Len returns the number of combinations.
func (idx *Index) Len() int { return len(idx.order) }

// EventCount returns the total number of indexed hits.
func (idx *Index) EventCount() int { return idx.total }

// Instruments returns the distinct instruments referenced by any hit, in
// first-appearance order.
func (idx *Index) Instruments() []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, k := range idx.order {
		for _, ref := range idx.groups[k] {
			if _, ok := seen[ref.InstrumentID]; ok {
				continue
			}
			seen[ref.InstrumentID] = struct{}{}
			ids = append(ids, ref.InstrumentID)
		}
	}
	return ids
}

// Restrict returns a new Index holding only the combinations keep accepts.
// Hit slices are shared with the receiver.
func (idx *Index) Restrict(keep func(domain.ComboKey) bool) *Index {
	out := &Index{groups: make(map[domain.ComboKey][]EventRef)}
	for _, k := range idx.order {
		if !keep(k) {
			continue
		}
		refs := idx.groups[k]
		out.order = append(out.order, k)
		out.groups[k] = refs
		out.total += len(refs)
	}
	return out
}
