package usage

import (
	"fmt"
	"sort"

	"github.com/rcourtman/tiergate/internal/storage"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

// LedgerSet owns one Ledger per metered dimension.
type LedgerSet struct {
	ledgers map[licensing.Dimension]*Ledger
}

// NewLedgerSet creates ledgers for every dimension in dims, sharing store.
func NewLedgerSet(store storage.Store, dims []licensing.Dimension, opts ...Option) *LedgerSet {
	s := &LedgerSet{ledgers: make(map[licensing.Dimension]*Ledger, len(dims))}
	for _, dim := range dims {
		s.ledgers[dim] = NewLedger(dim, store, opts...)
	}
	return s
}

// Ledger returns the ledger for dim. It panics for an unmetered dimension.
func (s *LedgerSet) Ledger(dim licensing.Dimension) *Ledger {
	l, ok := s.ledgers[dim]
	if !ok {
		panic(fmt.Sprintf("usage: no ledger for dimension %q", dim))
	}
	return l
}

// Lookup returns the ledger for dim, if metered.
func (s *LedgerSet) Lookup(dim licensing.Dimension) (*Ledger, bool) {
	l, ok := s.ledgers[dim]
	return l, ok
}

// RecordIncrement counts one completed action on dim.
func (s *LedgerSet) RecordIncrement(dim licensing.Dimension) (LedgerData, error) {
	return s.Ledger(dim).RecordIncrement()
}

// Dimensions returns the metered dimensions, sorted.
func (s *LedgerSet) Dimensions() []licensing.Dimension {
	dims := make([]licensing.Dimension, 0, len(s.ledgers))
	for dim := range s.ledgers {
		dims = append(dims, dim)
	}
	sort.Slice(dims, func(i, j int) bool { return dims[i] < dims[j] })
	return dims
}
