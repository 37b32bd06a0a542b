// Package usage keeps durable rolling-window counters, one per quota
// dimension.
package usage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/tiergate/internal/errors"
	"github.com/rcourtman/tiergate/internal/metrics"
	"github.com/rcourtman/tiergate/internal/storage"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

const (
	// KeyPrefix prefixes the storage key of every ledger.
	KeyPrefix = "UsageLedger:"

	// LedgerSchemaVersion is the current version of persisted LedgerData.
	LedgerSchemaVersion = 1
)

// LedgerData is the persisted state of one dimension. A zero WindowStart
// means no usage has been recorded yet.
type LedgerData struct {
	WindowStart     time.Time `json:"window_start"`
	CountThisWindow int       `json:"count_this_window"`
	SchemaVersion   int       `json:"schema_version"`
}

// Started reports whether a window has been opened.
func (d LedgerData) Started() bool {
	return !d.WindowStart.IsZero()
}

// ResetsAt returns when the current window ends. ok is false before the first
// increment.
func (d LedgerData) ResetsAt(window time.Duration) (t time.Time, ok bool) {
	if !d.Started() {
		return time.Time{}, false
	}
	return d.WindowStart.Add(window), true
}

// ApplyWindow returns d as seen at now: when the window has elapsed it is
// reset to start at now with a zero count. reset reports whether that
// happened. It has no side effects.
func ApplyWindow(d LedgerData, now time.Time, window time.Duration) (out LedgerData, reset bool) {
	if !d.Started() {
		return d, false
	}
	if now.Sub(d.WindowStart) < window {
		return d, false
	}
	d.WindowStart = now
	d.CountThisWindow = 0
	return d, true
}

// Key returns the storage key for dim.
func Key(dim licensing.Dimension) string {
	return KeyPrefix + string(dim)
}

// Ledger is the rolling-window counter for one dimension. Methods are safe for
// concurrent use; mutations are serialized.
type Ledger struct {
	dim    licensing.Dimension
	store  storage.Store
	nowFn  func() time.Time
	window time.Duration

	mu     sync.Mutex
	data   LedgerData
	loaded bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the ledger clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.nowFn = now }
}

// WithWindow overrides the window length.
func WithWindow(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.window = d
		}
	}
}

// NewLedger creates the ledger for dim. State is loaded lazily.
func NewLedger(dim licensing.Dimension, store storage.Store, opts ...Option) *Ledger {
	l := &Ledger{
		dim:    dim,
		store:  store,
		nowFn:  time.Now,
		window: licensing.WindowDuration,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dimension returns the metered dimension.
func (l *Ledger) Dimension() licensing.Dimension { return l.dim }

// Window returns the window length.
func (l *Ledger) Window() time.Duration { return l.window }

// CheckAndMaybeReset returns the ledger as of now, resetting and persisting it
// first if the window has elapsed. Call it before every decision that reads
// the count.
func (l *Ledger) CheckAndMaybeReset() LedgerData {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.loadLocked()
	data, reset := ApplyWindow(l.data, l.nowFn(), l.window)
	if reset {
		l.data = data
		if err := l.persistLocked(); err != nil {
			log.Error().Err(err).Str("dimension", string(l.dim)).Msg("Failed to persist usage window reset")
		} else {
			log.Info().
				Str("dimension", string(l.dim)).
				Time("window_start", data.WindowStart).
				Msg("Usage window reset")
		}
	}
	return l.data
}

// RecordIncrement counts one completed action. Call it only after the gated
// action succeeded. The first increment opens the window. The in-memory count
// is kept even if persisting fails; the error is returned.
func (l *Ledger) RecordIncrement() (LedgerData, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.loadLocked()
	now := l.nowFn()
	data, _ := ApplyWindow(l.data, now, l.window)
	if !data.Started() {
		data.WindowStart = now
	}
	data.CountThisWindow++
	l.data = data

	metrics.RecordUsageIncrement(l.dim)
	if err := l.persistLocked(); err != nil {
		log.Error().Err(err).Str("dimension", string(l.dim)).Msg("Failed to persist usage increment")
		return l.data, err
	}
	return l.data, nil
}

// Snapshot returns the stored ledger without applying the window.
func (l *Ledger) Snapshot() LedgerData {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loadLocked()
	return l.data
}

func (l *Ledger) loadLocked() {
	if l.loaded {
		return
	}
	l.loaded = true
	l.data = LedgerData{SchemaVersion: LedgerSchemaVersion}

	raw, err := l.store.Get(Key(l.dim))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Error().Err(err).Str("dimension", string(l.dim)).Msg("Failed to read usage ledger; starting fresh")
		}
		return
	}

	data, err := decodeLedger(raw, l.nowFn())
	if err != nil {
		log.Error().Err(err).Str("dimension", string(l.dim)).Msg("Usage ledger is unreadable; starting fresh")
		return
	}
	l.data = data
}

func (l *Ledger) persistLocked() error {
	l.data.SchemaVersion = LedgerSchemaVersion
	raw, err := json.Marshal(l.data)
	if err != nil {
		return internalerrors.WrapPersistence("save_ledger", Key(l.dim), err)
	}
	if err := l.store.Set(Key(l.dim), raw); err != nil {
		return internalerrors.WrapPersistence("save_ledger", Key(l.dim), err)
	}
	return nil
}

func decodeLedger(raw []byte, now time.Time) (LedgerData, error) {
	var data LedgerData
	if err := json.Unmarshal(raw, &data); err == nil {
		return checkLedger(data, now)
	}

	// Best effort for records whose shape changed: keep whatever fields still
	// decode so the count is never lost.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return LedgerData{}, fmt.Errorf("decode ledger: %w", err)
	}
	data = LedgerData{}
	_ = json.Unmarshal(fields["count_this_window"], &data.CountThisWindow)
	_ = json.Unmarshal(fields["window_start"], &data.WindowStart)
	_ = json.Unmarshal(fields["schema_version"], &data.SchemaVersion)
	return checkLedger(data, now)
}

func checkLedger(data LedgerData, now time.Time) (LedgerData, error) {
	switch {
	case data.SchemaVersion > LedgerSchemaVersion:
		log.Warn().
			Int("stored_version", data.SchemaVersion).
			Int("current_version", LedgerSchemaVersion).
			Msg("Usage ledger written by a newer schema; keeping decodable fields")
	case data.SchemaVersion < LedgerSchemaVersion:
		log.Info().
			Int("stored_version", data.SchemaVersion).
			Int("current_version", LedgerSchemaVersion).
			Msg("Loaded usage ledger from an older schema")
	}
	if data.CountThisWindow < 0 {
		return LedgerData{}, fmt.Errorf("negative count %d", data.CountThisWindow)
	}
	if data.CountThisWindow > 0 && !data.Started() {
		// Anchor an orphaned count at load time so it ages out normally.
		data.WindowStart = now
	}
	return data, nil
}
