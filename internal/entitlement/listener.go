package entitlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcourtman/tiergate/internal/logging"
	"github.com/rcourtman/tiergate/internal/metrics"
	"github.com/rcourtman/tiergate/internal/platform"
)

// ErrListenerStopped is returned when Start is called after Stop.
var ErrListenerStopped = errors.New("transaction listener already stopped")

// Listener event results.
const (
	eventProcessed    = "processed"
	eventFinishFailed = "finish_failed"
	eventPanic        = "panic"
)

// Listener consumes the platform's transaction-update stream for the lifetime
// of the process. Each event is acknowledged and followed by a full
// re-resolution that completes before the next event is read.
type Listener struct {
	client   platform.Client
	resolver *Resolver
	timeout  time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	// processed is signalled after each event; tests use it to synchronise.
	processed func(platform.VerificationResult)
}

// NewListener creates a listener. It does nothing until Start.
func NewListener(client platform.Client, resolver *Resolver) *Listener {
	logger := logging.New("entitlement", logging.WithFields(map[string]interface{}{
		"worker": "transaction_listener",
	}))
	return &Listener{
		client:   client,
		resolver: resolver,
		timeout:  resolver.timeout,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the consumer goroutine. Calling Start twice is a no-op; a
// stopped listener cannot be restarted.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return ErrListenerStopped
	}
	if l.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.started = true

	go l.run(runCtx)
	l.logger.Info().Msg("Transaction listener started")
	return nil
}

// Stop cancels the listener and waits for the in-flight event, if any, to
// finish. Safe to call more than once.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.stopped = true
	started := l.started
	cancel := l.cancel
	l.mu.Unlock()

	if !started {
		close(l.done)
		return
	}
	cancel()
	<-l.done
	l.logger.Info().Msg("Transaction listener stopped")
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	updates := l.client.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-updates:
			if !ok {
				l.logger.Warn().Msg("Transaction update stream closed")
				return
			}
			if result == nil {
				continue
			}
			l.handle(ctx, result)
		}
	}
}

func (l *Listener) handle(ctx context.Context, result platform.VerificationResult) {
	defer func() {
		if p := recover(); p != nil {
			metrics.RecordListenerEvent(eventPanic)
			l.logger.Error().
				Interface("panic", p).
				Str("transaction_id", result.Txn().ID).
				Msg("Recovered panic while handling transaction update")
		}
		if l.processed != nil {
			l.processed(result)
		}
	}()

	// Each update gets its own trace; the re-resolution it triggers logs under it.
	ctx, _ = logging.WithTraceID(ctx, "")
	txn := result.Txn()
	logger := logging.FromContext(ctx, l.logger).With().
		Str("transaction_id", txn.ID).
		Str("product_id", txn.ProductID).
		Logger()

	if _, unverified := result.(platform.Unverified); unverified {
		logger.Debug().Msg("Received unverified transaction update")
	}

	// Unverified updates are finished too so the platform stops redelivering
	// them; they never grant entitlement in the pass below.
	finishCtx, cancel := context.WithTimeout(ctx, l.timeout)
	err := l.client.Finish(finishCtx, txn)
	cancel()
	if err != nil {
		metrics.RecordListenerEvent(eventFinishFailed)
		logger.Warn().Err(err).Msg("Failed to finish transaction; will resolve anyway")
	}

	// Full re-resolution, not incremental: precedence must see every transaction.
	status := l.resolver.ForceRefresh(context.WithoutCancel(ctx))
	metrics.RecordListenerEvent(eventProcessed)
	logger.Debug().Str("tier", string(status.Tier)).Msg("Processed transaction update")
}
