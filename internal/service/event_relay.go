package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
	"github.com/alanyoungcy/nftbazaar/internal/metrics"
)

// EventNotifier receives events selected for human notification.
type EventNotifier interface {
	NotifyEvent(ctx context.Context, ev domain.Event) error
}

// RelayConfig tunes the EventRelay.
type RelayConfig struct {
	Channel   string
	Stream    string
	BatchSize int
	Interval  time.Duration
}

// EventRelay delivers committed events from the event log to the signal bus
// and notification senders, then marks them published. Delivery is at least
// once: a crash between publish and mark repeats the tail of a batch.
type EventRelay struct {
	events   domain.EventLog
	bus      domain.SignalBus
	notifier EventNotifier
	cfg      RelayConfig
	wake     chan struct{}
	backoff  func() backoff.BackOff
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   *slog.Logger
}

// NewEventRelay creates a relay. bus and notifier may be nil.
func NewEventRelay(events domain.EventLog, bus domain.SignalBus, notifier EventNotifier, cfg RelayConfig, logger *slog.Logger) *EventRelay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &EventRelay{
		events:   events,
		bus:      bus,
		notifier: notifier,
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
		backoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
		now:    time.Now,
		logger: logger.With(slog.String("component", "event_relay")),
	}
}

// WithMetrics attaches Prometheus collectors.
func (r *EventRelay) WithMetrics(m *metrics.Metrics) *EventRelay {
	r.metrics = m
	return r
}

// WithBackOff overrides the retry policy.
func (r *EventRelay) WithBackOff(fn func() backoff.BackOff) *EventRelay {
	r.backoff = fn
	return r
}

// Wake asks the relay to flush now. It never blocks.
func (r *EventRelay) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run flushes on every wake-up and poll tick until ctx is cancelled.
func (r *EventRelay) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "event_relay: started",
		slog.String("channel", r.cfg.Channel),
		slog.Duration("interval", r.cfg.Interval),
	)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.wake:
		}

		err := backoff.RetryNotify(
			func() error {
				_, err := r.Flush(ctx)
				return err
			},
			backoff.WithContext(r.backoff(), ctx),
			func(err error, d time.Duration) {
				r.logger.WarnContext(ctx, "event_relay: flush failed, retrying",
					slog.String("error", err.Error()),
					slog.Duration("retry_in", d),
				)
			},
		)
		if err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "event_relay: giving up on batch",
				slog.String("error", err.Error()),
			)
		}
	}
}

// Flush publishes every pending event and returns how many were marked.
func (r *EventRelay) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		pending, err := r.events.ListUnpublished(ctx, r.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("event_relay: list unpublished: %w", err)
		}
		if len(pending) == 0 {
			return total, nil
		}

		done := make([]uint64, 0, len(pending))
		var pubErr error
		for _, ev := range pending {
			if pubErr = r.publish(ctx, ev); pubErr != nil {
				break
			}
			done = append(done, ev.Seq)
		}

		if len(done) > 0 {
			if err := r.events.MarkPublished(ctx, done, r.now().UTC()); err != nil {
				return total, fmt.Errorf("event_relay: mark published: %w", err)
			}
			total += len(done)
			r.metrics.ObserveRelay("published", len(done))
		}
		if pubErr != nil {
			r.metrics.ObserveRelay("failed", 1)
			return total, pubErr
		}
		if len(pending) < r.cfg.BatchSize {
			return total, nil
		}
	}
}

func (r *EventRelay) publish(ctx context.Context, ev domain.Event) error {
	if r.bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("event_relay: marshal event %d: %w", ev.Seq, err)
		}
		if r.cfg.Channel != "" {
			if err := r.bus.Publish(ctx, r.cfg.Channel, payload); err != nil {
				return fmt.Errorf("event_relay: publish event %d: %w", ev.Seq, err)
			}
		}
		if r.cfg.Stream != "" {
			if err := r.bus.StreamAppend(ctx, r.cfg.Stream, payload); err != nil {
				return fmt.Errorf("event_relay: stream event %d: %w", ev.Seq, err)
			}
		}
	}

	// A chat outage must not hold back the outbox.
	if r.notifier != nil {
		if err := r.notifier.NotifyEvent(ctx, ev); err != nil {
			r.logger.WarnContext(ctx, "event_relay: notify failed",
				slog.Uint64("seq", ev.Seq),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
