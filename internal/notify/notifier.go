// Package notify forwards selected ledger events to chat channels.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans an event out to every Sender. Only kinds listed at
// construction are forwarded; an empty list forwards everything.
type Notifier struct {
	senders []Sender
	kinds   map[domain.EventKind]bool
	logger  *slog.Logger
}

// NewNotifier builds a Notifier for the given senders and event kinds.
func NewNotifier(senders []Sender, kinds []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventKind]bool, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			allowed[domain.EventKind(k)] = true
		}
	}
	return &Notifier{
		senders: senders,
		kinds:   allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Wants reports whether events of kind k pass the filter.
func (n *Notifier) Wants(k domain.EventKind) bool {
	return len(n.kinds) == 0 || n.kinds[k]
}

// NotifyEvent renders ev and delivers it if its kind passes the filter.
func (n *Notifier) NotifyEvent(ctx context.Context, ev domain.Event) error {
	if !n.Enabled() {
		return nil
	}
	if !n.Wants(ev.Kind) {
		n.logger.DebugContext(ctx, "notifier: event filtered out",
			slog.String("kind", string(ev.Kind)),
			slog.Uint64("seq", ev.Seq),
		)
		return nil
	}
	return n.dispatch(ctx, Title(ev), Message(ev))
}

// dispatch tries every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var failed []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "notifier: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			failed = append(failed, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notifier: sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(failed) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(failed), strings.Join(failed, "; "))
	}
	return nil
}
