package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
)

// EventService reads the committed event log.
type EventService interface {
	Events(ctx context.Context, after uint64, limit int) ([]domain.Event, error)
}

// EventHandler serves the event log.
type EventHandler struct {
	svc    EventService
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler reading the committed event log
// from svc.
func NewEventHandler(svc EventService, logger *slog.Logger) *EventHandler {
	return &EventHandler{svc: svc, logger: logger.With(slog.String("handler", "events"))}
}

type eventsResponse struct {
	Events  []domain.Event `json:"events"`
	LastSeq uint64         `json:"last_seq"`
}

// List returns events with seq > after in commit order.
// GET /api/events?after=&limit=
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	after, limit, err := pageParams(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	evs, err := h.svc.Events(r.Context(), after, limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if evs == nil {
		evs = []domain.Event{}
	}
	resp := eventsResponse{Events: evs, LastSeq: after}
	if len(evs) > 0 {
		resp.LastSeq = evs[len(evs)-1].Seq
	}
	writeJSON(w, http.StatusOK, resp)
}
