package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/termfi/termvault/internal/domain"
)

// Stream paging bounds. The durable stream is capped at the Redis side, so
// the maximum page is a courtesy, not a safety limit.
const (
	defaultEventPage = 50
	maxEventPage     = 1000
)

// StreamSource defines what the event handler needs from the signal bus.
type StreamSource interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// EventHandler serves the durable vault event stream. The WebSocket feed
// carries live events; this endpoint replays what a disconnected consumer
// missed.
type EventHandler struct {
	bus    StreamSource
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler reading from the given bus.
func NewEventHandler(bus StreamSource, logger *slog.Logger) *EventHandler {
	return &EventHandler{bus: bus, logger: logger}
}

// streamEventDTO is the JSON shape of one durable stream entry. The payload
// is embedded verbatim; services publish flat JSON objects.
type streamEventDTO struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// ListEvents pages through the durable vault event stream. after is a Redis
// stream ID to resume from; entries strictly after it are returned, and the
// response's last_id feeds the next call. Omitting after reads from the
// beginning of the retained stream.
// GET /api/events?after=1726-0&limit=50
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	limit := queryInt(r, "limit", defaultEventPage)
	if limit <= 0 || limit > maxEventPage {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}

	msgs, err := h.bus.StreamRead(r.Context(), domain.StreamEvents, after, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: event stream read failed",
			slog.String("after", after),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	out := make([]streamEventDTO, 0, len(msgs))
	lastID := after
	for _, m := range msgs {
		out = append(out, streamEventDTO{ID: m.ID, Event: json.RawMessage(m.Payload)})
		lastID = m.ID
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events":  out,
		"count":   len(out),
		"last_id": lastID,
	})
}
