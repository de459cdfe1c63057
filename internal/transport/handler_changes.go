package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/accredit/internal/observability"
	"github.com/pitabwire/accredit/model"
)

const heartbeatInterval = 15 * time.Second

// changes streams change events as server-sent events. Subscribing to every
// entity requires the application list capability.
func (h *handlers) changes(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	entityID := r.URL.Query().Get("entity_id")
	if entityID == "" && !rctx.Can(model.CapApplicationList) {
		WriteError(w, r, model.NewNotAuthorizedError("entity_id is required"))
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	events, unsubscribe := h.deps.Changes.Subscribe(r.Context(), entityID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	if err := rc.Flush(); err != nil {
		observability.RequestLogger(r.Context(), h.logger).Warn("change stream cannot flush", zap.Error(err))
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	var seq int
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			seq++
			fmt.Fprintf(w, "id: %d\nevent: change\ndata: %s\n\n", seq, data)
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
