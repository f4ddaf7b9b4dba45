package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/safesats/safesats/internal/session"
)

// handleStream pushes session updates as server-sent events. The first event is
// a snapshot of the current view; the stream ends when the session closes or
// the client falls too far behind, and the client is expected to reconnect.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	updates, detach := sess.Attach()
	defer detach()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	logger := s.logger.With(zap.String("user", sess.UserID()))

	if err := writeEvent(w, session.EventSnapshot, sess.View()); err != nil {
		logger.Debug("stream initial snapshot", zap.Error(err))
		return
	}
	flusher.Flush()

	// send a comment heartbeat so proxies keep the connection
	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case u, ok := <-updates:
			if !ok {
				logger.Debug("stream closed by session")
				return
			}
			if err := writeEvent(w, u.Event, u.Data); err != nil {
				logger.Debug("stream write", zap.String("event", u.Event), zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	return nil
}
