package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lucasnoah/phasefactory/internal/events"
)

// streamBuffer sizes one client's subscription. A client that falls
// further behind loses events and can resume with ?since=.
const streamBuffer = 256

const keepAliveInterval = 15 * time.Second

var upgrader = websocket.Upgrader{
	// The API is meant for local tooling; the dashboard may be served from
	// another port during development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamFilter reads ?item=, ?kind= (repeatable or comma separated) and
// ?since=. Last-Event-ID overrides since for reconnecting SSE clients.
func streamFilter(r *http.Request) (events.Filter, uint64, error) {
	q := r.URL.Query()
	f := events.Filter{ItemID: q.Get("item")}
	for _, raw := range q["kind"] {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name == "" {
				continue
			}
			k, err := events.ParseKind(name)
			if err != nil {
				return f, 0, badParam("kind", err.Error())
			}
			f.Kinds = append(f.Kinds, k)
		}
	}
	since, err := uintParam(r, "since")
	if err != nil {
		return f, 0, err
	}
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		n, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return f, 0, badParam("Last-Event-ID", "must be a sequence number")
		}
		since = n
	}
	return f, since, nil
}

// follow subscribes, then replays history after since, then hands live
// events to send. Subscribing first means nothing appended while the
// history is read is missed; the seq check drops the overlap.
func (s *Server) follow(ctx context.Context, f events.Filter, since uint64, send func(events.Event) error, idle func() error) error {
	log := s.backend.Log()
	sub := log.Subscribe(f, streamBuffer)
	defer sub.Close()

	last := since
	if since > 0 {
		past, err := history(ctx, log, f, since, 0)
		if err != nil {
			return err
		}
		for _, e := range past {
			if err := send(e); err != nil {
				return err
			}
			last = e.Seq
		}
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			if e.Seq <= last {
				continue
			}
			if err := send(e); err != nil {
				return err
			}
			last = e.Seq
		case <-ticker.C:
			if err := idle(); err != nil {
				return err
			}
		}
	}
}

// handleSSE serves the event stream as Server-Sent Events. Each message
// carries the event seq as its id so browsers resume where they left off.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	f, since, err := streamFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(e events.Event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Kind, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	idle := func() error {
		if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := s.follow(r.Context(), f, since, send, idle); err != nil {
		s.logger.Debug("sse stream ended", "error", err)
	}
}

// handleWebSocket serves the same stream as JSON text frames.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	f, since, err := streamFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	// The client only ever closes; reading is how we notice.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(e events.Event) error {
		ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return ws.WriteJSON(e)
	}
	idle := func() error {
		return ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
	}
	if err := s.follow(ctx, f, since, send, idle); err != nil {
		s.logger.Debug("websocket stream ended", "error", err)
		return
	}
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}
