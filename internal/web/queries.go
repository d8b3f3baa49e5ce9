package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/lucasnoah/phasefactory/internal/analytics"
	"github.com/lucasnoah/phasefactory/internal/events"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

// historyPage is how many events one storage read covers.
const historyPage = 1000

// history returns logged events after seq that match f, the newest limit
// of them when limit > 0, in seq order.
func history(ctx context.Context, log *events.Log, f events.Filter, after uint64, limit int) ([]events.Event, error) {
	last, err := log.LastSeq(ctx)
	if err != nil {
		return nil, err
	}
	var out []events.Event
	for from := after + 1; from <= last; from += historyPage {
		page, err := log.ReadRange(ctx, from, min(from+historyPage-1, last))
		if err != nil {
			return nil, fmt.Errorf("read events from %d: %w", from, err)
		}
		for _, e := range page {
			if f.Match(e) {
				out = append(out, e)
			}
		}
		if limit > 0 && len(out) > 2*limit {
			out = append(out[:0], out[len(out)-limit:]...)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func badParam(name, msg string) error {
	return &pipeline.ValidationError{Field: name, Message: msg}
}

// handleHistory returns stored events as JSON: ?item=, ?kind=, ?since=
// and ?limit= (newest N).
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	f, since, err := streamFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, badParam("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}
	evs, err := history(r.Context(), s.backend.Log(), f, since, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// handleStats folds the whole log into phase, review and throughput
// stats. ?since= takes a duration ("24h", "7d") or an RFC 3339 time.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	since, err := analytics.ParseSince(r.URL.Query().Get("since"), time.Now())
	if err != nil {
		writeError(w, badParam("since", err.Error()))
		return
	}
	evs, err := history(r.Context(), s.backend.Log(), events.Filter{}, 0, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	rep, err := analytics.Compute(evs, since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
