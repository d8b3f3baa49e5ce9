package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/lucasnoah/phasefactory/internal/engine"
	"github.com/lucasnoah/phasefactory/internal/peer"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
	"github.com/lucasnoah/phasefactory/internal/protocol"
	"github.com/lucasnoah/phasefactory/internal/queue"
	"github.com/lucasnoah/phasefactory/internal/supervisor"
)

// maxBody caps a plan submission.
const maxBody = 4 << 20

// ErrorBody is the JSON shape of every API error.
type ErrorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// CommandRequest is the optional body of an item command.
type CommandRequest struct {
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the engine's error taxonomy onto status codes.
func writeError(w http.ResponseWriter, err error) {
	body := ErrorBody{Error: err.Error()}
	status := http.StatusInternalServerError
	var ve *pipeline.ValidationError
	var te *pipeline.TransitionError
	var se *pipeline.SpawnError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
		body.Field = ve.Field
	case errors.Is(err, pipeline.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &te), errors.As(err, &se):
		status = http.StatusConflict
	}
	writeJSON(w, status, body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	agents := s.backend.Agents()
	failed := 0
	for _, h := range agents {
		if h.Status == supervisor.StatusFailed {
			failed++
		}
	}
	status := http.StatusOK
	state := "ok"
	if failed > 0 {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":        state,
		"node":          s.backend.Node(),
		"agents":        len(agents),
		"failed_agents": failed,
	})
}

func (s *Server) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	var p queue.Plan
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		writeError(w, &pipeline.ValidationError{Field: "body", Message: "invalid plan JSON: " + err.Error()})
		return
	}
	res, err := s.backend.SubmitPlan(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// PlanStatus is the GET /api/plans/{id} response.
type PlanStatus struct {
	PlanID string              `json:"plan_id"`
	Done   bool                `json:"done"`
	Counts map[string]int      `json:"counts"`
	Items  []pipeline.WorkItem `json:"items"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	items, err := s.backend.Status(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, planStatus(id, items))
}

func planStatus(id string, items []pipeline.WorkItem) PlanStatus {
	ps := PlanStatus{PlanID: id, Done: true, Counts: make(map[string]int), Items: items}
	for _, it := range items {
		ps.Counts[string(it.State)]++
		if !it.State.Terminal() {
			ps.Done = false
		}
	}
	return ps
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items := s.backend.Items()
	if st := q.Get("state"); st != "" {
		items = slices.DeleteFunc(items, func(it pipeline.WorkItem) bool { return string(it.State) != st })
	}
	if plan := q.Get("plan"); plan != "" {
		items = slices.DeleteFunc(items, func(it pipeline.WorkItem) bool { return it.PlanID != plan })
	}
	if items == nil {
		items = []pipeline.WorkItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	it, err := s.backend.Item(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

var commandOps = []protocol.CommandOp{protocol.OpCancel, protocol.OpReopen, protocol.OpRetry, protocol.OpUnblock}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	op := protocol.CommandOp(r.PathValue("op"))
	if !slices.Contains(commandOps, op) {
		http.NotFound(w, r)
		return
	}
	var req CommandRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
			writeError(w, &pipeline.ValidationError{Field: "body", Message: "invalid command JSON: " + err.Error()})
			return
		}
	}
	id := r.PathValue("id")
	if err := s.backend.Command(r.Context(), op, id, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	it, err := s.backend.Item(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.backend.Agents()
	if agents == nil {
		agents = []supervisor.Handle{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleEscalations(w http.ResponseWriter, r *http.Request) {
	esc := s.backend.Escalations()
	if esc == nil {
		esc = []engine.Escalation{}
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	views := s.backend.Peers()
	if views == nil {
		views = []peer.View{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handlePeerEvents(w http.ResponseWriter, r *http.Request) {
	after, err := uintParam(r, "after")
	if err != nil {
		writeError(w, err)
		return
	}
	evs, err := s.backend.PeerEvents(r.PathValue("origin"), after)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

func uintParam(r *http.Request, name string) (uint64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, &pipeline.ValidationError{Field: name, Message: "must be a non-negative integer"}
	}
	return n, nil
}

// ---- Dashboard ----

// DashboardData feeds the dashboard template.
type DashboardData struct {
	Node        string
	Counts      map[string]int
	Items       []pipeline.WorkItem
	Agents      []supervisor.Handle
	Escalations []engine.Escalation
	Peers       []peer.View
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	items := s.backend.Items()
	data := DashboardData{
		Node:        s.backend.Node(),
		Counts:      make(map[string]int),
		Items:       items,
		Agents:      s.backend.Agents(),
		Escalations: s.backend.Escalations(),
		Peers:       s.backend.Peers(),
	}
	for _, it := range items {
		data.Counts[string(it.State)]++
	}
	slices.Reverse(data.Items)
	if err := s.dashboardTmpl.ExecuteTemplate(w, "base", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
