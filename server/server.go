// Package server exposes configured agents over HTTP. Runs are invoked
// synchronously or streamed as Server-Sent Events; the files endpoints read
// through the agent's backend.
//
//	GET  /agents
//	POST /agents/{name}/invoke   {"input": "..."} or {"messages": [...]}
//	POST /agents/{name}/stream   same body, text/event-stream response
//	GET  /agents/{name}/files?prefix=/
//	GET  /agents/{name}/files/read?path=/a.md&offset=0&limit=0
//	GET  /traces
//	GET  /traces/{id}
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"wick_core/agent"
	"wick_core/backend"
	"wick_core/sse"
	"wick_core/tracing"
)

// Builder assembles a fresh agent for one request.
type Builder func(ctx context.Context, name string) (*agent.Agent, error)

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	// Agents lists the agent names Build accepts.
	Agents func() []string
	Build  Builder

	// Tracer, when set, must be one of the hooks Build installs; runs are
	// finished on it and their traces served from its store.
	Tracer *tracing.Hook

	Logger    *zap.Logger
	KeepAlive time.Duration
}

type handler struct {
	deps Deps
	log  *zap.Logger
}

// New returns the HTTP handler for deps.
func New(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.KeepAlive <= 0 {
		deps.KeepAlive = 15 * time.Second
	}
	h := &handler{deps: deps, log: deps.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /agents", h.listAgents)
	mux.HandleFunc("POST /agents/{name}/invoke", h.invoke)
	mux.HandleFunc("POST /agents/{name}/stream", h.stream)
	mux.HandleFunc("GET /agents/{name}/files", h.listFiles)
	mux.HandleFunc("GET /agents/{name}/files/read", h.readFile)
	mux.HandleFunc("GET /traces", h.listTraces)
	mux.HandleFunc("GET /traces/{id}", h.getTrace)
	return mux
}

type invokeRequest struct {
	Input    string `json:"input"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// input converts the request body into run input. Only user and assistant
// turns are accepted; tool and system turns belong to the agent loop.
func (req invokeRequest) input() ([]agent.Message, error) {
	var msgs agent.Messages
	for i, m := range req.Messages {
		switch m.Role {
		case agent.RoleUser:
			msgs = msgs.Human(m.Content)
		case agent.RoleAssistant:
			msgs = msgs.AI(m.Content)
		default:
			return nil, fmt.Errorf("messages[%d]: role %q is not accepted", i, m.Role)
		}
	}
	if req.Input != "" {
		msgs = msgs.Human(req.Input)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("input or messages is required")
	}
	if err := msgs.Validate(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (h *handler) listAgents(w http.ResponseWriter, r *http.Request) {
	names := []string{}
	if h.deps.Agents != nil {
		names = append(names, h.deps.Agents()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": names})
}

// prepare decodes the body and builds the named agent, writing the error
// response itself when it fails.
func (h *handler) prepare(w http.ResponseWriter, r *http.Request) (*agent.Agent, []agent.Message, bool) {
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return nil, nil, false
	}
	msgs, err := req.input()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return nil, nil, false
	}
	a, ok := h.build(w, r)
	return a, msgs, ok
}

func (h *handler) build(w http.ResponseWriter, r *http.Request) (*agent.Agent, bool) {
	name := r.PathValue("name")
	if !h.known(name) {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown agent %q", name))
		return nil, false
	}
	a, err := h.deps.Build(r.Context(), name)
	if err != nil {
		h.log.Error("agent assembly failed", zap.String("agent", name), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return a, true
}

func (h *handler) known(name string) bool {
	if h.deps.Agents == nil {
		return true
	}
	for _, n := range h.deps.Agents() {
		if n == name {
			return true
		}
	}
	return false
}

type runResponse struct {
	*agent.Result
	TraceID string `json:"trace_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *handler) finish(res *agent.Result, err error) runResponse {
	out := runResponse{Result: res}
	if err != nil {
		out.Error = err.Error()
	}
	if h.deps.Tracer != nil {
		if tr := h.deps.Tracer.Finish(res); tr != nil {
			out.TraceID = tr.TraceID
		}
	}
	return out
}

func (h *handler) invoke(w http.ResponseWriter, r *http.Request) {
	a, msgs, ok := h.prepare(w, r)
	if !ok {
		return
	}
	res, err := a.Run(r.Context(), msgs...)
	writeJSON(w, http.StatusOK, h.finish(res, err))
}

func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	a, msgs, ok := h.prepare(w, r)
	if !ok {
		return
	}
	sw := sse.NewWriter(w)
	if sw == nil {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	eventCh := make(chan agent.Event, 64)
	type outcome struct {
		res *agent.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := a.RunStream(ctx, eventCh, msgs...)
		done <- outcome{res, err}
	}()

	ping := time.NewTicker(h.deps.KeepAlive)
	defer ping.Stop()
	for open := true; open; {
		select {
		case ev, more := <-eventCh:
			if !more {
				open = false
				continue
			}
			if ev.Event == agent.EventDone {
				// sent below with the result
				continue
			}
			if err := sw.Send(ev.Event, ev); err != nil {
				// client gone; keep draining until the run stops
				cancel()
			}
		case <-ping.C:
			_ = sw.Comment("ping")
		}
	}
	o := <-done
	_ = sw.Send(agent.EventDone, h.finish(o.res, o.err))
}

func (h *handler) listFiles(w http.ResponseWriter, r *http.Request) {
	a, ok := h.build(w, r)
	if !ok {
		return
	}
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = "/"
	}
	entries, err := a.Config().Backend.List(r.Context(), prefix)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	if entries == nil {
		entries = []backend.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *handler) readFile(w http.ResponseWriter, r *http.Request) {
	a, ok := h.build(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	offset, err1 := atoi(q.Get("offset"))
	limit, err2 := atoi(q.Get("limit"))
	if err1 != nil || err2 != nil {
		writeJSONError(w, http.StatusBadRequest, "offset and limit must be integers")
		return
	}
	content, err := a.Config().Backend.Read(r.Context(), q.Get("path"), offset, limit)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": q.Get("path"), "content": content})
}

func (h *handler) listTraces(w http.ResponseWriter, r *http.Request) {
	if h.deps.Tracer == nil {
		writeJSONError(w, http.StatusNotFound, "tracing is disabled")
		return
	}
	limit, err := atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 20
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": h.deps.Tracer.Store().List(limit)})
}

func (h *handler) getTrace(w http.ResponseWriter, r *http.Request) {
	if h.deps.Tracer == nil {
		writeJSONError(w, http.StatusNotFound, "tracing is disabled")
		return
	}
	tr := h.deps.Tracer.Store().Get(r.PathValue("id"))
	if tr == nil {
		writeJSONError(w, http.StatusNotFound, "trace not found")
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeBackendError(w http.ResponseWriter, err error) {
	kind := backend.Kind(err)
	status := http.StatusInternalServerError
	switch kind {
	case "validation":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "permission_denied":
		status = http.StatusForbidden
	case "unsupported":
		status = http.StatusNotImplemented
	case "conflict":
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind})
}
