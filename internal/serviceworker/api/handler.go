// Package api provides the daemon's HTTP API.
// It exposes REST endpoints to inspect and drive the coordinator, SSE for the
// server event bus and the log stream, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zjrosen/swserver/internal/log"
	"github.com/zjrosen/swserver/internal/pubsub"
	"github.com/zjrosen/swserver/internal/serviceworker/client"
	"github.com/zjrosen/swserver/internal/serviceworker/contextmanager"
	"github.com/zjrosen/swserver/internal/serviceworker/journal"
	"github.com/zjrosen/swserver/internal/serviceworker/server"
	"github.com/zjrosen/swserver/internal/serviceworker/types"
)

// Coordinator is the query and maintenance surface of the server.
type Coordinator interface {
	Snapshot(ctx context.Context) (server.Snapshot, error)
	GetRegistrations(ctx context.Context, topOrigin types.SecurityOrigin, clientURL *url.URL) ([]types.RegistrationData, error)
	MatchRegistration(ctx context.Context, topOrigin types.SecurityOrigin, clientURL *url.URL) (*types.RegistrationData, error)
	ClearAll(ctx context.Context) (int, error)
	ClearOrigin(ctx context.Context, origin types.SecurityOrigin) (int, error)
}

// JobRunner runs jobs through a client connection.
type JobRunner interface {
	Register(ctx context.Context, req client.Request) (types.RegistrationData, error)
	Update(ctx context.Context, req client.Request) (types.RegistrationData, error)
	Unregister(ctx context.Context, topOrigin types.SecurityOrigin, clientURL, scopeURL *url.URL) (bool, error)
	// Release drops the handle a resolved Register or Update took on reg.
	Release(reg types.RegistrationData) error
}

// Workers dispatches functional events to running workers.
type Workers interface {
	Workers() []types.WorkerIdentifier
	PendingEvents(worker types.WorkerIdentifier) int
	DispatchFunctionalEvent(ctx context.Context, worker types.WorkerIdentifier, kind contextmanager.EventKind) error
}

// Controllers records which clients a worker controls.
type Controllers interface {
	StartControlling(worker types.WorkerIdentifier, client types.ClientIdentifier) error
	StopControlling(worker types.WorkerIdentifier, client types.ClientIdentifier) error
}

// History lists journaled job outcomes.
type History interface {
	List(ctx context.Context, limit int) ([]journal.Entry, error)
}

// DefaultJobTimeout bounds how long POST /jobs waits for an outcome.
const DefaultJobTimeout = 60 * time.Second

// Handler provides HTTP endpoints for coordinator operations.
type Handler struct {
	coordinator Coordinator
	jobs        JobRunner
	history     History
	workers     Workers
	controllers Controllers
	events      pubsub.FilteredSubscriber[any]
	gatherer    prometheus.Gatherer
	jobTimeout  time.Duration
}

// HandlerConfig configures the API handler.
type HandlerConfig struct {
	// Coordinator answers queries and clears registrations (required).
	Coordinator Coordinator
	// Jobs runs POST /jobs (optional). Without it the route returns 503.
	Jobs JobRunner
	// History backs GET /jobs/history (optional).
	History History
	// Workers backs GET /workers and POST /workers/{id}/events (optional).
	Workers Workers
	// Controllers backs PUT and DELETE /workers/{id}/clients/{client} (optional).
	Controllers Controllers
	// Events is the server event bus streamed by GET /events (optional).
	Events pubsub.FilteredSubscriber[any]
	// Gatherer backs GET /metrics (optional).
	Gatherer prometheus.Gatherer
	// JobTimeout bounds POST /jobs. Zero means DefaultJobTimeout.
	JobTimeout time.Duration
}

// NewHandler creates a handler exposing only the coordinator routes.
func NewHandler(c Coordinator) *Handler {
	return NewHandlerWithConfig(HandlerConfig{Coordinator: c})
}

// NewHandlerWithConfig creates a new API handler with full configuration.
func NewHandlerWithConfig(cfg HandlerConfig) *Handler {
	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	return &Handler{
		coordinator: cfg.Coordinator,
		jobs:        cfg.Jobs,
		history:     cfg.History,
		workers:     cfg.Workers,
		controllers: cfg.Controllers,
		events:      cfg.Events,
		gatherer:    cfg.Gatherer,
		jobTimeout:  timeout,
	}
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Registrations
	mux.HandleFunc("GET /registrations", h.ListRegistrations)
	mux.HandleFunc("GET /registrations/match", h.MatchRegistration)
	mux.HandleFunc("POST /registrations/clear", h.Clear)

	// Jobs
	mux.HandleFunc("POST /jobs", h.RunJob)
	mux.HandleFunc("GET /jobs/history", h.JobHistory)

	// Workers
	mux.HandleFunc("GET /workers", h.ListWorkers)
	mux.HandleFunc("POST /workers/{id}/events", h.DispatchEvent)
	mux.HandleFunc("PUT /workers/{id}/clients/{client}", h.StartControlling)
	mux.HandleFunc("DELETE /workers/{id}/clients/{client}", h.StopControlling)

	// Streaming
	mux.HandleFunc("GET /events", h.StreamEvents)
	mux.HandleFunc("GET /logs", h.StreamLogs)

	// Health and metrics
	mux.HandleFunc("GET /health", h.Health)
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// === Request/Response Types ===

// JobRequest is the request body for POST /jobs.
type JobRequest struct {
	// Type is register, update or unregister (required).
	Type string `json:"type"`
	// TopOrigin defaults to the origin of ClientURL.
	TopOrigin      string `json:"top_origin,omitempty"`
	ClientURL      string `json:"client_url"`
	ScriptURL      string `json:"script_url,omitempty"`
	ScopeURL       string `json:"scope_url"`
	UpdateViaCache string `json:"update_via_cache,omitempty"`
	WorkerType     string `json:"worker_type,omitempty"`
}

// JobResponse is the outcome of a job run through POST /jobs.
type JobResponse struct {
	ID           string                  `json:"id"`
	Type         string                  `json:"type"`
	Outcome      journal.Outcome         `json:"outcome"`
	Registration *types.RegistrationData `json:"registration,omitempty"`
	Error        *types.ExceptionData    `json:"error,omitempty"`
}

// RegistrationsResponse lists registrations visible to a client.
type RegistrationsResponse struct {
	Registrations []types.RegistrationData `json:"registrations"`
	Total         int                      `json:"total"`
}

// ClearRequest is the request body for POST /registrations/clear.
type ClearRequest struct {
	// Origin limits clearing to one top-level origin; empty clears everything.
	Origin string `json:"origin,omitempty"`
}

// ClearResponse reports how many registrations were removed.
type ClearResponse struct {
	Cleared int `json:"cleared"`
}

// HistoryResponse lists journal entries, newest first.
type HistoryResponse struct {
	Entries []journal.Entry `json:"entries"`
	Total   int             `json:"total"`
}

// WorkerStatus is one running worker context.
type WorkerStatus struct {
	ID            types.WorkerIdentifier `json:"id"`
	PendingEvents int                    `json:"pending_events"`
}

// WorkersResponse lists running worker contexts.
type WorkersResponse struct {
	Workers []WorkerStatus `json:"workers"`
	Total   int            `json:"total"`
}

// DispatchRequest is the request body for POST /workers/{id}/events.
type DispatchRequest struct {
	// Kind is fetch, message or push.
	Kind string `json:"kind"`
}

// DispatchResponse reports a functional event that ran to completion.
type DispatchResponse struct {
	Worker types.WorkerIdentifier   `json:"worker"`
	Kind   contextmanager.EventKind `json:"kind"`
}

// ControlResponse acknowledges a controlled-client change.
type ControlResponse struct {
	Worker     types.WorkerIdentifier `json:"worker"`
	Client     types.ClientIdentifier `json:"client"`
	Controlled bool                   `json:"controlled"`
}

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	Status             string `json:"status"`
	Registrations      int    `json:"registrations"`
	Workers            int    `json:"workers"`
	Connections        int    `json:"connections"`
	ContextConnections int    `json:"context_connections"`
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// === Handlers ===

// ListRegistrations lists registrations visible to a client, oldest first.
// Without query parameters it returns the full server snapshot.
// GET /registrations?top_origin=&client_url=
func (h *Handler) ListRegistrations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_url") == "" && q.Get("top_origin") == "" {
		snap, err := h.coordinator.Snapshot(r.Context())
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, "snapshot_failed", "Failed to snapshot server", err.Error())
			return
		}
		h.writeJSON(w, http.StatusOK, snap)
		return
	}

	topOrigin, clientURL, ok := h.parseClient(w, r)
	if !ok {
		return
	}
	regs, err := h.coordinator.GetRegistrations(r.Context(), topOrigin, clientURL)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "list_failed", "Failed to list registrations", err.Error())
		return
	}
	if regs == nil {
		regs = []types.RegistrationData{}
	}
	h.writeJSON(w, http.StatusOK, RegistrationsResponse{Registrations: regs, Total: len(regs)})
}

// MatchRegistration returns the registration controlling a client URL.
// GET /registrations/match?top_origin=&client_url=
func (h *Handler) MatchRegistration(w http.ResponseWriter, r *http.Request) {
	topOrigin, clientURL, ok := h.parseClient(w, r)
	if !ok {
		return
	}
	reg, err := h.coordinator.MatchRegistration(r.Context(), topOrigin, clientURL)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "match_failed", "Failed to match registration", err.Error())
		return
	}
	if reg == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "No registration matches", "")
		return
	}
	h.writeJSON(w, http.StatusOK, reg)
}

// Clear removes every registration, or those of one top-level origin.
// POST /registrations/clear
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	var req ClearRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
			return
		}
	}

	var (
		n   int
		err error
	)
	if req.Origin == "" {
		n, err = h.coordinator.ClearAll(r.Context())
	} else {
		origin, perr := types.ParseOrigin(req.Origin)
		if perr != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", "origin is not a valid origin", perr.Error())
			return
		}
		n, err = h.coordinator.ClearOrigin(r.Context(), origin)
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "clear_failed", "Failed to clear registrations", err.Error())
		return
	}
	log.Info(log.CatAPI, "Cleared registrations", "origin", req.Origin, "count", n)
	h.writeJSON(w, http.StatusOK, ClearResponse{Cleared: n})
}

// RunJob schedules a job on the daemon's client connection and waits for
// its outcome.
// POST /jobs
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		h.writeError(w, http.StatusServiceUnavailable, "jobs_unavailable", "Job submission is not enabled", "")
		return
	}

	var body JobRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	jobType, req, err := body.toRequest()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		return
	}

	id := uuid.New().String()
	ctx, cancel := context.WithTimeout(r.Context(), h.jobTimeout)
	defer cancel()
	log.Debug(log.CatAPI, "Running job", "id", id, "type", jobType.String(), "scope", body.ScopeURL)

	resp := JobResponse{ID: id, Type: jobType.String()}
	switch jobType {
	case types.JobUnregister:
		var unregistered bool
		unregistered, err = h.jobs.Unregister(ctx, req.TopOrigin, req.ClientURL, req.ScopeURL)
		resp.Outcome = journal.OutcomeNotFound
		if unregistered {
			resp.Outcome = journal.OutcomeUnregistered
		}
	default:
		run := h.jobs.Register
		if jobType == types.JobUpdate {
			run = h.jobs.Update
		}
		var reg types.RegistrationData
		reg, err = run(ctx, req)
		resp.Outcome = journal.OutcomeResolved
		resp.Registration = &reg
		if err == nil {
			// The HTTP caller holds no registration object once answered.
			defer func() {
				if err := h.jobs.Release(reg); err != nil {
					log.Warn(log.CatAPI, "Failed to release registration handle", "registration", reg.Identifier, "error", err.Error())
				}
			}()
		}
	}

	if err != nil {
		var ex types.ExceptionData
		if !errors.As(err, &ex) {
			status := http.StatusInternalServerError
			if errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
			}
			h.writeError(w, status, "job_failed", "Job did not complete", err.Error())
			return
		}
		resp.Outcome = journal.OutcomeRejected
		resp.Registration = nil
		resp.Error = &ex
		h.writeJSON(w, statusForRejection(ex.Kind), resp)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// JobHistory lists recent journaled job outcomes.
// GET /jobs/history?limit=50
func (h *Handler) JobHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeJSON(w, http.StatusOK, HistoryResponse{Entries: []journal.Entry{}})
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "validation_error", "limit must be a positive integer", s)
			return
		}
		limit = n
	}

	entries, err := h.history.List(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "history_failed", "Failed to read job history", err.Error())
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	h.writeJSON(w, http.StatusOK, HistoryResponse{Entries: entries, Total: len(entries)})
}

// StreamEvents streams server events via SSE, optionally only the kinds
// named in a comma-separated kind parameter.
// GET /events?kind=worker_state,job_settled
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		h.writeError(w, http.StatusServiceUnavailable, "events_unavailable", "Event streaming is not enabled", "")
		return
	}
	var filter func(any) bool
	if kinds := r.URL.Query().Get("kind"); kinds != "" {
		wanted := make(map[string]bool)
		for _, kind := range strings.Split(kinds, ",") {
			kind = strings.TrimSpace(kind)
			if !slices.Contains(eventNames, kind) {
				h.writeError(w, http.StatusBadRequest, "validation_error", "unknown event kind", kind)
				return
			}
			wanted[kind] = true
		}
		filter = func(payload any) bool { return wanted[eventName(payload)] }
	}
	events := h.events.SubscribeFunc(r.Context(), filter)
	streamEvents(h, w, r, events, func(ev pubsub.Event[any]) (string, any) {
		return eventName(ev.Payload), map[string]any{
			"type":      string(ev.Type),
			"timestamp": ev.Timestamp,
			"payload":   ev.Payload,
		}
	})
}

// StreamLogs streams formatted log lines via SSE.
// GET /logs
func (h *Handler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	streamEvents(h, w, r, log.Subscribe(r.Context()), func(ev pubsub.Event[string]) (string, any) {
		return "log", map[string]any{"line": ev.Payload, "timestamp": ev.Timestamp}
	})
}

// ListWorkers lists running worker contexts and their pending events.
// GET /workers
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	if h.workers == nil {
		h.writeError(w, http.StatusServiceUnavailable, "workers_unavailable", "No execution host is attached", "")
		return
	}
	ids := h.workers.Workers()
	slices.Sort(ids)
	resp := WorkersResponse{Workers: make([]WorkerStatus, 0, len(ids)), Total: len(ids)}
	for _, id := range ids {
		resp.Workers = append(resp.Workers, WorkerStatus{ID: id, PendingEvents: h.workers.PendingEvents(id)})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// DispatchEvent runs a functional event on a worker and waits for it and its
// lifetime extensions to settle. The worker counts as busy meanwhile, which
// defers its termination and its registration's teardown.
// POST /workers/{id}/events
func (h *Handler) DispatchEvent(w http.ResponseWriter, r *http.Request) {
	if h.workers == nil {
		h.writeError(w, http.StatusServiceUnavailable, "workers_unavailable", "No execution host is attached", "")
		return
	}
	worker, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body", err.Error())
		return
	}
	kind, err := contextmanager.ParseEventKind(req.Kind)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.jobTimeout)
	defer cancel()
	if err := h.workers.DispatchFunctionalEvent(ctx, types.WorkerIdentifier(worker), kind); err != nil {
		switch {
		case errors.Is(err, contextmanager.ErrUnknownWorker):
			h.writeError(w, http.StatusNotFound, "not_found", "Worker is not running", err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			h.writeError(w, http.StatusGatewayTimeout, "event_failed", "Event did not settle", err.Error())
		default:
			h.writeError(w, http.StatusUnprocessableEntity, "event_failed", "Event handler failed", err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, DispatchResponse{Worker: types.WorkerIdentifier(worker), Kind: kind})
}

// StartControlling marks a client as controlled by a worker.
// PUT /workers/{id}/clients/{client}
func (h *Handler) StartControlling(w http.ResponseWriter, r *http.Request) {
	h.setControlled(w, r, true)
}

// StopControlling marks a client as no longer controlled by a worker. The
// last controlled client leaving an uninstalling registration lets it go.
// DELETE /workers/{id}/clients/{client}
func (h *Handler) StopControlling(w http.ResponseWriter, r *http.Request) {
	h.setControlled(w, r, false)
}

func (h *Handler) setControlled(w http.ResponseWriter, r *http.Request, controlled bool) {
	if h.controllers == nil {
		h.writeError(w, http.StatusServiceUnavailable, "clients_unavailable", "Client tracking is not enabled", "")
		return
	}
	worker, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	clientID, ok := h.pathID(w, r, "client")
	if !ok {
		return
	}

	change := h.controllers.StopControlling
	if controlled {
		change = h.controllers.StartControlling
	}
	if err := change(types.WorkerIdentifier(worker), types.ClientIdentifier(clientID)); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "server_unavailable", "Change was not accepted", err.Error())
		return
	}
	h.writeJSON(w, http.StatusAccepted, ControlResponse{
		Worker:     types.WorkerIdentifier(worker),
		Client:     types.ClientIdentifier(clientID),
		Controlled: controlled,
	})
}

// Health reports daemon liveness with a few counts.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	snap, err := h.coordinator.Snapshot(r.Context())
	if err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy"})
		return
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:             "ok",
		Registrations:      len(snap.Registrations),
		Workers:            len(snap.Workers),
		Connections:        snap.Connections,
		ContextConnections: snap.ContextConnections,
	})
}

// === Helpers ===

func (b JobRequest) toRequest() (types.JobType, client.Request, error) {
	jobType, err := types.ParseJobType(b.Type)
	if err != nil {
		return jobType, client.Request{}, err
	}

	var req client.Request
	if req.ClientURL, err = parseRequiredURL("client_url", b.ClientURL); err != nil {
		return jobType, req, err
	}
	if req.ScopeURL, err = parseRequiredURL("scope_url", b.ScopeURL); err != nil {
		return jobType, req, err
	}
	if jobType != types.JobUnregister {
		if req.ScriptURL, err = parseRequiredURL("script_url", b.ScriptURL); err != nil {
			return jobType, req, err
		}
	}

	req.TopOrigin = types.OriginFromURL(req.ClientURL)
	if b.TopOrigin != "" {
		if req.TopOrigin, err = types.ParseOrigin(b.TopOrigin); err != nil {
			return jobType, req, fmt.Errorf("top_origin: %w", err)
		}
	}
	if req.Options.UpdateViaCache, err = types.ParseUpdateViaCache(b.UpdateViaCache); err != nil {
		return jobType, req, err
	}
	if req.Options.Type, err = types.ParseWorkerType(b.WorkerType); err != nil {
		return jobType, req, err
	}
	return jobType, req, nil
}

func parseRequiredURL(field, raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	u, err := types.ParseURL(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return u, nil
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil || id == 0 {
		h.writeError(w, http.StatusBadRequest, "validation_error", name+" must be a positive integer", r.PathValue(name))
		return 0, false
	}
	return id, true
}

func (h *Handler) parseClient(w http.ResponseWriter, r *http.Request) (types.SecurityOrigin, *url.URL, bool) {
	q := r.URL.Query()
	clientURL, err := parseRequiredURL("client_url", q.Get("client_url"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		return types.SecurityOrigin{}, nil, false
	}
	topOrigin := types.OriginFromURL(clientURL)
	if s := q.Get("top_origin"); s != "" {
		if topOrigin, err = types.ParseOrigin(s); err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", "top_origin is not a valid origin", err.Error())
			return types.SecurityOrigin{}, nil, false
		}
	}
	return topOrigin, clientURL, true
}

func statusForRejection(kind types.ErrorKind) int {
	switch kind {
	case types.SecurityMismatch:
		return http.StatusForbidden
	case types.ScriptFetchError:
		return http.StatusBadGateway
	case types.LifecycleConflict:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

// eventNames are the values GET /events?kind= accepts.
var eventNames = []string{"job_scheduled", "job_settled", "registration_changed", "worker_state", "controller_changed"}

func eventName(payload any) string {
	switch payload.(type) {
	case server.JobScheduledEvent:
		return "job_scheduled"
	case server.JobSettledEvent:
		return "job_settled"
	case server.RegistrationChangedEvent:
		return "registration_changed"
	case server.WorkerStateChangedEvent:
		return "worker_state"
	case server.ControllerChangedEvent:
		return "controller_changed"
	default:
		return "event"
	}
}

func streamEvents[T any](h *Handler, w http.ResponseWriter, r *http.Request, events <-chan pubsub.Event[T], render func(pubsub.Event[T]) (string, any)) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported", "")
		return
	}

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			name, body := render(ev)
			data, err := json.Marshal(body)
			if err != nil {
				log.Error(log.CatAPI, "Failed to marshal event", "error", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
			flusher.Flush()
		}
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error(log.CatAPI, "Failed to encode JSON response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, details string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	handler  *Handler
	server   *http.Server
	listener net.Listener
	port     int
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Addr is the address to listen on (e.g. "localhost:19998" or ":0").
	Addr string
	HandlerConfig
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration
}

// NewServer binds the listener and builds the server. With port 0 the OS
// picks a port; use Port to read it.
func NewServer(cfg ServerConfig) (*Server, error) {
	handler := NewHandlerWithConfig(cfg.HandlerConfig)

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	return &Server{
		handler:  handler,
		port:     port,
		listener: listener,
		server: &http.Server{
			Handler:           handler.Routes(),
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			// No write timeout: SSE streams stay open.
		},
	}, nil
}

// Start serves until the server is stopped or fails.
func (s *Server) Start() error {
	log.Info(log.CatAPI, "Starting API server", "addr", s.listener.Addr().String(), "port", s.port)
	return s.server.Serve(s.listener)
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatAPI, "Stopping API server")
	return s.server.Shutdown(ctx)
}

// Port returns the bound port.
func (s *Server) Port() int {
	return s.port
}
