// Package httpapi registers the HTTP surface design doc §6.4 describes:
// one POST endpoint per upstream tool, plus /health and /metrics. The
// statusfeed's /status/ws is mounted by the app, not here. It is C7, the
// endpoint registrar — it never talks to an upstream directly, only
// through an Executor.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/toolmesh/toolproxy/internal/executor"
	"github.com/toolmesh/toolproxy/internal/health"
)

// Counters are process-wide request/reconnect totals exposed on
// /metrics alongside the per-upstream status record, per design doc
// §6.4 "implementations MAY add counters."
type Counters struct {
	requests   atomic.Int64
	reconnects atomic.Int64
}

func (c *Counters) IncRequests()   { c.requests.Add(1) }
func (c *Counters) IncReconnects() { c.reconnects.Add(1) }
func (c *Counters) Snapshot() (requests, reconnects int64) {
	return c.requests.Load(), c.reconnects.Load()
}

// Registrar mounts one upstream's endpoints onto a *http.ServeMux: one
// POST handler per tool, plus GET /health and GET /metrics scoped to that
// upstream. Multiplexed mode mounts several Registrars under distinct
// path prefixes; single-upstream mode mounts one at the root.
type Registrar struct {
	upstreamName string
	exec         *executor.Executor
	status       *health.Store
	healthy      func(ctx context.Context) bool
	startedAt    time.Time
	counters     *Counters
}

// New builds a Registrar for one upstream. healthy runs a live on-demand
// probe (wired to supervisor.Healthy by the caller) used by GET /health,
// per design doc §4.5 "a quick probe...confirms the current Session."
func New(upstreamName string, exec *executor.Executor, status *health.Store, healthy func(ctx context.Context) bool, counters *Counters, startedAt time.Time) *Registrar {
	return &Registrar{
		upstreamName: upstreamName,
		exec:         exec,
		status:       status,
		healthy:      healthy,
		startedAt:    startedAt,
		counters:     counters,
	}
}

// Mount registers every tool's POST handler plus /health and /metrics on
// mux, under prefix ("" for single-upstream mode, "/<name>" for
// multiplexed mode).
func (r *Registrar) Mount(mux *http.ServeMux, prefix string) {
	prefix = trimPrefix(prefix)
	for _, ct := range r.exec.Tools() {
		path := prefix + "/" + ct.Descriptor.Name
		mux.Handle("POST "+path, r.toolHandler(ct.Descriptor.Name))
	}
	mux.Handle("GET "+prefix+"/health", http.HandlerFunc(r.handleHealth))
	mux.Handle("GET "+prefix+"/metrics", http.HandlerFunc(r.handleMetrics))
}

func (r *Registrar) toolHandler(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.handleCall(w, req, name)
	})
}

func (r *Registrar) handleCall(w http.ResponseWriter, req *http.Request, toolName string) {
	requestID := req.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", requestID)

	if r.counters != nil {
		r.counters.IncRequests()
	}

	var args map[string]any
	if req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&args); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, executor.ErrorBody{
				Detail: executor.ErrorDetail{Message: "invalid JSON body: " + err.Error()},
			})
			return
		}
	}

	result := r.exec.Execute(req.Context(), toolName, args)
	slog.Debug("tool call handled",
		"upstream", r.upstreamName, "tool", toolName,
		"request_id", requestID, "status", result.StatusCode)
	writeJSON(w, result.StatusCode, result.Body)
}

// healthResponse is the §6.4 GET /health shape.
type healthResponse struct {
	Status         string        `json:"status"`
	ConnectionName string        `json:"connection_name"`
	Message        string        `json:"message"`
	Details        healthDetails `json:"details"`
}

type healthDetails struct {
	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error"`
	LastCheck  string `json:"last_check"`
	CheckType  string `json:"check_type"`
}

func (r *Registrar) handleHealth(w http.ResponseWriter, req *http.Request) {
	ok := r.healthy == nil || r.healthy(req.Context())
	rec := r.status.Get(r.upstreamName)

	status := "ok"
	message := "upstream responding"
	if !ok {
		status = "error"
		message = "upstream did not respond to on-demand probe"
	}

	lastCheck := ""
	if !rec.LastCheck.IsZero() {
		lastCheck = humanize.Time(rec.LastCheck)
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:         status,
		ConnectionName: r.upstreamName,
		Message:        message,
		Details: healthDetails{
			ErrorCount: rec.ErrorCount,
			LastError:  rec.LastError,
			LastCheck:  lastCheck,
			CheckType:  "on_demand",
		},
	})
}

// metricsResponse is the §6.4 GET /metrics shape, with the process-wide
// counters the mcpo-derived system monitor supplement adds.
type metricsResponse struct {
	Connection      health.Record `json:"connection"`
	Timestamp       time.Time     `json:"timestamp"`
	UptimeHuman     string        `json:"uptime"`
	TotalRequests   int64         `json:"total_requests"`
	TotalReconnects int64         `json:"total_reconnects"`
}

func (r *Registrar) handleMetrics(w http.ResponseWriter, req *http.Request) {
	rec := r.status.Get(r.upstreamName)
	var requests, reconnects int64
	if r.counters != nil {
		requests, reconnects = r.counters.Snapshot()
	}
	writeJSON(w, http.StatusOK, metricsResponse{
		Connection:      rec,
		Timestamp:       time.Now().UTC(),
		UptimeHuman:     humanize.RelTime(r.startedAt, time.Now(), "", ""),
		TotalRequests:   requests,
		TotalReconnects: reconnects,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("httpapi: encoding response failed", "error", err)
	}
}

// trimPrefix normalizes a configured path prefix to have a leading slash
// and no trailing one, so Mount's path concatenation never double- or
// zero-slashes.
func trimPrefix(p string) string {
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
