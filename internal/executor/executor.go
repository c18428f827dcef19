// Package executor runs the per-request path: bind against a tool's
// input schema, obtain a healthy session from the supervisor, call the
// tool with a growing deadline and bounded retries, and map the outcome
// to an HTTP status.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/toolmesh/toolproxy/internal/config"
	"github.com/toolmesh/toolproxy/internal/reconnect"
	"github.com/toolmesh/toolproxy/internal/upstream"
)

// Supervisor is the narrow slice of *supervisor.Supervisor the executor
// depends on, kept as an interface so tests can exercise retry/backoff
// logic without a real transport.
type Supervisor interface {
	EnsureHealthy(ctx context.Context) (upstream.Session, error)
	Session() (upstream.Session, []upstream.ToolDescriptor)
	RecordToolError(err error)
	RecordCallSuccess()
	NotifyCallFailure(ctx context.Context, err error)
	Classifier() *reconnect.Classifier
}

// ErrorBody is the JSON shape returned for every non-2xx outcome.
type ErrorBody struct {
	Detail ErrorDetail `json:"detail"`
}

type ErrorDetail struct {
	Message string `json:"message"`
}

// Result is the outcome of one Execute call: either a 2xx with Body set
// to the normalized response, or a non-2xx with Body set to an ErrorBody.
type Result struct {
	StatusCode int
	Body       any
}

// Executor runs calls against one upstream's current catalog.
type Executor struct {
	upstreamName string
	sup          Supervisor
	cfg          config.Config
	callDesc     config.Upstream
	overrides    *config.Overrides

	mu    sync.RWMutex
	tools map[string]*CompiledTool
}

// New builds an Executor for one upstream, compiling its initial catalog.
// overrides may be nil, meaning no operator overrides are active.
func New(desc config.Upstream, cfg config.Config, sup Supervisor, tools []upstream.ToolDescriptor, overrides *config.Overrides) (*Executor, error) {
	compiled, err := Compile(tools)
	if err != nil {
		return nil, err
	}
	return &Executor{
		upstreamName: desc.Name,
		sup:          sup,
		cfg:          cfg,
		callDesc:     desc,
		overrides:    overrides,
		tools:        compiled,
	}, nil
}

// effectiveCallAttempts resolves the per-call attempt budget in priority
// order: live operator override (hot-reloadable), then the upstream's own
// config override, then the process-wide default.
func (e *Executor) effectiveCallAttempts() int {
	if e.overrides != nil {
		if n, ok := e.overrides.MaxCallAttemptsFor(e.upstreamName); ok {
			return n
		}
	}
	return e.callDesc.EffectiveCallAttempts(e.cfg.CallAttempts)
}

// UpdateCatalog recompiles the tool set. Intended to be wired as the
// supervisor's CatalogListener so a re-enumeration after reconnect keeps
// the executor's schemas in sync.
func (e *Executor) UpdateCatalog(_ string, tools []upstream.ToolDescriptor) {
	compiled, err := Compile(tools)
	if err != nil {
		// Keep serving the previous catalog; a malformed schema on one
		// upstream's re-enumeration should not take down request handling
		// for tools that did compile.
		return
	}
	e.mu.Lock()
	e.tools = compiled
	e.mu.Unlock()
}

// Tools returns the currently compiled catalog, for endpoint registration.
func (e *Executor) Tools() []*CompiledTool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*CompiledTool, 0, len(e.tools))
	for _, t := range e.tools {
		out = append(out, t)
	}
	return out
}

func (e *Executor) tool(name string) (*CompiledTool, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tools[name]
	return t, ok
}

// Execute runs the full per-request path for one tool call.
func (e *Executor) Execute(ctx context.Context, toolName string, args map[string]any) *Result {
	ct, ok := e.tool(toolName)
	if !ok {
		return &Result{StatusCode: 404, Body: ErrorBody{Detail: ErrorDetail{Message: fmt.Sprintf("unknown tool %q", toolName)}}}
	}

	if err := ct.Bind(args); err != nil {
		return &Result{StatusCode: 422, Body: ErrorBody{Detail: ErrorDetail{Message: err.Error()}}}
	}

	session, err := e.sup.EnsureHealthy(ctx)
	if err != nil {
		return &Result{StatusCode: 503, Body: ErrorBody{Detail: ErrorDetail{Message: "upstream unavailable: " + err.Error()}}}
	}

	maxAttempts := e.effectiveCallAttempts()
	if maxAttempts <= 0 {
		maxAttempts = config.DefaultCallAttempts
	}
	baseTimeout := e.callDesc.CallTimeout
	if baseTimeout <= 0 {
		baseTimeout = e.cfg.CallBaseTimeout
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			if backoff > 5*time.Second {
				backoff = 5 * time.Second
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return e.mapFailure(ctx.Err())
			}

			e.sup.NotifyCallFailure(ctx, lastErr)
			session, err = e.sup.EnsureHealthy(ctx)
			if err != nil {
				lastErr = err
				continue
			}
		}

		deadline := baseTimeout + time.Duration(attempt)*10*time.Second
		callCtx, cancel := context.WithTimeout(ctx, deadline)
		result, callErr := session.CallTool(callCtx, toolName, args)
		cancel()

		if callErr != nil {
			lastErr = callErr
			continue
		}

		if result.IsError {
			e.sup.RecordToolError(errors.New(toolErrorMessage(result.Content)))
			return &Result{StatusCode: 500, Body: ErrorBody{Detail: ErrorDetail{Message: toolErrorMessage(result.Content)}}}
		}

		e.sup.RecordCallSuccess()
		return &Result{StatusCode: 200, Body: upstream.Collapse(result.Content)}
	}

	e.sup.NotifyCallFailure(ctx, lastErr)
	return e.mapFailure(lastErr)
}

// mapFailure implements the final-failure mapping: recoverable network
// errors map to 503 (504 specifically for pure timeouts); everything
// else maps to 500.
func (e *Executor) mapFailure(err error) *Result {
	if err == nil {
		return &Result{StatusCode: 503, Body: ErrorBody{Detail: ErrorDetail{Message: "upstream unavailable"}}}
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || strings.Contains(strings.ToLower(err.Error()), "timeout")
	if isTimeout {
		return &Result{StatusCode: 504, Body: ErrorBody{Detail: ErrorDetail{Message: err.Error()}}}
	}

	if c := e.sup.Classifier(); c != nil && c.Recoverable(err) {
		return &Result{StatusCode: 503, Body: ErrorBody{Detail: ErrorDetail{Message: err.Error()}}}
	}

	return &Result{StatusCode: 500, Body: ErrorBody{Detail: ErrorDetail{Message: err.Error()}}}
}

// toolErrorMessage extracts the textual message from a tool's error
// content, per design doc §4.5 step 4: "extract the textual message."
func toolErrorMessage(content []any) string {
	for _, item := range content {
		if s, ok := item.(string); ok {
			return s
		}
	}
	if len(content) > 0 {
		return fmt.Sprintf("%v", content[0])
	}
	return "tool execution failed"
}
