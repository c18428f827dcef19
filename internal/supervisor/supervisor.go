// Package supervisor drives one upstream through its connection
// lifecycle: connecting, handshaking, enumerating, ready, reconnecting,
// stopping, stopped. It owns the current Session for that upstream and
// is the only thing allowed to replace it.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toolmesh/toolproxy/internal/config"
	"github.com/toolmesh/toolproxy/internal/health"
	"github.com/toolmesh/toolproxy/internal/reconnect"
	"github.com/toolmesh/toolproxy/internal/upstream"
)

// Phase is the supervisor's lifecycle state.
type Phase string

const (
	PhaseInit         Phase = "init"
	PhaseConnecting   Phase = "connecting"
	PhaseHandshaking  Phase = "handshaking"
	PhaseEnumerating  Phase = "enumerating"
	PhaseReady        Phase = "ready"
	PhaseReconnecting Phase = "reconnecting"
	PhaseFailed       Phase = "failed"
	PhaseStopping     Phase = "stopping"
	PhaseStopped      Phase = "stopped"
)

// CatalogListener is notified whenever a re-enumeration changes the set
// of tools an upstream exposes, so C7 can rebind endpoints in place.
type CatalogListener func(upstreamName string, tools []upstream.ToolDescriptor)

// Supervisor owns the lifecycle and current Session of one upstream.
type Supervisor struct {
	name   string
	desc   config.Upstream
	cfg    config.Config
	status *health.Store

	classifier *reconnect.Classifier
	reconnectM *reconnect.Manager

	onCatalogChange CatalogListener
	opener          reconnect.Opener

	phase atomic.Value // Phase

	mu      sync.RWMutex
	session upstream.Session
	tools   []upstream.ToolDescriptor
}

// New builds a Supervisor for one upstream, backed by the real MCP
// transport. It does not connect; call Start to run the initial connect
// sequence.
func New(desc config.Upstream, cfg config.Config, status *health.Store, classifier *reconnect.Classifier, onCatalogChange CatalogListener) *Supervisor {
	s := newSupervisor(desc, cfg, status, classifier, onCatalogChange)
	s.opener = s.defaultOpen
	s.reconnectM = reconnect.NewManager(desc.Name, status, classifier, cfg, s.open)
	return s
}

// NewWithOpener builds a Supervisor whose transport is opened by opener
// instead of a real MCP connection, for tests that substitute a fake
// Session.
func NewWithOpener(desc config.Upstream, cfg config.Config, status *health.Store, classifier *reconnect.Classifier, onCatalogChange CatalogListener, opener reconnect.Opener) *Supervisor {
	s := newSupervisor(desc, cfg, status, classifier, onCatalogChange)
	s.opener = opener
	s.reconnectM = reconnect.NewManager(desc.Name, status, classifier, cfg, s.open)
	return s
}

func newSupervisor(desc config.Upstream, cfg config.Config, status *health.Store, classifier *reconnect.Classifier, onCatalogChange CatalogListener) *Supervisor {
	s := &Supervisor{
		name:            desc.Name,
		desc:            desc,
		cfg:             cfg,
		status:          status,
		classifier:      classifier,
		onCatalogChange: onCatalogChange,
	}
	s.setPhase(PhaseInit)
	return s
}

func (s *Supervisor) setPhase(p Phase) {
	s.phase.Store(p)
}

// Phase returns the supervisor's current lifecycle phase.
func (s *Supervisor) Phase() Phase {
	p, _ := s.phase.Load().(Phase)
	if p == "" {
		return PhaseInit
	}
	return p
}

// open runs C1 -> Initialize -> ListTools against a fresh transport. It
// is the Opener the reconnect.Manager calls, and is also used for the
// initial connect.
func (s *Supervisor) open(ctx context.Context) (upstream.Session, []upstream.ToolDescriptor, error) {
	timeout := s.desc.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.opener(connectCtx)
}

func (s *Supervisor) defaultOpen(ctx context.Context) (upstream.Session, []upstream.ToolDescriptor, error) {
	return upstream.Connect(ctx, s.desc, nil)
}

// Start runs the initial connect sequence (connecting -> handshaking ->
// enumerating -> ready) with bounded retry: base 2.0s delay, 1.5x
// multiplier, capped at InitialConnectAttempts tries. On exhaustion the
// supervisor transitions to failed; the caller decides whether that
// aborts startup or merely leaves /health reporting unhealthy.
func (s *Supervisor) Start(ctx context.Context) error {
	s.setPhase(PhaseConnecting)

	delay := config.DefaultInitialConnectBaseDelay
	var lastErr error

	attempts := s.cfg.InitialConnectAttempts
	if attempts <= 0 {
		attempts = config.DefaultInitialConnectAttempts
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				s.setPhase(PhaseFailed)
				return ctx.Err()
			}
			delay = time.Duration(float64(delay) * config.DefaultInitialConnectMultiplier)
		}

		s.setPhase(PhaseHandshaking)
		session, tools, err := s.open(ctx)
		if err != nil {
			lastErr = err
			s.status.RecordError(s.name, err)
			slog.Warn("initial connect attempt failed", "upstream", s.name, "attempt", attempt+1, "error", err)
			continue
		}

		s.setPhase(PhaseEnumerating)
		s.mu.Lock()
		s.session = session
		s.tools = tools
		s.mu.Unlock()

		s.setPhase(PhaseReady)
		s.status.RecordSuccess(s.name)
		if s.onCatalogChange != nil {
			s.onCatalogChange(s.name, tools)
		}
		slog.Info("upstream ready", "upstream", s.name, "tools", len(tools))
		return nil
	}

	s.setPhase(PhaseFailed)
	return fmt.Errorf("upstream %q: initial connect exhausted %d attempts: %w", s.name, attempts, lastErr)
}

// Healthy probes the current session with a bounded-deadline ListTools
// call, distinguishing an idle-but-live session from a hard failure
// rather than trusting a stale status record.
func (s *Supervisor) Healthy(ctx context.Context) bool {
	s.mu.RLock()
	session := s.session
	s.mu.RUnlock()
	if session == nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := session.ListTools(probeCtx)
	if err != nil {
		s.status.RecordError(s.name, err)
		return false
	}
	s.status.RecordSuccess(s.name)
	return true
}

// Session returns the current session and catalog. Callers must not
// retain the Session across a reconnect; prefer calling this again on
// each use.
func (s *Supervisor) Session() (upstream.Session, []upstream.ToolDescriptor) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session, s.tools
}

// Name returns the upstream name this supervisor owns.
func (s *Supervisor) Name() string { return s.name }

// Classifier exposes the reconnect error classifier so the executor can
// tell recoverable transport failures apart from other errors when
// mapping a final retry-budget exhaustion to an HTTP status.
func (s *Supervisor) Classifier() *reconnect.Classifier { return s.classifier }

// RecordToolError records an upstream tool execution failure
// (is_error=true) against the status store. This is informational only
// — a tool error is local to the call and never triggers a reconnect.
func (s *Supervisor) RecordToolError(err error) {
	s.status.RecordError(s.name, err)
}

// RecordCallSuccess records a successful CallTool round-trip.
func (s *Supervisor) RecordCallSuccess() {
	s.status.RecordSuccess(s.name)
}

// EnsureHealthy probes the current session and, if unhealthy, runs one
// reconnect cycle through the upstream's reconnect manager, per design
// doc §4.5 step 2: "a quick probe confirms the current Session; if it
// fails, the executor requests a reconnect and waits up to one reconnect
// cycle; failure to obtain a session -> HTTP 503."
func (s *Supervisor) EnsureHealthy(ctx context.Context) (upstream.Session, error) {
	if s.Healthy(ctx) {
		session, _ := s.Session()
		return session, nil
	}

	s.setPhase(PhaseReconnecting)
	newSession, newTools, err := s.reconnectM.Reconnect(ctx, func() bool { return s.Healthy(ctx) })
	if err != nil {
		s.setPhase(PhaseReconnecting)
		return nil, err
	}

	if newSession != nil {
		s.swapSession(newSession, newTools)
	}

	s.setPhase(PhaseReady)
	session, _ := s.Session()
	if session == nil {
		return nil, fmt.Errorf("upstream %q: no session available after reconnect", s.name)
	}
	return session, nil
}

// NotifyCallFailure lets the executor report a CallTool failure so the
// supervisor's reconnect manager can decide whether to trigger a
// reconnect, without the executor needing to know the throttle rules.
func (s *Supervisor) NotifyCallFailure(ctx context.Context, err error) {
	s.status.RecordError(s.name, err)
	if !s.reconnectM.Recoverable(err) {
		return
	}
	if !s.reconnectM.ShouldReconnect(err) {
		return
	}

	s.setPhase(PhaseReconnecting)
	newSession, newTools, rerr := s.reconnectM.Reconnect(ctx, func() bool { return s.Healthy(ctx) })
	if rerr != nil {
		s.setPhase(PhaseReconnecting)
		return
	}
	if newSession != nil {
		s.swapSession(newSession, newTools)
	}
	s.setPhase(PhaseReady)
}

func (s *Supervisor) swapSession(newSession upstream.Session, newTools []upstream.ToolDescriptor) {
	s.mu.Lock()
	old := s.session
	s.session = newSession
	catalogChanged := !sameToolNames(s.tools, newTools)
	s.tools = newTools
	s.mu.Unlock()

	if old != nil {
		// The old Session enters draining; there is no in-flight borrower
		// tracking here because CallTool already completed or timed out
		// by the time a reconnect is triggered, so a direct close is safe.
		old.Close()
	}
	if catalogChanged && s.onCatalogChange != nil {
		s.onCatalogChange(s.name, newTools)
	}
}

func sameToolNames(a, b []upstream.ToolDescriptor) bool {
	if len(a) != len(b) {
		return false
	}
	names := make(map[string]bool, len(a))
	for _, t := range a {
		names[t.Name] = true
	}
	for _, t := range b {
		if !names[t.Name] {
			return false
		}
	}
	return true
}

// Stop cancels any in-flight work with a bounded grace window, closes the
// current session, then the transport beneath it (the session owns its
// transport's lifetime in the MCP SDK, so closing it is sufficient).
func (s *Supervisor) Stop(ctx context.Context) error {
	s.setPhase(PhaseStopping)
	defer s.setPhase(PhaseStopped)

	s.mu.Lock()
	session := s.session
	s.session = nil
	s.mu.Unlock()

	if session == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- session.Close() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("upstream %q: shutdown grace window exceeded", s.name)
	}
}
