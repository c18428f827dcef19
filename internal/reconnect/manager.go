package reconnect

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/toolmesh/toolproxy/internal/config"
	"github.com/toolmesh/toolproxy/internal/health"
	"github.com/toolmesh/toolproxy/internal/upstream"
)

// Opener establishes a fresh Session for an upstream. The supervisor
// implements this by wiring in transport.Build + upstream.Connect; keeping
// it as a function type here lets tests substitute a fake opener without
// depending on a real transport.
type Opener func(ctx context.Context) (upstream.Session, []upstream.ToolDescriptor, error)

// Manager decides whether and when to reconnect a single upstream and
// performs the atomic session swap. One Manager exists per upstream.
type Manager struct {
	name       string
	status     *health.Store
	classifier *Classifier
	open       Opener

	cfg config.Config

	mu sync.Mutex // the upstream's reconnect lock; at most one reconnect runs at a time
}

// NewManager builds a reconnect Manager for one upstream.
func NewManager(name string, status *health.Store, classifier *Classifier, cfg config.Config, open Opener) *Manager {
	return &Manager{name: name, status: status, classifier: classifier, cfg: cfg, open: open}
}

// ShouldReconnect reports whether the throttle in design doc §4.4 permits
// a reconnect attempt right now, given the error that triggered the check.
func (m *Manager) ShouldReconnect(err error) bool {
	critical := m.classifier.Critical(err)
	return m.status.ShouldReconnect(m.name, critical, m.cfg.ErrorCountThreshold, m.cfg.ReconnectMaxAttempts, m.cfg.ReconnectMinInterval)
}

// Recoverable reports whether err's signature permits a reconnect attempt
// at all (distinct from the throttle, which additionally rate-limits).
func (m *Manager) Recoverable(err error) bool {
	return m.classifier.Recoverable(err)
}

// Reconnect runs one atomic reconnect cycle under the upstream's
// reconnect lock: if the session has already been restored by a
// concurrent caller, it returns a nil session and nil error without doing
// any work; otherwise it opens a fresh channel, and on success resets the
// status counters and returns the new session and catalog for the caller
// to swap in as current.
func (m *Manager) Reconnect(ctx context.Context, currentlyHealthy func() bool) (upstream.Session, []upstream.ToolDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if currentlyHealthy() {
		return nil, nil, nil
	}

	m.status.EnterReconnecting(m.name)
	m.status.RecordReconnectAttempt(m.name)

	session, tools, err := m.openWithBackoff(ctx)
	if err != nil {
		m.status.RecordReconnectFailure(m.name, err)
		slog.Warn("reconnect attempt failed", "upstream", m.name, "error", err)
		return nil, nil, err
	}

	m.status.RecordSuccess(m.name)
	slog.Info("reconnect succeeded", "upstream", m.name)
	return session, tools, nil
}

// openWithBackoff retries the transport open up to 3 times with
// exponential backoff (2^attempt seconds, capped at 5s), per design doc
// §4.4 "Backoff."
func (m *Manager) openWithBackoff(ctx context.Context) (upstream.Session, []upstream.ToolDescriptor, error) {
	const maxAttempts = 3
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt))) * time.Second
			if delay > config.DefaultReconnectBackoffCap {
				delay = config.DefaultReconnectBackoffCap
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}

		session, tools, err := m.open(ctx)
		if err == nil {
			return session, tools, nil
		}
		lastErr = err
		slog.Debug("reconnect transport open failed, retrying", "upstream", m.name, "attempt", attempt+1, "error", err)
	}
	return nil, nil, fmt.Errorf("upstream %q: reconnect exhausted %d attempts: %w", m.name, maxAttempts, lastErr)
}
