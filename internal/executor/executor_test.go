package executor

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/toolmesh/toolproxy/internal/config"
	"github.com/toolmesh/toolproxy/internal/reconnect"
	"github.com/toolmesh/toolproxy/internal/upstream"
)

// writeOverrides writes raw YAML to path, for tests that exercise the
// executor's per-upstream attempt override without a live fsnotify watcher.
func writeOverrides(path, yaml string) error {
	return os.WriteFile(path, []byte(yaml), 0o644)
}

type fakeSupervisor struct {
	ensureHealthyErr error
	ensureCalls      int
	notifyCalls      int
	toolErrors       []error
	successes        int
	session          upstream.Session
}

func (f *fakeSupervisor) EnsureHealthy(ctx context.Context) (upstream.Session, error) {
	f.ensureCalls++
	if f.ensureHealthyErr != nil {
		return nil, f.ensureHealthyErr
	}
	return f.session, nil
}
func (f *fakeSupervisor) Session() (upstream.Session, []upstream.ToolDescriptor) { return f.session, nil }
func (f *fakeSupervisor) RecordToolError(err error)                             { f.toolErrors = append(f.toolErrors, err) }
func (f *fakeSupervisor) RecordCallSuccess()                                    { f.successes++ }
func (f *fakeSupervisor) NotifyCallFailure(ctx context.Context, err error)      { f.notifyCalls++ }
func (f *fakeSupervisor) Classifier() *reconnect.Classifier {
	c, _ := reconnect.NewClassifier(nil)
	return c
}

type scriptedSession struct {
	calls   int
	results []scriptedCall
}

type scriptedCall struct {
	result *upstream.CallResult
	err    error
}

func (s *scriptedSession) ListTools(ctx context.Context) ([]upstream.ToolDescriptor, error) {
	return nil, nil
}
func (s *scriptedSession) CallTool(ctx context.Context, name string, args map[string]any) (*upstream.CallResult, error) {
	i := s.calls
	s.calls++
	if i >= len(s.results) {
		return nil, errors.New("no more scripted calls")
	}
	return s.results[i].result, s.results[i].err
}
func (s *scriptedSession) Close() error { return nil }

func addTool() upstream.ToolDescriptor {
	return upstream.ToolDescriptor{
		Name: "add",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "integer"},
				"b": map[string]any{"type": "integer"},
			},
			"required": []any{"a", "b"},
		},
	}
}

func testConfig() config.Config {
	return config.Config{CallAttempts: 4, CallBaseTimeout: 30_000_000_000}
}

func TestExecute_HappyPath(t *testing.T) {
	session := &scriptedSession{results: []scriptedCall{
		{result: &upstream.CallResult{Content: []any{"5"}}},
	}}
	sup := &fakeSupervisor{session: session}
	ex, err := New(config.Upstream{Name: "calc"}, testConfig(), sup, []upstream.ToolDescriptor{addTool()}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := ex.Execute(context.Background(), "add", map[string]any{"a": 2.0, "b": 3.0})
	if res.StatusCode != 200 {
		t.Fatalf("expected 200, got %d (%v)", res.StatusCode, res.Body)
	}
	if res.Body != "5" {
		t.Errorf("expected bare body %q, got %v", "5", res.Body)
	}
	if sup.successes != 1 {
		t.Errorf("expected one recorded success, got %d", sup.successes)
	}
}

func TestExecute_SchemaMismatch(t *testing.T) {
	sup := &fakeSupervisor{session: &scriptedSession{}}
	ex, err := New(config.Upstream{Name: "calc"}, testConfig(), sup, []upstream.ToolDescriptor{addTool()}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := ex.Execute(context.Background(), "add", map[string]any{"a": 2.0})
	if res.StatusCode != 422 {
		t.Fatalf("expected 422 for missing required field, got %d", res.StatusCode)
	}
	if sup.ensureCalls != 0 {
		t.Error("schema binding failure should never reach the supervisor")
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	sup := &fakeSupervisor{session: &scriptedSession{}}
	ex, _ := New(config.Upstream{Name: "calc"}, testConfig(), sup, []upstream.ToolDescriptor{addTool()}, nil)
	res := ex.Execute(context.Background(), "missing", nil)
	if res.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestExecute_ToolError_NoRetry(t *testing.T) {
	session := &scriptedSession{results: []scriptedCall{
		{result: &upstream.CallResult{IsError: true, Content: []any{"bad input"}}},
	}}
	sup := &fakeSupervisor{session: session}
	ex, _ := New(config.Upstream{Name: "calc"}, testConfig(), sup, []upstream.ToolDescriptor{{Name: "div"}}, nil)

	res := ex.Execute(context.Background(), "div", map[string]any{"a": 1.0, "b": 0.0})
	if res.StatusCode != 500 {
		t.Fatalf("expected 500 for tool error, got %d", res.StatusCode)
	}
	body, ok := res.Body.(ErrorBody)
	if !ok || body.Detail.Message != "bad input" {
		t.Errorf("expected error body with message %q, got %+v", "bad input", res.Body)
	}
	if session.calls != 1 {
		t.Errorf("tool errors must never retry, got %d calls", session.calls)
	}
	if len(sup.toolErrors) != 1 {
		t.Errorf("expected tool error recorded informationally, got %d", len(sup.toolErrors))
	}
}

func TestExecute_TransientFailureThenSuccess(t *testing.T) {
	session := &scriptedSession{results: []scriptedCall{
		{err: errors.New("502 Bad Gateway")},
		{result: &upstream.CallResult{Content: []any{"ok"}}},
	}}
	sup := &fakeSupervisor{session: session}
	ex, _ := New(config.Upstream{Name: "calc"}, testConfig(), sup, []upstream.ToolDescriptor{{Name: "ping"}}, nil)

	res := ex.Execute(context.Background(), "ping", nil)
	if res.StatusCode != 200 {
		t.Fatalf("expected eventual 200, got %d (%v)", res.StatusCode, res.Body)
	}
	if sup.notifyCalls != 1 {
		t.Errorf("expected one reconnect notification between attempts, got %d", sup.notifyCalls)
	}
}

func TestExecute_ExhaustionMapsToServiceUnavailable(t *testing.T) {
	session := &scriptedSession{results: []scriptedCall{
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
	}}
	sup := &fakeSupervisor{session: session}
	ex, _ := New(config.Upstream{Name: "calc"}, testConfig(), sup, []upstream.ToolDescriptor{{Name: "ping"}}, nil)

	res := ex.Execute(context.Background(), "ping", nil)
	if res.StatusCode != 503 {
		t.Fatalf("expected 503 after exhausting retries on a non-timeout recoverable error, got %d", res.StatusCode)
	}
	if session.calls != 4 {
		t.Errorf("expected exactly 4 attempts (1 initial + 3 retries), got %d", session.calls)
	}
}

func TestExecute_TimeoutExhaustionMapsTo504(t *testing.T) {
	session := &scriptedSession{results: []scriptedCall{
		{err: errors.New("read timeout")},
		{err: errors.New("read timeout")},
		{err: errors.New("read timeout")},
		{err: errors.New("read timeout")},
	}}
	sup := &fakeSupervisor{session: session}
	ex, _ := New(config.Upstream{Name: "calc"}, testConfig(), sup, []upstream.ToolDescriptor{{Name: "ping"}}, nil)

	res := ex.Execute(context.Background(), "ping", nil)
	if res.StatusCode != 504 {
		t.Fatalf("expected 504 after timeout exhaustion, got %d", res.StatusCode)
	}
}

func TestExecute_UpstreamUnavailable(t *testing.T) {
	sup := &fakeSupervisor{ensureHealthyErr: errors.New("no session available")}
	ex, _ := New(config.Upstream{Name: "calc"}, testConfig(), sup, []upstream.ToolDescriptor{{Name: "ping"}}, nil)

	res := ex.Execute(context.Background(), "ping", nil)
	if res.StatusCode != 503 {
		t.Fatalf("expected 503 when no healthy session can be obtained, got %d", res.StatusCode)
	}
}

func TestExecute_OverrideCapsAttempts(t *testing.T) {
	session := &scriptedSession{results: []scriptedCall{
		{err: errors.New("connection refused")},
	}}
	sup := &fakeSupervisor{session: session}

	dir := t.TempDir()
	overridesPath := dir + "/overrides.yaml"
	overrides, err := config.NewOverrides(overridesPath)
	if err != nil {
		t.Fatalf("NewOverrides: %v", err)
	}
	if werr := writeOverrides(overridesPath, `upstreams:
  calc:
    maxCallAttempts: 1
`); werr != nil {
		t.Fatal(werr)
	}
	if err := overrides.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	ex, _ := New(config.Upstream{Name: "calc"}, testConfig(), sup, []upstream.ToolDescriptor{{Name: "ping"}}, overrides)
	res := ex.Execute(context.Background(), "ping", nil)
	if res.StatusCode != 503 {
		t.Fatalf("expected 503, got %d", res.StatusCode)
	}
	if session.calls != 1 {
		t.Errorf("expected override to cap attempts at 1, got %d calls", session.calls)
	}
}
