package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/toolmesh/toolproxy/internal/config"
	"github.com/toolmesh/toolproxy/internal/health"
	"github.com/toolmesh/toolproxy/internal/reconnect"
	"github.com/toolmesh/toolproxy/internal/upstream"
)

type fakeSession struct {
	closed     atomic.Bool
	listErr    error
	toolsCalls atomic.Int32
}

func (f *fakeSession) ListTools(ctx context.Context) ([]upstream.ToolDescriptor, error) {
	f.toolsCalls.Add(1)
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []upstream.ToolDescriptor{{Name: "add"}}, nil
}

func (f *fakeSession) CallTool(ctx context.Context, name string, args map[string]any) (*upstream.CallResult, error) {
	return &upstream.CallResult{}, nil
}

func (f *fakeSession) Close() error {
	f.closed.Store(true)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		InitialConnectAttempts: 3,
		ErrorCountThreshold:    3,
		ReconnectMaxAttempts:   5,
		ReconnectMinInterval:   0,
	}
}

func TestSupervisor_Start_Success(t *testing.T) {
	status := health.NewStore([]string{"calc"})
	classifier, _ := reconnect.NewClassifier(nil)
	var catalogEvents int
	sup := NewWithOpener(config.Upstream{Name: "calc"}, testConfig(), status, classifier,
		func(name string, tools []upstream.ToolDescriptor) { catalogEvents++ },
		func(ctx context.Context) (upstream.Session, []upstream.ToolDescriptor, error) {
			return &fakeSession{}, []upstream.ToolDescriptor{{Name: "add"}}, nil
		})

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sup.Phase() != PhaseReady {
		t.Errorf("expected phase ready, got %q", sup.Phase())
	}
	if catalogEvents != 1 {
		t.Errorf("expected one catalog notification, got %d", catalogEvents)
	}
	if status.Get("calc").State != health.StateHealthy {
		t.Errorf("expected healthy status after start, got %q", status.Get("calc").State)
	}
}

func TestSupervisor_Start_ExhaustsAttemptsAndFails(t *testing.T) {
	status := health.NewStore([]string{"calc"})
	classifier, _ := reconnect.NewClassifier(nil)
	cfg := testConfig()
	cfg.InitialConnectAttempts = 2

	sup := NewWithOpener(config.Upstream{Name: "calc"}, cfg, status, classifier, nil,
		func(ctx context.Context) (upstream.Session, []upstream.ToolDescriptor, error) {
			return nil, nil, errors.New("connection refused")
		})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := sup.Start(ctx); err == nil {
		t.Fatal("expected Start to fail after exhausting attempts")
	}
	if sup.Phase() != PhaseFailed {
		t.Errorf("expected phase failed, got %q", sup.Phase())
	}
}

func TestSupervisor_Healthy_ProbesCurrentSession(t *testing.T) {
	status := health.NewStore([]string{"calc"})
	classifier, _ := reconnect.NewClassifier(nil)
	session := &fakeSession{}
	sup := NewWithOpener(config.Upstream{Name: "calc"}, testConfig(), status, classifier, nil,
		func(ctx context.Context) (upstream.Session, []upstream.ToolDescriptor, error) {
			return session, nil, nil
		})
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !sup.Healthy(context.Background()) {
		t.Error("expected healthy probe to succeed")
	}
	if session.toolsCalls.Load() == 0 {
		t.Error("expected Healthy to probe via ListTools")
	}
}

func TestSupervisor_EnsureHealthy_ReconnectsOnFailedProbe(t *testing.T) {
	status := health.NewStore([]string{"calc"})
	classifier, _ := reconnect.NewClassifier(nil)

	first := &fakeSession{listErr: errors.New("connection reset")}
	second := &fakeSession{}
	callCount := 0

	sup := NewWithOpener(config.Upstream{Name: "calc"}, testConfig(), status, classifier, nil,
		func(ctx context.Context) (upstream.Session, []upstream.ToolDescriptor, error) {
			callCount++
			if callCount == 1 {
				return first, []upstream.ToolDescriptor{{Name: "add"}}, nil
			}
			return second, []upstream.ToolDescriptor{{Name: "add"}}, nil
		})
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	session, err := sup.EnsureHealthy(context.Background())
	if err != nil {
		t.Fatalf("EnsureHealthy: %v", err)
	}
	if session != second {
		t.Error("expected EnsureHealthy to swap in the freshly opened session")
	}
	if !first.closed.Load() {
		t.Error("expected the old session to be closed after swap")
	}
	if sup.Phase() != PhaseReady {
		t.Errorf("expected phase ready after reconnect, got %q", sup.Phase())
	}
}

func TestSupervisor_Stop_ClosesSession(t *testing.T) {
	status := health.NewStore([]string{"calc"})
	classifier, _ := reconnect.NewClassifier(nil)
	session := &fakeSession{}
	sup := NewWithOpener(config.Upstream{Name: "calc"}, testConfig(), status, classifier, nil,
		func(ctx context.Context) (upstream.Session, []upstream.ToolDescriptor, error) {
			return session, nil, nil
		})
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !session.closed.Load() {
		t.Error("expected session to be closed on Stop")
	}
	if sup.Phase() != PhaseStopped {
		t.Errorf("expected phase stopped, got %q", sup.Phase())
	}
}
