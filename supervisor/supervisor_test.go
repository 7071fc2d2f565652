package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"hercules/bootstrap"
)

// newTestSupervisor builds a Supervisor with just enough state for the
// restart/panic-recovery unit tests below, which exercise runSupervised
// and runOnce directly rather than going through New.
func newTestSupervisor() *Supervisor {
	return &Supervisor{
		restarts: make(map[string][]time.Time),
		metrics:  newMetrics(prometheus.NewRegistry()),
	}
}

func TestRecordRestart_PrunesOutsideWindow(t *testing.T) {
	s := newTestSupervisor()

	s.restarts["x"] = []time.Time{
		time.Now().Add(-2 * restartWindow),
		time.Now().Add(-restartWindow / 2),
	}

	n := s.recordRestart("x")
	if n != 2 {
		t.Fatalf("expected the stale entry to be pruned leaving 2 (1 kept + 1 new), got %d", n)
	}
}

func TestRunSupervised_StopsCleanlyOnContextCancel(t *testing.T) {
	s := newTestSupervisor()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- s.runSupervised(ctx, "test", func(c context.Context) error {
			<-c.Done()
			return nil
		})
	}()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error on clean cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runSupervised did not return after context cancellation")
	}
}

func TestRunSupervised_FatalErrorStopsImmediately(t *testing.T) {
	s := newTestSupervisor()

	orig := restartBackoffSteps
	restartBackoffSteps = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { restartBackoffSteps = orig }()

	calls := 0
	err := s.runSupervised(context.Background(), "test", func(c context.Context) error {
		calls++
		return fatal(errors.New("boom"))
	})

	if err == nil {
		t.Fatal("expected a fatal error to be returned")
	}
	if calls != 1 {
		t.Errorf("expected exactly one attempt for a fatal error, got %d", calls)
	}
}

func TestRunSupervised_EscalatesAfterTooManyRestarts(t *testing.T) {
	s := newTestSupervisor()

	orig := restartBackoffSteps
	restartBackoffSteps = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { restartBackoffSteps = orig }()

	calls := 0
	err := s.runSupervised(context.Background(), "flaky", func(c context.Context) error {
		calls++
		return errors.New("transient failure")
	})

	if err == nil {
		t.Fatal("expected escalation to fatal after repeated restarts")
	}
	if !isFatal(err) {
		t.Errorf("expected the escalated error to be fatal, got %v", err)
	}
	if calls != maxRestartsInWindow+1 {
		t.Errorf("expected %d attempts before escalating, got %d", maxRestartsInWindow+1, calls)
	}
}

func TestRunOnce_RecoversPanic(t *testing.T) {
	s := newTestSupervisor()

	err := s.runOnce(context.Background(), func(c context.Context) error {
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("expected panic to be converted into an error")
	}
}

// fakePortal serves just enough of the activation/config endpoints for
// New to construct a Supervisor without a real portal.
func fakePortal(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/gateway/activate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"api_key":    "test-key",
			"gateway_id": "gw-test",
			"user_id":    "user-1",
		})
	})
	mux.HandleFunc("/api/gateway/config", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"plcs":     []interface{}{},
			"settings": map[string]interface{}{},
		})
	})
	return httptest.NewServer(mux)
}

func TestNew_WiresSubsystemsAgainstAFakePortal(t *testing.T) {
	srv := fakePortal(t)
	defer srv.Close()

	dir := t.TempDir()
	bootCfg := &bootstrap.Config{
		APIBase:        srv.URL,
		ActivationCode: "code-1",
		InstallDir:     dir,
		GatewayVersion: "1.0.0",
		MetricsAddr:    "",
	}

	s, err := New(context.Background(), bootCfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.store.Close()

	if s.id.GatewayID != "gw-test" {
		t.Errorf("GatewayID = %q", s.id.GatewayID)
	}
	if s.pollingEngine == nil || s.automationEng == nil || s.fanout == nil {
		t.Fatal("expected core subsystems to be constructed")
	}
}
