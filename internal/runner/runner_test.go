package runner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/GSejas/health-watch-sub004/internal/domain"
	"github.com/GSejas/health-watch-sub004/internal/events"
	"github.com/GSejas/health-watch-sub004/internal/guard"
	"github.com/GSejas/health-watch-sub004/internal/probe"
	"github.com/GSejas/health-watch-sub004/internal/store"
)

func newTestRunner(t *testing.T) (*Runner, *store.Store, *events.Bus) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	bus := events.NewBus()
	dispatcher := probe.NewDispatcher(nil, true)
	ev := guard.NewWithDeps(nil, nil, nil)
	return New(st, bus, dispatcher, ev), st, bus
}

func intPtr(i int) *int { return &i }

func TestTickSuccessKeepsOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer srv.Close()

	r, st, _ := newTestRunner(t)
	ch := &domain.Channel{ID: "web1", Variant: domain.VariantWeb, Web: &domain.WebPayload{URL: srv.URL}, Threshold: intPtr(2)}

	sample := r.Tick(context.Background(), ch)
	if !sample.Success {
		t.Fatalf("expected success, got %+v", sample)
	}
	if got := st.GetState("web1").Current; got != domain.StateOnline {
		t.Fatalf("state after first success = %v, want online", got)
	}
}

func TestTickFailuresOpenOutageAtThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) }))
	defer srv.Close()

	r, st, bus := newTestRunner(t)
	sub := bus.Subscribe()
	defer sub.Close()

	ch := &domain.Channel{ID: "web1", Variant: domain.VariantWeb, Web: &domain.WebPayload{URL: srv.URL}, Threshold: intPtr(2)}

	r.Tick(context.Background(), ch)
	if got := st.GetState("web1").Current; got == domain.StateOffline {
		t.Fatalf("state after first failure = %v, should not yet be offline (threshold 2)", got)
	}

	r.Tick(context.Background(), ch)
	final := st.GetState("web1")
	if final.Current != domain.StateOffline {
		t.Fatalf("state after 2 failures = %v, want offline", final.Current)
	}
	if final.OpenOutageID == "" {
		t.Fatal("expected an open outage id")
	}

	outages := st.ListOutages("web1", nil)
	if len(outages) != 1 || !outages[0].IsOpen() {
		t.Fatalf("expected one open outage, got %+v", outages)
	}

	sawOutageOpened := false
	for i := 0; i < 10; i++ {
		select {
		case evt := <-sub.Events():
			if evt.Type == events.TypeOutageOpened {
				sawOutageOpened = true
			}
		case <-time.After(100 * time.Millisecond):
		}
	}
	if !sawOutageOpened {
		t.Fatal("expected an outage-opened event")
	}
}

func TestTickRecoveryClosesOutage(t *testing.T) {
	failing := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r, st, _ := newTestRunner(t)
	ch := &domain.Channel{ID: "web1", Variant: domain.VariantWeb, Web: &domain.WebPayload{URL: srv.URL}, Threshold: intPtr(1)}

	r.Tick(context.Background(), ch)
	if st.GetState("web1").Current != domain.StateOffline {
		t.Fatal("expected offline after first failure with threshold 1")
	}

	failing = false
	r.Tick(context.Background(), ch)
	final := st.GetState("web1")
	if final.Current != domain.StateOnline {
		t.Fatalf("state after recovery = %v, want online", final.Current)
	}
	if final.OpenOutageID != "" {
		t.Fatal("expected outage id cleared after recovery")
	}

	outages := st.ListOutages("web1", nil)
	if len(outages) != 1 || outages[0].IsOpen() {
		t.Fatalf("expected the outage to be closed, got %+v", outages)
	}
}

func TestTickGuardBlocksProbe(t *testing.T) {
	r, st, _ := newTestRunner(t)
	ch := &domain.Channel{
		ID:      "guarded",
		Variant: domain.VariantSocket,
		Socket:  &domain.SocketPayload{Host: "127.0.0.1", Port: 80},
		Guards:  []string{"missing-guard"},
	}

	sample := r.Tick(context.Background(), ch)
	if sample.Success {
		t.Fatal("expected guard failure to block the probe")
	}
	if sample.Class != domain.ClassGuard {
		t.Fatalf("Class = %v, want guard", sample.Class)
	}
	state := st.GetState("guarded")
	if state.ConsecutiveFailures != 0 {
		t.Fatalf("ConsecutiveFailures = %d, want 0 (guard failures don't count toward threshold)", state.ConsecutiveFailures)
	}
	if state.Current != domain.StateUnknown {
		t.Fatalf("Current = %v, want unknown", state.Current)
	}
	if state.OpenOutageID != "" {
		t.Fatal("expected no outage opened from a guard failure")
	}
}

func TestTickRepeatedGuardFailureNeverOpensOutage(t *testing.T) {
	r, st, _ := newTestRunner(t)
	ch := &domain.Channel{
		ID:        "guarded",
		Variant:   domain.VariantSocket,
		Socket:    &domain.SocketPayload{Host: "127.0.0.1", Port: 80},
		Guards:    []string{"missing-guard"},
		Threshold: intPtr(3),
	}

	for i := 0; i < 5; i++ {
		r.Tick(context.Background(), ch)
	}

	state := st.GetState("guarded")
	if state.ConsecutiveFailures != 0 {
		t.Fatalf("ConsecutiveFailures = %d, want 0 after repeated guard failures", state.ConsecutiveFailures)
	}
	if state.Current != domain.StateUnknown {
		t.Fatalf("Current = %v, want unknown", state.Current)
	}
	if state.OpenOutageID != "" {
		t.Fatal("expected no outage opened from repeated guard failures")
	}
}
