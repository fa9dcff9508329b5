package watch

import (
	"testing"
	"time"

	"github.com/GSejas/health-watch-sub004/internal/domain"
	"github.com/GSejas/health-watch-sub004/internal/events"
	"github.com/GSejas/health-watch-sub004/internal/store"
)

type fakeScheduler struct {
	paused       bool
	resumed      int
	rescheduled  []string
}

func (f *fakeScheduler) Reschedule(channelID string) { f.rescheduled = append(f.rescheduled, channelID) }
func (f *fakeScheduler) Pause()                      { f.paused = true }
func (f *fakeScheduler) Resume()                     { f.paused = false; f.resumed++ }

func newTestManager(t *testing.T) (*Manager, *store.Store, *fakeScheduler) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	sched := &fakeScheduler{}
	return New(st, events.NewBus(), sched), st, sched
}

func TestStartWatchRejectsWhenActive(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.StartWatch(60_000); err != nil {
		t.Fatalf("first StartWatch: %v", err)
	}
	if _, err := m.StartWatch(60_000); err == nil {
		t.Fatal("expected second StartWatch to be rejected while one is active")
	}
}

func TestStartStopLeavesNoCurrentAndOneHistoryEntry(t *testing.T) {
	m, st, _ := newTestManager(t)
	if _, err := m.StartWatch(0); err != nil {
		t.Fatalf("StartWatch: %v", err)
	}
	if err := m.StopWatch(); err != nil {
		t.Fatalf("StopWatch: %v", err)
	}
	if m.CurrentWatch() != nil {
		t.Fatal("expected no current watch after stop")
	}
	hist := st.SessionHistory()
	if len(hist) != 1 {
		t.Fatalf("len(history) = %d, want 1", len(hist))
	}
}

func TestStopWatchIsIdempotent(t *testing.T) {
	m, st, _ := newTestManager(t)
	if _, err := m.StartWatch(0); err != nil {
		t.Fatalf("StartWatch: %v", err)
	}
	if err := m.StopWatch(); err != nil {
		t.Fatalf("first StopWatch: %v", err)
	}
	if err := m.StopWatch(); err != nil {
		t.Fatalf("second StopWatch (idempotent) should not error: %v", err)
	}
	if len(st.SessionHistory()) != 1 {
		t.Fatalf("expected exactly one history entry after double-stop, got %d", len(st.SessionHistory()))
	}
}

func TestCheckExpiryFinalizesPastDeadline(t *testing.T) {
	m, st, _ := newTestManager(t)
	session, err := m.StartWatch(10)
	if err != nil {
		t.Fatalf("StartWatch: %v", err)
	}
	_ = session
	time.Sleep(20 * time.Millisecond)

	if err := m.CheckExpiry(); err != nil {
		t.Fatalf("CheckExpiry: %v", err)
	}
	if m.CurrentWatch() != nil {
		t.Fatal("expected session finalized after deadline passed")
	}
	if len(st.SessionHistory()) != 1 {
		t.Fatal("expected finalized session in history")
	}
}

func TestCheckExpiryNoOpBeforeDeadline(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.StartWatch(60_000); err != nil {
		t.Fatalf("StartWatch: %v", err)
	}
	if err := m.CheckExpiry(); err != nil {
		t.Fatalf("CheckExpiry: %v", err)
	}
	if m.CurrentWatch() == nil {
		t.Fatal("expected session still active before deadline")
	}
}

func TestIndividualWatchOverridesAndReschedules(t *testing.T) {
	m, _, sched := newTestManager(t)
	m.StartIndividualWatch("ch1", 5)
	if got, ok := m.IndividualWatchIntervalSec("ch1"); !ok || got != 5 {
		t.Fatalf("IndividualWatchIntervalSec = %d, %v, want 5, true", got, ok)
	}
	if len(sched.rescheduled) != 1 || sched.rescheduled[0] != "ch1" {
		t.Fatalf("expected reschedule of ch1, got %v", sched.rescheduled)
	}

	m.StopIndividualWatch("ch1")
	if _, ok := m.IndividualWatchIntervalSec("ch1"); ok {
		t.Fatal("expected individual watch cleared")
	}
}

func TestObserveSampleAccumulatesIntoActiveSession(t *testing.T) {
	m, st, _ := newTestManager(t)
	if _, err := m.StartWatch(0); err != nil {
		t.Fatalf("StartWatch: %v", err)
	}
	m.ObserveSample("ch1", domain.Sample{TimestampMS: 1, Success: true})
	m.ObserveSample("ch1", domain.Sample{TimestampMS: 2, Success: true})

	session := m.CurrentWatch()
	if session == nil || len(session.Samples["ch1"]) != 2 {
		t.Fatalf("expected 2 accumulated samples, got %+v", session)
	}
	_ = st
}

func TestFishyTriggerConsecutiveFailuresFiresOnce(t *testing.T) {
	m, st, _ := newTestManager(t)
	if err := st.SetState("api", domain.ChannelState{ChannelID: "api", Current: domain.StateOnline, ConsecutiveFailures: 3}); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	sub := m.bus.Subscribe()
	defer sub.Close()

	m.ObserveSample("api", domain.Sample{Success: false})
	m.ObserveSample("api", domain.Sample{Success: false}) // same streak, must not re-emit

	var fishyCount int
	timeout := time.After(300 * time.Millisecond)
loop:
	for {
		select {
		case evt := <-sub.Events():
			if evt.Type == events.TypeFishyTriggered {
				fishyCount++
			}
		case <-timeout:
			break loop
		}
	}
	if fishyCount != 1 {
		t.Fatalf("fishy trigger fired %d times, want exactly 1", fishyCount)
	}
}

func TestFishyTriggerSuppressedDuringActiveWatch(t *testing.T) {
	m, st, _ := newTestManager(t)
	if err := st.SetState("api", domain.ChannelState{ChannelID: "api", Current: domain.StateOnline, ConsecutiveFailures: 5}); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if _, err := m.StartWatch(60_000); err != nil {
		t.Fatalf("StartWatch: %v", err)
	}

	sub := m.bus.Subscribe()
	defer sub.Close()

	m.ObserveSample("api", domain.Sample{Success: false})

	select {
	case evt := <-sub.Events():
		if evt.Type == events.TypeFishyTriggered {
			t.Fatal("fishy trigger should not fire while a watch session is active")
		}
	case <-time.After(100 * time.Millisecond):
	}
}
