// Package watch implements the session manager (spec component C7):
// time-boxed "active watch" lifecycle, per-channel individual watches,
// and the "fishy trigger" heuristics that suggest starting a watch.
//
// Grounded on the teacher's internal/session/event.go event-type enum
// shape (carried forward here as events.Type values) and
// internal/gamification/persistence.go's load-or-default pattern for
// resuming a session across restarts (internal/store's GetCurrentSession
// plays the same role gamification's Load does there).
package watch

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GSejas/health-watch-sub004/internal/domain"
	"github.com/GSejas/health-watch-sub004/internal/events"
	"github.com/GSejas/health-watch-sub004/internal/store"
)

// Rescheduler lets the session manager tell the scheduler to re-evaluate
// a channel (or every channel) immediately, e.g. when a watch starts and
// precedence changes. Implemented by *schedule.Scheduler; declared here
// as a narrow interface so this package never imports schedule directly
// (breaking the scheduler/runner/session-manager cycle the spec calls
// out, per its "one-way event dependencies" design note).
type Rescheduler interface {
	Reschedule(channelID string)
	Pause()
	Resume()
}

const (
	fishyConsecutiveFailures = 3
	fishyLatencyThresholdMS  = 1200
	fishyLatencyWindow       = 3 * time.Minute
	fishyLatencyMinSamples   = 5
	fishyNameFailureCount    = 2
	fishyNameFailureWindow   = 2 * time.Minute
)

// Manager owns watch-session lifecycle and fishy-trigger detection.
type Manager struct {
	store     *store.Store
	bus       *events.Bus
	scheduler Rescheduler

	mu           sync.Mutex
	individual   map[string]*domain.IndividualWatch
	fishyEmitted map[string]bool // channel id -> already emitted this failure streak

	nameFailures map[string][]time.Time
	latencies    map[string][]latencyPoint
}

type latencyPoint struct {
	at time.Time
	ms int64
}

// New constructs a Manager. Per-channel fishy-trigger bookkeeping is
// created lazily as samples arrive, so no channel list is required up
// front.
func New(st *store.Store, bus *events.Bus, scheduler Rescheduler) *Manager {
	return &Manager{
		store:        st,
		bus:          bus,
		scheduler:    scheduler,
		individual:   make(map[string]*domain.IndividualWatch),
		fishyEmitted: make(map[string]bool),
		nameFailures: make(map[string][]time.Time),
		latencies:    make(map[string][]latencyPoint),
	}
}

// StartWatch begins a new global watch session. Rejected if one is
// already active.
func (m *Manager) StartWatch(durationMS int64) (*domain.WatchSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.store.GetCurrentSession(); existing != nil && existing.IsActive() {
		return nil, fmt.Errorf("a watch session is already active")
	}

	session := &domain.WatchSession{
		ID:                  uuid.NewString(),
		StartedAt:           time.Now(),
		RequestedDurationMS: durationMS,
		Samples:             make(map[string][]domain.Sample),
	}
	if err := m.store.SetCurrentSession(session); err != nil {
		return nil, err
	}
	m.scheduler.Resume()
	m.bus.Publish(events.Event{Type: events.TypeWatchStarted, WatchID: session.ID, At: session.StartedAt})
	return session, nil
}

// StopWatch finalizes the active session (if any), idempotently: calling
// it when no session is active is a no-op rather than an error, since
// both manual stop and expiry-triggered stop may race to finalize.
func (m *Manager) StopWatch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalizeLocked()
}

func (m *Manager) finalizeLocked() error {
	session := m.store.GetCurrentSession()
	if session == nil || !session.IsActive() {
		return nil
	}
	now := time.Now()
	session.EndedAt = &now

	if err := m.store.AppendSessionHistory(*session); err != nil {
		return err
	}
	if err := m.store.SetCurrentSession(nil); err != nil {
		return err
	}
	m.bus.Publish(events.Event{Type: events.TypeWatchEnded, WatchID: session.ID, At: now})
	return nil
}

// PauseWatch sets the active session's paused flag and tells the
// scheduler to suspend arming.
func (m *Manager) PauseWatch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session := m.store.GetCurrentSession()
	if session == nil {
		return fmt.Errorf("no active watch session")
	}
	session.Paused = true
	if err := m.store.SetCurrentSession(session); err != nil {
		return err
	}
	m.scheduler.Pause()
	return nil
}

// ResumeWatch clears the active session's paused flag and resumes the
// scheduler.
func (m *Manager) ResumeWatch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session := m.store.GetCurrentSession()
	if session == nil {
		return fmt.Errorf("no active watch session")
	}
	session.Paused = false
	if err := m.store.SetCurrentSession(session); err != nil {
		return err
	}
	m.scheduler.Resume()
	return nil
}

// CurrentWatch returns the active session, or nil.
func (m *Manager) CurrentWatch() *domain.WatchSession {
	return m.store.GetCurrentSession()
}

// CheckExpiry finalizes the active session if its deadline has passed.
// Intended to be polled periodically by the owning process.
func (m *Manager) CheckExpiry() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session := m.store.GetCurrentSession()
	if session == nil || !session.IsActive() {
		return nil
	}
	deadline := session.DeadlineAt()
	if deadline.IsZero() {
		return nil // unbounded
	}
	if time.Now().Before(deadline) {
		return nil
	}
	return m.finalizeLocked()
}

// StartIndividualWatch begins a per-channel intensified watch, independent
// of any global session.
func (m *Manager) StartIndividualWatch(channelID string, intervalSec int) {
	m.mu.Lock()
	m.individual[channelID] = &domain.IndividualWatch{ChannelID: channelID, StartedAt: time.Now(), IntervalSec: intervalSec}
	m.mu.Unlock()
	m.scheduler.Reschedule(channelID)
}

// StopIndividualWatch ends a per-channel intensified watch.
func (m *Manager) StopIndividualWatch(channelID string) {
	m.mu.Lock()
	delete(m.individual, channelID)
	m.mu.Unlock()
	m.scheduler.Reschedule(channelID)
}

// IndividualWatchIntervalSec implements schedule.ChannelSource's
// individual-watch lookup.
func (m *Manager) IndividualWatchIntervalSec(channelID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.individual[channelID]
	if !ok || !w.IsActive() {
		return 0, false
	}
	return w.IntervalSec, true
}

// GlobalWatchActive implements schedule.ChannelSource.
func (m *Manager) GlobalWatchActive() bool {
	session := m.store.GetCurrentSession()
	return session != nil && session.IsActive() && !session.Paused
}

// ObserveSample is called for every emitted sample: it appends to the
// active session's per-channel buffer (if any) and evaluates fishy
// triggers when no session is active.
func (m *Manager) ObserveSample(channelID string, sample domain.Sample) {
	m.accumulateIntoSession(channelID, sample)

	session := m.store.GetCurrentSession()
	if session != nil && session.IsActive() {
		return // fishy triggers only evaluated outside an active watch
	}
	m.evaluateFishyTriggers(channelID, sample)
}

func (m *Manager) accumulateIntoSession(channelID string, sample domain.Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session := m.store.GetCurrentSession()
	if session == nil || !session.IsActive() {
		return
	}
	if session.Samples == nil {
		session.Samples = make(map[string][]domain.Sample)
	}
	session.Samples[channelID] = append(session.Samples[channelID], sample)
	if err := m.store.SetCurrentSession(session); err != nil {
		log.Printf("watch: persisting session sample for %s: %v", channelID, err)
	}
}

func (m *Manager) evaluateFishyTriggers(channelID string, sample domain.Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	if sample.Class == domain.ClassNameResolution && !sample.Success {
		m.nameFailures[channelID] = append(trimOlderThan(m.nameFailures[channelID], now, fishyNameFailureWindow), now)
	}

	m.latencies[channelID] = append(trimLatencyOlderThan(m.latencies[channelID], now, fishyLatencyWindow), latencyPoint{at: now, ms: sample.LatencyMS})

	state := m.store.GetState(channelID)

	var reason string
	switch {
	case state.ConsecutiveFailures >= fishyConsecutiveFailures:
		reason = fmt.Sprintf("≥%d consecutive failures", fishyConsecutiveFailures)
	case len(m.nameFailures[channelID]) >= fishyNameFailureCount:
		reason = fmt.Sprintf("≥%d name-resolution failures in %s", fishyNameFailureCount, fishyNameFailureWindow)
	default:
		if p95, n := p95Latency(m.latencies[channelID]); n >= fishyLatencyMinSamples && p95 > fishyLatencyThresholdMS {
			reason = fmt.Sprintf("p95 latency %dms exceeds %dms over %s", p95, fishyLatencyThresholdMS, fishyLatencyWindow)
		}
	}

	if reason == "" {
		if state.ConsecutiveFailures == 0 {
			delete(m.fishyEmitted, channelID)
		}
		return
	}

	if m.fishyEmitted[channelID] {
		return
	}
	m.fishyEmitted[channelID] = true
	m.bus.Publish(events.Event{Type: events.TypeFishyTriggered, ChannelID: channelID, Reason: reason, At: now})
}

func trimOlderThan(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := ts[:0:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func trimLatencyOlderThan(points []latencyPoint, now time.Time, window time.Duration) []latencyPoint {
	cutoff := now.Add(-window)
	out := points[:0:0]
	for _, p := range points {
		if p.at.After(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

// p95Latency returns the 95th percentile latency (ms) and sample count.
func p95Latency(points []latencyPoint) (int64, int) {
	if len(points) == 0 {
		return 0, 0
	}
	vals := make([]int64, len(points))
	for i, p := range points {
		vals[i] = p.ms
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	idx := int(float64(len(vals))*0.95 + 0.5)
	if idx >= len(vals) {
		idx = len(vals) - 1
	}
	return vals[idx], len(vals)
}
