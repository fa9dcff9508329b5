// Package store implements the connectivity monitor's durable local
// persistence: channel states, sessions, outages, and recent samples as
// atomic, crash-safe JSON files, with retention and size enforcement.
//
// The write/read discipline is grounded in the teacher repository's
// gamification/persistence.go (temp-file-then-rename, directory creation,
// XDG state path resolution) and its session/store.go in-memory map +
// RWMutex + copy-on-read API shape; atomicfile.go generalizes the former
// into the full protocol spec.md §4.1 requires (validation read-back,
// retry with backoff, truncation/corruption detection, quarantine).
package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/GSejas/health-watch-sub004/internal/domain"
)

const (
	maxSamplesPerChannel = 1000
	maxOutages           = 500
	maxSessionHistory    = 100
	appDirName           = "health-watch"
)

// Store is the local-first persistence layer. All public methods are safe
// for concurrent use. In-memory caches mirror the on-disk documents so
// reads are cheap; every mutation is followed by a durable write.
type Store struct {
	mu  sync.RWMutex
	dir string

	states  map[string]domain.ChannelState
	samples map[string][]domain.Sample // lazily loaded per channel

	outages []domain.Outage

	current *domain.WatchSession
	history []domain.WatchSession

	retentionCutoff time.Duration // default 30 days
}

// Open loads (or initializes) a store rooted at dir. An empty dir resolves
// to the XDG-compliant default state directory.
func Open(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	s := &Store{
		dir:             dir,
		states:          make(map[string]domain.ChannelState),
		samples:         make(map[string][]domain.Sample),
		retentionCutoff: 30 * 24 * time.Hour,
	}

	if _, err := readJSONAtomic(s.path("channelStates.json"), &s.states); err != nil {
		return nil, err
	}
	if s.states == nil {
		s.states = make(map[string]domain.ChannelState)
	}

	if _, err := readJSONAtomic(s.path("outages.json"), &s.outages); err != nil {
		return nil, err
	}
	if _, err := readJSONAtomic(s.path("watchHistory.json"), &s.history); err != nil {
		return nil, err
	}

	var current domain.WatchSession
	exists, err := readJSONAtomic(s.path("currentWatch.json"), &current)
	if err != nil {
		return nil, err
	}
	if exists {
		s.current = &current
	}

	return s, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// DefaultDir returns ~/.local/state/health-watch, honoring XDG_STATE_HOME.
func DefaultDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}

// SetRetentionCutoff overrides the default 30-day retention window used by
// Sweep.
func (s *Store) SetRetentionCutoff(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retentionCutoff = d
}

// GetState returns the channel's current state, or a default unknown state
// if the channel has never been referenced.
func (s *Store) GetState(channelID string) domain.ChannelState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[channelID]; ok {
		return st
	}
	return domain.DefaultChannelState(channelID)
}

// SetState replaces the channel's state and persists the full states
// document.
func (s *Store) SetState(channelID string, state domain.ChannelState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[channelID] = state
	return s.persistStatesLocked()
}

func (s *Store) persistStatesLocked() error {
	return writeJSONAtomic(s.path("channelStates.json"), s.states)
}

// MirrorState overwrites the in-memory view of channelID's state without
// persisting it, for followers applying a leader-published SharedState
// snapshot. The durable states document is untouched, so a follower never
// confuses a mirrored observation with its own locally confirmed state.
func (s *Store) MirrorState(channelID string, state domain.ChannelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[channelID] = state
}

// AppendSample appends a sample to the channel's ring buffer, evicting the
// oldest entry once the 1000-sample cap is exceeded, and persists the
// channel's sample file.
func (s *Store) AppendSample(channelID string, sample domain.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, loaded := s.samples[channelID]; !loaded {
		s.loadSamplesLocked(channelID)
	}

	buf := append(s.samples[channelID], sample)
	if len(buf) > maxSamplesPerChannel {
		dropped := len(buf) - maxSamplesPerChannel
		buf = buf[dropped:]
		log.Printf("store: trimmed %d sample(s) for channel %s (cap %d)", dropped, channelID, maxSamplesPerChannel)
	}
	s.samples[channelID] = buf
	return writeJSONAtomic(s.samplesPath(channelID), buf)
}

func (s *Store) samplesPath(channelID string) string {
	return s.path(fmt.Sprintf("samples_%s.json", sanitizeKey(channelID)))
}

func (s *Store) loadSamplesLocked(channelID string) {
	var buf []domain.Sample
	if _, err := readJSONAtomic(s.samplesPath(channelID), &buf); err != nil {
		log.Printf("store: loading samples for %s: %v", channelID, err)
	}
	s.samples[channelID] = buf
}

// SamplesInWindow returns samples for channelID with TimestampMS in
// [from, to], ordered non-decreasingly by timestamp.
func (s *Store) SamplesInWindow(channelID string, from, to int64) []domain.Sample {
	s.mu.Lock()
	if _, loaded := s.samples[channelID]; !loaded {
		s.loadSamplesLocked(channelID)
	}
	all := s.samples[channelID]
	s.mu.Unlock()

	result := make([]domain.Sample, 0, len(all))
	for _, sm := range all {
		if sm.TimestampMS >= from && sm.TimestampMS <= to {
			result = append(result, sm)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].TimestampMS < result[j].TimestampMS })
	return result
}

// OpenOutage records a new outage and persists the outages document.
// If appending exceeds the 500-outage cap, the oldest is dropped.
func (s *Store) OpenOutage(o domain.Outage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outages = append(s.outages, o)
	if len(s.outages) > maxOutages {
		dropped := len(s.outages) - maxOutages
		s.outages = s.outages[dropped:]
		log.Printf("store: dropped %d outage(s) beyond cap %d", dropped, maxOutages)
	}
	return s.persistOutagesLocked()
}

// CloseOutage sets the recovery timestamp on the most recent open outage
// for channelID.
func (s *Store) CloseOutage(channelID string, recoveredAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.outages) - 1; i >= 0; i-- {
		if s.outages[i].ChannelID == channelID && s.outages[i].IsOpen() {
			t := recoveredAt
			s.outages[i].RecoveredAt = &t
			return s.persistOutagesLocked()
		}
	}
	return fmt.Errorf("no open outage for channel %s", channelID)
}

// ListOutages returns outages for channelID (or all channels if empty),
// optionally filtered to those starting at or after since.
func (s *Store) ListOutages(channelID string, since *time.Time) []domain.Outage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]domain.Outage, 0)
	for _, o := range s.outages {
		if channelID != "" && o.ChannelID != channelID {
			continue
		}
		if since != nil && o.FirstFailureAt.Before(*since) {
			continue
		}
		result = append(result, o)
	}
	return result
}

func (s *Store) persistOutagesLocked() error {
	return writeJSONAtomic(s.path("outages.json"), s.outages)
}

// GetCurrentSession returns the active watch session, or nil if none.
func (s *Store) GetCurrentSession() *domain.WatchSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	cp := *s.current
	return &cp
}

// SetCurrentSession replaces the active session (nil clears it) and
// persists currentWatch.json.
func (s *Store) SetCurrentSession(session *domain.WatchSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = session
	if session == nil {
		return writeJSONAtomic(s.path("currentWatch.json"), json.RawMessage("null"))
	}
	return writeJSONAtomic(s.path("currentWatch.json"), session)
}

// AppendSessionHistory appends a finalized session to history, capped at
// 100 entries (oldest dropped first).
func (s *Store) AppendSessionHistory(session domain.WatchSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, session)
	if len(s.history) > maxSessionHistory {
		dropped := len(s.history) - maxSessionHistory
		s.history = s.history[dropped:]
	}
	return writeJSONAtomic(s.path("watchHistory.json"), s.history)
}

// SessionHistory returns a copy of the finalized session history.
func (s *Store) SessionHistory() []domain.WatchSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.WatchSession, len(s.history))
	copy(out, s.history)
	return out
}

// SetCustom persists an opaque blob for non-core subsystems under
// custom_<key>.json.
func (s *Store) SetCustom(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.customPath(key), value)
}

// GetCustom loads a previously stored opaque blob into dst. ok is false if
// the key has never been set (or was corrupt).
func (s *Store) GetCustom(key string, dst any) (ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return readJSONAtomic(s.customPath(key), dst)
}

func (s *Store) customPath(key string) string {
	return s.path(fmt.Sprintf("custom_%s.json", sanitizeKey(key)))
}

// Sweep removes session-history entries and outages older than the
// configured retention cutoff. It is intended to run periodically (e.g.
// once per day) from the owning process.
func (s *Store) Sweep(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.retentionCutoff)

	keptOutages := s.outages[:0:0]
	for _, o := range s.outages {
		if o.FirstFailureAt.Before(cutoff) {
			continue
		}
		keptOutages = append(keptOutages, o)
	}
	if len(keptOutages) != len(s.outages) {
		s.outages = keptOutages
		if err := s.persistOutagesLocked(); err != nil {
			return err
		}
	}

	keptHistory := s.history[:0:0]
	for _, h := range s.history {
		if h.StartedAt.Before(cutoff) {
			continue
		}
		keptHistory = append(keptHistory, h)
	}
	if len(keptHistory) != len(s.history) {
		s.history = keptHistory
		if err := writeJSONAtomic(s.path("watchHistory.json"), s.history); err != nil {
			return err
		}
	}
	return nil
}

// UpdateStateAndNotify atomically mutates a single channel's state,
// persists it, and invokes notify with the post-mutation state while the
// store's lock is still held. notify must not call back into the Store
// (Get/Set/any other method) or it will deadlock; this mirrors the
// teacher's own UpdateAndNotify contract, which exists so subscribers
// observe state changes in the exact order they were committed.
func (s *Store) UpdateStateAndNotify(channelID string, mutate func(*domain.ChannelState), notify func(domain.ChannelState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[channelID]
	if !ok {
		st = domain.DefaultChannelState(channelID)
	}
	mutate(&st)
	s.states[channelID] = st

	if err := s.persistStatesLocked(); err != nil {
		return err
	}
	if notify != nil {
		notify(st)
	}
	return nil
}

// BatchUpdateStatesAndNotify applies mutate to each named channel's state
// (creating a default if absent), persists once, then invokes notify with
// every post-mutation state while the lock is still held. Same reentrancy
// contract as UpdateStateAndNotify.
func (s *Store) BatchUpdateStatesAndNotify(channelIDs []string, mutate func(string, *domain.ChannelState), notify func([]domain.ChannelState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := make([]domain.ChannelState, 0, len(channelIDs))
	for _, id := range channelIDs {
		st, ok := s.states[id]
		if !ok {
			st = domain.DefaultChannelState(id)
		}
		mutate(id, &st)
		s.states[id] = st
		updated = append(updated, st)
	}

	if err := s.persistStatesLocked(); err != nil {
		return err
	}
	if notify != nil {
		notify(updated)
	}
	return nil
}

// BatchRemoveStatesAndNotify deletes the named channels' states, persists
// once, then invokes notify with the removed IDs while the lock is still
// held. Same reentrancy contract as UpdateStateAndNotify.
func (s *Store) BatchRemoveStatesAndNotify(channelIDs []string, notify func([]string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make([]string, 0, len(channelIDs))
	for _, id := range channelIDs {
		if _, ok := s.states[id]; ok {
			delete(s.states, id)
			removed = append(removed, id)
		}
	}

	if len(removed) == 0 {
		return nil
	}
	if err := s.persistStatesLocked(); err != nil {
		return err
	}
	if notify != nil {
		notify(removed)
	}
	return nil
}

// sanitizeKey replaces filesystem-hostile characters so channel IDs and
// custom keys can be embedded in a filename.
func sanitizeKey(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
