package domain

import "time"

// WatchSession is a user-initiated, time-boxed intensified monitoring
// window. RequestedDurationMS == 0 means unbounded ("forever").
type WatchSession struct {
	ID                  string
	StartedAt           time.Time
	EndedAt             *time.Time
	RequestedDurationMS int64
	Paused              bool
	Samples             map[string][]Sample // channel id -> samples collected during the session
}

// IsActive reports whether the session has not yet ended.
func (w *WatchSession) IsActive() bool {
	return w.EndedAt == nil
}

// DeadlineAt returns the session's scheduled end time, or the zero Time
// if the session is unbounded.
func (w *WatchSession) DeadlineAt() time.Time {
	if w.RequestedDurationMS <= 0 {
		return time.Time{}
	}
	return w.StartedAt.Add(time.Duration(w.RequestedDurationMS) * time.Millisecond)
}

// IndividualWatch is a per-channel intensified-watch override, independent
// of any global watch session.
type IndividualWatch struct {
	ChannelID   string
	StartedAt   time.Time
	EndedAt     *time.Time
	IntervalSec int
}

// IsActive reports whether the individual watch has not yet ended.
func (w *IndividualWatch) IsActive() bool {
	return w.EndedAt == nil
}

// SharedChannelSnapshot is the leader's published view of one channel,
// mirrored by followers without being persisted locally.
type SharedChannelSnapshot struct {
	ChannelID string
	State     ChannelState
	UpdatedAt time.Time
}

// SharedState is the cross-process coordination payload published by the
// current leader and polled by followers.
type SharedState struct {
	Revision  uint64
	Channels  map[string]SharedChannelSnapshot
	UpdatedAt time.Time
}

// LockRecord is the persisted leader-claim record.
type LockRecord struct {
	PID      int
	WindowID string
	LeaseAt  time.Time
}
