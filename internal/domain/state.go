package domain

import "time"

// Classification tags the reason behind a probe outcome.
type Classification string

const (
	ClassTimeout        Classification = "timeout"
	ClassNameResolution Classification = "name-resolution"
	ClassSocket         Classification = "socket"
	ClassTLS            Classification = "tls"
	ClassHTTP           Classification = "http"
	ClassTask           Classification = "task"
	ClassGuard          Classification = "guard"
	ClassOther          Classification = "other"
)

// Sample is one append-only probe outcome.
type Sample struct {
	TimestampMS int64
	Success     bool
	LatencyMS   int64
	Class       Classification // optional; "" means unset
	Error       string
	Details     map[string]string
}

// State is a channel's online/offline/unknown classification.
type State string

const (
	StateOnline  State = "online"
	StateOffline State = "offline"
	StateUnknown State = "unknown"
)

// ChannelState is the mutable per-channel record maintained by the runner.
type ChannelState struct {
	ChannelID           string
	Current             State
	ConsecutiveFailures int
	FirstFailureAt      *time.Time
	LastTransitionAt    time.Time
	OpenOutageID        string // "" means no open outage
}

// DefaultChannelState returns the zero-value state for a channel never
// referenced before: unknown, zero failures, no outage.
func DefaultChannelState(channelID string) ChannelState {
	return ChannelState{ChannelID: channelID, Current: StateUnknown}
}

// Outage is a confirmed offline period for a channel.
type Outage struct {
	ID                  string
	ChannelID           string
	FirstFailureAt      time.Time
	ConfirmedAt         time.Time
	RecoveredAt         *time.Time
	FailureCountAtConf  int
	Reason              Classification
}

// Duration returns the outage's duration using the given "now" for open
// outages (RecoveredAt == nil).
func (o *Outage) Duration(now time.Time) time.Duration {
	if o.RecoveredAt != nil {
		return o.RecoveredAt.Sub(o.FirstFailureAt)
	}
	return now.Sub(o.FirstFailureAt)
}

// IsOpen reports whether the outage has not yet recovered.
func (o *Outage) IsOpen() bool {
	return o.RecoveredAt == nil
}
