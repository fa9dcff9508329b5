// Package diag implements the monitor's debug/introspection websocket
// feed and HTTP control surface, generalized from the teacher's
// internal/ws package (broadcast.go's per-client non-blocking fan-out
// plus server.go's auth/origin-check/route-setup shape) from broadcasting
// AI-coding-session snapshots to broadcasting channel state, outages, and
// fishy-trigger suggestions.
package diag

import "github.com/GSejas/health-watch-sub004/internal/domain"

// MessageType identifies the payload shape of a WSMessage.
type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgDelta    MessageType = "delta"
	MsgOutage   MessageType = "outage"
	MsgFishy    MessageType = "fishy"
	MsgError    MessageType = "error"
)

// WSMessage is the envelope sent over the debug websocket.
type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload interface{} `json:"payload"`
}

// ChannelSnapshot is one channel's state as shown to a connecting client.
type ChannelSnapshot struct {
	ChannelID string              `json:"channelId"`
	State     domain.ChannelState `json:"state"`
}

// SnapshotPayload is sent to every newly connected client and periodically
// to all clients.
type SnapshotPayload struct {
	Channels []ChannelSnapshot `json:"channels"`
}

// DeltaPayload carries incremental state changes since the last flush.
type DeltaPayload struct {
	Updates []ChannelSnapshot `json:"updates"`
}

// OutagePayload announces an outage opening or closing.
type OutagePayload struct {
	ChannelID string        `json:"channelId"`
	Outage    domain.Outage `json:"outage"`
	Opened    bool          `json:"opened"`
}

// FishyPayload announces a fishy-trigger suggestion.
type FishyPayload struct {
	ChannelID string `json:"channelId"`
	Reason    string `json:"reason"`
}
