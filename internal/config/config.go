// Package config loads the daemon's two independent configuration
// documents -- host settings and the workspace document -- and merges
// them into the single Config the rest of the daemon consults. The
// two-tier Load/LoadOrDefault/XDG-path shape and the Diff-based
// safe-reload contract are grounded in the teacher's internal/config/config.go.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GSejas/health-watch-sub004/internal/domain"
)

// HostConfig holds daemon-wide settings that are independent of any
// particular workspace: coordination, quiet hours, and the fallback
// probe defaults applied when a workspace document omits them.
type HostConfig struct {
	Enabled bool `yaml:"enabled"`

	DefaultIntervalSec int `yaml:"default_interval_sec"`
	DefaultTimeoutMS   int `yaml:"default_timeout_ms"`
	DefaultThreshold   int `yaml:"default_threshold"`
	DefaultJitterPct   int `yaml:"default_jitter_pct"`
	HighCadenceSec     int `yaml:"high_cadence_interval_sec"`

	// WatchDefaultDuration is "1h", "12h", "forever", or a millisecond
	// count. Zero-value WatchDefaultMS (after resolution) means unbounded.
	WatchDefaultDuration string `yaml:"watch_default_duration"`

	CoordinationEnabled bool   `yaml:"coordination_enabled"`
	CoordinationDir     string `yaml:"coordination_dir"`

	QuietHoursStart string `yaml:"quiet_hours_start"` // "HH:MM", empty disables
	QuietHoursEnd   string `yaml:"quiet_hours_end"`

	ReportAutoOpen   bool `yaml:"report_auto_open"`
	ScriptProbeAllow bool `yaml:"script_probe_allowed"`

	// WebProxyAllow is a carried knob for a web-proxy probe path that
	// doesn't exist yet; no component currently consults it.
	WebProxyAllow bool `yaml:"web_proxy_allowed"`

	Server ServerConfig `yaml:"server"`
}

// ServerConfig configures the debug/introspection HTTP and websocket
// surface in internal/diag.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token"`
	MaxConnections int      `yaml:"max_connections"`
}

// ChannelDoc is the on-disk shape of a channel entry in the workspace
// document. It mirrors domain.Channel but uses YAML-friendly nested
// payload blocks instead of Go pointers-to-struct fields.
type ChannelDoc struct {
	ID       string                  `yaml:"id"`
	Label    string                  `yaml:"label"`
	Variant  domain.Variant          `yaml:"variant"`
	Web      *domain.WebPayload      `yaml:"web,omitempty"`
	Socket   *domain.SocketPayload   `yaml:"socket,omitempty"`
	Name     *domain.NamePayload     `yaml:"name,omitempty"`
	Task     *domain.TaskPayload     `yaml:"task,omitempty"`
	HostTask *domain.HostTaskPayload `yaml:"host_task,omitempty"`

	IntervalSec *int            `yaml:"interval_sec,omitempty"`
	TimeoutMS   *int            `yaml:"timeout_ms,omitempty"`
	Threshold   *int            `yaml:"threshold,omitempty"`
	JitterPct   *int            `yaml:"jitter_pct,omitempty"`
	Guards      []string        `yaml:"guards,omitempty"`
	Priority    domain.Priority `yaml:"priority,omitempty"`
}

// ToChannel converts the document shape into the domain type.
func (d ChannelDoc) ToChannel() domain.Channel {
	return domain.Channel{
		ID: d.ID, Label: d.Label, Variant: d.Variant,
		Web: d.Web, Socket: d.Socket, Name: d.Name, Task: d.Task, HostTask: d.HostTask,
		IntervalSec: d.IntervalSec, TimeoutMS: d.TimeoutMS, Threshold: d.Threshold,
		JitterPct: d.JitterPct, Guards: d.Guards, Priority: d.Priority,
	}
}

// GuardDoc is the on-disk shape of a guard entry keyed by id in the
// workspace document's guards map.
type GuardDoc struct {
	Variant   domain.GuardVariant `yaml:"variant"`
	Interface string              `yaml:"interface,omitempty"`
	Hostname  string              `yaml:"hostname,omitempty"`
	TimeoutMS int                 `yaml:"timeout_ms,omitempty"`
}

// WorkspaceDefaults is the workspace document's defaults block. Any
// field left at its zero value falls through to HostConfig's defaults.
type WorkspaceDefaults struct {
	IntervalSec *int `yaml:"interval_sec,omitempty"`
	TimeoutMS   *int `yaml:"timeout_ms,omitempty"`
	Threshold   *int `yaml:"threshold,omitempty"`
	JitterPct   *int `yaml:"jitter_pct,omitempty"`
}

// WorkspaceConfig is the per-project document: channel list, named
// guards, and override defaults for channels that don't set their own.
type WorkspaceConfig struct {
	Defaults WorkspaceDefaults   `yaml:"defaults"`
	Guards   map[string]GuardDoc `yaml:"guards"`
	Channels []ChannelDoc        `yaml:"channels"`
}

// Config is the merged view consulted by the rest of the daemon.
type Config struct {
	Host     HostConfig
	Defaults WorkspaceDefaults
	Guards   []domain.Guard
	Channels []domain.Channel
}

// LoadHostConfig reads and decodes the host settings document.
func LoadHostConfig(path string) (*HostConfig, error) {
	cfg := defaultHostConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: decode host settings: %w", err)
	}
	return cfg, nil
}

// LoadHostConfigOrDefault loads the host document, or returns defaults
// if the path does not exist.
func LoadHostConfigOrDefault(path string) (*HostConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaultHostConfig(), nil
	}
	return LoadHostConfig(path)
}

// LoadWorkspaceConfig reads and decodes the workspace document.
func LoadWorkspaceConfig(path string) (*WorkspaceConfig, error) {
	ws := &WorkspaceConfig{}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, ws); err != nil {
		return nil, fmt.Errorf("config: decode workspace document: %w", err)
	}
	return ws, nil
}

func defaultHostConfig() *HostConfig {
	return &HostConfig{
		Enabled:              true,
		DefaultIntervalSec:   30,
		DefaultTimeoutMS:     5000,
		DefaultThreshold:     3,
		DefaultJitterPct:     10,
		HighCadenceSec:       10,
		WatchDefaultDuration: "1h",
		CoordinationEnabled:  true,
		CoordinationDir:      filepath.Join(DefaultStateDir(), "health-watch"),
		ScriptProbeAllow:     true,
		WebProxyAllow:        true,
		Server: ServerConfig{
			Port:           8787,
			Host:           "127.0.0.1",
			MaxConnections: 1000,
		},
	}
}

// Merge combines host settings and a workspace document into the
// daemon's working Config. Workspace-level defaults win over host
// defaults; channel-level overrides (handled later, by the scheduler's
// precedence resolution) are carried through unchanged. Host timeout,
// threshold and jitter defaults fill whatever is still unset; the host
// default interval is not copied into channels, since the scheduler
// applies it at its lowest precedence level.
func Merge(host *HostConfig, ws *WorkspaceConfig) *Config {
	cfg := &Config{Host: *host, Defaults: ws.Defaults}

	for id, g := range ws.Guards {
		guard := domain.Guard{ID: id, Variant: g.Variant, Interface: g.Interface, Hostname: g.Hostname}
		if g.TimeoutMS > 0 {
			guard.Timeout = time.Duration(g.TimeoutMS) * time.Millisecond
		}
		cfg.Guards = append(cfg.Guards, guard)
	}

	for _, cd := range ws.Channels {
		ch := cd.ToChannel()
		if ch.IntervalSec == nil {
			ch.IntervalSec = ws.Defaults.IntervalSec
		}
		if ch.TimeoutMS == nil {
			ch.TimeoutMS = ws.Defaults.TimeoutMS
		}
		if ch.TimeoutMS == nil && host.DefaultTimeoutMS > 0 {
			v := host.DefaultTimeoutMS
			ch.TimeoutMS = &v
		}
		if ch.Threshold == nil {
			ch.Threshold = ws.Defaults.Threshold
		}
		if ch.Threshold == nil && host.DefaultThreshold > 0 {
			v := host.DefaultThreshold
			ch.Threshold = &v
		}
		if ch.JitterPct == nil {
			ch.JitterPct = ws.Defaults.JitterPct
		}
		if ch.JitterPct == nil && host.DefaultJitterPct >= 0 {
			v := host.DefaultJitterPct
			ch.JitterPct = &v
		}
		cfg.Channels = append(cfg.Channels, ch)
	}

	return cfg
}

// WatchDefaultMS resolves the host's watch_default_duration field into
// milliseconds. "forever" and the empty string resolve to 0 (unbounded).
func (h *HostConfig) WatchDefaultMS() int64 {
	switch h.WatchDefaultDuration {
	case "", "forever":
		return 0
	case "1h":
		return int64(time.Hour / time.Millisecond)
	case "12h":
		return int64(12 * time.Hour / time.Millisecond)
	default:
		var ms int64
		if _, err := fmt.Sscanf(h.WatchDefaultDuration, "%d", &ms); err == nil {
			return ms
		}
		return 0
	}
}

// InQuietHours reports whether t falls within the configured quiet-hours
// window. The window may span midnight (e.g. 22:00-07:00): in that case
// a time is quiet if it is at or after the start OR before the end.
func (h *HostConfig) InQuietHours(t time.Time) bool {
	if h.QuietHoursStart == "" || h.QuietHoursEnd == "" {
		return false
	}
	start, err1 := time.Parse("15:04", h.QuietHoursStart)
	end, err2 := time.Parse("15:04", h.QuietHoursEnd)
	if err1 != nil || err2 != nil {
		return false
	}
	nowMinutes := t.Hour()*60 + t.Minute()
	startMinutes := start.Hour()*60 + start.Minute()
	endMinutes := end.Hour()*60 + end.Minute()

	if startMinutes == endMinutes {
		return false
	}
	if startMinutes < endMinutes {
		return nowMinutes >= startMinutes && nowMinutes < endMinutes
	}
	// spans midnight
	return nowMinutes >= startMinutes || nowMinutes < endMinutes
}

// DefaultStateDir returns the XDG-compliant state directory used for
// the coordination lock file and store data when not overridden.
func DefaultStateDir() string {
	if value := os.Getenv("XDG_STATE_HOME"); value != "" {
		return value
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".local", "state")
}

func defaultConfigDir() string {
	if value := os.Getenv("XDG_CONFIG_HOME"); value != "" {
		return value
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config")
}

// DefaultHostConfigPath returns the default XDG-compliant host settings path.
func DefaultHostConfigPath() string {
	return filepath.Join(defaultConfigDir(), "health-watch", "config.yaml")
}

// DefaultWorkspacePath returns the conventional workspace document path
// relative to a project directory.
func DefaultWorkspacePath(projectDir string) string {
	return filepath.Join(projectDir, ".health-watch.yaml")
}

// Diff compares two merged configs and reports human-readable
// descriptions of what changed. Reload-safe fields only: channel list,
// guard list, the host default interval/threshold/jitter, the
// high-cadence interval, and the quiet-hours window. Port/bind-address and
// coordination/store directories are not compared here -- those require
// a restart, mirroring the teacher's server-level-settings note.
func Diff(old, new *Config) []string {
	var changes []string

	oldByID := make(map[string]domain.Channel, len(old.Channels))
	for _, c := range old.Channels {
		oldByID[c.ID] = c
	}
	newByID := make(map[string]domain.Channel, len(new.Channels))
	for _, c := range new.Channels {
		newByID[c.ID] = c
	}
	for id := range newByID {
		if _, ok := oldByID[id]; !ok {
			changes = append(changes, fmt.Sprintf("channels: added %s", id))
		}
	}
	for id := range oldByID {
		if _, ok := newByID[id]; !ok {
			changes = append(changes, fmt.Sprintf("channels: removed %s", id))
		}
	}

	oldGuards := make(map[string]domain.Guard, len(old.Guards))
	for _, g := range old.Guards {
		oldGuards[g.ID] = g
	}
	newGuards := make(map[string]domain.Guard, len(new.Guards))
	for _, g := range new.Guards {
		newGuards[g.ID] = g
	}
	for id, g := range newGuards {
		if og, ok := oldGuards[id]; !ok {
			changes = append(changes, fmt.Sprintf("guards: added %s", id))
		} else if og != g {
			changes = append(changes, fmt.Sprintf("guards: %s changed", id))
		}
	}
	for id := range oldGuards {
		if _, ok := newGuards[id]; !ok {
			changes = append(changes, fmt.Sprintf("guards: removed %s", id))
		}
	}

	if old.Host.DefaultIntervalSec != new.Host.DefaultIntervalSec {
		changes = append(changes, fmt.Sprintf("default_interval_sec: %d -> %d", old.Host.DefaultIntervalSec, new.Host.DefaultIntervalSec))
	}
	if old.Host.DefaultThreshold != new.Host.DefaultThreshold {
		changes = append(changes, fmt.Sprintf("default_threshold: %d -> %d", old.Host.DefaultThreshold, new.Host.DefaultThreshold))
	}
	if old.Host.DefaultJitterPct != new.Host.DefaultJitterPct {
		changes = append(changes, fmt.Sprintf("default_jitter_pct: %d -> %d", old.Host.DefaultJitterPct, new.Host.DefaultJitterPct))
	}
	if old.Host.HighCadenceSec != new.Host.HighCadenceSec {
		changes = append(changes, fmt.Sprintf("high_cadence_interval_sec: %d -> %d", old.Host.HighCadenceSec, new.Host.HighCadenceSec))
	}
	if old.Host.QuietHoursStart != new.Host.QuietHoursStart || old.Host.QuietHoursEnd != new.Host.QuietHoursEnd {
		changes = append(changes, fmt.Sprintf("quiet_hours: %s-%s -> %s-%s", old.Host.QuietHoursStart, old.Host.QuietHoursEnd, new.Host.QuietHoursStart, new.Host.QuietHoursEnd))
	}

	return changes
}
