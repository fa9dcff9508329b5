// Command healthwatchd runs the connectivity monitor daemon: it loads the
// host settings and workspace documents, wires the store, coordinator,
// guard evaluator, probe dispatcher, channel runner, scheduler, watch
// manager, and debug transport together, and serves until SIGINT/SIGTERM.
// Grounded on cmd/server/main.go's flag parsing, config loading, and
// signal-driven graceful shutdown shape.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/GSejas/health-watch-sub004/internal/config"
	"github.com/GSejas/health-watch-sub004/internal/coordinate"
	"github.com/GSejas/health-watch-sub004/internal/diag"
	"github.com/GSejas/health-watch-sub004/internal/domain"
	"github.com/GSejas/health-watch-sub004/internal/events"
	"github.com/GSejas/health-watch-sub004/internal/guard"
	"github.com/GSejas/health-watch-sub004/internal/probe"
	"github.com/GSejas/health-watch-sub004/internal/runner"
	"github.com/GSejas/health-watch-sub004/internal/schedule"
	"github.com/GSejas/health-watch-sub004/internal/store"
	"github.com/GSejas/health-watch-sub004/internal/watch"
)

func main() {
	hostConfigPath := flag.String("config", "", "path to host settings file (defaults to XDG config dir)")
	workspacePath := flag.String("workspace", "", "path to workspace document (defaults to ./.health-watch.yaml)")
	stateDir := flag.String("state-dir", "", "override the store/coordination state directory")
	port := flag.Int("port", 0, "override the debug server port")
	flag.Parse()

	hostPath := *hostConfigPath
	if hostPath == "" {
		hostPath = config.DefaultHostConfigPath()
	}
	host, err := config.LoadHostConfigOrDefault(hostPath)
	if err != nil {
		log.Fatalf("healthwatchd: failed to load host settings: %v", err)
	}

	wsPath := *workspacePath
	if wsPath == "" {
		cwd, _ := os.Getwd()
		wsPath = config.DefaultWorkspacePath(cwd)
	}
	ws, err := func() (*config.WorkspaceConfig, error) {
		if _, statErr := os.Stat(wsPath); os.IsNotExist(statErr) {
			return &config.WorkspaceConfig{}, nil
		}
		return config.LoadWorkspaceConfig(wsPath)
	}()
	if err != nil {
		log.Fatalf("healthwatchd: failed to load workspace document %s: %v", wsPath, err)
	}

	if *port > 0 {
		host.Server.Port = *port
	}
	if *stateDir != "" {
		host.CoordinationDir = *stateDir
	}

	cfg := config.Merge(host, ws)

	st, err := openStore(*stateDir)
	if err != nil {
		log.Fatalf("healthwatchd: failed to open store: %v", err)
	}

	bus := events.NewBus()
	evaluator := guard.New(cfg.Guards)
	dispatcher := probe.NewDispatcher(&http.Client{Timeout: 30 * time.Second}, host.ScriptProbeAllow)
	chRunner := runner.New(st, bus, dispatcher, evaluator)

	channelsByID := channelMap(cfg.Channels)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var watchMgr *watch.Manager
	isLeader := func() bool { return true }

	src := &channelSource{
		channels: channelsByID,
		store:    st,
		watchMgr: func() *watch.Manager { return watchMgr },
		isLeader: func() bool { return isLeader() },
	}

	if host.CoordinationEnabled {
		coord := coordinate.New(host.CoordinationDir, 15*time.Second)

		var leaseMu sync.Mutex
		var lease *coordinate.Lease
		isLeader = func() bool {
			leaseMu.Lock()
			defer leaseMu.Unlock()
			return lease != nil && lease.Context.Err() == nil
		}

		// AcquireAndHold blocks until leadership is won, so it runs in its
		// own goroutine: a follower still needs to reach the scheduler/diag
		// wiring below to poll the leader's published state and surface the
		// same observable events to its own local listeners.
		go func() {
			acquired, err := coord.AcquireAndHold(ctx, time.Second)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("healthwatchd: coordination lease acquisition stopped: %v", err)
				}
				return
			}
			leaseMu.Lock()
			lease = acquired
			leaseMu.Unlock()
			log.Printf("healthwatchd: acquired coordination leadership (window %s)", acquired.WindowID)
		}()

		defer func() {
			leaseMu.Lock()
			defer leaseMu.Unlock()
			if lease != nil {
				lease.Release()
			}
		}()

		go leaderPublishLoop(ctx, coord, isLeader, src, st)
		go followerMirrorLoop(ctx, coord, isLeader, src, st, bus)
	}

	sched := schedule.New(src, chRunner.Tick, bus, schedule.Defaults{
		IntervalSec:    host.DefaultIntervalSec,
		HighCadenceSec: host.HighCadenceSec,
		JitterPct:      host.DefaultJitterPct,
	})

	watchMgr = watch.New(st, bus, sched)

	for id := range channelsByID {
		sched.Start(ctx, id)
	}

	go forwardSamplesToWatch(ctx, bus, watchMgr)
	go expirySweepLoop(ctx, watchMgr)
	go retentionSweepLoop(ctx, st)
	go reloadOnSIGHUP(ctx, &hostPath, &wsPath, cfg, evaluator, src, sched)

	broadcaster := diag.NewBroadcaster(st, bus, src.ids, 100*time.Millisecond, 5*time.Second, host.Server.MaxConnections)
	defer broadcaster.Stop()

	diagServer := diag.NewServer(st, broadcaster, sched, watchMgr, src.ids, host.Server.AllowedOrigins, host.Server.AuthToken)
	mux := http.NewServeMux()
	diagServer.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("healthwatchd: shutting down")
		cancel()
		if err := watchMgr.StopWatch(); err != nil {
			log.Printf("healthwatchd: error finalizing watch session on shutdown: %v", err)
		}
		os.Exit(0)
	}()

	log.Printf("healthwatchd: serving debug surface on %s:%d", host.Server.Host, host.Server.Port)
	if err := diag.ListenAndServe(host.Server.Host, host.Server.Port, mux); err != nil {
		log.Fatalf("healthwatchd: server error: %v", err)
	}
}

func channelMap(channels []domain.Channel) map[string]*domain.Channel {
	m := make(map[string]*domain.Channel, len(channels))
	for i := range channels {
		m[channels[i].ID] = &channels[i]
	}
	return m
}

func openStore(override string) (*store.Store, error) {
	dir := override
	if dir == "" {
		dir = store.DefaultDir()
	}
	return store.Open(dir)
}

// channelSource adapts the live channel map and watch manager into the
// narrow schedule.ChannelSource interface, keeping the scheduler from
// importing the watch package directly. The channel map is replaced
// wholesale on a config reload, guarded by mu.
type channelSource struct {
	mu       sync.RWMutex
	channels map[string]*domain.Channel
	store    *store.Store
	watchMgr func() *watch.Manager
	isLeader func() bool
}

func (s *channelSource) Channel(id string) (*domain.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id]
	return ch, ok
}

// setChannels swaps in a freshly merged channel set and returns the ids
// added and removed relative to the previous set, so the caller can
// start/stop scheduler workers accordingly.
func (s *channelSource) setChannels(next map[string]*domain.Channel) (added, removed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range next {
		if _, ok := s.channels[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range s.channels {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	s.channels = next
	return added, removed
}

func (s *channelSource) ids() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.channels))
	for id := range s.channels {
		ids = append(ids, id)
	}
	return ids
}

func (s *channelSource) State(id string) domain.ChannelState {
	return s.store.GetState(id)
}

func (s *channelSource) IndividualWatchIntervalSec(id string) (int, bool) {
	return s.watchMgr().IndividualWatchIntervalSec(id)
}

func (s *channelSource) GlobalWatchActive() bool {
	return s.watchMgr().GlobalWatchActive()
}

func (s *channelSource) IsLeader() bool {
	return s.isLeader()
}

// forwardSamplesToWatch feeds every emitted sample into the watch
// manager's fishy-trigger evaluation and active-session accumulation.
// The watch manager never subscribes to the bus itself so that tests can
// drive it with ObserveSample directly; this loop is the only production
// wiring between the two.
func forwardSamplesToWatch(ctx context.Context, bus *events.Bus, mgr *watch.Manager) {
	sub := bus.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if evt.Type == events.TypeSample && evt.Sample != nil {
				mgr.ObserveSample(evt.ChannelID, *evt.Sample)
			}
		}
	}
}

func expirySweepLoop(ctx context.Context, mgr *watch.Manager) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := mgr.CheckExpiry(); err != nil {
				log.Printf("healthwatchd: watch expiry check failed: %v", err)
			}
		}
	}
}

// retentionSweepLoop periodically trims session-history entries and
// outages older than the store's retention cutoff (default 30 days).
// Sweeping every few hours rather than once a day is harmless -- Sweep is
// idempotent once nothing is past the cutoff.
func retentionSweepLoop(ctx context.Context, st *store.Store) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.Sweep(time.Now()); err != nil {
				log.Printf("healthwatchd: retention sweep failed: %v", err)
			}
		}
	}
}

// leaderPublishLoop periodically publishes this process's local channel
// states as a shared-state snapshot while it holds leadership, so that
// follower processes polling the same coordination directory can mirror
// observable state without running their own probes.
func leaderPublishLoop(ctx context.Context, coord *coordinate.Coordinator, isLeader func() bool, src *channelSource, st *store.Store) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !isLeader() {
				continue
			}
			ids := src.ids()
			now := time.Now()
			snapshot := make(map[string]domain.SharedChannelSnapshot, len(ids))
			for _, id := range ids {
				snapshot[id] = domain.SharedChannelSnapshot{ChannelID: id, State: st.GetState(id), UpdatedAt: now}
			}
			if err := coord.PublishState(snapshot); err != nil {
				log.Printf("healthwatchd: publishing shared state failed: %v", err)
			}
		}
	}
}

// followerMirrorLoop polls the leader's published shared state while this
// process is not the leader, mirroring any changed channel state into the
// local store's in-memory view (never persisted, see store.MirrorState) and
// republishing a state-changed event so local listeners such as the debug
// websocket feed see the same transitions the leader does.
func followerMirrorLoop(ctx context.Context, coord *coordinate.Coordinator, isLeader func() bool, src *channelSource, st *store.Store, bus *events.Bus) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if isLeader() {
				continue
			}
			shared, ok, err := coord.PollState()
			if err != nil {
				log.Printf("healthwatchd: polling shared state failed: %v", err)
				continue
			}
			if !ok {
				continue
			}
			for id, snap := range shared.Channels {
				local := st.GetState(id)
				if local.Current == snap.State.Current && local.LastTransitionAt.Equal(snap.State.LastTransitionAt) {
					continue
				}
				st.MirrorState(id, snap.State)
				mirrored := snap.State
				bus.Publish(events.Event{Type: events.TypeStateChanged, ChannelID: id, State: &mirrored, At: snap.UpdatedAt})
			}
		}
	}
}

// reloadOnSIGHUP re-reads the host and workspace documents, logs a diff
// of the reload-safe fields, and hot-applies the channel list and guard
// set. Port, bind address, and the coordination/store directories are
// intentionally not re-applied here -- those require a full restart,
// mirroring the teacher's own server-level-settings note.
func reloadOnSIGHUP(ctx context.Context, hostPath, wsPath *string, current *config.Config, evaluator *guard.Evaluator, src *channelSource, sched *schedule.Scheduler) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			host, err := config.LoadHostConfigOrDefault(*hostPath)
			if err != nil {
				log.Printf("healthwatchd: reload failed loading host settings: %v", err)
				continue
			}
			wsDoc, err := config.LoadWorkspaceConfig(*wsPath)
			if err != nil {
				log.Printf("healthwatchd: reload failed loading workspace document: %v", err)
				continue
			}
			next := config.Merge(host, wsDoc)
			for _, change := range config.Diff(current, next) {
				log.Printf("healthwatchd: config reload: %s", change)
			}
			*current = *next
			*evaluator = *guard.New(next.Guards)

			added, removed := src.setChannels(channelMap(next.Channels))
			for _, id := range added {
				sched.Start(ctx, id)
			}
			for _, id := range removed {
				sched.Stop(id)
			}
		}
	}
}
