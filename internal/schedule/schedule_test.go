package schedule

import (
	"testing"
	"time"

	"github.com/GSejas/health-watch-sub004/internal/domain"
)

type fakeSource struct {
	channels           map[string]*domain.Channel
	states             map[string]domain.ChannelState
	individualInterval map[string]int
	globalWatch        bool
	leader             bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		channels:           make(map[string]*domain.Channel),
		states:             make(map[string]domain.ChannelState),
		individualInterval: make(map[string]int),
		leader:             true,
	}
}

func (f *fakeSource) Channel(id string) (*domain.Channel, bool) {
	ch, ok := f.channels[id]
	return ch, ok
}
func (f *fakeSource) State(id string) domain.ChannelState {
	return f.states[id]
}
func (f *fakeSource) IndividualWatchIntervalSec(id string) (int, bool) {
	v, ok := f.individualInterval[id]
	return v, ok
}
func (f *fakeSource) GlobalWatchActive() bool { return f.globalWatch }
func (f *fakeSource) IsLeader() bool          { return f.leader }

func intPtr(i int) *int { return &i }

func TestPrecedenceIndividualWatchWins(t *testing.T) {
	src := newFakeSource()
	src.channels["ch1"] = &domain.Channel{ID: "ch1", IntervalSec: intPtr(30)}
	src.individualInterval["ch1"] = 5
	src.globalWatch = true

	sched := New(src, nil, nil, Defaults{IntervalSec: 120, HighCadenceSec: 10})
	exp := sched.ExplainInterval("ch1")
	if exp.SourceLevel != "per-channel active watch" {
		t.Fatalf("SourceLevel = %q, want per-channel active watch", exp.SourceLevel)
	}
}

func TestPrecedenceChannelConfigBeatsGlobalWatch(t *testing.T) {
	src := newFakeSource()
	src.channels["ch1"] = &domain.Channel{ID: "ch1", IntervalSec: intPtr(30)}
	src.globalWatch = true

	sched := New(src, nil, nil, Defaults{IntervalSec: 120, HighCadenceSec: 10})
	exp := sched.ExplainInterval("ch1")
	if exp.SourceLevel != "channel configuration" {
		t.Fatalf("SourceLevel = %q, want channel configuration", exp.SourceLevel)
	}
}

func TestPrecedenceGlobalWatchBeatsDefaults(t *testing.T) {
	src := newFakeSource()
	src.channels["ch1"] = &domain.Channel{ID: "ch1"}
	src.globalWatch = true

	sched := New(src, nil, nil, Defaults{IntervalSec: 120, HighCadenceSec: 10})
	exp := sched.ExplainInterval("ch1")
	if exp.SourceLevel != "global active watch" {
		t.Fatalf("SourceLevel = %q, want global active watch", exp.SourceLevel)
	}
}

func TestWatchModeUsesFixedIntervalByPriority(t *testing.T) {
	src := newFakeSource()
	src.channels["ch1"] = &domain.Channel{ID: "ch1", Priority: domain.PriorityCritical}
	src.globalWatch = true

	sched := New(src, nil, nil, Defaults{IntervalSec: 120, HighCadenceSec: 10})
	exp := sched.ExplainInterval("ch1")
	if exp.Strategy != StrategyWatch {
		t.Fatalf("Strategy = %q, want watch", exp.Strategy)
	}
	// Critical watch interval is 10s; with the default 10% jitter (JitterPct
	// unset) final must stay within [9s, 11s].
	if exp.FinalInterval < 9*time.Second || exp.FinalInterval > 11*time.Second {
		t.Fatalf("FinalInterval = %v, want ~10s +/- jitter", exp.FinalInterval)
	}
}

func TestCrisisModeAcceleratesAndFloors(t *testing.T) {
	src := newFakeSource()
	src.channels["ch1"] = &domain.Channel{ID: "ch1", IntervalSec: intPtr(30), JitterPct: intPtr(0)}
	src.states["ch1"] = domain.ChannelState{Current: domain.StateOffline, ConsecutiveFailures: 3}

	sched := New(src, nil, nil, Defaults{IntervalSec: 120})
	exp := sched.ExplainInterval("ch1")
	if exp.Strategy != StrategyCrisis {
		t.Fatalf("Strategy = %q, want crisis", exp.Strategy)
	}
	if exp.FinalInterval < crisisFloor {
		t.Fatalf("FinalInterval = %v, below crisis floor %v", exp.FinalInterval, crisisFloor)
	}
}

func TestRecoveryModeBetweenStableAndCrisis(t *testing.T) {
	src := newFakeSource()
	src.channels["ch1"] = &domain.Channel{ID: "ch1", IntervalSec: intPtr(30), JitterPct: intPtr(0)}
	src.states["ch1"] = domain.ChannelState{Current: domain.StateOnline, ConsecutiveFailures: 2}

	sched := New(src, nil, nil, Defaults{IntervalSec: 120})
	exp := sched.ExplainInterval("ch1")
	if exp.Strategy != StrategyRecovery {
		t.Fatalf("Strategy = %q, want recovery", exp.Strategy)
	}
	if exp.FinalInterval < recoveryFloor {
		t.Fatalf("FinalInterval = %v, below recovery floor %v", exp.FinalInterval, recoveryFloor)
	}
}

func TestStableModeCapsAtSixHundredSeconds(t *testing.T) {
	src := newFakeSource()
	src.channels["ch1"] = &domain.Channel{ID: "ch1", IntervalSec: intPtr(900), JitterPct: intPtr(0)}
	src.states["ch1"] = domain.ChannelState{Current: domain.StateOnline}

	sched := New(src, nil, nil, Defaults{IntervalSec: 120})
	exp := sched.ExplainInterval("ch1")
	if exp.Strategy != StrategyStable {
		t.Fatalf("Strategy = %q, want stable", exp.Strategy)
	}
	if exp.FinalInterval > stableCap {
		t.Fatalf("FinalInterval = %v, exceeds stable cap %v", exp.FinalInterval, stableCap)
	}
}

func TestJitterStaysWithinBounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		got := applyJitter(100*time.Second, 10)
		if got < 89*time.Second || got > 111*time.Second {
			t.Fatalf("applyJitter out of bounds: %v", got)
		}
	}
}

func TestZeroJitterIsExact(t *testing.T) {
	if got := applyJitter(50*time.Second, 0); got != 50*time.Second {
		t.Fatalf("applyJitter with 0%% = %v, want exactly 50s", got)
	}
}
