// Package runner implements the per-channel state machine (spec
// component C5): turning probe samples into online/offline/unknown
// transitions, opening and closing outages, and emitting events.
//
// Grounded on the teacher's internal/monitor/monitor.go terminal-transition
// handling (markTerminal/scheduleRemoval) and internal/monitor/health.go's
// "emit only on status change" discipline, generalized from a two-state
// (active/terminal) session model to the three-state (online/offline/
// unknown) channel model this spec calls for, and from in-memory-only
// tracking to persisted ChannelState via internal/store.
package runner

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/GSejas/health-watch-sub004/internal/domain"
	"github.com/GSejas/health-watch-sub004/internal/events"
	"github.com/GSejas/health-watch-sub004/internal/guard"
	"github.com/GSejas/health-watch-sub004/internal/probe"
	"github.com/GSejas/health-watch-sub004/internal/store"
)

// Runner owns the state-machine transitions for one or more channels. A
// single Runner instance is shared across channels; its methods are safe
// for concurrent use by different channel IDs, but the spec's invariant
// of at most one in-flight probe per channel is the caller's
// responsibility (the scheduler never fires two ticks for the same
// channel concurrently).
type Runner struct {
	store      *store.Store
	bus        *events.Bus
	dispatcher *probe.Dispatcher
	evaluator  *guard.Evaluator
}

// New constructs a Runner wired to its collaborators.
func New(st *store.Store, bus *events.Bus, dispatcher *probe.Dispatcher, evaluator *guard.Evaluator) *Runner {
	return &Runner{store: st, bus: bus, dispatcher: dispatcher, evaluator: evaluator}
}

// Tick runs one probe cycle for ch: evaluates its guards, dispatches the
// probe if guards pass, records the sample, and advances the channel's
// state machine. It returns the sample actually recorded (a synthetic
// guard-failure sample if guards blocked the probe).
func (r *Runner) Tick(ctx context.Context, ch *domain.Channel) domain.Sample {
	if len(ch.Guards) > 0 {
		results := r.evaluator.Evaluate(ctx, ch.Guards)
		if !guard.AllPassed(results) {
			sample := domain.Sample{
				TimestampMS: time.Now().UnixMilli(),
				Success:     false,
				Class:       domain.ClassGuard,
				Error:       fmt.Sprintf("guard blocked probe: %+v", results),
			}
			r.record(ch.ID, sample, ch.EffectiveThreshold())
			return sample
		}
	}

	sample := r.dispatcher.Run(ctx, ch)
	r.record(ch.ID, sample, ch.EffectiveThreshold())
	return sample
}

// record persists the sample, advances the channel's state machine, and
// publishes events for state transitions and outage lifecycle changes.
func (r *Runner) record(channelID string, sample domain.Sample, threshold int) {
	if err := r.store.AppendSample(channelID, sample); err != nil {
		log.Printf("runner: appending sample for %s: %v", channelID, err)
	}

	var openedOutage *domain.Outage
	var closedOutageID string
	var transitioned bool
	var newState domain.ChannelState

	err := r.store.UpdateStateAndNotify(channelID, func(st *domain.ChannelState) {
		prev := st.Current
		if sample.Success {
			if st.Current != domain.StateOnline {
				transitioned = true
				if st.OpenOutageID != "" {
					closedOutageID = st.OpenOutageID
				}
			}
			st.Current = domain.StateOnline
			st.ConsecutiveFailures = 0
			st.FirstFailureAt = nil
			st.OpenOutageID = ""
		} else if sample.Class == domain.ClassGuard {
			// A guard blocking the probe says nothing about reachability:
			// leave the failure streak and any open outage untouched, and
			// mark the channel's status as unknown until a guard passes. A
			// channel that is already offline stays offline, since its
			// streak and open outage still stand.
			if st.Current != domain.StateOffline {
				if st.Current != domain.StateUnknown {
					transitioned = true
				}
				st.Current = domain.StateUnknown
			}
		} else {
			st.ConsecutiveFailures++
			if st.FirstFailureAt == nil {
				now := time.Now()
				st.FirstFailureAt = &now
			}
			if st.ConsecutiveFailures >= threshold && st.Current != domain.StateOffline {
				transitioned = true
				st.Current = domain.StateOffline
				id := uuid.NewString()
				st.OpenOutageID = id
				openedOutage = &domain.Outage{
					ID:                 id,
					ChannelID:          channelID,
					FirstFailureAt:     *st.FirstFailureAt,
					ConfirmedAt:        time.Now(),
					FailureCountAtConf: st.ConsecutiveFailures,
					Reason:             sample.Class,
				}
			} else if st.Current == domain.StateOnline {
				st.Current = domain.StateUnknown
			}
		}
		if prev != st.Current {
			st.LastTransitionAt = time.Now()
		}
		newState = *st
	}, nil)
	if err != nil {
		log.Printf("runner: updating state for %s: %v", channelID, err)
		return
	}

	if openedOutage != nil {
		if err := r.store.OpenOutage(*openedOutage); err != nil {
			log.Printf("runner: opening outage for %s: %v", channelID, err)
		}
		r.bus.Publish(events.Event{Type: events.TypeOutageOpened, ChannelID: channelID, Outage: openedOutage, At: time.Now()})
	}
	if closedOutageID != "" {
		if err := r.store.CloseOutage(channelID, time.Now()); err != nil {
			log.Printf("runner: closing outage for %s: %v", channelID, err)
		}
		r.bus.Publish(events.Event{Type: events.TypeOutageClosed, ChannelID: channelID, At: time.Now(), Reason: closedOutageID})
	}
	if transitioned {
		r.bus.Publish(events.Event{Type: events.TypeStateChanged, ChannelID: channelID, State: &newState, At: time.Now()})
	}
	r.bus.Publish(events.Event{Type: events.TypeSample, ChannelID: channelID, Sample: &sample, At: time.Now()})
}
