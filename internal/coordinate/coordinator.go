// Package coordinate implements cross-process leadership election and
// shared-state mirroring for instances of the monitor running against the
// same local state directory (spec component C2).
//
// The heartbeat and lease discipline is grounded in the example pack's
// generic lease-manager (other_examples/..._lease-manager-repository_after.go):
// renew at 1/3 of the lease TTL, fail fast once more than half the TTL has
// elapsed without a successful renewal, and use capped exponential backoff
// between renewal attempts. That example operates against a linearizable
// key-value store with compare-and-swap; this package adapts the same
// renewal cadence onto a plain JSON lock file written through
// internal/store's atomic write/read primitives, which gives at-least the
// durability guarantees the local-first design calls for but not true
// distributed compare-and-swap. Two processes can both believe they
// acquired the lease in the narrow race window between reading a stale
// lock and writing their own. While that lasts, both processes probe and
// both publish SharedState snapshots, so probing and publishing are
// duplicated and one process's store writes can overwrite the other's;
// every file write still goes through the store's atomic write path, so
// no document is left partially written.
package coordinate

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GSejas/health-watch-sub004/internal/domain"
	"github.com/GSejas/health-watch-sub004/internal/store"
)

const (
	lockFileName   = "leader.lock"
	sharedFileName = "shared-state.json"
)

// Lease represents held leadership. Call Release to relinquish it.
type Lease struct {
	WindowID string
	Context  context.Context
	release  func() error
}

// Release stops the heartbeat loop and deletes the lock record if this
// process still owns it.
func (l *Lease) Release() error {
	return l.release()
}

// Coordinator manages leader election and shared-state publishing against
// a directory shared by every local instance of the monitor.
type Coordinator struct {
	dir      string
	clientID string
	ttl      time.Duration

	mu          sync.Mutex
	seqRevision uint64
}

// New constructs a Coordinator rooted at dir (typically the same
// directory passed to store.Open) using ttl as the leadership lease
// duration. A random per-process client ID is generated so a crashed and
// restarted process on the same host does not appear to be the previous
// holder.
func New(dir string, ttl time.Duration) *Coordinator {
	return &Coordinator{
		dir:      dir,
		clientID: uuid.NewString(),
		ttl:      ttl,
	}
}

func (c *Coordinator) lockPath() string {
	return filepath.Join(c.dir, lockFileName)
}

func (c *Coordinator) sharedPath() string {
	return filepath.Join(c.dir, sharedFileName)
}

// AcquireAndHold blocks, polling at pollInterval, until leadership is
// acquired or ctx is canceled. On success it starts a background heartbeat
// goroutine and returns a Lease; the Lease's Context is canceled if
// leadership is subsequently lost (lease stolen, or repeated renewal
// failure past the safety window).
func (c *Coordinator) AcquireAndHold(ctx context.Context, pollInterval time.Duration) (*Lease, error) {
	windowID := uuid.NewString()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		acquired, err := c.tryAcquire(windowID)
		if err != nil {
			log.Printf("coordinate: acquire attempt failed: %v", err)
		}
		if acquired {
			workerCtx, workerCancel := context.WithCancel(ctx)
			stop := make(chan struct{})
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.heartbeatLoop(workerCtx, workerCancel, windowID, stop)
			}()

			return &Lease{
				WindowID: windowID,
				Context:  workerCtx,
				release: func() error {
					close(stop)
					wg.Wait()
					return c.releaseIfOwned(windowID)
				},
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// tryAcquire claims leadership if the lock record is absent or its lease
// has expired. It is not linearizable: a narrow race exists between two
// processes both observing a stale record and both writing their own (see
// package doc).
func (c *Coordinator) tryAcquire(windowID string) (bool, error) {
	current, exists, err := c.readLock()
	if err != nil {
		return false, err
	}
	now := time.Now()
	if exists && !c.isStale(current, now) {
		return false, nil
	}

	rec := domain.LockRecord{PID: os.Getpid(), WindowID: windowID, LeaseAt: now}
	if err := store.WriteLockRecord(c.lockPath(), rec); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Coordinator) isStale(rec domain.LockRecord, now time.Time) bool {
	return now.Sub(rec.LeaseAt) > c.ttl
}

func (c *Coordinator) readLock() (domain.LockRecord, bool, error) {
	return store.ReadLockRecord(c.lockPath())
}

// heartbeatLoop renews the lease at 1/3 TTL and gives up once more than
// half the TTL has elapsed since the last successful renewal, mirroring
// the lease-manager example's renew-at-1/3, fail-fast-at-1/2 discipline.
func (c *Coordinator) heartbeatLoop(ctx context.Context, cancelWorker context.CancelFunc, windowID string, stop <-chan struct{}) {
	defer cancelWorker()

	renewInterval := c.ttl / 3
	safetyWindow := c.ttl / 2
	lastSuccess := time.Now()

	renewOnce := func() bool {
		if time.Since(lastSuccess) > safetyWindow {
			log.Printf("coordinate: leadership lease expired past safety window, revoking")
			return false
		}

		backoff := 50 * time.Millisecond
		maxBackoff := 500 * time.Millisecond
		for {
			if time.Since(lastSuccess) > safetyWindow {
				return false
			}
			select {
			case <-stop:
				return false
			case <-ctx.Done():
				return false
			default:
			}

			ok, err := c.renew(windowID)
			if err == nil {
				if ok {
					lastSuccess = time.Now()
					return true
				}
				log.Printf("coordinate: lease stolen by another process, revoking leadership")
				return false
			}

			log.Printf("coordinate: lease renewal error: %v", err)
			select {
			case <-stop:
				return false
			case <-ctx.Done():
				return false
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}

	if !renewOnce() {
		return
	}

	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !renewOnce() {
				return
			}
		}
	}
}

// renew extends the lease if windowID still owns it.
func (c *Coordinator) renew(windowID string) (bool, error) {
	current, exists, err := c.readLock()
	if err != nil {
		return false, err
	}
	if !exists || current.WindowID != windowID {
		return false, nil
	}
	rec := domain.LockRecord{PID: current.PID, WindowID: windowID, LeaseAt: time.Now()}
	if err := store.WriteLockRecord(c.lockPath(), rec); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Coordinator) releaseIfOwned(windowID string) error {
	current, exists, err := c.readLock()
	if err != nil {
		return err
	}
	if !exists || current.WindowID != windowID {
		return nil
	}
	return store.DeleteLockRecord(c.lockPath())
}

// PublishState writes a new shared-state snapshot with a monotonically
// increasing revision. Only the current leader should call this.
func (c *Coordinator) PublishState(channels map[string]domain.SharedChannelSnapshot) error {
	c.mu.Lock()
	c.seqRevision++
	rev := c.seqRevision
	c.mu.Unlock()

	snap := domain.SharedState{
		Revision:  rev,
		Channels:  channels,
		UpdatedAt: time.Now(),
	}
	return store.WriteSharedState(c.sharedPath(), snap)
}

// PollState reads the current shared-state snapshot published by whichever
// process holds leadership. Followers call this to mirror leader state
// in memory; the result must never be written back to the durable store.
func (c *Coordinator) PollState() (domain.SharedState, bool, error) {
	return store.ReadSharedState(c.sharedPath())
}
