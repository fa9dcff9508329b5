package coordinate

import (
	"context"
	"testing"
	"time"

	"github.com/GSejas/health-watch-sub004/internal/domain"
	"github.com/GSejas/health-watch-sub004/internal/store"
)

// writeTestLock writes a lock record directly, bypassing the normal
// acquire/heartbeat path, so tests can simulate a crashed holder whose
// lease has gone stale without a live goroutine keeping it fresh.
func (c *Coordinator) writeTestLock(windowID string, leaseAt time.Time) error {
	return store.WriteLockRecord(c.lockPath(), domain.LockRecord{PID: 1, WindowID: windowID, LeaseAt: leaseAt})
}

func TestAcquireAndHoldThenRelease(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 200*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	lease, err := c.AcquireAndHold(ctx, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireAndHold: %v", err)
	}
	if lease.WindowID == "" {
		t.Fatal("expected a non-empty window id")
	}

	if err := lease.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	rec, exists, err := c.readLock()
	if err != nil {
		t.Fatalf("readLock: %v", err)
	}
	if exists {
		t.Fatalf("expected lock file removed after release, got %+v", rec)
	}
}

func TestSecondAcquirerBlocksUntilFirstReleases(t *testing.T) {
	dir := t.TempDir()
	c1 := New(dir, 5*time.Second)
	c2 := New(dir, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	lease1, err := c1.AcquireAndHold(ctx, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("first AcquireAndHold: %v", err)
	}

	acquired2 := make(chan *Lease, 1)
	go func() {
		l, err := c2.AcquireAndHold(ctx, 20*time.Millisecond)
		if err != nil {
			return
		}
		acquired2 <- l
	}()

	select {
	case <-acquired2:
		t.Fatal("second coordinator acquired leadership while first still holds it")
	case <-time.After(150 * time.Millisecond):
	}

	if err := lease1.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	select {
	case lease2 := <-acquired2:
		if lease2.WindowID == lease1.WindowID {
			t.Fatal("second lease reused first lease's window id")
		}
		lease2.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("second coordinator never acquired leadership after release")
	}
}

func TestStaleLockIsTakenOver(t *testing.T) {
	dir := t.TempDir()
	shortTTL := 50 * time.Millisecond

	// Simulate a crashed holder: write a lock record directly, with no
	// heartbeat goroutine keeping it fresh.
	crashed := New(dir, shortTTL)
	if err := crashed.PublishState(nil); err != nil {
		t.Fatalf("PublishState: %v", err)
	}
	if err := crashed.writeTestLock("dead-window", time.Now().Add(-shortTTL*10)); err != nil {
		t.Fatalf("writeTestLock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c2 := New(dir, shortTTL)
	lease2, err := c2.AcquireAndHold(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireAndHold after staleness: %v", err)
	}
	defer lease2.Release()

	if lease2.WindowID == "dead-window" {
		t.Fatal("expected a distinct window id after takeover")
	}
}

func TestPublishAndPollState(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, time.Second)

	_, exists, err := c.PollState()
	if err != nil {
		t.Fatalf("PollState before publish: %v", err)
	}
	if exists {
		t.Fatal("expected no shared state before any publish")
	}

	if err := c.PublishState(nil); err != nil {
		t.Fatalf("PublishState: %v", err)
	}
	snap, exists, err := c.PollState()
	if err != nil {
		t.Fatalf("PollState: %v", err)
	}
	if !exists || snap.Revision != 1 {
		t.Fatalf("PollState = %+v exists=%v, want revision 1", snap, exists)
	}

	if err := c.PublishState(nil); err != nil {
		t.Fatalf("second PublishState: %v", err)
	}
	snap2, _, err := c.PollState()
	if err != nil {
		t.Fatalf("PollState: %v", err)
	}
	if snap2.Revision != 2 {
		t.Fatalf("second Revision = %d, want 2", snap2.Revision)
	}
}
