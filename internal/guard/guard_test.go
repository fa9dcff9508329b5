package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/GSejas/health-watch-sub004/internal/domain"
)

type fakeResolver struct {
	addrs map[string][]string
	err   error
}

func (f fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.addrs[host], nil
}

type fakeLister struct {
	ifaces []psnet.InterfaceStat
	err    error
}

func (f fakeLister) Interfaces() ([]psnet.InterfaceStat, error) {
	return f.ifaces, f.err
}

func TestEvaluateInterfaceUp(t *testing.T) {
	guards := []domain.Guard{
		{ID: "eth0-up", Variant: domain.GuardInterfaceUp, Interface: "eth0"},
		{ID: "missing", Variant: domain.GuardInterfaceUp, Interface: "wlan9"},
	}
	lister := fakeLister{ifaces: []psnet.InterfaceStat{
		{Name: "eth0", Flags: []string{"up", "broadcast"}},
		{Name: "lo", Flags: []string{"up", "loopback"}},
	}}
	e := NewWithDeps(guards, fakeResolver{}, lister)

	results := e.Evaluate(context.Background(), []string{"eth0-up", "missing"})
	if !results[0].Passed {
		t.Fatalf("eth0-up should pass, got %+v", results[0])
	}
	if results[1].Passed {
		t.Fatalf("missing interface should fail, got %+v", results[1])
	}
}

func TestEvaluateInterfaceDown(t *testing.T) {
	guards := []domain.Guard{{ID: "eth0-up", Variant: domain.GuardInterfaceUp, Interface: "eth0"}}
	lister := fakeLister{ifaces: []psnet.InterfaceStat{{Name: "eth0", Flags: []string{"broadcast"}}}}
	e := NewWithDeps(guards, fakeResolver{}, lister)

	results := e.Evaluate(context.Background(), []string{"eth0-up"})
	if results[0].Passed {
		t.Fatalf("down interface should fail, got %+v", results[0])
	}
}

func TestEvaluateNameResolvable(t *testing.T) {
	guards := []domain.Guard{
		{ID: "dns-ok", Variant: domain.GuardNameResolvable, Hostname: "example.com", Timeout: time.Second},
		{ID: "dns-fail", Variant: domain.GuardNameResolvable, Hostname: "nowhere.invalid", Timeout: time.Second},
	}
	resolver := fakeResolver{addrs: map[string][]string{"example.com": {"93.184.216.34"}}}
	e := NewWithDeps(guards, resolver, fakeLister{})

	results := e.Evaluate(context.Background(), []string{"dns-ok", "dns-fail"})
	if !results[0].Passed {
		t.Fatalf("dns-ok should pass, got %+v", results[0])
	}
	if results[1].Passed {
		t.Fatalf("dns-fail should fail (no addresses), got %+v", results[1])
	}
}

func TestEvaluateNameResolvableError(t *testing.T) {
	guards := []domain.Guard{{ID: "dns-err", Variant: domain.GuardNameResolvable, Hostname: "example.com"}}
	resolver := fakeResolver{err: errors.New("network unreachable")}
	e := NewWithDeps(guards, resolver, fakeLister{})

	results := e.Evaluate(context.Background(), []string{"dns-err"})
	if results[0].Passed {
		t.Fatalf("resolver error should fail the guard, got %+v", results[0])
	}
}

func TestEvaluateUnknownGuardIDFailsClosed(t *testing.T) {
	e := NewWithDeps(nil, fakeResolver{}, fakeLister{})
	results := e.Evaluate(context.Background(), []string{"does-not-exist"})
	if results[0].Passed {
		t.Fatal("unknown guard id should fail closed")
	}
}

func TestAllPassed(t *testing.T) {
	if !AllPassed(nil) {
		t.Fatal("AllPassed(nil) should be true (vacuous)")
	}
	if !AllPassed([]Result{{Passed: true}, {Passed: true}}) {
		t.Fatal("expected true when all pass")
	}
	if AllPassed([]Result{{Passed: true}, {Passed: false}}) {
		t.Fatal("expected false when any fails")
	}
}
