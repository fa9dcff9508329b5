// Package guard implements the monitor's precondition evaluator (spec
// component C3): stateless checks that gate whether a channel's probe
// should run at all this tick.
//
// The teacher has no direct equivalent of a precondition-gate concept, but
// its internal/monitor/process.go wraps raw OS facts (CPU ticks, TCP
// connection counts) behind small, independently testable functions. This
// package follows that shape, swapping the teacher's Linux-only /proc
// parsing for github.com/shirou/gopsutil/v3, which is already a teacher
// dependency and is cross-platform where the teacher's own process code
// was not.
package guard

import (
	"context"
	"fmt"
	"net"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/GSejas/health-watch-sub004/internal/domain"
)

// Result is the outcome of evaluating a single guard.
type Result struct {
	GuardID string
	Passed  bool
	Reason  string
}

// Resolver abstracts DNS lookups so tests can substitute a fake resolver.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// InterfaceLister abstracts host network interface enumeration so tests
// can substitute a fake list instead of the real host's interfaces.
type InterfaceLister interface {
	Interfaces() ([]psnet.InterfaceStat, error)
}

type gopsutilLister struct{}

func (gopsutilLister) Interfaces() ([]psnet.InterfaceStat, error) {
	return psnet.Interfaces()
}

// Evaluator evaluates named guards against live host state.
type Evaluator struct {
	resolver  Resolver
	ifaces    InterfaceLister
	guardByID map[string]domain.Guard
}

// New constructs an Evaluator over the given guard definitions, using the
// real system resolver and network interface list.
func New(guards []domain.Guard) *Evaluator {
	return NewWithDeps(guards, net.DefaultResolver, gopsutilLister{})
}

// NewWithDeps constructs an Evaluator with injected dependencies, for
// testing.
func NewWithDeps(guards []domain.Guard, resolver Resolver, ifaces InterfaceLister) *Evaluator {
	byID := make(map[string]domain.Guard, len(guards))
	for _, g := range guards {
		byID[g.ID] = g
	}
	return &Evaluator{resolver: resolver, ifaces: ifaces, guardByID: byID}
}

// Evaluate runs every named guard and returns one Result per ID, in the
// order given. An unknown guard ID fails closed (Passed=false) rather
// than panicking or being silently skipped, since a misconfigured guard
// reference should not let a probe through unchecked.
func (e *Evaluator) Evaluate(ctx context.Context, guardIDs []string) []Result {
	results := make([]Result, 0, len(guardIDs))
	for _, id := range guardIDs {
		g, ok := e.guardByID[id]
		if !ok {
			results = append(results, Result{GuardID: id, Passed: false, Reason: "unknown guard id"})
			continue
		}
		results = append(results, e.evaluateOne(ctx, g))
	}
	return results
}

// AllPassed is a convenience for callers that only need a single boolean.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func (e *Evaluator) evaluateOne(ctx context.Context, g domain.Guard) Result {
	switch g.Variant {
	case domain.GuardInterfaceUp:
		return e.evaluateInterfaceUp(g)
	case domain.GuardNameResolvable:
		return e.evaluateNameResolvable(ctx, g)
	default:
		return Result{GuardID: g.ID, Passed: false, Reason: fmt.Sprintf("unsupported guard variant %q", g.Variant)}
	}
}

func (e *Evaluator) evaluateInterfaceUp(g domain.Guard) Result {
	ifaces, err := e.ifaces.Interfaces()
	if err != nil {
		return Result{GuardID: g.ID, Passed: false, Reason: fmt.Sprintf("listing interfaces: %v", err)}
	}
	for _, iface := range ifaces {
		if iface.Name != g.Interface {
			continue
		}
		for _, flag := range iface.Flags {
			if flag == "up" {
				return Result{GuardID: g.ID, Passed: true}
			}
		}
		return Result{GuardID: g.ID, Passed: false, Reason: fmt.Sprintf("interface %q present but not up", g.Interface)}
	}
	return Result{GuardID: g.ID, Passed: false, Reason: fmt.Sprintf("interface %q not found", g.Interface)}
}

func (e *Evaluator) evaluateNameResolvable(ctx context.Context, g domain.Guard) Result {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addrs, err := e.resolver.LookupHost(lookupCtx, g.Hostname)
	if err != nil {
		return Result{GuardID: g.ID, Passed: false, Reason: fmt.Sprintf("resolving %q: %v", g.Hostname, err)}
	}
	if len(addrs) == 0 {
		return Result{GuardID: g.ID, Passed: false, Reason: fmt.Sprintf("resolving %q: no addresses", g.Hostname)}
	}
	return Result{GuardID: g.ID, Passed: true}
}
