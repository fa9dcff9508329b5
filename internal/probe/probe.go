// Package probe implements the monitor's polymorphic probe dispatcher
// (spec component C4): one uniform entry point that runs whichever
// variant a channel carries and returns a domain.Sample.
//
// The dispatch shape is grounded in the teacher's internal/monitor/source.go
// Source interface, which exposes a small two-method contract
// (Discover/Parse) behind which every concrete source type hides its own
// mechanics. This package collapses that into a single Run(ctx, channel)
// contract per variant, registered in a table the way the teacher's
// monitor wires up its per-source adapters, because a probe here is a
// single request/response rather than a long-lived discover-then-poll
// session.
package probe

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/GSejas/health-watch-sub004/internal/domain"
)

// Runner executes one probe variant and reports the outcome as a Sample.
type Runner interface {
	Run(ctx context.Context, ch *domain.Channel) domain.Sample
}

// Dispatcher routes a channel to the Runner registered for its Variant.
type Dispatcher struct {
	runners map[domain.Variant]Runner
}

// NewDispatcher builds a Dispatcher wired with the standard set of
// runners. httpClient, if nil, defaults to a client with no overall
// timeout (per-probe timeouts are enforced via context instead, so a slow
// channel doesn't need a bespoke client). scriptProbeAllowed gates the
// shell-command task runner: when false, task channels are refused rather
// than executed.
func NewDispatcher(httpClient *http.Client, scriptProbeAllowed bool) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Dispatcher{runners: map[domain.Variant]Runner{
		domain.VariantWeb:      &WebRunner{Client: httpClient},
		domain.VariantSocket:   &SocketRunner{},
		domain.VariantName:     &NameRunner{},
		domain.VariantTask:     &TaskRunner{Allowed: scriptProbeAllowed},
		domain.VariantHostTask: &HostTaskRunner{},
	}}
}

// RegisterHostTask binds a label used by HostTask channels to a function
// the host process provides. Must be called before any channel
// referencing that label is dispatched.
func (d *Dispatcher) RegisterHostTask(label string, fn func(ctx context.Context) error) {
	ht := d.runners[domain.VariantHostTask].(*HostTaskRunner)
	if ht.Tasks == nil {
		ht.Tasks = make(map[string]func(ctx context.Context) error)
	}
	ht.Tasks[label] = fn
}

// Run dispatches ch to its variant's runner, enforcing the channel's
// effective timeout and stamping the result's timestamp. Every invocation
// gets its own cancelable sub-context so one slow probe can never hold up
// another's cancellation.
func (d *Dispatcher) Run(ctx context.Context, ch *domain.Channel) domain.Sample {
	start := time.Now()
	runner, ok := d.runners[ch.Variant]
	if !ok {
		return domain.Sample{
			TimestampMS: start.UnixMilli(),
			Success:     false,
			Class:       domain.ClassOther,
			Error:       fmt.Sprintf("no runner registered for variant %q", ch.Variant),
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, ch.EffectiveTimeout())
	defer cancel()

	sample := runner.Run(probeCtx, ch)
	sample.TimestampMS = start.UnixMilli()
	sample.LatencyMS = time.Since(start).Milliseconds()
	return sample
}

// WebRunner probes an HTTP(S) endpoint.
type WebRunner struct {
	Client *http.Client
}

func (r *WebRunner) Run(ctx context.Context, ch *domain.Channel) domain.Sample {
	if ch.Web == nil {
		return failSample(domain.ClassOther, "channel missing web payload")
	}
	p := ch.Web

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return failSample(domain.ClassHTTP, fmt.Sprintf("building request: %v", err))
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return failSample(domain.ClassTimeout, err.Error())
		}
		if isTLSError(err) {
			return failSample(domain.ClassTLS, err.Error())
		}
		return failSample(domain.ClassHTTP, err.Error())
	}
	defer resp.Body.Close()

	if p.TreatAuthAsUp && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return domain.Sample{Success: true, Details: map[string]string{"status": strconv.Itoa(resp.StatusCode)}}
	}
	if !statusAcceptable(resp.StatusCode, p) {
		return failSample(domain.ClassHTTP, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
	if p.RequireHeader != "" && !headerPresent(resp.Header, p.RequireHeader) {
		return failSample(domain.ClassHTTP, fmt.Sprintf("missing required header %q", p.RequireHeader))
	}
	if p.BodyRegex != "" {
		ok, err := bodyMatches(resp.Body, p.BodyRegex)
		if err != nil {
			return failSample(domain.ClassHTTP, fmt.Sprintf("body regex: %v", err))
		}
		if !ok {
			return failSample(domain.ClassHTTP, "response body did not match required pattern")
		}
	}
	return domain.Sample{Success: true, Details: map[string]string{"status": strconv.Itoa(resp.StatusCode)}}
}

func statusAcceptable(status int, p *domain.WebPayload) bool {
	if len(p.ExpectStatuses) > 0 {
		for _, s := range p.ExpectStatuses {
			if s == status {
				return true
			}
		}
		return false
	}
	if p.ExpectStatusLow > 0 && p.ExpectStatusHigh > 0 {
		return status >= p.ExpectStatusLow && status <= p.ExpectStatusHigh
	}
	return status >= 200 && status < 400
}

func headerPresent(h http.Header, spec string) bool {
	parts := strings.SplitN(spec, ":", 2)
	name := strings.TrimSpace(parts[0])
	if len(parts) == 1 {
		return h.Get(name) != ""
	}
	want := strings.TrimSpace(parts[1])
	return strings.EqualFold(h.Get(name), want)
}

func bodyMatches(body interface{ Read([]byte) (int, error) }, pattern string) (bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, err
	}
	buf := &bytes.Buffer{}
	if _, err := buf.ReadFrom(body); err != nil {
		return false, err
	}
	return re.Match(buf.Bytes()), nil
}

func isTLSError(err error) bool {
	var certErr *tls.CertificateVerificationError
	return asTLSError(err, &certErr)
}

func asTLSError(err error, target **tls.CertificateVerificationError) bool {
	for err != nil {
		if ce, ok := err.(*tls.CertificateVerificationError); ok {
			*target = ce
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// SocketRunner probes a raw TCP connection.
type SocketRunner struct{}

func (r *SocketRunner) Run(ctx context.Context, ch *domain.Channel) domain.Sample {
	if ch.Socket == nil {
		return failSample(domain.ClassOther, "channel missing socket payload")
	}
	addr := net.JoinHostPort(ch.Socket.Host, strconv.Itoa(ch.Socket.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return failSample(domain.ClassTimeout, err.Error())
		}
		return failSample(domain.ClassSocket, err.Error())
	}
	conn.Close()
	return domain.Sample{Success: true}
}

// NameRunner probes DNS resolution of a hostname.
type NameRunner struct{}

func (r *NameRunner) Run(ctx context.Context, ch *domain.Channel) domain.Sample {
	if ch.Name == nil {
		return failSample(domain.ClassOther, "channel missing name payload")
	}
	addrs, err := net.DefaultResolver.LookupHost(ctx, ch.Name.Hostname)
	if err != nil {
		if ctx.Err() != nil {
			return failSample(domain.ClassTimeout, err.Error())
		}
		return failSample(domain.ClassNameResolution, err.Error())
	}
	if len(addrs) == 0 {
		return failSample(domain.ClassNameResolution, "no addresses returned")
	}
	return domain.Sample{Success: true, Details: map[string]string{"addr": addrs[0]}}
}

// TaskRunner probes by running a local shell command; exit code 0 is
// success. Allowed gates whether the runner will execute a command at
// all, mirroring the host's script-probe consent setting -- a task
// channel runs freely until that setting is turned off.
type TaskRunner struct {
	Allowed bool
}

func (r *TaskRunner) Run(ctx context.Context, ch *domain.Channel) domain.Sample {
	if !r.Allowed {
		return failSample(domain.ClassTask, "script probes are disabled by host configuration")
	}
	if ch.Task == nil {
		return failSample(domain.ClassOther, "channel missing task payload")
	}
	shell := ch.Task.Shell
	if shell == "" {
		shell = "/bin/sh -c"
	}
	parts := strings.Fields(shell)
	args := append(append([]string{}, parts[1:]...), ch.Task.Command)
	cmd := exec.CommandContext(ctx, parts[0], args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return failSample(domain.ClassTimeout, err.Error())
		}
		return domain.Sample{
			Success: false,
			Class:   domain.ClassTask,
			Error:   err.Error(),
			Details: map[string]string{"output": truncate(string(out), 512)},
		}
	}
	return domain.Sample{Success: true, Details: map[string]string{"output": truncate(string(out), 512)}}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// HostTaskRunner dispatches to a named host-provided task rather than
// running an arbitrary command. The host-provided task function must be
// registered in advance; an unregistered label fails the probe. Host
// tasks are best-effort cancellable: the function is expected to observe
// ctx itself, since this runner has no access to the task's underlying
// process tree and cannot forcibly terminate it (see DESIGN.md's host-task
// cancellation decision).
type HostTaskRunner struct {
	Tasks map[string]func(ctx context.Context) error
}

func (r *HostTaskRunner) Run(ctx context.Context, ch *domain.Channel) domain.Sample {
	if ch.HostTask == nil {
		return failSample(domain.ClassOther, "channel missing host-task payload")
	}
	fn, ok := r.Tasks[ch.HostTask.TaskLabel]
	if !ok {
		return failSample(domain.ClassTask, fmt.Sprintf("no host task registered for label %q", ch.HostTask.TaskLabel))
	}
	if err := fn(ctx); err != nil {
		if ctx.Err() != nil {
			return failSample(domain.ClassTimeout, err.Error())
		}
		return failSample(domain.ClassTask, err.Error())
	}
	return domain.Sample{Success: true}
}

func failSample(class domain.Classification, errMsg string) domain.Sample {
	return domain.Sample{Success: false, Class: class, Error: errMsg}
}
