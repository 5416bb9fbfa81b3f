package plugins

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultReadinessTimeout is the ceiling after which the gate opens regardless of the signal
	DefaultReadinessTimeout = 5 * time.Second

	defaultProbeInterval = 100 * time.Millisecond
)

// Probe reports whether a shared host dependency is available
type Probe func(ctx context.Context) bool

// ReadinessGate holds module execution until the host signals that shared
// dependencies are attached. Waiting is bounded: once the ceiling passes the
// gate lets callers through anyway.
type ReadinessGate struct {
	ready    atomic.Bool
	once     sync.Once
	signal   chan struct{}
	timeout  time.Duration
	interval time.Duration
	probes   []Probe
	log      *logrus.Logger
}

// GateOption configures a ReadinessGate
type GateOption func(*ReadinessGate)

// WithProbe adds a probe polled while waiting; the first success marks the gate ready
func WithProbe(probe Probe) GateOption {
	return func(g *ReadinessGate) {
		g.probes = append(g.probes, probe)
	}
}

// WithProbeInterval overrides the probe polling interval
func WithProbeInterval(d time.Duration) GateOption {
	return func(g *ReadinessGate) {
		if d > 0 {
			g.interval = d
		}
	}
}

// WithGateLogger sets the gate's logger
func WithGateLogger(log *logrus.Logger) GateOption {
	return func(g *ReadinessGate) {
		if log != nil {
			g.log = log
		}
	}
}

// NewReadinessGate creates a gate with the given ceiling (DefaultReadinessTimeout when <= 0)
func NewReadinessGate(timeout time.Duration, opts ...GateOption) *ReadinessGate {
	if timeout <= 0 {
		timeout = DefaultReadinessTimeout
	}

	g := &ReadinessGate{
		signal:   make(chan struct{}),
		timeout:  timeout,
		interval: defaultProbeInterval,
		log:      logrus.New(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MarkReady sets the readiness flag and fires the one-shot event
func (g *ReadinessGate) MarkReady() {
	g.once.Do(func() {
		g.ready.Store(true)
		close(g.signal)
	})
}

// IsReady reports whether the readiness flag is set
func (g *ReadinessGate) IsReady() bool {
	return g.ready.Load()
}

// Ready returns a channel closed once the gate is marked ready
func (g *ReadinessGate) Ready() <-chan struct{} {
	return g.signal
}

// Await blocks until the gate is ready, the ceiling passes, or ctx is done.
// It returns true only when the readiness signal was actually observed.
func (g *ReadinessGate) Await(ctx context.Context) bool {
	if g.IsReady() {
		return true
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	var tick <-chan time.Time
	if len(g.probes) > 0 {
		if g.probe(ctx) {
			return true
		}
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-g.signal:
			return true
		case <-tick:
			if g.probe(ctx) {
				return true
			}
		case <-timer.C:
			g.log.Warnf("Readiness signal not received within %v, proceeding anyway", g.timeout)
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (g *ReadinessGate) probe(ctx context.Context) bool {
	for _, p := range g.probes {
		if p(ctx) {
			g.MarkReady()
			return true
		}
	}
	return false
}

// HTTPProbe returns a probe that succeeds when url answers with a 2xx status
func HTTPProbe(client *http.Client, url string) Probe {
	if client == nil {
		client = &http.Client{Timeout: time.Second}
	}

	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 300
	}
}
