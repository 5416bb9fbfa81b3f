package loaders

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/extensionhost/pkg/plugins"
	"github.com/platinummonkey/extensionhost/pkg/plugins/sources"
	"github.com/platinummonkey/extensionhost/pkg/pluginsdk"
)

// ExecutableName is the file a process plugin ships as its entry point
const ExecutableName = "index"

// DefaultStopTimeout is how long a process gets to exit after an interrupt
const DefaultStopTimeout = 5 * time.Second

type process struct {
	cmd  *exec.Cmd
	done chan struct{}
	out  io.Closer
}

// Process runs plugin executables as child processes. A started process
// registers itself by calling back into the host at RegisterURL.
type Process struct {
	registerURL string
	transport   plugins.Transport
	cacheDir    string
	stopTimeout time.Duration
	log         *logrus.Logger

	mu    sync.Mutex
	procs map[string]*process
}

// ProcessOption configures a Process loader
type ProcessOption func(*Process)

// WithTransport sets the transport used to download remote executables
func WithTransport(t plugins.Transport) ProcessOption {
	return func(p *Process) { p.transport = t }
}

// WithCacheDir sets where remote executables are stored
func WithCacheDir(dir string) ProcessOption {
	return func(p *Process) { p.cacheDir = dir }
}

// WithStopTimeout sets the grace period between interrupt and kill
func WithStopTimeout(d time.Duration) ProcessOption {
	return func(p *Process) { p.stopTimeout = d }
}

// WithProcessLogger sets the logger receiving process output
func WithProcessLogger(log *logrus.Logger) ProcessOption {
	return func(p *Process) { p.log = log }
}

// NewProcess creates a process loader handing registerURL to every child
func NewProcess(registerURL string, opts ...ProcessOption) *Process {
	p := &Process{
		registerURL: registerURL,
		cacheDir:    defaultCacheDir(),
		stopTimeout: DefaultStopTimeout,
		log:         logrus.New(),
		procs:       make(map[string]*process),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute starts the executable at location. It returns once the process is
// running; the process outlives ctx and is stopped by Release or Shutdown.
func (p *Process) Execute(ctx context.Context, location string) error {
	path, err := resolveModule(ctx, p.transport, p.cacheDir, location, ExecutableName)
	if err != nil {
		return err
	}

	// a location runs at most one process
	if err := p.Release(ctx, location); err != nil {
		return err
	}

	logger := p.log.WithField("plugin_location", location)
	out := logger.WriterLevel(logrus.InfoLevel)

	cmd := exec.Command(path)
	cmd.Dir = filepath.Dir(path)
	cmd.Env = append(os.Environ(),
		pluginsdk.EnvRegisterURL+"="+p.registerURL,
		pluginsdk.EnvPluginLocation+"="+location,
	)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		out.Close()
		return fmt.Errorf("failed to start %s: %w", path, err)
	}

	proc := &process{cmd: cmd, done: make(chan struct{}), out: out}

	p.mu.Lock()
	p.procs[location] = proc
	p.mu.Unlock()

	logger.WithField("pid", cmd.Process.Pid).Info("Started plugin process")

	go func() {
		err := cmd.Wait()
		out.Close()
		close(proc.done)

		p.mu.Lock()
		if p.procs[location] == proc {
			delete(p.procs, location)
		}
		p.mu.Unlock()

		if err != nil {
			logger.WithError(err).Warn("Plugin process exited")
		} else {
			logger.Info("Plugin process exited")
		}
	}()

	return nil
}

// Running reports whether a process is alive for location
func (p *Process) Running(location string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.procs[location]
	return ok
}

// Release stops the process started for location, if any
func (p *Process) Release(ctx context.Context, location string) error {
	p.mu.Lock()
	proc, ok := p.procs[location]
	if ok {
		delete(p.procs, location)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return p.stop(ctx, proc)
}

// Shutdown stops every running process
func (p *Process) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	procs := p.procs
	p.procs = make(map[string]*process)
	p.mu.Unlock()

	var firstErr error
	for location, proc := range procs {
		if err := p.stop(ctx, proc); err != nil {
			p.log.WithField("plugin_location", location).WithError(err).Error("Failed to stop plugin process")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (p *Process) stop(ctx context.Context, proc *process) error {
	if err := proc.cmd.Process.Signal(os.Interrupt); err != nil {
		select {
		case <-proc.done:
			return nil
		default:
		}
		return proc.cmd.Process.Kill()
	}

	timer := time.NewTimer(p.stopTimeout)
	defer timer.Stop()

	select {
	case <-proc.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := proc.cmd.Process.Kill(); err != nil {
		select {
		case <-proc.done:
			return nil
		default:
			return fmt.Errorf("failed to kill plugin process: %w", err)
		}
	}
	<-proc.done
	return nil
}

// isProcessLocation reports whether location can host an executable plugin
func isProcessLocation(location string) bool {
	switch sources.Scheme(location) {
	case sources.SchemeBuiltin:
		return false
	default:
		return true
	}
}
