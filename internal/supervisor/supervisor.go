// Package supervisor starts a child process, waits until it reports healthy
// over HTTP and stops it with a grace period before killing it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/torrentclaw/truestream/internal/schedule"
)

// State is the lifecycle state of a supervised process.
type State int

const (
	Stopped State = iota
	Starting
	Ready
	Errored
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Errored:
		return "errored"
	default:
		return "stopped"
	}
}

// Spec describes the process to run.
type Spec struct {
	Name string
	Path string
	Args []string
	// Env is appended to the parent environment.
	Env []string
	Dir string

	// HealthURL is polled after start; empty means ready as soon as the
	// process is running.
	HealthURL      string
	HealthInterval time.Duration
	HealthAttempts int
	HTTPClient     *http.Client

	// OnExit runs after the process exits without Stop being called, once
	// Exited is closed.
	OnExit func(Outcome)
}

// Outcome describes how a process ended.
type Outcome struct {
	ExitCode int    // -1 when killed by a signal
	Signal   string // set when killed by a signal
	Forced   bool   // the grace period expired and the process was killed
}

// ErrNotRunning is returned by Stop when there is nothing to stop.
var ErrNotRunning = errors.New("process not running")

// Process is one supervised child.
type Process struct {
	spec Spec
	http *http.Client

	mu       sync.Mutex
	state    State
	cmd      *exec.Cmd
	exited   chan struct{}
	waitErr  error
	stopping bool
	out      *lineWriter
}

// New returns a stopped process for spec.
func New(spec Spec) *Process {
	if spec.HealthInterval <= 0 {
		spec.HealthInterval = 500 * time.Millisecond
	}
	if spec.HealthAttempts <= 0 {
		spec.HealthAttempts = 60
	}
	client := spec.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	return &Process{spec: spec, http: client}
}

// Name returns the spec name.
func (p *Process) Name() string { return p.spec.Name }

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Pid returns the OS process id, or 0 when not running.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Start launches the process and blocks until it is healthy, it exits, or the
// health attempts run out. A process that fails to become healthy is killed.
// ctx bounds only the wait for health; the child outlives it.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state == Starting || p.state == Ready {
		p.mu.Unlock()
		return nil
	}

	cmd := exec.Command(p.spec.Path, p.spec.Args...)
	cmd.Env = append(os.Environ(), p.spec.Env...)
	cmd.Dir = p.spec.Dir
	out := newLineWriter(log.With().Str("process", p.spec.Name).Logger())
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		p.state = Errored
		p.mu.Unlock()
		return fmt.Errorf("start %s: %w", p.spec.Name, err)
	}

	exited := make(chan struct{})
	p.cmd, p.exited, p.out, p.waitErr, p.stopping = cmd, exited, out, nil, false
	p.state = Starting
	p.mu.Unlock()

	log.Debug().Str("process", p.spec.Name).Int("pid", cmd.Process.Pid).Msg("Process started")

	go func() {
		err := cmd.Wait()
		out.Flush()
		p.mu.Lock()
		p.waitErr = err
		unexpected := !p.stopping
		if unexpected {
			p.state = Stopped
		}
		p.mu.Unlock()
		close(exited)
		if unexpected {
			o := decode(err, false)
			log.Warn().Str("process", p.spec.Name).Str("outcome", describe(o)).Msg("Process exited unexpectedly")
			if p.spec.OnExit != nil {
				p.spec.OnExit(o)
			}
		}
	}()

	if p.spec.HealthURL == "" {
		p.setState(Ready)
		return nil
	}

	err := schedule.Poll(ctx, p.spec.HealthInterval, p.spec.HealthAttempts, func(ctx context.Context) (bool, error) {
		select {
		case <-exited:
			return false, fmt.Errorf("%s exited before becoming healthy: %s", p.spec.Name, describe(p.outcome(false)))
		default:
		}
		return p.HealthCheck(ctx) == nil, nil
	})
	if err != nil {
		if errors.Is(err, schedule.ErrExhausted) {
			err = fmt.Errorf("%s not healthy after %d attempts", p.spec.Name, p.spec.HealthAttempts)
		}
		_ = p.kill()
		p.setState(Errored)
		return err
	}

	p.setState(Ready)
	return nil
}

// HealthCheck performs one GET against the health URL; any 2xx is healthy.
func (p *Process) HealthCheck(ctx context.Context) error {
	if p.spec.HealthURL == "" {
		if p.State() == Ready {
			return nil
		}
		return ErrNotRunning
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.spec.HealthURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health %s: status %d", p.spec.Name, resp.StatusCode)
	}
	return nil
}

// Stop sends SIGTERM, waits up to grace for the process to exit and then
// kills it. ctx cancellation also forces the kill.
func (p *Process) Stop(ctx context.Context, grace time.Duration) (Outcome, error) {
	p.mu.Lock()
	cmd, exited := p.cmd, p.exited
	if cmd == nil || cmd.Process == nil {
		p.mu.Unlock()
		return Outcome{}, ErrNotRunning
	}
	p.stopping = true
	p.mu.Unlock()

	select {
	case <-exited:
		p.setState(Stopped)
		return p.outcome(false), nil
	default:
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Debug().Err(err).Str("process", p.spec.Name).Msg("SIGTERM failed")
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	forced := false
	select {
	case <-exited:
	case <-timer.C:
		forced = true
	case <-ctx.Done():
		forced = true
	}
	if forced {
		log.Warn().Str("process", p.spec.Name).Dur("grace", grace).Msg("Process ignored SIGTERM, killing")
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return Outcome{}, fmt.Errorf("kill %s: %w", p.spec.Name, err)
		}
		<-exited
	}

	p.setState(Stopped)
	o := p.outcome(forced)
	log.Debug().Str("process", p.spec.Name).Str("outcome", describe(o)).Msg("Process stopped")
	return o, nil
}

// Exited is closed when the current process has exited. It is nil before Start.
func (p *Process) Exited() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

func (p *Process) kill() error {
	p.mu.Lock()
	cmd, exited := p.cmd, p.exited
	p.stopping = true
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	err := cmd.Process.Kill()
	<-exited
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Process) outcome(forced bool) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return decode(p.waitErr, forced)
}

func decode(err error, forced bool) Outcome {
	o := Outcome{Forced: forced}
	if err == nil {
		return o
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		o.ExitCode = -1
		return o
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		o.ExitCode = -1
		o.Signal = signalName(status.Signal())
		return o
	}
	o.ExitCode = exitErr.ExitCode()
	return o
}

func describe(o Outcome) string {
	s := fmt.Sprintf("exit %d", o.ExitCode)
	if o.Signal != "" {
		s = "killed by signal " + o.Signal
	}
	if o.Forced {
		s += " (forced)"
	}
	return s
}

func signalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGBUS:
		return "SIGBUS"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGABRT:
		return "SIGABRT"
	default:
		return fmt.Sprintf("signal %d", sig)
	}
}

// lineWriter forwards complete output lines of a child to a logger.
type lineWriter struct {
	mu     sync.Mutex
	logger zerolog.Logger
	buf    []byte
}

func newLineWriter(logger zerolog.Logger) *lineWriter {
	return &lineWriter{logger: logger}
}

func (w *lineWriter) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range data {
		if b == '\n' {
			w.emit()
			continue
		}
		w.buf = append(w.buf, b)
	}
	return len(data), nil
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emit()
}

func (w *lineWriter) emit() {
	if len(w.buf) == 0 {
		return
	}
	w.logger.Info().Msg(string(w.buf))
	w.buf = w.buf[:0]
}
