package moltgate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// SupervisorState is the lifecycle state of the managed gateway process.
type SupervisorState string

const (
	// StateIdle: no process and nobody asked for one.
	StateIdle SupervisorState = "idle"
	// StateWaiting: a start was requested but the gateway is not yet
	// configured; the poller triggers the start once config appears.
	StateWaiting SupervisorState = "waiting"
	// StateStarting: a spawn is in flight.
	StateStarting SupervisorState = "starting"
	// StateRunning: the process is live.
	StateRunning SupervisorState = "running"
	// StateRestarting: a stop-then-start cycle is in flight.
	StateRestarting SupervisorState = "restarting"
	// StateExited: the process died on its own; a retry is scheduled.
	StateExited SupervisorState = "exited"
)

// ExitStatus records how a gateway process ended.
type ExitStatus struct {
	Code int
}

// ProcessSpec describes one gateway launch.
type ProcessSpec struct {
	Entrypoint string
	Args       []string
	// Env entries are appended to the parent environment.
	Env []string
	Dir string
	// OnOutput receives each line of stdout/stderr. Optional.
	OnOutput func(stream, line string)
}

// ProcessHandle is a live (or finished) gateway process. Done is closed
// exactly once, after which ExitStatus reports the final status.
type ProcessHandle interface {
	PID() int
	Done() <-chan struct{}
	ExitStatus() (ExitStatus, bool)
	Signal(sig os.Signal) error
	Kill() error
}

// Launcher spawns gateway processes. The production launcher uses
// os/exec; tests substitute a fake.
type Launcher interface {
	Launch(spec ProcessSpec) (ProcessHandle, error)
}

// ---------- exec launcher ----------

type execLauncher struct{}

// NewExecLauncher returns the production Launcher backed by os/exec.
func NewExecLauncher() Launcher { return execLauncher{} }

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	mu   sync.Mutex
	exit *ExitStatus
}

func (l execLauncher) Launch(spec ProcessSpec) (ProcessHandle, error) {
	cmd := exec.Command(spec.Entrypoint, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("moltgate: failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("moltgate: failed to open stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("moltgate: failed to start %s: %w", spec.Entrypoint, err)
	}

	h := &execHandle{cmd: cmd, done: make(chan struct{})}
	var wg sync.WaitGroup
	wg.Add(2)
	scan := func(r io.Reader, stream string) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if spec.OnOutput != nil {
				spec.OnOutput(stream, scanner.Text())
			}
		}
	}
	go scan(stdout, "stdout")
	go scan(stderr, "stderr")
	go func() {
		// Drain both pipes before Wait so no output is lost.
		wg.Wait()
		err := cmd.Wait()
		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		h.mu.Lock()
		h.exit = &ExitStatus{Code: code}
		h.mu.Unlock()
		close(h.done)
	}()
	return h, nil
}

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) ExitStatus() (ExitStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exit == nil {
		return ExitStatus{}, false
	}
	return *h.exit, true
}

func (h *execHandle) Signal(sig os.Signal) error {
	if h.cmd.Process == nil {
		return errors.New("moltgate: process not started")
	}
	return h.cmd.Process.Signal(sig)
}

func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

// ---------- supervisor ----------

// SupervisorStatus is a point-in-time snapshot of the supervisor.
type SupervisorStatus struct {
	State        SupervisorState `json:"state"`
	PID          int             `json:"pid,omitempty"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	RestartCount int             `json:"restartCount"`
	LastExitCode *int            `json:"lastExitCode,omitempty"`
}

// SupervisorConfig wires a Supervisor. Journal and Hub may be nil;
// a nil Metrics is replaced with a fresh instance.
type SupervisorConfig struct {
	Launcher     Launcher
	Oracle       *Oracle
	Paths        Paths
	Gateway      GatewayConfig
	Journal      *Journal
	Metrics      *Metrics
	Hub          *EventHub
	RestartDelay time.Duration
	StopGrace    time.Duration
}

// Supervisor keeps at most one gateway process alive, restarts it after
// crashes and on demand, and remembers the config fingerprint each spawn
// was based on so the poller can detect drift.
//
// Two locks: lifecycle serializes whole start/stop/restart cycles,
// including waits for process exit, so overlapping operations can never
// spawn two processes. mu guards the snapshot fields and is never held
// across a wait.
type Supervisor struct {
	launcher     Launcher
	oracle       *Oracle
	paths        Paths
	gateway      GatewayConfig
	journal      *Journal
	metrics      *Metrics
	hub          *EventHub
	restartDelay time.Duration
	stopGrace    time.Duration

	lifecycle sync.Mutex

	mu        sync.Mutex
	state     SupervisorState
	handle    ProcessHandle
	gen       int
	startedAt time.Time
	restarts  int
	lastExit  *ExitStatus
	// stopGen marks the generation whose exit was requested by Stop or
	// Restart, so its watcher does not schedule a retry. Keyed by
	// generation rather than a flag: a stale watcher can never leak the
	// mark into the next process's lifetime.
	stopGen    int
	baseline   fileFingerprint
	baselineOK bool
}

// NewSupervisor builds a Supervisor in the Idle state.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 2 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = time.Second
	}
	return &Supervisor{
		launcher:     cfg.Launcher,
		oracle:       cfg.Oracle,
		paths:        cfg.Paths,
		gateway:      cfg.Gateway,
		journal:      cfg.Journal,
		metrics:      cfg.Metrics,
		hub:          cfg.Hub,
		restartDelay: cfg.RestartDelay,
		stopGrace:    cfg.StopGrace,
		state:        StateIdle,
	}
}

// Start launches the gateway if it is configured, parking in Waiting
// otherwise. Calling Start while a process is live is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.handle != nil {
		s.mu.Unlock()
		return nil
	}
	if !s.oracle.IsConfigured() {
		s.state = StateWaiting
		s.mu.Unlock()
		s.hub.BroadcastState(StateWaiting, 0, "gateway is not configured")
		log.Printf("supervisor: gateway is not configured, waiting")
		return nil
	}
	s.state = StateStarting
	s.mu.Unlock()
	return s.spawn()
}

// Restart performs a stop-then-start cycle, fully observing the old
// process's exit before the new one is spawned.
func (s *Supervisor) Restart(ctx context.Context, reason string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	h := s.handle
	if h != nil {
		s.stopGen = s.gen
	}
	s.state = StateRestarting
	s.restarts++
	s.mu.Unlock()

	s.metrics.RecordRestart()
	s.journal.Record(JournalRestart, reason)
	s.hub.BroadcastState(StateRestarting, 0, reason)
	log.Printf("supervisor: restarting gateway: %s", reason)
	if h != nil {
		s.terminate(h)
	}

	s.mu.Lock()
	s.handle = nil
	if !s.oracle.IsConfigured() {
		s.state = StateWaiting
		s.mu.Unlock()
		s.hub.BroadcastState(StateWaiting, 0, "gateway is not configured")
		return nil
	}
	s.state = StateStarting
	s.mu.Unlock()
	return s.spawn()
}

// Stop terminates the gateway and returns to Idle without scheduling a
// retry.
func (s *Supervisor) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	h := s.handle
	if h != nil {
		s.stopGen = s.gen
	}
	s.mu.Unlock()

	if h != nil {
		s.terminate(h)
	}

	s.mu.Lock()
	s.handle = nil
	s.state = StateIdle
	s.mu.Unlock()
	s.hub.BroadcastState(StateIdle, 0, "stopped")
	log.Printf("supervisor: gateway stopped")
}

// buildSpec resolves the token and renders the gateway command template
// with the built-in parameters.
func (s *Supervisor) buildSpec() (ProcessSpec, error) {
	token, err := s.oracle.ResolveToken()
	if err != nil {
		return ProcessSpec{}, err
	}
	params := map[string]string{
		"port":          strconv.Itoa(s.gateway.Port),
		"token":         token,
		"state_dir":     s.paths.StateDir,
		"workspace_dir": s.paths.WorkspaceDir,
	}
	args, err := renderArgs(s.gateway.Command.Args, params)
	if err != nil {
		return ProcessSpec{}, err
	}
	return ProcessSpec{
		Entrypoint: s.gateway.Command.Entrypoint,
		Args:       args,
		Env: []string{
			"MOLTBOT_STATE_DIR=" + s.paths.StateDir,
			"MOLTBOT_WORKSPACE_DIR=" + s.paths.WorkspaceDir,
			tokenEnvVar + "=" + token,
		},
		Dir: s.paths.DataDir,
		OnOutput: func(stream, line string) {
			log.Printf("gateway[%s]: %s", stream, line)
			s.hub.BroadcastOutput(stream, line)
		},
	}, nil
}

// spawn launches one process. Caller holds the lifecycle lock.
func (s *Supervisor) spawn() error {
	spec, err := s.buildSpec()
	if err == nil {
		err = s.paths.EnsureDirs()
	}
	var handle ProcessHandle
	if err == nil {
		handle, err = s.launcher.Launch(spec)
	}
	if err != nil {
		s.mu.Lock()
		s.state = StateExited
		gen := s.gen
		s.mu.Unlock()
		s.hub.BroadcastState(StateExited, 0, "launch failed")
		go s.retryAfterExit(gen)
		return fmt.Errorf("moltgate: failed to launch gateway: %w", err)
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.handle = handle
	s.startedAt = time.Now()
	s.baseline, s.baselineOK = currentFingerprint(s.paths.ConfigPath)
	s.state = StateRunning
	pid := handle.PID()
	s.mu.Unlock()

	s.metrics.RecordProcessStart()
	s.journal.Record(JournalProcessStart, fmt.Sprintf("pid %d", pid))
	s.hub.BroadcastState(StateRunning, pid, "")
	log.Printf("supervisor: gateway started pid=%d", pid)
	go s.watch(handle, gen)
	return nil
}

// watch waits for a process to exit and, for unexpected exits, schedules
// the retry. Stale watchers from superseded spawns detect the generation
// bump and bow out.
func (s *Supervisor) watch(h ProcessHandle, gen int) {
	<-h.Done()
	status, _ := h.ExitStatus()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.lastExit = &status
	intentional := s.stopGen == gen
	if !intentional {
		s.handle = nil
		s.state = StateExited
	}
	s.mu.Unlock()

	s.metrics.RecordProcessExit()
	s.journal.Record(JournalProcessExit, fmt.Sprintf("code %d", status.Code))
	if intentional {
		// Stop or Restart owns the rest of this cycle.
		return
	}
	log.Printf("supervisor: gateway exited code=%d, retrying in %s", status.Code, s.restartDelay)
	s.hub.BroadcastState(StateExited, 0, fmt.Sprintf("exit code %d", status.Code))
	go s.retryAfterExit(gen)
}

// retryAfterExit waits out the restart delay and starts the gateway again
// unless something else already did, the gateway was deliberately
// stopped, or the config disappeared in the meantime.
func (s *Supervisor) retryAfterExit(gen int) {
	time.Sleep(s.restartDelay)

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.gen != gen || s.handle != nil || s.state != StateExited {
		s.mu.Unlock()
		return
	}
	if !s.oracle.IsConfigured() {
		s.state = StateWaiting
		s.mu.Unlock()
		s.hub.BroadcastState(StateWaiting, 0, "gateway is not configured")
		return
	}
	s.state = StateStarting
	s.mu.Unlock()
	if err := s.spawn(); err != nil {
		log.Printf("supervisor: retry failed: %v", err)
	}
}

// terminate asks the process to exit and escalates to SIGKILL after the
// grace period.
func (s *Supervisor) terminate(h ProcessHandle) {
	if err := h.Signal(syscall.SIGTERM); err != nil {
		// Already gone, most likely.
		log.Printf("supervisor: signal: %v", err)
	}
	select {
	case <-h.Done():
		return
	case <-time.After(s.stopGrace):
	}
	log.Printf("supervisor: gateway did not stop within %s, killing", s.stopGrace)
	_ = h.Kill()
	select {
	case <-h.Done():
	case <-time.After(s.stopGrace):
		log.Printf("supervisor: gateway survived SIGKILL, abandoning handle")
	}
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() SupervisorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SupervisorStatus{State: s.state, RestartCount: s.restarts}
	if s.handle != nil {
		st.PID = s.handle.PID()
		started := s.startedAt
		st.StartedAt = &started
	}
	if s.lastExit != nil {
		code := s.lastExit.Code
		st.LastExitCode = &code
	}
	return st
}

// Running reports whether a gateway process is currently live.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil && s.state == StateRunning
}

// Baseline returns the config fingerprint captured at the last spawn.
// The second result is false before the first spawn or when the config
// file could not be read at spawn time.
func (s *Supervisor) Baseline() (fileFingerprint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseline, s.baselineOK
}
