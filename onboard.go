package moltgate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/cel-go/cel"
)

// ErrOnboardBusy is returned when an onboarding run is already in flight.
var ErrOnboardBusy = errors.New("moltgate: onboarding already in progress")

// OnboarderConfig wires an Onboarder. Supervisor is nil when the gateway
// runs in a sibling service; Journal and Hub may be nil.
type OnboarderConfig struct {
	Config     *Config
	Paths      Paths
	Oracle     *Oracle
	Mirror     *Mirror
	Store      ObjectStore
	Supervisor *Supervisor
	Launcher   Launcher
	Backend    *url.URL
	Journal    *Journal
	Metrics    *Metrics
	Hub        *EventHub
}

// Onboarder drives the interactive lifecycle actions of the setup page:
// first-run onboarding, pairing approval, and reset. At most one
// onboarding run executes at a time.
type Onboarder struct {
	cfg      *Config
	paths    Paths
	oracle   *Oracle
	mirror   *Mirror
	store    ObjectStore
	sup      *Supervisor
	launcher Launcher
	backend  *url.URL
	journal  *Journal
	metrics  *Metrics
	hub      *EventHub

	readyTimeout    time.Duration
	onboardPrograms map[string]cel.Program
	pairingPrograms map[string]cel.Program

	mu      sync.Mutex
	running bool
}

// NewOnboarder compiles the command templates' validation expressions up
// front so a bad expression surfaces at startup rather than at first use.
func NewOnboarder(cfg OnboarderConfig) (*Onboarder, error) {
	onboardPrograms, err := compileParamPrograms(cfg.Config.Onboard.Parameters)
	if err != nil {
		return nil, err
	}
	pairingPrograms, err := compileParamPrograms(cfg.Config.Pairing.Parameters)
	if err != nil {
		return nil, err
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	return &Onboarder{
		cfg:             cfg.Config,
		paths:           cfg.Paths,
		oracle:          cfg.Oracle,
		mirror:          cfg.Mirror,
		store:           cfg.Store,
		sup:             cfg.Supervisor,
		launcher:        cfg.Launcher,
		backend:         cfg.Backend,
		journal:         cfg.Journal,
		metrics:         cfg.Metrics,
		hub:             cfg.Hub,
		readyTimeout:    mustDuration(cfg.Config.Gateway.ReadyTimeout),
		onboardPrograms: onboardPrograms,
		pairingPrograms: pairingPrograms,
	}, nil
}

// Run executes the onboarding flow: validate the payload, invoke the
// gateway CLI, push the produced config to the bucket, (re)start the
// gateway, and wait for it to answer health probes.
//
// Errors are returned only for rejected requests (busy, bad parameters).
// Failures after the run has started are reported in the response so the
// setup page can show them.
func (o *Onboarder) Run(ctx context.Context, req RunRequest) (RunResponse, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return RunResponse{}, ErrOnboardBusy
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	merged, err := mergeParams(o.cfg.Onboard.Parameters, o.onboardPrograms, req.Params)
	if err != nil {
		return RunResponse{}, err
	}

	o.metrics.RecordOnboardRun()
	o.journal.Record(JournalOnboard, "onboarding started")
	o.hub.BroadcastSync("onboarding started", 0)
	log.Printf("onboard: running %s", o.cfg.Onboard.Entrypoint)

	if err := o.paths.EnsureDirs(); err != nil {
		return o.failRun(err.Error()), nil
	}
	code, _, err := o.runCommand(ctx, o.cfg.Onboard, merged, "onboard")
	if err != nil {
		return o.failRun(fmt.Sprintf("onboarding command failed: %v", err)), nil
	}
	if code != 0 {
		return o.failRun(fmt.Sprintf("onboarding command exited with code %d", code)), nil
	}
	if !o.oracle.IsConfigured() {
		return o.failRun("onboarding command succeeded but produced no config file"), nil
	}

	resp := RunResponse{OK: true}
	var notes []string

	// Durable copy first: a container restart between now and the next
	// sync must not lose the fresh config.
	if _, err := o.mirror.UploadFile(ctx, relConfigPath); err != nil {
		resp.Degraded = true
		notes = append(notes, "config upload failed: "+err.Error())
		log.Printf("onboard: config upload failed: %v", err)
	} else {
		o.metrics.RecordUploads(1)
	}
	if n, err := o.mirror.UploadDir(ctx, workspaceDirName); err != nil {
		resp.Degraded = true
		notes = append(notes, "workspace upload failed: "+err.Error())
		log.Printf("onboard: workspace upload failed: %v", err)
	} else {
		o.metrics.RecordUploads(n)
	}

	if o.sup != nil {
		if o.sup.Running() {
			err = o.sup.Restart(ctx, "onboarding completed")
		} else {
			err = o.sup.Start(ctx)
		}
		if err != nil {
			resp.Degraded = true
			notes = append(notes, "gateway start failed: "+err.Error())
			log.Printf("onboard: gateway start failed: %v", err)
		}
	}

	if o.waitReady(ctx) {
		notes = append(notes, "gateway is ready")
	} else {
		notes = append(notes, fmt.Sprintf(
			"gateway did not become ready within %s; it may still be starting", o.readyTimeout))
	}

	resp.Detail = strings.Join(notes, "; ")
	o.journal.Record(JournalOnboard, "onboarding completed: "+resp.Detail)
	o.hub.BroadcastSync("onboarding completed", 0)
	return resp, nil
}

func (o *Onboarder) failRun(detail string) RunResponse {
	o.metrics.RecordOnboardFailure()
	o.journal.Record(JournalOnboard, detail)
	o.hub.BroadcastSync(detail, 0)
	log.Printf("onboard: %s", detail)
	return RunResponse{OK: false, Detail: detail}
}

// Reset stops the gateway and removes the config locally and from the
// bucket, returning the deployment to the unconfigured state. Workspace
// files and any persisted token survive, so a later re-onboard keeps the
// gateway's identity.
func (o *Onboarder) Reset(ctx context.Context) (ResetResponse, error) {
	o.journal.Record(JournalReset, "reset requested")
	log.Printf("onboard: resetting configuration")
	if o.sup != nil {
		o.sup.Stop()
	}
	if err := os.Remove(o.paths.ConfigPath); err != nil && !os.IsNotExist(err) {
		return ResetResponse{}, fmt.Errorf("moltgate: failed to remove config: %w", err)
	}
	detail := "configuration removed"
	if err := o.store.Delete(ctx, o.mirror.keyFor(relConfigPath)); err != nil {
		detail += "; bucket delete failed: " + err.Error()
		log.Printf("onboard: bucket delete failed: %v", err)
	}
	o.hub.BroadcastSync("configuration reset", 0)
	return ResetResponse{OK: true, Detail: detail}, nil
}

// ApprovePairing runs the pairing-approval CLI command with the supplied
// channel and code and returns the command's combined output.
func (o *Onboarder) ApprovePairing(ctx context.Context, req PairingRequest) (PairingResponse, error) {
	supplied := make(map[string]string)
	if req.Channel != "" {
		supplied["channel"] = req.Channel
	}
	if req.Code != "" {
		supplied["code"] = req.Code
	}
	merged, err := mergeParams(o.cfg.Pairing.Parameters, o.pairingPrograms, supplied)
	if err != nil {
		return PairingResponse{}, err
	}
	o.journal.Record(JournalPairing, fmt.Sprintf("approve channel=%s", req.Channel))
	code, lines, err := o.runCommand(ctx, o.cfg.Pairing, merged, "pairing")
	if err != nil {
		return PairingResponse{OK: false, Output: err.Error()}, nil
	}
	return PairingResponse{OK: code == 0, Output: strings.Join(lines, "\n")}, nil
}

// runCommand launches one CLI invocation through the launcher and waits
// for it to finish, streaming output to the hub and collecting it for the
// response.
func (o *Onboarder) runCommand(ctx context.Context, tmpl CommandTemplate, params map[string]string, kind string) (int, []string, error) {
	args, err := renderArgs(tmpl.Args, params)
	if err != nil {
		return 0, nil, err
	}
	var mu sync.Mutex
	var lines []string
	spec := ProcessSpec{
		Entrypoint: tmpl.Entrypoint,
		Args:       args,
		Env: []string{
			"MOLTBOT_STATE_DIR=" + o.paths.StateDir,
			"MOLTBOT_WORKSPACE_DIR=" + o.paths.WorkspaceDir,
		},
		Dir: o.paths.DataDir,
		OnOutput: func(stream, line string) {
			log.Printf("%s[%s]: %s", kind, stream, line)
			o.hub.BroadcastOutput(stream, line)
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		},
	}
	handle, err := o.launcher.Launch(spec)
	if err != nil {
		return 0, nil, err
	}
	select {
	case <-handle.Done():
	case <-ctx.Done():
		_ = handle.Signal(syscall.SIGTERM)
		select {
		case <-handle.Done():
		case <-time.After(5 * time.Second):
			_ = handle.Kill()
			select {
			case <-handle.Done():
			case <-time.After(time.Second):
			}
		}
		return 0, nil, ctx.Err()
	}
	status, _ := handle.ExitStatus()
	mu.Lock()
	out := append([]string(nil), lines...)
	mu.Unlock()
	return status.Code, out, nil
}

// waitReady polls the backend's health endpoints until one answers or the
// ready timeout passes.
func (o *Onboarder) waitReady(ctx context.Context) bool {
	deadline := time.Now().Add(o.readyTimeout)
	for time.Now().Before(deadline) {
		if probeBackend(ctx, o.backend) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
	return false
}

// probePaths are tried in order; older gateway builds only serve "/".
var probePaths = []string{"/health", "/api/health", "/"}

// probeBackend reports whether the backend answers any health probe. Any
// HTTP response counts: a 404 from "/" still proves the listener is up,
// which is all the wrapper needs to know.
func probeBackend(ctx context.Context, backend *url.URL) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	for _, p := range probePaths {
		u := *backend
		u.Path = p
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		return true
	}
	return false
}
