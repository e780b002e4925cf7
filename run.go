package moltgate

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
)

// Instance roles. A single "all" process is the common deployment; "web"
// and "runner" let the setup/proxy tier scale separately from the
// process owner, with the bucket as the shared source of truth.
const (
	RoleWeb    = "web"
	RoleRunner = "runner"
	RoleAll    = "all"
)

// RunCLI runs the full moltgate CLI. Call from cmd/moltgate/main.go.
// version and commit are injected via ldflags.
func RunCLI(version, commit string) {
	configPath := flag.String("config", "./moltgate.yaml", "Path to YAML configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	showHelp := flag.Bool("help", false, "Print usage and exit")
	flag.Parse()

	// Pick up a .env file before reading any environment overrides.
	if err := godotenv.Load(); err == nil {
		log.Printf("loaded environment from .env")
	}

	// Apply MOLTGATE_CONFIG env override to config path before anything else.
	if envCfg := os.Getenv("MOLTGATE_CONFIG"); envCfg != "" {
		*configPath = envCfg
	}

	if *showHelp {
		fmt.Fprintf(os.Stderr, "moltgate %s (%s)\n\n", version, commit)
		fmt.Fprintln(os.Stderr, "Deployment wrapper for the moltbot gateway: bucket-backed state,")
		fmt.Fprintln(os.Stderr, "process supervision, setup wizard and auth-injecting proxy.")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Usage:")
		fmt.Fprintln(os.Stderr, "  moltgate [flags] [web|runner|all]")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Flags:")
		flag.PrintDefaults()
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Environment:")
		fmt.Fprintln(os.Stderr, "  MOLTGATE_CONFIG          Path to YAML config file (overrides -config flag)")
		fmt.Fprintln(os.Stderr, "  MOLTGATE_LISTEN          Listen address (overrides config listen)")
		fmt.Fprintln(os.Stderr, "  MOLTGATE_DATA_DIR        Local sync root (overrides config data_dir)")
		fmt.Fprintln(os.Stderr, "  MOLTGATE_BUCKET          Bucket name")
		fmt.Fprintln(os.Stderr, "  MOLTGATE_BUCKET_REGION   Bucket region")
		fmt.Fprintln(os.Stderr, "  MOLTGATE_BUCKET_ENDPOINT S3-compatible endpoint URL")
		fmt.Fprintln(os.Stderr, "  MOLTGATE_SETUP_PASSWORD  Password for the setup surface")
		fmt.Fprintln(os.Stderr, "  MOLTGATE_INTERNAL_SECRET Shared secret for /internal/token")
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("moltgate %s (%s)\n", version, commit)
		os.Exit(0)
	}

	role := RoleAll
	if args := flag.Args(); len(args) > 0 {
		role = args[0]
	}
	switch role {
	case RoleWeb, RoleRunner, RoleAll:
	default:
		fmt.Fprintf(os.Stderr, "unknown role %q (want web, runner or all)\n", role)
		os.Exit(2)
	}

	// 1. Load configuration, apply env overrides, validate.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyEnvOverrides(cfg)
	if err := validateConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", cfg.LogFile, err)
			os.Exit(1)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	// 2. Derive the on-disk layout and make sure it exists.
	paths := DerivePaths(cfg.DataDir)
	if err := paths.EnsureDirs(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to prepare data dir %s: %v\n", cfg.DataDir, err)
		os.Exit(1)
	}
	log.Printf("data dir: %s (role %s)", cfg.DataDir, role)

	// 3. Open the journal and prune entries past retention.
	journalPath := cfg.Journal.Path
	if journalPath == "" {
		journalPath = paths.JournalPath
	}
	journal, err := OpenJournal(journalPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open journal %s: %v\n", journalPath, err)
		os.Exit(1)
	}
	defer journal.Close()
	retention := mustDuration(cfg.Journal.Retention)
	if n, err := journal.Prune(time.Now().Add(-retention)); err != nil {
		log.Printf("journal: prune failed: %v", err)
	} else if n > 0 {
		log.Printf("journal: pruned %d entries older than %s", n, cfg.Journal.Retention)
	}

	// 4. Build the bucket store and verify access.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := NewS3Store(ctx, cfg.Bucket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build bucket client: %v\n", err)
		os.Exit(1)
	}
	if err := VerifyBucket(ctx, store, cfg.BucketPrefix); err != nil {
		// Startup continues: the bucket may come up after us, and the
		// poller retries every interval.
		log.Printf("bucket: not reachable yet: %v", err)
	}
	mirror := NewMirror(store, cfg.BucketPrefix, cfg.DataDir)

	// 5. Hydrate local state from the bucket.
	if n, err := mirror.DownloadAll(ctx); err != nil {
		log.Printf("sync: initial download failed: %v", err)
	} else {
		log.Printf("sync: downloaded %d files from bucket %s", n, cfg.Bucket.Name)
	}

	// 6. Shared plumbing: oracle, metrics, event hub.
	oracle := NewOracle(paths)
	metrics := NewMetrics()
	hub := NewEventHub()

	// 7. Supervisor for roles that own the gateway process.
	var sup *Supervisor
	if role != RoleWeb {
		sup = NewSupervisor(SupervisorConfig{
			Launcher:     NewExecLauncher(),
			Oracle:       oracle,
			Paths:        paths,
			Gateway:      cfg.Gateway,
			Journal:      journal,
			Metrics:      metrics,
			Hub:          hub,
			RestartDelay: mustDuration(cfg.Gateway.RestartDelay),
			StopGrace:    mustDuration(cfg.Gateway.StopGrace),
		})
	}

	// 8. Resolve the proxy backend: explicit override, else the locally
	// supervised gateway.
	backendURL := cfg.Gateway.Backend
	if backendURL == "" {
		backendURL = "http://127.0.0.1:" + strconv.Itoa(cfg.Gateway.Port)
	}
	backend, err := url.Parse(backendURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid gateway backend %q: %v\n", backendURL, err)
		os.Exit(1)
	}

	// 9. Role surfaces: proxy and onboarder for web-facing roles.
	var proxy *GatewayProxy
	var onboarder *Onboarder
	if role != RoleRunner {
		proxy = NewGatewayProxy(backend, oracle, metrics)
		onboarder, err = NewOnboarder(OnboarderConfig{
			Config:     cfg,
			Paths:      paths,
			Oracle:     oracle,
			Mirror:     mirror,
			Store:      store,
			Supervisor: sup,
			Launcher:   NewExecLauncher(),
			Backend:    backend,
			Journal:    journal,
			Metrics:    metrics,
			Hub:        hub,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to build onboarder: %v\n", err)
			os.Exit(1)
		}
	}

	// 10. Setup graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received %v, shutting down", sig)
		cancel()
	}()

	// 11. Start the gateway and the drift poller.
	if sup != nil {
		if err := sup.Start(ctx); err != nil {
			log.Printf("supervisor: initial start failed: %v", err)
		}
		poller := NewPoller(PollerConfig{
			Mirror:     mirror,
			Supervisor: sup,
			Paths:      paths,
			Interval:   mustDuration(cfg.Sync.PollInterval),
			Metrics:    metrics,
			Journal:    journal,
			Hub:        hub,
		})
		go poller.Run(ctx)
	}

	// 12. Serve HTTP until the context is cancelled.
	server := NewServer(ServerConfig{
		Config:     cfg,
		Paths:      paths,
		Oracle:     oracle,
		Supervisor: sup,
		Proxy:      proxy,
		Onboarder:  onboarder,
		Backend:    backend,
		Journal:    journal,
		Metrics:    metrics,
		Hub:        hub,
		Version:    version,
	})
	defer server.Close()

	spec, err := ParseListenAddr(cfg.Listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse listen address %q: %v\n", cfg.Listen, err)
		os.Exit(1)
	}
	if err := serveHTTP(ctx, spec, server.Handler()); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}

	// 13. Graceful shutdown: stop the gateway, close the journal.
	if sup != nil {
		sup.Stop()
	}
	log.Println("shutdown complete")
}
