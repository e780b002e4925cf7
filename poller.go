package moltgate

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/zeebo/blake3"
)

// fileFingerprint identifies one revision of a file: its modification
// time plus a content hash. A change to either counts as a new revision,
// which catches both ordinary rewrites and out-of-band edits that
// preserve the timestamp.
type fileFingerprint struct {
	modTime time.Time
	sum     [32]byte
}

func (f fileFingerprint) equal(other fileFingerprint) bool {
	return f.modTime.Equal(other.modTime) && f.sum == other.sum
}

// currentFingerprint reads a file's fingerprint, reporting false when the
// file cannot be read.
func currentFingerprint(path string) (fileFingerprint, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileFingerprint{}, false
	}
	info, err := os.Stat(path)
	if err != nil {
		return fileFingerprint{}, false
	}
	return fileFingerprint{modTime: info.ModTime(), sum: blake3.Sum256(data)}, true
}

// PollerConfig wires a Poller. Journal and Hub may be nil; a nil Metrics
// is replaced with a fresh instance.
type PollerConfig struct {
	Mirror     *Mirror
	Supervisor *Supervisor
	Paths      Paths
	Interval   time.Duration
	Metrics    *Metrics
	Journal    *Journal
	Hub        *EventHub
}

// Poller periodically re-downloads the gateway config object and
// reconciles the managed process against it: a config appearing starts
// the gateway, a config changing restarts it. The comparison baseline is
// the fingerprint the supervisor captured at the last spawn, so a restart
// from any cause resets the drift cursor.
type Poller struct {
	mirror   *Mirror
	sup      *Supervisor
	paths    Paths
	interval time.Duration
	metrics  *Metrics
	journal  *Journal
	hub      *EventHub
}

// NewPoller builds a Poller.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Poller{
		mirror:   cfg.Mirror,
		sup:      cfg.Supervisor,
		paths:    cfg.Paths,
		interval: cfg.Interval,
		metrics:  cfg.Metrics,
		journal:  cfg.Journal,
		hub:      cfg.Hub,
	}
}

// Run polls until ctx is canceled. A failed tick is logged and the loop
// carries on; transient bucket trouble must not take the gateway down.
func (p *Poller) Run(ctx context.Context) {
	log.Printf("poller: watching %s every %s", relConfigPath, p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick performs one poll cycle.
func (p *Poller) tick(ctx context.Context) {
	p.metrics.RecordPollTick()
	found, err := p.mirror.DownloadFile(ctx, relConfigPath)
	if err != nil {
		p.metrics.RecordPollFailure()
		log.Printf("poller: failed to fetch config: %v", err)
		return
	}
	if !found {
		// Nothing in the bucket. A locally created config (fresh
		// onboarding) is uploaded and started by the onboarding flow,
		// not here.
		return
	}
	fp, ok := currentFingerprint(p.paths.ConfigPath)
	if !ok {
		p.metrics.RecordPollFailure()
		log.Printf("poller: downloaded config is unreadable")
		return
	}
	if !p.sup.Running() {
		log.Printf("poller: config present, starting gateway")
		if err := p.sup.Start(ctx); err != nil {
			log.Printf("poller: start failed: %v", err)
		}
		return
	}
	base, haveBase := p.sup.Baseline()
	if !haveBase {
		return
	}
	if fp.equal(base) {
		return
	}
	p.metrics.RecordDrift()
	p.journal.Record(JournalSync, "gateway config changed in bucket")
	p.hub.BroadcastSync("gateway config changed, restarting", 1)
	log.Printf("poller: gateway config changed, restarting")
	if err := p.sup.Restart(ctx, "config change"); err != nil {
		log.Printf("poller: restart failed: %v", err)
	}
}
