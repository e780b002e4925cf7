package moltgate

import (
	"sync/atomic"
	"time"
)

// Metrics counts the interesting events of a running instance. All
// counters are atomic; Snapshot returns a consistent-enough copy for the
// metrics endpoint without taking a lock.
type Metrics struct {
	startedAt time.Time

	processStarts   atomic.Int64
	processExits    atomic.Int64
	restarts        atomic.Int64
	pollTicks       atomic.Int64
	pollFailures    atomic.Int64
	driftDetected   atomic.Int64
	filesDownloaded atomic.Int64
	filesUploaded   atomic.Int64
	proxyRequests   atomic.Int64
	proxyErrors     atomic.Int64
	wsSessions      atomic.Int64
	onboardRuns     atomic.Int64
	onboardFailures atomic.Int64
}

// NewMetrics returns a zeroed Metrics anchored at the current time.
func NewMetrics() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

func (m *Metrics) RecordProcessStart()   { m.processStarts.Add(1) }
func (m *Metrics) RecordProcessExit()    { m.processExits.Add(1) }
func (m *Metrics) RecordRestart()        { m.restarts.Add(1) }
func (m *Metrics) RecordPollTick()       { m.pollTicks.Add(1) }
func (m *Metrics) RecordPollFailure()    { m.pollFailures.Add(1) }
func (m *Metrics) RecordDrift()          { m.driftDetected.Add(1) }
func (m *Metrics) RecordDownloads(n int) { m.filesDownloaded.Add(int64(n)) }
func (m *Metrics) RecordUploads(n int)   { m.filesUploaded.Add(int64(n)) }
func (m *Metrics) RecordProxyRequest()   { m.proxyRequests.Add(1) }
func (m *Metrics) RecordProxyError()     { m.proxyErrors.Add(1) }
func (m *Metrics) RecordWSSession()      { m.wsSessions.Add(1) }
func (m *Metrics) RecordOnboardRun()     { m.onboardRuns.Add(1) }
func (m *Metrics) RecordOnboardFailure() { m.onboardFailures.Add(1) }

// MetricsSnapshot is the JSON shape served by the metrics endpoint.
type MetricsSnapshot struct {
	StartedAt       time.Time `json:"started_at"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
	ProcessStarts   int64     `json:"process_starts"`
	ProcessExits    int64     `json:"process_exits"`
	Restarts        int64     `json:"restarts"`
	PollTicks       int64     `json:"poll_ticks"`
	PollFailures    int64     `json:"poll_failures"`
	DriftDetected   int64     `json:"drift_detected"`
	FilesDownloaded int64     `json:"files_downloaded"`
	FilesUploaded   int64     `json:"files_uploaded"`
	ProxyRequests   int64     `json:"proxy_requests"`
	ProxyErrors     int64     `json:"proxy_errors"`
	WSSessions      int64     `json:"ws_sessions"`
	OnboardRuns     int64     `json:"onboard_runs"`
	OnboardFailures int64     `json:"onboard_failures"`
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		StartedAt:       m.startedAt,
		UptimeSeconds:   int64(time.Since(m.startedAt).Seconds()),
		ProcessStarts:   m.processStarts.Load(),
		ProcessExits:    m.processExits.Load(),
		Restarts:        m.restarts.Load(),
		PollTicks:       m.pollTicks.Load(),
		PollFailures:    m.pollFailures.Load(),
		DriftDetected:   m.driftDetected.Load(),
		FilesDownloaded: m.filesDownloaded.Load(),
		FilesUploaded:   m.filesUploaded.Load(),
		ProxyRequests:   m.proxyRequests.Load(),
		ProxyErrors:     m.proxyErrors.Load(),
		WSSessions:      m.wsSessions.Load(),
		OnboardRuns:     m.onboardRuns.Load(),
		OnboardFailures: m.onboardFailures.Load(),
	}
}
