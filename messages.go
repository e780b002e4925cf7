package moltgate

import "time"

// Wire shapes for the setup API and the event stream. Field names are
// camelCase because the setup page consumes them directly.

// ---------- event stream ----------

// StateEvent announces a supervisor state transition.
type StateEvent struct {
	Type   string    `json:"type"`
	State  string    `json:"state"`
	PID    int       `json:"pid,omitempty"`
	Detail string    `json:"detail,omitempty"`
	TS     time.Time `json:"ts"`
}

// OutputEvent carries one line of gateway process output.
type OutputEvent struct {
	Type   string    `json:"type"`
	Stream string    `json:"stream"`
	Data   string    `json:"data"`
	TS     time.Time `json:"ts"`
}

// SyncEvent reports a bucket sync or onboarding step.
type SyncEvent struct {
	Type   string    `json:"type"`
	Detail string    `json:"detail"`
	Files  int       `json:"files,omitempty"`
	TS     time.Time `json:"ts"`
}

// ---------- setup API ----------

// StatusResponse answers GET /setup/api/status.
type StatusResponse struct {
	Configured       bool              `json:"configured"`
	BackendReachable bool              `json:"backendReachable"`
	Process          *SupervisorStatus `json:"process,omitempty"`
	Version          string            `json:"version"`
}

// RunRequest is the onboarding payload: parameter values for the
// configured onboard command template.
type RunRequest struct {
	Params map[string]string `json:"params"`
}

// RunResponse answers POST /setup/api/run. Degraded means onboarding
// succeeded locally but the durable copy could not be written.
type RunResponse struct {
	OK       bool   `json:"ok"`
	Detail   string `json:"detail,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
}

// ResetResponse answers POST /setup/api/reset.
type ResetResponse struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// PairingRequest asks the gateway CLI to approve a pairing code.
type PairingRequest struct {
	Channel string `json:"channel"`
	Code    string `json:"code"`
}

// PairingResponse answers POST /setup/api/pairing/approve with the CLI's
// combined output.
type PairingResponse struct {
	OK     bool   `json:"ok"`
	Output string `json:"output,omitempty"`
}

// JournalResponse answers GET /setup/api/journal.
type JournalResponse struct {
	Entries []JournalEntry `json:"entries"`
}

// HealthResponse answers GET /health. TokenPrefix is the loggable form,
// never the full token.
type HealthResponse struct {
	Configured     bool   `json:"configured"`
	ProcessRunning bool   `json:"processRunning"`
	TokenPrefix    string `json:"tokenPrefix"`
}

// TokenResponse answers GET /internal/token for sibling services.
type TokenResponse struct {
	Token string `json:"token"`
}

// ErrorResponse is the uniform error body of the setup API.
type ErrorResponse struct {
	Error string `json:"error"`
}
