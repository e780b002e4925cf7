package moltgate

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

const testSetupPassword = "hunter2-secure"

// webHarness runs the full HTTP surface of a web-role instance on top of
// an onboarding harness.
type webHarness struct {
	*onboardHarness
	journal *Journal
	front   *httptest.Server
}

func newWebHarness(t *testing.T, launcher *fakeLauncher, mutate func(*Config)) *webHarness {
	t.Helper()
	oh := newOnboardHarness(t, launcher, false)
	oh.cfg.SetupPassword = testSetupPassword
	if mutate != nil {
		mutate(oh.cfg)
	}
	journal := openTestJournal(t)
	srv := NewServer(ServerConfig{
		Config:    oh.cfg,
		Paths:     oh.paths,
		Oracle:    NewOracle(oh.paths),
		Onboarder: oh.onb,
		Backend:   oh.backend,
		Journal:   journal,
		Metrics:   oh.metrics,
		Version:   "test",
	})
	t.Cleanup(srv.Close)
	front := httptest.NewServer(srv.Handler())
	t.Cleanup(front.Close)
	return &webHarness{onboardHarness: oh, journal: journal, front: front}
}

// do issues one request against the harness. An empty password sends no
// credentials at all.
func (h *webHarness) do(t *testing.T, method, path, password, body string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.front.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	if password != "" {
		req.SetBasicAuth("admin", password)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestServerSetupAuth_Matrix(t *testing.T) {
	h := newWebHarness(t, autoExitLauncher(0), nil)

	resp := h.do(t, "GET", "/setup/api/status", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no credentials: status = %d, want 401", resp.StatusCode)
	}
	if hdr := resp.Header.Get("WWW-Authenticate"); !strings.Contains(hdr, `Basic realm="moltgate setup"`) {
		t.Errorf("WWW-Authenticate = %q", hdr)
	}

	resp = h.do(t, "GET", "/setup/api/status", "wrong-password", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong password: status = %d, want 401", resp.StatusCode)
	}

	resp = h.do(t, "GET", "/setup/api/status", testSetupPassword, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("correct password: status = %d, want 200", resp.StatusCode)
	}
	var st StatusResponse
	decodeBody(t, resp, &st)
	if st.Configured {
		t.Error("reported configured on a fresh instance")
	}
	if !st.BackendReachable {
		t.Error("live backend reported unreachable")
	}
	if st.Version != "test" {
		t.Errorf("version = %q", st.Version)
	}
	if st.Process != nil {
		t.Errorf("process reported without a supervisor: %+v", st.Process)
	}
}

func TestServerSetupAuth_ClosedWithoutPassword(t *testing.T) {
	h := newWebHarness(t, autoExitLauncher(0), func(c *Config) { c.SetupPassword = "" })

	for _, password := range []string{"", "anything"} {
		resp := h.do(t, "GET", "/setup/api/status", password, "")
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("password %q: status = %d, want 503", password, resp.StatusCode)
		}
	}
}

func TestServerSetupPage(t *testing.T) {
	h := newWebHarness(t, autoExitLauncher(0), nil)

	resp := h.do(t, "GET", "/setup/", testSetupPassword, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "moltgate setup") {
		t.Error("setup page markup missing")
	}
}

func TestServerHealth(t *testing.T) {
	h := newWebHarness(t, autoExitLauncher(0), nil)
	t.Setenv(tokenEnvVar, "tok-health-secret-123")

	resp := h.do(t, "GET", "/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(body), "tok-health-secret-123") {
		t.Error("full token leaked into the health response")
	}
	var hr HealthResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if hr.Configured {
		t.Error("reported configured on a fresh instance")
	}
	// Without a supervisor, liveness falls back to the backend probe.
	if !hr.ProcessRunning {
		t.Error("live backend not reflected in processRunning")
	}
	if hr.TokenPrefix != "tok-heal…" {
		t.Errorf("tokenPrefix = %q", hr.TokenPrefix)
	}

	writeGatewayConfig(t, h.paths, "tok-health-secret-123")
	resp = h.do(t, "GET", "/health", "", "")
	var hr2 HealthResponse
	decodeBody(t, resp, &hr2)
	if !hr2.Configured {
		t.Error("config file not reflected in health")
	}
}

func TestServerInternalToken_Open(t *testing.T) {
	h := newWebHarness(t, autoExitLauncher(0), nil)
	t.Setenv(tokenEnvVar, "tok-internal-abcdef")

	resp := h.do(t, "GET", "/internal/token", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var tr TokenResponse
	decodeBody(t, resp, &tr)
	if tr.Token != "tok-internal-abcdef" {
		t.Errorf("token = %q", tr.Token)
	}
}

func TestServerInternalToken_Guarded(t *testing.T) {
	h := newWebHarness(t, autoExitLauncher(0), func(c *Config) { c.InternalSecret = "s3cr3t-internal" })
	t.Setenv(tokenEnvVar, "tok-internal-abcdef")

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusForbidden},
		{"wrong secret", "nope", http.StatusForbidden},
		{"correct secret", "s3cr3t-internal", http.StatusOK},
	}
	for _, tt := range tests {
		req, err := http.NewRequest("GET", h.front.URL+"/internal/token", nil)
		if err != nil {
			t.Fatal(err)
		}
		if tt.header != "" {
			req.Header.Set("X-Moltgate-Internal", tt.header)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, resp.StatusCode, tt.want)
		}
	}
}

func TestServerRun_StatusMapping(t *testing.T) {
	launcher := autoExitLauncher(0)
	h := newWebHarness(t, launcher, nil)
	// Runs on the server goroutine, so failures surface through the
	// launch error rather than t.Fatal.
	launcher.onLaunch = func(ProcessSpec) error {
		doc := `{"gateway":{"auth":{"token":"tok-run-12345678"}}}`
		return os.WriteFile(h.paths.ConfigPath, []byte(doc), 0o644)
	}

	resp := h.do(t, "POST", "/setup/api/run", testSetupPassword, "{")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", resp.StatusCode)
	}

	resp = h.do(t, "POST", "/setup/api/run", testSetupPassword, `{"params":{}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("rejected params: status = %d, want 400", resp.StatusCode)
	}

	resp = h.do(t, "POST", "/setup/api/run", testSetupPassword, `{"params":{"bot_token":"xoxb-123456789"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid run: status = %d, want 200", resp.StatusCode)
	}
	var rr RunResponse
	decodeBody(t, resp, &rr)
	if !rr.OK {
		t.Errorf("resp = %+v", rr)
	}
}

func TestServerRun_FailedCommandMapsTo502(t *testing.T) {
	h := newWebHarness(t, autoExitLauncher(3), nil)

	resp := h.do(t, "POST", "/setup/api/run", testSetupPassword, `{"params":{"bot_token":"xoxb-123456789"}}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	var rr RunResponse
	decodeBody(t, resp, &rr)
	if rr.OK {
		t.Errorf("resp = %+v", rr)
	}
}

func TestServerWriteEndpoints_RateLimited(t *testing.T) {
	h := newWebHarness(t, autoExitLauncher(0), nil)

	var ok, limited int
	for i := 0; i < 7; i++ {
		resp := h.do(t, "POST", "/setup/api/reset", testSetupPassword, "")
		switch resp.StatusCode {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			limited++
		default:
			t.Fatalf("unexpected status %d", resp.StatusCode)
		}
	}
	if ok < 5 {
		t.Errorf("ok = %d, want at least the burst of 5", ok)
	}
	if limited == 0 {
		t.Error("no request was rate-limited")
	}
}

func TestServerJournalEndpoints(t *testing.T) {
	h := newWebHarness(t, autoExitLauncher(0), nil)
	h.journal.Record(JournalProcessStart, "first")
	h.journal.Record(JournalSync, "second")
	h.journal.Record(JournalRestart, "third")

	resp := h.do(t, "GET", "/setup/api/journal?limit=2", testSetupPassword, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var jr JournalResponse
	decodeBody(t, resp, &jr)
	if len(jr.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(jr.Entries))
	}
	if jr.Entries[0].Detail != "third" {
		t.Errorf("newest entry = %q, want third", jr.Entries[0].Detail)
	}

	// The runner-facing mirror of the same data needs no setup auth.
	resp = h.do(t, "GET", "/internal/journal", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("internal journal: status = %d", resp.StatusCode)
	}
	var jr2 JournalResponse
	decodeBody(t, resp, &jr2)
	if len(jr2.Entries) != 3 {
		t.Errorf("entries = %d, want 3", len(jr2.Entries))
	}
}

func TestServerJournal_NoDatabase(t *testing.T) {
	oh := newOnboardHarness(t, autoExitLauncher(0), false)
	oh.cfg.SetupPassword = testSetupPassword
	srv := NewServer(ServerConfig{
		Config:    oh.cfg,
		Paths:     oh.paths,
		Oracle:    NewOracle(oh.paths),
		Onboarder: oh.onb,
		Backend:   oh.backend,
		Version:   "test",
	})
	t.Cleanup(srv.Close)
	front := httptest.NewServer(srv.Handler())
	t.Cleanup(front.Close)

	resp, err := http.Get(front.URL + "/internal/journal")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	// An empty journal still serves an array, not null.
	if !strings.Contains(string(body), `"entries":[]`) {
		t.Errorf("body = %s", body)
	}
}

func TestServerExport(t *testing.T) {
	h := newWebHarness(t, autoExitLauncher(0), nil)
	writeGatewayConfig(t, h.paths, "tok-export-123456")

	resp := h.do(t, "GET", "/setup/api/export", testSetupPassword, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/gzip" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, `attachment; filename="moltbot-export-`) {
		t.Errorf("Content-Disposition = %q", cd)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	entries := readArchive(t, body)
	if _, ok := entries[stateDirName+"/"+configFileName]; !ok {
		t.Errorf("config missing from export: %v", entries)
	}
}

func TestServerEvents_WithoutHub(t *testing.T) {
	h := newWebHarness(t, autoExitLauncher(0), nil)

	resp := h.do(t, "GET", "/setup/api/events", testSetupPassword, "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestServerMetricsRoute(t *testing.T) {
	h := newWebHarness(t, autoExitLauncher(0), nil)

	resp := h.do(t, "GET", "/internal/metrics", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var snap MetricsSnapshot
	decodeBody(t, resp, &snap)
	if snap.StartedAt.IsZero() {
		t.Error("started_at missing from metrics")
	}
}

func TestServerOpenAPIRoute(t *testing.T) {
	h := newWebHarness(t, autoExitLauncher(0), nil)

	resp := h.do(t, "GET", "/setup/api/openapi.json", testSetupPassword, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var doc map[string]interface{}
	decodeBody(t, resp, &doc)
	if doc["swagger"] != "2.0" {
		t.Errorf("swagger version = %v", doc["swagger"])
	}
}

func TestServerRequestID(t *testing.T) {
	h := newWebHarness(t, autoExitLauncher(0), nil)

	resp := h.do(t, "GET", "/health", "", "")
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("no request id assigned")
	}

	req, err := http.NewRequest("GET", h.front.URL+"/health", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Request-Id", "fixed-id-123")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if got := resp2.Header.Get("X-Request-Id"); got != "fixed-id-123" {
		t.Errorf("X-Request-Id = %q, want the caller's id echoed", got)
	}
}
