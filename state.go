package moltgate

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

const (
	stateDirName     = ".moltbot"
	workspaceDirName = "workspace"
	configFileName   = "moltbot.json"
	tokenFileName    = "gateway.token"
	journalFileName  = "moltgate.db"

	// Relative mirror paths, slash-separated on both sides of the wire.
	relConfigPath = stateDirName + "/" + configFileName
	relTokenPath  = stateDirName + "/" + tokenFileName

	// tokenEnvVar overrides every other token source when set.
	tokenEnvVar = "MOLTBOT_GATEWAY_TOKEN"
)

// Paths collects the well-known locations inside the data directory. The
// gateway tool owns the layout; this program only needs to find its config
// file and token.
type Paths struct {
	DataDir      string
	StateDir     string
	WorkspaceDir string
	ConfigPath   string
	TokenPath    string
	JournalPath  string
}

// DerivePaths expands a data directory into the full set of well-known
// locations.
func DerivePaths(dataDir string) Paths {
	stateDir := filepath.Join(dataDir, stateDirName)
	return Paths{
		DataDir:      dataDir,
		StateDir:     stateDir,
		WorkspaceDir: filepath.Join(dataDir, workspaceDirName),
		ConfigPath:   filepath.Join(stateDir, configFileName),
		TokenPath:    filepath.Join(stateDir, tokenFileName),
		JournalPath:  filepath.Join(stateDir, journalFileName),
	}
}

// EnsureDirs creates the state and workspace directories when missing.
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{p.StateDir, p.WorkspaceDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("moltgate: failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Oracle answers the two questions everything else keeps asking: is the
// gateway configured, and what bearer token does it expect. Both answers
// are computed from the filesystem on every call so that a sync or reset
// is picked up immediately.
type Oracle struct {
	paths Paths
}

// NewOracle returns an Oracle over the given paths.
func NewOracle(paths Paths) *Oracle {
	return &Oracle{paths: paths}
}

// IsConfigured reports whether the gateway config file exists. Any error
// while checking counts as not configured.
func (o *Oracle) IsConfigured() bool {
	info, err := os.Stat(o.paths.ConfigPath)
	return err == nil && info.Mode().IsRegular()
}

// gatewayConfigDoc is the slice of the gateway's own config file this
// program reads. Everything else in the file is opaque to us.
type gatewayConfigDoc struct {
	Gateway struct {
		Auth struct {
			Token string `json:"token"`
		} `json:"auth"`
	} `json:"gateway"`
}

// ResolveToken determines the bearer token the gateway expects, trying in
// order: the environment override, the token embedded in the gateway
// config, the legacy token file, and finally a freshly generated token
// which is persisted to the legacy file for later calls. Persistence is
// best-effort; a generated token is returned even when the write fails.
func (o *Oracle) ResolveToken() (string, error) {
	if tok := strings.TrimSpace(os.Getenv(tokenEnvVar)); tok != "" {
		return tok, nil
	}
	if tok := o.configToken(); tok != "" {
		return tok, nil
	}
	if data, err := os.ReadFile(o.paths.TokenPath); err == nil {
		if tok := strings.TrimSpace(string(data)); tok != "" {
			return tok, nil
		}
	}
	return o.generateToken()
}

func (o *Oracle) configToken() string {
	data, err := os.ReadFile(o.paths.ConfigPath)
	if err != nil {
		return ""
	}
	var doc gatewayConfigDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Printf("state: failed to parse %s: %v", o.paths.ConfigPath, err)
		return ""
	}
	return strings.TrimSpace(doc.Gateway.Auth.Token)
}

func (o *Oracle) generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("moltgate: failed to generate token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := os.MkdirAll(o.paths.StateDir, 0o755); err != nil {
		log.Printf("state: failed to persist generated token: %v", err)
		return tok, nil
	}
	if err := os.WriteFile(o.paths.TokenPath, []byte(tok+"\n"), 0o600); err != nil {
		log.Printf("state: failed to persist generated token: %v", err)
	}
	return tok, nil
}

// TokenPrefix returns a short, loggable form of a token: the first eight
// characters plus an ellipsis. Shorter tokens are returned whole and an
// empty token stays empty.
func TokenPrefix(token string) string {
	if token == "" {
		return ""
	}
	r := []rune(token)
	if len(r) <= 8 {
		return string(r)
	}
	return string(r[:8]) + "…"
}
