package moltgate

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

// readArchive decodes a tar.gz into a map of entry name to file content.
// Directory entries map to an empty string.
func readArchive(t *testing.T, data []byte) map[string]string {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	defer gz.Close()

	entries := make(map[string]string)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		var body []byte
		if hdr.Typeflag == tar.TypeReg {
			body, err = io.ReadAll(tr)
			if err != nil {
				t.Fatalf("tar body: %v", err)
			}
		}
		entries[hdr.Name] = string(body)
	}
	return entries
}

func TestWriteArchive_RoundTrip(t *testing.T) {
	paths := DerivePaths(t.TempDir())
	if err := paths.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(paths.ConfigPath, []byte(`{"gateway":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(paths.WorkspaceDir, "skills")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(nested, "greet.md"), []byte("wave"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	err := WriteArchive(&buf, map[string]string{
		stateDirName:     paths.StateDir,
		workspaceDirName: paths.WorkspaceDir,
	})
	if err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}

	entries := readArchive(t, buf.Bytes())
	if got := entries[stateDirName+"/"+configFileName]; got != `{"gateway":{}}` {
		t.Errorf("config entry = %q", got)
	}
	if got := entries[workspaceDirName+"/skills/greet.md"]; got != "wave" {
		t.Errorf("nested entry = %q", got)
	}
	if _, ok := entries[workspaceDirName+"/skills/"]; !ok {
		t.Error("directory entry missing")
	}
}

func TestWriteArchive_ExcludesJournal(t *testing.T) {
	paths := DerivePaths(t.TempDir())
	if err := paths.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(paths.ConfigPath, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	// The journal plus sqlite's sidecar files.
	for _, name := range []string{journalFileName, journalFileName + "-wal", journalFileName + "-shm"} {
		if err := os.WriteFile(filepath.Join(paths.StateDir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if err := WriteArchive(&buf, map[string]string{stateDirName: paths.StateDir}); err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}

	entries := readArchive(t, buf.Bytes())
	if _, ok := entries[stateDirName+"/"+configFileName]; !ok {
		t.Error("config entry missing")
	}
	for name := range entries {
		if journalFile(name) {
			t.Errorf("journal file %q leaked into export", name)
		}
	}
}

func TestWriteArchive_MissingDirsYieldEmptyArchive(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	err := WriteArchive(&buf, map[string]string{
		stateDirName:     filepath.Join(dir, "nope"),
		workspaceDirName: filepath.Join(dir, "also-nope"),
	})
	if err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}
	if entries := readArchive(t, buf.Bytes()); len(entries) != 0 {
		t.Errorf("entries = %v, want none", entries)
	}
}

func TestExportName(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	if got := exportName(at); got != "moltbot-export-20260314T092653Z.tar.gz" {
		t.Errorf("exportName = %q", got)
	}
}
