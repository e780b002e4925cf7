package moltgate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Mirror keeps a local data directory and a prefixed slice of the bucket in
// sync. Keys map to local paths by stripping or prepending the bucket
// prefix; the relative remainder is identical on both sides, so the mapping
// round-trips.
type Mirror struct {
	store   ObjectStore
	prefix  string
	dataDir string
}

// NewMirror returns a Mirror rooted at dataDir whose objects live under
// prefix in the store. An empty prefix mirrors the whole bucket.
func NewMirror(store ObjectStore, prefix, dataDir string) *Mirror {
	return &Mirror{store: store, prefix: strings.Trim(prefix, "/"), dataDir: dataDir}
}

// keyFor maps a slash-separated relative path to its bucket key.
func (m *Mirror) keyFor(rel string) string {
	if m.prefix == "" {
		return rel
	}
	return m.prefix + "/" + rel
}

// relFor maps a bucket key back to the relative path, reporting false for
// keys outside the mirror's prefix.
func (m *Mirror) relFor(key string) (string, bool) {
	if m.prefix == "" {
		return key, key != ""
	}
	rel := strings.TrimPrefix(key, m.prefix+"/")
	if rel == key || rel == "" {
		return "", false
	}
	return rel, true
}

// localPath returns the absolute local path for a relative mirror path.
func (m *Mirror) localPath(rel string) string {
	return filepath.Join(m.dataDir, filepath.FromSlash(rel))
}

// journalFile reports whether rel is part of the local journal database.
// The journal is operational state of this process, not gateway state, so
// it never crosses the wire in either direction.
func journalFile(rel string) bool {
	return strings.HasPrefix(filepath.Base(rel), journalFileName)
}

// DownloadAll hydrates the data directory from the bucket, returning the
// number of files written. An empty bucket yields (0, nil) and still
// creates the data directory.
func (m *Mirror) DownloadAll(ctx context.Context) (int, error) {
	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return 0, fmt.Errorf("moltgate: failed to create data dir: %w", err)
	}
	keys, err := m.store.List(ctx, m.prefix)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, key := range keys {
		if strings.HasSuffix(key, "/") {
			continue // directory marker
		}
		rel, ok := m.relFor(key)
		if !ok || journalFile(rel) {
			continue
		}
		if err := m.fetch(ctx, key, rel); err != nil {
			return count, fmt.Errorf("moltgate: failed to download %q: %w", key, err)
		}
		count++
	}
	return count, nil
}

// DownloadFile fetches a single file from the bucket into the data
// directory. Returns false with a nil error when the object does not exist.
func (m *Mirror) DownloadFile(ctx context.Context, rel string) (bool, error) {
	key := m.keyFor(rel)
	err := m.fetch(ctx, key, rel)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("moltgate: failed to download %q: %w", key, err)
	}
	return true, nil
}

// fetch streams one object to disk and stamps the file with the remote
// modification time so drift detection survives a restart. The stamp is
// best-effort.
func (m *Mirror) fetch(ctx context.Context, key, rel string) error {
	body, err := m.store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()

	local := m.localPath(rel)
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	f, err := os.Create(local)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if info, err := m.store.Head(ctx, key); err == nil && info != nil && !info.LastModified.IsZero() {
		if err := os.Chtimes(local, info.LastModified, info.LastModified); err != nil {
			log.Printf("mirror: failed to stamp %s: %v", rel, err)
		}
	}
	return nil
}

// UploadFile pushes a single local file to the bucket. Returns false with a
// nil error when the local file does not exist; no store call is made in
// that case.
func (m *Mirror) UploadFile(ctx context.Context, rel string) (bool, error) {
	if journalFile(rel) {
		return false, nil
	}
	f, err := os.Open(m.localPath(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("moltgate: failed to open %q: %w", rel, err)
	}
	defer f.Close()
	if err := m.store.Put(ctx, m.keyFor(rel), f, contentTypeFor(rel)); err != nil {
		return false, err
	}
	return true, nil
}

// UploadDir pushes every regular file under the relative directory to the
// bucket, returning the number uploaded. A missing directory yields (0, nil).
func (m *Mirror) UploadDir(ctx context.Context, rel string) (int, error) {
	root := m.localPath(rel)
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("moltgate: failed to stat %q: %w", rel, err)
	}
	count := 0
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		sub, err := filepath.Rel(m.dataDir, p)
		if err != nil {
			return err
		}
		fileRel := filepath.ToSlash(sub)
		if journalFile(fileRel) {
			return nil
		}
		ok, err := m.UploadFile(ctx, fileRel)
		if err != nil {
			return err
		}
		if ok {
			count++
		}
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("moltgate: failed to upload %q: %w", rel, err)
	}
	return count, nil
}
