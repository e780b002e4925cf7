package moltgate

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"
)

// exportName returns the attachment filename for an export taken at the
// given instant.
func exportName(now time.Time) string {
	return "moltbot-export-" + now.UTC().Format("20060102T150405Z") + ".tar.gz"
}

// WriteArchive streams a tar.gz of the given directories to w. The map
// key becomes the path prefix inside the archive. Directories that do
// not exist are skipped, so an unconfigured instance yields a valid,
// empty archive. The local journal database is excluded: exports carry
// gateway state, not this program's own bookkeeping.
func WriteArchive(w io.Writer, dirs map[string]string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	prefixes := make([]string, 0, len(dirs))
	for p := range dirs {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	for _, prefix := range prefixes {
		root := dirs[prefix]
		if _, err := os.Stat(root); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("moltgate: failed to stat %s: %w", root, err)
		}
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			if journalFile(filepath.ToSlash(rel)) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if !d.IsDir() && !info.Mode().IsRegular() {
				return nil
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = prefix + "/" + filepath.ToSlash(rel)
			if d.IsDir() {
				hdr.Name += "/"
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("moltgate: failed to archive %s: %w", root, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("moltgate: failed to finish archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("moltgate: failed to finish compression: %w", err)
	}
	return nil
}
