package dataset

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	iface "bsort/interface"
)

// Entry is a top-level name of an extracted archive.
type Entry struct {
	Name  string
	IsDir bool
}

// Extract unpacks every entry of archive into destination and returns the archive's
// top-level entries sorted by name. Entries resolving outside destination are rejected.
func Extract(archive, destination string) ([]Entry, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		if r != nil {
			_ = r.Close()
		}
		return nil, fmt.Errorf("open %s: %w: %v", archive, iface.ErrFormat, err)
	}
	defer r.Close()

	base, err := filepath.Abs(destination)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w: %v", destination, iface.ErrIO, err)
	}

	top := make(map[string]bool)
	for _, zf := range r.File {
		clean := path.Clean(strings.ReplaceAll(zf.Name, "\\", "/"))
		if clean == "." || clean == "/" {
			continue
		}
		target := filepath.Join(base, filepath.FromSlash(clean))
		if !strings.HasPrefix(target, base+string(os.PathSeparator)) {
			return nil, fmt.Errorf("entry %q: %w: path escapes %s", zf.Name, iface.ErrFormat, destination)
		}

		first, rest, nested := strings.Cut(clean, "/")
		isDir := nested && rest != "" || zf.FileInfo().IsDir()
		top[first] = top[first] || isDir

		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("create %s: %w: %v", target, iface.ErrIO, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w: %v", filepath.Dir(target), iface.ErrIO, err)
		}
		if err := writeEntry(zf, target); err != nil {
			return nil, err
		}
	}

	entries := make([]Entry, 0, len(top))
	for name, isDir := range top {
		entries = append(entries, Entry{Name: name, IsDir: isDir})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func writeEntry(zf *zip.File, target string) error {
	rc, err := zf.Open()
	if err != nil {
		return fmt.Errorf("entry %q: %w: %v", zf.Name, iface.ErrFormat, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w: %v", target, iface.ErrIO, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return fmt.Errorf("entry %q: %w: %v", zf.Name, iface.ErrFormat, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w: %v", target, iface.ErrIO, err)
	}
	return nil
}
