// Package jail confines file access to a single root directory.
package jail

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MaxEntries bounds a directory listing.
const MaxEntries = 50

var (
	ErrAccessDenied = errors.New("access denied: path outside allowed directory")
	ErrNotFound     = errors.New("path does not exist")
	ErrNotDirectory = errors.New("not a directory")
	ErrPermission   = errors.New("permission denied")
)

// Entry is one row of a directory listing. Size is empty for directories.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  string `json:"size,omitempty"`
}

// canonical returns the absolute, symlink-free form of p. Components that do
// not exist yet are re-attached to their deepest existing ancestor.
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	var tail []string
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			parts := append([]string{resolved}, tail...)
			return filepath.Join(parts...), nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		tail = append([]string{filepath.Base(cur)}, tail...)
		cur = parent
	}
}

func within(candidate, root string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// IsSafe reports whether candidate, once canonicalized, is root or lies beneath it.
func IsSafe(candidate, root string) bool {
	_, err := Resolve(candidate, root)
	return err == nil
}

// Resolve canonicalizes path and checks it against root. The returned path is
// safe to open.
func Resolve(path, root string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", ErrAccessDenied
	}
	croot, err := canonical(root)
	if err != nil {
		return "", err
	}
	cpath, err := canonical(path)
	if err != nil {
		return "", err
	}
	if !within(cpath, croot) {
		return "", ErrAccessDenied
	}
	return cpath, nil
}

// List returns the visible entries of dir, directories first and then by
// case-insensitive name, capped at MaxEntries.
func List(dir, root string) ([]Entry, error) {
	resolved, err := Resolve(dir, root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		return nil, ErrPermission
	case err != nil:
		return nil, fmt.Errorf("stat %s: %w", resolved, err)
	}
	if !info.IsDir() {
		return nil, ErrNotDirectory
	}

	dirents, err := os.ReadDir(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, ErrPermission
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		if strings.HasPrefix(d.Name(), ".") {
			continue
		}
		e := Entry{Name: d.Name(), IsDir: d.IsDir()}
		st, err := os.Stat(filepath.Join(resolved, d.Name()))
		if err == nil {
			e.IsDir = st.IsDir()
		}
		if !e.IsDir {
			if err != nil {
				e.Size = "?"
			} else {
				e.Size = FormatSize(st.Size())
			}
		}
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	if len(entries) > MaxEntries {
		entries = entries[:MaxEntries]
	}
	return entries, nil
}

// FormatSize renders n as "N B", "X.Y KB" or "X.Y MB".
func FormatSize(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	}
}

// ExpandRequest turns a user-supplied browse path into an absolute path:
// "" and "~" mean home, "~/x" and bare relative paths are taken from home.
func ExpandRequest(p, home string) string {
	p = strings.TrimSpace(p)
	switch {
	case p == "" || p == "~":
		return home
	case strings.HasPrefix(p, "~/"):
		return filepath.Join(home, p[2:])
	case filepath.IsAbs(p):
		return p
	}
	return filepath.Join(home, p)
}

// DisplayPath renders p relative to home ("~" for home itself), or absolute
// when p is outside home.
func DisplayPath(p, home string) string {
	if home == "" {
		return p
	}
	if ch, err := canonical(home); err == nil {
		home = ch
	}
	rel, err := filepath.Rel(home, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	if rel == "." {
		return "~"
	}
	return rel
}
