package spooler

import (
	"errors"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// filepath.Glob has no "**". A pattern holding "**" is split at its first
// occurrence: everything before is a base directory walked recursively, the
// remainder is matched against the base name (no slash) or the relative path.

func splitDoubleStar(pattern string) (base, suffix string, ok bool) {
	idx := strings.Index(pattern, "**")
	if idx < 0 {
		return "", "", false
	}
	base = strings.TrimRight(pattern[:idx], string(filepath.Separator)+"/")
	if base == "" {
		base = "."
	}
	suffix = strings.TrimLeft(pattern[idx+2:], string(filepath.Separator)+"/")
	if suffix == "" {
		suffix = "*"
	}
	return filepath.Clean(base), filepath.ToSlash(suffix), true
}

// matchGlob reports whether name matches pattern, "**" included.
func matchGlob(pattern, name string) bool {
	base, suffix, ok := splitDoubleStar(pattern)
	if !ok {
		matched, err := filepath.Match(filepath.Clean(pattern), filepath.Clean(name))
		return err == nil && matched
	}
	rel, err := filepath.Rel(base, filepath.Clean(name))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return false
	}
	candidate := filepath.ToSlash(rel)
	if !strings.Contains(suffix, "/") {
		candidate = path.Base(candidate)
	}
	matched, err := path.Match(suffix, candidate)
	return err == nil && matched
}

// expandGlob returns the regular files matching pattern, sorted.
func expandGlob(pattern string) ([]string, error) {
	base, _, ok := splitDoubleStar(pattern)
	if !ok {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		return matches, nil
	}
	var matches []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == base {
				return err
			}
			// Unreadable entry below base: skip it, keep walking.
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !matchGlob(pattern, p) {
			return nil
		}
		matches = append(matches, p)
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// globRoot is the deepest directory that contains every match of pattern.
func globRoot(pattern string) string {
	if base, _, ok := splitDoubleStar(pattern); ok {
		return base
	}
	idx := strings.IndexAny(pattern, "*?[")
	if idx < 0 {
		return filepath.Dir(filepath.Clean(pattern))
	}
	prefix := pattern[:idx]
	if strings.HasSuffix(prefix, string(filepath.Separator)) || strings.HasSuffix(prefix, "/") {
		return filepath.Clean(prefix)
	}
	return filepath.Dir(filepath.Clean(prefix + "x"))
}

func recursiveGlob(pattern string) bool {
	return strings.Contains(pattern, "**")
}
