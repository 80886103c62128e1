package common

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// NormalizePath is the canonical form used for rule matching and driver
// lookups: cleaned separators, no trailing slash, drive letters upper-cased.
// Wildcard patterns pass through untouched apart from slash normalization.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if !IsWildcardPattern(p) {
		p = filepath.ToSlash(filepath.Clean(p))
	}
	if len(p) >= 2 && p[1] == ':' {
		p = strings.ToUpper(p[:1]) + p[1:]
	}
	return p
}

// IsWildcardPattern reports whether the text is a pattern rather than a
// concrete path. Multi-line rule text (one pattern per line) is always
// a pattern.
func IsWildcardPattern(p string) bool {
	return strings.ContainsAny(p, "*?") || strings.Contains(p, "\n")
}

// IsDriveFilePath reports whether the path points into a mounted volume,
// i.e. "C:/..." or a rooted unix path. Only such paths participate in the
// purge pass and the drive mask.
func IsDriveFilePath(p string) bool {
	if len(p) >= 3 && p[1] == ':' && p[2] == '/' {
		c := p[0]
		return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
	}
	return strings.HasPrefix(p, "/")
}

// DriveBit maps a path to its volume bit: 'A:'..'Z:' -> bits 0..25,
// rooted unix paths -> bit 0, everything else -> no bit.
func DriveBit(p string) uint32 {
	if len(p) >= 2 && p[1] == ':' {
		c := p[0]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c >= 'A' && c <= 'Z' {
			return 1 << uint(c-'A')
		}
		return 0
	}
	if strings.HasPrefix(p, "/") {
		return 1
	}
	return 0
}

// FileExists is the purge-pass existence probe. Anything stat-able counts,
// a rule for a directory is the user's own business.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// AppBaseName is the fallback display name for auto-created rules when no
// better name is known: the executable base name without extension.
func AppBaseName(p string) string {
	base := filepath.Base(strings.ReplaceAll(p, "\\", "/"))
	if ext := filepath.Ext(base); ext != "" && !strings.EqualFold(base, ext) {
		base = base[:len(base)-len(ext)]
	}
	return base
}

func IsDesktop() bool { // Win/macOS are treated as dev machines
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}
