package pathutil

import (
	"path/filepath"
	"strings"
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// Within reports whether target, once cleaned and made absolute, is root
// itself or a descendant of it. It works on lexical paths only and does
// not follow symlinks.
func Within(root, target string) bool {
	r, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	t, err := filepath.Abs(target)
	if err != nil {
		return false
	}
	if t == r {
		return true
	}
	if !strings.HasSuffix(r, string(filepath.Separator)) {
		r += string(filepath.Separator)
	}
	return strings.HasPrefix(t, r)
}

// Resolve joins a slash-separated relative name onto root and returns the
// result only if it stays under root. Absolute names, Windows drive
// letters and backslashes are refused outright.
func Resolve(root, name string) (string, bool) {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, `\`) {
		return "", false
	}
	if len(name) >= 2 && name[1] == ':' {
		return "", false
	}
	if HasDotSegments(name) {
		return "", false
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	if !Within(root, target) {
		return "", false
	}
	return target, true
}
