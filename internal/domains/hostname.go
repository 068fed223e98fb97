package domains

import (
	"net"
	"strings"

	"golang.org/x/net/idna"

	"github.com/keithlinneman/sitepress/internal/xerrors"
)

const (
	maxHostnameLen = 253
	maxLabelLen    = 63
)

// NormalizeHostname reduces user input such as "https://Example.com:443/x"
// to a bare lower-case ASCII hostname ("example.com"). Applying it to its
// own output is a no-op.
func NormalizeHostname(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, ":"); i >= 0 {
		if !isDigits(s[i+1:]) {
			return "", invalid(raw, "unexpected ':'")
		}
		s = s[:i]
	}
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return "", invalid(raw, "empty")
	}
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return "", invalid(raw, err.Error())
	}
	host := strings.ToLower(ascii)
	if net.ParseIP(host) != nil {
		return "", invalid(raw, "IP addresses cannot be registered")
	}

	if len(host) > maxHostnameLen {
		return "", invalid(raw, "longer than 253 characters")
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return "", invalid(raw, "needs at least two labels")
	}
	for _, l := range labels {
		if err := checkLabel(l); err != "" {
			return "", invalid(raw, err)
		}
	}
	return host, nil
}

func checkLabel(l string) string {
	if l == "" || len(l) > maxLabelLen {
		return "label length must be 1-63"
	}
	if l[0] == '-' || l[len(l)-1] == '-' {
		return "label cannot start or end with '-'"
	}
	for i := 0; i < len(l); i++ {
		c := l[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return "label has invalid character"
		}
	}
	return ""
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func invalid(raw, why string) error {
	return xerrors.Ef(xerrors.KindValidation, "invalid hostname %q: %s", raw, why)
}

// WithinBase reports whether host is base itself or one of its subdomains.
func WithinBase(host, base string) bool {
	return host == base || strings.HasSuffix(host, "."+base)
}
