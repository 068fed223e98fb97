package cryptoutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// SHA256Hex returns the lower-case hex SHA-256 of data.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HashEqual compares two hex digests in constant time.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ETag is the quoted content hash of body.
func ETag(body []byte) string {
	return `"` + SHA256Hex(body) + `"`
}

// ETagMatch reports whether an If-None-Match header value matches etag.
// Weak validators compare by their opaque part; "*" matches anything.
func ETagMatch(ifNoneMatch, etag string) bool {
	want := strings.Trim(etag, `"`)
	if want == "" {
		return false
	}
	for _, cand := range strings.Split(ifNoneMatch, ",") {
		cand = strings.TrimSpace(cand)
		if cand == "*" {
			return true
		}
		cand = strings.Trim(strings.TrimPrefix(cand, "W/"), `"`)
		if HashEqual(cand, want) {
			return true
		}
	}
	return false
}
