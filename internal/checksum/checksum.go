// Package checksum fingerprints vault files. The digest doubles as the
// document version in the API (ETag and If-Match) and the MCP tools.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Matches reports whether want is the digest of data. want may be given as
// an HTTP entity tag: surrounding quotes and a weak prefix are ignored, and
// comparison is case-insensitive.
func Matches(data []byte, want string) bool {
	want = strings.TrimPrefix(strings.TrimSpace(want), "W/")
	want = strings.Trim(want, `"`)
	return strings.EqualFold(want, Sum(data))
}
