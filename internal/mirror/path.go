package mirror

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// hashLen is the number of hex digits of the key digest kept in a path.
const hashLen = 12

// dirName returns the mirror directory name for an owner/name key:
// <owner>__<name>-<digest>.git. The digest keeps distinct keys apart after
// sanitizing and case folding.
func dirName(key string) string {
	owner, name, _ := strings.Cut(key, "/")
	sum := blake3.Sum256([]byte(strings.ToLower(key)))
	return sanitize(owner) + "__" + sanitize(name) + "-" + hex.EncodeToString(sum[:])[:hashLen] + ".git"
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "_"
	}
	return out
}
