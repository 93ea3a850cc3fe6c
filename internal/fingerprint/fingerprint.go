// Package fingerprint derives the deduplication key of a content item.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Size is the length of a fingerprint in hex characters.
const Size = sha256.Size * 2

// Of returns the fingerprint of an item. The identity, usually the link, wins
// when present, otherwise title, source name and publish time together are.
func Of(identity, title, sourceName string, publishedAt time.Time) string {
	if identity != "" {
		return hash(identity)
	}

	return hash(title + "|" + sourceName + "|" + ISO8601(publishedAt))
}

// ISO8601 formats t in UTC without a zone suffix. Microseconds are appended
// only when they are non-zero.
func ISO8601(t time.Time) string {
	t = t.UTC()

	if t.Nanosecond()/int(time.Microsecond) != 0 {
		return t.Format("2006-01-02T15:04:05.000000")
	}

	return t.Format("2006-01-02T15:04:05")
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
