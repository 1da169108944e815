// Package ids generates the identifiers carried on the wire: message ids for
// every publish and reply tokens for request inboxes.
package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID returns a fresh time-sortable ULID. Every publish gets its own
// id; nothing is reused across calls.
func NewMessageID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewReplyToken returns a random token usable as a single subject segment.
func NewReplyToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ReplyAddress joins the inbox prefix with a fresh reply token.
func ReplyAddress(prefix string) string {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = "_INBOX"
	}
	return prefix + "." + NewReplyToken()
}
