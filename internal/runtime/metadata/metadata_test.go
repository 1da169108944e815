package metadata

import (
	"sort"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	if original["a"] != "1" {
		t.Fatalf("expected original map to stay untouched, got %q", original["a"])
	}
	if len(clone) != len(original) {
		t.Fatalf("expected clone to have same size")
	}
}

func TestCloneEmpty(t *testing.T) {
	var m Metadata
	cloned := m.Clone()
	if cloned == nil || len(cloned) != 0 {
		t.Fatal("expected empty non-nil map")
	}
}

func TestWith(t *testing.T) {
	base := Metadata{"foo": "bar"}
	enriched := base.With(HeaderReplyTo, "_INBOX.x")
	if base.ReplyTo() != "" {
		t.Fatalf("expected base map to remain unchanged")
	}
	if enriched.ReplyTo() != "_INBOX.x" || enriched["foo"] != "bar" {
		t.Fatalf("unexpected enriched map %#v", enriched)
	}
}

func TestNewPairs(t *testing.T) {
	md := New(HeaderMessageID, "01J", "dangling")
	assert.Equal(t, "01J", md.MessageID())
	assert.Len(t, md, 1)
}

func TestHeaderRoundTripKeepsCase(t *testing.T) {
	h := ToHeader(Metadata{HeaderReplyTo: "_INBOX.a", HeaderMessageID: "id-1"})

	assert.Equal(t, "_INBOX.a", h.Get("replyTo"))
	assert.Equal(t, "id-1", h.Get("messageId"))

	h.Add("multi", "first")
	h.Add("multi", "second")
	md := FromHeader(h)
	assert.Equal(t, "first", md["multi"])
	assert.Equal(t, "_INBOX.a", md.ReplyTo())

	assert.Empty(t, FromHeader(nil))
}

func TestFromWatermill(t *testing.T) {
	md := FromWatermill(message.Metadata{"event": "order"})
	assert.Equal(t, "order", md["event"])
	assert.NotNil(t, FromWatermill(nil))
}

func TestHeaderCarrier(t *testing.T) {
	h := nats.Header{}
	carrier := HeaderCarrier(h)
	carrier.Set("traceparent", "00-abc-def-01")
	carrier.Set("tracestate", "k=v")

	assert.Equal(t, "00-abc-def-01", h.Get("traceparent"))
	assert.Equal(t, "k=v", carrier.Get("tracestate"))

	keys := carrier.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"traceparent", "tracestate"}, keys)
}
