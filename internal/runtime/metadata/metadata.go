// Package metadata defines the envelope headers and converts between the
// string map used by handlers and the NATS header representation.
package metadata

// Header names carried on every envelope.
const (
	// HeaderReplyTo holds the reply subject. Present only for request/reply.
	HeaderReplyTo = "replyTo"
	// HeaderMessageID holds a fresh id per publish call.
	HeaderMessageID = "messageId"
	// HeaderError marks a reply as an error reply; the value is the message.
	HeaderError = "error"
	// HeaderBrokerMsgID is the broker-side deduplication header.
	HeaderBrokerMsgID = "Nats-Msg-Id"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// ReplyTo returns the reply subject or "".
func (m Metadata) ReplyTo() string { return m[HeaderReplyTo] }

// MessageID returns the message id or "".
func (m Metadata) MessageID() string { return m[HeaderMessageID] }

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
