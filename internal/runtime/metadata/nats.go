package metadata

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
)

// FromHeader flattens NATS headers, keeping the first value of each key.
func FromHeader(h nats.Header) Metadata {
	if len(h) == 0 {
		return Metadata{}
	}

	result := make(Metadata, len(h))
	for k, v := range h {
		if len(v) > 0 {
			result[k] = v[0]
		}
	}
	return result
}

// ToHeader converts metadata into NATS headers.
func ToHeader(md Metadata) nats.Header {
	h := make(nats.Header, len(md))
	for k, v := range md {
		h.Set(k, v)
	}
	return h
}

// FromWatermill converts Watermill metadata into Metadata.
func FromWatermill(md message.Metadata) Metadata {
	if len(md) == 0 {
		return Metadata{}
	}

	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// HeaderCarrier adapts NATS headers to the OpenTelemetry TextMapCarrier contract.
type HeaderCarrier nats.Header

func (c HeaderCarrier) Get(key string) string {
	return nats.Header(c).Get(key)
}

func (c HeaderCarrier) Set(key, value string) {
	nats.Header(c).Set(key, value)
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
