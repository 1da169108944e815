package handlers

import (
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/natsflow/internal/runtime/metadata"
)

// MessageContextBase provides the headers and logger shared by raw and typed
// handlers.
type MessageContextBase struct {
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

// CloneMetadata returns a copy of the current metadata map so handlers can
// mutate it without touching the original.
func (b MessageContextBase) CloneMetadata() metadatapkg.Metadata {
	return b.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Metadata[key]
}

// MessageID returns the id the sender attached to this publish.
func (b MessageContextBase) MessageID() string {
	return b.Metadata.MessageID()
}

// ReplyTo returns the reply subject, or "" for events.
func (b MessageContextBase) ReplyTo() string {
	return b.Metadata.ReplyTo()
}
