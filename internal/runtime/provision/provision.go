// Package provision brings JetStream streams and consumers to a desired
// configuration at server startup. Both operations are idempotent.
package provision

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/drblury/natsflow/internal/runtime/logging"
)

// Action reports what an Ensure call changed.
type Action string

const (
	ActionNone      Action = "none"
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionRecreated Action = "recreated"
	ActionDeleted   Action = "deleted"
)

// Provisioner manages streams and consumers through a JetStream handle.
type Provisioner struct {
	js  jetstream.JetStream
	log logging.ServiceLogger

	// OnStreamDeleted, when set, is called after a stream is removed. reason
	// is "overlap", "stale" or "recreate".
	OnStreamDeleted func(stream, reason string)
}

// New returns a Provisioner. A nil logger discards logs.
func New(js jetstream.JetStream, log logging.ServiceLogger) *Provisioner {
	return &Provisioner{
		js:  js,
		log: logging.OrNop(log).With(logging.LogFields{"component": "provisioner"}),
	}
}

// deleteStream removes every consumer of name, then the stream itself.
func (p *Provisioner) deleteStream(ctx context.Context, name, reason string) error {
	stream, err := p.js.Stream(ctx, name)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var names []string
	lister := stream.ConsumerNames(ctx)
	for consumer := range lister.Name() {
		names = append(names, consumer)
	}
	if err := lister.Err(); err != nil {
		return err
	}
	for _, consumer := range names {
		if err := stream.DeleteConsumer(ctx, consumer); err != nil && !errors.Is(err, jetstream.ErrConsumerNotFound) {
			return err
		}
		p.log.Debug("Consumer deleted", logging.LogFields{"stream": name, "consumer": consumer})
	}

	if err := p.js.DeleteStream(ctx, name); err != nil && !errors.Is(err, jetstream.ErrStreamNotFound) {
		return err
	}
	if p.OnStreamDeleted != nil {
		p.OnStreamDeleted(name, reason)
	}
	return nil
}
