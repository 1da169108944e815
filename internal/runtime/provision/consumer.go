package provision

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	"github.com/drblury/natsflow/internal/runtime/logging"
)

// ConsumerSpec describes the durable consumer for one pattern.
type ConsumerSpec struct {
	Stream        string
	Name          string
	FilterSubject string
	MaxDeliver    int
	AckWait       time.Duration
}

func (s ConsumerSpec) config() jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       s.Name,
		FilterSubject: s.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    s.MaxDeliver,
		AckWait:       s.AckWait,
	}
}

// EnsureConsumer creates the consumer, leaves an identical one alone, and
// updates one whose filter or delivery bounds drifted.
func (p *Provisioner) EnsureConsumer(ctx context.Context, spec ConsumerSpec) (jetstream.Consumer, Action, error) {
	fail := func(err error) (jetstream.Consumer, Action, error) {
		return nil, ActionNone, &errspkg.ProvisioningError{Resource: "consumer", Name: spec.Name, Err: err}
	}

	stream, err := p.js.Stream(ctx, spec.Stream)
	if err != nil {
		return fail(err)
	}
	want := spec.config()
	fields := logging.LogFields{"stream": spec.Stream, "consumer": spec.Name, "filter": spec.FilterSubject}

	existing, err := stream.Consumer(ctx, spec.Name)
	switch {
	case errors.Is(err, jetstream.ErrConsumerNotFound):
		consumer, err := stream.CreateConsumer(ctx, want)
		if errors.Is(err, jetstream.ErrConsumerExists) {
			// Another replica won the race.
			if existing, err = stream.Consumer(ctx, spec.Name); err != nil {
				return fail(err)
			}
			return p.reconcileConsumer(ctx, stream, existing, want, fields)
		}
		if err != nil {
			return fail(err)
		}
		p.log.Info("Consumer created", fields)
		return consumer, ActionCreated, nil
	case err != nil:
		return fail(err)
	}
	return p.reconcileConsumer(ctx, stream, existing, want, fields)
}

func (p *Provisioner) reconcileConsumer(ctx context.Context, stream jetstream.Stream, existing jetstream.Consumer, want jetstream.ConsumerConfig, fields logging.LogFields) (jetstream.Consumer, Action, error) {
	have := existing.CachedInfo().Config
	if have.FilterSubject == want.FilterSubject &&
		have.MaxDeliver == want.MaxDeliver &&
		(want.AckWait == 0 || have.AckWait == want.AckWait) {
		p.log.Debug("Consumer up to date", fields)
		return existing, ActionNone, nil
	}

	updated, err := stream.UpdateConsumer(ctx, want)
	if err != nil {
		return nil, ActionNone, &errspkg.ProvisioningError{Resource: "consumer", Name: want.Durable, Err: err}
	}
	p.log.Info("Consumer updated", fields)
	return updated, ActionUpdated, nil
}
