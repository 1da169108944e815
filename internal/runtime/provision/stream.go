package provision

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/drblury/natsflow/internal/runtime/config"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	"github.com/drblury/natsflow/internal/runtime/logging"
	"github.com/drblury/natsflow/internal/runtime/subject"
)

// StreamSpec describes the durable stream a service needs.
type StreamSpec struct {
	Name string
	// Subjects are the durable patterns. They are collapsed before use.
	Subjects []string
	// GuardSubjects must not be captured by any other stream, but are not
	// part of this one. Non-durable patterns go here.
	GuardSubjects []string

	Retention  string
	Storage    string
	MaxAge     time.Duration
	Replicas   int
	Duplicates time.Duration
}

// StreamResult is the outcome of EnsureStream.
type StreamResult struct {
	Action   Action
	Subjects []string
	// Removed lists other streams deleted because they overlapped.
	Removed []string
}

// EnsureStream removes streams overlapping the spec's subjects, then creates,
// updates or recreates the named stream. With no subjects the named stream is
// deleted if it exists.
func (p *Provisioner) EnsureStream(ctx context.Context, spec StreamSpec) (StreamResult, error) {
	desired := subject.Collapse(spec.Subjects)
	result := StreamResult{Action: ActionNone, Subjects: desired}

	guarded := append(append([]string(nil), desired...), spec.GuardSubjects...)
	removed, err := p.removeOverlapping(ctx, spec.Name, guarded)
	result.Removed = removed
	if err != nil {
		return result, err
	}

	if len(desired) == 0 {
		existed, err := p.streamExists(ctx, spec.Name)
		if err != nil {
			return result, &errspkg.ProvisioningError{Resource: "stream", Name: spec.Name, Err: err}
		}
		if !existed {
			return result, nil
		}
		if err := p.deleteStream(ctx, spec.Name, "stale"); err != nil {
			return result, &errspkg.ProvisioningError{Resource: "stream", Name: spec.Name, Err: err}
		}
		p.log.Info("Stale durable stream deleted", logging.LogFields{"stream": spec.Name})
		result.Action = ActionDeleted
		return result, nil
	}

	want := spec.config(desired)
	stream, err := p.js.Stream(ctx, spec.Name)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		if _, err := p.js.CreateStream(ctx, want); err != nil {
			return result, &errspkg.ProvisioningError{Resource: "stream", Name: spec.Name, Err: err}
		}
		p.log.Info("Stream created", logging.LogFields{"stream": spec.Name, "subjects": desired})
		result.Action = ActionCreated
		return result, nil
	}
	if err != nil {
		return result, &errspkg.ProvisioningError{Resource: "stream", Name: spec.Name, Err: err}
	}

	have := stream.CachedInfo().Config
	switch {
	case !subject.Equal(have.Subjects, want.Subjects) || have.Retention != want.Retention || have.Storage != want.Storage:
		if err := p.deleteStream(ctx, spec.Name, "recreate"); err != nil {
			return result, &errspkg.ProvisioningError{Resource: "stream", Name: spec.Name, Err: err}
		}
		if _, err := p.js.CreateStream(ctx, want); err != nil {
			return result, &errspkg.ProvisioningError{Resource: "stream", Name: spec.Name, Err: err}
		}
		p.log.Info("Stream recreated", logging.LogFields{
			"stream":        spec.Name,
			"subjects":      desired,
			"previous":      have.Subjects,
			"retention":     want.Retention.String(),
			"prevRetention": have.Retention.String(),
		})
		result.Action = ActionRecreated
	case updatableDrift(have, want):
		if _, err := p.js.UpdateStream(ctx, want); err != nil {
			return result, &errspkg.ProvisioningError{Resource: "stream", Name: spec.Name, Err: err}
		}
		p.log.Info("Stream updated", logging.LogFields{"stream": spec.Name})
		result.Action = ActionUpdated
	default:
		p.log.Debug("Stream up to date", logging.LogFields{"stream": spec.Name})
	}
	return result, nil
}

// removeOverlapping deletes every stream other than own whose subjects
// overlap subjects. A failed deletion is fatal.
func (p *Provisioner) removeOverlapping(ctx context.Context, own string, subjects []string) ([]string, error) {
	if len(subjects) == 0 {
		return nil, nil
	}

	type hazard struct {
		name     string
		subjects []string
	}
	var hazards []hazard
	lister := p.js.ListStreams(ctx)
	for info := range lister.Info() {
		if info.Config.Name == own {
			continue
		}
		if _, _, ok := subject.AnyOverlap(info.Config.Subjects, subjects); ok {
			hazards = append(hazards, hazard{name: info.Config.Name, subjects: info.Config.Subjects})
		}
	}
	if err := lister.Err(); err != nil {
		return nil, &errspkg.ProvisioningError{Resource: "stream", Name: own, Err: err}
	}

	var removed []string
	for _, h := range hazards {
		p.log.Info("Deleting stream overlapping durable subjects", logging.LogFields{
			"stream":   h.name,
			"subjects": strings.Join(h.subjects, ","),
			"desired":  strings.Join(subjects, ","),
		})
		if err := p.deleteStream(ctx, h.name, "overlap"); err != nil {
			return removed, &errspkg.OverlapHazardError{Stream: h.name, Subjects: h.subjects, Err: err}
		}
		removed = append(removed, h.name)
	}
	return removed, nil
}

func (p *Provisioner) streamExists(ctx context.Context, name string) (bool, error) {
	_, err := p.js.Stream(ctx, name)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return false, nil
	}
	return err == nil, err
}

func updatableDrift(have, want jetstream.StreamConfig) bool {
	if want.MaxAge != 0 && have.MaxAge != want.MaxAge {
		return true
	}
	if want.Replicas != 0 && have.Replicas != want.Replicas {
		return true
	}
	return want.Duplicates != 0 && have.Duplicates != want.Duplicates
}

func (s StreamSpec) config(subjects []string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       s.Name,
		Subjects:   subjects,
		Retention:  RetentionPolicy(s.Retention),
		Storage:    StorageType(s.Storage),
		MaxAge:     s.MaxAge,
		Replicas:   s.Replicas,
		Duplicates: s.Duplicates,
	}
}

// RetentionPolicy maps a configured retention name onto JetStream's policy.
// Unknown names fall back to limits.
func RetentionPolicy(name string) jetstream.RetentionPolicy {
	switch strings.ToLower(name) {
	case config.RetentionInterest:
		return jetstream.InterestPolicy
	case config.RetentionWorkQueue:
		return jetstream.WorkQueuePolicy
	default:
		return jetstream.LimitsPolicy
	}
}

// StorageType maps a configured storage name onto JetStream's storage type.
func StorageType(name string) jetstream.StorageType {
	if strings.ToLower(name) == config.StorageMemory {
		return jetstream.MemoryStorage
	}
	return jetstream.FileStorage
}
