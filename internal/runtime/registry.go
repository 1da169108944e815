package runtime

import (
	"fmt"

	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/natsflow/internal/runtime/handlers"
	"github.com/drblury/natsflow/internal/runtime/subject"
)

// Handler is invoked for every message matching its pattern.
type Handler = handlerpkg.Func

// Request is the inbound message passed to a Handler.
type Request = handlerpkg.Request

// Registration binds a subject pattern to a handler and a delivery mode.
type Registration struct {
	Pattern string
	Handler Handler
	// Durable selects persisted, acknowledged delivery with bounded retries.
	// Non-durable patterns are load balanced over a queue group without
	// persistence or retry.
	Durable bool
}

// registry is append-only until the server starts and read-only afterwards.
type registry struct {
	entries []Registration
	index   map[string]int
}

func newRegistry() *registry {
	return &registry{index: map[string]int{}}
}

func (r *registry) add(reg Registration) error {
	if err := subject.ValidatePattern(reg.Pattern); err != nil {
		return err
	}
	if reg.Handler == nil {
		return fmt.Errorf("%w: %s", errspkg.ErrHandlerRequired, reg.Pattern)
	}
	if _, ok := r.index[reg.Pattern]; ok {
		return fmt.Errorf("%w: %s", errspkg.ErrDuplicatePattern, reg.Pattern)
	}
	r.index[reg.Pattern] = len(r.entries)
	r.entries = append(r.entries, reg)
	return nil
}

func (r *registry) partition() (durable, nonDurable []Registration) {
	for _, reg := range r.entries {
		if reg.Durable {
			durable = append(durable, reg)
		} else {
			nonDurable = append(nonDurable, reg)
		}
	}
	return durable, nonDurable
}

func (r *registry) list() []Registration {
	return append([]Registration(nil), r.entries...)
}

func patterns(regs []Registration) []string {
	out := make([]string, len(regs))
	for i, reg := range regs {
		out[i] = reg.Pattern
	}
	return out
}

// checkConflicts rejects durable patterns whose stream subjects would capture
// non-durable traffic.
func checkConflicts(durable, nonDurable []Registration) error {
	d, n, ok := subject.AnyOverlap(patterns(durable), patterns(nonDurable))
	if !ok {
		return nil
	}
	return &errspkg.ProvisioningError{
		Resource: "registry",
		Name:     d,
		Err:      fmt.Errorf("%w: %s overlaps %s", errspkg.ErrPatternConflict, d, n),
	}
}

// checkConsumerNames rejects durable patterns that would share one consumer.
// A shared consumer is reconciled to the last pattern's filter and the
// others would never be delivered.
func checkConsumerNames(durable []Registration, name func(pattern string) string) error {
	seen := make(map[string]string, len(durable))
	for _, reg := range durable {
		consumer := name(reg.Pattern)
		if other, ok := seen[consumer]; ok {
			return &errspkg.ProvisioningError{
				Resource: "consumer",
				Name:     consumer,
				Err:      fmt.Errorf("%w: %s and %s map to consumer %s", errspkg.ErrPatternConflict, other, reg.Pattern, consumer),
			}
		}
		seen[consumer] = reg.Pattern
	}
	return nil
}
