package events

import "context"

// Emitter delivers events to an external collector (Kafka, OTel logs, a test
// recorder). Best-effort; callers log and ignore errors.
type Emitter interface {
	Emit(ctx context.Context, event *Event) error
}

// Noop is an Emitter that discards everything.
type Noop struct{}

func (Noop) Emit(context.Context, *Event) error { return nil }

// Multi fans an event out to every emitter. Delivery stays best-effort: each
// emitter gets the event even when an earlier one fails, and the first error
// is returned.
func Multi(emitters ...Emitter) Emitter {
	return multiEmitter(emitters)
}

type multiEmitter []Emitter

func (m multiEmitter) Emit(ctx context.Context, event *Event) error {
	var first error
	for _, e := range m {
		if err := e.Emit(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
