// Package events delivers committed PredictionPlaced events to off-chain
// observers. Delivery happens after the owning transition has committed;
// a failed delivery never undoes the transition because the store's event
// log already holds the event.
package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/predicta/internal/model"
)

// Publisher delivers one committed event.
type Publisher interface {
	Publish(ctx context.Context, ev model.PredictionPlaced) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev model.PredictionPlaced) error

func (f PublisherFunc) Publish(ctx context.Context, ev model.PredictionPlaced) error {
	return f(ctx, ev)
}

// Sink is a named Publisher. The name labels failures in logs and metrics.
type Sink struct {
	Name      string
	Publisher Publisher
}

// Fanout publishes every event to each sink in order. A failing sink does
// not stop delivery to the others.
type Fanout struct {
	sinks []Sink
}

// NewFanout creates a Fanout over sinks. Nil publishers are skipped.
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s.Publisher != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Publish delivers ev to every sink and joins their errors. Each error is
// wrapped in a *SinkError.
func (f *Fanout) Publish(ctx context.Context, ev model.PredictionPlaced) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publisher.Publish(ctx, ev); err != nil {
			errs = append(errs, &SinkError{Sink: s.Name, Err: err})
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of sinks.
func (f *Fanout) Len() int { return len(f.sinks) }

// SinkError reports a delivery failure of one sink.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string { return fmt.Sprintf("events: sink %s: %v", e.Sink, e.Err) }
func (e *SinkError) Unwrap() error { return e.Err }
