package subscription

import (
	"time"

	"github.com/roach88/parley/internal/transport"
)

// Handler receives the traffic of one subscription. Both methods run on
// the loop.
type Handler interface {
	HandleEvent(ev transport.Event)
	HandleError(ev ErrorEvent)
}

// Funcs adapts plain functions to Handler. Nil fields ignore their input.
type Funcs struct {
	Event func(transport.Event)
	Error func(ErrorEvent)
}

// HandleEvent implements Handler.
func (f Funcs) HandleEvent(ev transport.Event) {
	if f.Event != nil {
		f.Event(ev)
	}
}

// HandleError implements Handler.
func (f Funcs) HandleError(ev ErrorEvent) {
	if f.Error != nil {
		f.Error(ev)
	}
}

// ErrorEvent reports a failed or dropped subscription to its handlers.
type ErrorEvent struct {
	Spec transport.Spec
	Err  *transport.TransportError

	// Attempt counts consecutive failures since the subscription was last
	// live.
	Attempt int

	// RetryIn is the delay before the next attempt; zero when Exhausted.
	RetryIn time.Duration

	// Exhausted is set when no further attempts will be made. The
	// subscription stays registered and can be restarted with Resume.
	Exhausted bool
}
