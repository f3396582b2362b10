package transport

import "time"

// RequestOutcome labels one step in a pending request's lifecycle.
type RequestOutcome string

const (
	RequestRegistered RequestOutcome = "registered"
	RequestResolved   RequestOutcome = "resolved"
	RequestFailed     RequestOutcome = "failed"
	RequestTimedOut   RequestOutcome = "timed_out"
	RequestClosed     RequestOutcome = "closed"
)

// StateObservation captures one connection state transition.
type StateObservation struct {
	Server    string
	Transport Type
	From      State
	To        State
	Error     string
}

// RequestObservation captures one request lifecycle event.
type RequestObservation struct {
	Server    string
	Transport Type
	RequestID int64
	Method    string
	Outcome   RequestOutcome
	Duration  time.Duration
	Error     string
}

// Observer receives channel-level observability events.
type Observer interface {
	ObserveState(observation StateObservation)
	ObserveRequest(observation RequestObservation)
}

type noopObserver struct{}

func (noopObserver) ObserveState(StateObservation)     {}
func (noopObserver) ObserveRequest(RequestObservation) {}

// MultiObserver fans observations out to several observers.
func MultiObserver(observers ...Observer) Observer {
	filtered := make([]Observer, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	return multiObserver(filtered)
}

type multiObserver []Observer

func (m multiObserver) ObserveState(observation StateObservation) {
	for _, o := range m {
		o.ObserveState(observation)
	}
}

func (m multiObserver) ObserveRequest(observation RequestObservation) {
	for _, o := range m {
		o.ObserveRequest(observation)
	}
}

func observerOrNoop(o Observer) Observer {
	if o == nil {
		return noopObserver{}
	}
	return o
}
