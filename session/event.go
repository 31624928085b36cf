package session

import "time"

// Outcomes reported in Event.Outcome.
const (
	OutcomeListed   = "listed"
	OutcomeServed   = "served"
	OutcomeNotFound = "not-found"
	OutcomeTooLarge = "too-large"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Event summarizes one finished interaction.
type Event struct {
	ID       string        `json:"id"`
	Remote   string        `json:"remote"`
	Verb     string        `json:"verb,omitempty"`
	File     string        `json:"file,omitempty"`
	Data     string        `json:"data,omitempty"`
	Outcome  string        `json:"outcome"`
	Bytes    int64         `json:"bytes"`
	Error    string        `json:"error,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration_ns"`
}

// Observer receives events. Observe is called from the goroutine that ran
// the interaction, after its connections are closed.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

func (s *Server) notify(e Event) {
	if s.opts.Observer == nil {
		return
	}
	e.Duration = time.Since(e.Started)
	s.opts.Observer.Observe(e)
}
