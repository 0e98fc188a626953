package reconciler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Status is the display-facing state of a screen's play flow.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSpinning  Status = "spinning"
	StatusResult    Status = "result"
	StatusDuplicate Status = "duplicate"
)

// ErrInvalidTransition is returned when a transition would break the idle → spinning → result → idle order.
var ErrInvalidTransition = errors.New("invalid status transition")

// State is a snapshot of the store.
type State struct {
	Status Status `json:"status"`
	Result *int   `json:"result,omitempty"`
	// Episode increments each time a spin starts.
	Episode uint64    `json:"episode"`
	Since   time.Time `json:"since"`
}

// allowed lists the legal transitions. Same-status transitions are handled as no-ops before lookup.
var allowed = map[Status]map[Status]bool{
	StatusIdle:      {StatusSpinning: true, StatusDuplicate: true},
	StatusSpinning:  {StatusResult: true, StatusIdle: true, StatusDuplicate: true},
	StatusResult:    {StatusIdle: true, StatusDuplicate: true},
	StatusDuplicate: {StatusIdle: true},
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return allowed[from][to]
}

// Store owns the status state machine and notifies subscribers on every change.
type Store struct {
	clock clockwork.Clock

	mu        sync.Mutex
	state     State
	nextSub   int
	listeners map[int]func(State)
}

// NewStore returns a store in idle.
func NewStore(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		clock:     clock,
		state:     State{Status: StatusIdle, Since: clock.Now()},
		listeners: make(map[int]func(State)),
	}
}

// Get returns the current state.
func (s *Store) Get() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyState(s.state)
}

// Status returns the current status.
func (s *Store) Status() Status {
	return s.Get().Status
}

// Transition moves to status to. Entering spinning clears the result and starts a new episode;
// entering result records result. A transition to the current status changes nothing.
func (s *Store) Transition(to Status, result *int) (bool, error) {
	s.mu.Lock()
	from := s.state.Status
	if from == to {
		s.mu.Unlock()
		return false, nil
	}
	if !allowed[from][to] {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	next := State{Status: to, Episode: s.state.Episode, Since: s.clock.Now()}
	switch to {
	case StatusSpinning:
		next.Episode++
	case StatusResult:
		if result == nil {
			s.mu.Unlock()
			return false, fmt.Errorf("%w: result requires a value", ErrInvalidTransition)
		}
		v := *result
		next.Result = &v
	}
	s.state = next

	listeners := make([]func(State), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	snapshot := copyState(next)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
	return true, nil
}

// Subscribe registers listener for state changes and returns a function that removes it.
func (s *Store) Subscribe(listener func(State)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = listener
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func copyState(st State) State {
	if st.Result != nil {
		v := *st.Result
		st.Result = &v
	}
	return st
}
