package oldgen

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Pam-La/oldgen_gc/internal/telemetry"
)

var (
	ErrIllegalTransition = errors.New("illegal old generation state transition")
)

// State is the old generation coordinator's position in its cycle.
type State uint32

const (
	StateIdle State = iota
	StateFilling
	StateBootstrapping
	StateMarking
	StateWaitingForEvac
	StateWaitingForFill

	stateCount
)

var stateNames = [stateCount]string{
	StateIdle:           "Idle",
	StateFilling:        "Coalescing",
	StateBootstrapping:  "Bootstrapping",
	StateMarking:        "Marking",
	StateWaitingForEvac: "Waiting for evacuation",
	StateWaitingForFill: "Waiting for fill",
}

func (s State) String() string {
	if s < stateCount {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// 상태별 허용 전이
var transitions = [stateCount][]State{
	StateIdle:           {StateFilling},
	StateFilling:        {StateBootstrapping},
	StateBootstrapping:  {StateMarking},
	StateMarking:        {StateWaitingForEvac},
	StateWaitingForEvac: {StateWaitingForFill, StateIdle},
	StateWaitingForFill: {StateIdle, StateFilling},
}

// ValidateTransition reports whether from -> to is in the transition table.
func ValidateTransition(from, to State) error {
	if from < stateCount {
		for _, next := range transitions[from] {
			if next == to {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// StateMachine holds the coordinator state. Only the coordinating goroutine
// moves it forward; anyone may read it.
type StateMachine struct {
	state atomic.Uint32

	mu        sync.Mutex
	observers []func(from, to State)
}

func NewStateMachine() *StateMachine {
	return &StateMachine{}
}

func (m *StateMachine) State() State {
	return State(m.state.Load())
}

// CanStartGC is true only in Idle and WaitingForFill.
func (m *StateMachine) CanStartGC() bool {
	switch m.State() {
	case StateIdle, StateWaitingForFill:
		return true
	}
	return false
}

// Observe registers fn to run after every state change.
func (m *StateMachine) Observe(fn func(from, to State)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// TransitionTo moves to next. An edge outside the table is a programming
// error and panics.
func (m *StateMachine) TransitionTo(next State) {
	from := m.State()
	if err := ValidateTransition(from, next); err != nil {
		panic(err)
	}
	if !m.state.CompareAndSwap(uint32(from), uint32(next)) {
		panic(fmt.Errorf("%w: %s changed concurrently", ErrIllegalTransition, from))
	}
	m.notify(from, next)
}

// reset forces Idle from any state; only cancellation uses it.
func (m *StateMachine) reset() State {
	from := State(m.state.Swap(uint32(StateIdle)))
	if from != StateIdle {
		m.notify(from, StateIdle)
	}
	return from
}

func (m *StateMachine) notify(from, to State) {
	telemetry.StateTransitions.WithLabelValues(from.String(), to.String()).Inc()
	m.mu.Lock()
	observers := m.observers
	m.mu.Unlock()
	for _, fn := range observers {
		fn(from, to)
	}
}
