// Package capture implements the per-session document capture state machine:
// front and back flow, legal-transition enforcement, cancel rollback, and a
// full transition history including rejected attempts.
package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is one capture flow state.
type State string

const (
	StateSearchingFront State = "searching_front"
	StateLockedFront    State = "locked_front"
	StateCountdownFront State = "countdown_front"
	StateCapturedFront  State = "captured_front"
	StateConfirmFront   State = "confirm_front"
	StateFlipToBack     State = "flip_to_back"
	StateSearchingBack  State = "searching_back"
	StateLockedBack     State = "locked_back"
	StateCountdownBack  State = "countdown_back"
	StateCapturedBack   State = "captured_back"
	StateComplete       State = "complete"
)

// Side of the document a state belongs to.
type Side string

const (
	SideFront Side = "front"
	SideBack  Side = "back"
)

// Side derives the document side from the state name. FlipToBack and
// Complete belong to the back flow.
func (s State) Side() Side {
	switch s {
	case StateSearchingFront, StateLockedFront, StateCountdownFront, StateCapturedFront, StateConfirmFront:
		return SideFront
	default:
		return SideBack
	}
}

// IsTerminal reports whether the state has no outgoing transitions.
func (s State) IsTerminal() bool { return s == StateComplete }

// transitions is the exhaustive allowed set; anything else is illegal.
var transitions = map[State][]State{
	StateSearchingFront: {StateLockedFront},
	StateLockedFront:    {StateCountdownFront, StateSearchingFront},
	StateCountdownFront: {StateCapturedFront, StateSearchingFront},
	StateCapturedFront:  {StateConfirmFront, StateSearchingFront},
	StateConfirmFront:   {StateFlipToBack},
	StateFlipToBack:     {StateSearchingBack},
	StateSearchingBack:  {StateLockedBack},
	StateLockedBack:     {StateCountdownBack, StateSearchingBack},
	StateCountdownBack:  {StateCapturedBack, StateSearchingBack},
	StateCapturedBack:   {StateComplete},
	StateComplete:       {},
}

// ErrIllegalTransition is returned (wrapped) for any transition outside the
// allowed table; the machine state is unchanged.
var ErrIllegalTransition = errors.New("illegal transition")

// Transition is one history entry. At is a monotonic timestamp.
type Transition struct {
	From         State         `json:"from"`
	To           State         `json:"to"`
	At           time.Duration `json:"at"`
	Reason       string        `json:"reason"`
	CancelReason string        `json:"cancel_reason,omitempty"`
}

// Machine is a per-session capture state machine. Callers serialize access
// through the session lock; the internal mutex keeps direct reads safe.
type Machine struct {
	mu       sync.Mutex
	state    State
	history  []Transition
	rejected []Transition
}

// NewMachine starts at SearchingFront.
func NewMachine() *Machine {
	return &Machine{state: StateSearchingFront}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Apply transitions to the target state. Cancels (transitions back to a
// Searching state) must carry a cancelReason. Illegal transitions are
// recorded as rejected attempts and leave the state unchanged.
func (m *Machine) Apply(to State, at time.Duration, reason, cancelReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !legal(m.state, to) {
		m.rejected = append(m.rejected, Transition{
			From: m.state, To: to, At: at, Reason: reason, CancelReason: cancelReason,
		})
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, to)
	}

	m.history = append(m.history, Transition{
		From: m.state, To: to, At: at, Reason: reason, CancelReason: cancelReason,
	})
	m.state = to
	return nil
}

// Cancel rolls back to the nearest Searching state for the current side.
// Already-searching and terminal states are left alone.
func (m *Machine) Cancel(at time.Duration, cancelReason string) (State, error) {
	m.mu.Lock()
	target := StateSearchingFront
	if m.state.Side() == SideBack && m.state != StateComplete {
		target = StateSearchingBack
	}
	if m.state == target || m.state == StateComplete {
		state := m.state
		m.mu.Unlock()
		return state, nil
	}
	m.mu.Unlock()

	if err := m.Apply(target, at, "cancel", cancelReason); err != nil {
		return m.State(), err
	}
	return target, nil
}

// FrontCaptured reports whether the front side is behind us.
func (m *Machine) FrontCaptured() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateFlipToBack, StateSearchingBack, StateLockedBack, StateCountdownBack, StateCapturedBack, StateComplete:
		return true
	}
	// ConfirmFront means captured but unconfirmed.
	return m.state == StateConfirmFront || m.state == StateCapturedFront
}

// History returns a copy of the applied transitions.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Rejected returns a copy of the rejected transition attempts.
func (m *Machine) Rejected() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.rejected))
	copy(out, m.rejected)
	return out
}

func legal(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Next returns the forward state a passing frame drives toward from the
// given state, or "" when passing frames do not advance the machine.
func Next(from State) State {
	switch from {
	case StateSearchingFront:
		return StateLockedFront
	case StateLockedFront:
		return StateCountdownFront
	case StateCountdownFront:
		return StateCapturedFront
	case StateSearchingBack:
		return StateLockedBack
	case StateLockedBack:
		return StateCountdownBack
	case StateCountdownBack:
		return StateCapturedBack
	default:
		return ""
	}
}
