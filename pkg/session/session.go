// Package session holds the mutable state of one AR camera session.
//
// An ARSession is written only through its Mark* and Set* methods, which the
// detection state machine calls; everything else reads it. A session is
// confined to the frame loop goroutine and is not safe for concurrent use.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the detection state of a session.
type State int

const (
	Searching State = iota
	Detected
	Animating
	Tracking
	Lost
)

// States lists every state, in cycle order.
var States = []State{Searching, Detected, Animating, Tracking, Lost}

func (s State) String() string {
	switch s {
	case Searching:
		return "SEARCHING"
	case Detected:
		return "DETECTED"
	case Animating:
		return "ANIMATING"
	case Tracking:
		return "TRACKING"
	case Lost:
		return "LOST"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Animating reports whether the entrance animation clock runs in s.
func (s State) Animating() bool {
	return s == Detected || s == Animating
}

// Anchored reports whether the target is considered in view in s.
func (s State) Anchored() bool {
	return s == Detected || s == Animating || s == Tracking
}

// ErrInvalidTransition is returned by a setter called from a state that does
// not allow it. The session is left unchanged.
var ErrInvalidTransition = errors.New("session: invalid transition")

// ARSession is the state of one camera session.
type ARSession struct {
	id             string
	state          State
	clock          *time.Time
	savedPosition  float64
	resumePosition float64
	visible        bool
	hasDetected    bool
	detections     int
	createdAt      time.Time
}

// New creates a session in Searching.
func New(now time.Time) *ARSession {
	return &ARSession{id: uuid.NewString(), state: Searching, createdAt: now}
}

// ID returns the session identifier used in events.
func (s *ARSession) ID() string { return s.id }

// CreatedAt returns when the session was opened.
func (s *ARSession) CreatedAt() time.Time { return s.createdAt }

// State returns the current detection state.
func (s *ARSession) State() State { return s.state }

// Visible returns the last known target visibility.
func (s *ARSession) Visible() bool { return s.visible }

// HasDetected reports whether the target was detected at least once.
func (s *ARSession) HasDetected() bool { return s.hasDetected }

// Detections returns how many times the target was detected.
func (s *ARSession) Detections() int { return s.detections }

// AnimationClock returns the entrance animation start. ok is false outside
// Detected and Animating.
func (s *ARSession) AnimationClock() (start time.Time, ok bool) {
	if s.clock == nil {
		return time.Time{}, false
	}
	return *s.clock, true
}

// SavedPosition returns the playback position captured at the last loss. ok
// is false unless the session is Lost.
func (s *ARSession) SavedPosition() (seconds float64, ok bool) {
	if s.state != Lost {
		return 0, false
	}
	return s.savedPosition, true
}

// ResumePosition is where playback starts once the running entrance
// animation completes: the position saved at the last loss, 0 before any.
func (s *ARSession) ResumePosition() float64 {
	return s.resumePosition
}

// SetVisible records the latest visibility signal.
func (s *ARSession) SetVisible(v bool) {
	s.visible = v
}

// MarkDetected starts the entrance animation at now. Allowed from Searching
// and Lost.
func (s *ARSession) MarkDetected(now time.Time) error {
	if s.state != Searching && s.state != Lost {
		return s.invalid("detect")
	}
	if s.state == Lost {
		s.resumePosition = s.savedPosition
	}
	s.state = Detected
	s.clock = &now
	s.hasDetected = true
	s.detections++
	return s.check()
}

// MarkAnimating moves Detected to Animating.
func (s *ARSession) MarkAnimating() error {
	if s.state != Detected {
		return s.invalid("animate")
	}
	s.state = Animating
	return s.check()
}

// MarkTracking ends the entrance animation. Allowed from Detected and
// Animating.
func (s *ARSession) MarkTracking() error {
	if !s.state.Animating() {
		return s.invalid("track")
	}
	s.state = Tracking
	s.clock = nil
	return s.check()
}

// MarkLost records the loss of the target and the playback position at that
// moment. Allowed from Detected, Animating and Tracking.
func (s *ARSession) MarkLost(position float64) error {
	if !s.state.Anchored() {
		return s.invalid("lose")
	}
	if position < 0 {
		position = 0
	}
	s.state = Lost
	s.clock = nil
	s.savedPosition = position
	s.resumePosition = position
	return s.check()
}

// Reset returns the session to its initial state under a new id.
func (s *ARSession) Reset(now time.Time) {
	*s = ARSession{id: uuid.NewString(), state: Searching, createdAt: now}
}

func (s *ARSession) invalid(op string) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, s.state)
}

// check asserts that the animation clock runs exactly in Detected and
// Animating.
func (s *ARSession) check() error {
	if (s.clock != nil) != s.state.Animating() {
		return fmt.Errorf("session: animation clock inconsistent with state %s", s.state)
	}
	return nil
}
