// Package tracking runs an AR session: it gates the session start on a
// usable descriptor, the camera and the tracking engine, then drives the
// detection state machine once per rendered frame.
package tracking

import (
	"context"
	"log/slog"
	"time"

	"github.com/menta2k/ar-target/internal/logging"
	"github.com/menta2k/ar-target/pkg/animation"
	"github.com/menta2k/ar-target/pkg/events"
	"github.com/menta2k/ar-target/pkg/session"
	"github.com/menta2k/ar-target/pkg/video"
)

// Transition names what a frame changed.
type Transition int

const (
	None Transition = iota
	Detect
	Animate
	Complete
	Lose
)

func (t Transition) String() string {
	switch t {
	case None:
		return "none"
	case Detect:
		return "detect"
	case Animate:
		return "animate"
	case Complete:
		return "complete"
	case Lose:
		return "lose"
	default:
		return "unknown"
	}
}

// Next is the transition table. It is defined for every state and every
// combination of signals; animationDone only matters while animating.
func Next(state session.State, visible, animationDone bool) (session.State, Transition) {
	switch state {
	case session.Searching, session.Lost:
		if visible {
			return session.Detected, Detect
		}
		return state, None
	case session.Detected, session.Animating:
		if !visible {
			return session.Lost, Lose
		}
		if animationDone {
			return session.Tracking, Complete
		}
		if state == session.Detected {
			return session.Animating, Animate
		}
		return session.Animating, None
	case session.Tracking:
		if !visible {
			return session.Lost, Lose
		}
		return session.Tracking, None
	default:
		return session.Searching, None
	}
}

// Pose is the anchor transform reported by the tracking engine, a column
// major 4x4 matrix.
type Pose [16]float64

// IdentityPose is the untransformed pose.
var IdentityPose = Pose{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}

// Frame is one sample of the tracking engine.
type Frame struct {
	Visible bool
	Pose    Pose
	Now     time.Time
}

// Mesh is the overlay the video is drawn on.
type Mesh interface {
	SetVisible(visible bool)
	SetPose(p Pose)
	Apply(ch animation.Channels)
}

// Machine owns the session and applies the transition table frame by frame.
type Machine struct {
	sess     *session.ARSession
	anim     *animation.Controller
	video    *video.Controller
	mesh     Mesh
	pub      events.Publisher
	log      *slog.Logger
	debounce int

	candidate bool
	streak    int
}

// NewMachine wires a machine. debounce is the number of consecutive frames a
// changed visibility signal must hold before it is accepted; 0 trusts the
// signal as delivered.
func NewMachine(sess *session.ARSession, anim *animation.Controller, vc *video.Controller, mesh Mesh, pub events.Publisher, logger *slog.Logger, debounce int) *Machine {
	if pub == nil {
		pub = events.Discard
	}
	m := &Machine{
		sess:     sess,
		anim:     anim,
		video:    vc,
		mesh:     mesh,
		pub:      pub,
		log:      logging.OrDefault(logger).With("component", "detection", "session", sess.ID()),
		debounce: debounce,
	}
	mesh.Apply(anim.Config().Start())
	mesh.SetVisible(false)
	return m
}

// Session returns the session the machine owns.
func (m *Machine) Session() *session.ARSession { return m.sess }

// Step consumes one frame and returns the transition it caused.
func (m *Machine) Step(ctx context.Context, f Frame) Transition {
	visible := m.filter(f.Visible)
	m.sess.SetVisible(visible)

	state := m.sess.State()
	done := false
	if visible && state.Animating() {
		start, _ := m.sess.AnimationClock()
		var ch animation.Channels
		ch, done = m.anim.Step(f.Now.Sub(start))
		m.mesh.Apply(ch)
	}

	next, tr := Next(state, visible, done)
	switch tr {
	case Detect:
		m.onDetect(ctx, f)
	case Animate:
		m.check(m.sess.MarkAnimating(), tr)
	case Complete:
		m.onComplete(ctx, f)
	case Lose:
		m.onLose(f)
	case None:
		if visible && next == session.Tracking && !m.video.IsPlaying() {
			if err := m.video.OnTracking(ctx, f.Now); err != nil {
				m.log.Warn("video playback retry failed", "error", err)
			}
		}
	}

	if visible && next.Anchored() {
		m.mesh.SetPose(f.Pose)
	}
	if tr != None {
		m.log.Debug("transition", "from", state, "to", next, "transition", tr)
	}
	return tr
}

func (m *Machine) onDetect(ctx context.Context, f Frame) {
	m.check(m.sess.MarkDetected(f.Now), Detect)
	m.anim.Reset()
	m.mesh.Apply(m.anim.Config().Start())
	m.mesh.SetVisible(true)
	if err := m.video.OnDetected(ctx); err != nil {
		m.log.Warn("video did not start on detection", "error", err)
	}
	m.pub.Publish(events.Event{Kind: events.KindDetected, SessionID: m.sess.ID(), Time: f.Now})
}

func (m *Machine) onComplete(ctx context.Context, f Frame) {
	m.check(m.sess.MarkTracking(), Complete)
	m.mesh.Apply(m.anim.Config().End())
	m.pub.Publish(events.Event{Kind: events.KindAnimationComplete, SessionID: m.sess.ID(), Time: f.Now})
	if err := m.video.OnAnimationComplete(ctx); err != nil {
		m.log.Warn("video did not start after entrance animation", "error", err)
	}
}

func (m *Machine) onLose(f Frame) {
	pos := m.video.OnLost()
	m.check(m.sess.MarkLost(pos), Lose)
	m.anim.Reset()
	m.mesh.Apply(m.anim.Config().Start())
	m.mesh.SetVisible(false)
	m.pub.Publish(events.Event{Kind: events.KindLost, SessionID: m.sess.ID(), Time: f.Now, Position: pos})
}

func (m *Machine) check(err error, tr Transition) {
	if err != nil {
		m.log.Error("session rejected transition", "transition", tr, "error", err)
	}
}

// filter applies the optional debounce window.
func (m *Machine) filter(raw bool) bool {
	current := m.sess.Visible()
	if m.debounce <= 0 || raw == current {
		m.streak = 0
		return raw
	}
	if raw != m.candidate {
		m.candidate = raw
		m.streak = 0
	}
	m.streak++
	if m.streak >= m.debounce {
		m.streak = 0
		return raw
	}
	return current
}
