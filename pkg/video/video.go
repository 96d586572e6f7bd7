// Package video keeps the overlay video in step with detection: playback
// starts only after the entrance animation, pauses on loss and resumes from
// the position captured at that loss.
package video

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/menta2k/ar-target/internal/logging"
	"github.com/menta2k/ar-target/pkg/events"
	"github.com/menta2k/ar-target/pkg/session"
)

// PlayRetryInterval is the minimum spacing between playback requests
// re-issued while the target stays tracked.
const PlayRetryInterval = time.Second

// Element is the playable media element owned by a session.
type Element interface {
	CurrentTime() float64
	Seek(seconds float64) error
	Play(ctx context.Context) error
	Pause()
	SetMuted(muted bool)
	SetLoop(loop bool)
	// Release clears the media source. The element is unusable afterwards.
	Release() error
}

// Controller drives one Element for one session. Like the session it is
// confined to the frame loop.
type Controller struct {
	el      Element
	sess    *session.ARSession
	pub     events.Publisher
	log     *slog.Logger
	now     func() time.Time
	muted   bool
	playing bool
	ready   bool // entrance animation of the current detection completed
	viewed  bool
	lastTry time.Time // last retry issued by OnTracking
}

// New prepares el for autoplay: muted and looping.
func New(el Element, sess *session.ARSession, pub events.Publisher, logger *slog.Logger) *Controller {
	if pub == nil {
		pub = events.Discard
	}
	el.SetLoop(true)
	el.SetMuted(true)
	return &Controller{
		el:    el,
		sess:  sess,
		pub:   pub,
		log:   logging.OrDefault(logger).With("component", "video", "session", sess.ID()),
		now:   time.Now,
		muted: true,
	}
}

// IsPlaying reports whether playback is running.
func (c *Controller) IsPlaying() bool { return c.playing }

// Muted reports the current mute preference.
func (c *Controller) Muted() bool { return c.muted }

// SetMuted records an explicit user toggle. It applies immediately and to
// every later resume.
func (c *Controller) SetMuted(muted bool) {
	c.muted = muted
	c.el.SetMuted(muted)
}

// OnDetected does nothing until the entrance animation has completed, since
// playback must not start while the overlay pops out.
func (c *Controller) OnDetected(ctx context.Context) error {
	if !c.ready || c.playing {
		return nil
	}
	return c.start(ctx)
}

// OnAnimationComplete starts or resumes playback from the session's resume
// position.
func (c *Controller) OnAnimationComplete(ctx context.Context) error {
	c.ready = true
	if c.playing {
		return nil
	}
	return c.start(ctx)
}

// OnTracking re-issues the playback request on a tracked frame when an
// earlier one failed, for example because the platform blocked autoplay.
// Requests are spaced at least PlayRetryInterval apart in frame time.
func (c *Controller) OnTracking(ctx context.Context, now time.Time) error {
	if !c.ready || c.playing {
		return nil
	}
	if !c.lastTry.IsZero() && now.Sub(c.lastTry) < PlayRetryInterval {
		return nil
	}
	c.lastTry = now
	return c.start(ctx)
}

// OnLost pauses at once and returns the position to resume from.
func (c *Controller) OnLost() float64 {
	c.ready = false
	c.lastTry = time.Time{}
	pos := c.el.CurrentTime()
	if c.playing {
		c.el.Pause()
		c.playing = false
	}
	return pos
}

// Release pauses and frees the element.
func (c *Controller) Release() error {
	if c.playing {
		c.el.Pause()
		c.playing = false
	}
	return c.el.Release()
}

func (c *Controller) start(ctx context.Context) error {
	pos := c.sess.ResumePosition()
	if err := c.el.Seek(pos); err != nil {
		return fmt.Errorf("seek to %.2fs: %w", pos, err)
	}
	c.el.SetMuted(c.muted)
	if err := c.el.Play(ctx); err != nil {
		return fmt.Errorf("play: %w", err)
	}
	c.playing = true

	now := c.now()
	c.pub.Publish(events.Event{Kind: events.KindVideoStarted, SessionID: c.sess.ID(), Time: now, Position: pos})
	if !c.viewed {
		c.viewed = true
		c.pub.Publish(events.Event{Kind: events.KindVideoView, SessionID: c.sess.ID(), Time: now})
	}
	c.log.Debug("playback started", "position", pos, "muted", c.muted)
	return nil
}
