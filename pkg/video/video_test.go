package video

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/ar-target/internal/logging"
	"github.com/menta2k/ar-target/pkg/events"
	"github.com/menta2k/ar-target/pkg/session"
)

type manualClock struct{ t time.Time }

func (c *manualClock) Now() time.Time          { return c.t }
func (c *manualClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *manualClock {
	return &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func newController(clk *manualClock) (*Controller, *SimulatedElement, *session.ARSession, *events.Recorder) {
	el := NewSimulated(60, clk.Now)
	sess := session.New(clk.Now())
	rec := &events.Recorder{}
	c := New(el, sess, rec, logging.Discard())
	c.now = clk.Now
	return c, el, sess, rec
}

func TestNew_MutedAndLooping(t *testing.T) {
	c, el, _, _ := newController(newClock())
	assert.True(t, el.Muted())
	assert.True(t, el.Looping())
	assert.True(t, c.Muted())
	assert.False(t, c.IsPlaying())
}

func TestOnDetected_WaitsForAnimation(t *testing.T) {
	c, el, _, rec := newController(newClock())

	require.NoError(t, c.OnDetected(context.Background()))
	assert.False(t, c.IsPlaying())
	assert.False(t, el.Playing())
	assert.Empty(t, rec.Events())

	require.NoError(t, c.OnAnimationComplete(context.Background()))
	assert.True(t, c.IsPlaying())
	assert.Equal(t, 0.0, el.CurrentTime())
	assert.Equal(t, 1, rec.Count(events.KindVideoStarted))
	assert.Equal(t, 1, rec.Count(events.KindVideoView))
}

func TestResumeAfterLoss(t *testing.T) {
	clk := newClock()
	c, el, sess, rec := newController(clk)
	ctx := context.Background()

	require.NoError(t, sess.MarkDetected(clk.Now()))
	require.NoError(t, sess.MarkTracking())
	require.NoError(t, c.OnAnimationComplete(ctx))

	clk.Advance(4 * time.Second)
	pos := c.OnLost()
	assert.InDelta(t, 4.0, pos, 1e-9)
	assert.False(t, el.Playing())
	require.NoError(t, sess.MarkLost(pos))

	// time passes while lost; the element must not advance
	clk.Advance(10 * time.Second)
	assert.InDelta(t, 4.0, el.CurrentTime(), 1e-9)

	require.NoError(t, sess.MarkDetected(clk.Now()))
	require.NoError(t, c.OnDetected(ctx))
	assert.False(t, c.IsPlaying(), "no playback during the entrance animation")

	clk.Advance(2 * time.Second)
	require.NoError(t, sess.MarkTracking())
	require.NoError(t, c.OnAnimationComplete(ctx))
	assert.InDelta(t, 4.0, el.CurrentTime(), 1e-9)

	assert.Equal(t, 2, rec.Count(events.KindVideoStarted))
	assert.Equal(t, 1, rec.Count(events.KindVideoView), "video view is emitted once per session")
}

func TestSetMuted_FollowsLastToggle(t *testing.T) {
	clk := newClock()
	c, el, _, _ := newController(clk)
	ctx := context.Background()

	c.SetMuted(false)
	require.NoError(t, c.OnAnimationComplete(ctx))
	assert.False(t, el.Muted())

	c.OnLost()
	require.NoError(t, c.OnAnimationComplete(ctx))
	assert.False(t, el.Muted())
}

type failingElement struct {
	*SimulatedElement
}

func (f failingElement) Play(ctx context.Context) error {
	return errors.New("autoplay rejected")
}

func TestPlayFailureLeavesPaused(t *testing.T) {
	clk := newClock()
	sess := session.New(clk.Now())
	rec := &events.Recorder{}
	c := New(failingElement{NewSimulated(10, clk.Now)}, sess, rec, logging.Discard())

	err := c.OnAnimationComplete(context.Background())
	assert.Error(t, err)
	assert.False(t, c.IsPlaying())
	assert.Empty(t, rec.Events())
}

// blockedElement rejects its first plays, like an autoplay policy
// that only relents after user interaction.
type blockedElement struct {
	*SimulatedElement
	failures int
	attempts int
}

func (e *blockedElement) Play(ctx context.Context) error {
	e.attempts++
	if e.attempts <= e.failures {
		return errors.New("autoplay blocked")
	}
	return e.SimulatedElement.Play(ctx)
}

func TestOnTracking_RetriesFailedPlayback(t *testing.T) {
	clk := newClock()
	sess := session.New(clk.Now())
	rec := &events.Recorder{}
	el := &blockedElement{SimulatedElement: NewSimulated(10, clk.Now), failures: 2}
	c := New(el, sess, rec, logging.Discard())
	c.now = clk.Now
	ctx := context.Background()

	require.NoError(t, c.OnTracking(ctx, clk.Now()), "nothing to retry before the animation completed")
	assert.Equal(t, 0, el.attempts)

	assert.Error(t, c.OnAnimationComplete(ctx))
	assert.False(t, c.IsPlaying())

	assert.Error(t, c.OnTracking(ctx, clk.Now()))
	assert.Equal(t, 2, el.attempts)

	// rate limited until the interval passed
	clk.Advance(PlayRetryInterval / 2)
	require.NoError(t, c.OnTracking(ctx, clk.Now()))
	assert.Equal(t, 2, el.attempts)

	clk.Advance(PlayRetryInterval)
	require.NoError(t, c.OnTracking(ctx, clk.Now()))
	assert.Equal(t, 3, el.attempts)
	assert.True(t, c.IsPlaying())
	assert.Equal(t, 1, rec.Count(events.KindVideoStarted))

	require.NoError(t, c.OnTracking(ctx, clk.Now().Add(time.Hour)))
	assert.Equal(t, 3, el.attempts)
}

func TestOnTracking_NoRetryAfterLoss(t *testing.T) {
	clk := newClock()
	sess := session.New(clk.Now())
	el := &blockedElement{SimulatedElement: NewSimulated(10, clk.Now), failures: 1}
	c := New(el, sess, nil, logging.Discard())

	assert.Error(t, c.OnAnimationComplete(context.Background()))
	c.OnLost()
	require.NoError(t, c.OnTracking(context.Background(), clk.Now()))
	assert.Equal(t, 1, el.attempts)
	assert.False(t, c.IsPlaying())
}

func TestRelease(t *testing.T) {
	c, el, _, _ := newController(newClock())
	require.NoError(t, c.OnAnimationComplete(context.Background()))
	require.NoError(t, c.Release())
	assert.True(t, el.Released())
	assert.False(t, c.IsPlaying())
	assert.ErrorIs(t, el.Play(context.Background()), ErrReleased)
}

func TestSimulatedElement_Loops(t *testing.T) {
	clk := newClock()
	el := NewSimulated(10, clk.Now)
	el.SetLoop(true)
	require.NoError(t, el.Play(context.Background()))
	clk.Advance(13 * time.Second)
	assert.InDelta(t, 3.0, el.CurrentTime(), 1e-9)
}
