package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/menta2k/ar-target/pkg/animation"
	"github.com/menta2k/ar-target/pkg/video"
)

// callLog records resource operations in order.
type callLog struct {
	calls []string
}

func (l *callLog) add(s string) { l.calls = append(l.calls, s) }

type fakeSurface struct {
	log      *callLog
	visible  bool
	pose     Pose
	last     animation.Channels
	applied  int
	disposed bool
	failWith error
}

func (s *fakeSurface) SetVisible(v bool)           { s.visible = v }
func (s *fakeSurface) SetPose(p Pose)              { s.pose = p }
func (s *fakeSurface) Apply(ch animation.Channels) { s.last = ch; s.applied++ }

func (s *fakeSurface) Dispose() error {
	s.disposed = true
	if s.log != nil {
		s.log.add("surface.dispose")
	}
	return s.failWith
}

type fakeStream struct {
	log     *callLog
	stopped bool
}

func (s *fakeStream) Stop() error {
	s.stopped = true
	s.log.add("stream.stop")
	return nil
}

type fakeCamera struct {
	log      *callLog
	denials  int
	requests []Constraints
	streams  []*fakeStream
}

func (c *fakeCamera) Acquire(ctx context.Context, want Constraints) (Stream, error) {
	c.requests = append(c.requests, want)
	if len(c.requests) <= c.denials {
		return nil, ErrCameraDenied
	}
	s := &fakeStream{log: c.log}
	c.streams = append(c.streams, s)
	return s, nil
}

type fakeTracker struct {
	log     *callLog
	stopped bool
}

func (t *fakeTracker) Stop() error {
	t.stopped = true
	t.log.add("tracker.stop")
	return nil
}

type fakeEngine struct {
	log      *callLog
	failures int
	calls    int
	opts     EngineOptions
	trackers []*fakeTracker
}

func (e *fakeEngine) Init(ctx context.Context, descriptor []byte, surface Surface, stream Stream, opts EngineOptions) (Tracker, error) {
	e.calls++
	e.opts = opts
	if e.calls <= e.failures {
		return nil, errors.New("render surface missing")
	}
	t := &fakeTracker{log: e.log}
	e.trackers = append(e.trackers, t)
	return t, nil
}

type staticSource struct {
	data []byte
	err  error
}

func (s staticSource) Load(ctx context.Context) ([]byte, error) { return s.data, s.err }

type recordingElement struct {
	*video.SimulatedElement
	log *callLog
}

func (e recordingElement) Release() error {
	e.log.add("video.release")
	return e.SimulatedElement.Release()
}

type manualClock struct{ t time.Time }

func (c *manualClock) Now() time.Time          { return c.t }
func (c *manualClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *manualClock {
	return &manualClock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
}
