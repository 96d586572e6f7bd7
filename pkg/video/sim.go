package video

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// ErrReleased is returned by a released SimulatedElement.
var ErrReleased = errors.New("video: element released")

// SimulatedElement is an in-memory Element whose position advances with a
// supplied clock while playing. It backs headless sessions and tests.
type SimulatedElement struct {
	mu       sync.Mutex
	now      func() time.Time
	duration float64 // seconds; 0 = unbounded
	base     float64
	since    time.Time
	playing  bool
	muted    bool
	loop     bool
	released bool
	plays    int
}

var _ Element = (*SimulatedElement)(nil)

// NewSimulated creates an element of the given length in seconds.
func NewSimulated(duration float64, now func() time.Time) *SimulatedElement {
	if now == nil {
		now = time.Now
	}
	return &SimulatedElement{now: now, duration: duration}
}

func (e *SimulatedElement) position() float64 {
	pos := e.base
	if e.playing {
		pos += e.now().Sub(e.since).Seconds()
	}
	if e.duration > 0 && pos >= e.duration {
		if e.loop {
			pos = math.Mod(pos, e.duration)
		} else {
			pos = e.duration
		}
	}
	return pos
}

// CurrentTime returns the playback position in seconds.
func (e *SimulatedElement) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position()
}

// Seek moves the playback position.
func (e *SimulatedElement) Seek(seconds float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return ErrReleased
	}
	e.base = math.Max(0, seconds)
	e.since = e.now()
	return nil
}

// Play starts playback.
func (e *SimulatedElement) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return ErrReleased
	}
	if !e.playing {
		e.since = e.now()
		e.playing = true
		e.plays++
	}
	return nil
}

// Pause freezes the position.
func (e *SimulatedElement) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.base = e.position()
	e.playing = false
}

func (e *SimulatedElement) SetMuted(muted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = muted
}

func (e *SimulatedElement) SetLoop(loop bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loop = loop
}

// Release stops playback and clears the source.
func (e *SimulatedElement) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playing = false
	e.released = true
	return nil
}

// Playing reports whether the element is playing.
func (e *SimulatedElement) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

// Muted reports the element mute flag.
func (e *SimulatedElement) Muted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}

// Looping reports the element loop flag.
func (e *SimulatedElement) Looping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loop
}

// Released reports whether Release was called.
func (e *SimulatedElement) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// Plays counts transitions from paused to playing.
func (e *SimulatedElement) Plays() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plays
}
