package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/menta2k/ar-target/internal/logging"
	"github.com/menta2k/ar-target/internal/retry"
	"github.com/menta2k/ar-target/pkg/animation"
	"github.com/menta2k/ar-target/pkg/descriptor"
	"github.com/menta2k/ar-target/pkg/events"
	"github.com/menta2k/ar-target/pkg/session"
	"github.com/menta2k/ar-target/pkg/video"
)

// Facing selects a camera.
type Facing string

const (
	FacingAny         Facing = ""
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// Constraints describe the requested camera stream.
type Constraints struct {
	Facing Facing
	Width  int
	Height int
}

// Relaxed drops everything but the request for some camera.
func (c Constraints) Relaxed() Constraints {
	return Constraints{Facing: FacingAny}
}

// Stream is an open camera stream.
type Stream interface {
	Stop() error
}

// Camera grants camera streams. A refusal by the user should wrap
// ErrCameraDenied.
type Camera interface {
	Acquire(ctx context.Context, c Constraints) (Stream, error)
}

// Surface is the render surface together with the overlay mesh drawn on it.
type Surface interface {
	Mesh
	Dispose() error
}

// EngineOptions are the smoothing parameters handed to the tracking engine.
// The state machine trusts the engine's visibility signal as filtered by them.
type EngineOptions struct {
	FilterMinCF     float64
	FilterBeta      float64
	MissTolerance   int
	WarmupTolerance int
}

// Tracker is a running tracking engine.
type Tracker interface {
	Stop() error
}

// Engine starts the external tracking library.
type Engine interface {
	Init(ctx context.Context, descriptor []byte, surface Surface, stream Stream, opts EngineOptions) (Tracker, error)
}

// DescriptorSource supplies the descriptor for the campaign.
type DescriptorSource interface {
	Load(ctx context.Context) ([]byte, error)
}

// FetchSource loads the descriptor over HTTP. An empty URL means the campaign
// has no descriptor yet.
type FetchSource struct {
	Fetcher *descriptor.Fetcher
	URL     string
}

// Load fetches and checks the descriptor.
func (s FetchSource) Load(ctx context.Context) ([]byte, error) {
	return s.Fetcher.Fetch(ctx, s.URL)
}

// Config holds configuration for a session runtime
type Config struct {
	Facing         string // auto|front|rear
	Mobile         bool
	Width          int
	Height         int
	Animation      animation.Config
	DebounceFrames int
	Init           retry.Config
	Engine         EngineOptions
}

// DefaultConfig returns the runtime defaults
func DefaultConfig() Config {
	return Config{
		Facing:    "auto",
		Width:     1280,
		Height:    720,
		Animation: animation.DefaultConfig(),
		Init: retry.Config{
			MaxAttempts: 3,
			Delay:       250 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
		Engine: EngineOptions{
			FilterMinCF:     0.0001,
			FilterBeta:      0.001,
			MissTolerance:   5,
			WarmupTolerance: 5,
		},
	}
}

// Constraints returns the preferred camera request: the rear camera on
// mobile devices and the front camera elsewhere unless configured.
func (c Config) Constraints() Constraints {
	facing := FacingUser
	switch c.Facing {
	case "rear":
		facing = FacingEnvironment
	case "front":
		facing = FacingUser
	default:
		if c.Mobile {
			facing = FacingEnvironment
		}
	}
	return Constraints{Facing: facing, Width: c.Width, Height: c.Height}
}

// Deps are the collaborators of a runtime. Surfaces and video elements are
// created per session so a restart never reuses them.
type Deps struct {
	Descriptor DescriptorSource
	Camera     Camera
	Engine     Engine
	NewSurface func(ctx context.Context) (Surface, error)
	NewVideo   func(ctx context.Context) (video.Element, error)
	Events     events.Publisher
	Logger     *slog.Logger
	Now        func() time.Time
}

type handle struct {
	name    string
	release func() error
}

// Runtime owns one AR session and every resource it holds.
type Runtime struct {
	config Config
	deps   Deps
	log    *slog.Logger

	running  bool
	degraded bool

	tracker Tracker
	surface Surface
	stream  Stream
	video   *video.Controller
	handles []handle

	sess    *session.ARSession
	machine *Machine
}

// NewRuntime validates deps and returns an idle runtime.
func NewRuntime(config Config, deps Deps) (*Runtime, error) {
	var errs []error
	if deps.Descriptor == nil {
		errs = append(errs, errors.New("tracking: descriptor source is required"))
	}
	if deps.Camera == nil {
		errs = append(errs, errors.New("tracking: camera is required"))
	}
	if deps.Engine == nil {
		errs = append(errs, errors.New("tracking: engine is required"))
	}
	if deps.NewSurface == nil || deps.NewVideo == nil {
		errs = append(errs, errors.New("tracking: surface and video factories are required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Runtime{
		config: config,
		deps:   deps,
		log:    logging.OrDefault(deps.Logger).With("component", "tracking"),
	}, nil
}

// Start opens a session. It fails with ErrTrackingUnavailable when the
// descriptor cannot be loaded, *CameraPermissionError when no camera stream
// is granted and *TrackingInitError when the engine does not start. On
// every failure the partially built session is torn down.
func (r *Runtime) Start(ctx context.Context) (err error) {
	if r.running {
		return ErrAlreadyRunning
	}
	r.degraded = false

	defer func() {
		if err != nil {
			if terr := r.Teardown(); terr != nil {
				r.log.Warn("teardown after failed start", "error", terr)
			}
		}
	}()

	data, err := r.deps.Descriptor.Load(ctx)
	if err != nil {
		r.degraded = true
		r.deps.Events.Publish(events.Event{Kind: events.KindTrackingUnavailable, Time: r.deps.Now(), Detail: err.Error()})
		r.log.Warn("starting without AR tracking", "error", err)
		return fmt.Errorf("%w: %w", ErrTrackingUnavailable, err)
	}
	r.AddHandle("descriptor", func() error {
		data = nil
		return nil
	})

	stream, err := r.acquireCamera(ctx)
	if err != nil {
		return err
	}
	r.stream = stream

	surface, err := r.deps.NewSurface(ctx)
	if err != nil {
		return fmt.Errorf("create render surface: %w", err)
	}
	r.surface = surface

	if err := r.initEngine(ctx, data, surface, stream); err != nil {
		return err
	}

	el, err := r.deps.NewVideo(ctx)
	if err != nil {
		return fmt.Errorf("create video element: %w", err)
	}

	r.sess = session.New(r.deps.Now())
	r.video = video.New(el, r.sess, r.deps.Events, r.deps.Logger)
	r.machine = NewMachine(r.sess, animation.New(r.config.Animation), r.video, surface, r.deps.Events, r.deps.Logger, r.config.DebounceFrames)
	r.running = true

	r.log.Info("session started", "session", r.sess.ID(), "facing", r.config.Constraints().Facing)
	return nil
}

func (r *Runtime) acquireCamera(ctx context.Context) (Stream, error) {
	want := r.config.Constraints()
	stream, err := r.deps.Camera.Acquire(ctx, want)
	if err == nil {
		return stream, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	r.log.Warn("camera request failed, retrying with relaxed constraints", "facing", want.Facing, "error", err)
	stream, err2 := r.deps.Camera.Acquire(ctx, want.Relaxed())
	if err2 == nil {
		return stream, nil
	}

	r.deps.Events.Publish(events.Event{Kind: events.KindCameraDenied, Time: r.deps.Now(), Detail: err2.Error()})
	return nil, &CameraPermissionError{Err: errors.Join(err, err2)}
}

func (r *Runtime) initEngine(ctx context.Context, data []byte, surface Surface, stream Stream) error {
	attempts := 0
	err := retry.Do(ctx, r.config.Init, r.log, "init tracking engine", func(ctx context.Context, attempt int) error {
		attempts = attempt
		t, err := r.deps.Engine.Init(ctx, data, surface, stream, r.config.Engine)
		if err != nil {
			return err
		}
		r.tracker = t
		return nil
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &TrackingInitError{Attempts: attempts, Err: err}
}

// OnFrame is the per-frame callback.
func (r *Runtime) OnFrame(ctx context.Context, f Frame) (Transition, error) {
	if !r.running {
		return None, ErrNotRunning
	}
	return r.machine.Step(ctx, f), nil
}

// SetMuted forwards a user mute toggle to the video controller.
func (r *Runtime) SetMuted(muted bool) {
	if r.video != nil {
		r.video.SetMuted(muted)
	}
}

// AddHandle registers a transient resource released last during teardown.
func (r *Runtime) AddHandle(name string, release func() error) {
	r.handles = append(r.handles, handle{name: name, release: release})
}

// Teardown releases the render surface, then media, then transient handles.
// Every step runs even when an earlier one fails; the errors are joined.
// Calling it again is a no-op.
func (r *Runtime) Teardown() error {
	var errs []error
	release := func(what string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", what, err))
		}
	}

	wasRunning := r.running
	r.running = false

	if r.tracker != nil {
		release("stop tracking engine", r.tracker.Stop())
		r.tracker = nil
	}
	if r.surface != nil {
		release("dispose render surface", r.surface.Dispose())
		r.surface = nil
	}

	if r.video != nil {
		release("release video element", r.video.Release())
		r.video = nil
	}
	if r.stream != nil {
		release("stop camera stream", r.stream.Stop())
		r.stream = nil
	}

	for i := len(r.handles) - 1; i >= 0; i-- {
		h := r.handles[i]
		release("release "+h.name, h.release())
	}
	r.handles = nil
	r.machine = nil

	err := errors.Join(errs...)
	if wasRunning {
		r.log.Info("session torn down", "error", err)
	}
	return err
}

// Restart tears the session down and opens a fresh one.
func (r *Runtime) Restart(ctx context.Context) error {
	if err := r.Teardown(); err != nil {
		r.log.Warn("teardown before restart", "error", err)
	}
	r.sess = nil
	return r.Start(ctx)
}

// Running reports whether frames are being consumed.
func (r *Runtime) Running() bool { return r.running }

// Degraded reports whether the last Start found no usable descriptor.
func (r *Runtime) Degraded() bool { return r.degraded }

// Session returns the current session, nil before the first Start.
func (r *Runtime) Session() *session.ARSession { return r.sess }

// Video returns the video controller of the running session.
func (r *Runtime) Video() *video.Controller { return r.video }

// LiveHandles counts resources still held.
func (r *Runtime) LiveHandles() int {
	n := len(r.handles)
	for _, held := range []bool{r.tracker != nil, r.surface != nil, r.video != nil, r.stream != nil} {
		if held {
			n++
		}
	}
	return n
}
