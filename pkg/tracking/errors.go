package tracking

import (
	"errors"
	"fmt"
)

var (
	// ErrTrackingUnavailable means the campaign has no usable descriptor. The
	// client shows its content without AR.
	ErrTrackingUnavailable = errors.New("tracking: AR not ready for this campaign")
	// ErrNotRunning is returned for frames delivered outside a running session.
	ErrNotRunning = errors.New("tracking: session not running")
	// ErrAlreadyRunning is returned by Start on a running session.
	ErrAlreadyRunning = errors.New("tracking: session already running")
	// ErrCameraDenied is what a Camera returns when the user refuses access.
	ErrCameraDenied = errors.New("tracking: camera permission denied")
)

// CameraPermissionError is terminal for the session; the user has to grant
// access and restart explicitly.
type CameraPermissionError struct {
	Err error
}

func (e *CameraPermissionError) Error() string {
	return fmt.Sprintf("camera unavailable: %v", e.Err)
}

func (e *CameraPermissionError) Unwrap() error {
	return e.Err
}

// TrackingInitError is returned when the tracking engine failed to start
// after every allowed attempt.
type TrackingInitError struct {
	Attempts int
	Err      error
}

func (e *TrackingInitError) Error() string {
	return fmt.Sprintf("tracking engine failed to start after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TrackingInitError) Unwrap() error {
	return e.Err
}
