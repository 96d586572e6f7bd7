// Package marker renders the scan marker that gets burned into a composite
// target. The marker encodes a campaign URL as a QR code so that ordinary QR
// readers land on the same campaign as the AR viewer.
package marker

import (
	"errors"
	"fmt"
	"image"

	qrcode "github.com/skip2/go-qrcode"
)

// ErrEmptyPayload is returned when no payload is given.
var ErrEmptyPayload = errors.New("marker: empty payload")

// Renderer turns a payload into a square marker image of the given size.
type Renderer interface {
	Render(payload string, size int) (image.Image, error)
}

// Config holds configuration for the QR renderer
type Config struct {
	RecoveryLevel qrcode.RecoveryLevel
	DisableBorder bool
}

// QRRenderer renders payloads as QR codes.
type QRRenderer struct {
	config Config
}

// New creates a QR renderer with high error correction, which tolerates the
// print and camera noise of a scanned poster.
func New() *QRRenderer {
	return &QRRenderer{config: Config{RecoveryLevel: qrcode.High}}
}

// NewWithConfig creates a QR renderer with custom configuration
func NewWithConfig(config Config) *QRRenderer {
	return &QRRenderer{config: config}
}

// Render encodes payload into a size×size image. Output is deterministic for
// identical inputs.
func (r *QRRenderer) Render(payload string, size int) (image.Image, error) {
	if payload == "" {
		return nil, ErrEmptyPayload
	}
	if size <= 0 {
		return nil, fmt.Errorf("marker: invalid size %d", size)
	}

	q, err := qrcode.New(payload, r.config.RecoveryLevel)
	if err != nil {
		return nil, fmt.Errorf("marker: encode payload: %w", err)
	}
	q.DisableBorder = r.config.DisableBorder

	// Sizes below the module count come back larger; callers scale the
	// result into their rectangle anyway.
	return q.Image(size), nil
}
