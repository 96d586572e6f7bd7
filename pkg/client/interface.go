// Package client defines the multimodal model backends used to locate the
// primary subject of a design before the marker is placed.
package client

import (
	"context"

	"github.com/menta2k/ar-target/pkg/types"
)

// VisionClient sends one encoded image and a prompt to a vision model.
type VisionClient interface {
	// Query returns the model's answer as plain text.
	Query(ctx context.Context, model, prompt string, image []byte) (string, error)
	// LocateSubject asks for a JSON subject description and decodes it.
	LocateSubject(ctx context.Context, model, prompt string, image []byte) (*types.AnalysisResult, error)
}
