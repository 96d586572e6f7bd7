package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPipeline(t *testing.T) {
	p, err := NewPipeline()
	require.NoError(t, err)
	require.NotNil(t, p)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		p.Compose(ctx, time.Second, nil)
		p.Compose(ctx, time.Second, errors.New("boom"))
		p.Attempt(ctx, "primary", time.Minute, errors.New("timeout"))
		p.Attempt(ctx, "secondary", time.Second, nil)
		p.Exhausted(ctx)
	})
}

func TestNilPipelineIsNoop(t *testing.T) {
	var p *Pipeline
	ctx := context.Background()
	assert.NotPanics(t, func() {
		p.Compose(ctx, time.Second, nil)
		p.Attempt(ctx, "primary", time.Second, nil)
		p.Exhausted(ctx)
	})
}
