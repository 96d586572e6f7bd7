// Package descriptor turns a composite target into the binary feature
// descriptor the client tracker consumes. Generation walks an ordered list
// of strategies; each output is validated before it is accepted.
package descriptor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/menta2k/ar-target/internal/logging"
	"github.com/menta2k/ar-target/internal/metrics"
	"github.com/menta2k/ar-target/pkg/storage"
	"github.com/menta2k/ar-target/pkg/types"
)

// ContentType is the media type descriptors are stored and served with.
const ContentType = "application/octet-stream"

// Config holds configuration for the builder
type Config struct {
	Limits         Limits
	AttemptTimeout time.Duration // for strategies without their own timeout
	TempDir        string        // parent of per-build work dirs; empty = os.TempDir()
}

// DefaultConfig returns the builder defaults
func DefaultConfig() Config {
	return Config{
		Limits:         DefaultLimits(),
		AttemptTimeout: 2 * time.Minute,
	}
}

// Builder runs the strategy chain.
type Builder struct {
	config     Config
	strategies []Strategy
	store      storage.Store
	log        *slog.Logger
	metrics    *metrics.Pipeline
	now        func() time.Time
}

// NewBuilder creates a builder that tries strategies in order. store may be
// nil when only Generate is used.
func NewBuilder(config Config, store storage.Store, logger *slog.Logger, strategies ...Strategy) *Builder {
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = DefaultConfig().AttemptTimeout
	}
	return &Builder{
		config:     config,
		strategies: strategies,
		store:      store,
		log:        logging.OrDefault(logger).With("component", "descriptor"),
		metrics:    metrics.Default(),
		now:        time.Now,
	}
}

// Methods lists the strategy chain in order.
func (b *Builder) Methods() []types.GenerationMethod {
	out := make([]types.GenerationMethod, len(b.strategies))
	for i, s := range b.strategies {
		out[i] = s.Name()
	}
	return out
}

// Build generates a descriptor for composite and stores it under key.
func (b *Builder) Build(ctx context.Context, key string, composite types.CompositeImage) (types.FeatureDescriptor, error) {
	if b.store == nil {
		return types.FeatureDescriptor{}, errors.New("descriptor: builder has no store")
	}

	data, method, err := b.Generate(ctx, composite)
	if err != nil {
		return types.FeatureDescriptor{}, err
	}

	obj, err := b.store.Put(ctx, key, data, ContentType)
	if err != nil {
		return types.FeatureDescriptor{}, fmt.Errorf("store descriptor: %w", err)
	}

	return types.FeatureDescriptor{
		URL:              obj.URL,
		SizeBytes:        obj.Size,
		GeneratedAt:      b.now().UTC(),
		GenerationMethod: method,
	}, nil
}

// Generate returns the first validated output of the strategy chain. When
// every strategy fails the error is a *GenerationFailure. Cancellation of ctx
// stops the chain and returns ctx.Err().
func (b *Builder) Generate(ctx context.Context, composite types.CompositeImage) ([]byte, types.GenerationMethod, error) {
	if len(b.strategies) == 0 {
		return nil, "", ErrNoStrategies
	}

	workDir, err := os.MkdirTemp(b.config.TempDir, "descriptor-*")
	if err != nil {
		return nil, "", fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	in := Input{
		ImagePath: filepath.Join(workDir, "composite.png"),
		Image:     composite,
		WorkDir:   workDir,
	}
	if err := os.WriteFile(in.ImagePath, composite.Data, 0o600); err != nil {
		return nil, "", fmt.Errorf("write composite: %w", err)
	}

	failure := &GenerationFailure{}
	for _, s := range b.strategies {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}

		start := time.Now()
		data, err := b.attempt(ctx, s, in)
		if err == nil {
			err = Validate(data, b.config.Limits)
		}
		elapsed := time.Since(start)
		b.metrics.Attempt(ctx, string(s.Name()), elapsed, err)

		if err == nil {
			b.log.Info("descriptor generated",
				"method", s.Name(),
				"bytes", len(data),
				"duration", elapsed)
			return data, s.Name(), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", ctxErr
		}

		b.log.Warn("descriptor strategy failed", "method", s.Name(), "duration", elapsed, "error", err)
		failure.Attempts = append(failure.Attempts, AttemptError{Method: s.Name(), Err: err, Duration: elapsed})
	}

	b.metrics.Exhausted(ctx)
	b.log.Error("descriptor generation exhausted every strategy", "error", failure)
	return nil, "", failure
}

type attemptResult struct {
	data []byte
	err  error
}

// attempt runs one strategy under its budget. A strategy that ignores its
// context is abandoned once the budget elapses.
func (b *Builder) attempt(ctx context.Context, s Strategy, in Input) ([]byte, error) {
	timeout := b.config.AttemptTimeout
	if t, ok := s.(Timeouter); ok && t.Timeout() > 0 {
		timeout = t.Timeout()
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		data, err := s.Attempt(actx, in)
		done <- attemptResult{data: data, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("timed out after %s: %w", timeout, res.err)
		}
		return res.data, res.err
	case <-actx.Done():
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("timed out after %s: %w", timeout, actx.Err())
		}
		return nil, actx.Err()
	}
}
