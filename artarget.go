// Package artarget turns a design image into a trackable AR target.
//
// A target consists of two artifacts per campaign: the composite, which is
// the design with a scan marker burned in, and the feature descriptor the
// client tracker matches camera frames against. The Pipeline composes the
// target synchronously, stores it, and builds the descriptor in the
// background so that a slow or failing descriptor compiler never blocks the
// caller.
//
// Basic usage:
//
//	cfg, err := config.Load("config.json")
//	if err != nil {
//		log.Fatal(err)
//	}
//	pipeline, err := artarget.NewFromConfig(cfg, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer pipeline.Close()
//
//	res, err := pipeline.Generate(ctx, "", types.DesignAsset{URL: "poster.png"},
//		types.MarkerPlacement{}, "https://example.com/c/spring")
//	if err != nil {
//		log.Fatal(err)
//	}
//	pipeline.Wait()
//	campaign, _ := pipeline.Status(ctx, res.CampaignID)
//	fmt.Println(campaign.Status, campaign.DescriptorURL)
//
// Failure handling follows the artifact lifecycle:
//
//   - A composition error (bad placement) stores the unmodified design as the
//     composite and still reports the error to the caller.
//   - A composition that exceeds its time budget keeps the previous composite.
//   - A descriptor build that exhausts every strategy leaves the campaign
//     degraded (usable without AR) and queues it for RetryPending.
//
// Replaced artifacts are deleted in the background.
package artarget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/menta2k/ar-target/internal/config"
	"github.com/menta2k/ar-target/internal/logging"
	"github.com/menta2k/ar-target/pkg/catalog"
	"github.com/menta2k/ar-target/pkg/compositor"
	"github.com/menta2k/ar-target/pkg/descriptor"
	"github.com/menta2k/ar-target/pkg/detection"
	"github.com/menta2k/ar-target/pkg/llamacpp"
	"github.com/menta2k/ar-target/pkg/marker"
	"github.com/menta2k/ar-target/pkg/ollama"
	"github.com/menta2k/ar-target/pkg/placement"
	"github.com/menta2k/ar-target/pkg/processing"
	"github.com/menta2k/ar-target/pkg/storage"
	"github.com/menta2k/ar-target/pkg/types"
)

// Version of the AR target library
const Version = "1.0.0"

// recordTimeout bounds catalog writes made after a background build, whose
// own context may already be done.
const recordTimeout = 30 * time.Second

// ErrClosed is returned by operations on a closed Pipeline.
var ErrClosed = errors.New("artarget: pipeline closed")

// Options wires a Pipeline. Compositor, Builder, Store and Catalog are
// required; a nil Planner places the marker with placement.Default.
type Options struct {
	Compositor *compositor.Compositor
	Builder    *descriptor.Builder
	Store      storage.Store
	Catalog    *catalog.Catalog
	Planner    *placement.Planner
	Processor  *processing.Processor
	Logger     *slog.Logger

	MaxDimension  int           // long side of a raw-design fallback composite
	MarkerRatio   float64       // default marker size when no planner is set
	BuildTimeout  time.Duration // whole descriptor build, all strategies
	DeleteTimeout time.Duration // removal of one replaced artifact
}

// Result describes the composite produced by Generate.
type Result struct {
	CampaignID string                `json:"campaignId"`
	Placement  types.MarkerPlacement `json:"placement"`
	Composite  types.CompositeTarget `json:"composite"`
	// RawDesign is set when the marker could not be placed and the design
	// itself became the trackable image.
	RawDesign bool `json:"rawDesign"`
	// Stale is set when composition ran out of time and Composite is the
	// previous artifact, if any.
	Stale bool `json:"stale"`
}

// Pipeline generates and records AR targets.
type Pipeline struct {
	compositor *compositor.Compositor
	builder    *descriptor.Builder
	store      storage.Store
	catalog    *catalog.Catalog
	planner    *placement.Planner
	processor  *processing.Processor
	log        *slog.Logger

	maxDimension  int
	markerRatio   float64
	buildTimeout  time.Duration
	deleteTimeout time.Duration
	ownsCatalog   bool
	now           func() time.Time

	mu     sync.Mutex
	builds map[string]*build
	closed bool
	wg     sync.WaitGroup
}

// build is one background descriptor generation. Only the build registered
// for a campaign may record its result.
type build struct {
	campaignID   string
	compositeKey string
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewPipeline creates a pipeline from explicit components.
func NewPipeline(opts Options) (*Pipeline, error) {
	var errs []error
	if opts.Compositor == nil {
		errs = append(errs, errors.New("compositor is required"))
	}
	if opts.Builder == nil {
		errs = append(errs, errors.New("descriptor builder is required"))
	}
	if opts.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if opts.Catalog == nil {
		errs = append(errs, errors.New("catalog is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("artarget: %w", err)
	}

	if opts.Processor == nil {
		opts.Processor = processing.NewProcessor()
	}
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = processing.DefaultMaxDimension
	}
	if opts.MarkerRatio <= 0 {
		opts.MarkerRatio = placement.DefaultMarkerRatio
	}
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = 10 * time.Minute
	}
	if opts.DeleteTimeout <= 0 {
		opts.DeleteTimeout = 30 * time.Second
	}

	return &Pipeline{
		compositor:    opts.Compositor,
		builder:       opts.Builder,
		store:         opts.Store,
		catalog:       opts.Catalog,
		planner:       opts.Planner,
		processor:     opts.Processor,
		log:           logging.OrDefault(opts.Logger).With("component", "pipeline"),
		maxDimension:  opts.MaxDimension,
		markerRatio:   opts.MarkerRatio,
		buildTimeout:  opts.BuildTimeout,
		deleteTimeout: opts.DeleteTimeout,
		now:           time.Now,
		builds:        make(map[string]*build),
	}, nil
}

// NewFromConfig wires every component from configuration. The pipeline owns
// the catalog it opens and closes it in Close.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger = logging.OrDefault(logger)

	store, err := storage.NewFileStore(cfg.Storage.Root, cfg.Storage.BaseURL)
	if err != nil {
		return nil, err
	}

	procCfg := processing.DefaultConfig()
	procCfg.MinImageSize = cfg.Compositor.MinImageSize
	proc := processing.NewProcessorWithConfig(procCfg)

	compCfg := compositor.DefaultConfig()
	compCfg.MaxDimension = cfg.Compositor.MaxDimension
	compCfg.Timeout = cfg.Compositor.Timeout
	compCfg.CacheSize = cfg.Compositor.CacheSize
	comp := compositor.NewWithConfig(compCfg, marker.New(), proc, logger)

	builderCfg := descriptor.DefaultConfig()
	builderCfg.Limits = descriptor.Limits{MinBytes: cfg.Descriptor.MinBytes, MaxBytes: cfg.Descriptor.MaxBytes}
	builder := descriptor.NewBuilder(builderCfg, store, logger, Strategies(cfg.Descriptor, proc)...)

	planner, err := NewPlanner(cfg.Placement, logger)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Open(cfg.Catalog.Path, logger)
	if err != nil {
		return nil, err
	}

	p, err := NewPipeline(Options{
		Compositor:   comp,
		Builder:      builder,
		Store:        store,
		Catalog:      cat,
		Planner:      planner,
		Processor:    proc,
		Logger:       logger,
		MaxDimension: cfg.Compositor.MaxDimension,
		MarkerRatio:  cfg.Placement.MarkerRatio,
		BuildTimeout: cfg.Descriptor.BuildTimeout,
	})
	if err != nil {
		_ = cat.Close()
		return nil, err
	}
	p.ownsCatalog = true
	return p, nil
}

// Strategies builds the descriptor strategy chain in fallback order:
// primary compiler, secondary compiler, structural.
func Strategies(cfg config.DescriptorConfig, proc *processing.Processor) []descriptor.Strategy {
	var out []descriptor.Strategy
	if cfg.Primary.Command != "" {
		out = append(out, descriptor.NewCommandStrategy(types.MethodPrimary, cfg.Primary.Command, cfg.Primary.Args, cfg.Primary.Timeout))
	}
	if cfg.Secondary.Command != "" {
		out = append(out, descriptor.NewCommandStrategy(types.MethodSecondary, cfg.Secondary.Command, cfg.Secondary.Args, cfg.Secondary.Timeout))
	}
	if cfg.StructuralEnabled {
		out = append(out, descriptor.NewStructuralStrategy(nil, proc))
	}
	return out
}

// NewPlanner creates the placement planner for the configured backend.
func NewPlanner(cfg config.PlacementConfig, logger *slog.Logger) (*placement.Planner, error) {
	pcfg := placement.DefaultConfig()
	pcfg.MarkerRatio = cfg.MarkerRatio
	pcfg.MarginRatio = cfg.MarginRatio

	dcfg := detection.DefaultConfig()
	if cfg.Model != "" {
		dcfg.Model = cfg.Model
	}

	var locator placement.SubjectLocator
	switch cfg.Backend {
	case "none":
		pcfg.Saliency = false
	case "saliency":
	case "ollama":
		c, err := ollama.NewClient(cfg.URL, nil)
		if err != nil {
			return nil, err
		}
		locator = detection.NewDetector(c, dcfg)
	case "llamacpp":
		locator = detection.NewDetector(llamacpp.NewClient(cfg.URL, nil), dcfg)
	default:
		return nil, fmt.Errorf("unknown placement backend %q", cfg.Backend)
	}
	return placement.NewPlanner(pcfg, locator, logger), nil
}

// Generate composes the target for a campaign and starts its descriptor
// build. An empty campaignID creates a new campaign. A zero placement is
// replaced by a planned one.
//
// On a *compositor.CompositionError caused by the placement, the raw design
// is stored as the composite and the error is returned together with a
// Result that has RawDesign set. When composition exceeds its time budget the
// previous composite is kept and Result.Stale is set; this is not an error.
func (p *Pipeline) Generate(ctx context.Context, campaignID string, design types.DesignAsset, mp types.MarkerPlacement, payload string) (Result, error) {
	if p.isClosed() {
		return Result{}, ErrClosed
	}
	if campaignID == "" {
		campaignID = uuid.NewString()
	}
	log := p.log.With("campaign", campaignID)

	if mp.IsZero() {
		planned, err := p.plan(ctx, design)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Result{}, err
			}
			return Result{CampaignID: campaignID}, p.fail(ctx, campaignID, design, mp, payload, err)
		}
		mp = planned
		log.Info("planned marker placement", "placement", mp.String())
	}

	prev, err := p.catalog.SaveCampaign(ctx, campaignID, design, mp, payload)
	if err != nil {
		return Result{}, err
	}
	prevStatus := prev.Status
	if err := p.catalog.SetStatus(ctx, campaignID, catalog.StatusComposing, ""); err != nil {
		return Result{CampaignID: campaignID}, err
	}

	// abort puts the campaign back to where it was, or failed when it never
	// had a composite, and records the cause.
	abort := func(cause error) (Result, error) {
		status := prevStatus
		if _, ok := prev.Composite(); !ok {
			status = catalog.StatusFailed
		}
		if err := p.catalog.SetStatus(context.WithoutCancel(ctx), campaignID, status, cause.Error()); err != nil {
			log.Error("failed to restore campaign status", "status", status, "error", err)
		}
		return Result{CampaignID: campaignID}, cause
	}

	res := Result{CampaignID: campaignID, Placement: mp}
	composite, composeErr := p.compositor.Compose(ctx, design, mp, payload)
	var compErr *compositor.CompositionError
	switch {
	case composeErr == nil:
	case errors.Is(composeErr, compositor.ErrComposeTimeout):
		log.Warn("composition exceeded its budget, keeping previous composite")
		if target, ok := prev.Composite(); ok {
			res.Composite = target
			res.RawDesign = prev.RawDesign
		}
		res.Stale = true
		if err := p.catalog.SetStatus(ctx, campaignID, prevStatus, composeErr.Error()); err != nil {
			return Result{CampaignID: campaignID}, err
		}
		return res, nil
	case errors.As(composeErr, &compErr):
		raw, err := p.rawComposite(ctx, design)
		if err != nil {
			log.Error("design unusable, no composite stored", "error", composeErr)
			_ = p.catalog.SetStatus(context.WithoutCancel(ctx), campaignID, catalog.StatusFailed, composeErr.Error())
			return res, composeErr
		}
		log.Warn("marker could not be placed, using raw design as target", "error", composeErr)
		composite = raw
		res.RawDesign = true
	default:
		return abort(composeErr)
	}

	key := storage.NewKey(campaignID, "composite", "png")
	obj, err := p.store.Put(ctx, key, composite.Data, "image/png")
	if err != nil {
		return abort(fmt.Errorf("store composite: %w", err))
	}
	res.Composite = types.CompositeTarget{URL: obj.URL, Size: obj.Size, GeneratedAt: p.now().UTC()}

	b := p.register(campaignID, key)
	replaced, err := p.catalog.RecordComposite(ctx, campaignID, key, res.Composite, res.RawDesign)
	if err != nil {
		p.unregister(b)
		p.deleteAsync(key)
		return abort(fmt.Errorf("record composite: %w", err))
	}
	p.deleteAsync(replaced)

	// Past this point the new composite is recorded. A failure leaves the
	// campaign degraded and queued so RetryPending rebuilds its descriptor.
	degrade := func(cause error) (Result, error) {
		p.unregister(b)
		bg := context.WithoutCancel(ctx)
		if err := p.catalog.AddPending(bg, campaignID, key, cause.Error(), nil); err != nil {
			log.Error("failed to queue generation for retry", "error", err)
		}
		if err := p.catalog.SetStatus(bg, campaignID, catalog.StatusDegraded, cause.Error()); err != nil {
			log.Error("failed to mark campaign degraded", "error", err)
		}
		return res, cause
	}

	// the descriptor of the replaced composite must not outlive it
	staleDescriptor, err := p.catalog.ClearDescriptor(ctx, campaignID)
	if err != nil {
		return degrade(fmt.Errorf("clear descriptor: %w", err))
	}
	p.deleteAsync(staleDescriptor)

	if err := p.catalog.SetStatus(ctx, campaignID, catalog.StatusGenerating, errString(composeErr)); err != nil {
		return degrade(err)
	}
	p.run(b, composite)

	log.Info("composite stored", "url", res.Composite.URL, "bytes", res.Composite.Size, "raw_design", res.RawDesign)
	return res, composeErr
}

// RetryPending restarts descriptor builds for campaigns whose last build
// exhausted every strategy. Entries whose composite has since been replaced
// are resolved without a build. It returns the number of builds started.
func (p *Pipeline) RetryPending(ctx context.Context) (int, error) {
	if p.isClosed() {
		return 0, ErrClosed
	}
	pending, err := p.catalog.ListPending(ctx, 0)
	if err != nil {
		return 0, err
	}

	latest := make(map[string]catalog.PendingGeneration)
	var order []string
	for _, pg := range pending {
		if _, ok := latest[pg.CampaignID]; !ok {
			order = append(order, pg.CampaignID)
		}
		latest[pg.CampaignID] = pg
	}

	started := 0
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return started, err
		}
		pg := latest[id]
		log := p.log.With("campaign", id)

		c, err := p.catalog.Campaign(ctx, id)
		if err != nil {
			log.Warn("skipping pending generation", "error", err)
			continue
		}
		if c.CompositeKey == "" || c.CompositeKey != pg.CompositeKey || p.building(id) {
			if _, err := p.catalog.ResolvePending(ctx, id); err != nil {
				return started, err
			}
			log.Debug("pending generation superseded")
			continue
		}

		data, err := p.store.Get(ctx, c.CompositeKey)
		if err != nil {
			log.Warn("pending composite unavailable", "key", c.CompositeKey, "error", err)
			continue
		}
		img, err := p.processor.DecodeImage(data)
		if err != nil {
			log.Warn("pending composite unreadable", "key", c.CompositeKey, "error", err)
			continue
		}

		b := p.register(id, c.CompositeKey)
		if err := p.catalog.SetStatus(ctx, id, catalog.StatusGenerating, ""); err != nil {
			p.unregister(b)
			return started, err
		}
		p.run(b, types.CompositeImage{Data: data, Width: img.Bounds().Dx(), Height: img.Bounds().Dy()})
		started++
		log.Info("retrying descriptor generation", "failed_at", pg.CreatedAt, "reason", pg.Reason)
	}
	return started, nil
}

// Status returns the catalog record of a campaign.
func (p *Pipeline) Status(ctx context.Context, campaignID string) (*catalog.Campaign, error) {
	return p.catalog.Campaign(ctx, campaignID)
}

// Store returns the artifact store.
func (p *Pipeline) Store() storage.Store {
	return p.store
}

// Wait blocks until every background build and deletion has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close cancels running builds, waits for background work and closes an
// owned catalog.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, b := range p.builds {
		b.cancel()
	}
	p.mu.Unlock()

	p.wg.Wait()
	if p.ownsCatalog {
		return p.catalog.Close()
	}
	return nil
}

func (p *Pipeline) plan(ctx context.Context, design types.DesignAsset) (types.MarkerPlacement, error) {
	img, err := p.processor.LoadImageSmart(ctx, design.URL)
	if err != nil {
		return types.MarkerPlacement{}, &compositor.CompositionError{Reason: "design cannot be loaded", Err: err}
	}
	if p.planner == nil {
		b := img.Bounds()
		return placement.Default(b.Dx(), b.Dy(), p.markerRatio), nil
	}
	return p.planner.Plan(ctx, img)
}

// fail records a campaign whose design could not be composed at all.
func (p *Pipeline) fail(ctx context.Context, id string, design types.DesignAsset, mp types.MarkerPlacement, payload string, cause error) error {
	if _, err := p.catalog.SaveCampaign(ctx, id, design, mp, payload); err != nil {
		return errors.Join(cause, err)
	}
	if err := p.catalog.SetStatus(ctx, id, catalog.StatusFailed, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	p.log.Error("target generation failed", "campaign", id, "error", cause)
	return cause
}

// rawComposite encodes the unmodified design, bounded like a composite.
func (p *Pipeline) rawComposite(ctx context.Context, design types.DesignAsset) (types.CompositeImage, error) {
	img, err := p.processor.LoadImageSmart(ctx, design.URL)
	if err != nil {
		return types.CompositeImage{}, err
	}
	if err := p.processor.ValidateImage(img); err != nil {
		return types.CompositeImage{}, err
	}
	img, _ = p.processor.Fit(img, p.maxDimension)
	data, err := p.processor.EncodePNG(img)
	if err != nil {
		return types.CompositeImage{}, err
	}
	return types.CompositeImage{Data: data, Width: img.Bounds().Dx(), Height: img.Bounds().Dy()}, nil
}

// register makes a new build current for its campaign, cancelling the one it
// supersedes.
func (p *Pipeline) register(campaignID, compositeKey string) *build {
	ctx, cancel := context.WithTimeout(context.Background(), p.buildTimeout)
	b := &build{campaignID: campaignID, compositeKey: compositeKey, ctx: ctx, cancel: cancel}

	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.builds[campaignID]; ok {
		prev.cancel()
		p.log.Debug("superseded running descriptor build", "campaign", campaignID)
	}
	if p.closed {
		cancel()
	}
	p.builds[campaignID] = b
	return b
}

func (p *Pipeline) unregister(b *build) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.cancel()
	if p.builds[b.campaignID] == b {
		delete(p.builds, b.campaignID)
	}
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pipeline) building(campaignID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.builds[campaignID]
	return ok
}

func (p *Pipeline) run(b *build, composite types.CompositeImage) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.unregister(b)

		key := storage.NewKey(b.campaignID, "descriptor", "bin")
		d, err := p.builder.Build(b.ctx, key, composite)
		p.finish(b, key, d, err)
	}()
}

// finish records the outcome of a build unless it was superseded. The
// pipeline lock is held so a newer build cannot interleave.
func (p *Pipeline) finish(b *build, key string, d types.FeatureDescriptor, buildErr error) {
	log := p.log.With("campaign", b.campaignID)
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.builds[b.campaignID] != b || (p.closed && buildErr != nil) {
		if buildErr == nil {
			p.deleteAsyncLocked(key)
		}
		log.Debug("discarding superseded descriptor build")
		return
	}

	if buildErr == nil {
		previous, err := p.catalog.RecordDescriptor(ctx, b.campaignID, key, d)
		if err != nil {
			log.Error("failed to record descriptor", "error", err)
			p.deleteAsyncLocked(key)
			return
		}
		p.deleteAsyncLocked(previous)
		if n, err := p.catalog.ResolvePending(ctx, b.campaignID); err != nil {
			log.Warn("failed to resolve pending generations", "error", err)
		} else if n > 0 {
			log.Info("resolved pending generations", "count", n)
		}
		log.Info("descriptor ready", "url", d.URL, "method", d.GenerationMethod, "bytes", d.SizeBytes)
		return
	}

	reason := buildErr.Error()
	var attempts []string
	var failure *descriptor.GenerationFailure
	switch {
	case errors.As(buildErr, &failure):
		for _, a := range failure.Attempts {
			attempts = append(attempts, a.Error())
		}
	case errors.Is(buildErr, context.DeadlineExceeded):
		reason = fmt.Sprintf("descriptor build exceeded %s", p.buildTimeout)
	}

	if _, err := p.catalog.ResolvePending(ctx, b.campaignID); err != nil {
		log.Warn("failed to resolve pending generations", "error", err)
	}
	if err := p.catalog.AddPending(ctx, b.campaignID, b.compositeKey, reason, attempts); err != nil {
		log.Error("failed to queue generation for retry", "error", err)
	}
	if err := p.catalog.SetStatus(ctx, b.campaignID, catalog.StatusDegraded, reason); err != nil {
		log.Error("failed to mark campaign degraded", "error", err)
	}
	log.Warn("campaign continues without AR tracking", "error", buildErr)
}

// deleteAsync removes a replaced artifact in the background; Wait covers it.
func (p *Pipeline) deleteAsync(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleteAsyncLocked(key)
}

func (p *Pipeline) deleteAsyncLocked(key string) {
	if key == "" {
		return
	}
	done := storage.DeleteAsync(p.store, key, p.deleteTimeout, p.log)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		<-done
	}()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
