package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	artarget "github.com/menta2k/ar-target"
	"github.com/menta2k/ar-target/internal/config"
	"github.com/menta2k/ar-target/internal/logging"
	"github.com/menta2k/ar-target/internal/utils"
	"github.com/menta2k/ar-target/pkg/compositor"
	"github.com/menta2k/ar-target/pkg/processing"
	"github.com/menta2k/ar-target/pkg/types"
)

func main() {
	var configPath, in, campaign, payload, placementFlag, version string
	var backend, url, model, outDir, dbPath, logLevel string
	var debug, retry bool
	var dbgext string
	var dbgquality int
	var wait time.Duration

	flag.StringVar(&configPath, "config", "", "JSON config file (defaults and ARTARGET_* env otherwise)")
	flag.StringVar(&in, "in", "", "design image path or URL (jpg/png/webp)")
	flag.StringVar(&campaign, "campaign", "", "campaign id (new campaign when empty)")
	flag.StringVar(&payload, "payload", "", "URL encoded in the scan marker")
	flag.StringVar(&placementFlag, "placement", "", "marker rectangle x,y,w,h in design pixels (planned when empty)")
	flag.StringVar(&version, "version", "", "design version, part of the composite cache key")

	flag.StringVar(&backend, "backend", "", "placement backend: none|saliency|ollama|llamacpp (config when empty)")
	flag.StringVar(&url, "url", "", "vision model server URL for the ollama and llamacpp backends")
	flag.StringVar(&model, "model", "", "vision model name")

	flag.StringVar(&outDir, "out", "", "artifact directory (config storage.root when empty)")
	flag.StringVar(&dbPath, "db", "", "catalog database path (config catalog.path when empty)")
	flag.StringVar(&logLevel, "log", "", "log level: debug|info|warn|error")

	flag.BoolVar(&debug, "debug", false, "write a debug overlay of the marker rectangle into -out")
	flag.StringVar(&dbgext, "dbgext", "png", "debug overlay format: png|jpg|webp")
	flag.IntVar(&dbgquality, "dbgquality", 92, "debug overlay quality (for jpg/webp)")

	flag.BoolVar(&retry, "retry", false, "retry pending descriptor generations instead of building a target")
	flag.DurationVar(&wait, "wait", 15*time.Minute, "how long to wait for the descriptor build")

	flag.Parse()
	if in == "" && !retry {
		log.Fatalf("usage: %s -in design.png|URL -payload URL [-campaign id] [-placement x,y,w,h] [-backend none|saliency|ollama|llamacpp] [-out dir] [-debug]\n       %s -retry", filepath.Base(os.Args[0]), filepath.Base(os.Args[0]))
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}
	if backend != "" {
		cfg.Placement.Backend = backend
	}
	if url != "" {
		cfg.Placement.URL = url
	}
	if model != "" {
		cfg.Placement.Model = model
	}
	if outDir != "" {
		cfg.Storage.Root = outDir
	}
	if dbPath != "" {
		cfg.Catalog.Path = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	var logFile *os.File
	if cfg.Log.Dir != "" {
		logFile, err = logging.OpenFile(cfg.Log.Dir, "ar-target", time.Now())
		if err != nil {
			log.Fatal(err)
		}
		defer logFile.Close()
	}
	logger := logging.New(nil, cfg.Log.Level)
	if logFile != nil {
		logger = logging.New(logFile, cfg.Log.Level)
	}

	pipeline, err := artarget.NewFromConfig(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to create pipeline: %v", err)
	}
	defer pipeline.Close()

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	if retry {
		n, err := pipeline.RetryPending(ctx)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("restarted %d descriptor build(s)", n)
		waitFor(ctx, pipeline)
		return
	}

	if payload == "" {
		log.Fatal("-payload is required")
	}
	if !strings.HasPrefix(in, "http://") && !strings.HasPrefix(in, "https://") {
		if !utils.FileExists(in) {
			log.Fatalf("design %s does not exist", in)
		}
		if !utils.IsImageFile(in) {
			log.Fatalf("design %s is not a supported image (jpg/png/gif/webp)", in)
		}
	}
	var mp types.MarkerPlacement
	if placementFlag != "" {
		mp, err = parsePlacement(placementFlag)
		if err != nil {
			log.Fatal(err)
		}
	}

	res, err := pipeline.Generate(ctx, campaign, types.DesignAsset{URL: in, Version: version}, mp, payload)
	var cerr *compositor.CompositionError
	switch {
	case err == nil:
	case errors.As(err, &cerr) && res.RawDesign:
		log.Printf("marker not placed, raw design used as target: %v", err)
	default:
		log.Fatal(err)
	}
	if res.Stale {
		log.Printf("composition exceeded its time budget, previous composite kept")
	}
	log.Printf("campaign=%s placement=%s composite=%s (%s)", res.CampaignID, res.Placement, res.Composite.URL, utils.FormatFileSize(res.Composite.Size))

	if debug && !res.RawDesign && !res.Stale {
		if err := writeOverlay(ctx, pipeline, cfg, res, in, dbgext, dbgquality); err != nil {
			log.Printf("debug overlay failed: %v", err)
		}
	}

	waitFor(ctx, pipeline)

	c, err := pipeline.Status(context.Background(), res.CampaignID)
	if err != nil {
		log.Fatal(err)
	}
	out, _ := json.MarshalIndent(c, "", "  ")
	fmt.Println(string(out))
}

// waitFor blocks until background work finishes or ctx expires.
func waitFor(ctx context.Context, pipeline *artarget.Pipeline) {
	done := make(chan struct{})
	go func() {
		pipeline.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("stopped waiting for descriptor build: %v", ctx.Err())
	}
}

func parsePlacement(s string) (types.MarkerPlacement, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return types.MarkerPlacement{}, fmt.Errorf("placement %q: want x,y,w,h", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return types.MarkerPlacement{}, fmt.Errorf("placement %q: %w", s, err)
		}
		v[i] = n
	}
	return types.MarkerPlacement{X: v[0], Y: v[1], Width: v[2], Height: v[3]}, nil
}

// writeOverlay outlines the marker on the stored composite. The composite
// may be downscaled, so the placement is scaled to match.
func writeOverlay(ctx context.Context, pipeline *artarget.Pipeline, cfg *config.Config, res artarget.Result, design, ext string, quality int) error {
	c, err := pipeline.Status(ctx, res.CampaignID)
	if err != nil {
		return err
	}
	data, err := pipeline.Store().Get(ctx, c.CompositeKey)
	if err != nil {
		return err
	}
	processor := processing.NewProcessor()
	composite, err := processor.DecodeImage(data)
	if err != nil {
		return err
	}
	src, err := processor.LoadImageSmart(ctx, design)
	if err != nil {
		return err
	}
	scale := float64(composite.Bounds().Dx()) / float64(src.Bounds().Dx())

	overlay := processor.CreateDebugOverlay(composite, res.Placement.Scale(scale).Rect())
	path := filepath.Join(cfg.Storage.Root, fmt.Sprintf("%s_marker_overlay.%s", res.CampaignID, strings.ToLower(ext)))
	if err := processor.SaveImage(overlay, path, ext, quality, false); err != nil {
		return err
	}
	log.Printf("wrote %s", path)
	return nil
}
