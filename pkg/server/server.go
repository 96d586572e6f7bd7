// Package server exposes target generation and the generated artifacts over
// HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gorilla/mux"

	artarget "github.com/menta2k/ar-target"
	"github.com/menta2k/ar-target/internal/logging"
	"github.com/menta2k/ar-target/pkg/catalog"
	"github.com/menta2k/ar-target/pkg/compositor"
	"github.com/menta2k/ar-target/pkg/descriptor"
	"github.com/menta2k/ar-target/pkg/storage"
	"github.com/menta2k/ar-target/pkg/types"
)

// maxBodyBytes bounds a generation request.
const maxBodyBytes = 1 << 20

// Targets is the part of the pipeline the server drives.
type Targets interface {
	Generate(ctx context.Context, campaignID string, design types.DesignAsset, placement types.MarkerPlacement, payload string) (artarget.Result, error)
	Status(ctx context.Context, campaignID string) (*catalog.Campaign, error)
	Store() storage.Store
}

var _ Targets = (*artarget.Pipeline)(nil)

// GenerateRequest is the body of a generation request. A missing placement
// lets the server choose one.
type GenerateRequest struct {
	Design    types.DesignAsset      `json:"design"`
	Placement *types.MarkerPlacement `json:"placement,omitempty"`
	Payload   string                 `json:"payload"`
}

// GenerateResponse reports the composite and, for a composition error, why
// the raw design is used instead.
type GenerateResponse struct {
	artarget.Result
	Error string `json:"error,omitempty"`
}

// Server handles the HTTP API.
type Server struct {
	targets   Targets
	assetsDir string
	log       *slog.Logger
}

// New creates a server. When assetsDir is set, files below it are served
// under assetsPrefix, which should match the store's base URL.
func New(targets Targets, assetsDir string, logger *slog.Logger) *Server {
	return &Server{
		targets:   targets,
		assetsDir: assetsDir,
		log:       logging.OrDefault(logger).With("component", "server"),
	}
}

// Router returns the route table.
func (s *Server) Router(assetsPrefix string) *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintln(w, "OK")
	}).Methods(http.MethodGet)

	r.HandleFunc("/campaigns", s.handleGenerate).Methods(http.MethodPost)
	r.HandleFunc("/campaigns/{campaign}/targets", s.handleGenerate).Methods(http.MethodPost)
	r.HandleFunc("/campaigns/{campaign}/targets", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/targets/{campaign}/composite.png", s.handleComposite).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/targets/{campaign}/descriptor.bin", s.handleDescriptor).Methods(http.MethodGet, http.MethodHead)

	if s.assetsDir != "" && assetsPrefix != "" {
		prefix := "/" + strings.Trim(assetsPrefix, "/") + "/"
		files := http.StripPrefix(prefix, http.FileServer(http.Dir(s.assetsDir)))
		r.PathPrefix(prefix).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if path.Ext(r.URL.Path) == ".bin" {
				w.Header().Set("Content-Type", descriptor.ContentType)
			}
			files.ServeHTTP(w, r)
		})).Methods(http.MethodGet, http.MethodHead)
	}
	return r
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Design.URL == "" {
		http.Error(w, "design.url is required", http.StatusBadRequest)
		return
	}
	if err := checkDesignURL(req.Design.URL); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Payload == "" {
		http.Error(w, "payload is required", http.StatusBadRequest)
		return
	}
	var mp types.MarkerPlacement
	if req.Placement != nil {
		mp = *req.Placement
	}

	res, err := s.targets.Generate(r.Context(), mux.Vars(r)["campaign"], req.Design, mp, req.Payload)
	var cerr *compositor.CompositionError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, GenerateResponse{Result: res})
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusUnprocessableEntity, GenerateResponse{Result: res, Error: err.Error()})
	default:
		s.log.Error("generation failed", "campaign", res.CampaignID, "error", err)
		http.Error(w, "target generation failed", http.StatusInternalServerError)
	}
}

// checkDesignURL accepts only absolute http(s) URLs. The pipeline also reads
// local paths, which must never be reachable from a request.
func checkDesignURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("design.url must be an absolute http or https URL")
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	c, ok := s.campaign(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleComposite(w http.ResponseWriter, r *http.Request) {
	c, ok := s.campaign(w, r)
	if !ok {
		return
	}
	if c.CompositeKey == "" {
		http.Error(w, "no composite for campaign", http.StatusNotFound)
		return
	}
	s.serveObject(w, r, c.CompositeKey, "image/png", c.CompositeAt)
}

func (s *Server) handleDescriptor(w http.ResponseWriter, r *http.Request) {
	c, ok := s.campaign(w, r)
	if !ok {
		return
	}
	if c.DescriptorKey == "" {
		// degraded or still generating: clients fall back to showing the
		// content without tracking
		http.Error(w, fmt.Sprintf("no descriptor for campaign (status %s)", c.Status), http.StatusNotFound)
		return
	}
	s.serveObject(w, r, c.DescriptorKey, descriptor.ContentType, c.DescriptorAt)
}

func (s *Server) campaign(w http.ResponseWriter, r *http.Request) (*catalog.Campaign, bool) {
	id := mux.Vars(r)["campaign"]
	c, err := s.targets.Status(r.Context(), id)
	if errors.Is(err, catalog.ErrNotFound) {
		http.Error(w, "campaign not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		s.log.Error("failed to load campaign", "campaign", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	return c, true
}

func (s *Server) serveObject(w http.ResponseWriter, r *http.Request, key, contentType string, modified *time.Time) {
	data, err := s.targets.Store().Get(r.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("failed to read artifact", "key", key, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var mod time.Time
	if modified != nil {
		mod = *modified
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, path.Base(key), mod, bytes.NewReader(data))
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
