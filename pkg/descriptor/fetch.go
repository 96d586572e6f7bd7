package descriptor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/menta2k/ar-target/internal/logging"
	"github.com/menta2k/ar-target/internal/retry"
)

// FetchConfig holds configuration for the client-side descriptor fetch
type FetchConfig struct {
	Timeout    time.Duration // per request
	Retries    int           // additional attempts after the first
	RetryDelay time.Duration
	Limits     Limits // same bounds the builder accepts
	UserAgent  string
}

// DefaultFetchConfig returns the fetcher defaults
func DefaultFetchConfig() FetchConfig {
	return FetchConfig{
		Timeout:    15 * time.Second,
		Retries:    3,
		RetryDelay: 500 * time.Millisecond,
		Limits:     DefaultLimits(),
		UserAgent:  "AR-Target/1.0",
	}
}

// Fetcher downloads descriptors for the tracking runtime.
type Fetcher struct {
	config FetchConfig
	client *http.Client
	log    *slog.Logger
}

// NewFetcher creates a fetcher. client may be nil.
func NewFetcher(config FetchConfig, client *http.Client, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{
		config: config,
		client: client,
		log:    logging.OrDefault(logger).With("component", "descriptor-fetch"),
	}
}

// Fetch downloads and checks the descriptor at url. Transport errors and 5xx
// responses are retried; everything else fails at once. All failures are
// *IntegrityError.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, &IntegrityError{URL: url, Reason: "no descriptor url"}
	}

	var data []byte
	cfg := retry.Config{
		MaxAttempts: f.config.Retries + 1,
		Delay:       f.config.RetryDelay,
		MaxDelay:    8 * f.config.RetryDelay,
	}
	err := retry.Do(ctx, cfg, f.log, "fetch descriptor", func(ctx context.Context, attempt int) error {
		var err error
		data, err = f.fetchOnce(ctx, url)
		return err
	})
	if err != nil {
		var ie *IntegrityError
		if errors.As(err, &ie) {
			return nil, ie
		}
		return nil, &IntegrityError{URL: url, Reason: "download failed", Err: err}
	}
	return data, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	rctx := ctx
	if f.config.Timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, f.config.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Permanent(&IntegrityError{URL: url, Reason: "bad url", Err: err})
	}
	req.Header.Set("Accept", ContentType)
	if f.config.UserAgent != "" {
		req.Header.Set("User-Agent", f.config.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retry.Permanent(&IntegrityError{URL: url, Reason: fmt.Sprintf("HTTP %d", resp.StatusCode)})
	}

	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "application/json") {
		return nil, retry.Permanent(&IntegrityError{URL: url, Reason: "served as " + ct + " instead of a binary asset"})
	}

	var body io.Reader = resp.Body
	if max := f.config.Limits.MaxBytes; max > 0 {
		body = io.LimitReader(resp.Body, int64(max)+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if err := Validate(data, f.config.Limits); err != nil {
		return nil, retry.Permanent(&IntegrityError{URL: url, Reason: "signature or size check failed", Err: err})
	}
	return data, nil
}
