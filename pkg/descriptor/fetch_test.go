package descriptor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/ar-target/internal/logging"
)

func testFetcher() *Fetcher {
	cfg := DefaultFetchConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.Timeout = time.Second
	return NewFetcher(cfg, nil, logging.Discard())
}

func TestFetch_OK(t *testing.T) {
	body := binaryDescriptor(2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ContentType, r.Header.Get("Accept"))
		w.Header().Set("Content-Type", ContentType)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	data, err := testFetcher().Fetch(context.Background(), srv.URL+"/d.bin")
	require.NoError(t, err)
	assert.Equal(t, body, data)
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(binaryDescriptor(2048))
	}))
	defer srv.Close()

	_, err := testFetcher().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_IntegrityFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		calls   int32
	}{
		{
			name: "json body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"error":"legacy"}`))
			},
			calls: 1,
		},
		{
			name: "html fallback page",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				_, _ = w.Write([]byte("<!doctype html>"))
			},
			calls: 1,
		},
		{
			name: "not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.NotFound(w, r)
			},
			calls: 1,
		},
		{
			name: "empty",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", ContentType)
			},
			calls: 1,
		},
		{
			name: "too small",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", ContentType)
				_, _ = w.Write([]byte{0x02, 0x00, 0x01})
			},
			calls: 1,
		},
		{
			name: "too large",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", ContentType)
				_, _ = w.Write(binaryDescriptor(DefaultLimits().MaxBytes + 1))
			},
			calls: 1,
		},
		{
			name: "always failing",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			calls: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				tt.handler(w, r)
			}))
			defer srv.Close()

			_, err := testFetcher().Fetch(context.Background(), srv.URL)
			var ie *IntegrityError
			require.True(t, errors.As(err, &ie), "expected IntegrityError, got %v", err)
			assert.Equal(t, srv.URL, ie.URL)
			assert.Equal(t, tt.calls, calls.Load())
		})
	}
}

func TestFetch_CustomLimits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(binaryDescriptor(64))
	}))
	defer srv.Close()

	_, err := testFetcher().Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	cfg := DefaultFetchConfig()
	cfg.Limits = Limits{MinBytes: 16, MaxBytes: 1024}
	data, err := NewFetcher(cfg, nil, logging.Discard()).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, data, 64)
}

func TestFetch_EmptyURL(t *testing.T) {
	_, err := testFetcher().Fetch(context.Background(), "")
	var ie *IntegrityError
	assert.True(t, errors.As(err, &ie))
}
