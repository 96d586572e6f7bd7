package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/ar-target/pkg/client"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Content string   `json:"content"`
		Images  [][]byte `json:"images"`
	} `json:"messages"`
	Options map[string]any `json:"options"`
}

func newServer(t *testing.T, answer string, got *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   got.Model,
			"message": map[string]string{"role": "assistant", "content": answer},
			"done":    true,
		})
	}))
}

func TestLocateSubject(t *testing.T) {
	var got chatRequest
	srv := newServer(t, "```json\n{\"primary\":{\"label\":\"cat\",\"confidence\":0.8,\"box\":{\"x\":0.1,\"y\":0.1,\"w\":0.4,\"h\":0.5}}}\n```", &got)
	defer srv.Close()

	c, err := NewClient(srv.URL+"/api/chat", srv.Client())
	require.NoError(t, err)

	res, err := c.LocateSubject(context.Background(), "openbmb/minicpm-v4.5", "where is the subject?", []byte{0xff, 0xd8, 0xff})
	require.NoError(t, err)
	assert.Equal(t, "cat", res.Primary.Label)
	assert.InDelta(t, 0.5, res.Primary.Box.H, 1e-9)

	assert.Equal(t, "openbmb/minicpm-v4.5", got.Model)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "where is the subject?", got.Messages[0].Content)
	assert.Equal(t, [][]byte{{0xff, 0xd8, 0xff}}, got.Messages[0].Images)
	assert.Equal(t, 0.7, got.Options["temperature"])
}

func TestLocateSubject_NotJSON(t *testing.T) {
	var got chatRequest
	srv := newServer(t, "A cat sitting on a sofa.", &got)
	defer srv.Close()

	c, err := NewClient(srv.URL, nil)
	require.NoError(t, err)

	_, err = c.LocateSubject(context.Background(), "llava", "where?", []byte{1})
	assert.ErrorIs(t, err, client.ErrNoJSON)
	assert.Nil(t, got.Options)
}

func TestQuery(t *testing.T) {
	var got chatRequest
	srv := newServer(t, "a cat", &got)
	defer srv.Close()

	c, err := NewClient(srv.URL, srv.Client())
	require.NoError(t, err)

	answer, err := c.Query(context.Background(), "llava", "what is this?", nil)
	require.NoError(t, err)
	assert.Equal(t, "a cat", answer)
	assert.Empty(t, got.Messages[0].Images)
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient("localhost", nil)
	assert.Error(t, err)
	_, err = NewClient("://bad", nil)
	assert.Error(t, err)
}
