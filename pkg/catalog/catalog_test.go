package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/ar-target/internal/logging"
	"github.com/menta2k/ar-target/pkg/types"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open("", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

var design = types.DesignAsset{URL: "https://cdn.example.com/designs/poster.png", Version: "v1", Width: 1200, Height: 1800}

func TestSaveCampaign(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	placement := types.MarkerPlacement{X: 900, Y: 1500, Width: 250, Height: 250}

	saved, err := c.SaveCampaign(ctx, "c1", design, placement, "https://example.com/v/1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, saved.Status)

	got, err := c.Campaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, design, got.Design())
	assert.Equal(t, placement, got.MarkerPlacement())
	assert.Equal(t, "https://example.com/v/1", got.Payload)
	_, ok := got.Composite()
	assert.False(t, ok)

	_, err = c.SaveCampaign(ctx, "c1", design, types.MarkerPlacement{}, "https://example.com/v/2")
	require.NoError(t, err)
	got, err = c.Campaign(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.MarkerPlacement().IsZero())
	assert.Equal(t, "https://example.com/v/2", got.Payload)
}

func TestCampaign_NotFound(t *testing.T) {
	c := openTestCatalog(t)
	_, err := c.Campaign(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, c.SetStatus(context.Background(), "missing", StatusFailed, "x"), ErrNotFound)
	_, err = c.RecordComposite(context.Background(), "missing", "missing/a.png", types.CompositeTarget{URL: "/a"}, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordArtifacts(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	_, err := c.SaveCampaign(ctx, "c1", design, types.MarkerPlacement{}, "p")
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prev, err := c.RecordComposite(ctx, "c1", "c1/a.png", types.CompositeTarget{URL: "/assets/c1/a.png", Size: 1000, GeneratedAt: at}, true)
	require.NoError(t, err)
	assert.Empty(t, prev)

	prev, err = c.RecordComposite(ctx, "c1", "c1/b.png", types.CompositeTarget{URL: "/assets/c1/b.png", Size: 2000, GeneratedAt: at.Add(time.Hour)}, false)
	require.NoError(t, err)
	assert.Equal(t, "c1/a.png", prev)

	prev, err = c.RecordDescriptor(ctx, "c1", "c1/b.bin", types.FeatureDescriptor{URL: "/assets/c1/b.bin", SizeBytes: 40000, GeneratedAt: at, GenerationMethod: types.MethodSecondary})
	require.NoError(t, err)
	assert.Empty(t, prev)

	got, err := c.Campaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)
	comp, ok := got.Composite()
	require.True(t, ok)
	assert.Equal(t, "/assets/c1/b.png", comp.URL)
	assert.Equal(t, "c1/b.png", got.CompositeKey)
	assert.False(t, got.RawDesign)
	assert.Equal(t, int64(2000), comp.Size)
	d, ok := got.Descriptor()
	require.True(t, ok)
	assert.Equal(t, types.MethodSecondary, d.GenerationMethod)
	assert.True(t, d.GeneratedAt.Equal(at))

	prev, err = c.ClearDescriptor(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1/b.bin", prev)
	got, err = c.Campaign(ctx, "c1")
	require.NoError(t, err)
	_, ok = got.Descriptor()
	assert.False(t, ok)
}

func TestSetStatus(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	_, err := c.SaveCampaign(ctx, "c1", design, types.MarkerPlacement{}, "p")
	require.NoError(t, err)

	require.NoError(t, c.SetStatus(ctx, "c1", StatusDegraded, "all strategies failed"))
	got, err := c.Campaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, got.Status)
	assert.Equal(t, "all strategies failed", got.LastError)

	require.NoError(t, c.SetStatus(ctx, "c1", StatusGenerating, ""))
	got, err = c.Campaign(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, got.LastError)
}

func TestPendingGenerations(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.AddPending(ctx, "c1", "c1/a.png", "all strategies failed", []string{"primary: exit status 1", "structural: too small"}))
	require.NoError(t, c.AddPending(ctx, "c2", "c2/b.png", "all strategies failed", nil))
	require.NoError(t, c.AddPending(ctx, "c1", "c1/c.png", "timed out", nil))

	pending, err := c.ListPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "c1", pending[0].CampaignID)
	assert.JSONEq(t, `["primary: exit status 1","structural: too small"]`, string(pending[0].Attempts))
	assert.JSONEq(t, `[]`, string(pending[1].Attempts))

	limited, err := c.ListPending(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	n, err := c.ResolvePending(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	pending, err = c.ListPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c2", pending[0].CampaignID)
}

func TestOpen_File(t *testing.T) {
	path := t.TempDir() + "/catalog.db"
	c, err := Open(path, logging.Discard())
	require.NoError(t, err)
	_, err = c.SaveCampaign(context.Background(), "c1", design, types.MarkerPlacement{}, "p")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = Open(path, logging.Discard())
	require.NoError(t, err)
	defer c.Close()
	got, err := c.Campaign(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, design.URL, got.DesignURL)
}
