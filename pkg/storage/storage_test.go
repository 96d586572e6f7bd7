package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/ar-target/internal/logging"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), "http://cdn.test/assets/")
	require.NoError(t, err)
	return s
}

func TestNewKey(t *testing.T) {
	a := NewKey("camp/1", "descriptor", "bin")
	b := NewKey("camp/1", "descriptor", "bin")

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "camp_1/descriptor-"))
	assert.True(t, strings.HasSuffix(a, ".bin"))
}

func TestFileStore_PutGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	obj, err := s.Put(ctx, "c1/composite.png", []byte{1, 2, 3}, "image/png")
	require.NoError(t, err)
	assert.Equal(t, int64(3), obj.Size)
	assert.Equal(t, "http://cdn.test/assets/c1/composite.png", obj.URL)

	data, err := s.Get(ctx, "c1/composite.png")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	require.NoError(t, s.Delete(ctx, "c1/composite.png"))
	_, err = s.Get(ctx, "c1/composite.png")
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting twice is fine
	assert.NoError(t, s.Delete(ctx, "c1/composite.png"))
}

func TestFileStore_RejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Put(context.Background(), "../escape", []byte("x"), "")
	assert.Error(t, err)
	_, err = s.Get(context.Background(), "")
	assert.Error(t, err)
}

func TestFileStore_CancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Put(ctx, "k", []byte("x"), "")
	assert.ErrorIs(t, err, context.Canceled)
}

type failingStore struct {
	*FileStore
	deleted chan string
}

func (f *failingStore) Delete(ctx context.Context, key string) error {
	f.deleted <- key
	return errors.New("bucket unavailable")
}

func TestDeleteAsync(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Put(ctx, "c1/old.png", []byte("old"), "image/png")
	require.NoError(t, err)

	done := DeleteAsync(s, "c1/old.png", time.Second, logging.Discard())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async delete did not finish")
	}
	_, err = s.Get(ctx, "c1/old.png")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAsync_FailureIsSwallowed(t *testing.T) {
	fs := &failingStore{FileStore: newTestStore(t), deleted: make(chan string, 1)}

	done := DeleteAsync(fs, "c1/old.png", time.Second, logging.Discard())
	<-done
	assert.Equal(t, "c1/old.png", <-fs.deleted)
}

func TestDeleteAsync_EmptyKey(t *testing.T) {
	done := DeleteAsync(newTestStore(t), "", time.Second, nil)
	_, open := <-done
	assert.False(t, open)
}
