package media

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndURL(t *testing.T) {
	t.Parallel()
	store, err := NewLocalStore(nil, t.TempDir(), "/media/")
	require.NoError(t, err)

	url, err := store.Save(context.Background(), "acc-1", "photo.JPG", "image/jpeg", []byte("jpegdata"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "/media/acc-1/"), "url %q", url)
	assert.True(t, strings.HasSuffix(url, ".jpg"), "url %q keeps the lowercased extension", url)

	rel := strings.TrimPrefix(url, "/media/")
	data, err := os.ReadFile(filepath.Join(store.Root(), filepath.FromSlash(rel)))
	require.NoError(t, err)
	assert.Equal(t, []byte("jpegdata"), data)
}

func TestSaveWithoutExtensionUsesMIME(t *testing.T) {
	t.Parallel()
	store, err := NewLocalStore(nil, t.TempDir(), "/media")
	require.NoError(t, err)

	url, err := store.Save(context.Background(), "acc-1", "", "image/png", []byte("png"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(url, ".png"), "url %q", url)
}

func TestSaveRequiresAccount(t *testing.T) {
	t.Parallel()
	store, err := NewLocalStore(nil, t.TempDir(), "/media")
	require.NoError(t, err)

	_, err = store.Save(context.Background(), "", "x.bin", "application/octet-stream", []byte("x"))
	assert.Error(t, err)
}
