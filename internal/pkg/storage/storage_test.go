package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"libraryhub/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey(t *testing.T) {
	now := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	key := newKey("covers", "Dune.JPG", now)
	assert.True(t, strings.HasPrefix(key, "covers/2024/03/"), key)
	assert.True(t, strings.HasSuffix(key, ".jpg"), key)

	key = newKey("../../etc", "x.pdf", now)
	assert.True(t, strings.HasPrefix(key, "etc/2024/03/"), key)

	key = newKey("", "noext", now)
	assert.True(t, strings.HasPrefix(key, "misc/"), key)
}

func TestDiskStore_PutAndDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir, "/uploads/")
	require.NoError(t, err)
	ctx := context.Background()

	obj, err := s.Put(ctx, "covers", "cover.png", strings.NewReader("png-bytes"), 9, "image/png")
	require.NoError(t, err)
	assert.Equal(t, "/uploads/"+obj.Key, obj.URL)

	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(obj.Key)))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	require.NoError(t, s.Delete(ctx, obj.Key))
	_, err = os.Stat(filepath.Join(dir, filepath.FromSlash(obj.Key)))
	assert.True(t, os.IsNotExist(err))

	// 重复删除不报错
	assert.NoError(t, s.Delete(ctx, obj.Key))
}

func TestDiskStore_RejectsEscapingKeys(t *testing.T) {
	s, err := NewDiskStore(t.TempDir(), "/uploads")
	require.NoError(t, err)

	assert.ErrorIs(t, s.Delete(context.Background(), "../outside.txt"), ErrInvalidKey)
	assert.ErrorIs(t, s.Delete(context.Background(), ""), ErrInvalidKey)
}

func TestNew_Drivers(t *testing.T) {
	st, err := New(context.Background(), &config.StorageConfig{Driver: "disk", LocalDir: t.TempDir(), PublicBaseURL: "/uploads"})
	require.NoError(t, err)
	assert.IsType(t, &DiskStore{}, st)

	_, err = New(context.Background(), &config.StorageConfig{Driver: "s3"})
	assert.Error(t, err)

	_, err = New(context.Background(), &config.StorageConfig{Driver: "ftp"})
	assert.Error(t, err)
}
