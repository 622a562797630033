package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"segdl/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	opts, err := config.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 3, opts.SegmentAttempts)
	assert.Equal(t, 5, opts.SegmentThreads)
	assert.Equal(t, 30*time.Second, opts.SegmentTimeout)
	assert.Equal(t, 32*1024*1024, opts.RingBufferSize)
	assert.Equal(t, 3, opts.LiveEdge)
	assert.Equal(t, "best", opts.Quality)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "config.json")
	content := `{
		"SegmentThreads": 8,
		"SegmentTimeout": "10s",
		"StreamTimeout": "90",
		"Headers": {"Referer": "https://example.com/"},
		"IgnoreNames": ["ad-"],
		"Keys": {"https://keys.example/k1": "0x000102030405060708090a0b0c0d0e0f"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SEGDL_RATE_LIMIT=4\n"), 0o644))
	t.Setenv("SEGDL_SEGMENT_ATTEMPTS", "6")
	t.Cleanup(func() { os.Unsetenv("SEGDL_RATE_LIMIT") })

	opts, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8, opts.SegmentThreads)
	assert.Equal(t, 10*time.Second, opts.SegmentTimeout)
	assert.Equal(t, 90*time.Second, opts.StreamTimeout)
	assert.Equal(t, 6, opts.SegmentAttempts)
	assert.Equal(t, 4, opts.RateLimit)
	assert.Equal(t, "https://example.com/", opts.Headers["Referer"])
	assert.Equal(t, []string{"ad-"}, opts.IgnoreNames)
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, opts.Keys["https://keys.example/k1"])
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	t.Run("Bad duration", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"SegmentTimeout": "soon"}`), 0o644))
		_, err := config.LoadConfig(path)
		assert.Error(t, err)
	})

	t.Run("Thread count out of range", func(t *testing.T) {
		path := filepath.Join(dir, "threads.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"SegmentThreads": 0}`), 0o644))
		_, err := config.LoadConfig(path)
		assert.Error(t, err)
	})

	t.Run("Bad key", func(t *testing.T) {
		path := filepath.Join(dir, "key.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"Keys": {"k": "zz"}}`), 0o644))
		_, err := config.LoadConfig(path)
		assert.Error(t, err)
	})

	t.Run("Missing file", func(t *testing.T) {
		_, err := config.LoadConfig(filepath.Join(dir, "nope.json"))
		assert.Error(t, err)
	})
}
