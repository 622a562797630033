package key_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"segdl/internal/config"
	"segdl/internal/fetch"
	"segdl/internal/key"
	"segdl/internal/logger"
	"segdl/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_CachesByURI(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write(bytes.Repeat([]byte{r.URL.Path[len(r.URL.Path)-1]}, 16))
	}))
	defer server.Close()

	client := fetch.NewClient(config.Default(), logger.NewNop())
	svc := key.NewService(client, nil, "", 1, time.Second, logger.NewNop())
	ctx := context.Background()

	k1 := &models.DecryptionKey{Method: "AES-128", URI: server.URL + "/k1"}
	k2 := &models.DecryptionKey{Method: "AES-128", URI: server.URL + "/k2"}

	data, err := svc.GetKey(ctx, k1)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("1"), 16), data)
	_, err = svc.GetKey(ctx, k1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "same URI must not be refetched")

	data, err = svc.GetKey(ctx, k2)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("2"), 16), data)
	assert.Equal(t, int32(2), calls.Load())

	// Single slot: switching back refetches.
	_, err = svc.GetKey(ctx, k1)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestService_OverrideAndStatic(t *testing.T) {
	static := map[string][]byte{"https://keys.example/fixed": bytes.Repeat([]byte{7}, 16)}
	client := fetch.NewClient(config.Default(), logger.NewNop())
	svc := key.NewService(client, static, "https://keys.example/fixed", 1, time.Second, logger.NewNop())

	data, err := svc.GetKey(context.Background(), &models.DecryptionKey{Method: "AES-128", URI: "https://elsewhere/k"})
	require.NoError(t, err)
	assert.Equal(t, static["https://keys.example/fixed"], data)
}

func TestService_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("short"))
	}))
	defer server.Close()

	client := fetch.NewClient(config.Default(), logger.NewNop())
	svc := key.NewService(client, nil, "", 1, time.Second, logger.NewNop())
	ctx := context.Background()

	t.Run("Unsupported method", func(t *testing.T) {
		_, err := svc.GetKey(ctx, &models.DecryptionKey{Method: "SAMPLE-AES", URI: server.URL})
		assert.ErrorIs(t, err, models.ErrDecryption)
	})

	t.Run("Missing URI", func(t *testing.T) {
		_, err := svc.GetKey(ctx, &models.DecryptionKey{Method: "AES-128"})
		assert.ErrorIs(t, err, models.ErrDecryption)
	})

	t.Run("Wrong key length", func(t *testing.T) {
		_, err := svc.GetKey(ctx, &models.DecryptionKey{Method: "AES-128", URI: server.URL + "/k"})
		assert.ErrorIs(t, err, models.ErrDecryption)
	})
}
