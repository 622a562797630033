package hls_test

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"segdl/internal/config"
	"segdl/internal/fetch"
	"segdl/internal/hls"
	"segdl/internal/logger"
	"segdl/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packets(fill byte) []byte {
	out := bytes.Repeat([]byte{fill}, 3*188)
	for i := 0; i < len(out); i += 188 {
		out[i] = 0x47
	}
	return out
}

func encryptSegment(t *testing.T, plain, key []byte, seq uint64) []byte {
	t.Helper()
	iv := make([]byte, 16)
	binary.BigEndian.PutUint64(iv[8:], seq)
	pad := 16 - len(plain)%16
	padded := append(append([]byte(nil), plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func testConfig() *config.Options {
	cfg := config.Default()
	cfg.SegmentAttempts = 1
	cfg.SegmentTimeout = 2 * time.Second
	cfg.StreamTimeout = 5 * time.Second
	cfg.RingBufferSize = 1 << 20
	return cfg
}

func TestOpenStream_EncryptedVOD(t *testing.T) {
	keyData := []byte("fedcba9876543210")
	var keyRequests atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=500000,RESOLUTION=426x240\nlow.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=3000000,RESOLUTION=1280x720\nhigh.m3u8\n")
	})
	mux.HandleFunc("/high.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:5\n#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\"\n")
		for i := 5; i < 8; i++ {
			fmt.Fprintf(w, "#EXTINF:4.0,\nseg%d.ts\n", i)
		}
		fmt.Fprint(w, "#EXT-X-ENDLIST\n")
	})
	mux.HandleFunc("/key.bin", func(w http.ResponseWriter, r *http.Request) {
		keyRequests.Add(1)
		w.Write(keyData)
	})
	for i := 5; i < 8; i++ {
		seq := uint64(i)
		body := encryptSegment(t, packets(byte(i)), keyData, seq)
		mux.HandleFunc(fmt.Sprintf("/seg%d.ts", i), func(w http.ResponseWriter, r *http.Request) {
			w.Write(body)
		})
	}
	server := httptest.NewServer(mux)
	defer server.Close()

	client := fetch.NewClient(testConfig(), logger.NewNop())
	reader, err := hls.OpenStream(context.Background(), client, server.URL+"/master.m3u8", testConfig(), logger.NewNop())
	require.NoError(t, err)
	defer reader.Close()

	got, err := io.ReadAll(reader)
	require.NoError(t, err)

	want := append(append(packets(5), packets(6)...), packets(7)...)
	assert.Equal(t, want, got)
	assert.Equal(t, int32(1), keyRequests.Load(), "the key is fetched once per URI")
}

func TestSource_Unsupported(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nlow.m3u8\n")
	})
	mux.HandleFunc("/iframes.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-I-FRAMES-ONLY\n#EXTINF:1,\na.ts\n")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := fetch.NewClient(testConfig(), logger.NewNop())
	for _, path := range []string{"/master.m3u8", "/iframes.m3u8"} {
		t.Run(path, func(t *testing.T) {
			_, err := hls.NewSource(client, server.URL+path, time.Second, logger.NewNop()).Refresh(context.Background())
			assert.ErrorIs(t, err, models.ErrUnsupportedStream)
		})
	}
}

func TestSource_LivePlaylist(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:100\n#EXTINF:3.0,\na.ts\n#EXTINF:2.5,\nb.ts\n")
	}))
	defer server.Close()

	client := fetch.NewClient(testConfig(), logger.NewNop())
	u, err := hls.NewSource(client, server.URL+"/live/index.m3u8", time.Second, logger.NewNop()).Refresh(context.Background())
	require.NoError(t, err)

	assert.True(t, u.Live)
	assert.False(t, u.End)
	require.Len(t, u.Segments, 2)
	assert.Equal(t, uint64(100), u.Segments[0].Ordinal)
	assert.Equal(t, uint64(101), u.Segments[1].Ordinal)
	assert.Equal(t, "b.ts", u.Segments[1].Name)
	assert.Equal(t, server.URL+"/live/b.ts", u.Segments[1].URL)
	// No target duration: the last segment duration is used.
	assert.Equal(t, 2500*time.Millisecond, u.TargetDuration)
}
