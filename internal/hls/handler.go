package hls

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"segdl/internal/fetch"
	"segdl/internal/key"
	"segdl/internal/logger"
	"segdl/internal/models"
)

// Handler fetches and writes HLS segments: byte-range continuation, ignored names,
// and AES-128 decryption with TS sync trimming.
type Handler struct {
	client  *fetch.Client
	keys    *key.Service
	logger  logger.Logger
	ignore  *regexp.Regexp
	offsets map[string]int64
}

// NewHandler creates a handler. Segments whose file name matches one of ignoreNames
// followed by ".ts" are skipped.
func NewHandler(client *fetch.Client, keys *key.Service, ignoreNames []string, log logger.Logger) *Handler {
	h := &Handler{
		client:  client,
		keys:    keys,
		logger:  log,
		offsets: make(map[string]int64),
	}
	if len(ignoreNames) > 0 {
		seen := make(map[string]bool)
		var quoted []string
		for _, name := range ignoreNames {
			if !seen[name] {
				seen[name] = true
				quoted = append(quoted, regexp.QuoteMeta(name))
			}
		}
		h.ignore = regexp.MustCompile(`(?i)(?:` + strings.Join(quoted, "|") + `)\.ts`)
	}
	return h
}

// Request builds the segment request. A range without an explicit offset continues
// from the end of the previous range requested for the same URL.
func (h *Handler) Request(ctx context.Context, seg *models.Segment) (*http.Request, error) {
	if h.ignore != nil && h.ignore.MatchString(seg.URL) {
		return nil, nil
	}
	req, err := h.client.NewRequest(ctx, seg.URL)
	if err != nil {
		return nil, err
	}
	if br := seg.ByteRange; br != nil {
		start := h.offsets[seg.URL]
		if br.HasOffset {
			start = br.Offset
		}
		req.Header.Set("Range", br.Header(start))
		h.offsets[seg.URL] = start + max(br.Length, 1)
	}
	return req, nil
}

// Write decrypts encrypted segments and writes the payload once.
func (h *Handler) Write(ctx context.Context, seg *models.Segment, data []byte, w io.Writer) error {
	if seg.Key == nil || seg.Key.Method == "NONE" {
		_, err := w.Write(data)
		return err
	}

	keyData, err := h.keys.GetKey(ctx, seg.Key)
	if err != nil {
		return err
	}
	iv := seg.Key.IV
	if iv == nil {
		iv = ivForSequence(seg.Ordinal)
	}
	if garbage := len(data) % 16; garbage > 0 {
		h.logger.Debugf("Cutting off %d bytes of garbage before decrypting segment %s", garbage, seg)
	}
	plain, err := decryptSegment(data, keyData, iv)
	if err != nil {
		return fmt.Errorf("failed to decrypt segment %s: %w", seg, err)
	}
	plain, err = trimToSync(plain)
	if err != nil {
		return fmt.Errorf("segment %s: %w", seg, err)
	}
	_, err = w.Write(plain)
	return err
}
