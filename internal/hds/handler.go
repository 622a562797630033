package hds

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"segdl/internal/fetch"
	"segdl/internal/models"
)

// Handler requests HDS fragments and remuxes the FLV tags of their mdat boxes into one FLV stream.
// Write is called in ordinal order from a single goroutine, which owns the concat state.
type Handler struct {
	client *fetch.Client
	concat *concat
}

// NewHandler creates a handler. metadata is the onMetaData body written before the first tag.
func NewHandler(client *fetch.Client, metadata []byte) *Handler {
	return &Handler{client: client, concat: newConcat(metadata)}
}

// Request builds the fragment request.
func (h *Handler) Request(ctx context.Context, seg *models.Segment) (*http.Request, error) {
	return h.client.NewRequest(ctx, seg.URL)
}

// Write extracts the fragment tags and appends them to w.
func (h *Handler) Write(_ context.Context, seg *models.Segment, data []byte, w io.Writer) error {
	mdat, err := findMdat(data)
	if err != nil {
		return fmt.Errorf("fragment %s: %w", seg.Name, err)
	}
	tags, err := readTags(mdat)
	if err != nil {
		return fmt.Errorf("fragment %s: %w", seg.Name, err)
	}
	return h.concat.write(w, tags)
}
