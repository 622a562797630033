package hls

import (
	"context"

	"segdl/internal/config"
	"segdl/internal/fetch"
	"segdl/internal/key"
	"segdl/internal/logger"
	"segdl/internal/segmented"
)

// OpenStream resolves url to a media playlist and opens it as a segmented stream.
func OpenStream(ctx context.Context, client *fetch.Client, url string, cfg *config.Options, log logger.Logger) (*segmented.Reader, error) {
	log = log.With("protocol", "hls")
	mediaURL, err := ResolveMediaPlaylist(ctx, client, url, cfg.Quality, cfg.PlaylistReloadAttempts, cfg.HTTPTimeout, log)
	if err != nil {
		return nil, err
	}
	keys := key.NewService(client, cfg.Keys, cfg.KeyURIOverride, cfg.SegmentAttempts, cfg.SegmentTimeout, log)
	source := NewSource(client, mediaURL, cfg.HTTPTimeout, log)
	handler := NewHandler(client, keys, cfg.IgnoreNames, log)
	return segmented.Open(ctx, source, handler, client, segmented.NewOptions(cfg, "hls"), log)
}
