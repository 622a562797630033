package hds

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"segdl/internal/config"
	"segdl/internal/fetch"
	"segdl/internal/logger"
	"segdl/internal/segmented"
)

// rank orders media names: "<height>p" above "<kbps>k", each by its number.
func rank(m *Media) (int, int64) {
	if h, ok := strings.CutSuffix(m.Name, "p"); ok {
		if n, err := strconv.ParseInt(h, 10, 64); err == nil {
			return 2, n
		}
	}
	return 1, m.Bitrate
}

// SelectMedia picks the media named by quality: "best", "worst" or an exact name such as "720p".
func SelectMedia(media []*Media, quality string) (*Media, error) {
	if len(media) == 0 {
		return nil, fmt.Errorf("no media available")
	}
	sorted := append([]*Media(nil), media...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ci, vi := rank(sorted[i])
		cj, vj := rank(sorted[j])
		if ci != cj {
			return ci < cj
		}
		return vi < vj
	})

	quality = strings.ToLower(strings.TrimSpace(quality))
	switch quality {
	case "", "best":
		return sorted[len(sorted)-1], nil
	case "worst":
		return sorted[0], nil
	}
	names := make([]string, 0, len(sorted))
	for _, m := range sorted {
		if strings.ToLower(m.Name) == quality {
			return m, nil
		}
		names = append(names, m.Name)
	}
	return nil, fmt.Errorf("quality '%s' not found, available: %s", quality, strings.Join(names, ", "))
}

// OpenStream parses the F4M manifest at url, selects a media and opens it as a segmented
// stream producing FLV.
func OpenStream(ctx context.Context, client *fetch.Client, url string, cfg *config.Options, log logger.Logger) (*segmented.Reader, error) {
	log = log.With("protocol", "hds")
	media, err := ParseManifest(ctx, client, url, cfg.PlaylistReloadAttempts, cfg.HTTPTimeout, log)
	if err != nil {
		return nil, err
	}
	m, err := SelectMedia(media, cfg.Quality)
	if err != nil {
		return nil, err
	}
	log.Infof("Opening HDS reader for: %s (%s)", m.Name, joinURL(m.BaseURL, m.Path))

	source := NewSource(client, m, cfg.HDSLiveEdge, cfg.HTTPTimeout, log.With("media", m.Name))
	return segmented.Open(ctx, source, NewHandler(client, m.Metadata), client, segmented.NewOptions(cfg, "hds"), log)
}
