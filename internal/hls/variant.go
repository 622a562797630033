package hls

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"segdl/internal/fetch"
	"segdl/internal/logger"
)

// Name returns the quality name of a variant: "<height>p" when the resolution is known,
// otherwise "<kbps>k".
func (v Variant) Name() string {
	if v.Height > 0 {
		return fmt.Sprintf("%dp", v.Height)
	}
	if v.Bandwidth > 0 {
		return fmt.Sprintf("%dk", v.Bandwidth/1000)
	}
	return ""
}

// SelectVariant picks a playable variant for quality: "best", "worst", "<height>p" or "<kbps>k".
func SelectVariant(variants []Variant, quality string) (*Variant, error) {
	var playable []Variant
	for _, v := range variants {
		if !v.IFrameOnly && v.URI != "" {
			playable = append(playable, v)
		}
	}
	if len(playable) == 0 {
		return nil, fmt.Errorf("no playable variants found")
	}
	sort.SliceStable(playable, func(i, j int) bool {
		if playable[i].Height != playable[j].Height {
			return playable[i].Height < playable[j].Height
		}
		return playable[i].Bandwidth < playable[j].Bandwidth
	})

	quality = strings.ToLower(strings.TrimSpace(quality))
	switch {
	case quality == "" || quality == "best":
		return &playable[len(playable)-1], nil
	case quality == "worst":
		return &playable[0], nil
	case strings.HasSuffix(quality, "p"):
		height, err := strconv.Atoi(strings.TrimSuffix(quality, "p"))
		if err != nil {
			break
		}
		for i := len(playable) - 1; i >= 0; i-- {
			if playable[i].Height == height {
				return &playable[i], nil
			}
		}
	case strings.HasSuffix(quality, "k"):
		kbps, err := strconv.ParseInt(strings.TrimSuffix(quality, "k"), 10, 64)
		if err != nil {
			break
		}
		for i := range playable {
			if playable[i].Bandwidth/1000 == kbps {
				return &playable[i], nil
			}
		}
	}

	names := make([]string, 0, len(playable))
	for _, v := range playable {
		names = append(names, v.Name())
	}
	return nil, fmt.Errorf("quality '%s' not found, available: %s", quality, strings.Join(names, ", "))
}

// ResolveMediaPlaylist returns the media playlist URL for url. Master playlists are resolved
// to the variant matching quality; media playlists are returned as is.
func ResolveMediaPlaylist(ctx context.Context, client *fetch.Client, url, quality string, attempts int, timeout time.Duration, log logger.Logger) (string, error) {
	data, finalURL, err := client.GetBytes(ctx, url, attempts, timeout)
	if err != nil {
		return "", fmt.Errorf("failed to fetch playlist %s: %w", url, err)
	}
	p, err := ParsePlaylist(string(data), finalURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse playlist %s: %w", finalURL, err)
	}
	if !p.IsMaster {
		return finalURL, nil
	}
	v, err := SelectVariant(p.Variants, quality)
	if err != nil {
		return "", err
	}
	log.Infof("Selected variant %s (%d bps) from %s", v.Name(), v.Bandwidth, url)
	return v.URI, nil
}
