// Package hls follows HLS media playlists and decrypts their segments.
package hls

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"segdl/internal/fetch"
	"segdl/internal/logger"
	"segdl/internal/models"
	"segdl/internal/segmented"
)

// minReload is the lower bound of the playlist reload interval.
const minReload = time.Second

// Source is a segmented.Manifest backed by an HLS media playlist.
type Source struct {
	client  *fetch.Client
	url     string
	timeout time.Duration
	logger  logger.Logger
}

// NewSource creates a source for the media playlist at url.
func NewSource(client *fetch.Client, url string, timeout time.Duration, log logger.Logger) *Source {
	return &Source{client: client, url: url, timeout: timeout, logger: log}
}

// Refresh fetches and parses the playlist.
func (s *Source) Refresh(ctx context.Context) (*segmented.Update, error) {
	s.logger.Debugf("Reloading playlist %s", s.url)
	data, finalURL, err := s.client.GetBytes(ctx, s.url, 1, s.timeout)
	if err != nil {
		return nil, err
	}
	p, err := ParsePlaylist(string(data), finalURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist %s: %w", finalURL, err)
	}
	if p.IsMaster {
		return nil, fmt.Errorf("%w: attempted to play a variant playlist %s", models.ErrUnsupportedStream, s.url)
	}
	if p.IFramesOnly {
		return nil, fmt.Errorf("%w: streams containing I-frames only are not playable", models.ErrUnsupportedStream)
	}

	u := &segmented.Update{
		End:       p.EndList,
		Live:      !p.EndList,
		MinReload: minReload,
	}
	for i, ps := range p.Segments {
		u.Segments = append(u.Segments, &models.Segment{
			URL:       ps.URI,
			Ordinal:   p.MediaSequence + uint64(i),
			Duration:  ps.Duration,
			IsContent: true,
			ByteRange: ps.ByteRange,
			Key:       ps.Key,
			Name:      segmentName(ps.URI),
		})
	}

	target := p.TargetDuration
	if target == 0 && len(p.Segments) > 0 {
		target = p.Segments[len(p.Segments)-1].Duration
	}
	u.TargetDuration = time.Duration(target * float64(time.Second))
	if n := len(u.Segments); n > 0 {
		if u.Segments[0].Key != nil {
			s.logger.Debugf("Segments in this playlist are encrypted")
		}
		s.logger.Debugf("Playlist sequences %d-%d, endlist=%t", u.Segments[0].Ordinal, u.Segments[n-1].Ordinal, p.EndList)
	}
	return u, nil
}

func segmentName(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return path.Base(uri)
	}
	return path.Base(u.Path)
}
