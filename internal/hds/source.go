package hds

import (
	"context"
	"fmt"
	"math"
	"time"

	"segdl/internal/fetch"
	"segdl/internal/logger"
	"segdl/internal/models"
	"segdl/internal/segmented"
)

// minReload is the lower bound of the bootstrap reload interval.
const minReload = 2 * time.Second

// Source is a segmented.Manifest over the bootstrap of one HDS media. Each fragment becomes one
// segment whose ordinal is its fragment number.
type Source struct {
	client   *fetch.Client
	media    *Media
	timeout  time.Duration
	liveEdge float64
	logger   logger.Logger

	next uint32
	end  uint32
}

// NewSource creates a source for media. liveEdge is the live start distance in seconds.
func NewSource(client *fetch.Client, media *Media, liveEdge float64, timeout time.Duration, log logger.Logger) *Source {
	return &Source{
		client:   client,
		media:    media,
		timeout:  timeout,
		liveEdge: liveEdge,
		logger:   log,
	}
}

// load returns the inline bootstrap, or fetches the remote one again.
func (s *Source) load(ctx context.Context) (*Bootstrap, error) {
	if s.media.BootstrapURL == "" {
		return s.media.Bootstrap, nil
	}
	s.logger.Debugf("Updating bootstrap from %s", s.media.BootstrapURL)
	data, _, err := s.client.GetBytes(ctx, withQuery(s.media.BootstrapURL, s.media.Query), 1, s.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bootstrap: %w", err)
	}
	return ParseBootstrap(data)
}

// Refresh returns the fragments that became available since the last call.
func (s *Source) Refresh(ctx context.Context) (*segmented.Update, error) {
	b, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	first, last := b.fragmentRange()
	duration, invalid, end := b.fragmentInfo(last)
	if end > 0 {
		s.end = end
	}
	if duration <= 0 {
		return nil, fmt.Errorf("%w: bootstrap has no fragment duration", models.ErrUnsupportedStream)
	}
	s.logger.Debugf("Current timestamp: %.3f, fragments %d-%d, end fragment %d",
		float64(b.CurrentMediaTime)/float64(max(b.TimeScale, 1)), first, last, s.end)

	from := max(first, s.next)
	to := last
	if s.end > 0 {
		to = min(to, s.end)
	}
	var segments []*models.Segment
	for n := uint64(from); n <= uint64(to); n++ {
		f := uint32(n)
		if invalid[f] {
			continue
		}
		segment := b.segmentOf(f, first, last)
		fd, _, _ := b.fragmentInfo(f)
		segments = append(segments, &models.Segment{
			URL:       s.media.FragmentURL(segment, f),
			Ordinal:   uint64(f),
			Duration:  fd,
			IsContent: true,
			Name:      fmt.Sprintf("Seg%d-Frag%d", segment, f),
		})
	}
	if to >= from {
		s.next = to + 1
	}

	return &segmented.Update{
		Segments:       segments,
		End:            !b.Live || (s.end > 0 && last >= s.end),
		Live:           b.Live,
		EdgeCount:      int(math.Ceil(s.liveEdge / duration)),
		TargetDuration: time.Duration(duration * float64(time.Second)),
		MinReload:      minReload,
	}, nil
}
