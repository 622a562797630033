package dash

import (
	"context"
	"fmt"
	"time"

	"segdl/internal/fetch"
	"segdl/internal/logger"
	"segdl/internal/segmented"
)

const (
	// minReload is the lower bound of the manifest reload interval.
	minReload = 2 * time.Second
	// defaultReload applies when the manifest gives neither an update period nor a period duration.
	defaultReload = 5 * time.Second
)

// Source is a segmented.Manifest following one representation of an MPD.
type Source struct {
	client   *fetch.Client
	url      string
	timeout  time.Duration
	logger   logger.Logger
	repID    string
	mimeType string

	mpd   *MPD
	track track
	seq   uint64
	now   func() time.Time
}

// NewSource creates a source for the representation identified by repID and mimeType. mpd is the
// already loaded manifest used by the first Refresh; later calls reload it from its URL.
func NewSource(client *fetch.Client, mpd *MPD, repID, mimeType string, timeout time.Duration, log logger.Logger) *Source {
	return &Source{
		client:   client,
		url:      mpd.URL,
		timeout:  timeout,
		logger:   log,
		repID:    repID,
		mimeType: mimeType,
		mpd:      mpd,
		now:      time.Now,
	}
}

// LoadMPD fetches and parses the manifest at url.
func LoadMPD(ctx context.Context, client *fetch.Client, url string, attempts int, timeout time.Duration, log logger.Logger) (*MPD, error) {
	log.Debugf("Fetching MPD from URL: %s", url)
	data, finalURL, err := client.GetBytes(ctx, url, attempts, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch MPD from %s: %w", url, err)
	}
	m, err := ParseMPD(data, finalURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MPD from %s: %w", finalURL, err)
	}
	log.Debugf("Parsed %s MPD with profiles %s from %s", m.Type, m.Profiles, finalURL)
	return m, nil
}

// Refresh returns the segments of the representation that appeared since the last call.
// Ordinals count emitted segments, so they stay monotonic across reloads.
func (s *Source) Refresh(ctx context.Context) (*segmented.Update, error) {
	m := s.mpd
	s.mpd = nil
	if m == nil {
		s.logger.Debugf("Reloading manifest (%s:%s)", s.repID, s.mimeType)
		var err error
		if m, err = LoadMPD(ctx, s.client, s.url, 1, s.timeout, s.logger); err != nil {
			return nil, err
		}
	}
	s.url = m.URL

	ri, ok := m.Representation(s.repID, s.mimeType)
	if !ok {
		return nil, fmt.Errorf("representation %s (%s) not found in manifest %s", s.repID, s.mimeType, m.URL)
	}
	segments, err := s.segments(ctx, m, ri, s.now())
	if err != nil {
		return nil, err
	}
	for _, seg := range segments {
		seg.Ordinal = s.seq
		s.seq++
	}
	if n := len(segments); n > 0 {
		s.logger.Debugf("Manifest yields segments %d-%d", segments[0].Ordinal, segments[n-1].Ordinal)
	}

	return &segmented.Update{
		Segments:       segments,
		End:            m.Type == TypeStatic,
		TargetDuration: reloadWait(m),
		MinReload:      minReload,
	}, nil
}

// reloadWait is the larger of the minimum update period and the first period duration.
func reloadWait(m *MPD) time.Duration {
	wait := max(m.MinimumUpdatePeriod, m.Periods[0].Duration)
	if wait <= 0 {
		return defaultReload
	}
	return wait
}
