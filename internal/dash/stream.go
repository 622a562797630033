package dash

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"segdl/internal/config"
	"segdl/internal/fetch"
	"segdl/internal/logger"
	"segdl/internal/models"
	"segdl/internal/segmented"
)

// Name returns the quality name of a representation: "<height>p" for video with a known
// height, otherwise "<kbps>k".
func (r Representation) Name() string {
	if r.Height > 0 {
		return fmt.Sprintf("%dp", r.Height)
	}
	return fmt.Sprintf("%dk", r.Bandwidth/1000)
}

func (m *MPD) isVideo(r Representation) bool {
	return strings.HasPrefix(r.MimeType, "video") || m.AdaptationSets[r.AdaptationSet].ContentType == "video"
}

func (m *MPD) isAudio(r Representation) bool {
	return strings.HasPrefix(r.MimeType, "audio") || m.AdaptationSets[r.AdaptationSet].ContentType == "audio"
}

// SelectRepresentation picks a representation of the first period for quality: "best", "worst",
// "<height>p" or "<kbps>k". Video is preferred; audio-only manifests select among audio.
func SelectRepresentation(m *MPD, quality string) (int, error) {
	var video, audio []int
	protected := 0
	for _, ai := range m.Periods[0].AdaptationSets {
		as := m.AdaptationSets[ai]
		for _, ri := range as.Representations {
			if as.Protected {
				protected++
				continue
			}
			switch r := m.Representations[ri]; {
			case m.isVideo(r):
				video = append(video, ri)
			case m.isAudio(r):
				audio = append(audio, ri)
			}
		}
	}
	candidates := video
	if len(candidates) == 0 {
		candidates = audio
	}
	if len(candidates) == 0 {
		if protected > 0 {
			return none, fmt.Errorf("%w: all representations are protected", models.ErrUnsupportedStream)
		}
		return none, fmt.Errorf("no playable representations found")
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := m.Representations[candidates[i]], m.Representations[candidates[j]]
		if a.Height != b.Height {
			return a.Height < b.Height
		}
		return a.Bandwidth < b.Bandwidth
	})

	quality = strings.ToLower(strings.TrimSpace(quality))
	switch {
	case quality == "" || quality == "best":
		return candidates[len(candidates)-1], nil
	case quality == "worst":
		return candidates[0], nil
	case strings.HasSuffix(quality, "p"):
		if height, err := strconv.Atoi(strings.TrimSuffix(quality, "p")); err == nil {
			for i := len(candidates) - 1; i >= 0; i-- {
				if m.Representations[candidates[i]].Height == height {
					return candidates[i], nil
				}
			}
		}
	case strings.HasSuffix(quality, "k"):
		if kbps, err := strconv.ParseInt(strings.TrimSuffix(quality, "k"), 10, 64); err == nil {
			for _, ri := range candidates {
				if m.Representations[ri].Bandwidth/1000 == kbps {
					return ri, nil
				}
			}
		}
	}

	names := make([]string, 0, len(candidates))
	for _, ri := range candidates {
		names = append(names, m.Representations[ri].Name())
	}
	return none, fmt.Errorf("quality '%s' not found, available: %s", quality, strings.Join(names, ", "))
}

// OpenStream loads the MPD at url, selects a representation and opens it as a segmented stream.
func OpenStream(ctx context.Context, client *fetch.Client, url string, cfg *config.Options, log logger.Logger) (*segmented.Reader, error) {
	log = log.With("protocol", "dash")
	m, err := LoadMPD(ctx, client, url, cfg.PlaylistReloadAttempts, cfg.HTTPTimeout, log)
	if err != nil {
		return nil, err
	}
	ri, err := SelectRepresentation(m, cfg.Quality)
	if err != nil {
		return nil, err
	}
	r := m.Representations[ri]
	log.Infof("Opening DASH reader for: %s (%s), %s %d bps", r.ID, r.MimeType, r.Name(), r.Bandwidth)

	source := NewSource(client, m, r.ID, r.MimeType, cfg.HTTPTimeout, log.With("representation", r.ID))
	return segmented.Open(ctx, source, NewHandler(client), client, segmented.NewOptions(cfg, "dash"), log)
}
