package dash

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"time"

	"segdl/internal/models"
)

var templateIdentifier = regexp.MustCompile(`\$(\w*)(?:%([\w.]+))?\$`)

// templateVars holds the values substituted into segment URL templates.
type templateVars struct {
	RepresentationID string
	Bandwidth        int64
	Number           uint64
	Time             uint64
}

// formatTemplate expands $RepresentationID$, $Number$, $Time$ and $Bandwidth$ identifiers,
// with an optional printf width such as $Number%05d$. "$$" is a literal dollar sign.
func formatTemplate(tmpl string, v templateVars) string {
	return templateIdentifier.ReplaceAllStringFunc(tmpl, func(m string) string {
		sub := templateIdentifier.FindStringSubmatch(m)
		var value any
		switch sub[1] {
		case "":
			return "$"
		case "RepresentationID":
			return v.RepresentationID
		case "Number":
			value = v.Number
		case "Time":
			value = v.Time
		case "Bandwidth":
			value = v.Bandwidth
		default:
			return m
		}
		if sub[2] == "" {
			return fmt.Sprint(value)
		}
		return fmt.Sprintf("%"+sub[2], value)
	})
}

// track is the per-representation emission state kept across manifest reloads.
type track struct {
	initDone bool
	done     bool

	// last emitted timeline timestamp
	lastTime uint64
	hasTime  bool

	// next number for number templates and segment lists
	nextNumber uint64
	// wall clock anchor of dynamic number templates
	anchored     bool
	anchorNumber uint64
	anchorAt     time.Time
}

// timelineSegment is one expanded entry of a SegmentTimeline.
type timelineSegment struct {
	t, d   uint64
	number uint64
}

// expandTimeline flattens S elements, resolving omitted t values and repeat counts.
// A negative repeat count repeats until the next S element or until end, in timescale units.
func expandTimeline(entries []TimelineEntry, startNumber, end uint64) []timelineSegment {
	var out []timelineSegment
	var t uint64
	n := startNumber
	for i, e := range entries {
		if e.HasT {
			t = e.T
		}
		if e.D == 0 {
			continue
		}
		repeat := e.R
		if repeat < 0 {
			limit := end
			if i+1 < len(entries) && entries[i+1].HasT {
				limit = entries[i+1].T
			}
			repeat = 0
			if limit > t {
				repeat = int((limit-t+e.D-1)/e.D) - 1
			}
		}
		for r := 0; r <= repeat; r++ {
			out = append(out, timelineSegment{t: t, d: e.D, number: n})
			t += e.D
			n++
		}
	}
	return out
}

func (s *Source) segments(ctx context.Context, m *MPD, ri int, now time.Time) ([]*models.Segment, error) {
	if tmpl := m.segmentTemplate(ri); tmpl != nil {
		return s.templateSegments(m, ri, tmpl, now)
	}
	if list := m.segmentList(ri); list != nil {
		return s.listSegments(m, ri, list), nil
	}
	if base := m.segmentBase(ri); base != nil {
		return s.baseSegments(ctx, m, ri, base)
	}
	if s.track.done {
		return nil, nil
	}
	s.track.done = true
	r := m.Representations[ri]
	return []*models.Segment{{URL: r.BaseURL, IsContent: true, Name: segmentName(r.BaseURL)}}, nil
}

func (s *Source) templateSegments(m *MPD, ri int, tmpl *SegmentTemplate, now time.Time) ([]*models.Segment, error) {
	r := m.Representations[ri]
	vars := templateVars{RepresentationID: r.ID, Bandwidth: r.Bandwidth}

	var out []*models.Segment
	if !s.track.initDone {
		s.track.initDone = true
		if tmpl.Initialization != "" {
			u := joinURL(r.BaseURL, formatTemplate(tmpl.Initialization, vars))
			out = append(out, &models.Segment{URL: u, IsInit: true, Name: segmentName(u)})
		}
	}

	media := func(number, t uint64) string {
		v := vars
		v.Number, v.Time = number, t
		return joinURL(r.BaseURL, formatTemplate(tmpl.Media, v))
	}

	switch {
	case len(tmpl.Timeline) > 0:
		return append(out, s.timelineSegments(m, ri, tmpl, media)...), nil
	case tmpl.Duration > 0:
		segs, err := s.numberSegments(m, ri, tmpl, media, now)
		if err != nil {
			return nil, err
		}
		return append(out, segs...), nil
	default:
		return nil, fmt.Errorf("%w: segment template of representation %s has neither duration nor timeline",
			models.ErrUnsupportedStream, r.ID)
	}
}

func (s *Source) timelineSegments(m *MPD, ri int, tmpl *SegmentTemplate, media func(number, t uint64) string) []*models.Segment {
	timescale := float64(tmpl.Timescale)
	end := uint64(m.presentationDuration(m.PeriodOf(ri)).Seconds()*timescale) + tmpl.PresentationTimeOffset
	timeline := expandTimeline(tmpl.Timeline, tmpl.StartNumber, end)

	build := func(ts timelineSegment, availableAt time.Time) *models.Segment {
		u := media(ts.number, ts.t)
		return &models.Segment{
			URL:         u,
			Duration:    float64(ts.d) / timescale,
			IsContent:   true,
			AvailableAt: availableAt,
			Name:        segmentName(u),
		}
	}

	var out []*models.Segment
	if m.Type == TypeStatic {
		for _, ts := range timeline {
			if !s.track.hasTime || ts.t > s.track.lastTime {
				out = append(out, build(ts, time.Time{}))
			}
		}
	} else {
		// Walk back from the publish time. On the first load only the segments within the
		// presentation delay are taken.
		publish := m.PublishTime
		if publish.IsZero() {
			publish = s.now()
		}
		availableAt := publish
		var picked []*models.Segment
		var times []uint64
		for i := len(timeline) - 1; i >= 0; i-- {
			ts := timeline[i]
			if !s.track.hasTime && publish.Sub(availableAt) >= m.SuggestedPresentationDelay {
				break
			}
			if s.track.hasTime && ts.t <= s.track.lastTime {
				break
			}
			picked = append(picked, build(ts, availableAt))
			times = append(times, ts.t)
			availableAt = availableAt.Add(-time.Duration(float64(ts.d) / timescale * float64(time.Second)))
		}
		for i := len(picked) - 1; i >= 0; i-- {
			out = append(out, picked[i])
		}
		if len(times) > 0 {
			s.track.lastTime, s.track.hasTime = times[0], true
		}
		return out
	}
	if n := len(timeline); n > 0 {
		s.track.lastTime, s.track.hasTime = timeline[n-1].t, true
	}
	return out
}

func (s *Source) numberSegments(m *MPD, ri int, tmpl *SegmentTemplate, media func(number, t uint64) string, now time.Time) ([]*models.Segment, error) {
	segDur := float64(tmpl.Duration) / float64(tmpl.Timescale)
	segDuration := time.Duration(segDur * float64(time.Second))
	build := func(n uint64, availableAt time.Time) *models.Segment {
		u := media(n, (n-tmpl.StartNumber)*tmpl.Duration+tmpl.PresentationTimeOffset)
		return &models.Segment{URL: u, Duration: segDur, IsContent: true, AvailableAt: availableAt, Name: segmentName(u)}
	}

	var out []*models.Segment
	if m.Type == TypeStatic {
		total := m.presentationDuration(m.PeriodOf(ri))
		if total <= 0 {
			return nil, fmt.Errorf("%w: static manifest without a presentation duration", models.ErrUnsupportedStream)
		}
		count := uint64(math.Ceil(total.Seconds() / segDur))
		first := max(tmpl.StartNumber, s.track.nextNumber)
		for n := first; n < tmpl.StartNumber+count; n++ {
			out = append(out, build(n, time.Time{}))
		}
		s.track.nextNumber = tmpl.StartNumber + count
		return out, nil
	}

	if !s.track.anchored {
		pto := time.Duration(float64(tmpl.PresentationTimeOffset) / float64(tmpl.Timescale) * float64(time.Second))
		since := now.Sub(m.AvailabilityStartTime) - pto
		behind := since - m.SuggestedPresentationDelay - m.MinBufferTime
		n := tmpl.StartNumber
		if behind > 0 {
			n += uint64(behind.Seconds() / segDur)
		}
		s.track.anchored, s.track.anchorNumber, s.track.anchorAt = true, n, now
		s.track.nextNumber = n
	}
	horizon := now.Add(reloadWait(m))
	for n := s.track.nextNumber; ; n++ {
		at := s.track.anchorAt.Add(time.Duration(n-s.track.anchorNumber) * segDuration)
		if at.After(horizon) {
			s.track.nextNumber = n
			break
		}
		out = append(out, build(n, at))
	}
	return out, nil
}

func (s *Source) listSegments(m *MPD, ri int, list *SegmentList) []*models.Segment {
	r := m.Representations[ri]
	var out []*models.Segment
	if !s.track.initDone {
		s.track.initDone = true
		if init := list.Initialization; init != nil {
			u := joinURL(r.BaseURL, init.SourceURL)
			out = append(out, &models.Segment{URL: u, IsInit: true, ByteRange: init.Range, Name: segmentName(u)})
		}
	}
	var duration float64
	if list.Duration > 0 {
		duration = float64(list.Duration) / float64(list.Timescale)
	}
	for i, su := range list.URLs {
		n := list.StartNumber + uint64(i)
		if n < s.track.nextNumber {
			continue
		}
		u := joinURL(r.BaseURL, su.Media)
		out = append(out, &models.Segment{URL: u, Duration: duration, IsContent: true, ByteRange: su.Range, Name: segmentName(u)})
		s.track.nextNumber = n + 1
	}
	return out
}

func (s *Source) baseSegments(ctx context.Context, m *MPD, ri int, base *SegmentBase) ([]*models.Segment, error) {
	if s.track.done {
		return nil, nil
	}
	r := m.Representations[ri]
	ranges, err := s.indexRanges(ctx, r.BaseURL, base)
	if err != nil {
		return nil, err
	}
	s.track.done = true

	name := segmentName(r.BaseURL)
	var out []*models.Segment
	switch init := base.Initialization; {
	case init != nil && init.Range != nil:
		u := joinURL(r.BaseURL, init.SourceURL)
		out = append(out, &models.Segment{URL: u, IsInit: true, ByteRange: init.Range, Name: name})
	case len(ranges) > 0 && ranges[0].Offset > 0:
		out = append(out, &models.Segment{URL: r.BaseURL, IsInit: true, Name: name,
			ByteRange: &models.ByteRange{Offset: 0, HasOffset: true, Length: min(ranges[0].Offset, indexStart(base))}})
	}
	for i := range ranges {
		out = append(out, &models.Segment{URL: r.BaseURL, IsContent: true, ByteRange: &ranges[i], Name: name})
	}
	return out, nil
}

// indexStart is the offset of the index range, which follows the initialization data.
func indexStart(base *SegmentBase) int64 {
	if base.IndexRange == nil || base.IndexRange.Offset == 0 {
		return math.MaxInt64
	}
	return base.IndexRange.Offset
}

// indexRanges reads the segment index of a SegmentBase resource. When it cannot be parsed the
// resource is split into fixed-size ranges instead.
func (s *Source) indexRanges(ctx context.Context, resource string, base *SegmentBase) ([]models.ByteRange, error) {
	br := base.IndexRange
	if br == nil {
		br = &models.ByteRange{Offset: 0, HasOffset: true, Length: 1}
	}
	resp, err := s.client.Get(ctx, resource, http.Header{"Range": {br.Header(br.Offset)}}, 1, s.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch segment index of %s: %w", resource, err)
	}
	defer resp.Body.Close()

	if base.IndexRange != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read segment index of %s: %w", resource, err)
		}
		offset := br.Offset
		if resp.StatusCode == http.StatusOK {
			// The server ignored the range and returned the whole resource.
			offset = 0
		}
		ranges, err := parseSidx(data, offset)
		if err == nil && len(ranges) > 0 {
			s.logger.Debugf("Read %d index references from %s", len(ranges), resource)
			return ranges, nil
		}
		s.logger.Debugf("Failed to read segment index of %s, splitting into fixed ranges: %v", resource, err)
	}
	ranges, err := fakeSidx(resp, fakeChunkSize)
	if err != nil {
		return nil, fmt.Errorf("failed to split %s: %w", resource, err)
	}
	return ranges, nil
}

func segmentName(u string) string {
	p, err := url.Parse(u)
	if err != nil {
		return path.Base(u)
	}
	return path.Base(p.Path)
}
