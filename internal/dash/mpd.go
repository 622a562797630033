// Package dash follows MPEG-DASH manifests and turns one representation into a segment sequence.
package dash

import (
	"cmp"
	"encoding/xml"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"segdl/internal/models"

	"github.com/PaesslerAG/gval"
	"github.com/rickb777/date/period"
)

// defaultPresentationDelay applies when suggestedPresentationDelay is absent or zero.
const defaultPresentationDelay = 3 * time.Second

// Manifest types.
const (
	TypeStatic  = "static"
	TypeDynamic = "dynamic"
)

// none marks an absent arena index.
const none = -1

// xmlMPD and the types below mirror the MPD document. They are only used for decoding;
// the decoded tree is flattened into an MPD arena by ParseMPD.
type xmlMPD struct {
	XMLName                    xml.Name    `xml:"MPD"`
	ID                         string      `xml:"id,attr"`
	Type                       string      `xml:"type,attr"`
	Profiles                   string      `xml:"profiles,attr"`
	MinimumUpdatePeriod        string      `xml:"minimumUpdatePeriod,attr"`
	MinBufferTime              string      `xml:"minBufferTime,attr"`
	TimeShiftBufferDepth       string      `xml:"timeShiftBufferDepth,attr"`
	SuggestedPresentationDelay string      `xml:"suggestedPresentationDelay,attr"`
	MediaPresentationDuration  string      `xml:"mediaPresentationDuration,attr"`
	AvailabilityStartTime      string      `xml:"availabilityStartTime,attr"`
	PublishTime                string      `xml:"publishTime,attr"`
	Location                   string      `xml:"Location"`
	BaseURLs                   []string    `xml:"BaseURL"`
	Periods                    []xmlPeriod `xml:"Period"`
}

type xmlPeriod struct {
	ID              string             `xml:"id,attr"`
	Start           string             `xml:"start,attr"`
	Duration        string             `xml:"duration,attr"`
	BaseURLs        []string           `xml:"BaseURL"`
	SegmentTemplate *xmlSegmentTemplate `xml:"SegmentTemplate"`
	SegmentList     *xmlSegmentList     `xml:"SegmentList"`
	SegmentBase     *xmlSegmentBase     `xml:"SegmentBase"`
	AdaptationSets  []xmlAdaptationSet  `xml:"AdaptationSet"`
}

type xmlAdaptationSet struct {
	ID                 string              `xml:"id,attr"`
	MimeType           string              `xml:"mimeType,attr"`
	ContentType        string              `xml:"contentType,attr"`
	Lang               string              `xml:"lang,attr"`
	BaseURLs           []string            `xml:"BaseURL"`
	SegmentTemplate    *xmlSegmentTemplate `xml:"SegmentTemplate"`
	SegmentList        *xmlSegmentList     `xml:"SegmentList"`
	SegmentBase        *xmlSegmentBase     `xml:"SegmentBase"`
	ContentProtections []struct {
		SchemeIDURI string `xml:"schemeIdUri,attr"`
	} `xml:"ContentProtection"`
	Representations []xmlRepresentation `xml:"Representation"`
}

type xmlRepresentation struct {
	ID              string              `xml:"id,attr"`
	Bandwidth       int64               `xml:"bandwidth,attr"`
	MimeType        string              `xml:"mimeType,attr"`
	Codecs          string              `xml:"codecs,attr"`
	Lang            string              `xml:"lang,attr"`
	Width           int                 `xml:"width,attr"`
	Height          int                 `xml:"height,attr"`
	FrameRate       string              `xml:"frameRate,attr"`
	BaseURLs        []string            `xml:"BaseURL"`
	SegmentTemplate *xmlSegmentTemplate `xml:"SegmentTemplate"`
	SegmentList     *xmlSegmentList     `xml:"SegmentList"`
	SegmentBase     *xmlSegmentBase     `xml:"SegmentBase"`
}

type xmlSegmentTemplate struct {
	Initialization         string              `xml:"initialization,attr"`
	Media                  string              `xml:"media,attr"`
	Timescale              *uint64             `xml:"timescale,attr"`
	Duration               *uint64             `xml:"duration,attr"`
	StartNumber            *uint64             `xml:"startNumber,attr"`
	PresentationTimeOffset *uint64             `xml:"presentationTimeOffset,attr"`
	Timeline               *xmlSegmentTimeline `xml:"SegmentTimeline"`
}

type xmlSegmentTimeline struct {
	S []struct {
		T *uint64 `xml:"t,attr"`
		D uint64  `xml:"d,attr"`
		R int     `xml:"r,attr"`
	} `xml:"S"`
}

type xmlInitialization struct {
	SourceURL string `xml:"sourceURL,attr"`
	Range     string `xml:"range,attr"`
}

type xmlSegmentList struct {
	Timescale      *uint64            `xml:"timescale,attr"`
	Duration       *uint64            `xml:"duration,attr"`
	StartNumber    *uint64            `xml:"startNumber,attr"`
	Initialization *xmlInitialization `xml:"Initialization"`
	SegmentURLs    []struct {
		Media      string `xml:"media,attr"`
		MediaRange string `xml:"mediaRange,attr"`
	} `xml:"SegmentURL"`
}

type xmlSegmentBase struct {
	IndexRange     string             `xml:"indexRange,attr"`
	Initialization *xmlInitialization `xml:"Initialization"`
}

// MPD is a parsed media presentation description. Elements are stored in flat slices
// and refer to their parent by index.
type MPD struct {
	ID                         string
	URL                        string
	BaseURL                    string
	Type                       string
	Profiles                   string
	MinimumUpdatePeriod        time.Duration
	MinBufferTime              time.Duration
	TimeShiftBufferDepth       time.Duration
	SuggestedPresentationDelay time.Duration
	MediaPresentationDuration  time.Duration
	AvailabilityStartTime      time.Time
	PublishTime                time.Time

	Periods         []Period
	AdaptationSets  []AdaptationSet
	Representations []Representation
	Templates       []SegmentTemplate
	Lists           []SegmentList
	Bases           []SegmentBase
}

// Period is a timed part of the presentation.
type Period struct {
	ID             string
	Start          time.Duration
	Duration       time.Duration
	BaseURL        string
	Template       int
	List           int
	Base           int
	AdaptationSets []int
}

// AdaptationSet groups interchangeable representations.
type AdaptationSet struct {
	Period          int
	ID              string
	MimeType        string
	ContentType     string
	Lang            string
	BaseURL         string
	Protected       bool
	Template        int
	List            int
	Base            int
	Representations []int
}

// Representation is one encoded version of the content.
type Representation struct {
	AdaptationSet int
	ID            string
	Bandwidth     int64
	MimeType      string
	Codecs        string
	Lang          string
	Width         int
	Height        int
	FrameRate     float64
	BaseURL       string
	Template      int
	List          int
	Base          int
}

// SegmentTemplate describes segment URLs built from a template. Attributes missing on an element
// are inherited from the template of the enclosing element.
type SegmentTemplate struct {
	Parent                 int
	Initialization         string
	Media                  string
	Timescale              uint64
	Duration               uint64
	StartNumber            uint64
	PresentationTimeOffset uint64
	Timeline               []TimelineEntry
}

// TimelineEntry is one S element of a SegmentTimeline.
type TimelineEntry struct {
	T    uint64
	HasT bool
	D    uint64
	R    int
}

// SegmentList enumerates segment URLs explicitly.
type SegmentList struct {
	Timescale      uint64
	Duration       uint64
	StartNumber    uint64
	Initialization *Initialization
	URLs           []SegmentURL
}

// SegmentURL is one entry of a SegmentList.
type SegmentURL struct {
	Media string
	Range *models.ByteRange
}

// Initialization locates the initialization segment.
type Initialization struct {
	SourceURL string
	Range     *models.ByteRange
}

// SegmentBase describes a single indexed resource.
type SegmentBase struct {
	IndexRange     *models.ByteRange
	Initialization *Initialization
}

// ParseMPD decodes an MPD document. manifestURL is the final URL the document was fetched from.
func ParseMPD(data []byte, manifestURL string) (*MPD, error) {
	var doc xmlMPD
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal MPD XML: %w", err)
	}
	if len(doc.Periods) == 0 {
		return nil, fmt.Errorf("no Period in MPD")
	}

	m := &MPD{
		ID:       doc.ID,
		URL:      manifestURL,
		Type:     doc.Type,
		Profiles: doc.Profiles,
	}
	if m.Type == "" {
		m.Type = TypeStatic
	}
	if m.Type != TypeStatic && m.Type != TypeDynamic {
		return nil, fmt.Errorf("invalid MPD@type %q", doc.Type)
	}

	var err error
	durations := []struct {
		dst  *time.Duration
		src  string
		name string
	}{
		{&m.MinimumUpdatePeriod, doc.MinimumUpdatePeriod, "minimumUpdatePeriod"},
		{&m.MinBufferTime, doc.MinBufferTime, "minBufferTime"},
		{&m.TimeShiftBufferDepth, doc.TimeShiftBufferDepth, "timeShiftBufferDepth"},
		{&m.MediaPresentationDuration, doc.MediaPresentationDuration, "mediaPresentationDuration"},
	}
	for _, d := range durations {
		if *d.dst, err = parseDuration(d.src); err != nil {
			return nil, fmt.Errorf("invalid MPD@%s: %w", d.name, err)
		}
	}
	if m.SuggestedPresentationDelay, err = parseDuration(doc.SuggestedPresentationDelay); err != nil {
		return nil, fmt.Errorf("invalid MPD@suggestedPresentationDelay: %w", err)
	}
	if m.SuggestedPresentationDelay <= 0 {
		m.SuggestedPresentationDelay = defaultPresentationDelay
	}
	if m.AvailabilityStartTime, err = parseDateTime(doc.AvailabilityStartTime); err != nil {
		return nil, fmt.Errorf("invalid MPD@availabilityStartTime: %w", err)
	}
	if m.PublishTime, err = parseDateTime(doc.PublishTime); err != nil {
		return nil, fmt.Errorf("invalid MPD@publishTime: %w", err)
	}
	if m.Type == TypeDynamic && m.AvailabilityStartTime.IsZero() {
		return nil, fmt.Errorf("dynamic MPD requires availabilityStartTime")
	}

	m.BaseURL = baseOf(manifestURL)
	if loc := strings.TrimSpace(doc.Location); loc != "" {
		m.URL = joinURL(m.BaseURL, loc)
		m.BaseURL = baseOf(m.URL)
	}
	m.BaseURL = joinBaseURLs(m.BaseURL, doc.BaseURLs)

	for i := range doc.Periods {
		if err := m.addPeriod(&doc.Periods[i]); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MPD) addPeriod(xp *xmlPeriod) error {
	p := Period{ID: xp.ID, BaseURL: joinBaseURLs(m.BaseURL, xp.BaseURLs)}
	var err error
	if p.Start, err = parseDuration(xp.Start); err != nil {
		return fmt.Errorf("invalid Period@start: %w", err)
	}
	if p.Duration, err = parseDuration(xp.Duration); err != nil {
		return fmt.Errorf("invalid Period@duration: %w", err)
	}
	if p.Template, err = m.addTemplate(xp.SegmentTemplate, none); err != nil {
		return err
	}
	if p.List, err = m.addList(xp.SegmentList); err != nil {
		return err
	}
	if p.Base, err = m.addBase(xp.SegmentBase); err != nil {
		return err
	}

	pi := len(m.Periods)
	m.Periods = append(m.Periods, p)
	for i := range xp.AdaptationSets {
		ai, err := m.addAdaptationSet(pi, &xp.AdaptationSets[i])
		if err != nil {
			return err
		}
		m.Periods[pi].AdaptationSets = append(m.Periods[pi].AdaptationSets, ai)
	}
	return nil
}

func (m *MPD) addAdaptationSet(pi int, xa *xmlAdaptationSet) (int, error) {
	period := m.Periods[pi]
	as := AdaptationSet{
		Period:      pi,
		ID:          xa.ID,
		MimeType:    xa.MimeType,
		ContentType: xa.ContentType,
		Lang:        xa.Lang,
		BaseURL:     joinBaseURLs(period.BaseURL, xa.BaseURLs),
		Protected:   len(xa.ContentProtections) > 0,
	}
	var err error
	if as.Template, err = m.addTemplate(xa.SegmentTemplate, period.Template); err != nil {
		return none, err
	}
	if as.List, err = m.addList(xa.SegmentList); err != nil {
		return none, err
	}
	if as.Base, err = m.addBase(xa.SegmentBase); err != nil {
		return none, err
	}

	ai := len(m.AdaptationSets)
	m.AdaptationSets = append(m.AdaptationSets, as)
	for i := range xa.Representations {
		ri, err := m.addRepresentation(ai, &xa.Representations[i])
		if err != nil {
			return none, err
		}
		m.AdaptationSets[ai].Representations = append(m.AdaptationSets[ai].Representations, ri)
	}
	return ai, nil
}

func (m *MPD) addRepresentation(ai int, xr *xmlRepresentation) (int, error) {
	as := m.AdaptationSets[ai]
	if xr.ID == "" {
		return none, fmt.Errorf("missing Representation@id")
	}
	r := Representation{
		AdaptationSet: ai,
		ID:            xr.ID,
		Bandwidth:     xr.Bandwidth,
		MimeType:      cmp.Or(xr.MimeType, as.MimeType),
		Codecs:        xr.Codecs,
		Lang:          cmp.Or(xr.Lang, as.Lang),
		Width:         xr.Width,
		Height:        xr.Height,
		BaseURL:       joinBaseURLs(as.BaseURL, xr.BaseURLs),
	}
	if xr.FrameRate != "" {
		fr, err := parseFrameRate(xr.FrameRate)
		if err != nil {
			return none, fmt.Errorf("invalid frameRate of representation %s: %w", xr.ID, err)
		}
		r.FrameRate = fr
	}
	var err error
	if r.Template, err = m.addTemplate(xr.SegmentTemplate, as.Template); err != nil {
		return none, err
	}
	if r.List, err = m.addList(xr.SegmentList); err != nil {
		return none, err
	}
	if r.Base, err = m.addBase(xr.SegmentBase); err != nil {
		return none, err
	}
	m.Representations = append(m.Representations, r)
	return len(m.Representations) - 1, nil
}

// addTemplate stores xt merged over the template at index parent. A nil xt returns parent.
func (m *MPD) addTemplate(xt *xmlSegmentTemplate, parent int) (int, error) {
	if xt == nil {
		return parent, nil
	}
	t := SegmentTemplate{Parent: parent, Timescale: 1, StartNumber: 1}
	if parent != none {
		t = m.Templates[parent]
		t.Parent = parent
	}
	if xt.Initialization != "" {
		t.Initialization = xt.Initialization
	}
	if xt.Media != "" {
		t.Media = xt.Media
	}
	if xt.Timescale != nil {
		if *xt.Timescale == 0 {
			return none, fmt.Errorf("invalid SegmentTemplate@timescale 0")
		}
		t.Timescale = *xt.Timescale
	}
	if xt.Duration != nil {
		t.Duration = *xt.Duration
	}
	if xt.StartNumber != nil {
		t.StartNumber = *xt.StartNumber
	}
	if xt.PresentationTimeOffset != nil {
		t.PresentationTimeOffset = *xt.PresentationTimeOffset
	}
	if xt.Timeline != nil {
		t.Timeline = nil
		for _, s := range xt.Timeline.S {
			e := TimelineEntry{D: s.D, R: s.R}
			if s.T != nil {
				e.T, e.HasT = *s.T, true
			}
			t.Timeline = append(t.Timeline, e)
		}
	}
	m.Templates = append(m.Templates, t)
	return len(m.Templates) - 1, nil
}

func (m *MPD) addList(xl *xmlSegmentList) (int, error) {
	if xl == nil {
		return none, nil
	}
	l := SegmentList{Timescale: 1, StartNumber: 1}
	if xl.Timescale != nil && *xl.Timescale > 0 {
		l.Timescale = *xl.Timescale
	}
	if xl.Duration != nil {
		l.Duration = *xl.Duration
	}
	if xl.StartNumber != nil {
		l.StartNumber = *xl.StartNumber
	}
	var err error
	if l.Initialization, err = parseInitialization(xl.Initialization); err != nil {
		return none, err
	}
	for _, su := range xl.SegmentURLs {
		u := SegmentURL{Media: su.Media}
		if su.MediaRange != "" {
			if u.Range, err = parseRange(su.MediaRange); err != nil {
				return none, fmt.Errorf("invalid SegmentURL@mediaRange: %w", err)
			}
		}
		l.URLs = append(l.URLs, u)
	}
	if len(l.URLs) == 0 {
		return none, fmt.Errorf("empty SegmentList")
	}
	m.Lists = append(m.Lists, l)
	return len(m.Lists) - 1, nil
}

func (m *MPD) addBase(xb *xmlSegmentBase) (int, error) {
	if xb == nil {
		return none, nil
	}
	var b SegmentBase
	var err error
	if xb.IndexRange != "" {
		if b.IndexRange, err = parseRange(xb.IndexRange); err != nil {
			return none, fmt.Errorf("invalid SegmentBase@indexRange: %w", err)
		}
	}
	if b.Initialization, err = parseInitialization(xb.Initialization); err != nil {
		return none, err
	}
	m.Bases = append(m.Bases, b)
	return len(m.Bases) - 1, nil
}

// Representation looks up a representation of the first period by id and mime type.
func (m *MPD) Representation(id, mimeType string) (int, bool) {
	for _, ai := range m.Periods[0].AdaptationSets {
		for _, ri := range m.AdaptationSets[ai].Representations {
			r := m.Representations[ri]
			if r.ID == id && r.MimeType == mimeType {
				return ri, true
			}
		}
	}
	return none, false
}

// PeriodOf returns the period a representation belongs to.
func (m *MPD) PeriodOf(ri int) *Period {
	return &m.Periods[m.AdaptationSets[m.Representations[ri].AdaptationSet].Period]
}

// segmentTemplate returns the template in effect for ri. Templates are merged down the tree
// at parse time, so the representation index already points at the inherited one.
func (m *MPD) segmentTemplate(ri int) *SegmentTemplate {
	r := m.Representations[ri]
	if r.Template != none {
		return &m.Templates[r.Template]
	}
	return nil
}

func (m *MPD) segmentList(ri int) *SegmentList {
	r := m.Representations[ri]
	as := m.AdaptationSets[r.AdaptationSet]
	for _, i := range []int{r.List, as.List, m.Periods[as.Period].List} {
		if i != none {
			return &m.Lists[i]
		}
	}
	return nil
}

func (m *MPD) segmentBase(ri int) *SegmentBase {
	r := m.Representations[ri]
	as := m.AdaptationSets[r.AdaptationSet]
	for _, i := range []int{r.Base, as.Base, m.Periods[as.Period].Base} {
		if i != none {
			return &m.Bases[i]
		}
	}
	return nil
}

// presentationDuration is the duration of the period, or of the whole presentation.
func (m *MPD) presentationDuration(p *Period) time.Duration {
	if p.Duration > 0 {
		return p.Duration
	}
	return m.MediaPresentationDuration
}

var secondsPart = regexp.MustCompile(`(\d+(?:\.\d+)?)S$`)

// parseDuration parses an ISO 8601 duration such as "PT1H2M3.5S".
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	var seconds float64
	if strings.Contains(s, "T") {
		if m := secondsPart.FindStringSubmatch(s); m != nil {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				return 0, err
			}
			seconds = v
			s = s[:len(s)-len(m[0])]
		}
		s = strings.TrimSuffix(s, "T")
	}
	var d time.Duration
	if s != "P" {
		p, err := period.Parse(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		d, _ = p.Duration()
	}
	return d + time.Duration(math.Round(seconds*float64(time.Second))), nil
}

func parseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date time %q", s)
	}
	return t, nil
}

// parseFrameRate evaluates frame rates written as a number or a ratio like "30000/1001".
func parseFrameRate(s string) (float64, error) {
	v, err := gval.Evaluate(s, nil)
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("frame rate %q is not a number", s)
	}
	return f, nil
}

// parseRange parses a byte range "first-last". A missing last byte leaves the length open.
func parseRange(s string) (*models.ByteRange, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid byte range %q", s)
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid byte range %q: %w", s, err)
	}
	br := &models.ByteRange{Offset: start, HasOffset: true}
	if parts[1] != "" {
		end, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || end < start {
			return nil, fmt.Errorf("invalid byte range %q", s)
		}
		br.Length = end - start + 1
	}
	return br, nil
}

func parseInitialization(xi *xmlInitialization) (*Initialization, error) {
	if xi == nil {
		return nil, nil
	}
	init := &Initialization{SourceURL: xi.SourceURL}
	if xi.Range != "" {
		r, err := parseRange(xi.Range)
		if err != nil {
			return nil, fmt.Errorf("invalid Initialization@range: %w", err)
		}
		init.Range = r
	}
	return init, nil
}

// joinURL resolves other against base. Absolute URLs are returned unchanged and base is
// treated as a directory.
func joinURL(base, other string) string {
	o, err := url.Parse(other)
	if err == nil && o.Scheme != "" {
		return other
	}
	if base == "" {
		return other
	}
	b, err := url.Parse(base)
	if err != nil || o == nil {
		return other
	}
	if !strings.HasSuffix(b.Path, "/") {
		b.Path += "/"
	}
	return b.ResolveReference(o).String()
}

func joinBaseURLs(base string, baseURLs []string) string {
	if len(baseURLs) == 0 {
		return base
	}
	return joinURL(base, strings.TrimSpace(baseURLs[0]))
}

// baseOf strips the last path element of u.
func baseOf(u string) string {
	p, err := url.Parse(u)
	if err != nil {
		return u
	}
	if i := strings.LastIndex(p.Path, "/"); i >= 0 {
		p.Path = p.Path[:i]
	}
	p.RawQuery, p.Fragment = "", ""
	return p.String()
}
