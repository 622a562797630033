package hls

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"segdl/internal/models"
)

// Playlist is a parsed HLS master or media playlist.
type Playlist struct {
	IsMaster       bool
	IFramesOnly    bool
	Version        int
	TargetDuration float64
	MediaSequence  uint64
	EndList        bool
	Segments       []Segment
	Variants       []Variant
	Media          []Media
}

// Segment is one media segment entry.
type Segment struct {
	URI           string
	Duration      float64
	Title         string
	ByteRange     *models.ByteRange
	Key           *models.DecryptionKey
	Map           *Map
	Discontinuity bool
}

// Map is an EXT-X-MAP media initialization section.
type Map struct {
	URI       string
	ByteRange *models.ByteRange
}

// Variant is an EXT-X-STREAM-INF (or I-frame) entry of a master playlist.
type Variant struct {
	URI        string
	Bandwidth  int64
	Codecs     string
	Width      int
	Height     int
	FrameRate  float64
	Audio      string
	Video      string
	IFrameOnly bool
}

// Media is an EXT-X-MEDIA rendition.
type Media struct {
	Type       string
	URI        string
	GroupID    string
	Language   string
	Name       string
	Default    bool
	AutoSelect bool
}

// ParsePlaylist parses playlist text. Relative URIs are resolved against baseURI.
func ParsePlaylist(data string, baseURI string) (*Playlist, error) {
	base, err := url.Parse(baseURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist base URI '%s': %w", baseURI, err)
	}
	resolve := func(ref string) string {
		u, err := url.Parse(strings.TrimSpace(ref))
		if err != nil {
			return ref
		}
		return base.ResolveReference(u).String()
	}

	scanner := bufio.NewScanner(strings.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	p := &Playlist{}
	var (
		first       = true
		pending     Segment
		hasPending  bool
		key         *models.DecryptionKey
		initMap     *Map
		nextVariant *Variant
		discont     bool
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first {
			if !strings.HasPrefix(line, "#EXTM3U") {
				return nil, errors.New("missing #EXTM3U header")
			}
			first = false
			continue
		}

		if !strings.HasPrefix(line, "#") {
			switch {
			case nextVariant != nil:
				nextVariant.URI = resolve(line)
				p.Variants = append(p.Variants, *nextVariant)
				nextVariant = nil
			default:
				seg := pending
				if !hasPending {
					seg = Segment{}
				}
				seg.URI = resolve(line)
				seg.Key = key
				seg.Map = initMap
				seg.Discontinuity = discont
				p.Segments = append(p.Segments, seg)
				pending, hasPending, discont = Segment{}, false, false
			}
			continue
		}

		tag, value, _ := strings.Cut(line, ":")
		switch tag {
		case "#EXT-X-VERSION":
			p.Version, _ = strconv.Atoi(value)
		case "#EXT-X-TARGETDURATION":
			p.TargetDuration, err = strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid target duration '%s': %w", value, err)
			}
		case "#EXT-X-MEDIA-SEQUENCE":
			p.MediaSequence, err = strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid media sequence '%s': %w", value, err)
			}
		case "#EXT-X-ENDLIST":
			p.EndList = true
		case "#EXT-X-I-FRAMES-ONLY":
			p.IFramesOnly = true
		case "#EXT-X-DISCONTINUITY":
			discont = true
		case "#EXTINF":
			durStr, title, _ := strings.Cut(value, ",")
			d, err := strconv.ParseFloat(strings.TrimSpace(durStr), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid segment duration '%s': %w", durStr, err)
			}
			pending.Duration, pending.Title, hasPending = d, title, true
		case "#EXT-X-BYTERANGE":
			br, err := parseByteRange(value)
			if err != nil {
				return nil, err
			}
			pending.ByteRange, hasPending = br, true
		case "#EXT-X-KEY":
			attrs := parseAttributes(value)
			key, err = parseKey(attrs, resolve)
			if err != nil {
				return nil, err
			}
		case "#EXT-X-MAP":
			attrs := parseAttributes(value)
			initMap = &Map{URI: resolve(attrs["URI"])}
			if r, ok := attrs["BYTERANGE"]; ok {
				initMap.ByteRange, err = parseByteRange(r)
				if err != nil {
					return nil, err
				}
			}
		case "#EXT-X-STREAM-INF":
			p.IsMaster = true
			v := parseVariant(parseAttributes(value))
			nextVariant = &v
		case "#EXT-X-I-FRAME-STREAM-INF":
			p.IsMaster = true
			attrs := parseAttributes(value)
			v := parseVariant(attrs)
			v.URI = resolve(attrs["URI"])
			v.IFrameOnly = true
			p.Variants = append(p.Variants, v)
		case "#EXT-X-MEDIA":
			attrs := parseAttributes(value)
			m := Media{
				Type:       attrs["TYPE"],
				GroupID:    attrs["GROUP-ID"],
				Language:   attrs["LANGUAGE"],
				Name:       attrs["NAME"],
				Default:    attrs["DEFAULT"] == "YES",
				AutoSelect: attrs["AUTOSELECT"] == "YES",
			}
			if uri, ok := attrs["URI"]; ok {
				m.URI = resolve(uri)
			}
			p.Media = append(p.Media, m)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read playlist: %w", err)
	}
	if first {
		return nil, errors.New("empty playlist")
	}
	return p, nil
}

// parseAttributes splits an attribute list, honoring quoted values that contain commas.
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for len(s) > 0 {
		name, rest, ok := strings.Cut(s, "=")
		if !ok {
			break
		}
		name = strings.TrimSpace(name)
		var value string
		if strings.HasPrefix(rest, `"`) {
			end := strings.Index(rest[1:], `"`)
			if end < 0 {
				value, rest = rest[1:], ""
			} else {
				value, rest = rest[1:end+1], rest[end+2:]
			}
			_, rest, _ = strings.Cut(rest, ",")
		} else {
			value, rest, _ = strings.Cut(rest, ",")
		}
		attrs[name] = value
		s = rest
	}
	return attrs
}

// parseByteRange parses "<length>[@<offset>]".
func parseByteRange(s string) (*models.ByteRange, error) {
	lenStr, offStr, hasOffset := strings.Cut(strings.TrimSpace(s), "@")
	length, err := strconv.ParseInt(lenStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid byte range '%s': %w", s, err)
	}
	br := &models.ByteRange{Length: length, HasOffset: hasOffset}
	if hasOffset {
		br.Offset, err = strconv.ParseInt(offStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid byte range offset '%s': %w", s, err)
		}
	}
	return br, nil
}

func parseKey(attrs map[string]string, resolve func(string) string) (*models.DecryptionKey, error) {
	method := attrs["METHOD"]
	if method == "" || method == "NONE" {
		return nil, nil
	}
	k := &models.DecryptionKey{Method: method}
	if uri, ok := attrs["URI"]; ok && uri != "" {
		k.URI = resolve(uri)
	}
	if ivStr, ok := attrs["IV"]; ok {
		ivHex := strings.TrimPrefix(strings.TrimPrefix(ivStr, "0x"), "0X")
		if len(ivHex)%2 == 1 {
			ivHex = "0" + ivHex
		}
		iv, err := hex.DecodeString(ivHex)
		if err != nil {
			return nil, fmt.Errorf("invalid key IV '%s': %w", ivStr, err)
		}
		k.IV = iv
	}
	return k, nil
}

func parseVariant(attrs map[string]string) Variant {
	v := Variant{
		Codecs: attrs["CODECS"],
		Audio:  attrs["AUDIO"],
		Video:  attrs["VIDEO"],
	}
	v.Bandwidth, _ = strconv.ParseInt(attrs["BANDWIDTH"], 10, 64)
	v.FrameRate, _ = strconv.ParseFloat(attrs["FRAME-RATE"], 64)
	if res, ok := attrs["RESOLUTION"]; ok {
		w, h, _ := strings.Cut(res, "x")
		v.Width, _ = strconv.Atoi(w)
		v.Height, _ = strconv.Atoi(h)
	}
	return v
}
