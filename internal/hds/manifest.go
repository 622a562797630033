package hds

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"segdl/internal/fetch"
	"segdl/internal/logger"
	"segdl/internal/models"
)

const (
	// hdcoreVersion is the player core version akamai hosts expect as the hdcore parameter.
	hdcoreVersion   = "3.1.0"
	globalBootstrap = "_global"
)

type xmlManifest struct {
	XMLName        xml.Name           `xml:"manifest"`
	ID             string             `xml:"id"`
	BaseURL        string             `xml:"baseURL"`
	Height         string             `xml:"height"`
	StreamType     string             `xml:"streamType"`
	DRMHeaders     []string           `xml:"drmAdditionalHeader"`
	PVToken        string             `xml:"pv-2.0"`
	BootstrapInfos []xmlBootstrap     `xml:"bootstrapInfo"`
	Media          []xmlManifestMedia `xml:"media"`
}

type xmlBootstrap struct {
	ID   string `xml:"id,attr"`
	URL  string `xml:"url,attr"`
	Data string `xml:",chardata"`
}

type xmlManifestMedia struct {
	URL             string `xml:"url,attr"`
	Href            string `xml:"href,attr"`
	Bitrate         string `xml:"bitrate,attr"`
	Height          string `xml:"height,attr"`
	StreamID        string `xml:"streamId,attr"`
	BootstrapInfoID string `xml:"bootstrapInfoId,attr"`
	Metadata        string `xml:"metadata"`
}

// Media is one playable rendition of an F4M manifest.
type Media struct {
	// Name is the quality name: "<height>p", "<kbps>k", the stream id or "live".
	Name    string
	Bitrate int64
	// BaseURL is the directory fragment paths resolve against.
	BaseURL string
	// Path is the media url without its query.
	Path string
	// Query is appended to every fragment and bootstrap request.
	Query url.Values
	// Bootstrap is set for inline bootstrap info; BootstrapURL otherwise.
	Bootstrap    *Bootstrap
	BootstrapURL string
	// Metadata is the decoded onMetaData script body, nil when absent.
	Metadata []byte
}

// FragmentURL returns the URL of a fragment.
func (m *Media) FragmentURL(segment, fragment uint32) string {
	u := fmt.Sprintf("%sSeg%d-Frag%d", joinURL(m.BaseURL, m.Path), segment, fragment)
	if len(m.Query) > 0 {
		u += "?" + m.Query.Encode()
	}
	return u
}

var bitrateName = regexp.MustCompile(`^\d+k$`)

// ParseManifest fetches the F4M manifest at manifestURL and returns its media, following
// child manifests referenced by href once. Manifests with DRM headers are unsupported.
func ParseManifest(ctx context.Context, client *fetch.Client, manifestURL string, attempts int, timeout time.Duration, log logger.Logger) ([]*Media, error) {
	return parseManifest(ctx, client, manifestURL, attempts, timeout, log, true)
}

func parseManifest(ctx context.Context, client *fetch.Client, manifestURL string, attempts int, timeout time.Duration, log logger.Logger, followChildren bool) ([]*Media, error) {
	params := url.Values{}
	if strings.Contains(manifestURL, "akamaihd") {
		params.Set("hdcore", hdcoreVersion)
	}
	log.Debugf("Fetching F4M manifest from URL: %s", manifestURL)
	data, finalURL, err := client.GetBytes(ctx, withQuery(manifestURL, params), attempts, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest from %s: %w", manifestURL, err)
	}
	media, children, err := decodeManifest(data, finalURL, params)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest from %s: %w", finalURL, err)
	}
	if !followChildren {
		return media, nil
	}

	var drm error
	for _, child := range children {
		sub, err := parseManifest(ctx, client, child.url, attempts, timeout, log, false)
		if err != nil {
			if errors.Is(err, models.ErrUnsupportedStream) {
				drm = err
				continue
			}
			return nil, err
		}
		for _, m := range sub {
			if child.bitrate != "" && !bitrateName.MatchString(m.Name) {
				m.Name = child.bitrate + "k"
			}
			media = append(media, m)
		}
	}
	if drm != nil {
		log.Warnf("Some or all streams are unavailable as they are protected by DRM")
	}
	if len(media) == 0 {
		if drm != nil {
			return nil, drm
		}
		return nil, fmt.Errorf("no media found in manifest %s", finalURL)
	}
	return media, nil
}

type childManifest struct {
	url     string
	bitrate string
}

// decodeManifest parses an F4M document. params are carried into every media query.
func decodeManifest(data []byte, manifestURL string, params url.Values) ([]*Media, []childManifest, error) {
	var x xmlManifest
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, nil, fmt.Errorf("invalid F4M manifest: %w", err)
	}
	for _, h := range x.DRMHeaders {
		if strings.TrimSpace(h) != "" {
			return nil, nil, fmt.Errorf("%w: manifest is protected by DRM", models.ErrUnsupportedStream)
		}
	}
	if strings.TrimSpace(x.PVToken) != "" {
		return nil, nil, fmt.Errorf("%w: manifest requires player verification", models.ErrUnsupportedStream)
	}

	base := strings.TrimSpace(x.BaseURL)
	if base == "" {
		base = dirOf(manifestURL)
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	bootstraps := make(map[string]*xmlBootstrap, len(x.BootstrapInfos))
	for i := range x.BootstrapInfos {
		b := &x.BootstrapInfos[i]
		id := b.ID
		if id == "" {
			id = globalBootstrap
		}
		bootstraps[id] = b
	}

	var media []*Media
	var children []childManifest
	for _, xm := range x.Media {
		if xm.URL == "" {
			if xm.Href != "" {
				children = append(children, childManifest{url: joinURL(base, xm.Href), bitrate: xm.Bitrate})
			}
			continue
		}
		id := xm.BootstrapInfoID
		if id == "" {
			id = globalBootstrap
		}
		xb, ok := bootstraps[id]
		if !ok {
			continue
		}

		m := &Media{BaseURL: base, Query: url.Values{}}
		for k, v := range params {
			m.Query[k] = v
		}
		m.Path, m.Query = splitQuery(xm.URL, m.Query)
		switch {
		case xm.Height != "":
			m.Name = xm.Height + "p"
		case xm.Bitrate != "":
			m.Name = xm.Bitrate + "k"
		case xm.StreamID != "":
			m.Name = xm.StreamID
		case x.Height != "":
			m.Name = x.Height + "p"
		default:
			m.Name = "live"
		}
		m.Bitrate, _ = strconv.ParseInt(xm.Bitrate, 10, 64)

		if xb.URL != "" {
			m.BootstrapURL = joinURL(base, xb.URL)
		} else {
			raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(xb.Data))
			if err != nil {
				return nil, nil, fmt.Errorf("invalid bootstrap %s: %w", id, err)
			}
			if m.Bootstrap, err = ParseBootstrap(raw); err != nil {
				return nil, nil, fmt.Errorf("invalid bootstrap %s: %w", id, err)
			}
		}
		if md := strings.TrimSpace(xm.Metadata); md != "" {
			raw, err := base64.StdEncoding.DecodeString(md)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid metadata for media %s: %w", xm.URL, err)
			}
			m.Metadata = raw
		}
		media = append(media, m)
	}
	return media, children, nil
}

// splitQuery strips the query of u and merges its parameters into q.
func splitQuery(u string, q url.Values) (string, url.Values) {
	p, raw, ok := strings.Cut(u, "?")
	if !ok {
		return u, q
	}
	if values, err := url.ParseQuery(raw); err == nil {
		for k, v := range values {
			q[k] = v
		}
	}
	return p, q
}

func withQuery(u string, q url.Values) string {
	if len(q) == 0 {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + q.Encode()
}

// dirOf returns the directory of the manifest URL path.
func dirOf(manifestURL string) string {
	u, err := url.Parse(manifestURL)
	if err != nil {
		return ""
	}
	u.Path = path.Dir(u.Path)
	u.RawQuery, u.Fragment = "", ""
	return u.String()
}

func joinURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
