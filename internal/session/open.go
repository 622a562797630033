package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"segdl/internal/config"
	"segdl/internal/dash"
	"segdl/internal/fetch"
	"segdl/internal/hds"
	"segdl/internal/hls"
	"segdl/internal/logger"
	"segdl/internal/segmented"
)

// PrebufferSize is the amount of data read from a stream before Open returns.
const PrebufferSize = 8192

// ErrNoData is returned by Open when the stream ends before producing any data.
var ErrNoData = errors.New("no data returned from stream")

// Protocol identifies how a URL is downloaded.
type Protocol string

const (
	ProtocolHLS  Protocol = "hls"
	ProtocolDASH Protocol = "dash"
	ProtocolHDS  Protocol = "hds"
	ProtocolHTTP Protocol = "http"
)

// DetectProtocol picks the protocol from the extension of the URL path. Anything that is not a
// known manifest is a plain HTTP resource.
func DetectProtocol(rawURL string) Protocol {
	switch strings.ToLower(path.Ext(urlPath(rawURL))) {
	case ".m3u8", ".m3u":
		return ProtocolHLS
	case ".mpd":
		return ProtocolDASH
	case ".f4m":
		return ProtocolHDS
	default:
		return ProtocolHTTP
	}
}

func urlPath(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return u.Path
	}
	return rawURL
}

// Stream is an open media stream. Reads return the bytes of the stream in order followed by
// io.EOF, or the error that stopped it.
type Stream struct {
	Protocol Protocol
	URL      string

	r      io.Reader
	closer io.Closer
	total  func() int64
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

// Close stops the stream. Safe to call more than once.
func (s *Stream) Close() error {
	return s.closer.Close()
}

// TotalBytes returns the known or estimated size of the stream, zero when unknown.
func (s *Stream) TotalBytes() int64 {
	return s.total()
}

// Open opens rawURL with the protocol detected from it and reads the first PrebufferSize
// bytes, so a stream that fails to start is reported here rather than on the first Read.
func Open(ctx context.Context, client *fetch.Client, rawURL string, cfg *config.Options, log logger.Logger) (*Stream, error) {
	protocol := DetectProtocol(rawURL)
	log.Infof("Opening %s stream: %s", protocol, rawURL)

	s := &Stream{Protocol: protocol, URL: rawURL}
	var reader *segmented.Reader
	var err error
	switch protocol {
	case ProtocolHLS:
		reader, err = hls.OpenStream(ctx, client, rawURL, cfg, log)
	case ProtocolDASH:
		reader, err = dash.OpenStream(ctx, client, rawURL, cfg, log)
	case ProtocolHDS:
		reader, err = hds.OpenStream(ctx, client, rawURL, cfg, log)
	default:
		resp, getErr := client.Get(ctx, rawURL, nil, cfg.SegmentAttempts, 0)
		if getErr != nil {
			return nil, fmt.Errorf("failed to open %s: %w", rawURL, getErr)
		}
		size := max(resp.ContentLength, 0)
		s.r, s.closer, s.total = resp.Body, resp.Body, func() int64 { return size }
	}
	if err != nil {
		return nil, err
	}
	if reader != nil {
		s.r, s.closer, s.total = reader, reader, reader.TotalBytes
	}

	buf := make([]byte, PrebufferSize)
	n, err := io.ReadFull(s.r, buf)
	if n == 0 {
		s.Close()
		if errors.Is(err, io.EOF) {
			return nil, ErrNoData
		}
		return nil, fmt.Errorf("failed to read data from stream: %w", err)
	}
	// a short prebuffer keeps its error for the Read that follows it
	s.r = io.MultiReader(bytes.NewReader(buf[:n]), s.r)
	return s, nil
}
