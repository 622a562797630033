package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// Options holds the fully processed download options.
type Options struct {
	// Segmented stream options.
	SegmentAttempts        int
	SegmentThreads         int
	SegmentTimeout         time.Duration
	PlaylistReloadAttempts int
	MaxSegmentErrors       int
	LiveEdge               int
	// HDSLiveEdge is the HDS live edge in seconds.
	HDSLiveEdge   float64
	LiveRestart   bool
	StartOffset   float64
	DurationLimit float64
	Quality       string

	// HLS specific.
	KeyURIOverride string
	IgnoreNames    []string
	// Keys maps key URIs to preloaded AES keys, decoded from hex.
	Keys map[string][]byte

	// Buffering.
	RingBufferSize int
	StreamTimeout  time.Duration

	// HTTP.
	HTTPTimeout time.Duration
	HTTPWorkers int
	// RateLimit is the maximum number of segment requests per second, 0 disables it.
	RateLimit int
	UserAgent string
	Headers   map[string]string

	// Service.
	OutputDir       string
	ListenAddr      string
	RemoveOnFailure bool
}

// rawOptions maps directly to the JSON file. Durations are strings like "30s".
type rawOptions struct {
	SegmentAttempts        *int              `json:"SegmentAttempts"`
	SegmentThreads         *int              `json:"SegmentThreads"`
	SegmentTimeout         string            `json:"SegmentTimeout"`
	PlaylistReloadAttempts *int              `json:"PlaylistReloadAttempts"`
	MaxSegmentErrors       *int              `json:"MaxSegmentErrors"`
	LiveEdge               *int              `json:"LiveEdge"`
	HDSLiveEdge            *float64          `json:"HDSLiveEdge"`
	LiveRestart            bool              `json:"LiveRestart"`
	StartOffset            float64           `json:"StartOffset"`
	DurationLimit          float64           `json:"DurationLimit"`
	Quality                string            `json:"Quality"`
	KeyURIOverride         string            `json:"KeyURIOverride"`
	IgnoreNames            []string          `json:"IgnoreNames"`
	Keys                   map[string]string `json:"Keys"` // key URI -> hex key
	RingBufferSize         *int              `json:"RingBufferSize"`
	StreamTimeout          string            `json:"StreamTimeout"`
	HTTPTimeout            string            `json:"HTTPTimeout"`
	HTTPWorkers            *int              `json:"HTTPWorkers"`
	RateLimit              int               `json:"RateLimit"`
	UserAgent              string            `json:"UserAgent"`
	Headers                map[string]string `json:"Headers"`
	OutputDir              string            `json:"OutputDir"`
	ListenAddr             string            `json:"ListenAddr"`
	RemoveOnFailure        *bool             `json:"RemoveOnFailure"`
}

// Default returns the built-in option set.
func Default() *Options {
	return &Options{
		SegmentAttempts:        3,
		SegmentThreads:         5,
		SegmentTimeout:         30 * time.Second,
		PlaylistReloadAttempts: 3,
		MaxSegmentErrors:       5,
		LiveEdge:               3,
		HDSLiveEdge:            10,
		Quality:                "best",
		RingBufferSize:         32 * 1024 * 1024,
		StreamTimeout:          60 * time.Second,
		HTTPTimeout:            60 * time.Second,
		HTTPWorkers:            5,
		UserAgent:              DefaultUserAgent,
		Headers:                map[string]string{},
		Keys:                   map[string][]byte{},
		OutputDir:              ".",
		RemoveOnFailure:        true,
	}
}

// LoadConfig builds the options from defaults, the JSON file at path (optional),
// a .env file in the working directory and SEGDL_* environment variables, in that order.
func LoadConfig(path string) (*Options, error) {
	opts := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
		}
		var raw rawOptions
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config JSON: %w", err)
		}
		if err := raw.apply(opts); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	if err := applyEnv(opts); err != nil {
		return nil, err
	}
	return opts, opts.Validate()
}

func (r *rawOptions) apply(o *Options) error {
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setInt(&o.SegmentAttempts, r.SegmentAttempts)
	setInt(&o.SegmentThreads, r.SegmentThreads)
	setInt(&o.PlaylistReloadAttempts, r.PlaylistReloadAttempts)
	setInt(&o.MaxSegmentErrors, r.MaxSegmentErrors)
	setInt(&o.LiveEdge, r.LiveEdge)
	setInt(&o.RingBufferSize, r.RingBufferSize)
	setInt(&o.HTTPWorkers, r.HTTPWorkers)
	if r.HDSLiveEdge != nil {
		o.HDSLiveEdge = *r.HDSLiveEdge
	}
	if r.RemoveOnFailure != nil {
		o.RemoveOnFailure = *r.RemoveOnFailure
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"SegmentTimeout", r.SegmentTimeout, &o.SegmentTimeout},
		{"StreamTimeout", r.StreamTimeout, &o.StreamTimeout},
		{"HTTPTimeout", r.HTTPTimeout, &o.HTTPTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, d.raw, err)
		}
		*d.dst = v
	}

	o.LiveRestart = r.LiveRestart
	o.StartOffset = r.StartOffset
	o.DurationLimit = r.DurationLimit
	o.RateLimit = r.RateLimit
	o.KeyURIOverride = r.KeyURIOverride
	o.IgnoreNames = r.IgnoreNames
	if r.Quality != "" {
		o.Quality = r.Quality
	}
	if r.UserAgent != "" {
		o.UserAgent = r.UserAgent
	}
	if r.OutputDir != "" {
		o.OutputDir = r.OutputDir
	}
	o.ListenAddr = r.ListenAddr
	for k, v := range r.Headers {
		o.Headers[k] = v
	}
	for uri, keyHex := range r.Keys {
		keyBytes, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(keyHex), "0x"))
		if err != nil {
			return fmt.Errorf("failed to decode hex key for '%s': %w", uri, err)
		}
		if len(keyBytes) != 16 {
			return fmt.Errorf("invalid key length for '%s': expected 16 bytes, got %d", uri, len(keyBytes))
		}
		o.Keys[uri] = keyBytes
	}
	return nil
}

func applyEnv(o *Options) error {
	ints := map[string]*int{
		"SEGDL_SEGMENT_ATTEMPTS": &o.SegmentAttempts,
		"SEGDL_SEGMENT_THREADS":  &o.SegmentThreads,
		"SEGDL_HTTP_WORKERS":     &o.HTTPWorkers,
		"SEGDL_RATE_LIMIT":       &o.RateLimit,
		"SEGDL_LIVE_EDGE":        &o.LiveEdge,
	}
	for name, dst := range ints {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, v, err)
		}
		*dst = n
	}
	if v := os.Getenv("SEGDL_SEGMENT_TIMEOUT"); v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SEGDL_SEGMENT_TIMEOUT '%s': %w", v, err)
		}
		o.SegmentTimeout = d
	}
	if v := os.Getenv("SEGDL_USER_AGENT"); v != "" {
		o.UserAgent = v
	}
	if v := os.Getenv("SEGDL_OUTPUT_DIR"); v != "" {
		o.OutputDir = v
	}
	if v := os.Getenv("SEGDL_LISTEN_ADDR"); v != "" {
		o.ListenAddr = v
	}
	return nil
}

// ParseDuration accepts Go duration strings ("1m30s") and plain seconds ("90", "2.5").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// Validate checks option ranges.
func (o *Options) Validate() error {
	switch {
	case o.SegmentAttempts < 1:
		return fmt.Errorf("SegmentAttempts must be at least 1, got %d", o.SegmentAttempts)
	case o.SegmentThreads < 1 || o.SegmentThreads > 10:
		return fmt.Errorf("SegmentThreads must be between 1 and 10, got %d", o.SegmentThreads)
	case o.HTTPWorkers < 1:
		return fmt.Errorf("HTTPWorkers must be at least 1, got %d", o.HTTPWorkers)
	case o.RingBufferSize < 1:
		return fmt.Errorf("RingBufferSize must be positive, got %d", o.RingBufferSize)
	case o.MaxSegmentErrors < 1:
		return fmt.Errorf("MaxSegmentErrors must be at least 1, got %d", o.MaxSegmentErrors)
	}
	return nil
}

// Clone returns a deep copy of the options.
func (o *Options) Clone() *Options {
	c := *o
	c.Headers = make(map[string]string, len(o.Headers))
	for k, v := range o.Headers {
		c.Headers[k] = v
	}
	c.IgnoreNames = append([]string(nil), o.IgnoreNames...)
	c.Keys = make(map[string][]byte, len(o.Keys))
	for k, v := range o.Keys {
		c.Keys[k] = v
	}
	return &c
}
