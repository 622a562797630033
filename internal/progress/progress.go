// Package progress tracks download speed, ETA and completion for streams and ranged downloads.
package progress

import (
	"fmt"
	"sync"
	"time"
)

// State is the coarse lifecycle state reported to callers.
type State string

const (
	StateAnalyzing   State = "analyzing"
	StateStart       State = "start"
	StateDownloading State = "downloading"
	StateDone        State = "done"
	StateError       State = "error"
)

const (
	// SampleInterval is the minimum time between two speed samples.
	SampleInterval = 200 * time.Millisecond
	// Window is the number of samples averaged for speed and ETA.
	Window = 5
)

// Report is a snapshot of download progress.
type Report struct {
	State           State         `json:"state"`
	Speed           float64       `json:"speed"`
	ETA             time.Duration `json:"eta"`
	Percent         float64       `json:"percent"`
	TotalBytes      int64         `json:"total_bytes"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	Error           string        `json:"error,omitempty"`
}

func (r Report) String() string {
	return fmt.Sprintf("%s %s/%s %s/s eta %s",
		FormatPercent(r.Percent), FormatSize(float64(r.BytesDownloaded)), FormatSize(float64(r.TotalBytes)),
		FormatSize(r.Speed), FormatSeconds(int64(r.ETA.Seconds())))
}

// Reporter receives progress snapshots.
type Reporter func(Report)

// Tracker aggregates byte counts into speed, ETA and percent. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	reporter Reporter
	now      func() time.Time
	start    time.Time
	last     time.Time
	speeds   []float64
	etas     []float64
	report   Report
}

// NewTracker creates a tracker. reporter may be nil.
func NewTracker(reporter Reporter) *Tracker {
	return NewTrackerWithClock(reporter, time.Now)
}

// NewTrackerWithClock creates a tracker with a custom time source.
func NewTrackerWithClock(reporter Reporter, now func() time.Time) *Tracker {
	t := &Tracker{reporter: reporter, now: now}
	t.start = now()
	t.last = t.start
	t.report.State = StateStart
	return t
}

// SetState changes the reported state and notifies the reporter immediately.
func (t *Tracker) SetState(state State, err error) {
	t.mu.Lock()
	t.report.State = state
	if err != nil {
		t.report.Error = err.Error()
	}
	if state == StateDownloading {
		t.start = t.now()
		t.last = t.start
	}
	if state == StateDone && t.report.TotalBytes > 0 && err == nil {
		t.report.Percent = 100
		t.report.ETA = 0
	}
	r := t.report
	t.mu.Unlock()

	if t.reporter != nil {
		t.reporter(r)
	}
}

// Update records the cumulative byte count and the current total (zero when unknown).
// Speed and ETA are resampled at most every SampleInterval; the reporter is called on each resample.
func (t *Tracker) Update(bytes, total int64) {
	t.mu.Lock()
	t.report.BytesDownloaded = bytes
	t.report.TotalBytes = total
	now := t.now()
	if now.Sub(t.last) < SampleInterval {
		t.mu.Unlock()
		return
	}
	t.last = now

	elapsed := now.Sub(t.start).Seconds()
	if elapsed > 0 {
		t.speeds = push(t.speeds, float64(bytes)/elapsed)
	}
	speed := mean(t.speeds)
	t.report.Speed = speed
	if total > 0 {
		if speed > 0 {
			t.etas = push(t.etas, float64(total-bytes)/speed)
			t.report.ETA = time.Duration(mean(t.etas)) * time.Second
		}
		t.report.Percent = float64(bytes) / float64(total) * 100
	}
	r := t.report
	t.mu.Unlock()

	if t.reporter != nil {
		t.reporter(r)
	}
}

// Report returns the latest snapshot.
func (t *Tracker) Report() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.report
}

func push(samples []float64, v float64) []float64 {
	samples = append(samples, v)
	if len(samples) > Window {
		samples = samples[len(samples)-Window:]
	}
	return samples
}

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

// FormatSize formats a byte count into a human readable string.
func FormatSize(size float64) string {
	for _, suffix := range []string{"B", "KB", "MB", "GB"} {
		if size < 1024 {
			if suffix == "GB" {
				return fmt.Sprintf("%3.2f %s", size, suffix)
			}
			return fmt.Sprintf("%3.1f %s", size, suffix)
		}
		size /= 1024
	}
	return fmt.Sprintf("%3.2f TB", size)
}

// FormatSeconds formats seconds as MM:SS or HH:MM:SS.
func FormatSeconds(seconds int64) string {
	mins, secs := seconds/60, seconds%60
	hours, mins := mins/60, mins%60
	switch {
	case hours > 99:
		return "--:--:--"
	case hours == 0:
		return fmt.Sprintf("%02d:%02d", mins, secs)
	default:
		return fmt.Sprintf("%02d:%02d:%02d", hours, mins, secs)
	}
}

// FormatPercent formats a percentage with two decimals.
func FormatPercent(percent float64) string {
	return fmt.Sprintf("%0.2f%%", percent)
}
