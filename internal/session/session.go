package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"segdl/internal/config"
	"segdl/internal/fetch"
	"segdl/internal/logger"
	"segdl/internal/progress"
	"segdl/internal/ranged"

	"github.com/google/uuid"
)

const copyBufferSize = 32 << 10

// Download is one URL being saved to a file.
type Download struct {
	ID        string
	URL       string
	Path      string
	Protocol  Protocol
	StartedAt time.Time

	tracker *progress.Tracker
	cancel  context.CancelFunc
	done    chan struct{}

	mutex sync.RWMutex
	err   error
}

// Report returns the latest progress report.
func (d *Download) Report() progress.Report {
	return d.tracker.Report()
}

// Done is closed when the download has finished.
func (d *Download) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the download has finished and returns its error.
func (d *Download) Wait() error {
	<-d.done
	return d.Err()
}

// Err returns the error that stopped the download, if any.
func (d *Download) Err() error {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.err
}

// Manager runs downloads in the background, keyed by a generated id.
type Manager struct {
	mutex     sync.RWMutex
	downloads map[string]*Download
	logger    logger.Logger
	cfg       *config.Options
	client    *fetch.Client
	wg        sync.WaitGroup
}

// NewManager creates a new download manager.
func NewManager(cfg *config.Options, client *fetch.Client, log logger.Logger) *Manager {
	return &Manager{
		downloads: make(map[string]*Download),
		logger:    log,
		cfg:       cfg,
		client:    client,
	}
}

// Start begins downloading rawURL into the output directory. name is the output file name;
// when empty the id is used with an extension matching the protocol. reporter may be nil.
func (m *Manager) Start(rawURL, name string, reporter progress.Reporter) (*Download, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("url is required")
	}
	protocol := DetectProtocol(rawURL)
	id := uuid.NewString()
	if name == "" {
		name = id + extension(protocol, rawURL)
	}
	if filepath.Base(name) != name {
		return nil, fmt.Errorf("invalid output name '%s'", name)
	}
	if err := os.MkdirAll(m.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Download{
		ID:        id,
		URL:       rawURL,
		Path:      filepath.Join(m.cfg.OutputDir, name),
		Protocol:  protocol,
		StartedAt: time.Now(),
		tracker:   progress.NewTracker(reporter),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mutex.Lock()
	m.downloads[id] = d
	m.mutex.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, d)
	}()
	m.logger.Infof("Started %s download %s: %s -> %s", protocol, id, rawURL, d.Path)
	return d, nil
}

// Get returns the download with the given id.
func (m *Manager) Get(id string) (*Download, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	d, ok := m.downloads[id]
	return d, ok
}

// List returns all downloads, oldest first.
func (m *Manager) List() []*Download {
	m.mutex.RLock()
	out := make([]*Download, 0, len(m.downloads))
	for _, d := range m.downloads {
		out = append(out, d)
	}
	m.mutex.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Cancel stops a running download. The data written so far is kept.
func (m *Manager) Cancel(id string) bool {
	d, ok := m.Get(id)
	if !ok {
		return false
	}
	m.logger.Infof("Cancelling download %s", id)
	d.cancel()
	return true
}

// Stop cancels all downloads and waits for them to finish.
func (m *Manager) Stop() {
	m.logger.Infof("Stopping download manager and all active downloads...")
	m.mutex.RLock()
	for _, d := range m.downloads {
		d.cancel()
	}
	m.mutex.RUnlock()
	m.wg.Wait()
	m.logger.Infof("Download manager stopped.")
}

func (m *Manager) run(ctx context.Context, d *Download) {
	log := m.logger.With("download", d.ID)
	var err error
	if d.Protocol == ProtocolHTTP {
		err = ranged.New(m.client, d.URL, d.Path, m.cfg, d.tracker, log).Run(ctx)
	} else {
		err = m.save(ctx, d, log)
	}

	cancelled := errors.Is(err, context.Canceled)
	switch {
	case err == nil:
		log.Infof("Download %s complete: %s", d.ID, d.Path)
	case cancelled:
		log.Infof("Download %s cancelled", d.ID)
	default:
		log.Errorf("Download %s failed: %v", d.ID, err)
		if m.cfg.RemoveOnFailure {
			if rmErr := os.Remove(d.Path); rmErr != nil && !os.IsNotExist(rmErr) {
				log.Warnf("Failed to remove %s: %v", d.Path, rmErr)
			}
		}
	}

	d.mutex.Lock()
	d.err = err
	d.mutex.Unlock()
	d.cancel()
	close(d.done)
}

// save copies a segmented stream to the download file.
func (m *Manager) save(ctx context.Context, d *Download, log logger.Logger) error {
	d.tracker.SetState(progress.StateAnalyzing, nil)
	stream, err := Open(ctx, m.client, d.URL, m.cfg, log)
	if err != nil {
		d.tracker.SetState(progress.StateError, err)
		return err
	}
	defer stream.Close()
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	file, err := os.Create(d.Path)
	if err != nil {
		d.tracker.SetState(progress.StateError, err)
		return fmt.Errorf("failed to create %s: %w", d.Path, err)
	}
	defer file.Close()

	d.tracker.SetState(progress.StateDownloading, nil)
	var written int64
	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := stream.Read(buf)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				err = fmt.Errorf("failed to write %s: %w", d.Path, werr)
				break
			}
			written += int64(n)
			d.tracker.Update(written, stream.TotalBytes())
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			err = rerr
			break
		}
	}
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		d.tracker.SetState(progress.StateError, err)
		return err
	}
	if err := file.Sync(); err != nil {
		d.tracker.SetState(progress.StateError, err)
		return err
	}
	d.tracker.SetState(progress.StateDone, nil)
	return nil
}

// extension returns the output file extension for a protocol.
func extension(p Protocol, rawURL string) string {
	switch p {
	case ProtocolHLS:
		return ".ts"
	case ProtocolDASH:
		return ".mp4"
	case ProtocolHDS:
		return ".flv"
	}
	if ext := filepath.Ext(urlPath(rawURL)); ext != "" && len(ext) <= 5 {
		return ext
	}
	return ".bin"
}
