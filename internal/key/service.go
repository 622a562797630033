package key

import (
	"context"
	"fmt"
	"sync"
	"time"

	"segdl/internal/fetch"
	"segdl/internal/logger"
	"segdl/internal/models"
)

// Service provides AES-128 keys for one stream.
// Preloaded keys are looked up by URI; fetched keys are cached in a single slot that is
// refreshed only when the key URI changes.
type Service struct {
	client   *fetch.Client
	logger   logger.Logger
	attempts int
	timeout  time.Duration
	override string
	static   map[string][]byte

	mu   sync.Mutex
	uri  string
	data []byte
}

// NewService creates a key service. override replaces every key URI when set.
func NewService(client *fetch.Client, static map[string][]byte, override string, attempts int, timeout time.Duration, log logger.Logger) *Service {
	return &Service{
		client:   client,
		logger:   log,
		attempts: attempts,
		timeout:  timeout,
		override: override,
		static:   static,
	}
}

// GetKey returns the key bytes for k. All failures wrap models.ErrDecryption.
func (s *Service) GetKey(ctx context.Context, k *models.DecryptionKey) ([]byte, error) {
	if k.Method != "AES-128" {
		return nil, fmt.Errorf("%w: unable to decrypt cipher %s", models.ErrDecryption, k.Method)
	}
	uri := k.URI
	if s.override != "" {
		uri = s.override
	}
	if uri == "" {
		return nil, fmt.Errorf("%w: missing URI to decryption key", models.ErrDecryption)
	}

	// No lock needed for the static map as it is read-only after initialization.
	if data, found := s.static[uri]; found {
		return data, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uri == uri && s.data != nil {
		return s.data, nil
	}

	s.logger.Debugf("Fetching decryption key from %s", uri)
	data, _, err := s.client.GetBytes(ctx, uri, s.attempts, s.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch key %s: %w", models.ErrDecryption, uri, err)
	}
	if len(data) != 16 {
		return nil, fmt.Errorf("%w: key from %s has %d bytes, expected 16", models.ErrDecryption, uri, len(data))
	}
	s.uri, s.data = uri, data
	return data, nil
}
