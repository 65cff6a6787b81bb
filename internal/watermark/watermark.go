// ABOUTME: Persistent stores for the scan watermark, selected by URL.
// ABOUTME: Supports in-memory (default), PostgreSQL and S3 backends.

package watermark

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Store loads and saves the since-watermark
type Store interface {
	Load(ctx context.Context) (time.Time, bool, error)
	Save(ctx context.Context, watermark time.Time) error
	Close()
}

// Open creates the store described by rawURL: "memory", "postgres://..." or "s3://bucket/key"
func Open(ctx context.Context, rawURL string, logger *logrus.Logger) (Store, error) {
	if rawURL == "" || rawURL == "memory" {
		return NewMemoryStore(), nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid watermark store URL: %w", err)
	}

	switch parsed.Scheme {
	case "postgres", "postgresql":
		store, err := OpenPostgres(ctx, rawURL, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "s3":
		bucket := parsed.Host
		key := strings.TrimPrefix(parsed.Path, "/")
		if bucket == "" || key == "" {
			return nil, fmt.Errorf("s3 watermark store URL must be s3://bucket/key, got %q", rawURL)
		}
		store, err := OpenS3(ctx, bucket, key, parsed.Query().Get("region"), logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported watermark store scheme: %q", parsed.Scheme)
	}
}

// MemoryStore keeps the watermark for the life of the process only
type MemoryStore struct {
	mutex     sync.RWMutex
	watermark time.Time
	set       bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(ctx context.Context) (time.Time, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.watermark, m.set, nil
}

func (m *MemoryStore) Save(ctx context.Context, watermark time.Time) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.watermark = watermark
	m.set = true
	return nil
}

func (m *MemoryStore) Close() {}
