// Package idempotency remembers the response to a signed write request so a
// retried request with the same key never submits a second transaction.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// ErrKeyReused is returned by Check when a key comes back with a different
// request body.
var ErrKeyReused = errors.New("idempotency key reused with a different request")

// Record holds stored response data.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (r Record) expired(now time.Time) bool { return now.After(r.ExpiresAt) }

// Store abstracts idempotency persistence. Get returns nil, nil for unknown
// or expired keys.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// Fingerprint identifies a write request independently of its key.
func Fingerprint(method, path string, body []byte) string {
	return crypto.Keccak256Hash([]byte(method), []byte(" "), []byte(path), []byte("\n"), body).Hex()
}

// Check returns the stored record for key, or ErrKeyReused when the key was
// recorded for another request.
func Check(ctx context.Context, store Store, key, fingerprint string) (*Record, error) {
	rec, err := store.Get(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Fingerprint != "" && rec.Fingerprint != fingerprint {
		return nil, ErrKeyReused
	}
	return rec, nil
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// table is the expiring map shared by MemoryStore and FileStore. Callers hold
// the owning store's lock.
type table map[string]Record

// lookup returns the live record for key and whether an expired one was dropped.
func (t table) lookup(key string, now time.Time) (*Record, bool) {
	rec, ok := t[key]
	if !ok {
		return nil, false
	}
	if rec.expired(now) {
		delete(t, key)
		return nil, true
	}
	return &rec, false
}

func (t table) prune(now time.Time) {
	for key, rec := range t {
		if rec.expired(now) {
			delete(t, key)
		}
	}
}

// MemoryStore keeps records for the life of the process.
type MemoryStore struct {
	mu      sync.Mutex
	records table
	now     func() time.Time
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{records: make(table), now: buildOptions(opts).now}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, _ := m.records.lookup(key, m.now())
	return rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = record
	return nil
}

// FileStore keeps records in a JSON file rewritten on every change. Suitable
// for a single local daemon.
type FileStore struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	records table
}

// NewFileStore opens path, dropping records that expired while the daemon was
// down. A missing or empty file starts an empty store.
func NewFileStore(path string, opts ...Option) (*FileStore, error) {
	f := &FileStore{path: path, now: buildOptions(opts).now, records: make(table)}
	blob, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	case len(blob) == 0:
		return f, nil
	}
	if err := json.Unmarshal(blob, &f.records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	f.records.prune(f.now())
	return f, nil
}

// flush writes a temporary file and renames it over path.
func (f *FileStore) flush() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.records, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, dropped := f.records.lookup(key, f.now())
	if dropped {
		_ = f.flush()
	}
	return rec, nil
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[key] = record
	return f.flush()
}
