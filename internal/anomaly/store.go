package anomaly

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ModelStore persists fitted models per tenant. Load returns nil, nil when
// nothing is stored.
type ModelStore interface {
	Load(ctx context.Context, tenant string) ([]byte, error)
	Save(ctx context.Context, tenant string, blob []byte) error
	Delete(ctx context.Context, tenant string) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Load(ctx context.Context, tenant string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[tenant]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), blob...), nil
}

func (m *MemoryStore) Save(ctx context.Context, tenant string, blob []byte) error {
	m.mu.Lock()
	m.blobs[tenant] = append([]byte(nil), blob...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, tenant string) error {
	m.mu.Lock()
	delete(m.blobs, tenant)
	m.mu.Unlock()
	return nil
}

// FileStore keeps one JSON file per tenant under Dir.
type FileStore struct {
	Dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create model dir: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

// path hex-encodes the tenant so distinct ids never share a file, even on
// case-insensitive filesystems.
func (f *FileStore) path(tenant string) string {
	return filepath.Join(f.Dir, "model_"+hex.EncodeToString([]byte(tenant))+".json")
}

func (f *FileStore) Load(ctx context.Context, tenant string) ([]byte, error) {
	blob, err := os.ReadFile(f.path(tenant))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return blob, err
}

func (f *FileStore) Save(ctx context.Context, tenant string, blob []byte) error {
	tmp, err := os.CreateTemp(f.Dir, "model-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path(tenant))
}

func (f *FileStore) Delete(ctx context.Context, tenant string) error {
	err := os.Remove(f.path(tenant))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// RedisStore shares fitted models between processes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "threatwatch:anomaly:model:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) Load(ctx context.Context, tenant string) ([]byte, error) {
	blob, err := r.client.Get(ctx, r.prefix+tenant).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return blob, err
}

func (r *RedisStore) Save(ctx context.Context, tenant string, blob []byte) error {
	return r.client.Set(ctx, r.prefix+tenant, blob, r.ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, tenant string) error {
	return r.client.Del(ctx, r.prefix+tenant).Err()
}
