package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	apperrors "github.com/afenda/offlinesync/internal/errors"
	"github.com/afenda/offlinesync/internal/logging"
	"github.com/afenda/offlinesync/internal/models"
)

// Backend kinds accepted by Open.
const (
	KindSQLite = "sqlite"
	KindBadger = "badger"
	KindMemory = "memory"
)

// Store groups the typed stores over one Backend.
type Store struct {
	backend   Backend
	now       func() time.Time
	tasks     *EntityStore
	projects  *EntityStore
	queue     *QueueStore
	conflicts *ConflictStore
	meta      *MetaStore
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for status stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a Store over an open backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.tasks = &EntityStore{s: s, typ: models.EntityTask}
	s.projects = &EntityStore{s: s, typ: models.EntityProject}
	s.queue = &QueueStore{s: s}
	s.conflicts = &ConflictStore{s: s}
	s.meta = &MetaStore{s: s}
	return s
}

// Open opens a backend of the given kind under dataDir and wraps it.
func Open(kind, dataDir string, logger *logging.Logger, opts ...Option) (*Store, error) {
	var (
		backend Backend
		err     error
	)
	switch kind {
	case KindSQLite, "":
		backend, err = OpenSQLite(dataDir)
	case KindBadger:
		cfg := DefaultBadgerConfig(filepath.Join(dataDir, "badger"))
		cfg.Logger = logger
		backend, err = OpenBadger(cfg)
	case KindMemory:
		backend = NewMemoryBackend()
	default:
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown storage backend %q", kind))
	}
	if err != nil {
		return nil, err
	}
	return New(backend, opts...), nil
}

// Backend returns the underlying storage engine.
func (s *Store) Backend() Backend { return s.backend }

// Entities returns the store for entity type t.
func (s *Store) Entities(t models.EntityType) *EntityStore {
	if t == models.EntityProject {
		return s.projects
	}
	return s.tasks
}

// Tasks returns the task store.
func (s *Store) Tasks() *EntityStore { return s.tasks }

// Projects returns the project store.
func (s *Store) Projects() *EntityStore { return s.projects }

// Queue returns the sync queue store.
func (s *Store) Queue() *QueueStore { return s.queue }

// Conflicts returns the conflict store.
func (s *Store) Conflicts() *ConflictStore { return s.conflicts }

// Meta returns the key/value settings store.
func (s *Store) Meta() *MetaStore { return s.meta }

// Ping reports whether the backend is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func putJSON(ctx context.Context, b Backend, collection, key string, v interface{}, ix Indexes) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	return b.Put(ctx, collection, key, data, ix)
}

func getJSON[T any](ctx context.Context, b Backend, collection, key string) (*T, error) {
	data, err := b.Get(ctx, collection, key)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return &v, nil
}

func queryJSON[T any](ctx context.Context, b Backend, collection, index, value string) ([]*T, error) {
	recs, err := b.QueryByIndex(ctx, collection, index, value)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(recs))
	for _, r := range recs {
		var v T
		if err := json.Unmarshal(r.Value, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, r.Key, err)
		}
		out = append(out, &v)
	}
	return out, nil
}

func flag(b bool, v string) string {
	if b {
		return v
	}
	return ""
}
