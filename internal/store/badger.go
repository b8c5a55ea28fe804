package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang/snappy"

	"github.com/afenda/offlinesync/internal/logging"
)

// Key layout, with \x00 separators:
//
//	r <collection> <key>                 -> snappy(value)
//	x <collection> <key>                 -> json(Indexes)
//	i <collection> <name> <value> <key>  -> empty
const sep = "\x00"

// BadgerConfig configures the Badger backend.
type BadgerConfig struct {
	Path           string
	InMemory       bool
	SyncWrites     bool
	GCInterval     time.Duration
	GCDiscardRatio float64
	Logger         *logging.Logger
}

// DefaultBadgerConfig returns durable settings with periodic value-log GC.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns settings for an ephemeral database.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// BadgerBackend stores records in a Badger key-value database with
// snappy-compressed values.
type BadgerBackend struct {
	db     *badger.DB
	stopGC chan struct{}
	doneGC chan struct{}
}

// OpenBadger opens a Badger backend.
func OpenBadger(cfg BadgerConfig) (*BadgerBackend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(logging.BadgerAdapter{L: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, unavailable(fmt.Errorf("open badger database: %w", err))
	}

	b := &BadgerBackend{db: bdb}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.stopGC = make(chan struct{})
		b.doneGC = make(chan struct{})
		go b.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return b, nil
}

func (b *BadgerBackend) runGC(interval time.Duration, ratio float64) {
	defer close(b.doneGC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			err := b.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logging.Warn("badger value log GC error", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func recordKey(collection, key string) []byte {
	return []byte("r" + sep + collection + sep + key)
}

func indexMetaKey(collection, key string) []byte {
	return []byte("x" + sep + collection + sep + key)
}

func indexPrefix(collection, name, value string) []byte {
	return []byte("i" + sep + collection + sep + name + sep + value + sep)
}

func (b *BadgerBackend) Get(_ context.Context, collection, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		v, err := readValue(txn, recordKey(collection, key))
		out = v
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound(collection, key)
	}
	if err != nil {
		return nil, b.wrap(err)
	}
	return out, nil
}

func readValue(txn *badger.Txn, k []byte) ([]byte, error) {
	item, err := txn.Get(k)
	if err != nil {
		return nil, err
	}
	var out []byte
	err = item.Value(func(val []byte) error {
		decoded, err := snappy.Decode(nil, val)
		if err != nil {
			return fmt.Errorf("decode value: %w", err)
		}
		out = decoded
		return nil
	})
	return out, err
}

func (b *BadgerBackend) Put(_ context.Context, collection, key string, value []byte, indexes Indexes) error {
	indexes = indexes.compact()
	meta, err := json.Marshal(indexes)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		if err := dropIndexes(txn, collection, key); err != nil {
			return err
		}
		if err := txn.Set(recordKey(collection, key), snappy.Encode(nil, value)); err != nil {
			return err
		}
		if err := txn.Set(indexMetaKey(collection, key), meta); err != nil {
			return err
		}
		for name, v := range indexes {
			k := append(indexPrefix(collection, name, v), key...)
			if err := txn.Set(k, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return b.wrap(err)
	}
	return nil
}

// dropIndexes removes the index entries previously written for key.
func dropIndexes(txn *badger.Txn, collection, key string) error {
	item, err := txn.Get(indexMetaKey(collection, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var old Indexes
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &old)
	}); err != nil {
		return err
	}
	for name, v := range old {
		if err := txn.Delete(append(indexPrefix(collection, name, v), key...)); err != nil {
			return err
		}
	}
	return nil
}

func (b *BadgerBackend) Delete(_ context.Context, collection, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		if err := dropIndexes(txn, collection, key); err != nil {
			return err
		}
		if err := txn.Delete(indexMetaKey(collection, key)); err != nil {
			return err
		}
		return txn.Delete(recordKey(collection, key))
	})
	if err != nil {
		return b.wrap(err)
	}
	return nil
}

func (b *BadgerBackend) QueryByIndex(_ context.Context, collection, index, value string) ([]Record, error) {
	prefix := indexPrefix(collection, index, value)
	var out []Record
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(bytes.TrimPrefix(it.Item().KeyCopy(nil), prefix))
			v, err := readValue(txn, recordKey(collection, key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, Record{Key: key, Value: v})
		}
		return nil
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *BadgerBackend) Ping(context.Context) error {
	if b.db.IsClosed() {
		return unavailable(errClosed)
	}
	return nil
}

func (b *BadgerBackend) Close() error {
	if b.stopGC != nil {
		close(b.stopGC)
		<-b.doneGC
		b.stopGC = nil
	}
	return b.db.Close()
}

func (b *BadgerBackend) wrap(err error) error {
	if errors.Is(err, badger.ErrDBClosed) || b.db.IsClosed() {
		return unavailable(err)
	}
	return fmt.Errorf("badger backend: %w", err)
}
