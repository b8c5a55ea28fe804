package store

import (
	"context"
	"time"

	"github.com/afenda/offlinesync/internal/uuid"
)

const (
	metaCollection = "meta"

	// KeyLastSync holds the RFC 3339 time of the last completed pull.
	KeyLastSync = "offline.lastSync"
	// KeyClientID holds the identifier minted once per installation.
	KeyClientID = "offline.clientId"
	// KeyQueueSeq holds the last sequence number given to a queue item.
	KeyQueueSeq = "offline.queueSeq"
)

// MetaStore holds small string settings.
type MetaStore struct {
	s *Store
}

// Get returns the value for key and whether it was set.
func (ms *MetaStore) Get(ctx context.Context, key string) (string, bool, error) {
	data, err := ms.s.backend.Get(ctx, metaCollection, key)
	if IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// Set stores value under key.
func (ms *MetaStore) Set(ctx context.Context, key, value string) error {
	return ms.s.backend.Put(ctx, metaCollection, key, []byte(value), nil)
}

// LastSync returns the stored pull watermark, or nil before the first pull.
func (ms *MetaStore) LastSync(ctx context.Context) (*time.Time, error) {
	v, ok, err := ms.Get(ctx, KeyLastSync)
	if err != nil || !ok {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SetLastSync stores the pull watermark.
func (ms *MetaStore) SetLastSync(ctx context.Context, t time.Time) error {
	return ms.Set(ctx, KeyLastSync, t.UTC().Format(time.RFC3339Nano))
}

// ClientID returns the installation id, generating it on first use.
func (ms *MetaStore) ClientID(ctx context.Context) (string, error) {
	v, ok, err := ms.Get(ctx, KeyClientID)
	if err != nil {
		return "", err
	}
	if ok && v != "" {
		return v, nil
	}
	id := uuid.NewClientID()
	if err := ms.Set(ctx, KeyClientID, id); err != nil {
		return "", err
	}
	return id, nil
}
