package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/afenda/offlinesync/internal/db"
	apperrors "github.com/afenda/offlinesync/internal/errors"
)

const (
	sqlGetRecord = `SELECT value FROM records WHERE collection = ? AND key = ?`

	sqlUpsertRecord = `INSERT INTO records (collection, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	sqlClearIndexes = `DELETE FROM record_indexes WHERE collection = ? AND key = ?`

	sqlInsertIndex = `INSERT INTO record_indexes (collection, key, name, value) VALUES (?, ?, ?, ?)`

	sqlDeleteRecord = `DELETE FROM records WHERE collection = ? AND key = ?`

	sqlQueryIndex = `SELECT r.key, r.value FROM record_indexes i
		JOIN records r ON r.collection = i.collection AND r.key = i.key
		WHERE i.collection = ? AND i.name = ? AND i.value = ?
		ORDER BY r.key`
)

// SQLiteBackend stores records in the migrated records/record_indexes tables.
type SQLiteBackend struct {
	db    *db.DB
	stmts *db.StmtCache
}

// NewSQLiteBackend wraps an opened database. The backend owns it from here on.
func NewSQLiteBackend(database *db.DB) *SQLiteBackend {
	return &SQLiteBackend{
		db:    database,
		stmts: db.NewStmtCache(database.DB),
	}
}

// OpenSQLite opens (and migrates) the database under dataDir.
func OpenSQLite(dataDir string) (*SQLiteBackend, error) {
	database, err := db.Open(dataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "open sqlite", err)
	}
	return NewSQLiteBackend(database), nil
}

// OpenSQLiteMemory opens a private in-memory database.
func OpenSQLiteMemory() (*SQLiteBackend, error) {
	database, err := db.OpenMemory()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "open sqlite", err)
	}
	return NewSQLiteBackend(database), nil
}

func (s *SQLiteBackend) Get(ctx context.Context, collection, key string) ([]byte, error) {
	stmt, err := s.stmts.Prepare(ctx, sqlGetRecord)
	if err != nil {
		return nil, s.wrap(err)
	}
	var value []byte
	if err := stmt.QueryRowContext(ctx, collection, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(collection, key)
		}
		return nil, s.wrap(err)
	}
	return value, nil
}

func (s *SQLiteBackend) Put(ctx context.Context, collection, key string, value []byte, indexes Indexes) error {
	// Prepare before Begin: the pool holds a single connection.
	upsert, err := s.stmts.Prepare(ctx, sqlUpsertRecord)
	if err != nil {
		return s.wrap(err)
	}
	clearIdx, err := s.stmts.Prepare(ctx, sqlClearIndexes)
	if err != nil {
		return s.wrap(err)
	}
	insert, err := s.stmts.Prepare(ctx, sqlInsertIndex)
	if err != nil {
		return s.wrap(err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(err)
	}
	defer tx.Rollback()

	if _, err := tx.StmtContext(ctx, upsert).ExecContext(ctx, collection, key, value, time.Now().UnixMilli()); err != nil {
		return s.wrap(err)
	}
	if _, err := tx.StmtContext(ctx, clearIdx).ExecContext(ctx, collection, key); err != nil {
		return s.wrap(err)
	}
	ins := tx.StmtContext(ctx, insert)
	for name, v := range indexes.compact() {
		if _, err := ins.ExecContext(ctx, collection, key, name, v); err != nil {
			return s.wrap(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.wrap(err)
	}
	return nil
}

func (s *SQLiteBackend) Delete(ctx context.Context, collection, key string) error {
	stmt, err := s.stmts.Prepare(ctx, sqlDeleteRecord)
	if err != nil {
		return s.wrap(err)
	}
	// record_indexes rows go with it via ON DELETE CASCADE.
	if _, err := stmt.ExecContext(ctx, collection, key); err != nil {
		return s.wrap(err)
	}
	return nil
}

func (s *SQLiteBackend) QueryByIndex(ctx context.Context, collection, index, value string) ([]Record, error) {
	stmt, err := s.stmts.Prepare(ctx, sqlQueryIndex)
	if err != nil {
		return nil, s.wrap(err)
	}
	rows, err := stmt.QueryContext(ctx, collection, index, value)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Value); err != nil {
			return nil, s.wrap(err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err)
	}
	return out, nil
}

func (s *SQLiteBackend) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *SQLiteBackend) Close() error {
	stmtErr := s.stmts.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return stmtErr
}

func (s *SQLiteBackend) wrap(err error) error {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return unavailable(err)
	}
	if err.Error() == "sql: database is closed" {
		return unavailable(err)
	}
	return apperrors.Wrap(apperrors.ErrDatabase, "sqlite backend", err)
}
