package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// StmtCache prepares statements on first use and reuses them.
type StmtCache struct {
	db    *sql.DB
	stmts sync.Map // map[string]*sql.Stmt
}

// NewStmtCache creates a cache bound to db.
func NewStmtCache(db *sql.DB) *StmtCache {
	return &StmtCache{db: db}
}

// Prepare gets or creates a prepared statement for query.
func (c *StmtCache) Prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := c.stmts.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := c.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine stored one first, close our duplicate.
	actual, loaded := c.stmts.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached statements.
func (c *StmtCache) Close() error {
	var firstErr error
	c.stmts.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.stmts.Delete(key)
		return true
	})
	return firstErr
}
