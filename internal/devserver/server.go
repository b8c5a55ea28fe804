// Package devserver is an in-memory reference implementation of the sync
// API. It versions records server-side, de-duplicates creates by client
// id and serves incremental pulls with deletion refs. It exists for local
// development and end-to-end tests.
package devserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/afenda/offlinesync/internal/errors"
	"github.com/afenda/offlinesync/internal/logging"
	"github.com/afenda/offlinesync/internal/models"
	"github.com/afenda/offlinesync/internal/sync/transport"
	"github.com/afenda/offlinesync/internal/uuid"
)

// BasePath prefixes every route.
const BasePath = "/api/v1"

type record struct {
	entity     models.Entity
	modifiedAt time.Time
}

type deletion struct {
	userID string
	ref    transport.DeletedRef
}

type injected struct {
	remaining int
	status    int
}

// Options configures a Server.
type Options struct {
	// Token, when set, is required as a bearer token on every request.
	Token  string
	Logger *logging.Logger
	Now    func() time.Time
}

// Server holds the records of every user.
type Server struct {
	token  string
	logger *logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	records  map[models.EntityType]map[string]*record
	byClient map[models.EntityType]map[string]string
	deleted  map[models.EntityType][]deletion
	failure  injected
	requests int
}

// New creates an empty server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Get()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Server{
		token:    opts.Token,
		logger:   logger,
		now:      now,
		records:  make(map[models.EntityType]map[string]*record),
		byClient: make(map[models.EntityType]map[string]string),
		deleted:  make(map[models.EntityType][]deletion),
	}
	for _, t := range models.EntityTypes {
		s.records[t] = make(map[string]*record)
		s.byClient[t] = make(map[string]string)
	}
	return s
}

// Handler returns the gin engine serving the API under BasePath.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	v1 := r.Group(BasePath, s.authenticate(), s.injectFailures())
	v1.GET("/sync/pull", s.pull)
	for _, t := range models.EntityTypes {
		g := v1.Group("/" + t.Collection())
		g.POST("", s.create(t))
		g.PATCH("/:id", s.update(t))
		g.DELETE("/:id", s.remove(t))
	}
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "offlinesync-devserver"})
	})
	return r
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Dev server listening", map[string]interface{}{"addr": addr, "base_path": BasePath})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// FailNext makes the next n API requests fail with status.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	s.failure = injected{remaining: n, status: status}
	s.mu.Unlock()
}

// Requests returns how many API requests reached the handlers.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// =====================================================
// Seeding (edits made by other devices)
// =====================================================

// Put stores e as the server copy, as another device would.
func (s *Server) Put(e models.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := e.CloneEntity()
	meta := c.Meta()
	meta.SyncStatus = models.SyncStatusSynced
	s.records[c.EntityType()][meta.ID] = &record{entity: c, modifiedAt: s.now().UTC()}
	if meta.ClientGeneratedID != "" {
		s.byClient[c.EntityType()][clientKey(meta.UserID, meta.ClientGeneratedID)] = meta.ID
	}
}

// Get returns a copy of the server record, if any.
func (s *Server) Get(t models.EntityType, id string) (models.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[t][id]
	if !ok {
		return nil, false
	}
	return rec.entity.CloneEntity(), true
}

// List returns copies of the user's records of type t ordered by id.
func (s *Server) List(userID string, t models.EntityType) []models.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Entity
	for _, rec := range s.records[t] {
		if rec.entity.Meta().UserID == userID {
			out = append(out, rec.entity.CloneEntity())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Meta().ID < out[j].Meta().ID })
	return out
}

// Delete removes a record as another device would.
func (s *Server) Delete(t models.EntityType, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[t][id]
	if !ok {
		return false
	}
	s.deleteLocked(t, rec)
	return true
}

func (s *Server) deleteLocked(t models.EntityType, rec *record) {
	meta := rec.entity.Meta()
	delete(s.records[t], meta.ID)
	if meta.ClientGeneratedID != "" {
		delete(s.byClient[t], clientKey(meta.UserID, meta.ClientGeneratedID))
	}
	s.deleted[t] = append(s.deleted[t], deletion{
		userID: meta.UserID,
		ref: transport.DeletedRef{
			ID:                meta.ID,
			ClientGeneratedID: meta.ClientGeneratedID,
			DeletedAt:         s.now().UTC(),
		},
	})
}

func clientKey(userID, clientID string) string {
	return userID + "|" + clientID
}

// =====================================================
// Middleware
// =====================================================

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Dev server request", map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"user_id":     c.GetHeader(transport.UserHeader),
		})
	}
}

func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token != "" {
			auth := c.GetHeader("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.token {
				abort(c, http.StatusUnauthorized, apperrors.ErrSyncNotAuthenticated, "invalid token")
				return
			}
		}
		if c.GetHeader(transport.UserHeader) == "" {
			abort(c, http.StatusUnauthorized, apperrors.ErrSyncNotAuthenticated, transport.UserHeader+" header required")
			return
		}
		c.Next()
	}
}

func (s *Server) injectFailures() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		s.requests++
		status := 0
		if s.failure.remaining > 0 {
			s.failure.remaining--
			status = s.failure.status
		}
		s.mu.Unlock()
		if status != 0 {
			abort(c, status, apperrors.ErrInternal, "injected failure")
			return
		}
		c.Next()
	}
}

func abort(c *gin.Context, status int, code apperrors.ErrorCode, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": code})
}

// =====================================================
// Handlers
// =====================================================

func (s *Server) decode(c *gin.Context, t models.EntityType) (models.Entity, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		abort(c, http.StatusBadRequest, apperrors.ErrInvalid, "read body")
		return nil, false
	}
	e, err := models.DecodeEntity(t, body)
	if err != nil {
		abort(c, http.StatusBadRequest, apperrors.ErrInvalid, err.Error())
		return nil, false
	}
	return e, true
}

func (s *Server) create(t models.EntityType) gin.HandlerFunc {
	return func(c *gin.Context) {
		e, ok := s.decode(c, t)
		if !ok {
			return
		}
		userID := c.GetHeader(transport.UserHeader)
		now := s.now().UTC()

		s.mu.Lock()
		defer s.mu.Unlock()

		meta := e.Meta()
		if meta.ClientGeneratedID != "" {
			if id, dup := s.byClient[t][clientKey(userID, meta.ClientGeneratedID)]; dup {
				if rec, ok := s.records[t][id]; ok {
					c.JSON(http.StatusOK, rec.entity)
					return
				}
			}
		}

		meta.ID = uuid.New()
		meta.UserID = userID
		if meta.SyncVersion < 1 {
			meta.SyncVersion = 1
		}
		if meta.CreatedAt.IsZero() {
			meta.CreatedAt = now
		}
		if meta.UpdatedAt.IsZero() {
			meta.UpdatedAt = now
		}
		meta.IsDeleted = false
		meta.MarkSynced(now)
		if err := models.Validate(e); err != nil {
			abort(c, http.StatusUnprocessableEntity, apperrors.ErrValidation, err.Error())
			return
		}

		s.records[t][meta.ID] = &record{entity: e, modifiedAt: now}
		if meta.ClientGeneratedID != "" {
			s.byClient[t][clientKey(userID, meta.ClientGeneratedID)] = meta.ID
		}
		c.JSON(http.StatusCreated, e)
	}
}

func (s *Server) update(t models.EntityType) gin.HandlerFunc {
	return func(c *gin.Context) {
		e, ok := s.decode(c, t)
		if !ok {
			return
		}
		userID := c.GetHeader(transport.UserHeader)
		id := c.Param("id")
		now := s.now().UTC()

		s.mu.Lock()
		defer s.mu.Unlock()

		rec, ok := s.records[t][id]
		if !ok || rec.entity.Meta().UserID != userID {
			abort(c, http.StatusNotFound, apperrors.ErrNotFound, string(t)+" "+id+" not found")
			return
		}
		stored := rec.entity.Meta()
		meta := e.Meta()
		meta.ID = stored.ID
		meta.UserID = stored.UserID
		meta.ClientGeneratedID = stored.ClientGeneratedID
		meta.CreatedAt = stored.CreatedAt
		if meta.UpdatedAt.IsZero() {
			meta.UpdatedAt = now
		}
		if meta.SyncVersion <= stored.SyncVersion {
			meta.SyncVersion = stored.SyncVersion + 1
		}
		meta.IsDeleted = false
		meta.MarkSynced(now)
		if err := models.Validate(e); err != nil {
			abort(c, http.StatusUnprocessableEntity, apperrors.ErrValidation, err.Error())
			return
		}

		s.records[t][id] = &record{entity: e, modifiedAt: now}
		c.JSON(http.StatusOK, e)
	}
}

func (s *Server) remove(t models.EntityType) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(transport.UserHeader)
		id := c.Param("id")

		s.mu.Lock()
		defer s.mu.Unlock()

		rec, ok := s.records[t][id]
		if !ok || rec.entity.Meta().UserID != userID {
			abort(c, http.StatusNotFound, apperrors.ErrNotFound, string(t)+" "+id+" not found")
			return
		}
		s.deleteLocked(t, rec)
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) pull(c *gin.Context) {
	userID := c.GetHeader(transport.UserHeader)
	var since *time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			abort(c, http.StatusBadRequest, apperrors.ErrInvalid, "since must be RFC 3339: "+strconv.Quote(raw))
			return
		}
		since = &t
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := func(at time.Time) bool {
		return since == nil || !at.Before(*since)
	}

	resp := transport.PullResponse{
		Tasks:    []*models.Task{},
		Projects: []*models.Project{},
		Deleted: transport.DeletedRefs{
			Tasks:    []transport.DeletedRef{},
			Projects: []transport.DeletedRef{},
		},
	}
	for _, t := range models.EntityTypes {
		recs := make([]*record, 0, len(s.records[t]))
		for _, rec := range s.records[t] {
			if rec.entity.Meta().UserID == userID && changed(rec.modifiedAt) {
				recs = append(recs, rec)
			}
		}
		sort.Slice(recs, func(i, j int) bool {
			if !recs[i].modifiedAt.Equal(recs[j].modifiedAt) {
				return recs[i].modifiedAt.Before(recs[j].modifiedAt)
			}
			return recs[i].entity.Meta().ID < recs[j].entity.Meta().ID
		})
		for _, rec := range recs {
			switch e := rec.entity.(type) {
			case *models.Task:
				resp.Tasks = append(resp.Tasks, e)
			case *models.Project:
				resp.Projects = append(resp.Projects, e)
			}
		}

		for _, d := range s.deleted[t] {
			if d.userID != userID || !changed(d.ref.DeletedAt) {
				continue
			}
			if t == models.EntityProject {
				resp.Deleted.Projects = append(resp.Deleted.Projects, d.ref)
			} else {
				resp.Deleted.Tasks = append(resp.Deleted.Tasks, d.ref)
			}
		}
	}
	last := s.now().UTC()
	resp.LastSync = &last
	c.JSON(http.StatusOK, resp)
}
