// Package transport talks to the sync server over HTTP.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/afenda/offlinesync/internal/errors"
	"github.com/afenda/offlinesync/internal/models"
	"github.com/afenda/offlinesync/internal/telemetry"
)

// UserHeader carries the acting user on every request.
const UserHeader = "X-User-ID"

// DefaultTimeout bounds a single sync request.
const DefaultTimeout = 10 * time.Second

// Config holds server connection settings.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	AuthToken         string
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

// Client implements push and pull against the sync API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s failed with status %d: %s", e.Method, e.Path, e.StatusCode, strings.TrimSpace(e.Body))
}

// NewClient creates a Client. A zero RequestsPerSecond disables limiting.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid server base URL %q", cfg.BaseURL))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.AuthToken,
		httpClient: hc,
		limiter:    limiter,
	}, nil
}

// Push sends one mutation: POST for create, PATCH for update and DELETE
// (without a body) for delete.
func (c *Client) Push(ctx context.Context, req PushRequest) (*PushResult, error) {
	coll := req.EntityType.Collection()
	var (
		method string
		path   string
		body   []byte
	)
	switch req.Operation {
	case models.OperationCreate:
		method, path = http.MethodPost, "/"+coll
	case models.OperationUpdate:
		method, path = http.MethodPatch, "/"+coll+"/"+url.PathEscape(req.EntityID)
	case models.OperationDelete:
		method, path = http.MethodDelete, "/"+coll+"/"+url.PathEscape(req.EntityID)
	default:
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown operation %q", req.Operation))
	}

	if req.Operation != models.OperationDelete {
		if models.IsNil(req.Entity) {
			return nil, apperrors.New(apperrors.ErrInvalid, "push requires entity data")
		}
		var err error
		if body, err = json.Marshal(req.Entity); err != nil {
			return nil, fmt.Errorf("encode %s: %w", req.EntityType, err)
		}
	}

	data, err := c.do(ctx, method, path, req.UserID, body)
	if err != nil {
		return nil, err
	}
	if req.Operation == models.OperationDelete || len(bytes.TrimSpace(data)) == 0 {
		return &PushResult{}, nil
	}
	e, err := models.DecodeEntity(req.EntityType, data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "decode push response", err)
	}
	return &PushResult{Entity: e}, nil
}

// Pull fetches server changes since the given time. A nil since requests a
// full resync.
func (c *Client) Pull(ctx context.Context, userID string, since *time.Time) (*PullResponse, error) {
	path := "/sync/pull"
	if since != nil {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	data, err := c.do(ctx, http.MethodGet, path, userID, nil)
	if err != nil {
		return nil, err
	}
	var resp PullResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "decode pull response", err)
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path, userID string, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classify(ctx, method, path, err)
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(UserHeader, userID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		telemetry.ObserveRequest(method, 0, time.Since(start))
		return nil, classify(ctx, method, path, err)
	}
	defer resp.Body.Close()
	telemetry.ObserveRequest(method, resp.StatusCode, time.Since(start))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s response: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		herr := &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(data)}
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, apperrors.Wrap(apperrors.ErrSyncNotAuthenticated, "server rejected credentials", herr)
		}
		return nil, apperrors.Wrap(apperrors.ErrTransportHTTP, "sync request failed", herr)
	}
	return data, nil
}

func classify(ctx context.Context, method, path string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, fmt.Sprintf("%s %s timed out", method, path), err)
	}
	return apperrors.Wrap(apperrors.ErrSyncFailed, fmt.Sprintf("%s %s failed", method, path), err)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var herr *HTTPError
	if errors.As(err, &herr) {
		return herr.StatusCode
	}
	return 0
}
