package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/afenda/offlinesync/cmd/offlinesync/handlers"
	apperrors "github.com/afenda/offlinesync/internal/errors"
	"github.com/afenda/offlinesync/internal/models"
)

// adminClient talks to the admin API of a running daemon.
type adminClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAdminClient(baseURL string) *adminClient {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &adminClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *adminClient) State(ctx context.Context) (*handlers.StateResponse, error) {
	var st handlers.StateResponse
	if err := c.do(ctx, http.MethodGet, "/api/state", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *adminClient) Sync(ctx context.Context) (*handlers.StateResponse, error) {
	var st handlers.StateResponse
	if err := c.do(ctx, http.MethodPost, "/api/sync", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *adminClient) SetOnline(ctx context.Context, online bool) (*handlers.StateResponse, error) {
	var st handlers.StateResponse
	if err := c.do(ctx, http.MethodPost, "/api/connectivity", map[string]bool{"online": online}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *adminClient) Conflicts(ctx context.Context) ([]models.SyncConflict, error) {
	var out []models.SyncConflict
	if err := c.do(ctx, http.MethodGet, "/api/conflicts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *adminClient) Resolve(ctx context.Context, id string, req handlers.ResolveRequest) (*models.SyncConflict, error) {
	var out models.SyncConflict
	if err := c.do(ctx, http.MethodPost, "/api/conflicts/"+id+"/resolve", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *adminClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransportHTTP, "daemon not reachable at "+c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e handlers.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Code == "" {
			return apperrors.New(apperrors.ErrTransportHTTP, fmt.Sprintf("%s %s: HTTP %d", method, path, resp.StatusCode))
		}
		code := apperrors.ErrorCode(e.Code)
		return &apperrors.AppError{Code: code, Message: strings.TrimPrefix(e.Error, "["+e.Code+"] ")}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
