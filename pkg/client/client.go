// Package client talks to the delta HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/protocol"
)

// StatusError is returned for any non-2xx response. Kind carries the error
// kind reported by the server, e.g. CommitConflict or VersionNotFound.
type StatusError struct {
	Code    int
	Kind    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("delta api: %d %s: %s", e.Code, e.Kind, e.Message)
	}
	return fmt.Sprintf("delta api: %d: %s", e.Code, e.Message)
}

// IsConflict reports whether err is a 409 answer: a conflicting concurrent
// commit, an exhausted retry budget or a stale expected version.
func IsConflict(err error) bool {
	se, ok := err.(*StatusError)
	return ok && se.Code == http.StatusConflict
}

// IsNotFound reports whether err is a 404 answer.
func IsNotFound(err error) bool {
	se, ok := err.(*StatusError)
	return ok && se.Code == http.StatusNotFound
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New returns a client for baseURL with a bounded request timeout.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// CommitRequest mirrors the body accepted by POST /tables/{name}/commits.
// A nil ExpectedVersion appends on top of the server's latest version.
type CommitRequest struct {
	ExpectedVersion     *int64            `json:"expectedVersion,omitempty"`
	Operation           string            `json:"operation,omitempty"`
	OperationParameters map[string]any    `json:"operationParameters,omitempty"`
	EngineInfo          string            `json:"engineInfo,omitempty"`
	Actions             []protocol.Action `json:"actions"`
}

type CommitResult struct {
	Version  int64 `json:"version"`
	Attempts int   `json:"attempts"`
}

type State struct {
	Version  int64                 `json:"version"`
	Protocol *protocol.Protocol    `json:"protocol,omitempty"`
	Metadata *protocol.Metadata    `json:"metadata,omitempty"`
	Files    []protocol.AddFile    `json:"files"`
	Removed  []protocol.RemoveFile `json:"removed,omitempty"`
}

type HistoryEntry struct {
	Version    int64                `json:"version"`
	NumActions int                  `json:"numActions"`
	CommitInfo *protocol.CommitInfo `json:"commitInfo,omitempty"`
}

// Create initializes table name at version 0. A zero protocol lets the
// server pick its default.
func (c *Client) Create(ctx context.Context, name string, md protocol.Metadata, p protocol.Protocol) (int64, error) {
	body := map[string]any{"metadata": md, "protocol": p}
	var out struct{ Version int64 }
	if err := c.do(ctx, http.MethodPut, c.tableURL(name), body, &out); err != nil {
		return -1, err
	}
	return out.Version, nil
}

// Commit sends req and returns the version it was written at.
func (c *Client) Commit(ctx context.Context, name string, req CommitRequest) (CommitResult, error) {
	var out CommitResult
	if err := c.do(ctx, http.MethodPost, c.tableURL(name, "commits"), req, &out); err != nil {
		return CommitResult{}, err
	}
	return out, nil
}

// Head returns the latest version of the table, -1 when it has none.
func (c *Client) Head(ctx context.Context, name string) (int64, error) {
	var out struct{ Version int64 }
	if err := c.do(ctx, http.MethodGet, c.tableURL(name, "head"), nil, &out); err != nil {
		return -1, err
	}
	return out.Version, nil
}

// ReadVersion downloads and decodes the commit stored at version.
func (c *Client) ReadVersion(ctx context.Context, name string, version int64) ([]protocol.Action, error) {
	resp, err := c.send(ctx, http.MethodGet, c.tableURL(name, "versions", strconv.FormatInt(version, 10)), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeCommit(data)
}

func (c *Client) State(ctx context.Context, name string) (State, error) {
	var out State
	if err := c.do(ctx, http.MethodGet, c.tableURL(name, "state"), nil, &out); err != nil {
		return State{}, err
	}
	return out, nil
}

// History lists the commits of the table, newest first.
func (c *Client) History(ctx context.Context, name string) ([]HistoryEntry, error) {
	var out struct {
		History []HistoryEntry `json:"history"`
	}
	if err := c.do(ctx, http.MethodGet, c.tableURL(name, "history"), nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// Checkpoint asks the server to checkpoint the table at its latest version.
func (c *Client) Checkpoint(ctx context.Context, name string) (int64, error) {
	var out struct{ Version int64 }
	if err := c.do(ctx, http.MethodPost, c.tableURL(name, "checkpoint"), nil, &out); err != nil {
		return -1, err
	}
	return out.Version, nil
}

// Tables lists the tables served by the server.
func (c *Client) Tables(ctx context.Context) ([]string, error) {
	var out struct{ Tables []string }
	if err := c.do(ctx, http.MethodGet, c.BaseURL+"/tables", nil, &out); err != nil {
		return nil, err
	}
	return out.Tables, nil
}

func (c *Client) tableURL(name string, parts ...string) string {
	segs := append([]string{strings.TrimRight(c.BaseURL, "/"), "tables", url.PathEscape(name)}, parts...)
	return strings.Join(segs, "/")
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	resp, err := c.send(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, endpoint, err)
	}
	return nil
}

// send issues the request and turns non-2xx answers into *StatusError.
func (c *Client) send(ctx context.Context, method, endpoint string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		se := &StatusError{Code: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var payload struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			se.Message, se.Kind = payload.Error, payload.Kind
		} else {
			se.Message = strings.TrimSpace(string(data))
		}
		return nil, se
	}
	return resp, nil
}
