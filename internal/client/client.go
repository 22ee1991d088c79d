// Package client talks to a fuzzbed server over its HTTP API. The CLI and
// the watch TUI use it.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fuzzbed/fuzzbed/internal/api"
	"github.com/fuzzbed/fuzzbed/internal/events"
	"github.com/fuzzbed/fuzzbed/internal/jobs"
	"github.com/fuzzbed/fuzzbed/internal/journal"
	"github.com/fuzzbed/fuzzbed/internal/workspace"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Reason     string
}

func (e *APIError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Reason)
}

// NotFound reports whether err is a 404 from the server.
func NotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// New returns a client for addr, which may be "host:port" or a full URL.
func New(addr string, opts ...Option) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	c := &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Init(ctx context.Context, req api.InitRequest) (api.InitResponse, error) {
	var resp api.InitResponse
	err := c.do(ctx, http.MethodPost, "/api/init", req, &resp)
	return resp, err
}

func (c *Client) Start(ctx context.Context, req api.StartRequest) (api.JobResponse, error) {
	var resp api.JobResponse
	err := c.do(ctx, http.MethodPost, "/api/start", req, &resp)
	return resp, err
}

func (c *Client) Stop(ctx context.Context, jobName string) (api.JobResponse, error) {
	var resp api.JobResponse
	err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobName)+"/stop", nil, &resp)
	return resp, err
}

// Jobs lists jobs; an empty state lists all of them.
func (c *Client) Jobs(ctx context.Context, state jobs.State) ([]jobs.Record, error) {
	path := "/api/jobs"
	if state != "" {
		path += "?state=" + url.QueryEscape(string(state))
	}
	var out []jobs.Record
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Job(ctx context.Context, jobName string) (jobs.Record, error) {
	var rec jobs.Record
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobName), nil, &rec)
	return rec, err
}

func (c *Client) History(ctx context.Context, jobName string) ([]journal.Transition, error) {
	var out []journal.Transition
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobName)+"/history", nil, &out)
	return out, err
}

func (c *Client) Workspaces(ctx context.Context) ([]workspace.Handle, error) {
	var out []workspace.Handle
	err := c.do(ctx, http.MethodGet, "/api/workspaces", nil, &out)
	return out, err
}

func (c *Client) Tests(ctx context.Context, name string) ([]string, error) {
	var out api.TestsResponse
	err := c.do(ctx, http.MethodGet, "/api/workspaces/"+url.PathEscape(name)+"/tests", nil, &out)
	return out.Tests, err
}

func (c *Client) Health(ctx context.Context) (api.HealthzResponse, error) {
	var out api.HealthzResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}

// Events streams server-sent events to fn until ctx ends, the stream
// closes or fn returns an error. lastID resumes after a known event.
func (c *Client) Events(ctx context.Context, lastID int64, fn func(events.Event) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	// The stream is long-lived; only ctx bounds it.
	stream := *c.http
	stream.Timeout = 0
	resp, err := stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return ParseSSE(resp.Body, fn)
}

// ParseSSE reads an event stream, calling fn for every complete event.
func ParseSSE(r io.Reader, fn func(events.Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var (
		id   int64
		typ  string
		data strings.Builder
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				ev := events.Event{ID: id, Type: typ, At: time.Now().UTC(), Data: json.RawMessage(data.String())}
				var at struct {
					At time.Time `json:"at"`
				}
				if json.Unmarshal(ev.Data, &at) == nil && !at.At.IsZero() {
					ev.At = at.At
				}
				if err := fn(ev); err != nil {
					return err
				}
			}
			id, typ = 0, ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			if n, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				id = n
			}
		case strings.HasPrefix(line, "event: "):
			typ = line[7:]
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(line[6:])
		}
	}
	return scanner.Err()
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var fr api.FailureResponse
	if err := json.Unmarshal(body, &fr); err == nil && fr.Reason != "" {
		return &APIError{StatusCode: resp.StatusCode, Reason: fr.Reason}
	}
	return &APIError{StatusCode: resp.StatusCode, Reason: strings.TrimSpace(string(body))}
}
