// Package client is a Go client for the job gateway REST API.
package client

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

	"github.com/cordum/jobgate/core/infra/buildinfo"
	"github.com/cordum/jobgate/core/jobs"
	"github.com/gorilla/websocket"
)

// Client is a minimal HTTP client for the job gateway.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// New returns a client with a default HTTP timeout. Submit, stop and delete
// may wait on the gateway for an agent, so the timeout is generous.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// StatusError is returned for non-2xx replies.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// IsNotFound reports whether err is a 404 reply.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

func (c *Client) endpoint(path string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	return base + path
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		payload = buf
	}
	resp, err := c.do(ctx, method, path, payload, body != nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, isJSON bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if isJSON {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: msg}
	}
	return resp, nil
}

func jobPath(id string, suffix ...string) string {
	p := "/api/jobs/" + url.PathEscape(id)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

// SubmitJob submits a job and returns its submission id.
func (c *Client) SubmitJob(ctx context.Context, req *jobs.SubmitRequest) (*jobs.SubmitResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("request is nil")
	}
	var out jobs.SubmitResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/jobs/", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StopJob(ctx context.Context, id string) (*jobs.StopResponse, error) {
	var out jobs.StopResponse
	if err := c.doJSON(ctx, http.MethodPost, jobPath(id, "stop"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteJob(ctx context.Context, id string) (*jobs.DeleteResponse, error) {
	var out jobs.DeleteResponse
	if err := c.doJSON(ctx, http.MethodDelete, jobPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetJob accepts a submission id or a driver job id.
func (c *Client) GetJob(ctx context.Context, id string) (*jobs.JobDetails, error) {
	var out jobs.JobDetails
	if err := c.doJSON(ctx, http.MethodGet, jobPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListJobs(ctx context.Context) ([]jobs.JobDetails, error) {
	var out []jobs.JobDetails
	if err := c.doJSON(ctx, http.MethodGet, "/api/jobs/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetJobLogs(ctx context.Context, id string) (string, error) {
	var out jobs.LogsResponse
	if err := c.doJSON(ctx, http.MethodGet, jobPath(id, "logs"), nil, &out); err != nil {
		return "", err
	}
	return out.Logs, nil
}

// TailJobLogs follows a job's logs, calling fn for every chunk, until the
// gateway closes the stream or ctx ends.
func (c *Client) TailJobLogs(ctx context.Context, id string, fn func(chunk string) error) error {
	target := c.endpoint(jobPath(id, "logs", "tail"))
	switch {
	case strings.HasPrefix(target, "https://"):
		target = "wss://" + strings.TrimPrefix(target, "https://")
	case strings.HasPrefix(target, "http://"):
		target = "ws://" + strings.TrimPrefix(target, "http://")
	}
	header := http.Header{}
	if c.APIKey != "" {
		header.Set("X-API-Key", c.APIKey)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			data, _ := io.ReadAll(resp.Body)
			return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		}
		return fmt.Errorf("dial log tail: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read log tail: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := fn(string(data)); err != nil {
			return err
		}
	}
}

// Version returns the gateway's version payload.
func (c *Client) Version(ctx context.Context) (*buildinfo.VersionResponse, error) {
	var out buildinfo.VersionResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/version", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadPackage stores content under <protocol>://<name>.
func (c *Client) UploadPackage(ctx context.Context, protocol, name string, content []byte) error {
	resp, err := c.do(ctx, http.MethodPut, packagePath(protocol, name), bytes.NewReader(content), false)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// PackageExists pins the package and reports whether it is stored.
func (c *Client) PackageExists(ctx context.Context, protocol, name string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, packagePath(protocol, name), nil, false)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, resp.Body.Close()
}

func packagePath(protocol, name string) string {
	return "/api/packages/" + url.PathEscape(protocol) + "/" + url.PathEscape(name)
}
