package agents

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
	"sync"
	"sync/atomic"
	"time"

	"github.com/cordum/jobgate/core/jobs"
	"github.com/gorilla/websocket"
)

const (
	agentJobsPath      = "/api/job_agent/jobs/"
	defaultCallTimeout = 300 * time.Second
	maxErrorBody       = 64 << 10
)

// Client is a handle to one agent. A handle stays usable after it is removed
// from the pool until Close is called.
type Client interface {
	Address() string
	SubmitJob(ctx context.Context, req *jobs.SubmitRequest) (*jobs.SubmitResponse, error)
	StopJob(ctx context.Context, jobID string) (*jobs.StopResponse, error)
	DeleteJob(ctx context.Context, jobID string) (*jobs.DeleteResponse, error)
	GetJobLogs(ctx context.Context, jobID string) (*jobs.LogsResponse, error)
	TailJobLogs(ctx context.Context, jobID string) (LogStream, error)
	Close() error
}

// LogStream is an open log tail. Next returns io.EOF once the agent closes
// the stream.
type LogStream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// ClientFactory builds agent clients.
type ClientFactory interface {
	NewClient(address string) (Client, error)
}

// HTTPClientFactory builds clients that talk to the agent HTTP API.
type HTTPClientFactory struct {
	// Timeout bounds unary calls. Log tails are bounded only by their context.
	Timeout time.Duration
}

func (f HTTPClientFactory) NewClient(address string) (Client, error) {
	base, err := url.Parse(strings.TrimRight(address, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse agent address %q: %w", address, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("parse agent address %q: unsupported scheme", address)
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &httpClient{
		base:      base,
		transport: transport,
		http:      &http.Client{Transport: transport, Timeout: timeout},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
	}, nil
}

type httpClient struct {
	base      *url.URL
	transport *http.Transport
	http      *http.Client
	dialer    *websocket.Dialer
	closed    atomic.Bool
}

func (c *httpClient) Address() string {
	return c.base.String()
}

func (c *httpClient) jobURL(jobID string, suffix ...string) string {
	u := *c.base
	path := agentJobsPath
	if jobID != "" {
		path += url.PathEscape(jobID)
	}
	for _, s := range suffix {
		path += "/" + s
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (c *httpClient) SubmitJob(ctx context.Context, req *jobs.SubmitRequest) (*jobs.SubmitResponse, error) {
	if req == nil {
		return nil, &CallError{Op: "submit job", Kind: KindInvalid, Err: errors.New("nil request")}
	}
	var out jobs.SubmitResponse
	if err := c.do(ctx, "submit job", http.MethodPost, c.jobURL(""), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) StopJob(ctx context.Context, jobID string) (*jobs.StopResponse, error) {
	var out jobs.StopResponse
	if err := c.do(ctx, "stop job", http.MethodPost, c.jobURL(jobID, "stop"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) DeleteJob(ctx context.Context, jobID string) (*jobs.DeleteResponse, error) {
	var out jobs.DeleteResponse
	if err := c.do(ctx, "delete job", http.MethodDelete, c.jobURL(jobID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) GetJobLogs(ctx context.Context, jobID string) (*jobs.LogsResponse, error) {
	var out jobs.LogsResponse
	if err := c.do(ctx, "get job logs", http.MethodGet, c.jobURL(jobID, "logs"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) do(ctx context.Context, op, method, target string, body, out any) error {
	if c.closed.Load() {
		return &CallError{Op: op, Kind: KindTransport, Err: ErrClientClosed}
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &CallError{Op: op, Kind: KindInvalid, Err: fmt.Errorf("encode request: %w", err)}
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &CallError{Op: op, Kind: KindInternal, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &CallError{Op: op, Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		kind := KindInternal
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity {
			kind = KindInvalid
		}
		return &CallError{Op: op, Kind: kind, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &CallError{Op: op, Kind: KindInternal, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *httpClient) TailJobLogs(ctx context.Context, jobID string) (LogStream, error) {
	if c.closed.Load() {
		return nil, &CallError{Op: "tail job logs", Kind: KindTransport, Err: ErrClientClosed}
	}
	target := c.jobURL(jobID, "logs", "tail")
	target = "ws" + strings.TrimPrefix(target, "http")
	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			_ = resp.Body.Close()
			return nil, &CallError{Op: "tail job logs", Kind: KindInternal, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		}
		return nil, &CallError{Op: "tail job logs", Kind: KindTransport, Err: err}
	}
	return &wsLogStream{conn: conn}, nil
}

func (c *httpClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.transport.CloseIdleConnections()
	return nil
}

type wsLogStream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// Next skips non-text frames. Any close from the agent, normal or not, ends
// the stream with io.EOF.
func (s *wsLogStream) Next(ctx context.Context) (string, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return "", io.EOF
			}
			return "", err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return string(data), nil
	}
}

func (s *wsLogStream) Close() error {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
