package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cordum/jobgate/core/controlplane/agents"
	"github.com/cordum/jobgate/core/infra/kv"
	"github.com/cordum/jobgate/core/infra/packages"
	"github.com/cordum/jobgate/core/jobs"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

// fakeAgent serves the job agent HTTP API and records every call.
type fakeAgent struct {
	srv *httptest.Server

	mu    sync.Mutex
	calls []string
	// tailFrames are sent on every log tail before the agent closes it.
	tailFrames []string
	// records accepted submissions as PENDING jobs when set
	jobs *jobs.Store
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	a := &fakeAgent{tailFrames: []string{"first\n", "second\n"}}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/job_agent/jobs/", func(w http.ResponseWriter, r *http.Request) {
		var req jobs.SubmitRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		a.record("submit " + req.SubmissionID)
		if req.Entrypoint == "reject-me" {
			http.Error(w, "runtime_env is invalid", http.StatusBadRequest)
			return
		}
		if req.Entrypoint == "explode" {
			http.Error(w, "Traceback: agent exploded", http.StatusInternalServerError)
			return
		}
		if a.jobs != nil {
			info := &jobs.JobInfo{Status: jobs.StatusPending, Entrypoint: req.Entrypoint, Metadata: req.Metadata}
			if err := a.jobs.PutInfo(r.Context(), req.SubmissionID, info); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		_ = json.NewEncoder(w).Encode(jobs.SubmitResponse{SubmissionID: req.SubmissionID})
	})
	mux.HandleFunc("POST /api/job_agent/jobs/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		a.record("stop " + r.PathValue("id"))
		_ = json.NewEncoder(w).Encode(jobs.StopResponse{Stopped: true})
	})
	mux.HandleFunc("DELETE /api/job_agent/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		a.record("delete " + r.PathValue("id"))
		_ = json.NewEncoder(w).Encode(jobs.DeleteResponse{Deleted: true})
	})
	mux.HandleFunc("GET /api/job_agent/jobs/{id}/logs", func(w http.ResponseWriter, r *http.Request) {
		a.record("logs " + r.PathValue("id"))
		_ = json.NewEncoder(w).Encode(jobs.LogsResponse{Logs: "hello from " + r.PathValue("id") + "\n"})
	})
	mux.HandleFunc("GET /api/job_agent/jobs/{id}/logs/tail", func(w http.ResponseWriter, r *http.Request) {
		a.record("tail " + r.PathValue("id"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		a.mu.Lock()
		frames := append([]string(nil), a.tailFrames...)
		a.mu.Unlock()
		for _, f := range frames {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_, _, _ = conn.ReadMessage()
	})
	a.srv = httptest.NewServer(mux)
	t.Cleanup(a.srv.Close)
	return a
}

func (a *fakeAgent) record(call string) {
	a.mu.Lock()
	a.calls = append(a.calls, call)
	a.mu.Unlock()
}

func (a *fakeAgent) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *fakeAgent) endpoint(nodeID string) agents.Endpoint {
	addr := a.srv.Listener.Addr().(*net.TCPAddr)
	return agents.Endpoint{NodeID: nodeID, IP: addr.IP.String(), HTTPPort: addr.Port, GRPCPort: 0}
}

type recordedEvent struct {
	action       string
	submissionID string
}

type recordingEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingEvents) PublishJobEvent(_ context.Context, action, submissionID string, _ map[string]any) {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{action: action, submissionID: submissionID})
	r.mu.Unlock()
}

func (r *recordingEvents) list() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedEvent(nil), r.events...)
}

type observedRequest struct {
	method, route, status string
}

type recordingMetrics struct {
	mu       sync.Mutex
	requests []observedRequest
}

func (m *recordingMetrics) ObserveRequest(method, route, status string, _ float64) {
	m.mu.Lock()
	m.requests = append(m.requests, observedRequest{method: method, route: route, status: status})
	m.mu.Unlock()
}

func (m *recordingMetrics) list() []observedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]observedRequest(nil), m.requests...)
}

type envOptions struct {
	waitTimeout    time.Duration
	withoutHead    bool
	apiKeys        []string
	allowedOrigins []string
	packages       packages.Store
}

type testEnv struct {
	redis   *miniredis.Miniredis
	kv      *kv.RedisStore
	jobs    *jobs.Store
	dir     *agents.Directory
	pool    *agents.Pool
	agent   *fakeAgent
	svc     *Service
	events  *recordingEvents
	metrics *recordingMetrics
	server  *Server
	http    *httptest.Server
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(srv.Close)
	store, err := kv.NewRedisStore(context.Background(), "redis://"+srv.Addr())
	if err != nil {
		t.Fatalf("kv store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	env := &testEnv{
		redis:   srv,
		kv:      store,
		jobs:    jobs.NewStore(store),
		dir:     agents.NewDirectory(store, time.Second),
		agent:   newFakeAgent(t),
		events:  &recordingEvents{},
		metrics: &recordingMetrics{},
	}
	env.agent.jobs = env.jobs
	ctx := context.Background()
	if err := env.dir.Register(ctx, env.agent.endpoint("node-a")); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if !opts.withoutHead {
		if err := env.dir.PublishHeadNode(ctx, "node-a"); err != nil {
			t.Fatalf("publish head: %v", err)
		}
	}

	env.pool = agents.NewPool(env.dir, agents.HTTPClientFactory{Timeout: 2 * time.Second}, nil)
	t.Cleanup(func() { _ = env.pool.CloseAll() })
	selector := agents.NewHeadNodeSelector(env.dir, env.pool, agents.RetryPolicy{Interval: 10 * time.Millisecond}, nil)

	wait := opts.waitTimeout
	if wait == 0 {
		wait = 2 * time.Second
	}
	ids := 0
	env.svc = NewService(env.jobs, selector, env.pool, ServiceOptions{
		WaitTimeout: wait,
		Events:      env.events,
		NewSubmissionID: func() string {
			ids++
			return fmt.Sprintf("jobgate_test_%d", ids)
		},
	})
	relay := NewTailRelay(env.jobs, env.pool, 5*time.Millisecond, nil, nil)
	env.server = NewServer(env.svc, relay, ServerOptions{
		Packages:       opts.packages,
		PinTTL:         time.Minute,
		SessionName:    "session_test",
		Metrics:        env.metrics,
		APIKeys:        opts.apiKeys,
		AllowedOrigins: opts.allowedOrigins,
		MetadataStore:  store,
	})
	env.http = httptest.NewServer(env.server.Handler())
	t.Cleanup(env.http.Close)
	return env
}

func newPackageStore(t *testing.T) (*packages.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(srv.Close)
	store := packages.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: srv.Addr()}), 0)
	t.Cleanup(func() { _ = store.Close() })
	return store, srv
}

func (e *testEnv) putSubmission(t *testing.T, id string, info *jobs.JobInfo) {
	t.Helper()
	if err := e.jobs.PutInfo(context.Background(), id, info); err != nil {
		t.Fatalf("put job info: %v", err)
	}
}

func (e *testEnv) putDriver(t *testing.T, job *jobs.DriverJob) {
	t.Helper()
	if err := e.jobs.PutDriver(context.Background(), job); err != nil {
		t.Fatalf("put driver: %v", err)
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := e.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}
