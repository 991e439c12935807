package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cordum/jobgate/core/controlplane/agents"
	"github.com/cordum/jobgate/core/jobs"
	"github.com/gorilla/websocket"
	"go.uber.org/goleak"
)

func tailURL(env *testEnv, id string) string {
	return "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/jobs/" + id + "/logs/tail"
}

func readFrames(t *testing.T, conn *websocket.Conn) ([]string, error) {
	t.Helper()
	var frames []string
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return frames, err
		}
		frames = append(frames, string(data))
	}
}

func TestTailRelaysAgentFrames(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.putSubmission(t, "sub-1", &jobs.JobInfo{
		Status:                 jobs.StatusRunning,
		DriverAgentHTTPAddress: env.agent.srv.URL,
		DriverNodeID:           "node-b",
	})

	conn, _, err := websocket.DefaultDialer.Dial(tailURL(env, "sub-1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frames, err := readFrames(t, conn)
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
	if len(frames) != 2 || frames[0] != "first\n" || frames[1] != "second\n" {
		t.Fatalf("unexpected frames: %q", frames)
	}
	if calls := env.agent.Calls(); len(calls) != 1 || calls[0] != "tail sub-1" {
		t.Fatalf("unexpected agent calls: %v", calls)
	}
}

func TestTailWaitsForDriverAgent(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.putSubmission(t, "sub-1", &jobs.JobInfo{Status: jobs.StatusPending})

	conn, _, err := websocket.DefaultDialer.Dial(tailURL(env, "sub-1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	time.Sleep(30 * time.Millisecond)
	if calls := env.agent.Calls(); len(calls) != 0 {
		t.Fatalf("no agent should be contacted while pending: %v", calls)
	}
	env.putSubmission(t, "sub-1", &jobs.JobInfo{
		Status:                 jobs.StatusRunning,
		DriverAgentHTTPAddress: env.agent.srv.URL,
	})

	frames, err := readFrames(t, conn)
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("unexpected frames: %q", frames)
	}
}

func TestTailTerminalJobWithoutAgentClosesEmpty(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.putSubmission(t, "sub-1", &jobs.JobInfo{Status: jobs.StatusFailed})

	conn, _, err := websocket.DefaultDialer.Dial(tailURL(env, "sub-1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frames, err := readFrames(t, conn)
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected no frames, got %q", frames)
	}
}

func TestTailRejectsBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.putDriver(t, &jobs.DriverJob{JobID: "02000000"})

	_, resp, err := websocket.DefaultDialer.Dial(tailURL(env, "missing"), nil)
	if !errors.Is(err, websocket.ErrBadHandshake) || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 handshake failure, got %v %v", err, resp)
	}
	_, resp, err = websocket.DefaultDialer.Dial(tailURL(env, "02000000"), nil)
	if !errors.Is(err, websocket.ErrBadHandshake) || resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 handshake failure, got %v %v", err, resp)
	}
}

// stubLookup serves a scripted sequence of job states; the last one repeats.
type stubLookup struct {
	mu     sync.Mutex
	states []*jobs.JobDetails
	calls  int
	called chan struct{}
}

func (l *stubLookup) FindJobByIDs(context.Context, string) (*jobs.JobDetails, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.calls
	if i >= len(l.states) {
		i = len(l.states) - 1
	}
	l.calls++
	if l.called != nil {
		select {
		case l.called <- struct{}{}:
		default:
		}
	}
	if l.states[i] == nil {
		return nil, jobs.ErrNotFound
	}
	job := *l.states[i]
	return &job, nil
}

func (l *stubLookup) ListJobs(context.Context) ([]jobs.JobDetails, error) { return nil, nil }

type stubStream struct {
	frames []string
	closed bool
}

func (s *stubStream) Next(ctx context.Context) (string, error) {
	if len(s.frames) == 0 {
		return "", io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *stubStream) Close() error {
	s.closed = true
	return nil
}

type stubTailClient struct {
	agents.Client
	stream *stubStream
	tailed []string
}

func (c *stubTailClient) TailJobLogs(_ context.Context, id string) (agents.LogStream, error) {
	c.tailed = append(c.tailed, id)
	return c.stream, nil
}

func (c *stubTailClient) Close() error { return nil }

type stubFactory struct {
	client agents.Client
	addrs  []string
}

func (f *stubFactory) NewClient(address string) (agents.Client, error) {
	f.addrs = append(f.addrs, address)
	return f.client, nil
}

type collectSink struct {
	frames []string
	err    error
}

func (s *collectSink) Send(_ context.Context, frame string) error {
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, frame)
	return nil
}

func TestTailRelayTerminalWithoutAgent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lookup := &stubLookup{states: []*jobs.JobDetails{{
		Type: jobs.TypeSubmission, SubmissionID: "sub-1",
		JobInfo: jobs.JobInfo{Status: jobs.StatusStopped},
	}}}
	factory := &stubFactory{}
	relay := NewTailRelay(lookup, agents.NewPool(nil, factory, nil), time.Second, clock.NewMock(), nil)
	sink := &collectSink{}
	if err := relay.Run(context.Background(), &jobs.JobDetails{SubmissionID: "sub-1"}, sink); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sink.frames) != 0 || len(factory.addrs) != 0 {
		t.Fatalf("expected no frames and no agent, got %v %v", sink.frames, factory.addrs)
	}
}

func TestTailRelayStreamsUntilUpstreamEnds(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lookup := &stubLookup{states: []*jobs.JobDetails{{
		Type: jobs.TypeSubmission, SubmissionID: "sub-1",
		JobInfo: jobs.JobInfo{Status: jobs.StatusRunning, DriverAgentHTTPAddress: "http://10.0.0.2:52365", DriverNodeID: "node-2"},
	}}}
	stream := &stubStream{frames: []string{"a", "b", "c"}}
	client := &stubTailClient{stream: stream}
	factory := &stubFactory{client: client}
	pool := agents.NewPool(nil, factory, nil)
	relay := NewTailRelay(lookup, pool, time.Second, clock.NewMock(), nil)

	sink := &collectSink{}
	if err := relay.Run(context.Background(), &jobs.JobDetails{SubmissionID: "sub-1"}, sink); err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Join(sink.frames, "") != "abc" {
		t.Fatalf("unexpected frames: %v", sink.frames)
	}
	if !stream.closed {
		t.Fatalf("upstream stream should be closed")
	}
	if len(factory.addrs) != 1 || factory.addrs[0] != "http://10.0.0.2:52365" {
		t.Fatalf("unexpected dialed addresses: %v", factory.addrs)
	}
	if ids := pool.NodeIDs(); len(ids) != 1 || ids[0] != "node-2" {
		t.Fatalf("client should be pooled under the driver node id: %v", ids)
	}
	if len(client.tailed) != 1 || client.tailed[0] != "sub-1" {
		t.Fatalf("unexpected tail calls: %v", client.tailed)
	}
}

func TestTailRelaySinkFailureEndsRun(t *testing.T) {
	lookup := &stubLookup{states: []*jobs.JobDetails{{
		SubmissionID: "sub-1",
		JobInfo:      jobs.JobInfo{Status: jobs.StatusRunning, DriverAgentHTTPAddress: "http://10.0.0.2:52365"},
	}}}
	stream := &stubStream{frames: []string{"a"}}
	relay := NewTailRelay(lookup, agents.NewPool(nil, &stubFactory{client: &stubTailClient{stream: stream}}, nil), time.Second, clock.NewMock(), nil)
	sinkErr := errors.New("client gone")
	if err := relay.Run(context.Background(), &jobs.JobDetails{SubmissionID: "sub-1"}, &collectSink{err: sinkErr}); !errors.Is(err, sinkErr) {
		t.Fatalf("expected sink error, got %v", err)
	}
	if !stream.closed {
		t.Fatalf("upstream stream should be closed")
	}
}

func TestTailRelayVanishedJobCloses(t *testing.T) {
	lookup := &stubLookup{states: []*jobs.JobDetails{nil}}
	relay := NewTailRelay(lookup, agents.NewPool(nil, &stubFactory{}, nil), time.Second, clock.NewMock(), nil)
	if err := relay.Run(context.Background(), &jobs.JobDetails{SubmissionID: "sub-1"}, &collectSink{}); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestTailRelayCancelWhileWaiting(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lookup := &stubLookup{
		states: []*jobs.JobDetails{{SubmissionID: "sub-1", JobInfo: jobs.JobInfo{Status: jobs.StatusPending}}},
		called: make(chan struct{}, 1),
	}
	relay := NewTailRelay(lookup, agents.NewPool(nil, &stubFactory{}, nil), time.Second, clock.NewMock(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- relay.Run(ctx, &jobs.JobDetails{SubmissionID: "sub-1"}, &collectSink{})
	}()
	<-lookup.called
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not stop after cancel")
	}
}
