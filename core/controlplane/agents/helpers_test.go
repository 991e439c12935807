package agents

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cordum/jobgate/core/jobs"
	"go.uber.org/goleak"
)

type fakeClient struct {
	addr     string
	closes   atomic.Int32
	closeErr error
}

func (c *fakeClient) Address() string { return c.addr }

func (c *fakeClient) SubmitJob(_ context.Context, req *jobs.SubmitRequest) (*jobs.SubmitResponse, error) {
	return &jobs.SubmitResponse{SubmissionID: req.SubmissionID}, nil
}

func (c *fakeClient) StopJob(context.Context, string) (*jobs.StopResponse, error) {
	return &jobs.StopResponse{Stopped: true}, nil
}

func (c *fakeClient) DeleteJob(context.Context, string) (*jobs.DeleteResponse, error) {
	return &jobs.DeleteResponse{Deleted: true}, nil
}

func (c *fakeClient) GetJobLogs(context.Context, string) (*jobs.LogsResponse, error) {
	return &jobs.LogsResponse{}, nil
}

func (c *fakeClient) TailJobLogs(context.Context, string) (LogStream, error) {
	return nil, errors.New("not supported")
}

func (c *fakeClient) Close() error {
	c.closes.Add(1)
	return c.closeErr
}

type fakeFactory struct {
	mu       sync.Mutex
	created  map[string]*fakeClient
	calls    int
	closeErr error
	gate     chan struct{}
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{created: make(map[string]*fakeClient)}
}

func (f *fakeFactory) NewClient(address string) (Client, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	c := &fakeClient{addr: address, closeErr: f.closeErr}
	f.created[address] = c
	return c, nil
}

func (f *fakeFactory) client(address string) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[address]
}

func (f *fakeFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeDirectory is an in-memory agent directory.
type fakeDirectory struct {
	mu     sync.Mutex
	agents map[string]Endpoint
	head   string
}

func newFakeDirectory(ids ...string) *fakeDirectory {
	d := &fakeDirectory{agents: make(map[string]Endpoint)}
	for i, id := range ids {
		d.agents[id] = Endpoint{NodeID: id, IP: "10.0.0." + string(rune('1'+i)), HTTPPort: 52365, GRPCPort: 52366}
	}
	return d
}

func (d *fakeDirectory) remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.agents, id)
}

func (d *fakeDirectory) ListAgentNodeIDs(context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.agents) == 0 {
		return nil, ErrNoAgents
	}
	ids := make([]string, 0, len(d.agents))
	for id := range d.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *fakeDirectory) ResolveEndpoint(_ context.Context, nodeID string) (Endpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ep, ok := d.agents[nodeID]
	if !ok {
		return Endpoint{}, ErrAgentNotFound
	}
	return ep, nil
}

func (d *fakeDirectory) HeadNodeID(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.head == "" {
		return "", ErrHeadNodeUnknown
	}
	return d.head, nil
}

func (d *fakeDirectory) address(id string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.agents[id].HTTPAddress()
}

// scriptedRand replays fixed indexes.
type scriptedRand struct {
	picks []int
	next  int
}

func (r *scriptedRand) IntN(n int) int {
	v := r.picks[r.next%len(r.picks)] % n
	r.next++
	return v
}

// steppedClock is a mock clock that reports every timer it hands out so a
// test can advance time only while the code under test is waiting.
type steppedClock struct {
	*clock.Mock
	timers chan struct{}
}

func newSteppedClock() *steppedClock {
	return &steppedClock{Mock: clock.NewMock(), timers: make(chan struct{})}
}

func (c *steppedClock) Timer(d time.Duration) *clock.Timer {
	t := c.Mock.Timer(d)
	c.timers <- struct{}{}
	return t
}

// drive advances the clock by step each time a timer is armed until done fires.
func (c *steppedClock) drive(step time.Duration, done <-chan error) error {
	for {
		select {
		case <-c.timers:
			c.Add(step)
		case err := <-done:
			return err
		}
	}
}

// Idle keep-alive connections from the HTTP client tests close asynchronously.
var leakOpts = []goleak.Option{
	goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
}
