package gateway

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cordum/jobgate/core/controlplane/agents"
	"github.com/cordum/jobgate/core/infra/logging"
	"github.com/cordum/jobgate/core/infra/metrics"
	"github.com/cordum/jobgate/core/jobs"
)

// FrameSink receives relayed log frames.
type FrameSink interface {
	Send(ctx context.Context, frame string) error
}

type tailState int

const (
	tailWaiting tailState = iota
	tailStreaming
	tailClosed
)

// TailRelay streams a job's logs from the agent that runs its driver. Until
// that agent is known it polls the job record; a job that ends without one
// produces an empty stream.
type TailRelay struct {
	lookup   jobs.Lookup
	pool     *agents.Pool
	interval time.Duration
	clock    clock.Clock
	metrics  metrics.AgentMetrics
}

// NewTailRelay builds a relay that polls every interval.
func NewTailRelay(lookup jobs.Lookup, pool *agents.Pool, interval time.Duration, clk clock.Clock, m metrics.AgentMetrics) *TailRelay {
	if interval <= 0 {
		interval = time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &TailRelay{lookup: lookup, pool: pool, interval: interval, clock: clk, metrics: m}
}

// Run relays frames for job into sink until the agent closes the stream, the
// sink fails or ctx ends. A nil return means the stream ended normally.
func (r *TailRelay) Run(ctx context.Context, job *jobs.JobDetails, sink FrameSink) error {
	r.metrics.IncActiveTails()
	defer r.metrics.DecActiveTails()

	state := tailWaiting
	var stream agents.LogStream
	defer func() {
		if stream != nil {
			_ = stream.Close()
		}
	}()

	for state != tailClosed {
		switch state {
		case tailWaiting:
			next, err := r.waitForAgent(ctx, job)
			if err != nil {
				return err
			}
			if next == nil {
				state = tailClosed
				continue
			}
			job = next
			client, err := r.pool.GetForAddress(agentKey(job), job.DriverAgentHTTPAddress)
			if err != nil {
				return err
			}
			stream, err = client.TailJobLogs(ctx, job.SubmissionID)
			if err != nil {
				return err
			}
			state = tailStreaming
		case tailStreaming:
			frame, err := stream.Next(ctx)
			if errors.Is(err, io.EOF) {
				state = tailClosed
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// the upstream connection is unusable after a read failure
				logging.Warn("log-tail", "upstream tail ended with error", "submission_id", job.SubmissionID, "error", err)
				state = tailClosed
				continue
			}
			if err := sink.Send(ctx, frame); err != nil {
				return err
			}
		}
	}
	return nil
}

// waitForAgent polls until the job records a driver agent address. It
// returns nil when the job is terminal without one or has disappeared.
func (r *TailRelay) waitForAgent(ctx context.Context, job *jobs.JobDetails) (*jobs.JobDetails, error) {
	id := job.SubmissionID
	for {
		current, err := r.lookup.FindJobByIDs(ctx, id)
		if errors.Is(err, jobs.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if current.DriverAgentHTTPAddress != "" {
			return current, nil
		}
		if current.Status.IsTerminal() {
			logging.Debug("log-tail", "job ended before an agent was assigned", "submission_id", id, "status", string(current.Status))
			return nil, nil
		}
		timer := r.clock.Timer(r.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func agentKey(job *jobs.JobDetails) string {
	if job.DriverNodeID != "" {
		return job.DriverNodeID
	}
	return job.DriverAgentHTTPAddress
}
