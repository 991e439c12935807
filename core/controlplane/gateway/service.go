package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/jobgate/core/controlplane/agents"
	"github.com/cordum/jobgate/core/infra/bus"
	"github.com/cordum/jobgate/core/infra/logging"
	"github.com/cordum/jobgate/core/jobs"
	"github.com/google/uuid"
)

const submissionIDPrefix = "jobgate_"

// Service implements the job operations behind the HTTP API. For stop,
// delete and logs the job is checked for existence, then for type, and only
// then is an agent contacted.
type Service struct {
	lookup      jobs.Lookup
	selector    agents.Selector
	pool        *agents.Pool
	waitTimeout time.Duration
	events      bus.EventPublisher
	newID       func() string
}

// ServiceOptions configures NewService.
type ServiceOptions struct {
	// WaitTimeout bounds how long submit, stop and delete wait for an agent.
	WaitTimeout time.Duration
	Events      bus.EventPublisher
	// NewSubmissionID generates ids for submissions that carry none.
	NewSubmissionID func() string
}

// NewService wires the job lookup, the agent selector and the pool used for
// driver-specific calls.
func NewService(lookup jobs.Lookup, selector agents.Selector, pool *agents.Pool, opts ServiceOptions) *Service {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 60 * time.Second
	}
	if opts.Events == nil {
		opts.Events = bus.NoopPublisher{}
	}
	if opts.NewSubmissionID == nil {
		opts.NewSubmissionID = func() string { return submissionIDPrefix + uuid.NewString() }
	}
	return &Service{
		lookup:      lookup,
		selector:    selector,
		pool:        pool,
		waitTimeout: opts.WaitTimeout,
		events:      opts.Events,
		newID:       opts.NewSubmissionID,
	}
}

// Submit forwards a validated request to a selected agent.
func (s *Service) Submit(ctx context.Context, req *jobs.SubmitRequest) (*jobs.SubmitResponse, error) {
	if req == nil || strings.TrimSpace(req.Entrypoint) == "" {
		return nil, badRequestf("entrypoint is required")
	}
	if req.SubmissionID == "" {
		req.SubmissionID = s.newID()
	}
	client, err := s.selector.SelectTarget(ctx, s.waitTimeout)
	if err != nil {
		if agents.IsTimeout(err) {
			return nil, timeout("No available agent to submit job, please try again later.", err)
		}
		return nil, internal("select agent", err)
	}
	resp, err := client.SubmitJob(ctx, req)
	if err != nil {
		if agents.KindOf(err) == agents.KindInvalid {
			return nil, &Error{Kind: KindBadRequest, Err: err}
		}
		return nil, internal(fmt.Sprintf("Failed to submit job %s", req.SubmissionID), err)
	}
	logging.Info("job-gateway", "job submitted", "submission_id", resp.SubmissionID, "agent", client.Address())
	s.events.PublishJobEvent(ctx, bus.ActionSubmitted, resp.SubmissionID, map[string]any{
		"entrypoint": req.Entrypoint,
		"agent":      client.Address(),
	})
	return resp, nil
}

// Stop asks an agent to stop a submission job.
func (s *Service) Stop(ctx context.Context, id string) (*jobs.StopResponse, error) {
	job, err := s.submissionJob(ctx, id, "stop")
	if err != nil {
		return nil, err
	}
	client, err := s.target(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := client.StopJob(ctx, job.SubmissionID)
	if err != nil {
		return nil, internal(fmt.Sprintf("Failed to stop job %s", job.SubmissionID), err)
	}
	if resp.Stopped {
		s.events.PublishJobEvent(ctx, bus.ActionStopped, job.SubmissionID, nil)
	}
	return resp, nil
}

// Delete asks an agent to delete a terminal submission job.
func (s *Service) Delete(ctx context.Context, id string) (*jobs.DeleteResponse, error) {
	job, err := s.submissionJob(ctx, id, "delete")
	if err != nil {
		return nil, err
	}
	client, err := s.target(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := client.DeleteJob(ctx, job.SubmissionID)
	if err != nil {
		return nil, internal(fmt.Sprintf("Failed to delete job %s", job.SubmissionID), err)
	}
	if resp.Deleted {
		s.events.PublishJobEvent(ctx, bus.ActionDeleted, job.SubmissionID, nil)
	}
	return resp, nil
}

// Logs returns the full logs from the agent that ran the job's driver, or
// empty logs when no driver agent was ever assigned.
func (s *Service) Logs(ctx context.Context, id string) (*jobs.LogsResponse, error) {
	job, err := s.submissionJob(ctx, id, "get logs of")
	if err != nil {
		return nil, err
	}
	client, err := s.driverAgent(job)
	if err != nil {
		return nil, internal(fmt.Sprintf("Failed to get logs of job %s", job.SubmissionID), err)
	}
	if client == nil {
		return &jobs.LogsResponse{Logs: ""}, nil
	}
	resp, err := client.GetJobLogs(ctx, job.SubmissionID)
	if err != nil {
		return nil, internal(fmt.Sprintf("Failed to get logs of job %s", job.SubmissionID), err)
	}
	return resp, nil
}

// PrepareTail performs the checks that must pass before a log tail is opened.
func (s *Service) PrepareTail(ctx context.Context, id string) (*jobs.JobDetails, error) {
	return s.submissionJob(ctx, id, "get logs of")
}

// Get returns one job by submission id or job id.
func (s *Service) Get(ctx context.Context, id string) (*jobs.JobDetails, error) {
	job, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// List returns submission jobs followed by driver-only jobs.
func (s *Service) List(ctx context.Context) ([]jobs.JobDetails, error) {
	list, err := s.lookup.ListJobs(ctx)
	if err != nil {
		return nil, internal("Failed to list jobs", err)
	}
	if list == nil {
		list = []jobs.JobDetails{}
	}
	return list, nil
}

func (s *Service) find(ctx context.Context, id string) (*jobs.JobDetails, error) {
	job, err := s.lookup.FindJobByIDs(ctx, id)
	if errors.Is(err, jobs.ErrNotFound) {
		return nil, notFoundf("Job %s does not exist", id)
	}
	if err != nil {
		return nil, internal(fmt.Sprintf("Failed to look up job %s", id), err)
	}
	return job, nil
}

func (s *Service) submissionJob(ctx context.Context, id, verb string) (*jobs.JobDetails, error) {
	job, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Type != jobs.TypeSubmission {
		return nil, badRequestf("Can only %s submission type jobs", verb)
	}
	return job, nil
}

func (s *Service) target(ctx context.Context) (agents.Client, error) {
	client, err := s.selector.SelectTarget(ctx, s.waitTimeout)
	if err == nil {
		return client, nil
	}
	if agents.IsTimeout(err) {
		return nil, timeout("No available agent, please try again later.", err)
	}
	return nil, internal("select agent", err)
}

// driverAgent returns the client for the agent recorded against the job's
// driver, or nil when none has been recorded.
func (s *Service) driverAgent(job *jobs.JobDetails) (agents.Client, error) {
	if job.DriverAgentHTTPAddress == "" {
		return nil, nil
	}
	nodeID := job.DriverNodeID
	if nodeID == "" {
		nodeID = job.DriverAgentHTTPAddress
	}
	return s.pool.GetForAddress(nodeID, job.DriverAgentHTTPAddress)
}
