package agents

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cordum/jobgate/core/infra/config"
	"github.com/cordum/jobgate/core/infra/logging"
	"github.com/cordum/jobgate/core/infra/metrics"
)

// Selector picks the agent that serves a submit, stop or delete.
type Selector interface {
	// SelectTarget retries until an agent is available or timeout elapses,
	// in which case it returns a *TimeoutError.
	SelectTarget(ctx context.Context, timeout time.Duration) (Client, error)
	Policy() string
}

// Rand is the random source used by CandidateSelector.
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// NodeLister lists live agent node ids.
type NodeLister interface {
	ListAgentNodeIDs(ctx context.Context) ([]string, error)
}

// HeadNodeSource returns the designated head node id.
type HeadNodeSource interface {
	HeadNodeID(ctx context.Context) (string, error)
}

// SelectorOptions configures NewSelector.
type SelectorOptions struct {
	Policy         string
	CandidateCount int
	Retry          RetryPolicy
	Rand           Rand
	Metrics        metrics.AgentMetrics
}

// NewSelector builds the selector for opts.Policy.
func NewSelector(dir *Directory, pool *Pool, opts SelectorOptions) (Selector, error) {
	switch opts.Policy {
	case config.PolicyHeadNode, "":
		return NewHeadNodeSelector(dir, pool, opts.Retry, opts.Metrics), nil
	case config.PolicyRandom:
		return NewCandidateSelector(dir, pool, opts.CandidateCount, opts.Retry, opts.Rand, opts.Metrics)
	default:
		return nil, fmt.Errorf("unknown agent selection policy %q", opts.Policy)
	}
}

type selectorBase struct {
	policy  string
	pool    *Pool
	retry   RetryPolicy
	metrics metrics.AgentMetrics
}

func (b selectorBase) run(ctx context.Context, timeout time.Duration, once func(ctx context.Context) (Client, error)) (Client, error) {
	clk := b.retry.clock()
	start := clk.Now()
	var target Client
	err := b.retry.Do(ctx, "select agent", timeout, func(ctx context.Context) error {
		c, err := once(ctx)
		if err != nil {
			return err
		}
		target = c
		return nil
	})
	outcome := "ok"
	switch {
	case IsTimeout(err):
		outcome = "timeout"
		logging.Warn("agent-selector", "no agent available", "policy", b.policy, "timeout", timeout.String(), "error", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = "canceled"
	}
	b.metrics.ObserveSelection(b.policy, outcome, clk.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return target, nil
}

// HeadNodeSelector sends every request to the head node's agent.
type HeadNodeSelector struct {
	selectorBase
	source HeadNodeSource
}

// NewHeadNodeSelector returns a selector bound to the published head node.
func NewHeadNodeSelector(source HeadNodeSource, pool *Pool, retry RetryPolicy, m metrics.AgentMetrics) *HeadNodeSelector {
	if m == nil {
		m = metrics.Noop{}
	}
	return &HeadNodeSelector{
		selectorBase: selectorBase{policy: config.PolicyHeadNode, pool: pool, retry: retry, metrics: m},
		source:       source,
	}
}

func (s *HeadNodeSelector) Policy() string { return s.policy }

func (s *HeadNodeSelector) SelectTarget(ctx context.Context, timeout time.Duration) (Client, error) {
	return s.run(ctx, timeout, s.selectOnce)
}

func (s *HeadNodeSelector) selectOnce(ctx context.Context) (Client, error) {
	nodeID, err := s.source.HeadNodeID(ctx)
	if err != nil {
		return nil, err
	}
	return s.pool.Get(ctx, nodeID)
}

// CandidateSelector samples uniformly among agents. Once the pool holds N
// clients it samples only from the pool; below N it samples from the full
// directory, growing the pool toward N.
type CandidateSelector struct {
	selectorBase
	lister NodeLister
	n      int
	rand   Rand
}

// NewCandidateSelector returns a bounded-candidate selector. A nil r uses the
// process-wide source.
func NewCandidateSelector(lister NodeLister, pool *Pool, n int, retry RetryPolicy, r Rand, m metrics.AgentMetrics) (*CandidateSelector, error) {
	if n < 1 {
		return nil, fmt.Errorf("candidate count must be at least 1, got %d", n)
	}
	if r == nil {
		r = globalRand{}
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &CandidateSelector{
		selectorBase: selectorBase{policy: config.PolicyRandom, pool: pool, retry: retry, metrics: m},
		lister:       lister,
		n:            n,
		rand:         r,
	}, nil
}

func (s *CandidateSelector) Policy() string { return s.policy }

func (s *CandidateSelector) SelectTarget(ctx context.Context, timeout time.Duration) (Client, error) {
	return s.run(ctx, timeout, s.selectOnce)
}

func (s *CandidateSelector) selectOnce(ctx context.Context) (Client, error) {
	live, err := s.lister.ListAgentNodeIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(live) == 0 {
		return nil, ErrNoAgents
	}
	_, _ = s.pool.Prune(live, false)

	if pooled := s.pool.NodeIDs(); len(pooled) >= s.n {
		return s.pool.Get(ctx, pooled[s.rand.IntN(len(pooled))])
	}
	return s.pool.Get(ctx, live[s.rand.IntN(len(live))])
}
