package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cordum/jobgate/core/infra/logging"
	"github.com/cordum/jobgate/core/infra/metrics"
	"golang.org/x/sync/singleflight"
)

// EndpointResolver resolves a node id to its agent endpoint.
type EndpointResolver interface {
	ResolveEndpoint(ctx context.Context, nodeID string) (Endpoint, error)
}

// Pool caches one client per agent node id. Concurrent misses for the same
// node id share a single resolve-and-dial.
type Pool struct {
	resolver EndpointResolver
	factory  ClientFactory
	metrics  metrics.AgentMetrics

	mu      sync.RWMutex
	clients map[string]Client
	// pruneGen counts prunes; live is the listing the last prune kept.
	pruneGen uint64
	live     map[string]struct{}
	group    singleflight.Group
}

// NewPool creates an empty pool.
func NewPool(resolver EndpointResolver, factory ClientFactory, m metrics.AgentMetrics) *Pool {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Pool{
		resolver: resolver,
		factory:  factory,
		metrics:  m,
		clients:  make(map[string]Client),
	}
}

func (p *Pool) lookup(nodeID string) (Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[nodeID]
	return c, ok
}

// Get returns the cached client for nodeID, resolving and dialing on a miss.
func (p *Pool) Get(ctx context.Context, nodeID string) (Client, error) {
	if c, ok := p.lookup(nodeID); ok {
		return c, nil
	}
	return p.create(ctx, nodeID, true, func(ctx context.Context) (string, error) {
		ep, err := p.resolver.ResolveEndpoint(ctx, nodeID)
		if err != nil {
			return "", err
		}
		return ep.HTTPAddress(), nil
	})
}

// GetForAddress returns the cached client for nodeID or creates one for a
// known address without consulting the directory.
func (p *Pool) GetForAddress(nodeID, address string) (Client, error) {
	if c, ok := p.lookup(nodeID); ok {
		return c, nil
	}
	if address == "" {
		return nil, fmt.Errorf("no agent address for node %s", nodeID)
	}
	return p.create(context.Background(), nodeID, false, func(context.Context) (string, error) { return address, nil })
}

// create resolves and dials once per node id. The shared resolve runs under a
// context detached from the first caller's cancellation; the resolver bounds
// it. Each caller still stops waiting when its own ctx is done. Clients for
// directory-resolved nodes that a concurrent prune dropped are not cached.
func (p *Pool) create(ctx context.Context, nodeID string, fromDirectory bool, address func(context.Context) (string, error)) (Client, error) {
	ch := p.group.DoChan(nodeID, func() (any, error) {
		if c, ok := p.lookup(nodeID); ok {
			return c, nil
		}
		p.mu.RLock()
		gen := p.pruneGen
		p.mu.RUnlock()

		addr, err := address(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c, err := p.factory.NewClient(addr)
		if err != nil {
			return nil, fmt.Errorf("create agent client for node %s: %w", nodeID, err)
		}
		p.mu.Lock()
		if fromDirectory && p.pruneGen != gen {
			if _, ok := p.live[nodeID]; !ok {
				p.mu.Unlock()
				_ = c.Close()
				return nil, fmt.Errorf("agent node %s was pruned while connecting: %w", nodeID, ErrAgentNotFound)
			}
		}
		p.clients[nodeID] = c
		size := len(p.clients)
		p.mu.Unlock()
		p.metrics.SetPoolSize(size)
		logging.Debug("agent-pool", "agent client created", "node_id", nodeID, "address", addr)
		return c, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Client), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Prune closes and removes every client whose node id is not in live. Close
// errors are logged and dropped unless strict is set, in which case they are
// returned joined. It returns the number of clients removed.
func (p *Pool) Prune(live []string, strict bool) (int, error) {
	keep := make(map[string]struct{}, len(live))
	for _, id := range live {
		keep[id] = struct{}{}
	}
	var dead []string
	var closing []Client
	p.mu.Lock()
	p.pruneGen++
	p.live = keep
	for id, c := range p.clients {
		if _, ok := keep[id]; ok {
			continue
		}
		dead = append(dead, id)
		closing = append(closing, c)
		delete(p.clients, id)
	}
	size := len(p.clients)
	p.mu.Unlock()

	if len(dead) == 0 {
		return 0, nil
	}
	p.metrics.SetPoolSize(size)
	p.metrics.AddPruned(len(dead))

	var errs []error
	for i, c := range closing {
		if err := c.Close(); err != nil {
			if strict {
				errs = append(errs, fmt.Errorf("close agent client %s: %w", dead[i], err))
				continue
			}
			logging.Warn("agent-pool", "close pruned agent client", "node_id", dead[i], "error", err)
		}
	}
	logging.Info("agent-pool", "pruned dead agents", "node_ids", dead)
	return len(dead), errors.Join(errs...)
}

// NodeIDs returns the cached node ids, sorted.
func (p *Pool) NodeIDs() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.clients))
	for id := range p.clients {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Size returns the number of cached clients.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// CloseAll closes every cached client and empties the pool.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]Client)
	p.mu.Unlock()
	p.metrics.SetPoolSize(0)

	var errs []error
	for id, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close agent client %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
