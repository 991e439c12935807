package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cordum/jobgate/core/infra/kv"
)

const (
	// AgentAddrKeyPrefix prefixes agent registrations in the dashboard namespace.
	AgentAddrKeyPrefix = "agent_addr_node_id:"
	// HeadNodeIDKey holds the head node id in the job namespace.
	HeadNodeIDKey = "head_node_id"
)

// Endpoint is a registered agent.
type Endpoint struct {
	NodeID   string
	IP       string
	HTTPPort int
	GRPCPort int
}

// HTTPAddress returns the agent's HTTP base URL.
func (e Endpoint) HTTPAddress() string {
	return "http://" + net.JoinHostPort(e.IP, strconv.Itoa(e.HTTPPort))
}

// Directory lists and resolves agents registered in the metadata store.
type Directory struct {
	store   kv.Store
	timeout time.Duration
}

// NewDirectory returns a directory whose store calls are bounded by rpcTimeout.
func NewDirectory(store kv.Store, rpcTimeout time.Duration) *Directory {
	return &Directory{store: store, timeout: rpcTimeout}
}

func (d *Directory) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

// ListAgentNodeIDs returns the registered node ids, sorted.
func (d *Directory) ListAgentNodeIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := d.call(ctx)
	defer cancel()
	keys, err := d.store.Keys(ctx, AgentAddrKeyPrefix, kv.NamespaceDashboard)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	if len(keys) == 0 {
		return nil, ErrNoAgents
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, AgentAddrKeyPrefix))
	}
	return ids, nil
}

// ResolveEndpoint reads the registration for nodeID.
func (d *Directory) ResolveEndpoint(ctx context.Context, nodeID string) (Endpoint, error) {
	ctx, cancel := d.call(ctx)
	defer cancel()
	data, err := d.store.Get(ctx, AgentAddrKeyPrefix+nodeID, kv.NamespaceDashboard)
	if errors.Is(err, kv.ErrNotFound) {
		return Endpoint{}, fmt.Errorf("%w: node %s; the agent may have failed to start, check that its port is free", ErrAgentNotFound, nodeID)
	}
	if err != nil {
		return Endpoint{}, fmt.Errorf("resolve agent %s: %w", nodeID, err)
	}
	ep, err := decodeEndpoint(data)
	if err != nil {
		return Endpoint{}, fmt.Errorf("resolve agent %s: %w", nodeID, err)
	}
	ep.NodeID = nodeID
	return ep, nil
}

// HeadNodeID returns the published head node id.
func (d *Directory) HeadNodeID(ctx context.Context) (string, error) {
	ctx, cancel := d.call(ctx)
	defer cancel()
	data, err := d.store.Get(ctx, HeadNodeIDKey, kv.NamespaceJob)
	if errors.Is(err, kv.ErrNotFound) || (err == nil && len(strings.TrimSpace(string(data))) == 0) {
		return "", ErrHeadNodeUnknown
	}
	if err != nil {
		return "", fmt.Errorf("read head node id: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Register publishes an agent endpoint. Agents call this on start-up.
func (d *Directory) Register(ctx context.Context, ep Endpoint) error {
	if ep.NodeID == "" {
		return fmt.Errorf("node id required")
	}
	data, err := json.Marshal([]any{ep.IP, ep.HTTPPort, ep.GRPCPort})
	if err != nil {
		return err
	}
	ctx, cancel := d.call(ctx)
	defer cancel()
	_, err = d.store.Put(ctx, AgentAddrKeyPrefix+ep.NodeID, data, true, kv.NamespaceDashboard)
	return err
}

// Deregister removes an agent endpoint.
func (d *Directory) Deregister(ctx context.Context, nodeID string) error {
	ctx, cancel := d.call(ctx)
	defer cancel()
	return d.store.Del(ctx, AgentAddrKeyPrefix+nodeID, kv.NamespaceDashboard)
}

// PublishHeadNode records the head node id.
func (d *Directory) PublishHeadNode(ctx context.Context, nodeID string) error {
	ctx, cancel := d.call(ctx)
	defer cancel()
	_, err := d.store.Put(ctx, HeadNodeIDKey, []byte(nodeID), true, kv.NamespaceJob)
	return err
}

// decodeEndpoint parses the [ip, http_port, grpc_port] registration value.
func decodeEndpoint(data []byte) (Endpoint, error) {
	var triple []json.RawMessage
	if err := json.Unmarshal(data, &triple); err != nil {
		return Endpoint{}, fmt.Errorf("decode endpoint: %w", err)
	}
	if len(triple) != 3 {
		return Endpoint{}, fmt.Errorf("decode endpoint: expected 3 fields, got %d", len(triple))
	}
	var ep Endpoint
	if err := json.Unmarshal(triple[0], &ep.IP); err != nil {
		return Endpoint{}, fmt.Errorf("decode endpoint ip: %w", err)
	}
	if err := json.Unmarshal(triple[1], &ep.HTTPPort); err != nil {
		return Endpoint{}, fmt.Errorf("decode endpoint http port: %w", err)
	}
	if err := json.Unmarshal(triple[2], &ep.GRPCPort); err != nil {
		return Endpoint{}, fmt.Errorf("decode endpoint grpc port: %w", err)
	}
	if ep.IP == "" || ep.HTTPPort <= 0 {
		return Endpoint{}, fmt.Errorf("decode endpoint: incomplete address %q", data)
	}
	return ep, nil
}
