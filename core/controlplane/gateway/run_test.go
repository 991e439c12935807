package gateway

import (
	"testing"
	"time"

	"github.com/cordum/jobgate/core/infra/config"
)

func TestAgentClientFactoryUsesCallTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.Agents.RPCTimeout = 3 * time.Second
	cfg.Agents.CallTimeout = 90 * time.Second
	if got := agentClientFactory(cfg).Timeout; got != 90*time.Second {
		t.Fatalf("expected agent calls bounded by the call timeout, got %s", got)
	}
}
