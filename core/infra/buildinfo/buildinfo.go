package buildinfo

import (
	"fmt"

	"github.com/cordum/jobgate/core/infra/logging"
)

// APIVersion is bumped on backwards-incompatible changes to the job REST API;
// clients compare it before talking to the gateway.
const APIVersion = "2"

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// VersionResponse is served by GET /api/version.
type VersionResponse struct {
	Version        string `json:"version"`
	GatewayVersion string `json:"gateway_version"`
	GatewayCommit  string `json:"gateway_commit"`
	SessionName    string `json:"session_name"`
}

// Response builds the version payload for the given session.
func Response(session string) VersionResponse {
	return VersionResponse{
		Version:        APIVersion,
		GatewayVersion: Version,
		GatewayCommit:  Commit,
		SessionName:    session,
	}
}

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Log writes the build summary with the service name.
func Log(service string) {
	logging.Info(service, "build info", "version", Version, "commit", Commit, "date", Date)
}
