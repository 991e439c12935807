package jobs

// JobType distinguishes jobs submitted through the gateway from drivers
// started directly by a cluster client.
type JobType string

const (
	TypeSubmission JobType = "SUBMISSION"
	TypeDriver     JobType = "DRIVER"
)

// JobStatus is the lifecycle state recorded for a submission job.
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusRunning   JobStatus = "RUNNING"
	StatusStopped   JobStatus = "STOPPED"
	StatusSucceeded JobStatus = "SUCCEEDED"
	StatusFailed    JobStatus = "FAILED"
)

var terminalStatuses = map[JobStatus]bool{
	StatusStopped:   true,
	StatusSucceeded: true,
	StatusFailed:    true,
}

// IsTerminal reports whether the job can no longer change state.
func (s JobStatus) IsTerminal() bool {
	return terminalStatuses[s]
}

// DriverInfo describes the process running the user's entrypoint.
type DriverInfo struct {
	ID            string `json:"id"`
	NodeIPAddress string `json:"node_ip_address"`
	PID           string `json:"pid"`
}

// JobInfo is the record kept per submission id by the job agents.
type JobInfo struct {
	Status                 JobStatus          `json:"status"`
	Entrypoint             string             `json:"entrypoint"`
	Message                string             `json:"message,omitempty"`
	ErrorType              string             `json:"error_type,omitempty"`
	StartTime              int64              `json:"start_time,omitempty"`
	EndTime                int64              `json:"end_time,omitempty"`
	Metadata               map[string]string  `json:"metadata,omitempty"`
	RuntimeEnv             map[string]any     `json:"runtime_env,omitempty"`
	DriverAgentHTTPAddress string             `json:"driver_agent_http_address,omitempty"`
	DriverNodeID           string             `json:"driver_node_id,omitempty"`
	DriverExitCode         *int               `json:"driver_exit_code,omitempty"`
	EntrypointNumCPUs      *float64           `json:"entrypoint_num_cpus,omitempty"`
	EntrypointNumGPUs      *float64           `json:"entrypoint_num_gpus,omitempty"`
	EntrypointMemory       *int64             `json:"entrypoint_memory,omitempty"`
	EntrypointResources    map[string]float64 `json:"entrypoint_resources,omitempty"`
}

// DriverJob is an entry of the cluster's driver registry.
type DriverJob struct {
	JobID        string            `json:"job_id"`
	SubmissionID string            `json:"submission_id,omitempty"`
	IsDead       bool              `json:"is_dead"`
	Driver       DriverInfo        `json:"driver_info"`
	Entrypoint   string            `json:"entrypoint,omitempty"`
	StartTime    int64             `json:"start_time,omitempty"`
	EndTime      int64             `json:"end_time,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RuntimeEnv   map[string]any    `json:"runtime_env,omitempty"`
}

// JobDetails is the read model returned by the job API.
type JobDetails struct {
	Type         JobType     `json:"type"`
	JobID        string      `json:"job_id,omitempty"`
	SubmissionID string      `json:"submission_id,omitempty"`
	DriverInfo   *DriverInfo `json:"driver_info,omitempty"`
	JobInfo
}

// SubmitRequest is the body of POST /api/jobs/.
type SubmitRequest struct {
	Entrypoint          string             `json:"entrypoint"`
	SubmissionID        string             `json:"submission_id,omitempty"`
	RuntimeEnv          map[string]any     `json:"runtime_env,omitempty"`
	Metadata            map[string]string  `json:"metadata,omitempty"`
	EntrypointNumCPUs   *float64           `json:"entrypoint_num_cpus,omitempty"`
	EntrypointNumGPUs   *float64           `json:"entrypoint_num_gpus,omitempty"`
	EntrypointMemory    *int64             `json:"entrypoint_memory,omitempty"`
	EntrypointResources map[string]float64 `json:"entrypoint_resources,omitempty"`
}

// SubmitResponse is returned by an agent after accepting a job.
type SubmitResponse struct {
	JobID        string `json:"job_id,omitempty"`
	SubmissionID string `json:"submission_id"`
}

// StopResponse is returned by an agent after a stop request.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// DeleteResponse is returned by an agent after a delete request.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// LogsResponse carries the full log output of a job.
type LogsResponse struct {
	Logs string `json:"logs"`
}
