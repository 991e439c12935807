package agents

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoAgents means the directory currently lists no agents. Callers treat
	// it as transient.
	ErrNoAgents = errors.New("no agents registered")
	// ErrAgentNotFound means a node id has no registration entry.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrHeadNodeUnknown means the head node id has not been published yet.
	ErrHeadNodeUnknown = errors.New("head node id not published")
	// ErrClientClosed is returned by calls on a closed agent client.
	ErrClientClosed = errors.New("agent client closed")
)

// ErrorKind classifies agent call failures so the gateway can pick a status
// code without inspecting error types.
type ErrorKind int

const (
	// KindInternal covers agent-side failures and undecodable replies.
	KindInternal ErrorKind = iota
	// KindInvalid means the agent rejected the request as malformed.
	KindInvalid
	// KindTransport means the agent could not be reached.
	KindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindTransport:
		return "transport"
	default:
		return "internal"
	}
}

// CallError is returned by agent clients.
type CallError struct {
	Op     string
	Kind   ErrorKind
	Status int
	Body   string
	Err    error
}

func (e *CallError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("Request failed with status code %d: %s.", e.Status, e.Body)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op + ": agent call failed"
}

func (e *CallError) Unwrap() error { return e.Err }

// KindOf returns the kind of the first CallError in err's chain.
func KindOf(err error) ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// TimeoutError is returned when no target could be selected in time.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	Elapsed time.Duration
	Last    error
}

func (e *TimeoutError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s: no result within %s", e.Op, e.Timeout)
	}
	return fmt.Sprintf("%s: no result within %s, last error: %v", e.Op, e.Timeout, e.Last)
}

func (e *TimeoutError) Unwrap() error { return e.Last }

// IsTimeout reports whether err is a selection timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
