// Package packages stores runtime-environment packages uploaded through the
// gateway so agents can fetch them by URI.
package packages

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var protocolPattern = regexp.MustCompile(`^[a-z][a-z0-9+.-]*$`)

// URI builds the canonical "<protocol>://<name>" package URI.
func URI(protocol, name string) (string, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	name = strings.TrimSpace(name)
	if !protocolPattern.MatchString(protocol) {
		return "", fmt.Errorf("invalid package protocol %q", protocol)
	}
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("invalid package name %q", name)
	}
	return protocol + "://" + name, nil
}

// Metadata describes a stored package.
type Metadata struct {
	SizeBytes  int64     `json:"size_bytes"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Store keeps package blobs keyed by URI.
type Store interface {
	// Pin protects uri from expiry for ttl. Pinning a missing package is allowed.
	Pin(ctx context.Context, uri string, ttl time.Duration) error
	Exists(ctx context.Context, uri string) (bool, error)
	Upload(ctx context.Context, uri string, content []byte) error
}
