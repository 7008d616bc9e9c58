package nodeclient

import (
	"errors"
	"fmt"
)

var (
	// ErrNodeInfoUnavailable is returned when a node row lacks the fqdn needed
	// to reach its daemon.
	ErrNodeInfoUnavailable = errors.New("node info unavailable")

	// ErrDaemonUnreachable is returned when the daemon cannot be reached or
	// does not answer within the request timeout.
	ErrDaemonUnreachable = errors.New("daemon unreachable")
)

// DaemonError carries an error message extracted from a daemon JSON error body.
type DaemonError struct {
	StatusCode int
	Message    string
}

func (e *DaemonError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("daemon error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("daemon error (status %d)", e.StatusCode)
}
