// Package ssh provides the SSH transport used to pull database dumps from
// remote servers: command execution plus SFTP download.
package ssh

import "time"

// ExecResult is the outcome of a remote command.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the wall time of the command.
func (r ExecResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g. "connect", "exec", "download").
	Op string

	// Err is the underlying error.
	Err error

	// IsTemporary indicates the operation may succeed if retried.
	IsTemporary bool

	// IsAuthError indicates an authentication or key problem.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the error is transient.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
