package ftp

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNoDataChannel is returned when a transfer or listing needs a data
	// channel, none is open and automatic passive mode is disabled.
	ErrNoDataChannel = errors.New("ftp: no data channel open (call EnterPassive first)")

	// ErrNotConnected is returned when a command is issued on a client whose
	// control channel is closed.
	ErrNotConnected = errors.New("ftp: not connected")

	// ErrPoolClosed is returned by pool operations after Disconnect.
	ErrPoolClosed = errors.New("ftp: pool is disconnected")

	// ErrOperationNotFound is returned when polling an unknown operation ID.
	ErrOperationNotFound = errors.New("ftp: operation not found")
)

// ProtocolError represents an FTP protocol error with full context of the
// command/response conversation. This provides detailed debugging information
// beyond simple error messages.
type ProtocolError struct {
	// Command is the FTP command that was sent (e.g., "STOR file.txt")
	Command string

	// Response is the raw response received from the server (e.g., "550 Permission denied")
	Response string

	// Code is the numeric FTP response code (e.g., 550)
	Code int
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ftp: %s failed: %s (code %d)", e.Command, e.Response, e.Code)
}

// IsTemporary returns true if the error is a temporary failure (4xx).
func (e *ProtocolError) IsTemporary() bool {
	return e.Code >= 400 && e.Code < 500
}

// IsPermanent returns true if the error is a permanent failure (5xx).
func (e *ProtocolError) IsPermanent() bool {
	return e.Code >= 500 && e.Code < 600
}

// TransportError reports a failed socket operation (dial, read or write).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ftp: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Cause supports errors.Cause.
func (e *TransportError) Cause() error { return e.Err }

// ConnectionClosedError is returned when writing a command to a control
// connection that was believed to be open fails. The client has already moved
// to the disconnected state; callers may reconnect and retry.
type ConnectionClosedError struct {
	Command string
	Err     error
}

func (e *ConnectionClosedError) Error() string {
	return fmt.Sprintf("ftp: connection closed while sending %q: %v", e.Command, e.Err)
}

func (e *ConnectionClosedError) Unwrap() error { return e.Err }

// Cause supports errors.Cause.
func (e *ConnectionClosedError) Cause() error { return e.Err }

// ConnectionError is returned when a control connection could not be
// established: every dial attempt failed or the greeting was not 220.
type ConnectionError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("ftp: cannot connect to %s after %d attempt(s): %v", e.Addr, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Cause supports errors.Cause.
func (e *ConnectionError) Cause() error { return e.Err }

// TLSError reports a failed handshake or a rejected server certificate.
// It aborts the session attempt.
type TLSError struct {
	Op  string
	Err error
}

func (e *TLSError) Error() string {
	return fmt.Sprintf("ftp: TLS %s: %v", e.Op, e.Err)
}

func (e *TLSError) Unwrap() error { return e.Err }

// Cause supports errors.Cause.
func (e *TLSError) Cause() error { return e.Err }

// ParameterError is returned before any I/O when a required argument is
// missing.
type ParameterError struct {
	Name string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("ftp: missing required argument %q", e.Name)
}

// IsConnectionClosed reports whether err (or any error it wraps) is a
// *ConnectionClosedError.
func IsConnectionClosed(err error) bool {
	var cc *ConnectionClosedError
	return errors.As(err, &cc)
}

func protocolError(command string, resp *Response) *ProtocolError {
	if resp == nil {
		return &ProtocolError{Command: command}
	}
	return &ProtocolError{
		Command:  command,
		Response: resp.Message,
		Code:     resp.Code,
	}
}
