package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

var (
	// ErrNetwork covers connect, read and write failures on a transfer socket.
	ErrNetwork = errors.New("network: connection failure")
	// ErrProtocolViolation indicates a malformed or out-of-order message.
	ErrProtocolViolation = errors.New("network: protocol violation")
	// ErrHandshakeTimeout indicates the peer did not send a request in time.
	ErrHandshakeTimeout = errors.New("network: handshake timed out")
	// ErrIdentityUnresolved indicates a named request from an address missing in the roster.
	ErrIdentityUnresolved = errors.New("network: sender identity unresolved")
	// ErrFilesystem covers create, write and read failures on local files.
	ErrFilesystem = errors.New("network: filesystem failure")
	// ErrIntegrityMismatch indicates the received digest differs from the local one.
	ErrIntegrityMismatch = errors.New("network: integrity mismatch")
	// ErrCancelled indicates the session was aborted locally or by shutdown.
	ErrCancelled = errors.New("network: transfer cancelled")
	// ErrRejected indicates the remote side answered KO.
	ErrRejected = errors.New("network: transfer rejected")
)

func networkError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrNetwork) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrNetwork, op, err)
}

func filesystemError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrFilesystem) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrFilesystem, op, err)
}

func protocolError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// cancelCause turns a context error into ErrCancelled, keeping any explicit cause.
func cancelCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		return nil
	}
	if errors.Is(cause, ErrCancelled) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// isTimeout reports whether err came from an expired socket deadline.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ActivityFor returns the user-facing activity line for a failed session.
func ActivityFor(err error) string {
	switch {
	case err == nil:
		return "Transfer completed"
	case errors.Is(err, ErrCancelled):
		return "Operation cancelled"
	case errors.Is(err, ErrRejected):
		return "Transfer rejected"
	case errors.Is(err, ErrIntegrityMismatch):
		return "File is corrupted or invalid"
	case errors.Is(err, ErrIdentityUnresolved):
		return "Sender is not a known user"
	case errors.Is(err, ErrHandshakeTimeout):
		return "Peer did not answer in time"
	case errors.Is(err, ErrProtocolViolation):
		return "Peer sent an invalid request"
	case errors.Is(err, ErrFilesystem):
		return "Could not access the file"
	default:
		return "An error occurred while transferring"
	}
}
