package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Standard errors returned by the protocol client.
var (
	// ErrSessionNotFound indicates the server has no record of the
	// session; the caller falls back to creating a fresh one.
	ErrSessionNotFound = errors.New("session not found")
	// ErrChunkConflict indicates the server holds this chunk index with
	// a different checksum; the session must be aborted and re-resumed.
	ErrChunkConflict = errors.New("chunk checksum conflict")
	// ErrRejected indicates the destination refused the file for policy
	// reasons. Never retried.
	ErrRejected = errors.New("upload rejected by destination")
	// ErrServerBusy indicates a transient server-side condition.
	ErrServerBusy = errors.New("server busy")
)

// APIError is an error response from the receiving server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s, status %d)", e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// VerifyError is returned by Finalize when the server's verification
// names specific chunks to re-send.
type VerifyError struct {
	MissingChunks    []int
	MismatchedChunks []int
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("finalize verification failed: %d missing, %d mismatched chunks",
		len(e.MissingChunks), len(e.MismatchedChunks))
}

// IsTransient classifies an error as retriable with backoff: network
// failures, timeouts, and 5xx-equivalent server responses. Everything
// else fails the task immediately.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrServerBusy) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		// A payload that hashed differently on arrival was damaged in
		// transit; re-sending the same bytes can succeed.
		if apiErr.Code == "CHUNK_CHECKSUM_MISMATCH" {
			return true
		}
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == 429
	}

	// Errors that never reached the server (connection refused, DNS)
	// surface as *url.Error wrapping an *net.OpError; net.Error above
	// catches timeouts, this catches the rest.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
