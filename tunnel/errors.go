package tunnel

import (
	"errors"
	"net/http"
)

var (
	// ErrTunnelNotFound means no live connection is registered for the id.
	ErrTunnelNotFound = errors.New("tunnel not found")
	// ErrTunnelClosed fails requests and subscriptions whose tunnel went away.
	ErrTunnelClosed = errors.New("tunnel disconnected")
	// ErrTunnelReplaced is the close reason for a session superseded by a reconnect.
	ErrTunnelReplaced = errors.New("tunnel connection replaced")
	// ErrGatewayTimeout means the laptop did not answer before the deadline.
	ErrGatewayTimeout = errors.New("tunnel response timeout")
	// ErrUnknownRequest is returned for responses that match no pending request.
	ErrUnknownRequest = errors.New("no pending request with that id")
	// ErrUnknownFrame is returned for frame types the router does not handle.
	ErrUnknownFrame = errors.New("unrecognized frame type")

	ErrSinkFull   = errors.New("subscriber buffer full")
	ErrSinkClosed = errors.New("subscriber closed")
)

// AuthError is a rejected credential. Status is 401 when the credential is
// missing and 403 when it is present but wrong.
type AuthError struct {
	Status int
	Reason string
}

func (e *AuthError) Error() string { return e.Reason }

func Unauthorized(reason string) *AuthError {
	return &AuthError{Status: http.StatusUnauthorized, Reason: reason}
}

func Forbidden(reason string) *AuthError {
	return &AuthError{Status: http.StatusForbidden, Reason: reason}
}

// InvalidRequestError is a malformed client payload.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string { return e.Reason }
