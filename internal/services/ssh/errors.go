package ssh

import (
	"errors"
	"fmt"
)

// ErrHostUnreachable is returned by Connect when the liveness probe fails.
var ErrHostUnreachable = errors.New("host unreachable")

// ConnectError indicates the transport could not be established.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// AuthenticationError indicates the server rejected the supplied credentials.
type AuthenticationError struct {
	User string
	Addr string
	Err  error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %s@%s: %v", e.User, e.Addr, e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// UploadError indicates a manifest file could not be placed on the remote host.
type UploadError struct {
	File string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("failed to upload %s: %v", e.File, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}
