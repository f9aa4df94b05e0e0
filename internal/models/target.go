package models

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Mode selects where commands run.
type Mode string

// Connection modes.
const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Credentials authenticate a remote session.
type Credentials struct {
	Username string
	Password string // optional
	KeyPath  string // optional path to a private key
	UseAgent bool   // try SSH_AUTH_SOCK as well
}

// Target is the host a workflow operates on.
type Target struct {
	Mode        Mode
	Host        string
	Port        int
	Credentials *Credentials
}

// ErrInvalidTarget is returned by Target.Validate.
var ErrInvalidTarget = errors.New("invalid connection target")

// IsRemote reports whether commands travel over a session.
func (t Target) IsRemote() bool {
	return t.Mode == ModeRemote
}

// Addr returns host:port for remote targets.
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Validate enforces that host and credentials are present iff the target is remote.
func (t Target) Validate() error {
	switch t.Mode {
	case ModeLocal:
		if t.Host != "" || t.Credentials != nil {
			return fmt.Errorf("%w: local target must not carry host or credentials", ErrInvalidTarget)
		}
	case ModeRemote:
		if t.Host == "" {
			return fmt.Errorf("%w: remote target requires a host", ErrInvalidTarget)
		}
		if t.Credentials == nil || t.Credentials.Username == "" {
			return fmt.Errorf("%w: remote target requires a username", ErrInvalidTarget)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidTarget, t.Mode)
	}
	return nil
}
