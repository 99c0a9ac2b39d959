package platform

import (
	"errors"
	"fmt"
)

// Subsystem tags the origin of a client error.
type Subsystem string

const (
	SubsystemRegistry      Subsystem = "registry"
	SubsystemInstances     Subsystem = "instance-manager"
	SubsystemHosts         Subsystem = "host-manager"
	SubsystemImageRegistry Subsystem = "image-registry"
)

// ClientError wraps a platform client failure with its originating
// subsystem so operators can tell which service misbehaved.
type ClientError struct {
	// Subsystem is the client that failed.
	Subsystem Subsystem

	// Op is the facade operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Subsystem, e.Op, e.Err)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// WrapClientError tags err with its origin. A nil err returns nil.
func WrapClientError(subsystem Subsystem, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ClientError{Subsystem: subsystem, Op: op, Err: err}
}

// IsClientError reports whether err is a tagged client failure, returning
// the tag when it is.
func IsClientError(err error) (*ClientError, bool) {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
