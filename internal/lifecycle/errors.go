package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound means the application or database is unknown to the registry.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized means the caller carried no valid authorization.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrAlreadyInProgress means another start/stop holds the application lease.
	ErrAlreadyInProgress = errors.New("operation already in progress")
	// ErrPartialTimeout means verification gave up before resources converged.
	ErrPartialTimeout = errors.New("verification timed out, resources still converging")
	// ErrSharedResourceProtected means a database was left alone because other
	// applications depend on it.
	ErrSharedResourceProtected = errors.New("shared resource protected")
)

// ComputeScaleError is a failed scale call for one compute group.
type ComputeScaleError struct {
	Group string
	Err   error
}

func (e *ComputeScaleError) Error() string {
	return fmt.Sprintf("compute group %s: %v", e.Group, e.Err)
}

func (e *ComputeScaleError) Unwrap() error { return e.Err }

// DatabaseToggleError is a failed stop/start call for one database instance.
type DatabaseToggleError struct {
	Key string
	Err error
}

func (e *DatabaseToggleError) Error() string {
	return fmt.Sprintf("database %s: %v", e.Key, e.Err)
}

func (e *DatabaseToggleError) Unwrap() error { return e.Err }

// SharedResourceError names the applications that keep a database running.
type SharedResourceError struct {
	Key  string
	Apps []string
}

func (e *SharedResourceError) Error() string {
	return fmt.Sprintf("database %s is shared with %s", e.Key, strings.Join(e.Apps, ", "))
}

func (e *SharedResourceError) Is(target error) bool {
	return target == ErrSharedResourceProtected
}
