package router

import "fmt"

// ToolNotFoundError is returned by Invoke when no resolution strategy
// yields a (server, tool) pair.
type ToolNotFoundError struct{ Name string }

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("router: tool %q not found", e.Name)
}

// PermissionDeniedError is returned by Invoke when the guard rejects the
// call. Reason carries the guard's explanation.
type PermissionDeniedError struct{ Reason string }

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("router: permission denied: %s", e.Reason)
}

// ServerNotRunningError is returned by Invoke when the resolved server has
// no live client in the manager.
type ServerNotRunningError struct{ Name string }

func (e *ServerNotRunningError) Error() string {
	return fmt.Sprintf("router: server %q is not running", e.Name)
}
