package protocol

import "fmt"

// TimeoutError is returned when a request's timer fires before a matching
// response arrives.
type TimeoutError struct {
	Method string
	ID     int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("protocol: request %q (id %d) timed out", e.Method, e.ID)
}

// TransportClosedError is returned to every pending request when the
// underlying transport closes.
type TransportClosedError struct {
	ExitCode *int
}

func (e *TransportClosedError) Error() string {
	if e.ExitCode == nil {
		return "protocol: transport closed"
	}
	return fmt.Sprintf("protocol: transport closed (exit code %d)", *e.ExitCode)
}

// MCPError wraps a server-originated JSON-RPC error response.
type MCPError struct {
	Code    int
	Message string
	Data    any
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("protocol: mcp error %d: %s", e.Code, e.Message)
}

// ErrShuttingDown is returned to any pending request rejected by Shutdown.
var ErrShuttingDown = fmt.Errorf("protocol: shutting down")
