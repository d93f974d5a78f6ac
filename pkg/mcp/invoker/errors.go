package invoker

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrTooManyToolCalls indicates a single request exceeded its tool call budget
var ErrTooManyToolCalls = errors.New("too many tool calls for a single request")

// ToolNotFoundError indicates the requested tool exists on no connected server
type ToolNotFoundError struct {
	Tool string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Tool)
}

// MissingParametersError indicates required input fields could not be
// resolved. It is raised before any call leaves the process.
type MissingParametersError struct {
	Tool    string
	Missing []string
}

func (e *MissingParametersError) Error() string {
	return fmt.Sprintf("tool %s missing required parameters: %s", e.Tool, strings.Join(e.Missing, ", "))
}

// RemoteToolError indicates the tool itself reported a failure, either as a
// JSON-RPC error object or an isError result. The call reached the tool, so
// retrying would re-run its logic; these are never retried.
type RemoteToolError struct {
	Tool    string
	Message string
}

func (e *RemoteToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

// TimeoutError indicates the per-call deadline elapsed before a response
type TimeoutError struct {
	Tool string
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %s timed out: %v", e.Tool, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// TransportError indicates the call never completed at the wire level:
// broken pipe, dead process, connection refused.
type TransportError struct {
	Tool string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("tool %s transport failure: %v", e.Tool, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether a failed invocation may be attempted again.
// Only transient wire-level failures and timeouts qualify; errors raised by
// the tool's own logic or by local validation never do.
func IsRetryable(err error) bool {
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}
