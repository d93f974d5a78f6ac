package invoker

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-tool-router/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/registry"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/transport"

	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// Options bounds a single tool invocation
type Options struct {
	// Timeout is the per-attempt deadline. Zero means DefaultTimeout.
	Timeout time.Duration

	// RetryAttempts is the number of retries after the first attempt, so a
	// call makes at most RetryAttempts+1 dispatches. Only transient failures
	// are retried.
	RetryAttempts int

	// ValidateInput enables the local required-fields check before dispatch
	ValidateInput bool
}

// DefaultTimeout bounds a tool call when the caller does not say otherwise
const DefaultTimeout = 60 * time.Second

// InvocationResult is the uniform outcome of one ExecuteTool call. Exactly
// one of Result and Err is meaningful, selected by Success.
type InvocationResult struct {
	ToolName      string
	ServerName    string
	Success       bool
	Result        *protocol.CallToolResult
	Err           error
	Attempts      int
	ExecutionTime time.Duration
}

// Text returns the flattened textual content of a successful result
func (r *InvocationResult) Text() string {
	if r.Result == nil {
		return ""
	}
	return r.Result.TextContent()
}

// StatsSink receives usage records after each invocation. Implementations
// must not block; the invoker calls them inline on the response path.
type StatsSink interface {
	RecordToolUsage(toolName, serverName string, success bool, duration time.Duration)
}

// Invoker executes tools located through the registry, applying validation,
// argument coercion, per-call timeouts and bounded retries.
type Invoker struct {
	registry *registry.Registry
	defaults Options
	stats    StatsSink
}

// New creates an invoker with the given default options
func New(reg *registry.Registry, defaults Options) *Invoker {
	if defaults.Timeout <= 0 {
		defaults.Timeout = DefaultTimeout
	}
	return &Invoker{registry: reg, defaults: defaults}
}

// SetStatsSink wires an optional usage recorder
func (i *Invoker) SetStatsSink(sink StatsSink) {
	i.stats = sink
}

// ExecuteTool runs one tool call end to end. It never returns a nil result;
// callers inspect Success and Err rather than a second return value, so the
// routing layer can fall back without unwrapping.
func (i *Invoker) ExecuteTool(ctx context.Context, toolName string, args map[string]interface{}) *InvocationResult {
	return i.ExecuteToolWithOptions(ctx, toolName, args, i.defaults)
}

// ExecuteToolWithOptions is ExecuteTool with per-call option overrides
func (i *Invoker) ExecuteToolWithOptions(ctx context.Context, toolName string, args map[string]interface{}, opts Options) *InvocationResult {
	if opts.Timeout <= 0 {
		opts.Timeout = i.defaults.Timeout
	}

	start := time.Now()
	result := &InvocationResult{ToolName: toolName}

	session, tool, found := i.registry.FindTool(toolName)
	if !found {
		result.Err = &ToolNotFoundError{Tool: toolName}
		result.ExecutionTime = time.Since(start)
		return result
	}
	result.ServerName = session.Config().Name

	// Validation happens before anything leaves the process: a call with
	// unresolvable required fields makes zero outbound requests.
	if opts.ValidateInput {
		if missing := missingRequiredFields(tool, args); len(missing) > 0 {
			result.Err = &MissingParametersError{Tool: toolName, Missing: missing}
			result.ExecutionTime = time.Since(start)
			return result
		}
	}

	args = conformArguments(tool.InputSchema, args)

	var lastErr error
	for attempt := 0; attempt <= opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			logging.LogDebugf("Retrying tool %s (attempt %d of %d)", toolName, attempt+1, opts.RetryAttempts+1)
			if err := sleepWithContext(ctx, session.Config().RetryBackoff()); err != nil {
				// Context died between attempts; the last real failure stands
				break
			}
		}

		result.Attempts = attempt + 1
		callResult, err := i.callOnce(ctx, session, toolName, args, opts.Timeout)
		if err == nil {
			result.Success = true
			result.Result = callResult
			result.ExecutionTime = time.Since(start)
			i.record(result)
			return result
		}

		lastErr = err
		if !IsRetryable(err) {
			break
		}
	}

	result.Err = lastErr
	result.ExecutionTime = time.Since(start)
	i.record(result)
	return result
}

// callOnce performs a single dispatch and classifies its failure
func (i *Invoker) callOnce(ctx context.Context, session *registry.Session, toolName string, args map[string]interface{}, timeout time.Duration) (*protocol.CallToolResult, error) {
	client := session.Client()
	if client == nil {
		return nil, &TransportError{Tool: toolName, Err: errors.Errorf("server %s is not connected", session.Config().Name)}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	callResult, err := client.CallTool(callCtx, toolName, args)
	if err != nil {
		return nil, classifyCallError(toolName, err)
	}

	if callResult.IsError {
		return nil, &RemoteToolError{Tool: toolName, Message: callResult.TextContent()}
	}
	return callResult, nil
}

// classifyCallError maps a raw transport error into the invocation taxonomy
func classifyCallError(toolName string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Tool: toolName, Err: err}
	}
	var rpcErr *transport.RPCError
	if errors.As(err, &rpcErr) {
		return &RemoteToolError{Tool: toolName, Message: rpcErr.Message}
	}
	return &TransportError{Tool: toolName, Err: err}
}

// sleepWithContext waits for the backoff duration unless the context ends first
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// record hands the outcome to the stats sink, if one is wired
func (i *Invoker) record(result *InvocationResult) {
	if i.stats == nil {
		return
	}
	i.stats.RecordToolUsage(result.ToolName, result.ServerName, result.Success, result.ExecutionTime)
}
