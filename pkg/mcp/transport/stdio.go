package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-tool-router/pkg/mcp/protocol"

	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// killGracePeriod bounds how long Close waits after SIGTERM before SIGKILL
const killGracePeriod = 3 * time.Second

// StdioTransport frames newline-delimited JSON-RPC over a child process's
// standard streams. Responses are correlated to pending requests by numeric
// ID; the process's stdout stream is shared, so no ordering between responses
// is assumed.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	reader *bufio.Reader
	writer *bufio.Writer

	mu        sync.Mutex
	connected bool
	waitDone  chan struct{}

	pendingRequests map[uint64]chan *protocol.JSONRPCResponse
	responseMu      sync.Mutex

	// onExit is invoked once when the process ends without Close being called
	onExit   func(err error)
	onExitMu sync.Mutex
	exitOnce sync.Once
}

// NewStdioTransport spawns the configured command and starts the read loops.
// The process is spawned exactly once; per-call retries must not respawn it.
func NewStdioTransport(command string, args []string, env []string) (*StdioTransport, error) {
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create stdin pipe")
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, errors.Wrap(err, "failed to create stdout pipe")
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, errors.Wrap(err, "failed to create stderr pipe")
	}

	t := &StdioTransport{
		cmd:             cmd,
		stdin:           stdin,
		stdout:          stdout,
		stderr:          stderr,
		reader:          bufio.NewReader(stdout),
		writer:          bufio.NewWriter(stdin),
		waitDone:        make(chan struct{}),
		pendingRequests: make(map[uint64]chan *protocol.JSONRPCResponse),
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "failed to start command")
	}

	t.connected = true

	go t.readLoop()
	go t.stderrLoop()
	go t.waitLoop()

	logging.LogDebugf("Started stdio transport: %s %v", command, args)

	return t, nil
}

// SetOnExit registers a callback invoked when the child process exits
// unexpectedly. A call to Close suppresses the callback.
func (t *StdioTransport) SetOnExit(fn func(err error)) {
	t.onExitMu.Lock()
	defer t.onExitMu.Unlock()
	t.onExit = fn
}

// Send sends a JSON-RPC request and waits for the response with the same ID.
// A context timeout abandons the wait but leaves the process running.
func (t *StdioTransport) Send(ctx context.Context, request *protocol.JSONRPCRequest) (*protocol.JSONRPCResponse, error) {
	if !t.IsConnected() {
		return nil, ErrClosed
	}

	responseChan := make(chan *protocol.JSONRPCResponse, 1)
	t.responseMu.Lock()
	t.pendingRequests[request.ID] = responseChan
	t.responseMu.Unlock()

	defer func() {
		t.responseMu.Lock()
		delete(t.pendingRequests, request.ID)
		t.responseMu.Unlock()
	}()

	if err := t.writeMessage(request); err != nil {
		return nil, errors.Wrap(err, "failed to write request")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.waitDone:
		return nil, ErrClosed
	case response := <-responseChan:
		if response.Error != nil {
			return nil, &RPCError{Code: response.Error.Code, Message: response.Error.Message}
		}
		return response, nil
	}
}

// SendNotification sends a JSON-RPC notification (no response expected)
func (t *StdioTransport) SendNotification(ctx context.Context, notification *protocol.JSONRPCNotification) error {
	if !t.IsConnected() {
		return ErrClosed
	}
	return t.writeMessage(notification)
}

// Close tears down the child process: SIGTERM, a bounded grace period, then
// SIGKILL. Safe to call multiple times.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	t.mu.Unlock()

	// Suppress the unexpected-exit callback for deliberate shutdown
	t.exitOnce.Do(func() {})

	t.stdin.Close()

	if t.cmd.Process != nil {
		_ = t.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-t.waitDone:
		case <-time.After(killGracePeriod):
			_ = t.cmd.Process.Kill()
			<-t.waitDone
		}
	}

	logging.LogDebugf("Closed stdio transport")
	return nil
}

// IsConnected returns whether the transport is connected
func (t *StdioTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// writeMessage writes one newline-terminated JSON object to stdin
func (t *StdioTransport) writeMessage(message interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return ErrClosed
	}

	data, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	if _, err := t.writer.Write(data); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	if err := t.writer.WriteByte('\n'); err != nil {
		return errors.Wrap(err, "failed to write newline")
	}
	return errors.Wrap(t.writer.Flush(), "failed to flush")
}

// readLoop continuously reads complete lines from stdout, parsing each as a
// JSON-RPC message. Partial lines are buffered by the reader across reads.
func (t *StdioTransport) readLoop() {
	for {
		line, err := t.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				logging.LogDebugf("Tool server closed its stdout")
				return
			}
			if !t.IsConnected() {
				return
			}
			logging.LogErrorf(err, "Error reading from tool server stdout")
			return
		}

		var response protocol.JSONRPCResponse
		if err := json.Unmarshal(line, &response); err == nil && response.ID != 0 {
			t.responseMu.Lock()
			ch, ok := t.pendingRequests[response.ID]
			t.responseMu.Unlock()
			if ok {
				select {
				case ch <- &response:
				default:
				}
			} else {
				logging.LogDebugf("Dropping response with no pending request: id=%d", response.ID)
			}
			continue
		}

		var notification protocol.JSONRPCNotification
		if err := json.Unmarshal(line, &notification); err == nil && notification.Method != "" {
			logging.LogDebugf("Tool server notification: %s", notification.Method)
			continue
		}

		logging.LogWarningf(nil, "Received unparsable message from tool server: %s", string(line))
	}
}

// stderrLoop surfaces stderr lines as diagnostics; they are never protocol data
func (t *StdioTransport) stderrLoop() {
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		logging.LogDebugf("tool server stderr: %s", scanner.Text())
	}
}

// waitLoop reaps the child and reports unexpected exits
func (t *StdioTransport) waitLoop() {
	err := t.cmd.Wait()
	close(t.waitDone)

	t.mu.Lock()
	wasConnected := t.connected
	t.connected = false
	t.mu.Unlock()

	if !wasConnected {
		return
	}

	t.exitOnce.Do(func() {
		exitErr := errors.Wrap(err, "tool server process exited unexpectedly")
		if err == nil {
			exitErr = errors.New("tool server process exited unexpectedly")
		}
		logging.LogWarningf(err, "Tool server process exited unexpectedly")
		t.onExitMu.Lock()
		fn := t.onExit
		t.onExitMu.Unlock()
		if fn != nil {
			fn(exitErr)
		}
	})
}
