package plugin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kotonelabs/kotone/internal/ability"
)

// scannerBuffer caps a single stdout line at 1MB; abilities returning more
// should stream through files instead.
const scannerBuffer = 1024 * 1024

// StdioTransport speaks newline-delimited JSON-RPC 2.0 over a subprocess's
// stdin/stdout pair. Exactly one JSON message per line; stderr is pumped into
// the log. Lines that fail JSON parsing are dropped with a warning.
type StdioTransport struct {
	name      string
	command   string
	dir       string
	env       map[string]string
	timeout   time.Duration
	killDelay time.Duration
	logger    *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
	stderr io.ReadCloser

	writeMu   sync.Mutex
	pendingMu sync.Mutex
	pending   map[int64]chan *Response
	notifs    chan Notification
	nextID    atomic.Int64

	connected atomic.Bool
	stopOnce  sync.Once
	stopChan  chan struct{}
	exited    chan struct{}
	wg        sync.WaitGroup
}

// StdioConfig configures a [StdioTransport].
type StdioConfig struct {
	// Name labels log lines and error messages (the plugin name).
	Name string

	// Command is the launch command line, split on whitespace.
	Command string

	// Dir is the working directory (the plugin directory).
	Dir string

	// Env holds extra environment variables for the subprocess.
	Env map[string]string

	// Timeout bounds one Call round trip. Zero means 30s.
	Timeout time.Duration

	// KillDelay is how long Close waits after SIGTERM before SIGKILL.
	// Zero means 5s.
	KillDelay time.Duration

	Logger *slog.Logger
}

// NewStdioTransport creates a stdio transport. Call [StdioTransport.Start]
// to spawn the subprocess.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	killDelay := cfg.KillDelay
	if killDelay <= 0 {
		killDelay = 5 * time.Second
	}
	return &StdioTransport{
		name:      cfg.Name,
		command:   cfg.Command,
		dir:       cfg.Dir,
		env:       cfg.Env,
		timeout:   timeout,
		killDelay: killDelay,
		logger:    logger.With("plugin", cfg.Name, "transport", "stdio"),
		pending:   make(map[int64]chan *Response),
		notifs:    make(chan Notification, 100),
		stopChan:  make(chan struct{}),
		exited:    make(chan struct{}),
	}
}

// Start spawns the subprocess and launches the reader goroutines.
func (t *StdioTransport) Start(_ context.Context) error {
	argv := strings.Fields(t.command)
	if len(argv) == 0 {
		return fmt.Errorf("plugin %s: empty entry command", t.name)
	}

	t.cmd = exec.Command(argv[0], argv[1:]...)
	t.cmd.Dir = t.dir
	t.cmd.Env = os.Environ()
	for k, v := range t.env {
		t.cmd.Env = append(t.cmd.Env, k+"="+v)
	}

	var err error
	if t.stdin, err = t.cmd.StdinPipe(); err != nil {
		return fmt.Errorf("plugin %s: stdin pipe: %w", t.name, err)
	}
	stdout, err := t.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("plugin %s: stdout pipe: %w", t.name, err)
	}
	t.stdout = bufio.NewScanner(stdout)
	t.stdout.Buffer(make([]byte, scannerBuffer), scannerBuffer)
	t.stderr, _ = t.cmd.StderrPipe()

	if err := t.cmd.Start(); err != nil {
		return fmt.Errorf("plugin %s: start process: %w", t.name, err)
	}
	t.connected.Store(true)
	t.logger.Info("plugin process started", "command", t.command, "pid", t.cmd.Process.Pid)

	t.wg.Add(1)
	go t.readLoop()
	if t.stderr != nil {
		t.wg.Add(1)
		go t.logStderr()
	}
	go func() {
		t.wg.Wait()
		_ = t.cmd.Wait()
		close(t.exited)
	}()
	return nil
}

// Call sends a request and waits for the response with the matching id.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("plugin %s: %w", t.name, ability.ErrNotReady)
	}

	id := t.nextID.Add(1)
	req, err := newRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	respChan := make(chan *Response, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.writeLine(req); err != nil {
		return nil, fmt.Errorf("plugin %s: write request: %w", t.name, err)
	}

	// On timeout the pending entry is dropped but the subprocess is left
	// alone: the ability may still complete, its late response is discarded.
	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(t.timeout):
		return nil, fmt.Errorf("plugin %s: %s after %v: %w", t.name, method, t.timeout, ability.ErrTimeout)
	case <-t.stopChan:
		return nil, fmt.Errorf("plugin %s: transport closed", t.name)
	}
}

// Notify sends a notification; no response is expected.
func (t *StdioTransport) Notify(method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("plugin %s: %w", t.name, ability.ErrNotReady)
	}
	notif := Notification{JSONRPC: jsonRPCVersion, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("plugin %s: marshal %s params: %w", t.name, method, err)
		}
		notif.Params = raw
	}
	if err := t.writeLine(notif); err != nil {
		return fmt.Errorf("plugin %s: write notification: %w", t.name, err)
	}
	return nil
}

// writeLine marshals v and writes it as one newline-terminated line, holding
// the write mutex so concurrent callers never interleave.
func (t *StdioTransport) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

// Notifications implements [Transport].
func (t *StdioTransport) Notifications() <-chan Notification { return t.notifs }

// Connected implements [Transport].
func (t *StdioTransport) Connected() bool { return t.connected.Load() }

// Close terminates the subprocess: SIGTERM, then SIGKILL after the kill
// delay. Blocks until the process has exited.
func (t *StdioTransport) Close() error {
	t.connected.Store(false)
	t.stopOnce.Do(func() { close(t.stopChan) })

	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}

	_ = t.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-t.exited:
	case <-time.After(t.killDelay):
		t.logger.Warn("plugin ignored SIGTERM, killing", "kill_delay", t.killDelay)
		_ = t.cmd.Process.Kill()
		<-t.exited
	}
	return nil
}

// readLoop reads stdout line by line and dispatches responses to their
// pending waiters and notifications to the notification channel.
func (t *StdioTransport) readLoop() {
	defer t.wg.Done()
	defer t.connected.Store(false)
	defer close(t.notifs)

	for t.stdout.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}
		line := t.stdout.Text()
		if line == "" {
			continue
		}
		t.processLine(line)
	}
	if err := t.stdout.Err(); err != nil {
		t.logger.Error("stdout read failed", "error", err)
	}
}

// processLine handles a single stdout line: a response when it carries an id,
// a notification when it carries a method, otherwise dropped with a warning.
func (t *StdioTransport) processLine(line string) {
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.logger.Warn("dropping unparseable stdout line", "line", line)
		return
	}

	if resp.ID != nil {
		var id int64
		switch v := resp.ID.(type) {
		case float64:
			id = int64(v)
		case int64:
			id = v
		default:
			t.logger.Warn("dropping response with non-integer id", "id", resp.ID)
			return
		}
		t.pendingMu.Lock()
		if ch, ok := t.pending[id]; ok {
			select {
			case ch <- &resp:
			default:
			}
			delete(t.pending, id)
		}
		t.pendingMu.Unlock()
		return
	}

	var notif Notification
	if err := json.Unmarshal([]byte(line), &notif); err != nil || notif.Method == "" {
		t.logger.Warn("dropping message without id or method", "line", line)
		return
	}
	select {
	case t.notifs <- notif:
	default:
		t.logger.Warn("notification channel full, dropping", "method", notif.Method)
	}
}

// logStderr forwards the subprocess's stderr into the structured log.
func (t *StdioTransport) logStderr() {
	defer t.wg.Done()
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Debug("plugin stderr", "message", line)
		}
	}
}
