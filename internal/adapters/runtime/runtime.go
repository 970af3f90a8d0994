// Package runtime runs agent workers as subprocesses speaking JSON lines
// over stdio. Each spawned session writes runtime events to stdout, one JSON
// object per line, and accepts control messages on stdin.
package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tandem-ai/tandem/internal/core"
	"github.com/tandem-ai/tandem/internal/logging"
)

// Config holds subprocess runtime settings.
type Config struct {
	// Command is the worker executable. Multi-word values are split, extra
	// words become leading arguments ("npx tandem-worker").
	Command string
	// ExtraArgs are appended after the generated flags.
	ExtraArgs []string
	// Env entries are applied on top of the current process environment.
	Env map[string]string
	// GracePeriod is how long Close waits after SIGTERM before SIGKILL.
	GracePeriod time.Duration
	// MaxLineBytes bounds a single stdout line. Defaults to 1 MiB.
	MaxLineBytes int
}

// DefaultConfig returns the runtime defaults.
func DefaultConfig() Config {
	return Config{
		Command:      "tandem-worker",
		GracePeriod:  10 * time.Second,
		MaxLineBytes: 1 << 20,
	}
}

type session struct {
	id      string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex
	done    chan struct{}
}

// Runtime implements core.ProcessRuntime over exec.
type Runtime struct {
	cfg    Config
	logger *logging.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// Option configures the runtime.
type Option func(*Runtime)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// New creates a subprocess runtime.
func New(cfg Config, opts ...Option) *Runtime {
	if cfg.Command == "" {
		cfg.Command = DefaultConfig().Command
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultConfig().GracePeriod
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultConfig().MaxLineBytes
	}
	r := &Runtime{
		cfg:      cfg,
		logger:   logging.NewNop(),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SpawnProcess starts a worker subprocess and returns its session id.
// Events are delivered through onEvent until the process exits; the final
// event for a session is complete, error, or interrupted.
func (r *Runtime) SpawnProcess(ctx context.Context, workspace, task string, config core.AgentSpawnConfig, onEvent core.RuntimeEventHandler) (string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", core.ErrDisposed("process runtime")
	}
	r.mu.Unlock()

	sessionID := uuid.NewString()
	args := r.buildArgs(sessionID, workspace, config)

	cmdPath := r.cfg.Command
	cmdParts := strings.Fields(cmdPath)
	if len(cmdParts) > 1 {
		cmdPath = cmdParts[0]
		args = append(cmdParts[1:], args...)
	}

	// #nosec G204 -- command path and args come from validated config
	cmd := exec.Command(cmdPath, args...)
	cmd.Dir = workspace
	cmd.Env = r.buildEnv()
	configureProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", core.ErrInternal("starting worker process").WithCause(err)
	}

	s := &session{
		id:    sessionID,
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}
	r.mu.Lock()
	r.sessions[sessionID] = s
	r.mu.Unlock()

	go r.drainStderr(sessionID, stderr)
	go r.readEvents(s, stdout, onEvent)

	// The initial task goes over stdin so it never hits argv limits.
	if task != "" {
		taskMsg := core.RequestMessage("orchestrator", config.AgentID, "execute_task", task)
		msg := core.RuntimeMessage{Type: core.RuntimeMsgAgentMessage, Message: &taskMsg}
		if err := r.writeMessage(s, msg); err != nil {
			r.logger.Warn("initial task delivery failed", "session_id", sessionID, "error", err)
		}
	}

	return sessionID, nil
}

func (r *Runtime) buildArgs(sessionID, workspace string, config core.AgentSpawnConfig) []string {
	args := []string{
		"--session-id", sessionID,
		"--role", config.Role,
		"--mode", config.Mode,
	}
	if config.ProviderProfile != "" {
		args = append(args, "--profile", config.ProviderProfile)
	}
	if workspace != "" {
		args = append(args, "--workspace", workspace)
	}
	if config.AutoApprove {
		args = append(args, "--auto-approve")
	}
	args = append(args, r.cfg.ExtraArgs...)
	return args
}

func (r *Runtime) buildEnv() []string {
	env := os.Environ()
	for key, value := range r.cfg.Env {
		env = append(env, key+"="+value)
	}
	return env
}

// SendMessage delivers a control message to a running session.
func (r *Runtime) SendMessage(ctx context.Context, sessionID string, msg core.RuntimeMessage) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return core.ErrNotFound("session", sessionID)
	}
	return r.writeMessage(s, msg)
}

func (r *Runtime) writeMessage(s *session, msg core.RuntimeMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling runtime message: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return core.ErrInternal("writing to session " + s.id).WithCause(err)
	}
	return nil
}

// readEvents parses stdout JSON lines into runtime events. When the stream
// ends without a terminal event, the exit status decides between complete
// and error.
func (r *Runtime) readEvents(s *session, stdout io.Reader, onEvent core.RuntimeEventHandler) {
	defer close(s.done)

	terminal := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), r.cfg.MaxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event core.RuntimeEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			r.logger.Debug("unparseable worker output", "session_id", s.id, "line", line)
			continue
		}
		if event.SessionID == "" {
			event.SessionID = s.id
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now()
		}
		switch event.Type {
		case core.StreamEventComplete, core.StreamEventError, core.StreamEventInterrupted:
			terminal = true
		}
		onEvent(s.id, event)
	}
	if err := scanner.Err(); err != nil {
		r.logger.Warn("worker stdout read failed", "session_id", s.id, "error", err)
	}

	err := s.cmd.Wait()
	r.mu.Lock()
	delete(r.sessions, s.id)
	r.mu.Unlock()

	if terminal {
		return
	}
	event := core.RuntimeEvent{Type: core.StreamEventComplete, SessionID: s.id, Timestamp: time.Now()}
	if err != nil {
		event.Type = core.StreamEventError
		event.Error = err.Error()
	}
	onEvent(s.id, event)
}

func (r *Runtime) drainStderr(sessionID string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), r.cfg.MaxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		r.logger.Debug("worker stderr", "session_id", sessionID, "line", line)
	}
}

// ActiveSessions reports the ids of running sessions.
func (r *Runtime) ActiveSessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Close terminates all sessions, SIGTERM first, SIGKILL after the grace
// period. Idempotent.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			if err := gracefulKill(s.cmd, s.done, r.cfg.GracePeriod); err != nil {
				r.logger.Warn("worker termination failed", "session_id", s.id, "error", err)
			}
		}(s)
	}
	wg.Wait()
	return nil
}

var _ core.ProcessRuntime = (*Runtime)(nil)
