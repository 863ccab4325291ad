// Package shell runs persistent bash sessions multiplexed by numeric id.
// Commands execute inside a long-lived shell and completion is detected by a
// sentinel echoed after each command, so state (environment, background
// jobs) survives across requests.
package shell

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/quarksoft/workspaced/internal/logging"
	"github.com/quarksoft/workspaced/pkg/types"
)

const (
	// Sentinel marks command completion on the shell's stdout.
	Sentinel = "<<exit>>"

	// MaxCommandLength caps the byte length of a single command.
	MaxCommandLength = 100000

	readChunkSize = 256
	pollInterval  = 10 * time.Millisecond
)

// Options configure a session.
type Options struct {
	// Command is the shell binary to run.
	Command string
	// WorkDir is the workspace root; every command ends with a cd back to it.
	WorkDir string
	// DefaultTimeout bounds a run when the request carries no timeout.
	DefaultTimeout time.Duration
	// StreamLimit caps each residue buffer; oldest bytes are dropped.
	StreamLimit int
	// StderrFilters lists case-insensitive substrings whose lines are
	// stripped from stderr.
	StderrFilters []string
}

func (o Options) withDefaults() Options {
	if o.Command == "" {
		o.Command = "/bin/bash"
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 10 * time.Second
	}
	if o.StreamLimit <= 0 {
		o.StreamLimit = 3 * 1024 * 1024
	}
	return o
}

// Session is one persistent shell. Reader goroutines accumulate stdout and
// stderr into residue buffers; Run and Snapshot inspect those buffers for the
// sentinel instead of touching the pipes directly.
type Session struct {
	id   int
	opts Options

	mu           sync.Mutex
	started      bool
	busy         bool
	lastCommand  string
	cmd          *exec.Cmd
	stdin        *os.File
	stdout       []byte
	stderr       []byte
	stdoutClosed bool
	readErr      error
	exited       bool
	exitCode     int
	stream       *streamSink
}

// NewSession creates an unstarted session with the given id.
func NewSession(id int, opts Options) *Session {
	return &Session{id: id, opts: opts.withDefaults()}
}

// ID returns the session id.
func (s *Session) ID() int {
	return s.id
}

// Busy reports whether a command is currently running, without probing for
// completion.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// LastCommand returns the most recently submitted command.
func (s *Session) LastCommand() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommand
}

// WorkDir returns the directory every command is anchored to.
func (s *Session) WorkDir() string {
	return s.opts.WorkDir
}

// Start launches the shell subprocess in its own process group and spawns
// the reader and waiter goroutines. Starting an already started session is a
// no-op.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	// Manual pipes keep the read ends alive independently of cmd.Wait, so
	// the waiter never races the reader goroutines.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	cmd := exec.Command(s.opts.Command)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	if s.opts.WorkDir != "" {
		cmd.Dir = s.opts.WorkDir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return fmt.Errorf("start shell: %w", err)
	}

	// Child holds its own copies now.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	s.cmd = cmd
	s.stdin = stdinW
	s.started = true

	go s.readLoop(stdoutR, true)
	go s.readLoop(stderrR, false)
	go s.wait()

	logging.Debug("shell session started",
		logging.Int("session", s.id),
		logging.Int("pid", cmd.Process.Pid))
	return nil
}

// Stop kills the whole process group and closes stdin. Safe to call on an
// unstarted or already dead session.
func (s *Session) Stop() {
	s.mu.Lock()
	started := s.started
	exited := s.exited
	cmd := s.cmd
	stdin := s.stdin
	sink := s.stream
	s.stream = nil
	s.busy = false
	s.mu.Unlock()

	if sink != nil {
		sink.cancel()
	}
	if !started {
		return
	}
	if !exited && cmd != nil && cmd.Process != nil {
		if pgid, err := unix.Getpgid(cmd.Process.Pid); err == nil {
			_ = unix.Kill(-pgid, unix.SIGKILL)
		} else {
			_ = cmd.Process.Kill()
		}
	}
	if stdin != nil {
		stdin.Close()
	}
}

func (s *Session) wait() {
	err := s.cmd.Wait()
	s.mu.Lock()
	s.exited = true
	s.exitCode = s.cmd.ProcessState.ExitCode()
	s.mu.Unlock()
	if err != nil {
		logging.Debug("shell session exited",
			logging.Int("session", s.id), logging.Err(err))
	}
}

func (s *Session) readLoop(r *os.File, isStdout bool) {
	defer r.Close()
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := buf[:n]
			s.mu.Lock()
			s.appendLocked(isStdout, data)
			sink := s.stream
			s.mu.Unlock()
			if sink != nil {
				if isStdout {
					if sink.feedStdout(data) {
						s.mu.Lock()
						s.busy = false
						s.stream = nil
						s.mu.Unlock()
					}
				} else {
					if filtered := filterStderr(string(data), s.opts.StderrFilters); filtered != "" {
						sink.emit(filtered)
					}
				}
			}
		}
		if err != nil {
			if isStdout {
				s.mu.Lock()
				s.stdoutClosed = true
				if err != io.EOF {
					s.readErr = err
				}
				sink := s.stream
				s.stream = nil
				s.busy = false
				s.mu.Unlock()
				if sink != nil {
					sink.cancel()
				}
			}
			return
		}
	}
}

// appendLocked grows a residue buffer, dropping the oldest bytes past the
// stream limit so the sentinel stays detectable at the tail.
func (s *Session) appendLocked(isStdout bool, data []byte) {
	if isStdout {
		s.stdout = capAppend(s.stdout, data, s.opts.StreamLimit)
	} else {
		s.stderr = capAppend(s.stderr, data, s.opts.StreamLimit)
	}
}

func capAppend(buf, data []byte, limit int) []byte {
	buf = append(buf, data...)
	if len(buf) > limit {
		buf = append(buf[:0], buf[len(buf)-limit:]...)
	}
	return buf
}

// Poll probes a running command for completion: when the sentinel has
// arrived the busy flag is cleared. Returns true when the session is idle.
func (s *Session) Poll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.busy {
		return true
	}
	if strings.Contains(string(s.stdout), Sentinel) {
		s.busy = false
		return true
	}
	return false
}

// Run executes a command and waits for the sentinel, a stream failure, or
// the timeout. The returned bool reports whether the command ran to
// completion; on timeout the session stays busy and the command keeps
// running.
func (s *Session) Run(command string, timeout time.Duration) (types.Result, bool) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return types.Result{Error: "Error executing command: Session has not started."}, false
	}
	if s.busy && strings.Contains(string(s.stdout), Sentinel) {
		s.busy = false
	}
	if s.exited {
		code := s.exitCode
		s.mu.Unlock()
		return types.Result{
			System: fmt.Sprintf("Session %d must be restarted", s.id),
			Error:  fmt.Sprintf("Bash has exited with returncode %d", code),
		}, false
	}
	if s.busy {
		s.mu.Unlock()
		return types.Result{
			System: fmt.Sprintf("A command is already running in this session (ID: %d). Please use another session or check the status of the current command.", s.id),
		}, false
	}
	s.stdout = nil
	s.stderr = nil
	s.lastCommand = command
	s.busy = true
	stdin := s.stdin
	s.mu.Unlock()

	if timeout <= 0 {
		timeout = s.opts.DefaultTimeout
	}

	if _, err := stdin.Write([]byte(s.wrap(command))); err != nil {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
		return types.Result{
			Error:  fmt.Sprintf("Failed to send command to bash: %v", err),
			System: "Session may need to be restarted",
		}, false
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		out := string(s.stdout)
		if idx := strings.Index(out, Sentinel); idx >= 0 {
			errTxt := string(s.stderr)
			closed := s.stdoutClosed
			s.busy = false
			s.stdout = nil
			s.stderr = nil
			s.mu.Unlock()

			result := types.Result{
				Output: strings.TrimRight(strings.ReplaceAll(out, Sentinel, ""), "\n"),
				Error:  filterStderr(errTxt, s.opts.StderrFilters),
			}
			if closed {
				result.System = fmt.Sprintf("Command completed despite stream reading issue. Session ID: %d", s.id)
			}
			return result, true
		}
		if s.stdoutClosed || s.exited {
			errTxt := string(s.stderr)
			readErr := s.readErr
			s.busy = false
			s.mu.Unlock()

			reason := "EOF"
			if readErr != nil {
				reason = readErr.Error()
			}
			return types.Result{
				Output: out,
				Error:  filterStderr(errTxt, s.opts.StderrFilters),
				System: fmt.Sprintf("Stream reading error: %s. Command may have failed or produced output exceeding buffer limits.", reason),
			}, false
		}
		s.mu.Unlock()

		if time.Now().After(deadline) {
			return types.Result{
				System: fmt.Sprintf("Process timed out after %s seconds. This process will continue to run in session %d.", formatSeconds(timeout), s.id),
			}, false
		}
		<-ticker.C
	}
}

// Snapshot reports the current state of a running command without waiting:
// accumulated output when the sentinel has arrived, partial output while it
// is still running.
func (s *Session) Snapshot() types.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return types.Result{
			Error:  "Session not started",
			System: fmt.Sprintf("Session ID: %d not started", s.id),
		}
	}

	out := string(s.stdout)
	errTxt := filterStderr(string(s.stderr), s.opts.StderrFilters)

	if strings.Contains(out, Sentinel) {
		s.busy = false
		return types.Result{
			Output: strings.TrimRight(strings.ReplaceAll(out, Sentinel, ""), "\n"),
			Error:  errTxt,
			System: fmt.Sprintf("Command completed. Session ID: %d", s.id),
		}
	}
	if !s.busy {
		return types.Result{
			Output: "No command currently running in this session.",
			System: fmt.Sprintf("Session ID: %d", s.id),
		}
	}
	if s.stdoutClosed || s.exited {
		s.busy = false
		return types.Result{
			Error:  "Process terminated unexpectedly",
			System: fmt.Sprintf("Session ID: %d process terminated", s.id),
		}
	}
	return types.Result{
		Output: out,
		Error:  errTxt,
		System: fmt.Sprintf("Command still running. Session ID: %d", s.id),
	}
}

// Stream submits a command and returns a channel of output chunks that
// closes when the sentinel arrives. Filtered stderr chunks are interleaved.
// The caller must drain the channel; EndStream aborts early.
func (s *Session) Stream(command string) (<-chan string, error) {
	if err := s.Start(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.busy && strings.Contains(string(s.stdout), Sentinel) {
		s.busy = false
	}
	if s.busy {
		s.mu.Unlock()
		return nil, types.NewToolError("Session busy running another command")
	}
	s.stdout = nil
	s.stderr = nil
	s.lastCommand = command
	s.busy = true
	sink := newStreamSink()
	s.stream = sink
	stdin := s.stdin
	s.mu.Unlock()

	if _, err := stdin.Write([]byte(s.wrap(command))); err != nil {
		s.mu.Lock()
		s.busy = false
		s.stream = nil
		s.mu.Unlock()
		sink.cancel()
		return nil, fmt.Errorf("failed to send command to bash: %w", err)
	}
	return sink.ch, nil
}

// EndStream aborts an active stream and marks the session idle.
func (s *Session) EndStream() {
	s.mu.Lock()
	sink := s.stream
	s.stream = nil
	s.busy = false
	s.mu.Unlock()
	if sink != nil {
		sink.cancel()
	}
}

// wrap frames a command so the shell returns to the workspace root and
// echoes the sentinel once the command (and everything it spawned in the
// foreground) is done.
func (s *Session) wrap(command string) string {
	return fmt.Sprintf("\n%s\n\ncd \"%s\"\necho '%s'\n", command, s.opts.WorkDir, Sentinel)
}

// filterStderr strips lines matching any of the configured substrings,
// case-insensitively, after dropping one trailing newline.
func filterStderr(errTxt string, filters []string) string {
	if errTxt == "" {
		return errTxt
	}
	errTxt = strings.TrimSuffix(errTxt, "\n")
	var kept []string
	for _, line := range strings.Split(errTxt, "\n") {
		lower := strings.ToLower(line)
		matched := false
		for _, f := range filters {
			if strings.Contains(lower, f) {
				matched = true
				break
			}
		}
		if !matched {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// formatSeconds renders a duration as a plain decimal second count, the way
// callers supplied it ("10", "2.5").
func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// streamSink fans stdout/stderr chunks into the channel handed to a
// streaming caller. Stdout bytes are forwarded as they arrive; only a
// trailing run that could be the start of the sentinel is held back so a
// sentinel split across read chunks is still caught.
type streamSink struct {
	ch   chan string
	done chan struct{}

	mu     sync.Mutex
	closed bool
	once   sync.Once

	hold []byte // touched only by the stdout reader
}

func newStreamSink() *streamSink {
	return &streamSink{
		ch:   make(chan string, 16),
		done: make(chan struct{}),
	}
}

func (k *streamSink) emit(text string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return
	}
	select {
	case k.ch <- text:
	case <-k.done:
	}
}

// feedStdout consumes a stdout chunk and reports whether the sentinel was
// reached.
func (k *streamSink) feedStdout(data []byte) bool {
	k.hold = append(k.hold, data...)
	text := string(k.hold)
	if idx := strings.Index(text, Sentinel); idx >= 0 {
		if idx > 0 {
			k.emit(text[:idx])
		}
		k.finish()
		return true
	}
	keep := sentinelPrefixLen(text)
	if len(text) > keep {
		k.emit(text[:len(text)-keep])
		k.hold = []byte(text[len(text)-keep:])
	}
	return false
}

// sentinelPrefixLen reports the length of the longest suffix of text that is
// a proper prefix of the sentinel. Only those bytes need to stay buffered.
func sentinelPrefixLen(text string) int {
	max := len(Sentinel) - 1
	if max > len(text) {
		max = len(text)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(text, Sentinel[:n]) {
			return n
		}
	}
	return 0
}

func (k *streamSink) finish() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.closed {
		k.closed = true
		close(k.ch)
	}
}

func (k *streamSink) cancel() {
	k.once.Do(func() { close(k.done) })
	k.finish()
}
