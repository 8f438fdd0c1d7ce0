// Package terminal implements a stateful, PS1-fenced terminal session: a
// long-lived shell whose working directory and environment persist across
// calls, with command boundaries detected by a prompt marker the shell is
// made to emit after every command rather than by waiting for the process
// to exit (there is no "exit" for a persistent interactive session).
package terminal

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// streamPollInterval is how often RunStreaming samples the session's
// transcript for a command in flight, the same shape as the teacher's
// heartbeat ticker in internal/server/sse.go.
const streamPollInterval = 150 * time.Millisecond

// Observation is the result of running one command in a Session.
type Observation struct {
	Output    string
	ExitCode  int
	PWD       string
	TimedOut  bool
	Truncated bool
	Metadata  Metadata
}

// syncBuffer is a bytes.Buffer safe for one writer (the shell interpreter)
// and one concurrent reader (RunStreaming's poller) at a time.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// Since returns everything written since byte offset start.
func (b *syncBuffer) Since(start int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.String()
	if start >= len(s) {
		return ""
	}
	return s[start:]
}

// Session is a persistent, single-writer shell built on mvdan.cc/sh's
// interpreter: commands run against the same *interp.Runner, so variable
// assignments, `cd`, and exported environment changes made by one command
// are visible to the next, exactly like a real interactive terminal.
type Session struct {
	mu      sync.Mutex
	runner  *interp.Runner
	stdout  *syncBuffer
	counter int64
	workDir string

	username          string
	hostname          string
	pyInterpreterPath string
}

// NewSession creates a persistent shell session rooted at workDir.
func NewSession(workDir string) (*Session, error) {
	stdout := &syncBuffer{}
	runner, err := interp.New(
		interp.StdIO(nil, stdout, stdout),
		interp.Dir(workDir),
		interp.Env(expand.ListEnviron(defaultEnviron()...)),
	)
	if err != nil {
		return nil, fmt.Errorf("create shell runner: %w", err)
	}
	return &Session{
		runner:            runner,
		stdout:            stdout,
		workDir:           workDir,
		username:          currentUsername(),
		hostname:          currentHostname(),
		pyInterpreterPath: pythonInterpreterPath(),
	}, nil
}

func defaultEnviron() []string {
	return []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin", "HOME=/root", "TERM=xterm"}
}

func currentUsername() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

func currentHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

func pythonInterpreterPath() string {
	for _, name := range []string{"python3", "python"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

// Run executes command and blocks until its PS1 fence is parsed or timeout
// elapses. It is RunStreaming with no chunk callback.
func (s *Session) Run(ctx context.Context, command string, timeout time.Duration) (Observation, error) {
	return s.RunStreaming(ctx, command, timeout, nil)
}

// RunStreaming executes command, appending a PS1 fence marker so the
// boundary of this command's output can be detected, then parses that
// fence out of the transcript produced since the last call. While the
// command runs, onChunk (if non-nil) is called with newly observed output
// every streamPollInterval — the periodic side-work pattern for long-lived
// command streaming (spec's "Command streaming" testable property): no
// chunk is delivered twice, and their concatenation equals the command's
// full output. On timeout, the partial output collected so far is
// returned without tearing down the session — the next call continues
// against the same runner state.
func (s *Session) RunStreaming(ctx context.Context, command string, timeout time.Duration, onChunk func(string)) (Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pid := int(atomic.AddInt64(&s.counter, 1))
	fenced := fmt.Sprintf(
		"%s\nprintf '%s{\"pid\":\"%d\",\"exit_code\":\"%%d\",\"username\":\"%s\",\"hostname\":\"%s\",\"working_dir\":\"%%s\",\"py_interpreter_path\":\"%s\"}%s\\n' \"$?\" \"$PWD\"\n",
		command, ps1Start, pid, s.username, s.hostname, s.pyInterpreterPath, ps1End,
	)

	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	prog, err := parser.Parse(strings.NewReader(fenced), "")
	if err != nil {
		return Observation{}, fmt.Errorf("parse command: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := s.stdout.Len()
	runDone := make(chan error, 1)
	go func() { runDone <- s.runner.Run(runCtx, prog) }()

	cursor := start
	var runErr error
	if onChunk == nil {
		runErr = <-runDone
	} else {
		ticker := time.NewTicker(streamPollInterval)
		defer ticker.Stop()
	pollLoop:
		for {
			select {
			case runErr = <-runDone:
				break pollLoop
			case <-ticker.C:
				if chunk := s.stdout.Since(cursor); chunk != "" {
					cursor += len(chunk)
					onChunk(chunk)
				}
			}
		}
		if chunk := s.stdout.Since(cursor); chunk != "" {
			onChunk(chunk)
		}
	}

	transcript := s.stdout.Since(start)

	if runCtx.Err() != nil {
		// Timed out: return whatever partial output arrived, do not kill
		// the session — the shell keeps running for the next command.
		return Observation{Output: transcript, TimedOut: true, PWD: s.workDir}, nil
	}
	if runErr != nil {
		if _, ok := runErr.(interp.ExitStatus); !ok {
			return Observation{}, fmt.Errorf("run command: %w", runErr)
		}
	}

	blocks, perr := Parse(transcript)
	if perr != nil {
		return Observation{}, perr
	}
	last := blocks[len(blocks)-1]
	s.workDir = last.Metadata.PWD

	exitCode, _ := strconv.Atoi(last.Metadata.ExitCode)

	var out bytes.Buffer
	for _, b := range blocks {
		out.WriteString(b.Output)
	}
	return Observation{
		Output:   out.String(),
		ExitCode: exitCode,
		PWD:      last.Metadata.PWD,
		Metadata: last.Metadata,
	}, nil
}

// WorkDir returns the session's current working directory, as last
// reported by a PS1 fence.
func (s *Session) WorkDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workDir
}
