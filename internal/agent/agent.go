// Package agent spawns and supervises the coding-agent CLI subprocess.
// The agent emits newline-delimited JSON on stdout; orca captures the
// full transcript to a log file, extracts the session id and the
// terminal result line, and enforces the session deadline through the
// caller's context.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// termGrace is how long a SIGTERMed agent gets to exit before SIGKILL.
const termGrace = 10 * time.Second

// scanBufSize bounds a single stream-json line; assistant messages with
// embedded file contents can be large.
const scanBufSize = 4 * 1024 * 1024

// Agent holds the per-process invocation settings shared by every run.
type Agent struct {
	path            string
	model           string
	disallowedTools []string
	logger          *slog.Logger
}

// New creates an Agent for the CLI binary at path. Invalid disallowed-tool
// patterns are dropped with a warning rather than passed through.
func New(path, model string, disallowedTools []string, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	var valid []string
	for _, pattern := range disallowedTools {
		if !doublestar.ValidatePattern(pattern) {
			logger.Warn("dropping malformed disallowed-tool pattern", "pattern", pattern)
			continue
		}
		valid = append(valid, pattern)
	}
	return &Agent{path: path, model: model, disallowedTools: valid, logger: logger}
}

// RunOptions parameterize one agent run.
type RunOptions struct {
	Prompt          string
	SystemPrompt    string
	Dir             string // worktree the agent works in
	MaxTurns        int
	Model           string // overrides the agent-level model when set
	ResumeSessionID string // resume a prior session instead of starting fresh
	LogPath         string // transcript destination, required
}

// Result is the outcome of one agent run.
type Result struct {
	SessionID string
	Subtype   string // success, error_max_turns, error_during_execution
	CostUSD   float64
	NumTurns  int
	Summary   string // last result text, or a diagnostic
	ExitCode  int
	Canceled  bool // context fired before the process exited
}

// MaxTurnsReached reports whether the run stopped at the turn limit.
func (r *Result) MaxTurnsReached() bool {
	return r.Subtype == SubtypeMaxTurns
}

// Succeeded reports whether the run produced a clean success result.
func (r *Result) Succeeded() bool {
	return r.Subtype == SubtypeSuccess && r.ExitCode == 0 && !r.Canceled
}

// buildArgs assembles the CLI invocation.
func (a *Agent) buildArgs(opts RunOptions) []string {
	args := []string{
		"-p", opts.Prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	model := opts.Model
	if model == "" {
		model = a.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if len(a.disallowedTools) > 0 {
		tools := a.disallowedTools[0]
		for _, t := range a.disallowedTools[1:] {
			tools += "," + t
		}
		args = append(args, "--disallowedTools", tools)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	return args
}

// Run executes the agent to completion. The context carries both the
// session deadline and external cancellation; when it fires the process
// group gets SIGTERM, then SIGKILL after a grace period. The returned
// Result is valid even on error paths as long as the process started.
func (a *Agent) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	if opts.LogPath == "" {
		return nil, fmt.Errorf("agent run: LogPath is required")
	}

	logFile, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open transcript log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	cmd := exec.Command(a.path, a.buildArgs(opts)...)
	cmd.Dir = opts.Dir
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %s: %w", a.path, err)
	}
	pid := cmd.Process.Pid

	res := &Result{}

	// Drain stdout continuously so a full pipe never blocks the child.
	// Each raw line lands in the transcript; parsed lines update the
	// newest session id and the terminal result fields.
	readDone := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), scanBufSize)
		logWriter := bufio.NewWriterSize(logFile, 64*1024)
		defer func() { _ = logWriter.Flush() }()

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			_, _ = logWriter.Write(line)
			_ = logWriter.WriteByte('\n')

			sl, ok := ParseLine(line)
			if !ok {
				a.logger.Debug("skipping unparseable agent output line")
				continue
			}
			if sl.SessionID != "" {
				res.SessionID = sl.SessionID
			}
			if sl.Type == "result" {
				res.Subtype = sl.Subtype
				res.CostUSD = sl.CostUSD
				res.NumTurns = sl.NumTurns
				res.Summary = sl.Text
			}
		}
		readDone <- scanner.Err()
	}()

	// Cancellation watcher: on ctx firing, SIGTERM the process group,
	// then SIGKILL after the grace period. Killing the group is what
	// unblocks the stdout reader below.
	procExited := make(chan struct{})
	canceledCh := make(chan bool, 1)
	go func() {
		select {
		case <-procExited:
			canceledCh <- false
		case <-ctx.Done():
			a.logger.Info("terminating agent process group", "pid", pid, "reason", ctx.Err())
			_ = terminateProcessGroup(pid)
			select {
			case <-procExited:
			case <-time.After(termGrace):
				_ = killProcessGroup(pid)
			}
			canceledCh <- true
		}
	}()

	// Drain stdout to EOF before Wait. Wait closes the pipe as soon as
	// the child exits, throwing away anything the reader has not pulled
	// yet, the terminal result line included. EOF is guaranteed: the
	// child exiting (or the watcher killing the group) closes the write
	// side.
	readErr := <-readDone
	waitErr := cmd.Wait()
	close(procExited)
	res.Canceled = <-canceledCh

	if readErr != nil && !res.Canceled {
		a.logger.Warn("agent stdout read error", "error", readErr)
	}

	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
	} else if waitErr != nil && res.ExitCode == 0 {
		res.ExitCode = -1
	}

	return res, nil
}
