package agent

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestBuildArgs(t *testing.T) {
	a := New("claude", "opus", []string{"Bash(git push*)", "WebSearch"}, nil)
	args := a.buildArgs(RunOptions{
		Prompt:       "do the thing",
		SystemPrompt: "be careful",
		MaxTurns:     40,
	})

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-p do the thing",
		"--output-format stream-json",
		"--verbose",
		"--max-turns 40",
		"--model opus",
		"--append-system-prompt be careful",
		"--disallowedTools Bash(git push*),WebSearch",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q in %q", want, joined)
		}
	}
	if strings.Contains(joined, "--resume") {
		t.Errorf("unexpected --resume without session: %q", joined)
	}
}

func TestBuildArgsResumeAndModelOverride(t *testing.T) {
	a := New("claude", "opus", nil, nil)
	args := a.buildArgs(RunOptions{
		Prompt:          "continue",
		Model:           "sonnet",
		ResumeSessionID: "s-42",
	})
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--resume s-42") {
		t.Errorf("missing resume flag: %q", joined)
	}
	if !strings.Contains(joined, "--model sonnet") || strings.Contains(joined, "opus") {
		t.Errorf("per-run model should override agent model: %q", joined)
	}
}

func TestNewDropsMalformedToolPatterns(t *testing.T) {
	a := New("claude", "", []string{"Bash(git push*)", "[bad"}, nil)
	if len(a.disallowedTools) != 1 || a.disallowedTools[0] != "Bash(git push*)" {
		t.Errorf("disallowedTools = %v", a.disallowedTools)
	}
}

// writeFakeAgent creates a shell script standing in for the agent CLI.
func writeFakeAgent(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent scripts are POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-agent")
	script := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write fake agent: %v", err)
	}
	return path
}

func TestRunSuccess(t *testing.T) {
	path := writeFakeAgent(t, `
echo '{"type":"system","subtype":"init","session_id":"s-77"}'
echo '{"type":"assistant","message":"working"}'
echo '{"type":"result","subtype":"success","total_cost_usd":1.25,"num_turns":3,"result":"done"}'
`)
	a := New(path, "", nil, nil)
	logPath := filepath.Join(t.TempDir(), "run.jsonl")

	res, err := a.Run(context.Background(), RunOptions{Prompt: "x", LogPath: logPath})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Succeeded() {
		t.Errorf("Succeeded = false: %+v", res)
	}
	if res.SessionID != "s-77" || res.CostUSD != 1.25 || res.NumTurns != 3 || res.Summary != "done" {
		t.Errorf("result fields: %+v", res)
	}

	// Full transcript captured.
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if got := strings.Count(string(data), "\n"); got != 3 {
		t.Errorf("transcript has %d lines, want 3", got)
	}
}

// A fast-exiting agent with a large transcript must not lose output
// buffered in the pipe when the process exits; the result line arrives
// last and matters most.
func TestRunLargeTranscriptKeepsResultLine(t *testing.T) {
	path := writeFakeAgent(t, `
echo '{"type":"system","subtype":"init","session_id":"s-9"}'
i=0
while [ $i -lt 5000 ]; do
  echo '{"type":"assistant","message":"chunk"}'
  i=$((i+1))
done
echo '{"type":"result","subtype":"success","total_cost_usd":2.5,"num_turns":7,"result":"all done"}'
`)
	a := New(path, "", nil, nil)
	logPath := filepath.Join(t.TempDir(), "run.jsonl")

	res, err := a.Run(context.Background(), RunOptions{Prompt: "x", LogPath: logPath})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Succeeded() {
		t.Errorf("Succeeded = false: %+v", res)
	}
	if res.Subtype != SubtypeSuccess || res.Summary != "all done" || res.CostUSD != 2.5 || res.NumTurns != 7 {
		t.Errorf("result fields lost: %+v", res)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if got := strings.Count(string(data), "\n"); got != 5002 {
		t.Errorf("transcript has %d lines, want 5002", got)
	}
}

func TestRunMaxTurns(t *testing.T) {
	path := writeFakeAgent(t, `
echo '{"type":"system","subtype":"init","session_id":"s-1"}'
echo '{"type":"result","subtype":"error_max_turns","total_cost_usd":3.0,"num_turns":40,"is_error":true}'
`)
	a := New(path, "", nil, nil)
	res, err := a.Run(context.Background(), RunOptions{Prompt: "x", LogPath: filepath.Join(t.TempDir(), "l")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.MaxTurnsReached() {
		t.Errorf("MaxTurnsReached = false: %+v", res)
	}
	if res.Succeeded() {
		t.Error("max-turns run must not count as success")
	}
}

func TestRunCrash(t *testing.T) {
	path := writeFakeAgent(t, `
echo '{"type":"system","subtype":"init","session_id":"s-2"}'
exit 3
`)
	a := New(path, "", nil, nil)
	res, err := a.Run(context.Background(), RunOptions{Prompt: "x", LogPath: filepath.Join(t.TempDir(), "l")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.Succeeded() {
		t.Error("crashed run must not count as success")
	}
	if res.SessionID != "s-2" {
		t.Errorf("session id should survive a crash: %+v", res)
	}
}

func TestRunCanceled(t *testing.T) {
	path := writeFakeAgent(t, `
echo '{"type":"system","subtype":"init","session_id":"s-3"}'
sleep 60
`)
	a := New(path, "", nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := a.Run(ctx, RunOptions{Prompt: "x", LogPath: filepath.Join(t.TempDir(), "l")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Errorf("cancellation took %v", elapsed)
	}
	if !res.Canceled {
		t.Errorf("Canceled = false: %+v", res)
	}
	if res.Succeeded() {
		t.Error("canceled run must not count as success")
	}
}

func TestRunMissingBinary(t *testing.T) {
	a := New("/nonexistent/agent-binary", "", nil, nil)
	_, err := a.Run(context.Background(), RunOptions{Prompt: "x", LogPath: filepath.Join(t.TempDir(), "l")})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}
