// Package engine provides a uniform adapter interface over the supported
// coding-agent CLI backends, plus shared failure classification for their
// output.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Result is the uniform outcome of any engine invocation.
type Result struct {
	// Text is the free-text summary the engine produced.
	Text string
	// InputTokens and OutputTokens are usage counts when the CLI exposes them.
	InputTokens  int
	OutputTokens int
	// DurationMS is the wall time of the invocation.
	DurationMS int
	// Cost is the engine-reported cost, when available.
	Cost string
	// Error is a human-readable failure message, empty on success.
	Error string
	// ReturnCode is the CLI process exit code.
	ReturnCode int
}

// Engine is the adapter protocol every backend implements.
type Engine interface {
	// Name returns the provider name ("claude", "codex", ...).
	Name() string
	// BuildCommand returns the CLI argv for the given prompt.
	BuildCommand(prompt string) []string
	// ParseOutput parses raw stdout into a Result.
	ParseOutput(raw string) Result
	// CheckAvailable returns an error when the CLI is not usable.
	CheckAvailable() error
}

// commandSpec describes a concrete engine invocation.
type commandSpec struct {
	argv  []string
	stdin string   // written to the child's stdin when non-empty
	env   []string // extra environment entries appended to os.Environ()
}

// specBuilder is implemented by engines that need stdin delivery or
// environment injection beyond a plain argv.
type specBuilder interface {
	buildSpec(prompt string) commandSpec
}

func specFor(e Engine, prompt string) commandSpec {
	if sb, ok := e.(specBuilder); ok {
		return sb.buildSpec(prompt)
	}
	return commandSpec{argv: e.BuildCommand(prompt)}
}

// RunBlocking executes the engine synchronously and returns the parsed result.
// The context bounds the invocation; on timeout the process is killed and a
// timeout result is returned.
func RunBlocking(ctx context.Context, e Engine, prompt, dir string) Result {
	spec := specFor(e, prompt)
	start := time.Now()

	cmd := exec.CommandContext(ctx, spec.argv[0], spec.argv[1:]...)
	cmd.Dir = dir
	if len(spec.env) > 0 {
		cmd.Env = append(os.Environ(), spec.env...)
	}
	if spec.stdin != "" {
		cmd.Stdin = strings.NewReader(spec.stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	elapsed := int(time.Since(start).Milliseconds())

	if ctx.Err() == context.DeadlineExceeded {
		return Result{Error: "timeout", ReturnCode: -1, DurationMS: elapsed}
	}

	result := e.ParseOutput(stdout.String())
	if result.DurationMS == 0 {
		result.DurationMS = elapsed
	}

	if streamErr := CheckStreamErrors(stdout.String()); streamErr != "" && result.Error == "" {
		result.Error = streamErr
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ReturnCode = exitErr.ExitCode()
		} else {
			return Result{Error: fmt.Sprintf("%s: %v", spec.argv[0], err), ReturnCode: -1, DurationMS: elapsed}
		}
		if result.Error == "" {
			if line := firstLine(stderr.String()); line != "" {
				result.Error = line
			} else {
				result.Error = fmt.Sprintf("exit code %d", result.ReturnCode)
			}
		}
	}

	return result
}

// Launch starts the engine asynchronously with stdout and stderr redirected
// to the given files, returning a pollable Process handle.
func Launch(e Engine, prompt, dir, stdoutPath, stderrPath string) (Process, error) {
	spec := specFor(e, prompt)

	stdout, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("open stdout file: %w", err)
	}
	stderr, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("open stderr file: %w", err)
	}

	cmd := exec.Command(spec.argv[0], spec.argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if len(spec.env) > 0 {
		cmd.Env = append(os.Environ(), spec.env...)
	}
	if spec.stdin != "" {
		cmd.Stdin = strings.NewReader(spec.stdin)
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start %s: %w", spec.argv[0], err)
	}

	return newOSProcess(cmd, stdout, stderr), nil
}

// firstLine returns the first non-empty line of s, trimmed.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// checkCLI returns an error naming the missing binary with install hints.
func checkCLI(binary, hint string) error {
	if _, err := exec.LookPath(binary); err != nil {
		return fmt.Errorf("%s not found in PATH. %s", binary, hint)
	}
	return nil
}
