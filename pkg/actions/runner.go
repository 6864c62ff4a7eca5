// Package actions holds the idempotent primitives every provisioning step
// is built from: running commands, writing files, guards, packages,
// services and Apache site toggles.
package actions

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// CommandError is returned when a command exits unsuccessfully.
type CommandError struct {
	Command string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("exec %s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("exec %s: %v (%s)", e.Command, e.Err, out)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExecRunner executes commands with os/exec. In dry-run mode commands are
// logged and recorded but not executed, and they produce no output.
type ExecRunner struct {
	DryRun bool
	Logger zerolog.Logger

	mu       sync.Mutex
	recorded []string
}

// NewExecRunner creates a runner.
func NewExecRunner(dryRun bool, logger zerolog.Logger) *ExecRunner {
	return &ExecRunner{
		DryRun: dryRun,
		Logger: logger.With().Str("component", "runner").Logger(),
	}
}

// Run executes a command and returns its combined output.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	line := CommandLine(name, args...)

	r.mu.Lock()
	r.recorded = append(r.recorded, line)
	r.mu.Unlock()

	if r.DryRun {
		r.Logger.Info().Str("cmd", line).Msg("dry-run")
		return "", nil
	}

	r.Logger.Debug().Str("cmd", line).Msg("exec")
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), &CommandError{Command: line, Output: string(out), Err: err}
	}
	return string(out), nil
}

// Commands returns every command line the runner was asked to run.
func (r *ExecRunner) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.recorded...)
}

// Shell runs script through /bin/sh -c. It is reserved for command shapes
// that need redirection or globbing.
func Shell(ctx context.Context, r Runner, script string) (string, error) {
	return r.Run(ctx, "/bin/sh", "-c", script)
}

// CommandLine renders a command for logs and dry-run output.
func CommandLine(name string, args ...string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}

// Quote single-quotes s for /bin/sh.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./:@=+,%", r)
}
