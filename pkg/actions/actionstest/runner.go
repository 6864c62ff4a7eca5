// Package actionstest provides a recording Runner for tests.
package actionstest

import (
	"context"
	"strings"
	"sync"
)

// Runner records every command and answers from canned outputs. Commands
// are matched by their full space-joined command line.
type Runner struct {
	Outputs map[string]string
	Errs    map[string]error

	// Handle, when set, is consulted first. Returning handled=false falls
	// through to Outputs and Errs.
	Handle func(cmd string) (out string, err error, handled bool)

	mu       sync.Mutex
	commands []string
}

// Run implements actions.Runner.
func (r *Runner) Run(_ context.Context, name string, args ...string) (string, error) {
	cmd := strings.TrimSpace(name + " " + strings.Join(args, " "))

	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	r.mu.Unlock()

	if r.Handle != nil {
		if out, err, ok := r.Handle(cmd); ok {
			return out, err
		}
	}
	if err, ok := r.Errs[cmd]; ok {
		return r.Outputs[cmd], err
	}
	return r.Outputs[cmd], nil
}

// Commands returns the recorded command lines.
func (r *Runner) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

// Reset forgets recorded commands.
func (r *Runner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = nil
}

// Ran reports whether a command equal to want was recorded.
func (r *Runner) Ran(want string) bool {
	for _, cmd := range r.Commands() {
		if cmd == want {
			return true
		}
	}
	return false
}

// RanContaining reports whether any recorded command contains substr.
func (r *Runner) RanContaining(substr string) bool {
	return r.Count(substr) > 0
}

// Count returns how many recorded commands contain substr.
func (r *Runner) Count(substr string) int {
	n := 0
	for _, cmd := range r.Commands() {
		if strings.Contains(cmd, substr) {
			n++
		}
	}
	return n
}
