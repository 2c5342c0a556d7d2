// Package searcher invokes an external web-search command as an opaque
// query-in, text-out action. The query is written to the command's standard
// input and whatever the command prints is captured verbatim; this package
// never parses or interprets the search output.
package searcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// DefaultCommand is the search command used when none is configured.
const DefaultCommand = "websearch"

// CommandRunner executes the external search command with the given input on
// its standard input and returns the command's combined output.
type CommandRunner interface {
	Run(ctx context.Context, input string) ([]byte, error)
}

// execCommandRunner is the default implementation using os/exec.
type execCommandRunner struct {
	name string
	args []string
}

func (e *execCommandRunner) Run(ctx context.Context, input string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.name, e.args...)
	cmd.Stdin = strings.NewReader(input)
	return cmd.CombinedOutput()
}

// Searcher dispatches queries to the external search command.
type Searcher struct {
	runner CommandRunner
	logger *slog.Logger
}

// Option configures a Searcher.
type Option func(*Searcher)

// WithRunner replaces the exec-backed command runner, mainly for tests.
func WithRunner(runner CommandRunner) Option {
	return func(s *Searcher) {
		s.runner = runner
	}
}

// WithLogger sets the logger used for per-query diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) {
		s.logger = logger
	}
}

// New creates a Searcher that runs command, given as the command name
// followed by its arguments.
func New(command []string, opts ...Option) (*Searcher, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, errors.New("searcher: search command is required")
	}

	s := &Searcher{
		runner: &execCommandRunner{name: command[0], args: command[1:]},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Search runs a single query through the search command and returns its
// output. The query is newline-terminated on the command's standard input.
// When the command fails, whatever output it produced is still returned
// alongside the error so partial results reach the caller.
func (s *Searcher) Search(ctx context.Context, query string) (string, error) {
	s.logger.Debug("running search command", "query", query)

	output, err := s.runner.Run(ctx, query+"\n")
	if err != nil {
		return string(output), fmt.Errorf("search command failed: %w", err)
	}
	return string(output), nil
}
