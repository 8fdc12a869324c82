// Package commands implements the jsonl CLI using cobra.
package commands

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitUsageError  = 2
	ExitSigIntBase  = 128
	ExitSigInt      = ExitSigIntBase + int(syscall.SIGINT)
	ExitSigTerm     = ExitSigIntBase + int(syscall.SIGTERM)
	DefaultLogLevel = "info"
	DefaultLogFmt   = "text"

	DefaultDiagnosticBufferSize = 256
	ShutdownTimeout             = 5 * time.Second
)

// Set at build time.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// exitError carries the process exit code of a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "jsonl",
		Short: "Structured JSON Lines event emitter",
		Long: `jsonl turns automation lifecycle events into one JSON object per line.

The replay command feeds recorded raw events through the full emission
pipeline (cleaning, diagnostic extraction, verbosity filtering and
serialization) and writes the records to stdout.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newReplayCmd(), newValidateCmd(), newVersionCmd())
	return root
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	return exitCode(NewRootCmd().Execute())
}

func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", exitErr.err)
		}
		return exitErr.code
	}
	// Anything else comes from cobra itself: unknown flags, bad arguments.
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return ExitUsageError
}
