// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"fmt"
)

// CommandError is a command failure with the exit code it maps to.
//
// # Description
//
// Commands return a CommandError when the process should exit with a
// specific code. When Reported is set the failure has already been shown
// to the user (a failed answer, for example) and main only sets the exit
// code.
//
// # Example
//
//	return NewCommandError("ask", 1, errAnswerFailed).AlreadyReported()
type CommandError struct {
	// Command is the subcommand that failed.
	Command string

	// ExitCode is the process exit code.
	ExitCode int

	// Reported means the user has already seen the failure.
	Reported bool

	// Wrapped is the underlying error.
	Wrapped error
}

// Error returns "command: cause".
func (e *CommandError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Command, e.Wrapped)
	}
	return fmt.Sprintf("%s failed (exit %d)", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// AlreadyReported marks e as shown to the user and returns it.
func (e *CommandError) AlreadyReported() *CommandError {
	e.Reported = true
	return e
}

// NewCommandError creates a CommandError. Exit codes below 1 become 1.
func NewCommandError(command string, exitCode int, wrapped error) *CommandError {
	if exitCode < 1 {
		exitCode = 1
	}
	return &CommandError{Command: command, ExitCode: exitCode, Wrapped: wrapped}
}

// exitCode maps the error returned by a command to a process exit code
// and reports whether it still needs printing.
func exitCode(err error) (code int, report bool) {
	if err == nil {
		return 0, false
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode, !cmdErr.Reported
	}
	return 1, true
}
