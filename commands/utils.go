// Copyright (C) 2021 Toitware ApS.
//
// This library is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; version
// 2.1 only.
//
// This library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// The license can be found in the file `LICENSE` in the top level
// directory of this repository.

package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func FirstError(errors ...error) error {
	for _, err := range errors {
		if err != nil {
			return err
		}
	}
	return nil
}

// statusOf finds the status of the first error in the chain of err that
// carries one.
func statusOf(err error) (*status.Status, bool) {
	var se interface{ GRPCStatus() *status.Status }
	if errors.As(err, &se) {
		return se.GRPCStatus(), true
	}
	return nil, false
}

func ErrorMessage(err error) string {
	return status.Convert(err).Message()
}

// Code returns the status code of err. Errors without a status are
// codes.Unknown; context errors map to their usual codes.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if s, ok := statusOf(err); ok {
		return s.Code()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	return codes.Unknown
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee interface{ ExitCode() int }
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	switch Code(err) {
	case codes.NotFound:
		return 2
	case codes.FailedPrecondition:
		return 3
	case codes.InvalidArgument:
		return 4
	case codes.Aborted:
		return 5
	case codes.Canceled:
		return 130
	}
	return 1
}

// WithSilent is implemented by errors that have already been reported.
type WithSilent interface {
	Silent() bool
}

// DefaultRunWrapper prints errors that have not been reported yet and
// exits with the code of the error.
func DefaultRunWrapper(f CobraErrorCommand) CobraCommand {
	return func(cmd *cobra.Command, args []string) {
		err := f(cmd, args)
		if err == nil {
			return
		}
		if s, ok := err.(WithSilent); !ok || !s.Silent() {
			fmt.Fprintln(os.Stderr, ErrorMessage(err))
		}
		os.Exit(ExitCode(err))
	}
}
