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

package pkgmgr

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
)

// UI allows this package to interact with the user.
//
// This package will report user-facing errors (like missing packages)
// through this interface.
// The package might report multiple errors.
// If an action wasn't successful (like installing a package), then
// the package reports the error and then returns an AlreadyReportedError.
// This indicates to the caller that the operation failed, but that no
// further information needs to be printed.
type UI interface {
	// ReportError signals an error to the user.
	// The format string is currently compatible with fmt.Printf.
	// Returns ErrAlreadyReported.
	ReportError(format string, a ...interface{}) error

	// ReportWarning signals a warning to the user.
	// The format string is currently compatible with fmt.Printf.
	ReportWarning(format string, a ...interface{})

	// ReportInfo reports interesting information.
	ReportInfo(format string, a ...interface{})

	// Choose asks the user to pick one of the options.
	// Returns the index of the chosen option.
	Choose(prompt string, options []string) (int, error)
}

// FmtUI implements a simple version of UI that prints messages using `fmt` primitives.
type fmtUI struct{}

// ReportError reports errors from the pkgmgr package.
// Returns 'ErrAlreadyReported'
func (ui fmtUI) ReportError(format string, a ...interface{}) error {
	fmt.Printf("Error: "+format+"\n", a...)
	return ErrAlreadyReported
}

// ReportWarning reports warnings from the pkgmgr package.
func (ui fmtUI) ReportWarning(format string, a ...interface{}) {
	fmt.Printf("Warning: "+format+"\n", a...)
}

func (ui fmtUI) ReportInfo(format string, a ...interface{}) {
	fmt.Printf("Info: "+format+"\n", a...)
}

func (ui fmtUI) Choose(prompt string, options []string) (int, error) {
	return promptChoice(os.Stdin, os.Stdout, prompt, options)
}

// nullUI implements a UI that does nothing.
type nullUI struct{}

func (ui nullUI) ReportError(format string, a ...interface{}) error {
	return ErrAlreadyReported
}

func (ui nullUI) ReportWarning(format string, a ...interface{}) {
}

func (ui nullUI) ReportInfo(format string, a ...interface{}) {
}

func (ui nullUI) Choose(prompt string, options []string) (int, error) {
	return 0, nil
}

// LogUI reports through a structured logger.
// Choices are read from In.
type LogUI struct {
	Logger *log.Logger
	In     io.Reader
	Out    io.Writer
}

// NewLogUI creates a LogUI that logs to w and prompts on stdin/stdout.
func NewLogUI(w io.Writer, level log.Level) *LogUI {
	return &LogUI{
		Logger: log.NewWithOptions(w, log.Options{Level: level}),
		In:     os.Stdin,
		Out:    os.Stdout,
	}
}

func (ui *LogUI) ReportError(format string, a ...interface{}) error {
	ui.Logger.Errorf(format, a...)
	return ErrAlreadyReported
}

func (ui *LogUI) ReportWarning(format string, a ...interface{}) {
	ui.Logger.Warnf(format, a...)
}

func (ui *LogUI) ReportInfo(format string, a ...interface{}) {
	ui.Logger.Infof(format, a...)
}

func (ui *LogUI) Choose(prompt string, options []string) (int, error) {
	return promptChoice(ui.In, ui.Out, prompt, options)
}

func promptChoice(in io.Reader, out io.Writer, prompt string, options []string) (int, error) {
	if len(options) == 0 {
		return 0, fmt.Errorf("nothing to choose from")
	}
	fmt.Fprintln(out, prompt)
	for i, option := range options {
		fmt.Fprintf(out, "  %d) %s\n", i+1, option)
	}
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprintf(out, "Choice [1-%d]: ", len(options))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return 0, err
			}
			return 0, io.ErrUnexpectedEOF
		}
		n, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
	}
}

var (
	// ErrAlreadyReported can be used to signal that an error has
	// been reported, and that no further action needs to be taken.
	// The returned error should be interchangeable. That is, one should
	// be able to call this function multiple times and just return any
	// of the received errors.
	// In case the error gets printed anyway, we have a sensible error message
	// instead of "already reported" or similar.
	ErrAlreadyReported = fmt.Errorf("package management error")

	// FmtUI is simple version of UI that uses 'fmt' to report warnings and errors.
	FmtUI UI = fmtUI{}

	// NullUI discards all messages and picks the first option when asked.
	NullUI UI = nullUI{}
)

// IsErrAlreadyReported returns whether 'e' is the ErrAlreadyReported error.
func IsErrAlreadyReported(e error) bool {
	return e == ErrAlreadyReported
}
