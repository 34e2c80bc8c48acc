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
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrUnknownPackage          = errors.New("unknown package")
	ErrUndefinedPackageVersion = errors.New("no version satisfies the requirement")
	ErrNonSystemPackage        = errors.New("package is not available for this system")
	ErrMissingPackageManifest  = errors.New("missing package manifest")
	ErrVersionMismatch         = errors.New("package version does not match the requirement")
	ErrLibraryNotFound         = errors.New("library not found")
	ErrLibraryAmbiguous        = errors.New("library search is ambiguous")
	ErrDependencyCycle         = errors.New("dependency cycle")
)

// Error is a package management failure.
// Kind is one of the Err* sentinels above, so errors.Is works on it.
type Error struct {
	Kind        error
	Name        string
	Requirement string
	System      string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	sb := strings.Builder{}
	sb.WriteString(e.Kind.Error())
	if e.Name != "" {
		fmt.Fprintf(&sb, ": '%s'", e.Name)
	}
	if e.Requirement != "" {
		fmt.Fprintf(&sb, " (requirement '%s')", e.Requirement)
	}
	if e.System != "" {
		fmt.Fprintf(&sb, " on system '%s'", e.System)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// GRPCStatus maps the error to a status code.
func (e *Error) GRPCStatus() *status.Status {
	code := codes.Unknown
	switch e.Kind {
	case ErrUnknownPackage, ErrLibraryNotFound:
		code = codes.NotFound
	case ErrUndefinedPackageVersion, ErrNonSystemPackage, ErrLibraryAmbiguous:
		code = codes.FailedPrecondition
	case ErrMissingPackageManifest, ErrVersionMismatch:
		code = codes.InvalidArgument
	case ErrDependencyCycle:
		code = codes.Aborted
	}
	return status.New(code, e.Error())
}

func newError(kind error, name string, requirement string, cause error) *Error {
	return &Error{
		Kind:        kind,
		Name:        name,
		Requirement: requirement,
		Err:         cause,
	}
}
