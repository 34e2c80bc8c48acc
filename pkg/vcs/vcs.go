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

// Package vcs exports working copies from version control systems.
//
// Three backends share one Client interface: git (in-process through
// go-git), hg and svn (through their command line clients).
package vcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"
)

type Kind string

const (
	KindGit Kind = "git"
	KindHg  Kind = "hg"
	KindSvn Kind = "svn"
)

// ErrUnavailable signals that the client binary of a backend is missing.
var ErrUnavailable = errors.New("version control client not available")

type UnavailableError struct {
	Kind   Kind
	Binary string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s packages require the '%s' command, which was not found in PATH", e.Kind, e.Binary)
}

func (e *UnavailableError) Unwrap() error { return ErrUnavailable }

// Client manages one working copy.
type Client interface {
	Kind() Kind
	// Export creates the working copy. The destination must not exist yet.
	Export(ctx context.Context) error
	// CanBeUpdated is false for working copies pinned to a fixed revision.
	CanBeUpdated() bool
	Update(ctx context.Context) error
	CurrentRevision(ctx context.Context) (string, error)
	// LatestRevision asks the remote for the revision an update would
	// check out.
	LatestRevision(ctx context.Context) (string, error)
	// StorageDir is the backend's metadata directory inside the working copy.
	StorageDir() string
}

// Source identifies a repository and an optional revision (branch, tag,
// commit or revision number).
type Source struct {
	Kind     Kind
	URL      string
	Revision string
}

func (s Source) String() string {
	str := string(s.Kind) + "+" + s.URL
	if s.Revision != "" {
		str += "#" + s.Revision
	}
	return str
}

var kindPrefix = regexp.MustCompile(`^(git|hg|svn)\+`)

// ParseURL splits a URL like 'git+https://host/repo#tag' into its parts.
// 'git@host:repo' and URLs ending in '.git' are recognized without prefix.
func ParseURL(raw string) (Source, error) {
	s := Source{}
	rest := raw
	if m := kindPrefix.FindStringSubmatch(rest); m != nil {
		s.Kind = Kind(m[1])
		rest = rest[len(m[0]):]
	}
	if idx := strings.LastIndex(rest, "#"); idx >= 0 {
		s.Revision = rest[idx+1:]
		rest = rest[:idx]
	}
	s.URL = rest
	if s.Kind == "" {
		if strings.HasPrefix(rest, "git@") || strings.HasSuffix(rest, ".git") {
			s.Kind = KindGit
		} else {
			return Source{}, fmt.Errorf("unknown version control system for '%s'", raw)
		}
	}
	if s.URL == "" {
		return Source{}, fmt.Errorf("missing repository URL in '%s'", raw)
	}
	return s, nil
}

// NewClient returns the client for src, with its working copy at dir.
// Fails with an UnavailableError, before touching the network, if the
// backend needs a binary that isn't installed.
func NewClient(src Source, dir string, logger *log.Logger) (Client, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	base := baseClient{
		src:    src,
		dir:    dir,
		logger: logger,
	}
	switch src.Kind {
	case KindGit:
		return &gitClient{baseClient: base}, nil
	case KindHg:
		return newHgClient(base)
	case KindSvn:
		return newSvnClient(base)
	default:
		return nil, fmt.Errorf("unsupported version control system '%s'", src.Kind)
	}
}

type baseClient struct {
	src    Source
	dir    string
	logger *log.Logger
}

func (c *baseClient) Kind() Kind { return c.src.Kind }

func (c *baseClient) StorageDir() string {
	return filepath.Join(c.dir, "."+string(c.src.Kind))
}
