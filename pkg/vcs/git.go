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

package vcs

import (
	"context"
	"os"
	"path/filepath"
	"regexp"

	"github.com/toitlang/embpkg/pkg/git"
)

var commitID = regexp.MustCompile(`^[0-9a-fA-F]{7,40}$`)

type gitClient struct {
	baseClient
}

func (c *gitClient) pinned() bool {
	return commitID.MatchString(c.src.Revision)
}

func (c *gitClient) options() git.CloneOptions {
	options := git.CloneOptions{
		URL:       c.src.URL,
		Recursive: true,
	}
	if c.pinned() {
		options.Hash = c.src.Revision
	} else {
		options.Reference = c.src.Revision
		options.SingleBranch = true
		options.Depth = 1
	}
	return options
}

func (c *gitClient) Export(ctx context.Context) error {
	c.logger.Debug("git clone", "url", c.src.URL, "revision", c.src.Revision, "dir", c.dir)
	_, err := git.Clone(ctx, c.dir, c.options())
	return err
}

func (c *gitClient) CanBeUpdated() bool {
	return !c.pinned()
}

// Update clones the latest state next to the working copy and swaps it in.
// Files that disappeared upstream are gone afterwards.
func (c *gitClient) Update(ctx context.Context) error {
	parent := filepath.Dir(c.dir)
	scratch, err := os.MkdirTemp(parent, ".update-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	fresh := filepath.Join(scratch, "checkout")
	c.logger.Debug("git clone", "url", c.src.URL, "revision", c.src.Revision, "dir", fresh)
	if _, err := git.Clone(ctx, fresh, c.options()); err != nil {
		return err
	}
	old := filepath.Join(scratch, "old")
	if err := os.Rename(c.dir, old); err != nil {
		return err
	}
	if err := os.Rename(fresh, c.dir); err != nil {
		// Put the old working copy back.
		os.Rename(old, c.dir)
		return err
	}
	return nil
}

func (c *gitClient) CurrentRevision(ctx context.Context) (string, error) {
	return git.CurrentRevision(c.dir)
}

func (c *gitClient) LatestRevision(ctx context.Context) (string, error) {
	if c.pinned() {
		return c.CurrentRevision(ctx)
	}
	return git.LatestRevision(ctx, c.src.URL, c.src.Revision)
}
