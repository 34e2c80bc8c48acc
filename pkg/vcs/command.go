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
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/alessio/shellescape"
)

type commandClient struct {
	baseClient
	binary string
}

func lookup(base baseClient, binary string) (commandClient, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return commandClient{}, &UnavailableError{Kind: base.src.Kind, Binary: binary}
	}
	return commandClient{baseClient: base, binary: path}, nil
}

// run executes the client binary with args. An empty dir runs in the
// working directory of the process.
func (c *commandClient) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	commandLine := shellescape.QuoteCommand(append([]string{string(c.src.Kind)}, args...))
	c.logger.Debug("running", "command", commandLine, "dir", dir)
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("'%s' failed: %w", commandLine, err)
		}
		return "", fmt.Errorf("'%s' failed: %w: %s", commandLine, err, msg)
	}
	return stdout.String(), nil
}

// hgClient drives Mercurial.
type hgClient struct {
	commandClient
}

func newHgClient(base baseClient) (Client, error) {
	cc, err := lookup(base, "hg")
	if err != nil {
		return nil, err
	}
	return &hgClient{commandClient: cc}, nil
}

func (c *hgClient) Export(ctx context.Context) error {
	args := []string{"clone"}
	if c.src.Revision != "" {
		args = append(args, "--updaterev", c.src.Revision)
	}
	_, err := c.run(ctx, "", append(args, c.src.URL, c.dir)...)
	return err
}

func (c *hgClient) CanBeUpdated() bool { return true }

func (c *hgClient) Update(ctx context.Context) error {
	_, err := c.run(ctx, c.dir, "pull", "--update")
	return err
}

func (c *hgClient) CurrentRevision(ctx context.Context) (string, error) {
	out, err := c.run(ctx, c.dir, "identify", "--id")
	return strings.TrimSpace(out), err
}

func (c *hgClient) LatestRevision(ctx context.Context) (string, error) {
	rev := c.src.Revision
	if rev == "" {
		rev = "tip"
	}
	out, err := c.run(ctx, "", "identify", "--id", "--rev", rev, c.src.URL)
	return strings.TrimSpace(out), err
}

// svnClient drives Subversion.
type svnClient struct {
	commandClient
}

func newSvnClient(base baseClient) (Client, error) {
	cc, err := lookup(base, "svn")
	if err != nil {
		return nil, err
	}
	return &svnClient{commandClient: cc}, nil
}

func (c *svnClient) Export(ctx context.Context) error {
	args := []string{"checkout", "--non-interactive"}
	if c.src.Revision != "" {
		args = append(args, "--revision", c.src.Revision)
	}
	_, err := c.run(ctx, "", append(args, c.src.URL, c.dir)...)
	return err
}

func (c *svnClient) CanBeUpdated() bool { return true }

func (c *svnClient) Update(ctx context.Context) error {
	_, err := c.run(ctx, c.dir, "update", "--non-interactive")
	return err
}

func (c *svnClient) CurrentRevision(ctx context.Context) (string, error) {
	out, err := c.run(ctx, c.dir, "info", "--non-interactive")
	if err != nil {
		return "", err
	}
	return parseSvnRevision(out)
}

func (c *svnClient) LatestRevision(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "", "info", "--non-interactive", "--revision", "HEAD", c.src.URL)
	if err != nil {
		return "", err
	}
	return parseSvnRevision(out)
}

func parseSvnRevision(info string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "Revision:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "Revision:")), nil
		}
	}
	return "", fmt.Errorf("no revision in svn info output")
}
