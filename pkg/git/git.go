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

package git

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/memory"
)

type CloneOptions struct {
	URL string
	// Hash pins the checkout to a commit. It may be abbreviated.
	// Hash takes precedence over Reference.
	Hash string
	// Reference is a branch or tag name. Branches are tried first.
	Reference    string
	SingleBranch bool
	Depth        int
	// Recursive also clones submodules.
	Recursive bool
}

func normalizeURL(str string) string {
	if filepath.IsAbs(str) || strings.Contains(str, "://") || strings.HasPrefix(str, "git@") {
		return str
	}
	return "https://" + str
}

func convertURLToSSH(str string) (string, error) {
	u, err := url.Parse(str)
	if err != nil {
		return "", err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("can't convert '%s' to an ssh URL", str)
	}
	return "ssh://git@" + u.Host + strings.TrimSuffix(u.Path, ".git") + ".git", nil
}

func isMissingReference(err error) bool {
	return errors.Is(err, plumbing.ErrReferenceNotFound) || (gogit.NoMatchingRefSpecError{}).Is(err)
}

func clone(ctx context.Context, dir string, gogitOptions *gogit.CloneOptions) (*gogit.Repository, error) {
	repository, err := gogit.PlainCloneContext(ctx, dir, false, gogitOptions)
	if err == transport.ErrAuthenticationRequired {
		// Try to download the repository with ssh, relying on the ssh agent.
		if sshURL, errURL := convertURLToSSH(gogitOptions.URL); errURL == nil {
			os.RemoveAll(dir)
			withSSH := *gogitOptions
			withSSH.URL = sshURL
			repository, err = gogit.PlainCloneContext(ctx, dir, false, &withSSH)
		}
	}
	if err != nil {
		os.RemoveAll(dir)
	}
	return repository, err
}

// Clone clones the repository with the given [options] into [dir].
// Returns the checked out hash.
func Clone(ctx context.Context, dir string, options CloneOptions) (string, error) {
	gogitOptions := &gogit.CloneOptions{
		URL:          normalizeURL(options.URL),
		SingleBranch: options.SingleBranch,
		Depth:        options.Depth,
	}
	if options.Recursive {
		gogitOptions.RecurseSubmodules = gogit.DefaultSubmoduleRecursionDepth
	}

	if options.Hash != "" {
		// go-git can't fetch a single commit. Fetch the whole history and check
		// out the commit afterwards.
		gogitOptions.Depth = 0
		gogitOptions.SingleBranch = false
		repository, err := clone(ctx, dir, gogitOptions)
		if err != nil {
			return "", err
		}
		return checkoutHash(repository, options.Hash)
	}

	var repository *gogit.Repository
	var err error
	if options.Reference == "" {
		repository, err = clone(ctx, dir, gogitOptions)
	} else {
		gogitOptions.ReferenceName = plumbing.NewBranchReferenceName(options.Reference)
		repository, err = clone(ctx, dir, gogitOptions)
		if err != nil && isMissingReference(err) {
			gogitOptions.ReferenceName = plumbing.NewTagReferenceName(options.Reference)
			repository, err = clone(ctx, dir, gogitOptions)
		}
	}
	if err != nil {
		return "", err
	}
	head, err := repository.Head()
	if err != nil {
		return "", err
	}
	return head.Hash().String(), nil
}

func checkoutHash(repository *gogit.Repository, hash string) (string, error) {
	full, err := resolveHash(repository, hash)
	if err != nil {
		return "", err
	}
	w, err := repository.Worktree()
	if err != nil {
		return "", err
	}
	err = w.Checkout(&gogit.CheckoutOptions{
		Hash:  full,
		Force: true,
	})
	if err != nil {
		return "", err
	}
	return full.String(), nil
}

func resolveHash(repository *gogit.Repository, hash string) (plumbing.Hash, error) {
	hash = strings.ToLower(hash)
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	iter, err := repository.CommitObjects()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	defer iter.Close()
	var found []plumbing.Hash
	err = iter.ForEach(func(c *object.Commit) error {
		if strings.HasPrefix(c.Hash.String(), hash) {
			found = append(found, c.Hash)
		}
		return nil
	})
	if err != nil {
		return plumbing.ZeroHash, err
	}
	switch len(found) {
	case 0:
		return plumbing.ZeroHash, fmt.Errorf("commit '%s' not found", hash)
	case 1:
		return found[0], nil
	default:
		return plumbing.ZeroHash, fmt.Errorf("commit '%s' is ambiguous", hash)
	}
}

// CurrentRevision returns the hash of the commit checked out in [dir].
func CurrentRevision(dir string) (string, error) {
	repository, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", err
	}
	head, err := repository.Head()
	if err != nil {
		return "", err
	}
	return head.Hash().String(), nil
}

// LatestRevision asks the remote at [remoteURL] for the hash [reference]
// points to. An empty reference resolves the remote's HEAD.
// For annotated tags the hash of the tag object is returned.
func LatestRevision(ctx context.Context, remoteURL string, reference string) (string, error) {
	remote := gogit.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{normalizeURL(remoteURL)},
	})
	refs, err := remote.ListContext(ctx, &gogit.ListOptions{})
	if err != nil {
		return "", err
	}
	byName := map[plumbing.ReferenceName]*plumbing.Reference{}
	for _, ref := range refs {
		byName[ref.Name()] = ref
	}

	var candidates []plumbing.ReferenceName
	if reference == "" {
		candidates = []plumbing.ReferenceName{plumbing.HEAD}
	} else {
		candidates = []plumbing.ReferenceName{
			plumbing.NewBranchReferenceName(reference),
			plumbing.NewTagReferenceName(reference),
		}
	}
	for _, name := range candidates {
		ref, ok := byName[name]
		// Follow symbolic references, like HEAD.
		for i := 0; ok && ref.Type() == plumbing.SymbolicReference && i < 5; i++ {
			ref, ok = byName[ref.Target()]
		}
		if ok && ref.Type() == plumbing.HashReference {
			return ref.Hash().String(), nil
		}
	}
	if reference == "" {
		return "", fmt.Errorf("remote '%s' has no HEAD", remoteURL)
	}
	return "", fmt.Errorf("reference '%s' not found in '%s'", reference, remoteURL)
}

type PullOptions struct {
	// Reference is the branch to pull. Defaults to the checked out branch.
	Reference string
}

// Pull fetches and merges the latest state of the remote into [path].
// The working copy is forcefully updated.
func Pull(path string, options PullOptions) error {
	repository, err := gogit.PlainOpen(path)
	if err != nil {
		return err
	}
	wt, err := repository.Worktree()
	if err != nil {
		return err
	}

	pullOptions := &gogit.PullOptions{
		Force: true,
	}
	if options.Reference != "" {
		pullOptions.ReferenceName = plumbing.NewBranchReferenceName(options.Reference)
	}

	err = wt.Pull(pullOptions)
	if err != nil && err != gogit.NoErrAlreadyUpToDate {
		return err
	}
	return nil
}
