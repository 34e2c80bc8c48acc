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

// Package fsutil contains the filesystem helpers shared by the package
// store, the unpacker and the VCS backends.
package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

func IsDirectory(p string) (bool, error) {
	stat, err := os.Stat(p)
	if err != nil {
		return false, err
	}
	return stat.IsDir(), nil
}

// IsFile returns whether p exists and is a regular file.
// A missing path is not an error.
func IsFile(p string) (bool, error) {
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	} else if info.IsDir() {
		return false, nil
	}
	return true, nil
}

// Exists returns whether anything (file, directory, symlink) is at p.
func Exists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}

var unsafeNameChars = regexp.MustCompile(`[^0-9A-Za-z_\-. ]`)

// SafeDirName maps a package name to a name that can be used as directory
// name on every host.
func SafeDirName(name string) string {
	return unsafeNameChars.ReplaceAllString(name, "_")
}

// VCSBlocklist matches the version-control metadata directories that are
// never copied into a package store.
var VCSBlocklist = []glob.Glob{
	glob.MustCompile("{.git,.hg,.svn}", '/'),
	glob.MustCompile("**/{.git,.hg,.svn}", '/'),
}

func isBlocked(rel string, blocklist []glob.Glob) bool {
	slashed := filepath.ToSlash(rel)
	for _, g := range blocklist {
		if g.Match(slashed) {
			return true
		}
	}
	return false
}

// CopyTree recursively copies src into dst. Paths (relative to src) matching
// any glob in blocklist are skipped. Symlinks are recreated, not followed.
func CopyTree(src string, dst string, blocklist []glob.Glob) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel != "." && isBlocked(rel, blocklist) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		case info.Mode().IsRegular():
			return CopyFile(path, target, info.Mode().Perm())
		default:
			// Sockets, devices and pipes have no place in a package.
			return nil
		}
	})
}

// CopyFile copies the regular file src to dst, creating or truncating dst.
// The modification time of src is carried over.
func CopyFile(src string, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if info, err := in.Stat(); err == nil {
		_ = os.Chtimes(dst, info.ModTime(), info.ModTime())
	}
	return nil
}

// RemovePackageDir removes a package directory.
// A symlinked package root is unlinked; its target is left untouched.
func RemovePackageDir(dir string) error {
	info, err := os.Lstat(dir)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return os.Remove(dir)
	}
	return os.RemoveAll(dir)
}

// Within returns whether target is dir itself or nested inside dir.
func Within(dir string, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// SingleSubdirectory returns the only entry of dir if that entry is a
// directory. Archives commonly wrap their content in such a directory.
func SingleSubdirectory(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return "", false
	}
	return filepath.Join(dir, entries[0].Name()), true
}

// MustNotBeEmpty panics with a descriptive message when p is empty.
// Removing "" would resolve against the working directory.
func MustNotBeEmpty(p string, what string) {
	if p == "" {
		panic(fmt.Sprintf("%s must not be empty", what))
	}
}
