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

package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	libraryStoreSubDir  = "lib"
	platformStoreSubDir = "platforms"
	toolStoreSubDir     = "packages"
	cacheSubDir         = ".cache"

	// CoreDirEnv, if set, replaces the home directory (~/.embpkg) that holds
	// the package stores and the cache.
	CoreDirEnv       = "EMBPKG_CORE_DIR"
	// CacheDirEnv, if set, replaces the content cache directory.
	CacheDirEnv      = "EMBPKG_CACHE_DIR"
	// UserConfigDirEnv if set, will be the directory the user config will be loaded from.
	UserConfigDirEnv = "EMBPKG_USER_CONFIG_DIR"
)

func EnsureDirectory(dir string, err error) (string, error) {
	if err != nil {
		return dir, err
	}
	return dir, os.MkdirAll(dir, 0755)
}

func lookupTrimmedEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// HomePath returns the directory that holds the package stores.
func HomePath() (string, error) {
	if path, ok := lookupTrimmedEnv(CoreDirEnv); ok {
		return filepath.Abs(path)
	}
	homedir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homedir, ".embpkg"), nil
}

// CachePath returns the directory of the content cache.
func CachePath(home string) string {
	if path, ok := lookupTrimmedEnv(CacheDirEnv); ok {
		return path
	}
	return filepath.Join(home, cacheSubDir)
}

// StorePath returns the store directory of the given package class, or
// false if the class is unknown.
func StorePath(home string, class string) (string, bool) {
	switch class {
	case "library":
		return filepath.Join(home, libraryStoreSubDir), true
	case "platform":
		return filepath.Join(home, platformStoreSubDir), true
	case "tool":
		return filepath.Join(home, toolStoreSubDir), true
	}
	return "", false
}
