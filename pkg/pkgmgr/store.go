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
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/toitlang/embpkg/pkg/fsutil"
	"github.com/toitlang/embpkg/pkg/vcs"
)

const readmeContent string = `# Package Store

This directory contains packages that have been installed by the package
manager. Directories named '<name>@<version>' are older versions that were
superseded by a newer install.

Directories starting with '.tmp-' are scratch directories of installs that
were interrupted. It is safe to remove them.
`

// Store is the directory that holds the installed packages of one class.
// The listing of installed packages is cached until Reset is called.
type Store struct {
	Dir   string
	Class PackageClass

	installed []*Manifest
	loaded    bool
}

func NewStore(dir string, class PackageClass) *Store {
	return &Store{
		Dir:   dir,
		Class: class,
	}
}

// Reset invalidates the cached listing.
func (s *Store) Reset() {
	s.installed = nil
	s.loaded = false
}

// Create creates the store directory, together with a README, if it
// doesn't exist yet.
func (s *Store) Create(ui UI) error {
	stat, err := os.Stat(s.Dir)
	if err == nil && !stat.IsDir() {
		return ui.ReportError("Package store path already exists but is not a directory: '%s'", s.Dir)
	}
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.Dir, "README.md"), []byte(readmeContent), 0644)
}

// Installed returns the manifests of all packages in the store.
// Directories without manifest are ignored.
func (s *Store) Installed() ([]*Manifest, error) {
	if s.loaded {
		return s.installed, nil
	}
	entries, err := os.ReadDir(s.Dir)
	if os.IsNotExist(err) {
		entries = nil
	} else if err != nil {
		return nil, err
	}
	result := []*Manifest{}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(s.Dir, entry.Name())
		// Follows symlinked packages.
		if ok, _ := fsutil.IsDirectory(dir); !ok {
			continue
		}
		m, err := s.LoadManifest(dir)
		if errors.Is(err, ErrMissingPackageManifest) {
			continue
		} else if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return filepath.Base(result[i].Dir) < filepath.Base(result[j].Dir)
	})
	s.installed = result
	s.loaded = true
	return result, nil
}

// privateManifestLocations lists where a private manifest can be found,
// relative to the package root.
var privateManifestLocations = []struct {
	dir string
	vcs vcs.Kind
}{
	{".git", vcs.KindGit},
	{".hg", vcs.KindHg},
	{".svn", vcs.KindSvn},
	{PrivateManifestDir, ""},
}

// manifestFile returns the first manifest of the class in dir.
func (s *Store) manifestFile(dir string) string {
	for _, name := range s.Class.ManifestNames {
		p := filepath.Join(dir, name)
		if ok, _ := fsutil.IsFile(p); ok {
			return p
		}
	}
	return ""
}

func findPrivateManifest(dir string) (string, vcs.Kind) {
	for _, loc := range privateManifestLocations {
		p := filepath.Join(dir, loc.dir, PrivateManifestName)
		if ok, _ := fsutil.IsFile(p); ok {
			return p, loc.vcs
		}
	}
	return "", ""
}

// LoadManifest reads the manifest of the package in dir.
// The private manifest overlays the package's own manifest. Missing names
// default to the directory name and missing versions to '0.0.0'.
// Returns an error wrapping ErrMissingPackageManifest if neither exists.
func (s *Store) LoadManifest(dir string) (*Manifest, error) {
	var m *Manifest
	if p := s.manifestFile(dir); p != "" {
		var err error
		m, err = ParseManifestFile(p)
		if err != nil {
			return nil, err
		}
	}
	privatePath, kind := findPrivateManifest(dir)
	if m == nil && privatePath == "" {
		return nil, newError(ErrMissingPackageManifest, filepath.Base(dir), "", nil)
	}
	if m == nil {
		m = &Manifest{}
	}
	if privatePath != "" {
		pm, err := readPrivateManifest(privatePath)
		if err != nil {
			return nil, err
		}
		pm.overlay(m)
		m.VCS = kind
	}
	if m.Name == "" {
		m.Name = filepath.Base(dir)
	}
	if m.Version == "" {
		m.Version = "0.0.0"
	}
	m.Dir = dir
	return m, nil
}

// InstallDirName returns the directory name of the package in the store.
func InstallDirName(m *Manifest) string {
	name := fsutil.SafeDirName(m.Name)
	if m.ID != 0 {
		name += "_ID" + strconv.Itoa(m.ID)
	}
	return name
}

// backupDirName returns the name a package gets when it isn't the current
// version in the store.
func backupDirName(m *Manifest) string {
	base := InstallDirName(m)
	if m.URL != "" {
		sum := md5.Sum([]byte(m.URL))
		return fmt.Sprintf("%s@src-%s", base, hex.EncodeToString(sum[:]))
	}
	return base + "@" + fsutil.SafeDirName(m.Version)
}

// isBackup returns whether m is installed under a backup name.
func isBackup(m *Manifest) bool {
	return strings.Contains(filepath.Base(m.Dir), "@")
}
