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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/toitlang/embpkg/pkg/archive"
	"github.com/toitlang/embpkg/pkg/fsutil"
)

type installRequest struct {
	name       string
	customName bool
	source     *SourceLocator
	// requirement is checked against the version of the fetched package.
	requirement string
	// recorded is the requirement kept in the private manifest. It differs
	// from requirement when an update selects an exact version.
	recorded string
	// sha1 is the expected checksum of a downloaded archive.
	sha1 string
	// record is set for packages that come from a mirror.
	record *VersionRecord
	// track records the source in the private manifest.
	track bool
}

// installFromSource fetches the package into a scratch directory inside
// the store and moves it into place once it is complete. Nothing but the
// scratch directory is touched until then.
func (m *Manager) installFromSource(ctx context.Context, req installRequest) (*Manifest, error) {
	if err := m.store.Create(m.ui); err != nil {
		return nil, err
	}
	scratch, err := os.MkdirTemp(m.store.Dir, ".tmp-*-package")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratch)

	content := filepath.Join(scratch, "pkg")
	if err := m.fetch(ctx, req, scratch, content); err != nil {
		return nil, err
	}

	root, err := m.packageRoot(content, req)
	if err != nil {
		return nil, err
	}

	if req.source.Kind != SourceVCS {
		pm := &privateManifest{Requirement: req.recorded}
		if req.customName || (req.record != nil && req.record.ID != 0) {
			pm.Name = req.name
		}
		if req.record != nil {
			pm.ID = req.record.ID
		} else if req.track {
			pm.URL = req.source.String()
		}
		if req.track || !pm.isEmpty() {
			if err := writePrivateManifest(filepath.Join(root, PrivateManifestDir), pm); err != nil {
				return nil, err
			}
		}
	}

	pkg, err := m.store.LoadManifest(root)
	if err != nil {
		return nil, err
	}
	if req.source.Kind != SourceVCS && req.requirement != "" && !Satisfies(pkg.Version, req.requirement) {
		return nil, newError(ErrVersionMismatch, pkg.Name, req.requirement,
			fmt.Errorf("got version %s", pkg.Version))
	}

	target, err := m.resolveConflict(pkg)
	if err != nil {
		return nil, err
	}
	if fsutil.Exists(target) {
		if err := fsutil.RemovePackageDir(target); err != nil {
			return nil, err
		}
	}
	if err := os.Rename(root, target); err != nil {
		return nil, err
	}
	m.store.Reset()
	m.logger.Debug("installed package", "name", pkg.Name, "version", pkg.Version, "dir", target)
	return m.store.LoadManifest(target)
}

// fetch puts the content of the source into content.
func (m *Manager) fetch(ctx context.Context, req installRequest, scratch string, content string) error {
	src := req.source
	switch src.Kind {
	case SourceLocal:
		info, err := os.Stat(src.Path)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return archive.Unpack(src.Path, content)
		}
		if err := os.MkdirAll(content, 0755); err != nil {
			return err
		}
		return fsutil.CopyTree(src.Path, content, fsutil.VCSBlocklist)

	case SourceArchive:
		dlDir := filepath.Join(scratch, "dl")
		if err := os.MkdirAll(dlDir, 0755); err != nil {
			return err
		}
		p, err := m.downloader.Fetch(ctx, src.URL, dlDir, req.sha1)
		if err != nil {
			return err
		}
		if err := archive.Unpack(p, content); err != nil {
			return err
		}
		return os.RemoveAll(dlDir)

	case SourceVCS:
		client, err := m.vcsFactory(src.vcsSource(), content)
		if err != nil {
			return err
		}
		if err := client.Export(ctx); err != nil {
			return err
		}
		rev, err := client.CurrentRevision(ctx)
		if err != nil {
			return err
		}
		pm := &privateManifest{
			Version:     rev,
			URL:         src.String(),
			Requirement: req.recorded,
		}
		if req.customName {
			pm.Name = req.name
		}
		return writePrivateManifest(client.StorageDir(), pm)

	default:
		return fmt.Errorf("can't install '%s' from a registry source", src)
	}
}

// packageRoot finds the directory holding the manifest. The top-level
// directory is preferred; otherwise the shallowest non-hidden directory
// with a manifest wins. Without any manifest, libraries get a synthesized
// one and other classes fail.
func (m *Manager) packageRoot(content string, req installRequest) (string, error) {
	if m.hasManifest(content) {
		return content, nil
	}
	var found string
	foundDepth := -1
	err := filepath.WalkDir(content, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || p == content {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		depth := strings.Count(p[len(content):], string(filepath.Separator))
		if foundDepth >= 0 && depth >= foundDepth {
			return filepath.SkipDir
		}
		if m.hasManifest(p) {
			found = p
			foundDepth = depth
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found != "" {
		return found, nil
	}

	if m.class.SynthesizeManifest == "" {
		return "", newError(ErrMissingPackageManifest, req.name, "", nil)
	}
	root := content
	if sub, ok := fsutil.SingleSubdirectory(content); ok {
		root = sub
	}
	synthesized := &Manifest{Name: req.name, Version: "0.0.0"}
	if req.record != nil && req.record.Version != "" {
		synthesized.Version = req.record.Version
	}
	err = WriteManifest(filepath.Join(root, m.class.SynthesizeManifest), synthesized)
	return root, err
}

// hasManifest returns whether dir has a manifest of the class, or a private
// manifest from version control.
func (m *Manager) hasManifest(dir string) bool {
	if m.store.manifestFile(dir) != "" {
		return true
	}
	p, kind := findPrivateManifest(dir)
	return p != "" && kind != ""
}

// resolveConflict decides where pkg goes. An already installed package
// with the same directory name is demoted to a backup name if pkg should
// become the current version; otherwise pkg is installed next to it.
func (m *Manager) resolveConflict(pkg *Manifest) (string, error) {
	target := filepath.Join(m.store.Dir, InstallDirName(pkg))
	if !fsutil.Exists(target) {
		return target, nil
	}
	current, err := m.store.LoadManifest(target)
	if err != nil {
		// Not a package anymore.
		return target, nil
	}

	demote := false
	switch {
	case current.URL != pkg.URL && current.URL != "":
		demote = true
	case current.URL != pkg.URL:
		return filepath.Join(m.store.Dir, backupDirName(pkg)), nil
	default:
		switch c := CompareVersions(pkg.Version, current.Version); {
		case c > 0:
			demote = true
		case c < 0:
			return filepath.Join(m.store.Dir, backupDirName(pkg)), nil
		}
	}
	if demote {
		backup := filepath.Join(m.store.Dir, backupDirName(current))
		if fsutil.Exists(backup) {
			if err := fsutil.RemovePackageDir(backup); err != nil {
				return "", err
			}
		}
		m.logger.Debug("moving previous version", "from", target, "to", backup)
		if err := os.Rename(target, backup); err != nil {
			return "", err
		}
		m.store.Reset()
	}
	return target, nil
}
