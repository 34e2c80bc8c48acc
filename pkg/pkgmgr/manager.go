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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/toitlang/embpkg/pkg/archive"
	"github.com/toitlang/embpkg/pkg/download"
	"github.com/toitlang/embpkg/pkg/fsutil"
	"github.com/toitlang/embpkg/pkg/vcs"
)

// VCSFactory creates the client for a working copy at dir.
type VCSFactory func(src vcs.Source, dir string) (vcs.Client, error)

// Manager serves as entry point for the package operations of one class.
// Use NewManager to create a new manager.
type Manager struct {
	class      PackageClass
	store      *Store
	mirrors    Mirrors
	downloader *download.Downloader
	ui         UI
	logger     *log.Logger
	host       HostSystem
	vcsFactory VCSFactory
}

type options struct {
	storeDir    string
	mirrors     []Mirror
	docs        *MirrorDocuments
	downloader  *download.Downloader
	ui          UI
	logger      *log.Logger
	host        *HostSystem
	vcsFactory  VCSFactory
	search      SearchIndex
	interactive bool
	ambiguity   AmbiguityPolicy
}

// Option defines the optional parameters for NewManager.
type Option interface {
	applyOption(*options)
}

type optionFunc func(*options)

func (f optionFunc) applyOption(o *options) { f(o) }

// WithStoreDir sets the directory packages are installed into.
func WithStoreDir(dir string) Option {
	return optionFunc(func(o *options) { o.storeDir = dir })
}

// WithMirrors adds mirrors. They are tried in order.
func WithMirrors(mirrors ...Mirror) Option {
	return optionFunc(func(o *options) { o.mirrors = append(o.mirrors, mirrors...) })
}

// WithMirrorDocuments shares a document cache between managers.
func WithMirrorDocuments(docs *MirrorDocuments) Option {
	return optionFunc(func(o *options) { o.docs = docs })
}

func WithDownloader(d *download.Downloader) Option {
	return optionFunc(func(o *options) { o.downloader = d })
}

func WithUI(ui UI) Option {
	return optionFunc(func(o *options) { o.ui = ui })
}

func WithLogger(logger *log.Logger) Option {
	return optionFunc(func(o *options) { o.logger = logger })
}

// WithHost overrides the system used to filter versions.
func WithHost(host HostSystem) Option {
	return optionFunc(func(o *options) { o.host = &host })
}

func WithVCSFactory(f VCSFactory) Option {
	return optionFunc(func(o *options) { o.vcsFactory = f })
}

// NewManager returns a new Manager for the given class.
func NewManager(class PackageClass, opts ...Option) (*Manager, error) {
	o := &options{}
	for _, opt := range opts {
		opt.applyOption(o)
	}
	return newManager(class, o)
}

func newManager(class PackageClass, o *options) (*Manager, error) {
	if o.storeDir == "" {
		return nil, fmt.Errorf("missing store directory for %s packages", class.Name)
	}
	logger := o.logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	ui := o.ui
	if ui == nil {
		ui = FmtUI
	}
	docs := o.docs
	if docs == nil {
		docs = NewMirrorDocuments(logger)
	}
	downloader := o.downloader
	if downloader == nil {
		downloader = &download.Downloader{Logger: logger}
	}
	host := CurrentHostSystem()
	if o.host != nil {
		host = *o.host
	}
	factory := o.vcsFactory
	if factory == nil {
		factory = func(src vcs.Source, dir string) (vcs.Client, error) {
			return vcs.NewClient(src, dir, logger)
		}
	}
	return &Manager{
		class:      class,
		store:      NewStore(o.storeDir, class),
		mirrors:    Mirrors{List: o.mirrors, Docs: docs},
		downloader: downloader,
		ui:         ui,
		logger:     logger,
		host:       host,
		vcsFactory: factory,
	}, nil
}

func (m *Manager) Class() PackageClass { return m.class }

func (m *Manager) StoreDir() string { return m.store.Dir }

func (m *Manager) Host() HostSystem { return m.host }

// Installed returns the installed packages, including backups.
func (m *Manager) Installed() ([]*Manifest, error) {
	return m.store.Installed()
}

// ResetCache invalidates the listing of installed packages.
func (m *Manager) ResetCache() {
	m.store.Reset()
}

// GetPackage returns the installed package that best matches ref, or nil.
//
// References with a source only match packages installed from exactly that
// source. Registry ids match by id, everything else by name. A requirement
// equal to the installed version (or revision) matches immediately;
// otherwise the highest version satisfying it wins.
func (m *Manager) GetPackage(ref Reference) (*Manifest, error) {
	installed, err := m.Installed()
	if err != nil {
		return nil, err
	}
	var best *Manifest
	for _, pkg := range installed {
		switch {
		case ref.Source != nil && !ref.Source.IsRegistry():
			if pkg.URL != ref.Source.String() {
				continue
			}
		case ref.ID != 0:
			if pkg.ID != ref.ID {
				continue
			}
		default:
			if !strings.EqualFold(pkg.Name, ref.Name) {
				continue
			}
		}
		if !m.host.Supports(pkg.System) {
			continue
		}
		if ref.Requirement != "" && ref.Requirement == pkg.Version {
			return pkg, nil
		}
		if ref.Requirement != "" && !Satisfies(pkg.Version, ref.Requirement) {
			continue
		}
		if best == nil || CompareVersions(pkg.Version, best.Version) > 0 ||
			(CompareVersions(pkg.Version, best.Version) == 0 && isBackup(best) && !isBackup(pkg)) {
			best = pkg
		}
	}
	return best, nil
}

// GetPackageDir returns the directory of the installed package, or "" if
// no installed package matches.
func (m *Manager) GetPackageDir(name string, requirement string) (string, error) {
	pkg, err := m.GetPackage(ParseReference(name, requirement, nil))
	if err != nil || pkg == nil {
		return "", err
	}
	return pkg.Dir, nil
}

// InstallResult describes a successful install.
type InstallResult struct {
	Manifest *Manifest
	// AlreadyInstalled is true if nothing had to be done.
	AlreadyInstalled bool
}

// Install installs the package raw refers to.
// A non-empty requirement takes precedence over one in raw.
func (m *Manager) Install(ctx context.Context, raw string, requirement string) (*InstallResult, error) {
	return m.install(ctx, ParseReference(raw, requirement, nil))
}

func (m *Manager) install(ctx context.Context, ref Reference) (*InstallResult, error) {
	pkg, err := m.GetPackage(ref)
	if err != nil {
		return nil, err
	}
	if pkg != nil {
		m.ui.ReportInfo("%s @ %s is already installed", pkg.Name, pkg.Version)
		return &InstallResult{Manifest: pkg, AlreadyInstalled: true}, nil
	}

	if ref.Source != nil && !ref.Source.IsRegistry() {
		pkg, err = m.installFromSource(ctx, installRequest{
			name:        ref.Name,
			customName:  ref.CustomName,
			source:      ref.Source,
			requirement: ref.Requirement,
			recorded:    ref.Requirement,
			track:       true,
		})
	} else {
		pkg, err = m.installFromMirrors(ctx, ref, ref.Requirement)
	}
	if err != nil {
		return nil, err
	}
	m.ui.ReportInfo("%s @ %s has been installed", pkg.Name, pkg.Version)
	return &InstallResult{Manifest: pkg}, nil
}

// isFatal returns whether err should stop the search for another mirror.
// Transport and integrity failures are worth retrying elsewhere; broken
// packages and local configuration problems are not.
func isFatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, ErrMissingPackageManifest) ||
		errors.Is(err, archive.ErrUnsupportedType) ||
		errors.Is(err, vcs.ErrUnavailable) ||
		errors.Is(err, os.ErrPermission)
}

// installFromMirrors tries the mirrors in order until one of them delivers
// a satisfying version that installs successfully. recorded is the
// requirement remembered for later updates.
func (m *Manager) installFromMirrors(ctx context.Context, ref Reference, recorded string) (*Manifest, error) {
	name := ref.Name
	if ref.ID != 0 {
		name = ref.Source.String()
	}
	it := m.mirrors.Iterate(ctx, ref.Name, ref.ID)
	listed := false
	compatible := false
	var lastErr error
	for hit, ok := it.Next(); ok; hit, ok = it.Next() {
		listed = true
		record := MaxSatisfying(hit.Versions, ref.Requirement, &m.host)
		if record == nil {
			if len(FilterSystem(hit.Versions, m.host)) > 0 {
				compatible = true
			}
			m.logger.Debug("no satisfying version", "mirror", hit.Mirror.Location(), "package", hit.Name)
			continue
		}
		compatible = true
		pkg, err := m.installFromSource(ctx, installRequest{
			name:        hit.Name,
			source:      &SourceLocator{Kind: SourceArchive, URL: record.URL},
			requirement: ref.Requirement,
			recorded:    recorded,
			sha1:        record.SHA1,
			record:      record,
		})
		if err == nil {
			return pkg, nil
		}
		if isFatal(ctx, err) {
			return nil, err
		}
		m.ui.ReportWarning("Failed to install %s @ %s from '%s': %v", hit.Name, record.Version, hit.Mirror.Location(), err)
		lastErr = err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case !listed:
		e := newError(ErrUnknownPackage, name, ref.Requirement, nil)
		e.System = m.host.String()
		return nil, e
	case lastErr != nil:
		return nil, lastErr
	case !compatible:
		e := newError(ErrNonSystemPackage, name, ref.Requirement, nil)
		e.System = m.host.String()
		return nil, e
	default:
		e := newError(ErrUndefinedPackageVersion, name, ref.Requirement, nil)
		e.System = m.host.String()
		return nil, e
	}
}

// Uninstall removes the installed package raw refers to.
// Returns false, with a warning, if no such package is installed.
func (m *Manager) Uninstall(ctx context.Context, raw string, requirement string) (bool, error) {
	ref := ParseReference(raw, requirement, nil)
	pkg, err := m.GetPackage(ref)
	if err != nil {
		return false, err
	}
	if pkg == nil {
		m.ui.ReportWarning("%s is not installed", ref)
		return false, nil
	}
	if err := m.uninstall(pkg, true); err != nil {
		return false, err
	}
	m.ui.ReportInfo("%s @ %s has been removed", pkg.Name, pkg.Version)
	return true, nil
}

// uninstall removes pkg. If unfix is true and pkg was the current version,
// the best remaining backup becomes the current version.
func (m *Manager) uninstall(pkg *Manifest, unfix bool) error {
	fsutil.MustNotBeEmpty(pkg.Dir, "package directory")
	if !fsutil.Within(m.store.Dir, pkg.Dir) {
		return fmt.Errorf("package directory '%s' is not inside the store", pkg.Dir)
	}
	err := fsutil.RemovePackageDir(pkg.Dir)
	m.store.Reset()
	if err != nil || !unfix || isBackup(pkg) {
		return err
	}

	canonical := filepath.Base(pkg.Dir)
	installed, err := m.Installed()
	if err != nil {
		return err
	}
	var promote *Manifest
	for _, other := range installed {
		if !strings.HasPrefix(filepath.Base(other.Dir), canonical+"@") {
			continue
		}
		if promote == nil || CompareVersions(other.Version, promote.Version) > 0 {
			promote = other
		}
	}
	if promote == nil {
		return nil
	}
	defer m.store.Reset()
	m.logger.Debug("restoring backup", "dir", promote.Dir)
	return os.Rename(promote.Dir, pkg.Dir)
}

type UpdateStatus int

const (
	UpToDate UpdateStatus = iota
	Outdated
	Updated
	// Skipped packages can't be updated, like packages pinned to a commit.
	Skipped
)

func (s UpdateStatus) String() string {
	switch s {
	case UpToDate:
		return "up-to-date"
	case Outdated:
		return "outdated"
	case Updated:
		return "updated"
	default:
		return "skipped"
	}
}

type UpdateResult struct {
	Manifest *Manifest
	Previous string
	Latest   string
	Status   UpdateStatus
}

// Update brings the installed package raw refers to up to date.
// With onlyCheck, the store is never modified.
func (m *Manager) Update(ctx context.Context, raw string, requirement string, onlyCheck bool) (*UpdateResult, error) {
	ref := ParseReference(raw, requirement, nil)
	// The requirement restricts the new version, not the installed one.
	pkg, err := m.GetPackage(Reference{Name: ref.Name, Source: ref.Source, ID: ref.ID})
	if err != nil {
		return nil, err
	}
	if pkg == nil {
		return nil, newError(ErrUnknownPackage, ref.String(), "", fmt.Errorf("not installed"))
	}
	if pkg.VCS != "" {
		return m.updateVCS(ctx, pkg, onlyCheck)
	}

	result := &UpdateResult{Manifest: pkg, Previous: pkg.Version}
	latest, err := m.latestVersion(ctx, pkg, ref.Requirement)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		result.Status = Skipped
		m.ui.ReportInfo("%s @ %s was not installed from a registry; skipping", pkg.Name, pkg.Version)
		return result, nil
	}
	result.Latest = latest.Version
	if CompareVersions(latest.Version, pkg.Version) <= 0 {
		result.Status = UpToDate
		m.ui.ReportInfo("%s @ %s is up to date", pkg.Name, pkg.Version)
		return result, nil
	}
	if onlyCheck {
		result.Status = Outdated
		m.ui.ReportInfo("%s @ %s is outdated (latest: %s)", pkg.Name, pkg.Version, latest.Version)
		return result, nil
	}

	if err := m.uninstall(pkg, false); err != nil {
		return nil, err
	}
	// The exact version selects the release; the package keeps the
	// requirement it was installed with, so later updates still move on.
	newRef := Reference{Name: pkg.Name, ID: pkg.ID, Requirement: latest.Version}
	if pkg.ID != 0 {
		newRef.Source = &SourceLocator{Kind: SourceRegistryID, ID: pkg.ID}
	}
	recorded := ref.Requirement
	if recorded == "" {
		recorded = pkg.Requirement
	}
	installed, err := m.installFromMirrors(ctx, newRef, recorded)
	if err != nil {
		return nil, err
	}
	m.ui.ReportInfo("%s has been updated to %s", installed.Name, installed.Version)
	result.Manifest = installed
	result.Status = Updated
	return result, nil
}

func (m *Manager) updateVCS(ctx context.Context, pkg *Manifest, onlyCheck bool) (*UpdateResult, error) {
	result := &UpdateResult{Manifest: pkg, Previous: pkg.Version}
	src, err := vcs.ParseURL(pkg.URL)
	if err != nil {
		return nil, err
	}
	client, err := m.vcsFactory(src, pkg.Dir)
	if err != nil {
		return nil, err
	}
	if !client.CanBeUpdated() {
		result.Status = Skipped
		m.ui.ReportInfo("%s is pinned to %s; skipping", pkg.Name, pkg.Version)
		return result, nil
	}
	if onlyCheck {
		latest, err := client.LatestRevision(ctx)
		if err != nil {
			return nil, err
		}
		result.Latest = latest
		result.Status = UpToDate
		if latest != pkg.Version {
			result.Status = Outdated
		}
		return result, nil
	}

	// The working copy, including its storage dir, is replaced by Update.
	// Read the private manifest first so the recorded name survives.
	privatePath, _ := findPrivateManifest(pkg.Dir)
	pm := &privateManifest{}
	if privatePath != "" {
		if pm, err = readPrivateManifest(privatePath); err != nil {
			return nil, err
		}
	}
	if err := client.Update(ctx); err != nil {
		return nil, err
	}
	rev, err := client.CurrentRevision(ctx)
	if err != nil {
		return nil, err
	}
	pm.Version = rev
	pm.URL = pkg.URL
	if err := writePrivateManifest(client.StorageDir(), pm); err != nil {
		return nil, err
	}
	m.store.Reset()

	result.Latest = rev
	result.Status = UpToDate
	if rev != pkg.Version {
		result.Status = Updated
		m.ui.ReportInfo("%s has been updated to %s", pkg.Name, rev)
	}
	updated, err := m.store.LoadManifest(pkg.Dir)
	if err != nil {
		return nil, err
	}
	result.Manifest = updated
	return result, nil
}

// latestVersion returns the best mirror record for pkg, or nil if pkg
// wasn't installed from a registry.
func (m *Manager) latestVersion(ctx context.Context, pkg *Manifest, requirement string) (*VersionRecord, error) {
	if pkg.URL != "" {
		return nil, nil
	}
	if requirement == "" {
		requirement = pkg.Requirement
	}
	var best *VersionRecord
	it := m.mirrors.Iterate(ctx, pkg.Name, pkg.ID)
	for hit, ok := it.Next(); ok; hit, ok = it.Next() {
		record := MaxSatisfying(hit.Versions, requirement, &m.host)
		if record != nil && (best == nil || CompareVersions(record.Version, best.Version) > 0) {
			best = record
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if best == nil {
		// Nothing newer is known. Report the installed version as latest.
		return &VersionRecord{Name: pkg.Name, Version: pkg.Version}, nil
	}
	return best, nil
}

// Outdated returns the latest version of pkg and whether it differs from
// the installed one. Packages from version control and detached backups
// are never outdated.
func (m *Manager) Outdated(ctx context.Context, pkg *Manifest) (string, bool, error) {
	if pkg.VCS != "" || (isBackup(pkg) && pkg.Requirement == "") {
		return "", false, nil
	}
	latest, err := m.latestVersion(ctx, pkg, "")
	if err != nil || latest == nil {
		return "", false, err
	}
	return latest.Version, latest.Version != pkg.Version, nil
}

// IsOutdated reports whether the installed package raw refers to has a
// newer version.
func (m *Manager) IsOutdated(ctx context.Context, raw string) (bool, error) {
	ref := ParseReference(raw, "", nil)
	pkg, err := m.GetPackage(ref)
	if err != nil {
		return false, err
	}
	if pkg == nil {
		return false, newError(ErrUnknownPackage, ref.String(), "", fmt.Errorf("not installed"))
	}
	_, outdated, err := m.Outdated(ctx, pkg)
	return outdated, err
}
