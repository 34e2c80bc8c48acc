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
	"os/exec"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toitlang/embpkg/pkg/fsutil"
	"github.com/toitlang/embpkg/pkg/vcs"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var testHost = HostSystem{OS: "linux", Arch: "x86_64"}

func newTestManager(t *testing.T, class PackageClass, opts ...Option) (*Manager, *recordingUI) {
	ui := &recordingUI{}
	all := append([]Option{
		WithStoreDir(filepath.Join(t.TempDir(), "store")),
		WithUI(ui),
		WithHost(testHost),
	}, opts...)
	m, err := NewManager(class, all...)
	require.NoError(t, err)
	return m, ui
}

func Test_NewManager(t *testing.T) {
	_, err := NewManager(ClassLibrary)
	assert.Error(t, err)
}

func Test_InstallFromMirrors(t *testing.T) {
	server := newArchiveServer(t)
	record := func(name string, version string, system ...string) VersionRecord {
		url := server.add(t, fmt.Sprintf("/%s-%s.zip", name, version), libraryArchive(name, version, ""))
		return VersionRecord{Version: version, URL: url, System: system}
	}

	t.Run("SecondMirror", func(t *testing.T) {
		first := &countingMirror{Mirror: &MapMirror{Name: "first", Entries: MirrorDocument{
			"Other": {record("Other", "1.0.0")},
		}}}
		second := &countingMirror{Mirror: &MapMirror{Name: "second", Entries: MirrorDocument{
			"DHT22": {record("DHT22", "1.0.0"), record("DHT22", "1.2.0")},
		}}}
		m, _ := newTestManager(t, ClassLibrary, WithMirrors(first, second))

		result, err := m.Install(context.Background(), "DHT22", "")
		require.NoError(t, err)
		assert.False(t, result.AlreadyInstalled)
		assert.Equal(t, "DHT22", result.Manifest.Name)
		assert.Equal(t, "1.2.0", result.Manifest.Version)
		assert.Equal(t, 1, first.fetches())
		assert.Equal(t, 1, second.fetches())
		assert.Empty(t, scratchDirs(t, m.StoreDir()))

		// Installed with its own content, without the wrapping directory.
		ok, err := fsutil.IsFile(filepath.Join(result.Manifest.Dir, "src", "DHT22.h"))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Range", func(t *testing.T) {
		mirror := &MapMirror{Name: "foo", Entries: MirrorDocument{
			"Foo": {record("Foo", "0.9.0"), record("Foo", "1.5.0"), record("Foo", "2.1.0")},
		}}
		m, _ := newTestManager(t, ClassLibrary, WithMirrors(mirror))
		result, err := m.Install(context.Background(), "Foo@>=1.0,<2.0", "")
		require.NoError(t, err)
		assert.Equal(t, "1.5.0", result.Manifest.Version)
		assert.Equal(t, ">=1.0,<2.0", result.Manifest.Requirement)
	})

	t.Run("CaseInsensitive", func(t *testing.T) {
		mirror := &MapMirror{Name: "foo", Entries: MirrorDocument{
			"Foo": {record("Foo", "1.5.0")},
		}}
		m, _ := newTestManager(t, ClassLibrary, WithMirrors(mirror))
		result, err := m.Install(context.Background(), "foo", "")
		require.NoError(t, err)
		assert.Equal(t, "Foo", result.Manifest.Name)
	})

	t.Run("UndefinedVersion", func(t *testing.T) {
		mirror := &MapMirror{Name: "foo", Entries: MirrorDocument{
			"Foo": {record("Foo", "0.9.0"), record("Foo", "2.1.0")},
		}}
		m, _ := newTestManager(t, ClassLibrary, WithMirrors(mirror))
		_, err := m.Install(context.Background(), "Foo@>=1.0,<2.0", "")
		require.ErrorIs(t, err, ErrUndefinedPackageVersion)
		assert.Contains(t, err.Error(), ">=1.0,<2.0")
		assert.Contains(t, err.Error(), "linux_x86_64")
		assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	})

	t.Run("NonSystem", func(t *testing.T) {
		mirror := &MapMirror{Name: "tools", Entries: MirrorDocument{
			"tool": {record("tool", "1.0.0", "windows_amd64", "darwin_*")},
		}}
		m, _ := newTestManager(t, ClassLibrary, WithMirrors(mirror))
		_, err := m.Install(context.Background(), "tool", "")
		require.ErrorIs(t, err, ErrNonSystemPackage)
		assert.Contains(t, err.Error(), "linux_x86_64")
	})

	t.Run("Unknown", func(t *testing.T) {
		mirror := &MapMirror{Name: "empty", Entries: MirrorDocument{}}
		m, _ := newTestManager(t, ClassLibrary, WithMirrors(mirror))
		_, err := m.Install(context.Background(), "Nope", "")
		require.ErrorIs(t, err, ErrUnknownPackage)
		assert.Equal(t, codes.NotFound, status.Code(err))
	})

	t.Run("ByID", func(t *testing.T) {
		r := record("Bar", "3.0.0")
		r.ID = 77
		mirror := &MapMirror{Name: "ids", Entries: MirrorDocument{"Bar": {r}}}
		m, _ := newTestManager(t, ClassLibrary, WithMirrors(mirror))
		result, err := m.Install(context.Background(), "77", "")
		require.NoError(t, err)
		assert.Equal(t, "Bar", result.Manifest.Name)
		assert.Equal(t, 77, result.Manifest.ID)
		assert.Equal(t, "Bar_ID77", filepath.Base(result.Manifest.Dir))

		again, err := m.Install(context.Background(), "id=77", "")
		require.NoError(t, err)
		assert.True(t, again.AlreadyInstalled)
	})

	t.Run("BrokenMirror", func(t *testing.T) {
		good := record("Foo", "1.0.0")
		missing := VersionRecord{Version: "1.0.0", URL: server.URL + "/missing.zip"}
		corrupt := good
		corrupt.SHA1 = "0000000000000000000000000000000000000000"
		first := &MapMirror{Name: "missing", Entries: MirrorDocument{"Foo": {missing}}}
		second := &MapMirror{Name: "corrupt", Entries: MirrorDocument{"Foo": {corrupt}}}
		third := &MapMirror{Name: "good", Entries: MirrorDocument{"Foo": {good}}}
		m, ui := newTestManager(t, ClassLibrary, WithMirrors(first, second, third))

		result, err := m.Install(context.Background(), "Foo", "")
		require.NoError(t, err)
		assert.Equal(t, "1.0.0", result.Manifest.Version)
		assert.Len(t, ui.warnings, 2)
		assert.Empty(t, scratchDirs(t, m.StoreDir()))
	})

	t.Run("AllMirrorsBroken", func(t *testing.T) {
		missing := VersionRecord{Version: "1.0.0", URL: server.URL + "/missing.zip"}
		mirror := &MapMirror{Name: "missing", Entries: MirrorDocument{"Foo": {missing}}}
		m, _ := newTestManager(t, ClassLibrary, WithMirrors(mirror))
		_, err := m.Install(context.Background(), "Foo", "")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnknownPackage)
	})
}

func Test_InstallFromURL(t *testing.T) {
	server := newArchiveServer(t)
	url := server.add(t, "/pkg/archive/main.zip", map[string]string{
		"repo-main/src/lib.h": "#pragma once\n",
	})
	m, ui := newTestManager(t, ClassLibrary)

	result, err := m.Install(context.Background(), url, "")
	require.NoError(t, err)
	assert.Equal(t, "main", result.Manifest.Name)
	assert.Equal(t, "0.0.0", result.Manifest.Version)
	assert.Equal(t, url, result.Manifest.URL)
	assert.Equal(t, 1, server.requests())
	// A manifest was synthesized.
	ok, err := fsutil.IsFile(filepath.Join(result.Manifest.Dir, "library.json"))
	require.NoError(t, err)
	assert.True(t, ok)

	again, err := m.Install(context.Background(), url, "")
	require.NoError(t, err)
	assert.True(t, again.AlreadyInstalled)
	assert.Equal(t, result.Manifest.Dir, again.Manifest.Dir)
	assert.Equal(t, 1, server.requests())
	assert.Contains(t, ui.infos[len(ui.infos)-1], "already installed")
	assertListing(t, m, "main main 0.0.0\n")
}

func Test_InstallCustomName(t *testing.T) {
	server := newArchiveServer(t)
	url := server.add(t, "/lib.zip", libraryArchive("Lib", "1.0.0", ""))
	m, _ := newTestManager(t, ClassLibrary)

	result, err := m.Install(context.Background(), "Mine="+url, "")
	require.NoError(t, err)
	assert.Equal(t, "Mine", result.Manifest.Name)
	assertListing(t, m, "Mine Mine 1.0.0\n")
}

func Test_InstallMissingManifest(t *testing.T) {
	server := newArchiveServer(t)
	url := server.add(t, "/platform.zip", map[string]string{"boards/uno.json": "{}"})
	m, _ := newTestManager(t, ClassPlatform)

	_, err := m.Install(context.Background(), url, "")
	require.ErrorIs(t, err, ErrMissingPackageManifest)
	assertListing(t, m, "")
	assert.Empty(t, scratchDirs(t, m.StoreDir()))
}

func Test_InstallVersionMismatch(t *testing.T) {
	server := newArchiveServer(t)
	url := server.add(t, "/lib.zip", libraryArchive("Lib", "1.0.0", ""))
	m, _ := newTestManager(t, ClassLibrary)

	_, err := m.Install(context.Background(), url, "^2.0.0")
	require.ErrorIs(t, err, ErrVersionMismatch)
	assertListing(t, m, "")
	assert.Empty(t, scratchDirs(t, m.StoreDir()))
}

func Test_InstallCancelled(t *testing.T) {
	server := newArchiveServer(t)
	url := server.add(t, "/lib.zip", libraryArchive("Lib", "1.0.0", ""))
	mirror := &MapMirror{Name: "lib", Entries: MirrorDocument{"Lib": {{Version: "1.0.0", URL: url}}}}
	m, _ := newTestManager(t, ClassLibrary, WithMirrors(mirror))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Install(ctx, url, "")
	require.ErrorIs(t, err, context.Canceled)
	_, err = m.Install(ctx, "Lib", "")
	require.ErrorIs(t, err, context.Canceled)

	assertListing(t, m, "")
	assert.Empty(t, scratchDirs(t, m.StoreDir()))
}

func Test_InstallLocal(t *testing.T) {
	src := filepath.Join(t.TempDir(), "Local")
	writeFile(t, filepath.Join(src, "library.json"), `{"name": "Local", "version": "0.1.0"}`)
	writeFile(t, filepath.Join(src, "src", "local.cpp"), "")
	writeFile(t, filepath.Join(src, ".git", "HEAD"), "ref: refs/heads/main\n")
	m, _ := newTestManager(t, ClassLibrary)

	result, err := m.Install(context.Background(), src, "")
	require.NoError(t, err)
	assert.Equal(t, "Local", result.Manifest.Name)
	assert.Equal(t, "file://"+filepath.ToSlash(src), result.Manifest.URL)
	assert.False(t, fsutil.Exists(filepath.Join(result.Manifest.Dir, ".git")))
	assert.True(t, fsutil.Exists(filepath.Join(result.Manifest.Dir, "src", "local.cpp")))

	again, err := m.Install(context.Background(), "file://"+filepath.ToSlash(src), "")
	require.NoError(t, err)
	assert.True(t, again.AlreadyInstalled)

	dir, err := m.GetPackageDir("Local", "")
	require.NoError(t, err)
	assert.Equal(t, result.Manifest.Dir, dir)
	dir, err = m.GetPackageDir("Local", "^1.0.0")
	require.NoError(t, err)
	assert.Empty(t, dir)
}

func Test_ConflictDemotion(t *testing.T) {
	server := newArchiveServer(t)
	mirror := &MapMirror{Name: "foo", Entries: MirrorDocument{"Foo": {
		{Version: "1.0.0", URL: server.add(t, "/foo-1.0.0.zip", libraryArchive("Foo", "1.0.0", ""))},
		{Version: "1.5.0", URL: server.add(t, "/foo-1.5.0.zip", libraryArchive("Foo", "1.5.0", ""))},
		{Version: "2.0.0", URL: server.add(t, "/foo-2.0.0.zip", libraryArchive("Foo", "2.0.0", ""))},
	}}}
	m, ui := newTestManager(t, ClassLibrary, WithMirrors(mirror))
	ctx := context.Background()

	_, err := m.Install(ctx, "Foo", "1.0.0")
	require.NoError(t, err)
	_, err = m.Install(ctx, "Foo", "2.0.0")
	require.NoError(t, err)
	assertListing(t, m, `Foo Foo 2.0.0
Foo@1.0.0 Foo 1.0.0
`)

	// Older versions go next to the current one.
	_, err = m.Install(ctx, "Foo", "1.5.0")
	require.NoError(t, err)
	assertListing(t, m, `Foo Foo 2.0.0
Foo@1.0.0 Foo 1.0.0
Foo@1.5.0 Foo 1.5.0
`)

	result, err := m.Install(ctx, "Foo", "^1.0.0")
	require.NoError(t, err)
	assert.True(t, result.AlreadyInstalled)
	assert.Equal(t, "1.5.0", result.Manifest.Version)

	pkg, err := m.GetPackage(ParseReference("Foo", "", nil))
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", pkg.Version)

	t.Run("Unfix", func(t *testing.T) {
		removed, err := m.Uninstall(ctx, "Foo", "2.0.0")
		require.NoError(t, err)
		assert.True(t, removed)
		assertListing(t, m, `Foo Foo 1.5.0
Foo@1.0.0 Foo 1.0.0
`)
	})

	t.Run("NotInstalled", func(t *testing.T) {
		ui.warnings = nil
		removed, err := m.Uninstall(ctx, "Bar", "")
		require.NoError(t, err)
		assert.False(t, removed)
		assert.Len(t, ui.warnings, 1)
	})
}

func Test_ConflictDifferentSource(t *testing.T) {
	server := newArchiveServer(t)
	registryURL := server.add(t, "/registry/foo.zip", libraryArchive("Foo", "1.0.0", ""))
	forkURL := server.add(t, "/fork/foo.zip", libraryArchive("Foo", "1.0.0", ""))
	mirror := &MapMirror{Name: "foo", Entries: MirrorDocument{"Foo": {{Version: "1.0.0", URL: registryURL}}}}
	m, _ := newTestManager(t, ClassLibrary, WithMirrors(mirror))
	ctx := context.Background()

	_, err := m.Install(ctx, "Foo", "")
	require.NoError(t, err)
	fork, err := m.Install(ctx, forkURL, "")
	require.NoError(t, err)
	// The registry version keeps the canonical name.
	assert.Regexp(t, regexp.MustCompile(`^Foo@src-[0-9a-f]{32}$`), filepath.Base(fork.Manifest.Dir))
	assert.Equal(t, forkURL, fork.Manifest.URL)

	installed, err := m.Installed()
	require.NoError(t, err)
	assert.Len(t, installed, 2)
}

func Test_Update(t *testing.T) {
	server := newArchiveServer(t)
	entries := MirrorDocument{"Foo": {
		{Version: "1.0.0", URL: server.add(t, "/foo-1.0.0.zip", libraryArchive("Foo", "1.0.0", ""))},
	}}
	docs := NewMirrorDocuments(nil)
	mirror := &MapMirror{Name: "foo", Entries: entries}
	m, _ := newTestManager(t, ClassLibrary, WithMirrors(mirror), WithMirrorDocuments(docs))
	ctx := context.Background()

	_, err := m.Install(ctx, "Foo", "")
	require.NoError(t, err)

	result, err := m.Update(ctx, "Foo", "", false)
	require.NoError(t, err)
	assert.Equal(t, UpToDate, result.Status)

	entries["Foo"] = append(entries["Foo"], VersionRecord{
		Version: "2.0.0",
		URL:     server.add(t, "/foo-2.0.0.zip", libraryArchive("Foo", "2.0.0", "")),
	})
	docs.Invalidate()

	outdated, err := m.IsOutdated(ctx, "Foo")
	require.NoError(t, err)
	assert.True(t, outdated)

	result, err = m.Update(ctx, "Foo", "", true)
	require.NoError(t, err)
	assert.Equal(t, Outdated, result.Status)
	assert.Equal(t, "2.0.0", result.Latest)
	assertListing(t, m, "Foo Foo 1.0.0\n")

	result, err = m.Update(ctx, "Foo", "", false)
	require.NoError(t, err)
	assert.Equal(t, Updated, result.Status)
	assert.Equal(t, "1.0.0", result.Previous)
	assert.Equal(t, "2.0.0", result.Manifest.Version)
	assertListing(t, m, "Foo Foo 2.0.0\n")
	assert.Equal(t, "", result.Manifest.Requirement)

	// The update must not pin the package to the version it selected.
	entries["Foo"] = append(entries["Foo"], VersionRecord{
		Version: "3.0.0",
		URL:     server.add(t, "/foo-3.0.0.zip", libraryArchive("Foo", "3.0.0", "")),
	})
	docs.Invalidate()

	outdated, err = m.IsOutdated(ctx, "Foo")
	require.NoError(t, err)
	assert.True(t, outdated)

	result, err = m.Update(ctx, "Foo", "", false)
	require.NoError(t, err)
	assert.Equal(t, Updated, result.Status)
	assert.Equal(t, "3.0.0", result.Latest)
	assertListing(t, m, "Foo Foo 3.0.0\n")

	_, err = m.Update(ctx, "Bar", "", false)
	assert.ErrorIs(t, err, ErrUnknownPackage)
}

func Test_UpdateKeepsRequirement(t *testing.T) {
	server := newArchiveServer(t)
	entries := MirrorDocument{"Foo": {
		{Version: "1.0.0", URL: server.add(t, "/foo-1.0.0.zip", libraryArchive("Foo", "1.0.0", ""))},
	}}
	docs := NewMirrorDocuments(nil)
	mirror := &MapMirror{Name: "foo", Entries: entries}
	m, _ := newTestManager(t, ClassLibrary, WithMirrors(mirror), WithMirrorDocuments(docs))
	ctx := context.Background()

	_, err := m.Install(ctx, "Foo", "^1.0.0")
	require.NoError(t, err)

	entries["Foo"] = append(entries["Foo"],
		VersionRecord{Version: "1.1.0", URL: server.add(t, "/foo-1.1.0.zip", libraryArchive("Foo", "1.1.0", ""))},
		VersionRecord{Version: "2.0.0", URL: server.add(t, "/foo-2.0.0.zip", libraryArchive("Foo", "2.0.0", ""))},
	)
	docs.Invalidate()

	result, err := m.Update(ctx, "Foo", "", false)
	require.NoError(t, err)
	assert.Equal(t, Updated, result.Status)
	assert.Equal(t, "1.1.0", result.Manifest.Version)
	assert.Equal(t, "^1.0.0", result.Manifest.Requirement)

	entries["Foo"] = append(entries["Foo"],
		VersionRecord{Version: "1.2.0", URL: server.add(t, "/foo-1.2.0.zip", libraryArchive("Foo", "1.2.0", ""))})
	docs.Invalidate()

	latest, outdated, err := m.Outdated(ctx, result.Manifest)
	require.NoError(t, err)
	assert.True(t, outdated)
	assert.Equal(t, "1.2.0", latest)

	result, err = m.Update(ctx, "Foo", "", false)
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", result.Manifest.Version)
	assertListing(t, m, "Foo Foo 1.2.0\n")
}

func Test_UpdateURL(t *testing.T) {
	server := newArchiveServer(t)
	url := server.add(t, "/lib.zip", libraryArchive("Lib", "1.0.0", ""))
	m, _ := newTestManager(t, ClassLibrary)
	ctx := context.Background()

	_, err := m.Install(ctx, url, "")
	require.NoError(t, err)
	result, err := m.Update(ctx, "Lib", "", false)
	require.NoError(t, err)
	assert.Equal(t, Skipped, result.Status)
}

// fakeRemote is a repository that fakeVCS clients export from.
type fakeRemote struct {
	revision string
	files    map[string]string
	exports  int
}

type fakeVCS struct {
	remote *fakeRemote
	src    vcs.Source
	dir    string
}

func (c *fakeVCS) Kind() vcs.Kind { return vcs.KindGit }

func (c *fakeVCS) StorageDir() string { return filepath.Join(c.dir, ".git") }

func (c *fakeVCS) checkout() error {
	for name, content := range c.remote.files {
		p := filepath.Join(c.dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			return err
		}
	}
	revision := c.remote.revision
	if c.src.Revision != "" {
		revision = c.src.Revision
	}
	if err := os.MkdirAll(c.StorageDir(), 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.StorageDir(), "HEAD"), []byte(revision), 0644)
}

func (c *fakeVCS) Export(ctx context.Context) error {
	c.remote.exports++
	return c.checkout()
}

func (c *fakeVCS) CanBeUpdated() bool { return c.src.Revision == "" }

// Update replaces the working copy, storage dir included, like a fresh clone.
func (c *fakeVCS) Update(ctx context.Context) error {
	if err := os.RemoveAll(c.dir); err != nil {
		return err
	}
	return c.checkout()
}

func (c *fakeVCS) CurrentRevision(ctx context.Context) (string, error) {
	b, err := os.ReadFile(filepath.Join(c.StorageDir(), "HEAD"))
	return string(b), err
}

func (c *fakeVCS) LatestRevision(ctx context.Context) (string, error) {
	return c.remote.revision, nil
}

func fakeVCSFactory(remote *fakeRemote) Option {
	return WithVCSFactory(func(src vcs.Source, dir string) (vcs.Client, error) {
		return &fakeVCS{remote: remote, src: src, dir: dir}, nil
	})
}

func Test_InstallVCS(t *testing.T) {
	remote := &fakeRemote{
		revision: "1111111",
		files:    map[string]string{"library.json": `{"name": "Lib", "version": "1.0.0"}`},
	}
	m, _ := newTestManager(t, ClassLibrary, fakeVCSFactory(remote))
	ctx := context.Background()
	const url = "https://host.example/lib.git"

	result, err := m.Install(ctx, url, "")
	require.NoError(t, err)
	assert.Equal(t, "Lib", result.Manifest.Name)
	// The revision, not the manifest version.
	assert.Equal(t, "1111111", result.Manifest.Version)
	assert.Equal(t, vcs.KindGit, result.Manifest.VCS)
	assert.Equal(t, "git+"+url, result.Manifest.URL)
	assertListing(t, m, "Lib Lib 1111111\n")

	again, err := m.Install(ctx, url, "")
	require.NoError(t, err)
	assert.True(t, again.AlreadyInstalled)
	assert.Equal(t, 1, remote.exports)

	outdated, err := m.IsOutdated(ctx, "Lib")
	require.NoError(t, err)
	assert.False(t, outdated)

	remote.revision = "2222222"
	check, err := m.Update(ctx, "Lib", "", true)
	require.NoError(t, err)
	assert.Equal(t, Outdated, check.Status)
	assertListing(t, m, "Lib Lib 1111111\n")

	updated, err := m.Update(ctx, "Lib", "", false)
	require.NoError(t, err)
	assert.Equal(t, Updated, updated.Status)
	assert.Equal(t, "2222222", updated.Latest)
	assertListing(t, m, "Lib Lib 2222222\n")
}

func Test_UpdateVCSKeepsName(t *testing.T) {
	remote := &fakeRemote{
		revision: "1111111",
		files:    map[string]string{"library.json": `{"name": "Upstream", "version": "1.0.0"}`},
	}
	m, _ := newTestManager(t, ClassLibrary, fakeVCSFactory(remote))
	ctx := context.Background()

	result, err := m.Install(ctx, "Mine=git+https://host.example/lib.git", "")
	require.NoError(t, err)
	assert.Equal(t, "Mine", result.Manifest.Name)

	remote.revision = "2222222"
	updated, err := m.Update(ctx, "Mine", "", false)
	require.NoError(t, err)
	assert.Equal(t, Updated, updated.Status)
	assert.Equal(t, "Mine", updated.Manifest.Name)
	assert.Equal(t, "git+https://host.example/lib.git", updated.Manifest.URL)

	pkg, err := m.GetPackage(ParseReference("Mine", "", nil))
	require.NoError(t, err)
	require.NotNil(t, pkg)
	assert.Equal(t, "2222222", pkg.Version)
}

func Test_UpdateGitKeepsName(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git is needed to serve local repositories")
	}
	repoDir := t.TempDir()
	repo, err := gogit.PlainInit(repoDir, false)
	require.NoError(t, err)
	commit := func(version string) string {
		manifest := fmt.Sprintf(`{"name": "Upstream", "version": "%s"}`, version)
		require.NoError(t, os.WriteFile(filepath.Join(repoDir, "library.json"), []byte(manifest), 0644))
		w, err := repo.Worktree()
		require.NoError(t, err)
		_, err = w.Add("library.json")
		require.NoError(t, err)
		hash, err := w.Commit("release "+version, &gogit.CommitOptions{
			Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
		})
		require.NoError(t, err)
		return hash.String()
	}
	first := commit("1.0.0")

	m, _ := newTestManager(t, ClassLibrary)
	ctx := context.Background()
	result, err := m.Install(ctx, "mine=git+"+repoDir, "")
	require.NoError(t, err)
	assert.Equal(t, "mine", result.Manifest.Name)
	assert.Equal(t, first, result.Manifest.Version)

	second := commit("1.1.0")
	updated, err := m.Update(ctx, "mine", "", false)
	require.NoError(t, err)
	assert.Equal(t, Updated, updated.Status)
	assert.Equal(t, "mine", updated.Manifest.Name)

	pkg, err := m.GetPackage(ParseReference("mine", "", nil))
	require.NoError(t, err)
	require.NotNil(t, pkg)
	assert.Equal(t, second, pkg.Version)
	assert.Equal(t, "mine", filepath.Base(pkg.Dir))
}

func Test_InstallVCSPinned(t *testing.T) {
	remote := &fakeRemote{
		revision: "2222222",
		files:    map[string]string{"library.json": `{"name": "Lib", "version": "1.0.0"}`},
	}
	m, _ := newTestManager(t, ClassLibrary, fakeVCSFactory(remote))
	ctx := context.Background()

	result, err := m.Install(ctx, "git+https://host.example/lib.git#1111111", "")
	require.NoError(t, err)
	assert.Equal(t, "1111111", result.Manifest.Version)

	updated, err := m.Update(ctx, "Lib", "", false)
	require.NoError(t, err)
	assert.Equal(t, Skipped, updated.Status)
	assertListing(t, m, "Lib Lib 1111111\n")
}

func Test_InstallVCSUnavailable(t *testing.T) {
	m, _ := newTestManager(t, ClassLibrary, WithVCSFactory(func(src vcs.Source, dir string) (vcs.Client, error) {
		return nil, &vcs.UnavailableError{Kind: vcs.KindHg, Binary: "hg"}
	}))
	_, err := m.Install(context.Background(), "hg+https://hg.example/lib", "")
	require.ErrorIs(t, err, vcs.ErrUnavailable)
	assert.Empty(t, scratchDirs(t, m.StoreDir()))
}
