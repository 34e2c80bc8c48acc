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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSearchIndex struct {
	items   []SearchItem
	queries []SearchQuery
}

func (s *fakeSearchIndex) Search(ctx context.Context, q SearchQuery) ([]SearchItem, error) {
	s.queries = append(s.queries, q)
	return s.items, nil
}

func newTestLibraryManager(t *testing.T, opts ...Option) (*LibraryManager, *recordingUI) {
	ui := &recordingUI{}
	all := append([]Option{
		WithStoreDir(filepath.Join(t.TempDir(), "lib")),
		WithUI(ui),
		WithHost(testHost),
	}, opts...)
	lm, err := NewLibraryManager(all...)
	require.NoError(t, err)
	return lm, ui
}

// ambiguousSetup serves a library 'Foo' that depends on 'Bar', with two
// registry packages called 'Bar'.
func ambiguousSetup(t *testing.T) (fooURL string, mirror *MapMirror, search *fakeSearchIndex) {
	server := newArchiveServer(t)
	fooURL = server.add(t, "/foo.zip", libraryArchive("Foo", "1.0.0", `, "dependencies": [{"name": "Bar"}]`))
	mirror = &MapMirror{Name: "bar", Entries: MirrorDocument{
		"Bar": {{ID: 1, Version: "1.0.0", URL: server.add(t, "/bar1.zip", libraryArchive("Bar", "1.0.0", ""))}},
		"Bar-fork": {{ID: 2, Version: "2.0.0", URL: server.add(t, "/bar2.zip", libraryArchive("Bar", "2.0.0", ""))}},
	}}
	search = &fakeSearchIndex{items: []SearchItem{
		{ID: 1, Name: "Bar", Authors: StringList{"Jane"}},
		{ID: 2, Name: "Bar-fork", Authors: StringList{"Bob"}},
	}}
	return fooURL, mirror, search
}

func Test_LibraryAmbiguous(t *testing.T) {
	t.Run("PickFirst", func(t *testing.T) {
		fooURL, mirror, search := ambiguousSetup(t)
		lm, ui := newTestLibraryManager(t, WithMirrors(mirror), WithSearchIndex(search))

		result, err := lm.Install(context.Background(), fooURL, "")
		require.NoError(t, err)
		assert.Equal(t, "Foo", result.Manifest.Name)
		require.Len(t, ui.warnings, 1)
		assert.Contains(t, ui.warnings[0], "Several libraries")
		assert.Empty(t, ui.prompts)
		assertListing(t, lm.Manager, `Bar_ID1 Bar 1.0.0
Foo Foo 1.0.0
`)
		require.Len(t, search.queries, 1)
		assert.Equal(t, `name:"Bar"`, search.queries[0].String())
	})

	t.Run("FailClosed", func(t *testing.T) {
		fooURL, mirror, search := ambiguousSetup(t)
		lm, _ := newTestLibraryManager(t, WithMirrors(mirror), WithSearchIndex(search), WithAmbiguityPolicy(FailClosed))

		result, err := lm.Install(context.Background(), fooURL, "")
		require.ErrorIs(t, err, ErrLibraryAmbiguous)
		// The library itself stays installed.
		require.NotNil(t, result)
		assertListing(t, lm.Manager, "Foo Foo 1.0.0\n")
	})

	t.Run("Interactive", func(t *testing.T) {
		fooURL, mirror, search := ambiguousSetup(t)
		lm, ui := newTestLibraryManager(t, WithMirrors(mirror), WithSearchIndex(search), WithInteractive(true))
		ui.choice = 1

		_, err := lm.Install(context.Background(), fooURL, "")
		require.NoError(t, err)
		assert.Len(t, ui.prompts, 1)
		assert.Empty(t, ui.warnings)
		assertListing(t, lm.Manager, `Bar-fork_ID2 Bar-fork 2.0.0
Foo Foo 1.0.0
`)
	})
}

func Test_LibraryDependencies(t *testing.T) {
	server := newArchiveServer(t)
	mirror := &MapMirror{Name: "libs", Entries: MirrorDocument{
		"Foo": {{Version: "1.0.0", URL: server.add(t, "/foo.zip",
			libraryArchive("Foo", "1.0.0", `, "dependencies": [{"name": "Bar", "authors": "Jane"}]`))}},
		"Bar": {{Version: "1.2.0", Authors: StringList{"Jane"}, URL: server.add(t, "/bar.zip",
			libraryArchive("Bar", "1.2.0", `, "dependencies": {"Baz": "^1.0.0"}`))}},
		"Baz": {
			{Version: "1.1.0", URL: server.add(t, "/baz-1.1.0.zip", libraryArchive("Baz", "1.1.0", ""))},
			{Version: "2.0.0", URL: server.add(t, "/baz-2.0.0.zip", libraryArchive("Baz", "2.0.0", ""))},
		},
	}}
	lm, ui := newTestLibraryManager(t, WithMirrors(mirror))
	ctx := context.Background()

	result, err := lm.Install(ctx, "Foo", "")
	require.NoError(t, err)
	assert.False(t, result.AlreadyInstalled)
	assertListing(t, lm.Manager, `Bar Bar 1.2.0
Baz Baz 1.1.0
Foo Foo 1.0.0
`)
	assert.Empty(t, ui.warnings)

	t.Run("Idempotent", func(t *testing.T) {
		requests := server.requests()
		again, err := lm.Install(ctx, "Foo", "")
		require.NoError(t, err)
		assert.True(t, again.AlreadyInstalled)
		assert.Equal(t, requests, server.requests())
		assertListing(t, lm.Manager, `Bar Bar 1.2.0
Baz Baz 1.1.0
Foo Foo 1.0.0
`)
	})

	t.Run("NotFound", func(t *testing.T) {
		url := server.add(t, "/qux.zip", libraryArchive("Qux", "1.0.0", `, "dependencies": {"Br": "*", "Baz": "^2.0.0"}`))
		result, err := lm.Install(ctx, url, "")
		require.ErrorIs(t, err, ErrLibraryNotFound)
		assert.Contains(t, err.Error(), "did you mean Bar?")
		require.NotNil(t, result)
		assert.Equal(t, "Qux", result.Manifest.Name)
		// The other dependency is still installed.
		dir, err := lm.GetPackageDir("Baz", "^2.0.0")
		require.NoError(t, err)
		assert.NotEmpty(t, dir)
	})
}

func Test_LibraryCycle(t *testing.T) {
	server := newArchiveServer(t)
	aURL := server.URL + "/a.zip"
	bURL := server.URL + "/b.zip"
	server.add(t, "/a.zip", libraryArchive("A", "1.0.0", fmt.Sprintf(`, "dependencies": {"B": %q}`, bURL)))
	server.add(t, "/b.zip", libraryArchive("B", "1.0.0", fmt.Sprintf(`, "dependencies": {"A": %q}`, aURL)))
	lm, ui := newTestLibraryManager(t)

	_, err := lm.Install(context.Background(), aURL, "")
	require.NoError(t, err)
	require.Len(t, ui.warnings, 1)
	assert.Contains(t, ui.warnings[0], "dependency cycle")
	assert.Contains(t, ui.warnings[0], "through a, b")
	assertListing(t, lm.Manager, `A A 1.0.0
B B 1.0.0
`)
}

func Test_AmbiguityPolicy(t *testing.T) {
	p, err := ParseAmbiguityPolicy("fail")
	require.NoError(t, err)
	assert.Equal(t, FailClosed, p)
	p, err = ParseAmbiguityPolicy("")
	require.NoError(t, err)
	assert.Equal(t, PickFirst, p)
	_, err = ParseAmbiguityPolicy("ask")
	assert.Error(t, err)
}
