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
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/stretchr/testify/require"
)

type recordingUI struct {
	mu       sync.Mutex
	errors   []string
	warnings []string
	infos    []string
	choice   int
	prompts  []string
}

func (ui *recordingUI) ReportError(format string, a ...interface{}) error {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	ui.errors = append(ui.errors, fmt.Sprintf(format, a...))
	return ErrAlreadyReported
}

func (ui *recordingUI) ReportWarning(format string, a ...interface{}) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	ui.warnings = append(ui.warnings, fmt.Sprintf(format, a...))
}

func (ui *recordingUI) ReportInfo(format string, a ...interface{}) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	ui.infos = append(ui.infos, fmt.Sprintf(format, a...))
}

func (ui *recordingUI) Choose(prompt string, options []string) (int, error) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	ui.prompts = append(ui.prompts, prompt)
	return ui.choice, nil
}

// countingMirror counts document fetches.
type countingMirror struct {
	Mirror
	mu    sync.Mutex
	count int
}

func (m *countingMirror) Document(ctx context.Context) (MirrorDocument, error) {
	m.mu.Lock()
	m.count++
	m.mu.Unlock()
	return m.Mirror.Document(ctx)
}

func (m *countingMirror) fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// archiveServer serves zip archives and counts requests.
type archiveServer struct {
	*httptest.Server
	mu       sync.Mutex
	archives map[string][]byte
	hits     map[string]int
}

func newArchiveServer(t *testing.T) *archiveServer {
	s := &archiveServer{
		archives: map[string][]byte{},
		hits:     map[string]int{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		content, ok := s.archives[r.URL.Path]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(content)
	}))
	t.Cleanup(s.Close)
	return s
}

// add registers an archive and returns its URL.
func (s *archiveServer) add(t *testing.T, p string, files map[string]string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archives[p] = zipBytes(t, files)
	return s.URL + p
}

func (s *archiveServer) requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.hits {
		total += n
	}
	return total
}

// libraryArchive returns the files of a library archive, wrapped in a
// top-level directory like the archives of hosted repositories.
func libraryArchive(name string, version string, extra string) map[string]string {
	prefix := name + "-" + version + "/"
	manifest := fmt.Sprintf(`{"name": %q, "version": %q%s}`, name, version, extra)
	return map[string]string{
		prefix + "library.json": manifest,
		prefix + "src/" + name + ".h": "#pragma once\n",
	}
}

func writeFile(t *testing.T, p string, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

// listing renders the store as one 'dir name version' line per package.
func listing(t *testing.T, m *Manager) string {
	installed, err := m.Installed()
	require.NoError(t, err)
	sb := strings.Builder{}
	for _, pkg := range installed {
		fmt.Fprintf(&sb, "%s %s %s\n", filepath.Base(pkg.Dir), pkg.Name, pkg.Version)
	}
	return sb.String()
}

func diff(old string, new string) string {
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(old),
		B:        difflib.SplitLines(new),
		FromFile: "Old",
		FromDate: "",
		ToFile:   "New",
		ToDate:   "",
		Context:  1,
	})
	return diff
}

func assertListing(t *testing.T, m *Manager, expected string) {
	t.Helper()
	actual := listing(t, m)
	if actual != expected {
		t.Errorf("unexpected store content:\n%s", diff(expected, actual))
	}
}

// scratchDirs returns the leftover scratch directories of the store.
func scratchDirs(t *testing.T, dir string) []string {
	matches, err := filepath.Glob(filepath.Join(dir, ".tmp-*"))
	require.NoError(t, err)
	return matches
}
