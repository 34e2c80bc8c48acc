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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alexflint/go-filemutex"
	"github.com/charmbracelet/log"
	"github.com/toitlang/embpkg/pkg/contentcache"
	"github.com/toitlang/embpkg/pkg/git"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v2"
)

// MirrorDocument maps package names to their available versions.
type MirrorDocument map[string][]VersionRecord

// Mirror is a source of a mirror document.
type Mirror interface {
	// Location identifies the mirror. Documents are cached by location.
	Location() string
	// Document fetches the mirror document.
	Document(ctx context.Context) (MirrorDocument, error)
}

func parseMirrorDocument(location string, b []byte) (MirrorDocument, error) {
	doc := MirrorDocument{}
	lower := strings.ToLower(location)
	var err error
	if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
		err = yaml.Unmarshal(b, &doc)
	} else {
		err = json.Unmarshal(b, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid mirror document '%s': %w", location, err)
	}
	return doc, nil
}

// NewMirror creates the mirror for a configured location:
// 'git+<url>[#branch]' for a git repository, 'http(s)://' URLs and local
// paths ('file://' or plain) for documents.
func NewMirror(location string, client *http.Client, cache *contentcache.Cache, ttl time.Duration) Mirror {
	if strings.HasPrefix(location, "git+") {
		m := &GitMirror{URL: strings.TrimPrefix(location, "git+")}
		if idx := strings.LastIndex(m.URL, "#"); idx >= 0 {
			m.Branch = m.URL[idx+1:]
			m.URL = m.URL[:idx]
		}
		if cache != nil {
			m.Dir = filepath.Join(cache.Dir(), "mirrors", contentcache.KeyFromArgs(location))
		}
		return m
	}
	return &URLMirror{
		URL:    location,
		Client: client,
		Cache:  cache,
		TTL:    ttl,
	}
}

// URLMirror fetches a JSON (or YAML) document over HTTP or from a file.
type URLMirror struct {
	URL    string
	Client *http.Client
	// Cache, if set, keeps HTTP documents for TTL.
	Cache *contentcache.Cache
	TTL   time.Duration
}

func (m *URLMirror) Location() string { return m.URL }

func (m *URLMirror) Document(ctx context.Context) (MirrorDocument, error) {
	if !strings.HasPrefix(m.URL, "http://") && !strings.HasPrefix(m.URL, "https://") {
		b, err := os.ReadFile(filepath.FromSlash(strings.TrimPrefix(m.URL, "file://")))
		if err != nil {
			return nil, err
		}
		return parseMirrorDocument(m.URL, b)
	}

	key := contentcache.KeyFromArgs(m.URL, "mirror")
	if m.Cache != nil {
		if content, ok := m.Cache.GetString(key); ok {
			return parseMirrorDocument(m.URL, []byte(content))
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return nil, err
	}
	client := m.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mirror '%s' returned %s", m.URL, resp.Status)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	doc, err := parseMirrorDocument(m.URL, b)
	if err != nil {
		return nil, err
	}
	if m.Cache != nil && m.TTL > 0 {
		// A failure to cache only costs a refetch.
		_ = m.Cache.SetString(key, string(b), m.TTL)
	}
	return doc, nil
}

// MapMirror is an in-memory mirror.
type MapMirror struct {
	Name    string
	Entries MirrorDocument
}

func (m *MapMirror) Location() string { return "memory:" + m.Name }

func (m *MapMirror) Document(ctx context.Context) (MirrorDocument, error) {
	return m.Entries, nil
}

// GitMirror reads the mirror document from a git repository.
// The repository is cloned into Dir on first use and pulled afterwards.
type GitMirror struct {
	URL    string
	Branch string
	// File is the document inside the repository. Defaults to
	// 'packages.json'.
	File string
	Dir  string
}

func (m *GitMirror) Location() string {
	if m.Branch == "" {
		return "git+" + m.URL
	}
	return "git+" + m.URL + "#" + m.Branch
}

func (m *GitMirror) Document(ctx context.Context) (MirrorDocument, error) {
	if m.Dir == "" {
		return nil, fmt.Errorf("no checkout directory for mirror '%s'", m.Location())
	}
	file := m.File
	if file == "" {
		file = "packages.json"
	}
	var doc MirrorDocument
	err := m.withFileLock(ctx, func() error {
		info, err := os.Stat(m.Dir)
		if err == nil && info.IsDir() {
			if err := git.Pull(m.Dir, git.PullOptions{Reference: m.Branch}); err != nil {
				return err
			}
		} else if os.IsNotExist(err) {
			if _, err := git.Clone(ctx, m.Dir, git.CloneOptions{
				URL:          m.URL,
				Reference:    m.Branch,
				SingleBranch: true,
			}); err != nil {
				return err
			}
		} else if err != nil {
			return err
		} else {
			return fmt.Errorf("path %s exists but is not a directory", m.Dir)
		}
		b, err := os.ReadFile(filepath.Join(m.Dir, filepath.FromSlash(file)))
		if err != nil {
			return err
		}
		doc, err = parseMirrorDocument(file, b)
		return err
	})
	return doc, err
}

func (m *GitMirror) withFileLock(ctx context.Context, f func() error) error {
	// Make sure only one process is syncing the mirror at the same time.
	// The lock file is next to the checkout, so it doesn't interfere with
	// cloning.
	lockP := m.Dir + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockP), 0755); err != nil {
		return err
	}
	mutex, err := filemutex.New(lockP)
	if err != nil {
		return err
	}

	unlocked := make(chan struct{})
	ctx, cancel := context.WithTimeout(ctx, time.Minute*3)
	defer cancel()

	// If the context is done right after we got the lock, the lock is
	// released by the goroutine and never by us.
	go func() {
		mutex.Lock()
		select {
		case <-ctx.Done():
			mutex.Unlock()
		default:
			close(unlocked)
		}
	}()
	select {
	case <-unlocked:
		defer mutex.Unlock()
	case <-ctx.Done():
		return fmt.Errorf("unable to acquire sync lock %s", lockP)
	}
	return f()
}

// MirrorDocuments caches fetched mirror documents for the lifetime of the
// owner. A mirror that fails to load is logged and cached as empty, so it
// isn't retried.
type MirrorDocuments struct {
	logger *log.Logger

	mu    sync.Mutex
	docs  map[string]MirrorDocument
	group singleflight.Group
}

func NewMirrorDocuments(logger *log.Logger) *MirrorDocuments {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &MirrorDocuments{
		logger: logger,
		docs:   map[string]MirrorDocument{},
	}
}

// Get returns the document of m, fetching it on first use.
func (d *MirrorDocuments) Get(ctx context.Context, m Mirror) MirrorDocument {
	location := m.Location()
	d.mu.Lock()
	doc, ok := d.docs[location]
	d.mu.Unlock()
	if ok {
		return doc
	}
	v, _, _ := d.group.Do(location, func() (interface{}, error) {
		doc, err := m.Document(ctx)
		if err != nil {
			d.logger.Warn("mirror unavailable", "mirror", location, "err", err)
			doc = MirrorDocument{}
		}
		// A cancelled fetch says nothing about the mirror.
		if ctx.Err() == nil {
			d.mu.Lock()
			d.docs[location] = doc
			d.mu.Unlock()
		}
		return doc, nil
	})
	return v.(MirrorDocument)
}

// Invalidate forgets all fetched documents.
func (d *MirrorDocuments) Invalidate() {
	d.mu.Lock()
	d.docs = map[string]MirrorDocument{}
	d.mu.Unlock()
}

// Mirrors is an ordered list of mirrors.
type Mirrors struct {
	List []Mirror
	Docs *MirrorDocuments
}

// MirrorHit is the version list of a package in one mirror.
type MirrorHit struct {
	Mirror Mirror
	// Name is the package name as spelled in the mirror.
	Name     string
	Versions []VersionRecord
}

// MirrorIterator lazily visits the mirrors in order.
type MirrorIterator struct {
	ctx     context.Context
	mirrors Mirrors
	name    string
	id      int
	next    int
}

// Iterate returns an iterator over the mirrors that list the package.
// If id is not 0, the package is looked up by registry id instead of name.
func (ms Mirrors) Iterate(ctx context.Context, name string, id int) *MirrorIterator {
	return &MirrorIterator{
		ctx:     ctx,
		mirrors: ms,
		name:    name,
		id:      id,
	}
}

// Next fetches mirrors until one lists the package.
// Returns false when all mirrors have been visited.
func (it *MirrorIterator) Next() (MirrorHit, bool) {
	for it.next < len(it.mirrors.List) {
		if it.ctx.Err() != nil {
			return MirrorHit{}, false
		}
		mirror := it.mirrors.List[it.next]
		it.next++
		doc := it.mirrors.Docs.Get(it.ctx, mirror)
		if name, versions := lookup(doc, it.name, it.id); len(versions) > 0 {
			return MirrorHit{
				Mirror:   mirror,
				Name:     name,
				Versions: versions,
			}, true
		}
	}
	return MirrorHit{}, false
}

func lookup(doc MirrorDocument, name string, id int) (string, []VersionRecord) {
	if id != 0 {
		for _, n := range sortedNames(doc) {
			var result []VersionRecord
			for _, r := range doc[n] {
				if r.ID == id {
					result = append(result, r)
				}
			}
			if len(result) > 0 {
				return n, result
			}
		}
		return "", nil
	}
	if versions, ok := doc[name]; ok {
		return name, versions
	}
	for _, n := range sortedNames(doc) {
		if strings.EqualFold(n, name) {
			return n, doc[n]
		}
	}
	return "", nil
}

func sortedNames(doc MirrorDocument) []string {
	names := make([]string, 0, len(doc))
	for n := range doc {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
