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

// Package contentcache implements a file based key/value cache with
// per-entry expiry.
//
// Entries are stored at '<dir>/<key[-2:]>/<key>'. An index file ('db.data')
// records one '<unix-expire>=<path>' line per entry. Index updates are
// serialized across processes with a file mutex.
package contentcache

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alexflint/go-filemutex"
)

const (
	indexFileName = "db.data"
	lockFileName  = ".db.lock"
)

// Cache is a content cache rooted at a directory.
type Cache struct {
	dir string

	// now is replaceable in tests.
	now func() time.Time

	mu      sync.Mutex
	expires map[string]time.Time
}

// Open opens (or lazily creates) the cache at dir and purges expired entries.
func Open(dir string) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("content cache directory must not be empty")
	}
	c := &Cache{
		dir: dir,
		now: time.Now,
	}
	if err := c.Delete(); err != nil {
		return nil, err
	}
	return c, nil
}

// Dir returns the root directory of the cache.
func (c *Cache) Dir() string {
	return c.dir
}

// KeyFromArgs derives a cache key from the non-empty args.
func KeyFromArgs(args ...string) string {
	h := md5.New()
	for _, arg := range args {
		if arg != "" {
			io.WriteString(h, arg)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PathFor returns the location of the entry for key.
func (c *Cache) PathFor(key string) string {
	if len(key) <= 3 || strings.ContainsAny(key, `/\`) {
		panic(fmt.Sprintf("invalid content cache key: '%s'", key))
	}
	return filepath.Join(c.dir, key[len(key)-2:], key)
}

// Get returns the path of the cached entry for key.
// Returns false if there is no entry, or if it expired.
func (c *Cache) Get(key string) (string, bool) {
	p := c.PathFor(key)
	if ok, _ := isFile(p); !ok {
		return "", false
	}
	expires, err := c.expiry(p)
	if err != nil || !c.now().Before(expires) {
		return "", false
	}
	return p, true
}

// GetString returns the content of the cached entry for key.
func (c *Cache) GetString(key string) (string, bool) {
	p, ok := c.Get(key)
	if !ok {
		return "", false
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// Set stores the content of r under key for the duration of ttl.
// An existing entry is replaced.
func (c *Cache) Set(key string, r io.Reader, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("invalid ttl for content cache entry: %v", ttl)
	}
	p := c.PathFor(key)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	// Write next to the target and rename, so readers never see a partial entry.
	tmp, err := os.CreateTemp(filepath.Dir(p), ".partial-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return c.withIndexLock(func() error {
		if err := os.Rename(tmp.Name(), p); err != nil {
			return err
		}
		expires := c.now().Add(ttl)
		f, err := os.OpenFile(c.indexPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(f, "%d=%s\n", expires.Unix(), p)
		if e := f.Close(); err == nil {
			err = e
		}
		c.mu.Lock()
		c.expires = nil
		c.mu.Unlock()
		return err
	})
}

// SetString stores data under key.
func (c *Cache) SetString(key string, data string, ttl time.Duration) error {
	return c.Set(key, strings.NewReader(data), ttl)
}

// SetFile stores a copy of the file at src under key.
func (c *Cache) SetFile(key string, src string, ttl time.Duration) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.Set(key, f, ttl)
}

// Delete removes the entries for the given keys together with all expired
// entries. Without keys it only purges expired entries.
func (c *Cache) Delete(keys ...string) error {
	if ok, err := isFile(c.indexPath()); err != nil || !ok {
		return err
	}
	toDelete := map[string]bool{}
	for _, key := range keys {
		toDelete[c.PathFor(key)] = true
	}

	return c.withIndexLock(func() error {
		lines, err := c.readIndex()
		if err != nil {
			return err
		}
		// Set appends, so only the last line of a path counts.
		latest := map[string]int{}
		for i, l := range lines {
			latest[l.path] = i
		}
		now := c.now()
		kept := []string{}
		changed := false
		for i, l := range lines {
			if latest[l.path] != i {
				changed = true
				continue
			}
			ok, _ := isFile(l.path)
			if ok && now.Before(l.expires) && !toDelete[l.path] {
				kept = append(kept, l.raw)
				continue
			}
			changed = true
			if ok {
				if err := os.Remove(l.path); err == nil {
					removeIfEmpty(filepath.Dir(l.path))
				}
			}
		}
		if !changed {
			return nil
		}
		c.mu.Lock()
		c.expires = nil
		c.mu.Unlock()
		content := strings.Join(kept, "\n")
		if content != "" {
			content += "\n"
		}
		return os.WriteFile(c.indexPath(), []byte(content), 0644)
	})
}

// Clean removes the whole cache directory.
func (c *Cache) Clean() error {
	c.mu.Lock()
	c.expires = nil
	c.mu.Unlock()
	return os.RemoveAll(c.dir)
}

type indexLine struct {
	raw     string
	path    string
	expires time.Time
}

func (c *Cache) indexPath() string {
	return filepath.Join(c.dir, indexFileName)
}

func (c *Cache) readIndex() ([]indexLine, error) {
	f, err := os.Open(c.indexPath())
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	result := []indexLine{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		unix, err := strconv.ParseInt(line[:eq], 10, 64)
		if err != nil {
			// Unparsable lines are dropped on the next rewrite.
			unix = 0
		}
		result = append(result, indexLine{
			raw:     line,
			path:    line[eq+1:],
			expires: time.Unix(unix, 0),
		})
	}
	return result, scanner.Err()
}

func (c *Cache) expiry(p string) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expires == nil {
		lines, err := c.readIndex()
		if err != nil {
			return time.Time{}, err
		}
		c.expires = map[string]time.Time{}
		for _, l := range lines {
			// Later lines win: Set appends.
			c.expires[l.path] = l.expires
		}
	}
	return c.expires[p], nil
}

func (c *Cache) withIndexLock(f func() error) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return err
	}
	m, err := filemutex.New(filepath.Join(c.dir, lockFileName))
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Lock(); err != nil {
		return err
	}
	defer m.Unlock()
	return f()
}

func isFile(p string) (bool, error) {
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		os.Remove(dir)
	}
}
