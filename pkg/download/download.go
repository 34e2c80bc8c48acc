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

// Package download fetches artifacts over HTTP and verifies them.
package download

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/toitlang/embpkg/pkg/contentcache"
	"github.com/toitlang/embpkg/pkg/fsutil"
)

const (
	// DefaultMaxCacheSize is the largest artifact that is kept in the content cache.
	DefaultMaxCacheSize = 50 * 1024 * 1024
	// DefaultTTL is the lifetime of cached artifacts.
	DefaultTTL = 30 * 24 * time.Hour
)

var (
	ErrSizeMismatch     = errors.New("downloaded size does not match Content-Length")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// SizeMismatchError is returned when the number of received bytes differs
// from the announced Content-Length.
type SizeMismatchError struct {
	URL      string
	Expected int64
	Actual   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("download of '%s' is incomplete: expected %d bytes, got %d", e.URL, e.Expected, e.Actual)
}

func (e *SizeMismatchError) Unwrap() error { return ErrSizeMismatch }

// ChecksumError is returned when the sha1 of the artifact differs from the
// expected one.
type ChecksumError struct {
	URL      string
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum of '%s' does not match: expected %s, got %s", e.URL, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// StatusError is returned for non-200 responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("download of '%s' failed: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Downloader fetches URLs into directories.
// The zero value is usable and does not cache.
type Downloader struct {
	Client *http.Client
	// Cache, if set, is consulted before any network access.
	Cache        *contentcache.Cache
	TTL          time.Duration
	MaxCacheSize int64
	// Progress is called while the body is streamed. total is -1 when the
	// server did not announce a length.
	Progress func(done int64, total int64)
	Logger   *log.Logger
}

func (d *Downloader) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

func (d *Downloader) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.New(io.Discard)
}

func (d *Downloader) ttl() time.Duration {
	if d.TTL > 0 {
		return d.TTL
	}
	return DefaultTTL
}

func (d *Downloader) maxCacheSize() int64 {
	if d.MaxCacheSize > 0 {
		return d.MaxCacheSize
	}
	return DefaultMaxCacheSize
}

func cacheKeys(rawURL string) (dataKey string, nameKey string) {
	return contentcache.KeyFromArgs(rawURL, "data"), contentcache.KeyFromArgs(rawURL, "fname")
}

// Fetch downloads rawURL into destDir and returns the path of the artifact.
// If expectedSHA1 is not empty, the artifact is verified against it.
// Transport errors are returned as is; retrying is left to the caller.
func (d *Downloader) Fetch(ctx context.Context, rawURL string, destDir string, expectedSHA1 string) (string, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", err
	}
	if p, ok := d.fromCache(rawURL, destDir, expectedSHA1); ok {
		return p, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	d.logger().Debug("downloading", "url", rawURL)
	resp, err := d.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	tmp, err := os.CreateTemp(destDir, ".download-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	hasher := sha1.New()
	counter := &progressWriter{total: resp.ContentLength, report: d.Progress}
	_, err = io.Copy(io.MultiWriter(tmp, hasher, counter), resp.Body)
	if e := tmp.Close(); err == nil {
		err = e
	}
	if err != nil {
		return "", err
	}

	if resp.ContentLength >= 0 && counter.done != resp.ContentLength {
		return "", &SizeMismatchError{URL: rawURL, Expected: resp.ContentLength, Actual: counter.done}
	}
	if err := verify(rawURL, hasher, expectedSHA1); err != nil {
		return "", err
	}

	name := fileName(rawURL, resp.Header.Get("Content-Disposition"))
	target := filepath.Join(destDir, name)
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", err
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			os.Chtimes(target, t, t)
		}
	}

	if d.Cache != nil && counter.done <= d.maxCacheSize() {
		dataKey, nameKey := cacheKeys(rawURL)
		err := d.Cache.SetFile(dataKey, target, d.ttl())
		if err == nil {
			err = d.Cache.SetString(nameKey, name, d.ttl())
		}
		if err != nil {
			d.logger().Warn("could not cache download", "url", rawURL, "err", err)
		}
	}
	return target, nil
}

func (d *Downloader) fromCache(rawURL string, destDir string, expectedSHA1 string) (string, bool) {
	if d.Cache == nil {
		return "", false
	}
	dataKey, nameKey := cacheKeys(rawURL)
	cached, ok := d.Cache.Get(dataKey)
	if !ok {
		return "", false
	}
	name, ok := d.Cache.GetString(nameKey)
	if !ok || name == "" || name != filepath.Base(name) {
		return "", false
	}
	if expectedSHA1 != "" {
		sum, err := fileSHA1(cached)
		if err != nil || !strings.EqualFold(sum, expectedSHA1) {
			d.logger().Debug("dropping stale cache entry", "url", rawURL)
			d.Cache.Delete(dataKey, nameKey)
			return "", false
		}
	}
	target := filepath.Join(destDir, name)
	info, err := os.Stat(cached)
	if err != nil {
		return "", false
	}
	if err := fsutil.CopyFile(cached, target, info.Mode().Perm()); err != nil {
		return "", false
	}
	d.logger().Debug("using cached download", "url", rawURL)
	return target, true
}

func verify(rawURL string, h hash.Hash, expected string) error {
	if expected == "" {
		return nil
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(actual, expected) {
		return &ChecksumError{URL: rawURL, Expected: expected, Actual: actual}
	}
	return nil
}

func fileSHA1(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// fileName picks the artifact name from the Content-Disposition header, or
// from the last segment of the URL path.
func fileName(rawURL string, disposition string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := filepath.Base(params["filename"]); name != "." && name != "/" && name != "" {
				return name
			}
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		base := path.Base(u.Path)
		if base != "." && base != "/" && base != "" {
			return base
		}
	}
	return "download"
}

type progressWriter struct {
	done   int64
	total  int64
	report func(int64, int64)
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.done += int64(len(p))
	if w.report != nil {
		w.report(w.done, w.total)
	}
	return len(p), nil
}
