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

package download

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toitlang/embpkg/pkg/contentcache"
)

const payload = "package payload"

func sum(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

type testServer struct {
	*httptest.Server
	hits int32
}

func newTestServer(t *testing.T, handler http.HandlerFunc) *testServer {
	s := &testServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.hits, 1)
		handler(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func Test_Fetch(t *testing.T) {
	modified := time.Date(2020, 5, 17, 10, 0, 0, 0, time.UTC)
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pkg/lib-1.0.0.zip":
			w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
			w.Write([]byte(payload))
		case "/download":
			w.Header().Set("Content-Disposition", `attachment; filename="named.tar.gz"`)
			w.Write([]byte(payload))
		case "/short":
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)+10))
			w.Write([]byte(payload))
		default:
			http.NotFound(w, r)
		}
	})

	t.Run("URLName", func(t *testing.T) {
		d := &Downloader{}
		var lastDone int64
		d.Progress = func(done int64, total int64) { lastDone = done }
		p, err := d.Fetch(context.Background(), srv.URL+"/pkg/lib-1.0.0.zip", t.TempDir(), sum(payload))
		require.NoError(t, err)
		assert.Equal(t, "lib-1.0.0.zip", filepath.Base(p))
		assert.EqualValues(t, len(payload), lastDone)
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.True(t, info.ModTime().Equal(modified))
	})

	t.Run("ContentDisposition", func(t *testing.T) {
		d := &Downloader{}
		p, err := d.Fetch(context.Background(), srv.URL+"/download", t.TempDir(), "")
		require.NoError(t, err)
		assert.Equal(t, "named.tar.gz", filepath.Base(p))
	})

	t.Run("Checksum", func(t *testing.T) {
		d := &Downloader{}
		dir := t.TempDir()
		_, err := d.Fetch(context.Background(), srv.URL+"/pkg/lib-1.0.0.zip", dir, sum("other"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrChecksumMismatch))
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)

		// Checksums are compared case-insensitively.
		_, err = d.Fetch(context.Background(), srv.URL+"/pkg/lib-1.0.0.zip", dir, strings.ToUpper(sum(payload)))
		assert.NoError(t, err)
	})

	t.Run("SizeMismatch", func(t *testing.T) {
		d := &Downloader{}
		_, err := d.Fetch(context.Background(), srv.URL+"/short", t.TempDir(), "")
		require.Error(t, err)
	})

	t.Run("Status", func(t *testing.T) {
		d := &Downloader{}
		_, err := d.Fetch(context.Background(), srv.URL+"/missing.zip", t.TempDir(), "")
		var statusErr *StatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	})
}

func Test_FetchCached(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	})
	cache, err := contentcache.Open(t.TempDir())
	require.NoError(t, err)
	d := &Downloader{Cache: cache}

	url := srv.URL + "/pkg/lib.zip"
	p1, err := d.Fetch(context.Background(), url, t.TempDir(), "")
	require.NoError(t, err)
	p2, err := d.Fetch(context.Background(), url, t.TempDir(), sum(payload))
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&srv.hits))
	assert.Equal(t, filepath.Base(p1), filepath.Base(p2))
	data, err := os.ReadFile(p2)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))

	// A cached entry that doesn't match the expected checksum is refetched.
	_, err = d.Fetch(context.Background(), url, t.TempDir(), sum("different"))
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
	assert.EqualValues(t, 2, atomic.LoadInt32(&srv.hits))
}

func Test_FetchTooLargeForCache(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	})
	cache, err := contentcache.Open(t.TempDir())
	require.NoError(t, err)
	d := &Downloader{Cache: cache, MaxCacheSize: 3}

	url := srv.URL + "/big.zip"
	for i := 0; i < 2; i++ {
		_, err := d.Fetch(context.Background(), url, t.TempDir(), "")
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, atomic.LoadInt32(&srv.hits))
}

func Test_FileName(t *testing.T) {
	tests := [][]string{
		{"https://example.com/pkg/archive/main.zip", "", "main.zip"},
		{"https://example.com/a%20b.tar.gz", "", "a b.tar.gz"},
		{"https://example.com/", "", "download"},
		{"https://example.com/x", `attachment; filename="../evil.zip"`, "evil.zip"},
		{"https://example.com/x", "inline", "x"},
	}
	for _, test := range tests {
		assert.Equal(t, test[2], fileName(test[0], test[1]), test[0])
	}
}
