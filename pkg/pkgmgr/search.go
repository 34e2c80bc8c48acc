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
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sahilm/fuzzy"
	"github.com/toitlang/embpkg/pkg/contentcache"
)

// SearchQuery restricts a library search. Empty fields match everything.
type SearchQuery struct {
	Name       string
	Authors    []string
	Frameworks []string
	Platforms  []string
}

// String returns the query in the syntax of the search index.
func (q SearchQuery) String() string {
	var parts []string
	add := func(key string, values ...string) {
		for _, v := range values {
			if v == "" || v == "*" {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s:%q", key, v))
		}
	}
	add("name", q.Name)
	add("author", q.Authors...)
	add("framework", q.Frameworks...)
	add("platform", q.Platforms...)
	return strings.Join(parts, " ")
}

type SearchItem struct {
	ID          int        `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Authors     StringList `json:"authors,omitempty" yaml:"authors,omitempty"`
	Frameworks  StringList `json:"frameworks,omitempty" yaml:"frameworks,omitempty"`
	Platforms   StringList `json:"platforms,omitempty" yaml:"platforms,omitempty"`
	Version     string     `json:"version,omitempty" yaml:"version,omitempty"`
}

// SearchResult is one page of results of the search index.
type SearchResult struct {
	Total   int          `json:"total"`
	Page    int          `json:"page"`
	PerPage int          `json:"perpage"`
	Items   []SearchItem `json:"items"`
}

// SearchIndex finds libraries in a registry.
type SearchIndex interface {
	Search(ctx context.Context, q SearchQuery) ([]SearchItem, error)
}

const (
	searchCacheTTL        = time.Hour
	defaultSearchMaxPages = 10
)

// HTTPSearchIndex queries a remote search endpoint with
// '<URL>?query=<query>&page=<n>'.
type HTTPSearchIndex struct {
	URL    string
	Client *http.Client
	// Cache, if set, keeps responses for an hour.
	Cache    *contentcache.Cache
	MaxPages int
}

func (s *HTTPSearchIndex) Search(ctx context.Context, q SearchQuery) ([]SearchItem, error) {
	maxPages := s.MaxPages
	if maxPages <= 0 {
		maxPages = defaultSearchMaxPages
	}
	var items []SearchItem
	for page := 1; page <= maxPages; page++ {
		result, err := s.page(ctx, q.String(), page)
		if err != nil {
			return nil, err
		}
		items = append(items, result.Items...)
		if len(result.Items) == 0 || result.PerPage <= 0 || page*result.PerPage >= result.Total {
			break
		}
	}
	return items, nil
}

func (s *HTTPSearchIndex) page(ctx context.Context, query string, page int) (*SearchResult, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("page", strconv.Itoa(page))
	u := s.URL + "?" + params.Encode()

	key := contentcache.KeyFromArgs(u, "search")
	var body []byte
	if s.Cache != nil {
		if content, ok := s.Cache.GetString(key); ok {
			body = []byte(content)
		}
	}
	if body == nil {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		client := s.Client
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("search '%s' returned %s", s.URL, resp.Status)
		}
		if body, err = io.ReadAll(resp.Body); err != nil {
			return nil, err
		}
		if s.Cache != nil {
			_ = s.Cache.SetString(key, string(body), searchCacheTTL)
		}
	}

	result := &SearchResult{}
	if err := json.Unmarshal(body, result); err != nil {
		return nil, fmt.Errorf("invalid search result from '%s': %w", s.URL, err)
	}
	return result, nil
}

// LocalSearchIndex searches the documents of the mirrors. Names must match
// exactly (ignoring case); the filters use the latest record of a package.
type LocalSearchIndex struct {
	Mirrors Mirrors
}

func (s *LocalSearchIndex) Search(ctx context.Context, q SearchQuery) ([]SearchItem, error) {
	var items []SearchItem
	err := s.each(ctx, func(name string, latest *VersionRecord) {
		if q.Name != "" && !strings.EqualFold(name, q.Name) {
			return
		}
		if !matchesAny(latest.Authors, q.Authors) ||
			!matchesAny(latest.Frameworks, q.Frameworks) ||
			!matchesAny(latest.Platforms, q.Platforms) {
			return
		}
		items = append(items, searchItem(name, latest))
	})
	return items, err
}

// Suggest returns up to limit packages whose names fuzzily match text,
// best matches first.
func (s *LocalSearchIndex) Suggest(ctx context.Context, text string, limit int) ([]SearchItem, error) {
	var names []string
	latest := map[string]*VersionRecord{}
	err := s.each(ctx, func(name string, record *VersionRecord) {
		names = append(names, name)
		latest[name] = record
	})
	if err != nil {
		return nil, err
	}
	var items []SearchItem
	for _, match := range fuzzy.Find(text, names) {
		if limit > 0 && len(items) >= limit {
			break
		}
		items = append(items, searchItem(match.Str, latest[match.Str]))
	}
	return items, nil
}

// each calls f with the latest record of every package. Packages listed by
// more than one mirror are reported for the first mirror only.
func (s *LocalSearchIndex) each(ctx context.Context, f func(name string, latest *VersionRecord)) error {
	seen := map[string]bool{}
	for _, mirror := range s.Mirrors.List {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc := s.Mirrors.Docs.Get(ctx, mirror)
		for _, name := range sortedNames(doc) {
			key := strings.ToLower(name)
			if seen[key] {
				continue
			}
			latest := MaxSatisfying(doc[name], "", nil)
			if latest == nil {
				continue
			}
			seen[key] = true
			f(name, latest)
		}
	}
	return nil
}

func searchItem(name string, r *VersionRecord) SearchItem {
	return SearchItem{
		ID:          r.ID,
		Name:        name,
		Description: r.Description,
		Authors:     r.Authors,
		Frameworks:  r.Frameworks,
		Platforms:   r.Platforms,
		Version:     r.Version,
	}
}

// matchesAny returns whether one of wanted is in values. Empty lists and
// '*' match everything.
func matchesAny(values []string, wanted []string) bool {
	if len(wanted) == 0 || len(values) == 0 {
		return true
	}
	for _, w := range wanted {
		if w == "*" {
			return true
		}
		for _, v := range values {
			if v == "*" || strings.EqualFold(v, w) {
				return true
			}
		}
	}
	return false
}
