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
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/toitlang/embpkg/pkg/archive"
	"github.com/toitlang/embpkg/pkg/fsutil"
	"github.com/toitlang/embpkg/pkg/vcs"
)

type SourceKind int

const (
	SourceRegistry SourceKind = iota
	SourceRegistryID
	SourceLocal
	SourceArchive
	SourceVCS
)

// SourceLocator says where a package comes from.
type SourceLocator struct {
	Kind SourceKind
	// Name is set for SourceRegistry.
	Name string
	// ID is set for SourceRegistryID.
	ID int
	// Path is set for SourceLocal.
	Path string
	// URL is set for SourceArchive and SourceVCS.
	URL string
	// VCS and Revision are set for SourceVCS.
	VCS      vcs.Kind
	Revision string
}

// IsRegistry returns whether the package must be looked up in the mirrors.
func (s *SourceLocator) IsRegistry() bool {
	return s == nil || s.Kind == SourceRegistry || s.Kind == SourceRegistryID
}

// String returns the canonical form of the source. For sources outside of
// the registry, this is the URL recorded in the installed package.
func (s *SourceLocator) String() string {
	if s == nil {
		return ""
	}
	switch s.Kind {
	case SourceRegistry:
		return s.Name
	case SourceRegistryID:
		return "id=" + strconv.Itoa(s.ID)
	case SourceLocal:
		return "file://" + filepath.ToSlash(s.Path)
	case SourceVCS:
		return s.vcsSource().String()
	default:
		return s.URL
	}
}

func (s *SourceLocator) vcsSource() vcs.Source {
	return vcs.Source{Kind: s.VCS, URL: s.URL, Revision: s.Revision}
}

// Reference is a parsed package reference.
type Reference struct {
	Name        string
	Requirement string
	// Source is nil for plain registry names.
	Source *SourceLocator
	// ID is the registry id, if the reference used the 'id=<n>' form.
	ID int
	// CustomName is true if the name was given explicitly with 'name=...'.
	CustomName bool
}

func (r Reference) String() string {
	str := r.Name
	if r.Source != nil && r.Source.Kind != SourceRegistry {
		if str != "" && r.CustomName {
			str += "="
		} else {
			str = ""
		}
		str += r.Source.String()
	}
	if r.Requirement != "" {
		str += "@" + r.Requirement
	}
	return str
}

// StatFunc returns whether a local path exists.
type StatFunc func(p string) bool

var (
	numeric         = regexp.MustCompile(`^\d+$`)
	ownerRepo       = regexp.MustCompile(`^[\w.\-]+/[\w.\-]+(#.+)?$`)
	overrideName    = regexp.MustCompile(`^[^/\\:=]+$`)
	hostedGitPrefix = regexp.MustCompile(`^https?://(www\.)?github\.com/`)
	mbedHosts       = []string{"developer.mbed.org", "os.mbed.com"}
)

// ParseReference parses a raw user string.
//
// requirement is used if not empty; otherwise a trailing '@<requirement>'
// is split off. stat checks whether local paths exist; nil uses the
// filesystem. ParseReference never fails: strings it doesn't recognize
// are registry names.
func ParseReference(raw string, requirement string, stat StatFunc) Reference {
	if stat == nil {
		stat = fsutil.Exists
	}
	text := strings.TrimSpace(raw)
	result := Reference{Requirement: strings.TrimSpace(requirement)}

	if result.Requirement == "" && strings.Contains(text, "@") &&
		(!strings.Contains(text, ":") || strings.LastIndex(text, "/") < strings.LastIndex(text, "@")) {
		idx := strings.LastIndex(text, "@")
		text, result.Requirement = strings.TrimSpace(text[:idx]), strings.TrimSpace(text[idx+1:])
	}

	if numeric.MatchString(text) {
		text = "id=" + text
	}

	if idx := strings.Index(text, "="); idx > 0 && !strings.HasPrefix(text, "id=") && overrideName.MatchString(text[:idx]) {
		result.Name = strings.TrimSpace(text[:idx])
		result.CustomName = true
		text = strings.TrimSpace(text[idx+1:])
	}

	if strings.HasPrefix(text, "id=") {
		if id, err := strconv.Atoi(text[3:]); err == nil && id > 0 {
			result.ID = id
			result.Source = &SourceLocator{Kind: SourceRegistryID, ID: id}
			return result
		}
	}

	src := classify(text, stat)
	if src == nil {
		if result.Name == "" {
			result.Name = text
		}
		return result
	}
	result.Source = src
	if result.Name == "" {
		result.Name = nameFromSource(src)
	}
	return result
}

func classify(text string, stat StatFunc) *SourceLocator {
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)
	withoutFragment := text
	if idx := strings.Index(text, "#"); idx >= 0 {
		withoutFragment = text[:idx]
	}

	fromVCS := func(raw string) *SourceLocator {
		s, err := vcs.ParseURL(raw)
		if err != nil {
			return nil
		}
		return &SourceLocator{Kind: SourceVCS, URL: s.URL, VCS: s.Kind, Revision: s.Revision}
	}

	switch {
	case strings.HasPrefix(lower, "git+"), strings.HasPrefix(lower, "hg+"), strings.HasPrefix(lower, "svn+"):
		return fromVCS(text)
	case hostedGitPrefix.MatchString(lower) && !archive.IsArchive(withoutFragment):
		return fromVCS("git+" + text)
	case strings.HasSuffix(withoutFragment, ".git"), strings.HasPrefix(text, "git@"):
		return fromVCS(text)
	case strings.Contains(text, "://") && containsAny(lower, mbedHosts):
		return fromVCS("hg+" + text)
	case strings.HasPrefix(lower, "file://"):
		return &SourceLocator{Kind: SourceLocal, Path: localPath(text[len("file://"):])}
	}

	if !strings.Contains(text, "://") {
		if strings.ContainsAny(text, `/\`) && stat(text) {
			return &SourceLocator{Kind: SourceLocal, Path: localPath(text)}
		}
		if ownerRepo.MatchString(text) {
			return fromVCS("git+https://github.com/" + text)
		}
		return nil
	}
	return &SourceLocator{Kind: SourceArchive, URL: text}
}

func containsAny(str string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(str, needle) {
			return true
		}
	}
	return false
}

func localPath(p string) string {
	p = filepath.FromSlash(p)
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// nameFromSource derives a package name from the last non-empty path
// segment of a source.
func nameFromSource(src *SourceLocator) string {
	var p string
	switch src.Kind {
	case SourceLocal:
		p = filepath.ToSlash(src.Path)
	default:
		p = src.URL
		if u, err := url.Parse(p); err == nil && u.Scheme != "" && u.Opaque == "" {
			p = u.Path
		} else if idx := strings.Index(p, ":"); idx >= 0 {
			// scp-like 'git@host:owner/repo.git'.
			p = p[idx+1:]
		}
	}
	p = strings.TrimRight(p, "/")
	if p == "" {
		return ""
	}
	name := path.Base(p)
	name = archive.TrimExtension(name)
	name = strings.TrimSuffix(name, ".git")
	return name
}
