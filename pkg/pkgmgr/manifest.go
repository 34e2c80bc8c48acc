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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/magiconair/properties"
	"github.com/toitlang/embpkg/pkg/vcs"
)

// Dependency is a package a library depends on.
type Dependency struct {
	Name       string   `json:"name" yaml:"name"`
	Version    string   `json:"version,omitempty" yaml:"version,omitempty"`
	Authors    []string `json:"authors,omitempty" yaml:"authors,omitempty"`
	Frameworks []string `json:"frameworks,omitempty" yaml:"frameworks,omitempty"`
	Platforms  []string `json:"platforms,omitempty" yaml:"platforms,omitempty"`
}

// Manifest is the canonical description of an installed package.
type Manifest struct {
	Name         string       `json:"name" yaml:"name"`
	Version      string       `json:"version" yaml:"version"`
	ID           int          `json:"id,omitempty" yaml:"id,omitempty"`
	URL          string       `json:"url,omitempty" yaml:"url,omitempty"`
	Requirement  string       `json:"requirement,omitempty" yaml:"requirement,omitempty"`
	Description  string       `json:"description,omitempty" yaml:"description,omitempty"`
	Keywords     []string     `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Authors      []string     `json:"authors,omitempty" yaml:"authors,omitempty"`
	Frameworks   []string     `json:"frameworks,omitempty" yaml:"frameworks,omitempty"`
	Platforms    []string     `json:"platforms,omitempty" yaml:"platforms,omitempty"`
	System       []string     `json:"system,omitempty" yaml:"system,omitempty"`
	Repository   string       `json:"repository,omitempty" yaml:"repository,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// Dir is the directory the package is installed in.
	Dir string `json:"-" yaml:"dir,omitempty"`
	// VCS is set for packages that were exported from version control.
	VCS vcs.Kind `json:"-" yaml:"vcs,omitempty"`
}

type manifestFormat int

const (
	formatCanonical manifestFormat = iota
	formatProperties
	formatModule
)

func formatForFile(name string) manifestFormat {
	switch filepath.Base(name) {
	case "library.properties":
		return formatProperties
	case "module.json":
		return formatModule
	default:
		return formatCanonical
	}
}

// ParseManifestFile reads a manifest in any of the supported formats.
// The format is chosen by file name.
func ParseManifestFile(p string) (*Manifest, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	m, err := ParseManifest(filepath.Base(p), b)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest '%s': %w", p, err)
	}
	return m, nil
}

// ParseManifest parses the content b of the manifest file called name.
func ParseManifest(name string, b []byte) (*Manifest, error) {
	switch formatForFile(name) {
	case formatProperties:
		return parseProperties(b)
	case formatModule:
		return parseModuleJSON(b)
	default:
		return parseCanonical(b)
	}
}

func parseCanonical(b []byte) (*Manifest, error) {
	raw := map[string]interface{}{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	m := &Manifest{
		Name:         stringField(raw["name"]),
		Version:      stringField(raw["version"]),
		ID:           intField(raw["id"]),
		URL:          stringField(raw["url"]),
		Requirement:  stringField(raw["requirement"]),
		Description:  stringField(raw["description"]),
		Keywords:     listField(raw["keywords"]),
		Authors:      authorsField(raw["authors"]),
		Frameworks:   filterWildcard(listField(raw["frameworks"])),
		Platforms:    filterWildcard(listField(raw["platforms"])),
		System:       listField(raw["system"]),
		Repository:   repositoryField(raw["repository"]),
		Dependencies: normalizeDependencies(raw["dependencies"]),
	}
	if len(m.Authors) == 0 {
		m.Authors = authorsField(raw["author"])
	}
	return m, nil
}

var authorEmail = regexp.MustCompile(`\s*[<(][^>)]*[>)]\s*`)

func parseProperties(b []byte) (*Manifest, error) {
	// Property values are taken literally.
	loader := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	parsed, err := loader.LoadBytes(b)
	if err != nil {
		return nil, err
	}
	props := map[string]string{}
	for k, v := range parsed.Map() {
		props[k] = strings.TrimSpace(v)
	}
	if props["name"] == "" {
		return nil, fmt.Errorf("missing 'name' property")
	}

	m := &Manifest{
		Name:       props["name"],
		Version:    props["version"],
		Repository: props["url"],
		Frameworks: []string{"arduino"},
		Platforms:  filterWildcard(splitList(props["architectures"])),
	}
	description := props["sentence"]
	if p := props["paragraph"]; p != "" && !strings.HasPrefix(p, description) {
		description = strings.TrimSpace(description + " " + p)
	} else if p != "" {
		description = p
	}
	m.Description = description
	if category := props["category"]; category != "" {
		m.Keywords = []string{strings.ToLower(category)}
	}
	for _, author := range strings.Split(props["author"], ",") {
		if author = strings.TrimSpace(authorEmail.ReplaceAllString(author, " ")); author != "" {
			m.Authors = append(m.Authors, author)
		}
	}
	for _, dep := range splitList(props["depends"]) {
		d := Dependency{Name: dep}
		// 'Name (>=1.2.3)' carries a version.
		if open := strings.Index(dep, "("); open > 0 && strings.HasSuffix(dep, ")") {
			d.Name = strings.TrimSpace(dep[:open])
			d.Version = strings.ReplaceAll(dep[open+1:len(dep)-1], " ", "")
		}
		m.Dependencies = append(m.Dependencies, d)
	}
	return m, nil
}

func parseModuleJSON(b []byte) (*Manifest, error) {
	raw := map[string]interface{}{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	m := &Manifest{
		Name:         stringField(raw["name"]),
		Version:      stringField(raw["version"]),
		Description:  stringField(raw["description"]),
		Keywords:     listField(raw["keywords"]),
		Authors:      authorsField(raw["author"]),
		Repository:   repositoryField(raw["repository"]),
		Frameworks:   []string{"mbed"},
		Dependencies: normalizeDependencies(raw["dependencies"]),
	}
	if len(m.Authors) == 0 {
		m.Authors = authorsField(raw["authors"])
	}
	for i, author := range m.Authors {
		m.Authors[i] = strings.TrimSpace(authorEmail.ReplaceAllString(author, " "))
	}
	if m.Name == "" {
		return nil, fmt.Errorf("missing 'name' field")
	}
	return m, nil
}

func stringField(v interface{}) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return ""
}

func intField(v interface{}) int {
	switch x := v.(type) {
	case float64:
		return int(x)
	case string:
		n, _ := strconv.Atoi(x)
		return n
	}
	return 0
}

func listField(v interface{}) []string {
	switch x := v.(type) {
	case string:
		return splitList(x)
	case []interface{}:
		result := []string{}
		for _, e := range x {
			if str := stringField(e); str != "" {
				result = append(result, str)
			}
		}
		return result
	}
	return nil
}

func filterWildcard(list []string) []string {
	var result []string
	for _, e := range list {
		if e != "*" {
			result = append(result, e)
		}
	}
	return result
}

// authorsField accepts a string, an object with a 'name', or a list of
// either.
func authorsField(v interface{}) []string {
	switch x := v.(type) {
	case string:
		return splitList(x)
	case map[string]interface{}:
		if name := stringField(x["name"]); name != "" {
			return []string{name}
		}
	case []interface{}:
		var result []string
		for _, e := range x {
			result = append(result, authorsField(e)...)
		}
		return result
	}
	return nil
}

func repositoryField(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case map[string]interface{}:
		return stringField(x["url"])
	}
	return ""
}

// normalizeDependencies accepts a mapping from name to version, a list of
// dependency objects, or a list of names.
func normalizeDependencies(v interface{}) []Dependency {
	var result []Dependency
	switch x := v.(type) {
	case map[string]interface{}:
		names := make([]string, 0, len(x))
		for name := range x {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			d := Dependency{Name: name}
			switch value := x[name].(type) {
			case map[string]interface{}:
				d = dependencyFromObject(value)
				if d.Name == "" {
					d.Name = name
				}
			default:
				d.Version = stringField(value)
			}
			result = append(result, d)
		}
	case []interface{}:
		for _, e := range x {
			switch value := e.(type) {
			case string:
				if value = strings.TrimSpace(value); value != "" {
					result = append(result, Dependency{Name: value})
				}
			case map[string]interface{}:
				if d := dependencyFromObject(value); d.Name != "" {
					result = append(result, d)
				}
			}
		}
	case string:
		for _, name := range splitList(x) {
			result = append(result, Dependency{Name: name})
		}
	}
	return result
}

func dependencyFromObject(o map[string]interface{}) Dependency {
	d := Dependency{
		Name:       stringField(o["name"]),
		Version:    stringField(o["version"]),
		Authors:    authorsField(o["authors"]),
		Frameworks: filterWildcard(listField(o["frameworks"])),
		Platforms:  filterWildcard(listField(o["platforms"])),
	}
	if len(d.Authors) == 0 {
		d.Authors = authorsField(o["author"])
	}
	if d.Version == "*" {
		d.Version = ""
	}
	return d
}

// WriteManifest writes m as canonical JSON to p.
func WriteManifest(p string, m *Manifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, append(b, '\n'), 0644)
}

const (
	// PrivateManifestName is the file that records how a package was
	// installed. It lives one directory below the package root.
	PrivateManifestName = ".pkgmanager.json"
	// PrivateManifestDir holds the private manifest of packages that don't
	// come from version control.
	PrivateManifestDir = ".pkgmeta"
)

// privateManifest records installation details that the package's own
// manifest doesn't know about.
type privateManifest struct {
	Name        string `json:"name,omitempty"`
	Version     string `json:"version,omitempty"`
	ID          int    `json:"id,omitempty"`
	URL         string `json:"url,omitempty"`
	Requirement string `json:"requirement,omitempty"`
}

func (pm *privateManifest) isEmpty() bool {
	return *pm == privateManifest{}
}

func writePrivateManifest(dir string, pm *privateManifest) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(pm, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, PrivateManifestName), append(b, '\n'), 0644)
}

func readPrivateManifest(p string) (*privateManifest, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	pm := &privateManifest{}
	if err := json.Unmarshal(b, pm); err != nil {
		return nil, fmt.Errorf("failed to parse '%s': %w", p, err)
	}
	return pm, nil
}

// overlay applies the installation details to m.
func (pm *privateManifest) overlay(m *Manifest) {
	if pm.Name != "" {
		m.Name = pm.Name
	}
	if pm.Version != "" {
		m.Version = pm.Version
	}
	if pm.ID != 0 {
		m.ID = pm.ID
	}
	if pm.URL != "" {
		m.URL = pm.URL
	}
	if pm.Requirement != "" {
		m.Requirement = pm.Requirement
	}
}
