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
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/toitlang/embpkg/pkg/set"
)

// AmbiguityPolicy decides what happens when a dependency search returns
// more than one library and nobody can be asked.
type AmbiguityPolicy int

const (
	// PickFirst installs the first result and warns.
	PickFirst AmbiguityPolicy = iota
	// FailClosed fails with ErrLibraryAmbiguous.
	FailClosed
)

func (p AmbiguityPolicy) String() string {
	if p == FailClosed {
		return "fail"
	}
	return "first"
}

func ParseAmbiguityPolicy(str string) (AmbiguityPolicy, error) {
	switch strings.ToLower(str) {
	case "", "first", "pick-first":
		return PickFirst, nil
	case "fail", "fail-closed":
		return FailClosed, nil
	}
	return PickFirst, fmt.Errorf("unknown ambiguity policy '%s'", str)
}

// WithSearchIndex sets the index used to find dependencies.
// Defaults to a LocalSearchIndex over the mirrors.
func WithSearchIndex(s SearchIndex) Option {
	return optionFunc(func(o *options) { o.search = s })
}

// WithInteractive makes ambiguous dependency searches prompt through the UI.
func WithInteractive(interactive bool) Option {
	return optionFunc(func(o *options) { o.interactive = interactive })
}

func WithAmbiguityPolicy(p AmbiguityPolicy) Option {
	return optionFunc(func(o *options) { o.ambiguity = p })
}

// LibraryManager is the manager for libraries. In addition to the
// operations of Manager, it installs the dependencies of libraries.
type LibraryManager struct {
	*Manager
	search      SearchIndex
	interactive bool
	ambiguity   AmbiguityPolicy
}

func NewLibraryManager(opts ...Option) (*LibraryManager, error) {
	o := &options{}
	for _, opt := range opts {
		opt.applyOption(o)
	}
	m, err := newManager(ClassLibrary, o)
	if err != nil {
		return nil, err
	}
	search := o.search
	if search == nil {
		search = &LocalSearchIndex{Mirrors: m.mirrors}
	}
	return &LibraryManager{
		Manager:     m,
		search:      search,
		interactive: o.interactive,
		ambiguity:   o.ambiguity,
	}, nil
}

// depState tracks the libraries of one install.
type depState struct {
	inProgress set.String
	done       set.String
}

func libraryKey(m *Manifest) string {
	key := strings.ToLower(m.Name)
	if m.ID != 0 {
		key += "#" + strconv.Itoa(m.ID)
	}
	return key
}

// Install installs the library and, transitively, its dependencies.
// Failed dependencies don't undo the install: the result is returned
// together with the joined dependency errors.
func (lm *LibraryManager) Install(ctx context.Context, raw string, requirement string) (*InstallResult, error) {
	return lm.installWithDependencies(ctx, ParseReference(raw, requirement, nil), &depState{})
}

func (lm *LibraryManager) installWithDependencies(ctx context.Context, ref Reference, state *depState) (*InstallResult, error) {
	result, err := lm.Manager.install(ctx, ref)
	if err != nil {
		return nil, err
	}
	key := libraryKey(result.Manifest)
	if state.done.Contains(key) {
		return result, nil
	}
	if state.inProgress.Contains(key) {
		cause := fmt.Errorf("through %s", strings.Join(state.inProgress.Sorted(), ", "))
		lm.ui.ReportWarning("%v", newError(ErrDependencyCycle, result.Manifest.Name, ref.Requirement, cause))
		return result, nil
	}

	state.inProgress.Add(key)
	var errs []error
	for _, dep := range result.Manifest.Dependencies {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := lm.installDependency(ctx, dep, state); err != nil {
			errs = append(errs, err)
		}
	}
	state.inProgress.Remove(key)
	state.done.Add(key)
	return result, errors.Join(errs...)
}

func (lm *LibraryManager) installDependency(ctx context.Context, dep Dependency, state *depState) error {
	if dep.Name == "" {
		return nil
	}
	var ref Reference
	if strings.ContainsAny(dep.Version, `/\:@`) {
		// The version is a source.
		ref = ParseReference(dep.Name+"="+dep.Version, "", nil)
	} else {
		query := SearchQuery{
			Name:       dep.Name,
			Authors:    dep.Authors,
			Frameworks: dep.Frameworks,
			Platforms:  dep.Platforms,
		}
		installed, err := lm.findInstalled(query, dep.Version)
		if err != nil {
			return err
		}
		if installed != nil {
			return nil
		}
		item, err := lm.searchLibrary(ctx, query, dep.Version)
		if err != nil {
			return err
		}
		ref = Reference{Name: item.Name, Requirement: dep.Version}
		if item.ID != 0 {
			ref.ID = item.ID
			ref.Source = &SourceLocator{Kind: SourceRegistryID, ID: item.ID}
		}
	}
	_, err := lm.installWithDependencies(ctx, ref, state)
	return err
}

// findInstalled returns an installed library matching the query.
func (lm *LibraryManager) findInstalled(q SearchQuery, requirement string) (*Manifest, error) {
	installed, err := lm.Installed()
	if err != nil {
		return nil, err
	}
	for _, m := range installed {
		if strings.EqualFold(m.Name, q.Name) &&
			matchesAny(m.Authors, q.Authors) &&
			matchesAny(m.Frameworks, q.Frameworks) &&
			matchesAny(m.Platforms, q.Platforms) &&
			Satisfies(m.Version, requirement) {
			return m, nil
		}
	}
	return nil, nil
}

func (lm *LibraryManager) searchLibrary(ctx context.Context, q SearchQuery, requirement string) (*SearchItem, error) {
	items, err := lm.search.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	switch {
	case len(items) == 0:
		e := newError(ErrLibraryNotFound, q.String(), requirement, lm.suggestions(ctx, q.Name))
		lm.ui.ReportWarning("%v", e)
		return nil, e
	case len(items) == 1:
		return &items[0], nil
	}

	if lm.interactive {
		options := make([]string, len(items))
		for i, item := range items {
			options[i] = describeItem(item)
		}
		idx, err := lm.ui.Choose(fmt.Sprintf("Several libraries match %s:", q), options)
		if err != nil {
			return nil, err
		}
		return &items[idx], nil
	}
	if lm.ambiguity == FailClosed {
		names := make([]string, len(items))
		for i, item := range items {
			names[i] = describeItem(item)
		}
		return nil, newError(ErrLibraryAmbiguous, q.String(), requirement,
			fmt.Errorf("candidates: %s", strings.Join(names, "; ")))
	}
	lm.ui.ReportWarning("Several libraries match %s; installing %s", q, describeItem(items[0]))
	return &items[0], nil
}

// suggestions returns an error listing similarly named libraries, or nil.
func (lm *LibraryManager) suggestions(ctx context.Context, name string) error {
	local, ok := lm.search.(*LocalSearchIndex)
	if !ok || name == "" {
		return nil
	}
	items, err := local.Suggest(ctx, name, 3)
	if err != nil || len(items) == 0 {
		return nil
	}
	names := make([]string, len(items))
	for i, item := range items {
		names[i] = item.Name
	}
	return fmt.Errorf("did you mean %s?", strings.Join(names, ", "))
}

func describeItem(item SearchItem) string {
	str := item.Name
	if item.ID != 0 {
		str += fmt.Sprintf(" #ID: %d", item.ID)
	}
	if len(item.Authors) > 0 {
		str += " by " + strings.Join(item.Authors, ", ")
	}
	if item.Description != "" {
		str += " - " + item.Description
	}
	return str
}
