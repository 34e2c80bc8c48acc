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
	"runtime"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/hashicorp/go-version"
)

type rangeKind int

const (
	// A segment range means that the constraint accepts any digit for the
	// missing segments.
	// For example, version "1.2" accepts "1.2.3" or "1.2.9".
	segmentRange rangeKind = iota
	// A semver constraint accepts all versions that are semver compatible.
	semverRange
	// A tilde constraint accepts patch-level changes if a minor version is
	// given, and minor-level changes otherwise.
	tildeRange
)

// ParseRequirement parses a requirement string into constraints.
//
// Besides the operators of go-version ('>=1.2,<2', '!=1.3.0', '~>1.2'),
// it accepts '^1.2.3' (semver compatible), '~1.2.3' (patch updates),
// '1.2' and '1' (any missing segment), and '*' (anything).
// An empty or '*' requirement returns nil constraints.
func ParseRequirement(str string) (version.Constraints, error) {
	var result version.Constraints
	for _, p := range strings.Split(str, ",") {
		p = strings.TrimSpace(p)
		var cs version.Constraints
		var err error
		switch {
		case p == "" || p == "*" || p == "x":
			continue
		case strings.HasPrefix(p, "^"):
			cs, err = parseConstraintRange(strings.TrimSpace(strings.TrimPrefix(p, "^")), semverRange)
		case strings.HasPrefix(p, "~") && !strings.HasPrefix(p, "~>"):
			cs, err = parseConstraintRange(strings.TrimSpace(strings.TrimPrefix(p, "~")), tildeRange)
		case p[0] >= '0' && p[0] <= '9':
			cs, err = parseConstraintRange(p, segmentRange)
		default:
			cs, err = version.NewConstraint(p)
		}
		if err != nil {
			return nil, err
		}
		result = append(result, cs...)
	}
	return result, nil
}

func parseConstraintRange(vStr string, kind rangeKind) (version.Constraints, error) {
	v, err := version.NewVersion(vStr)
	if err != nil {
		return nil, err
	}
	segments := v.Segments()
	dots := strings.Count(strings.SplitN(vStr, "-", 2)[0], ".")
	upper := ""
	switch kind {
	case semverRange:
		reset := false
		for i, segment := range segments {
			if reset {
				segments[i] = 0
			} else if segment != 0 {
				segments[i] = segment + 1
				reset = true
			}
		}
		if !reset {
			// '^0.0.0' only accepts itself.
			return version.NewConstraint("=" + vStr)
		}
		strs := make([]string, len(segments))
		for i, segment := range segments {
			strs[i] = fmt.Sprint(segment)
		}
		upper = strings.Join(strs, ".")
	case tildeRange:
		if dots == 0 {
			upper = fmt.Sprintf("%d.0.0", segments[0]+1)
		} else {
			upper = fmt.Sprintf("%d.%d.0", segments[0], segments[1]+1)
		}
	default:
		if dots == 0 {
			upper = fmt.Sprintf("%d.0.0", segments[0]+1)
		} else if dots == 1 {
			upper = fmt.Sprintf("%d.%d.0", segments[0], segments[1]+1)
		} else {
			// Just use the version that was given as constraint.
			return version.NewConstraint(vStr)
		}
	}
	expandedConstraint := ">=" + vStr + ",<" + upper
	return version.NewConstraint(expandedConstraint)
}

// IsRequirementRange returns whether the requirement is a version range (as
// opposed to an exact legacy string like a branch name).
func IsRequirementRange(requirement string) bool {
	_, err := ParseRequirement(requirement)
	return err == nil
}

// Satisfies returns whether v fulfills requirement.
// Requirements that aren't ranges, or versions that aren't semantic
// versions, must match exactly.
func Satisfies(v string, requirement string) bool {
	if requirement == "" || requirement == "*" {
		return true
	}
	if v == requirement {
		return true
	}
	constraints, err := ParseRequirement(requirement)
	if err != nil {
		return false
	}
	parsed, err := version.NewVersion(v)
	if err != nil {
		return false
	}
	return constraints.Check(parsed)
}

// CompareVersions compares two version strings.
// Semantic versions compare semantically and sort after everything else.
// Other strings compare lexicographically.
func CompareVersions(a string, b string) int {
	va, errA := version.NewVersion(a)
	vb, errB := version.NewVersion(b)
	switch {
	case errA == nil && errB == nil:
		return va.Compare(vb)
	case errA == nil:
		return 1
	case errB == nil:
		return -1
	}
	return strings.Compare(a, b)
}

// StringList is a list of strings that can be written as a single
// (comma separated) string in JSON and YAML documents.
type StringList []string

func splitList(str string) []string {
	result := []string{}
	for _, part := range strings.Split(str, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

func (l *StringList) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*l = splitList(str)
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*l = list
	return nil
}

func (l *StringList) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err == nil {
		*l = splitList(str)
		return nil
	}
	var list []string
	if err := unmarshal(&list); err != nil {
		return err
	}
	*l = list
	return nil
}

// VersionRecord is one available version of a package in a mirror.
type VersionRecord struct {
	Name    string     `json:"name,omitempty" yaml:"name,omitempty"`
	ID      int        `json:"id,omitempty" yaml:"id,omitempty"`
	Version string     `json:"version" yaml:"version"`
	URL     string     `json:"url" yaml:"url"`
	SHA1    string     `json:"sha1,omitempty" yaml:"sha1,omitempty"`
	System  StringList `json:"system,omitempty" yaml:"system,omitempty"`
	// Date is the release date (RFC 3339 or 'YYYY-MM-DD HH:MM:SS').
	Date        string     `json:"date,omitempty" yaml:"date,omitempty"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Authors     StringList `json:"authors,omitempty" yaml:"authors,omitempty"`
	Frameworks  StringList `json:"frameworks,omitempty" yaml:"frameworks,omitempty"`
	Platforms   StringList `json:"platforms,omitempty" yaml:"platforms,omitempty"`
}

func (r VersionRecord) date() time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, r.Date); err == nil {
			return t
		}
	}
	return time.Time{}
}

// FilterSystem returns the records that can be installed on host.
func FilterSystem(records []VersionRecord, host HostSystem) []VersionRecord {
	result := []VersionRecord{}
	for _, r := range records {
		if host.Supports(r.System) {
			result = append(result, r)
		}
	}
	return result
}

// MaxSatisfying picks the best record for requirement.
//
// If host is given, records restricted to other systems are ignored.
// A range requirement selects the highest semantic version in range.
// Any other non-empty requirement selects the first record whose version
// string is equal to it. Without requirement the highest semantic version
// wins; if no record has one, the most recent record by date.
// Returns nil if nothing qualifies.
func MaxSatisfying(records []VersionRecord, requirement string, host *HostSystem) *VersionRecord {
	candidates := records
	if host != nil {
		candidates = FilterSystem(records, *host)
	}
	if requirement == "*" {
		requirement = ""
	}

	var constraints version.Constraints
	if requirement != "" {
		var err error
		constraints, err = ParseRequirement(requirement)
		if err != nil {
			for _, r := range candidates {
				if r.Version == requirement {
					result := r
					return &result
				}
			}
			return nil
		}
	}

	var best *VersionRecord
	var bestVersion *version.Version
	for i := range candidates {
		v, err := version.NewVersion(candidates[i].Version)
		if err != nil {
			continue
		}
		if constraints != nil && !constraints.Check(v) {
			continue
		}
		if best == nil || v.GreaterThan(bestVersion) {
			best = &candidates[i]
			bestVersion = v
		}
	}
	if best == nil && requirement == "" {
		var bestDate time.Time
		for i := range candidates {
			d := candidates[i].date()
			if best == nil || d.After(bestDate) {
				best = &candidates[i]
				bestDate = d
			}
		}
	}
	if best == nil {
		return nil
	}
	result := *best
	return &result
}

// HostSystem identifies an operating system and machine type, like
// 'linux_x86_64' or 'windows_amd64'.
type HostSystem struct {
	OS   string
	Arch string
}

// CurrentHostSystem returns the system this program runs on.
func CurrentHostSystem() HostSystem {
	return HostSystem{
		OS:   runtime.GOOS,
		Arch: machine(runtime.GOOS, runtime.GOARCH),
	}
}

func machine(goos string, goarch string) string {
	if goos == "windows" {
		if goarch == "386" {
			return "x86"
		}
		return goarch
	}
	switch goarch {
	case "amd64":
		return "x86_64"
	case "386":
		return "i686"
	case "arm":
		return "armv7l"
	case "arm64":
		if goos == "linux" {
			return "aarch64"
		}
		return "arm64"
	}
	return goarch
}

// ParseHostSystem parses a system string like 'linux_x86_64'.
func ParseHostSystem(str string) (HostSystem, error) {
	idx := strings.Index(str, "_")
	if idx <= 0 || idx == len(str)-1 {
		return HostSystem{}, fmt.Errorf("invalid system '%s'", str)
	}
	return HostSystem{OS: str[:idx], Arch: str[idx+1:]}, nil
}

func (h HostSystem) String() string {
	return h.OS + "_" + h.Arch
}

// Supports returns whether a package restricted to systems can run on h.
// An empty list or '*' allows every system. Entries may be glob patterns,
// like 'linux_*'.
func (h HostSystem) Supports(systems []string) bool {
	if len(systems) == 0 {
		return true
	}
	str := h.String()
	for _, system := range systems {
		if system == "*" || system == str {
			return true
		}
		g, err := glob.Compile(system)
		if err == nil && g.Match(str) {
			return true
		}
	}
	return false
}
