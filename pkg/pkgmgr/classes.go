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

// PackageClass specializes the manager for one kind of package.
type PackageClass struct {
	Name string
	// ManifestNames are the manifest files of the class, in order of
	// preference.
	ManifestNames []string
	// SynthesizeManifest is the file written for packages without manifest.
	// If empty, a missing manifest is an error.
	SynthesizeManifest string
}

var (
	ClassLibrary = PackageClass{
		Name:               "library",
		ManifestNames:      []string{".library.json", "library.json", "library.properties", "module.json"},
		SynthesizeManifest: "library.json",
	}
	ClassPlatform = PackageClass{
		Name:          "platform",
		ManifestNames: []string{"platform.json"},
	}
	ClassTool = PackageClass{
		Name:          "tool",
		ManifestNames: []string{"package.json"},
	}
)

// ClassByName returns the class with the given name.
func ClassByName(name string) (PackageClass, bool) {
	for _, c := range []PackageClass{ClassLibrary, ClassPlatform, ClassTool} {
		if c.Name == name {
			return c, true
		}
	}
	return PackageClass{}, false
}
