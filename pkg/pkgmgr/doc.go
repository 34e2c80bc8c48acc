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

// Package pkgmgr acquires, installs and updates packages.
//
// Key concepts:
// * Package class: libraries, platforms and tools. All classes share one
//   Manager and only differ in the manifest files they recognize.
// * Reference: a user string like 'Foo@^1.2.0', 'id=42', 'owner/repo',
//   'git+https://host/repo#v1.0.0' or a local path, parsed into a name, a
//   requirement and an optional source.
// * Mirror: a document that lists the available versions of packages.
//   Mirrors are tried in order; the first one that can deliver a
//   satisfying version wins.
// * Store: the directory that contains the installed packages of one class.
//   Each package lives in '<name>' or '<name>_ID<id>'. Superseded versions
//   are kept as '<name>@<version>' backups.
// * Install transaction: fetch into a scratch directory inside the store,
//   find the manifest, resolve conflicts with installed packages, and
//   rename into place. The rename is the only step that touches the
//   canonical package directory.
// * Library dependencies: libraries declare dependencies that are resolved
//   through a search index and installed recursively.
package pkgmgr
