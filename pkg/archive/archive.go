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

// Package archive extracts zip and tar based archives.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/toitlang/embpkg/pkg/fsutil"
	"github.com/ulikunitz/xz"
)

// ErrUnsupportedType is the sentinel for archives that can't be unpacked.
var ErrUnsupportedType = errors.New("unsupported archive type")

type UnsupportedTypeError struct {
	Path string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported archive type: '%s'", filepath.Base(e.Path))
}

func (e *UnsupportedTypeError) Unwrap() error { return ErrUnsupportedType }

type format int

const (
	formatUnknown format = iota
	formatZip
	formatTar
	formatTarGz
	formatTarBz2
	formatTarXz
)

var extensions = []struct {
	suffix string
	format format
}{
	{".zip", formatZip},
	{".tar.gz", formatTarGz},
	{".tgz", formatTarGz},
	{".tar.bz2", formatTarBz2},
	{".tbz2", formatTarBz2},
	{".tar.xz", formatTarXz},
	{".txz", formatTarXz},
	{".tar", formatTar},
}

// IsArchive returns whether the name has an extension Unpack handles.
func IsArchive(name string) bool {
	return formatFromName(name) != formatUnknown
}

// TrimExtension removes a known archive extension from name.
func TrimExtension(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, ext.suffix) {
			return name[:len(name)-len(ext.suffix)]
		}
	}
	return name
}

func formatFromName(name string) format {
	lower := strings.ToLower(name)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, ext.suffix) {
			return ext.format
		}
	}
	return formatUnknown
}

func sniff(p string) format {
	f, err := os.Open(p)
	if err != nil {
		return formatUnknown
	}
	defer f.Close()
	header := make([]byte, 512)
	n, _ := io.ReadFull(f, header)
	header = header[:n]
	switch {
	case bytes.HasPrefix(header, []byte("PK\x03\x04")), bytes.HasPrefix(header, []byte("PK\x05\x06")):
		return formatZip
	case bytes.HasPrefix(header, []byte{0x1f, 0x8b}):
		return formatTarGz
	case bytes.HasPrefix(header, []byte("BZh")):
		return formatTarBz2
	case bytes.HasPrefix(header, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}):
		return formatTarXz
	case len(header) >= 262 && string(header[257:262]) == "ustar":
		return formatTar
	}
	return formatUnknown
}

// Unpack extracts archivePath into destDir.
// The format is chosen by extension, falling back to the magic bytes of the
// file. Permission bits and modification times of the entries are restored.
func Unpack(archivePath string, destDir string) error {
	f := formatFromName(archivePath)
	if f == formatUnknown {
		f = sniff(archivePath)
	}
	if f == formatUnknown {
		return &UnsupportedTypeError{Path: archivePath}
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}
	u := &unpacker{dest: destDir}
	var err error
	if f == formatZip {
		err = u.unzip(archivePath)
	} else {
		err = u.untar(archivePath, f)
	}
	if err != nil {
		return err
	}
	return u.restoreDirTimes()
}

type unpacker struct {
	dest string
	// Directory times are restored at the end, since extracting files
	// into a directory updates its modification time.
	dirTimes []dirTime
}

type dirTime struct {
	path  string
	mtime time.Time
}

func (u *unpacker) target(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	p := filepath.Join(u.dest, filepath.FromSlash(name))
	if !fsutil.Within(u.dest, p) {
		return "", fmt.Errorf("archive entry '%s' is outside of the target directory", name)
	}
	return p, nil
}

func (u *unpacker) writeFile(p string, r io.Reader, mode os.FileMode, mtime time.Time) error {
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0644
	}
	out, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, r)
	if e := out.Close(); err == nil {
		err = e
	}
	if err != nil {
		return err
	}
	// The umask applies to OpenFile.
	if err := os.Chmod(p, mode); err != nil {
		return err
	}
	return setTime(p, mtime)
}

func (u *unpacker) mkdir(p string, mode os.FileMode, mtime time.Time) error {
	if mode == 0 {
		mode = 0755
	}
	// Directories must stay writable and traversable while extracting.
	if err := os.MkdirAll(p, mode|0700); err != nil {
		return err
	}
	u.dirTimes = append(u.dirTimes, dirTime{path: p, mtime: mtime})
	return nil
}

func (u *unpacker) restoreDirTimes() error {
	for i := len(u.dirTimes) - 1; i >= 0; i-- {
		if err := setTime(u.dirTimes[i].path, u.dirTimes[i].mtime); err != nil {
			return err
		}
	}
	return nil
}

func setTime(p string, mtime time.Time) error {
	if mtime.IsZero() {
		return nil
	}
	return os.Chtimes(p, mtime, mtime)
}

func (u *unpacker) unzip(archivePath string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()
	for _, f := range r.File {
		p, err := u.target(f.Name)
		if err != nil {
			return err
		}
		info := f.FileInfo()
		switch {
		case info.IsDir():
			err = u.mkdir(p, info.Mode().Perm(), f.Modified)
		case info.Mode()&os.ModeSymlink != 0:
			err = u.zipSymlink(f, p)
		default:
			err = u.zipFile(f, p)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (u *unpacker) zipFile(f *zip.File, p string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return u.writeFile(p, rc, f.Mode().Perm(), f.Modified)
}

func (u *unpacker) zipSymlink(f *zip.File, p string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	link, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	return u.symlink(string(link), p)
}

func (u *unpacker) symlink(link string, p string) error {
	resolved := link
	if !filepath.IsAbs(link) {
		resolved = filepath.Join(filepath.Dir(p), link)
	}
	if !fsutil.Within(u.dest, resolved) {
		return fmt.Errorf("symlink '%s' points outside of the target directory", link)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	os.Remove(p)
	return os.Symlink(link, p)
}

func (u *unpacker) untar(archivePath string, f format) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer file.Close()

	var r io.Reader = bufio.NewReader(file)
	switch f {
	case formatTarGz:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return err
		}
		defer gz.Close()
		r = gz
	case formatTarBz2:
		r = bzip2.NewReader(r)
	case formatTarXz:
		xzr, err := xz.NewReader(r)
		if err != nil {
			return err
		}
		r = xzr
	}

	tr := tar.NewReader(r)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		// Global pax headers carry no content.
		if h.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		p, err := u.target(h.Name)
		if err != nil {
			return err
		}
		mode := os.FileMode(h.Mode).Perm()
		switch h.Typeflag {
		case tar.TypeDir:
			err = u.mkdir(p, mode, h.ModTime)
		case tar.TypeReg:
			err = u.writeFile(p, tr, mode, h.ModTime)
		case tar.TypeSymlink:
			err = u.symlink(h.Linkname, p)
		case tar.TypeLink:
			var src string
			src, err = u.target(h.Linkname)
			if err == nil {
				err = fsutil.CopyFile(src, p, mode)
			}
		default:
			// Devices and fifos are skipped.
		}
		if err != nil {
			return err
		}
	}
}
