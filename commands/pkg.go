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

package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/toitlang/embpkg/config"
	"github.com/toitlang/embpkg/pkg/contentcache"
	"github.com/toitlang/embpkg/pkg/download"
	"github.com/toitlang/embpkg/pkg/pkgmgr"
	"github.com/toitlang/embpkg/pkg/set"
	"gopkg.in/yaml.v2"
)

type ConfigStore interface {
	Load(ctx context.Context) (*Config, error)
	Store(ctx context.Context, cfg *Config) error
}

type Config struct {
	HomeDir  string
	CacheDir string

	// Mirrors maps a package class name to its mirror locations.
	// A class must be absent if it is not set in the configuration.
	// Note that viper changes empty lists to `nil` so an explicitly
	// empty list must be stored as non-nil empty slice.
	Mirrors map[string][]string

	SearchURL    string
	CacheTTL     time.Duration
	MirrorTTL    time.Duration
	CacheMaxSize int64
	Interactive  bool
	Ambiguity    string
}

func (h *pkgHandler) getMirrorsOrDefault(class pkgmgr.PackageClass) []string {
	if mirrors, ok := h.cfg.Mirrors[class.Name]; ok {
		return mirrors
	}
	return nil
}

func (h *pkgHandler) saveMirrors(ctx context.Context, class pkgmgr.PackageClass, mirrors []string) error {
	if h.cfg.Mirrors == nil {
		h.cfg.Mirrors = map[string][]string{}
	}
	if mirrors == nil {
		mirrors = []string{}
	}
	h.cfg.Mirrors[class.Name] = mirrors
	return h.saveConfigs(ctx)
}

func (h *pkgHandler) saveConfigs(ctx context.Context) error {
	return h.cfgStore.Store(ctx, h.cfg)
}

type CobraCommand func(cmd *cobra.Command, args []string)
type CobraErrorCommand func(cmd *cobra.Command, args []string) error
type Run func(CobraErrorCommand) CobraCommand

// ClassCommand is a handler that operates on the store of one package class.
type ClassCommand func(class pkgmgr.PackageClass, cmd *cobra.Command, args []string) error

func (h *pkgHandler) buildCache() (*contentcache.Cache, error) {
	return contentcache.Open(h.cfg.CacheDir)
}

func (h *pkgHandler) buildMirrors(class pkgmgr.PackageClass, cache *contentcache.Cache) pkgmgr.Mirrors {
	result := pkgmgr.Mirrors{Docs: h.docs}
	for _, location := range h.getMirrorsOrDefault(class) {
		result.List = append(result.List, pkgmgr.NewMirror(location, h.client, cache, h.cfg.MirrorTTL))
	}
	return result
}

// downloadProgress logs every tenth of a download, or every MiB when the
// size is unknown.
func downloadProgress(logger *log.Logger) func(done int64, total int64) {
	var last int64
	return func(done int64, total int64) {
		step := total / 10
		if total <= 0 {
			step = 1 << 20
		}
		if done < last {
			// A new download started.
			last = 0
		}
		if done-last < step && done != total {
			return
		}
		last = done
		if total > 0 {
			logger.Debug("downloading", "done", done, "total", total)
		} else {
			logger.Debug("downloading", "done", done)
		}
	}
}

func (h *pkgHandler) buildOptions(cmd *cobra.Command, class pkgmgr.PackageClass) ([]pkgmgr.Option, pkgmgr.Mirrors, error) {
	storeDir, ok := config.StorePath(h.cfg.HomeDir, class.Name)
	if !ok {
		return nil, pkgmgr.Mirrors{}, fmt.Errorf("unknown package class '%s'", class.Name)
	}
	cache, err := h.buildCache()
	if err != nil {
		return nil, pkgmgr.Mirrors{}, err
	}
	mirrors := h.buildMirrors(class, cache)
	options := []pkgmgr.Option{
		pkgmgr.WithStoreDir(storeDir),
		pkgmgr.WithMirrors(mirrors.List...),
		pkgmgr.WithMirrorDocuments(h.docs),
		pkgmgr.WithUI(h.ui),
		pkgmgr.WithLogger(h.logger),
		pkgmgr.WithDownloader(&download.Downloader{
			Client:       h.client,
			Cache:        cache,
			TTL:          h.cfg.CacheTTL,
			MaxCacheSize: h.cfg.CacheMaxSize,
			Progress:     downloadProgress(h.logger),
			Logger:       h.logger,
		}),
	}

	system, err := cmd.Flags().GetString("system")
	if err != nil {
		return nil, pkgmgr.Mirrors{}, err
	}
	if system != "" {
		host, err := pkgmgr.ParseHostSystem(system)
		if err != nil {
			return nil, pkgmgr.Mirrors{}, err
		}
		options = append(options, pkgmgr.WithHost(host))
	}
	return options, mirrors, nil
}

func (h *pkgHandler) buildManager(cmd *cobra.Command, class pkgmgr.PackageClass) (*pkgmgr.Manager, error) {
	options, _, err := h.buildOptions(cmd, class)
	if err != nil {
		return nil, err
	}
	return pkgmgr.NewManager(class, options...)
}

func (h *pkgHandler) buildLibraryManager(cmd *cobra.Command) (*pkgmgr.LibraryManager, error) {
	options, mirrors, err := h.buildOptions(cmd, pkgmgr.ClassLibrary)
	if err != nil {
		return nil, err
	}
	ambiguity := h.cfg.Ambiguity
	if cmd.Flags().Lookup("ambiguity") != nil && cmd.Flags().Changed("ambiguity") {
		if ambiguity, err = cmd.Flags().GetString("ambiguity"); err != nil {
			return nil, err
		}
	}
	policy, err := pkgmgr.ParseAmbiguityPolicy(ambiguity)
	if err != nil {
		return nil, err
	}
	options = append(options,
		pkgmgr.WithSearchIndex(h.buildSearchIndex(pkgmgr.ClassLibrary, mirrors)),
		pkgmgr.WithInteractive(h.cfg.Interactive),
		pkgmgr.WithAmbiguityPolicy(policy))
	return pkgmgr.NewLibraryManager(options...)
}

func (h *pkgHandler) buildSearchIndex(class pkgmgr.PackageClass, mirrors pkgmgr.Mirrors) pkgmgr.SearchIndex {
	if class.Name == pkgmgr.ClassLibrary.Name && h.cfg.SearchURL != "" {
		cache, err := h.buildCache()
		if err != nil {
			h.logger.Warn("search responses won't be cached", "err", err)
			cache = nil
		}
		return &pkgmgr.HTTPSearchIndex{URL: h.cfg.SearchURL, Client: h.client, Cache: cache}
	}
	return &pkgmgr.LocalSearchIndex{Mirrors: mirrors}
}

type pkgHandler struct {
	cfg      *Config
	cfgStore ConfigStore
	ui       pkgmgr.UI
	logger   *log.Logger
	client   *http.Client
	// docs is shared by all managers of one invocation, so every mirror
	// is fetched at most once.
	docs *pkgmgr.MirrorDocuments
}

// Pkg returns the package commands: one command per package class and the
// 'cache' command.
func Pkg(run Run, configStore ConfigStore, ui pkgmgr.UI, logger *log.Logger) []*cobra.Command {
	if ui == nil {
		ui = pkgmgrUI
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}

	handler := &pkgHandler{
		cfgStore: configStore,
		ui:       ui,
		logger:   logger,
		client:   http.DefaultClient,
		docs:     pkgmgr.NewMirrorDocuments(logger),
	}

	// 1. Loads the config before invoking the command.
	// 2. Intercepts any error and checks if it is an already-reported error.
	//    If it is, replaces it with a silent error.
	//    Otherwise reports it and replaces it with a silent error carrying
	//    the exit code of the error.
	// 3. Wraps the call into the given 'run' function.
	errorCfgRun := func(f CobraErrorCommand) CobraCommand {
		return run(func(cmd *cobra.Command, args []string) error {
			if handler.cfg == nil {
				cfg, err := handler.cfgStore.Load(cmd.Context())
				if err != nil {
					return err
				}
				handler.cfg = cfg
			}

			err := f(cmd, args)

			if err == nil {
				return nil
			}
			if pkgmgr.IsErrAlreadyReported(err) {
				return newExitError(1)
			}
			if _, ok := err.(*exitError); ok {
				return err
			}
			handler.ui.ReportError("%s", ErrorMessage(err))
			return newExitError(ExitCode(err))
		})
	}
	classRun := func(class pkgmgr.PackageClass, f ClassCommand) CobraCommand {
		return errorCfgRun(func(cmd *cobra.Command, args []string) error {
			return f(class, cmd, args)
		})
	}

	var result []*cobra.Command
	for _, entry := range []struct {
		class   pkgmgr.PackageClass
		use     string
		aliases []string
	}{
		{pkgmgr.ClassLibrary, "lib", []string{"library"}},
		{pkgmgr.ClassPlatform, "platform", nil},
		{pkgmgr.ClassTool, "tool", []string{"package"}},
	} {
		result = append(result, classCommands(entry.class, entry.use, entry.aliases, handler, classRun))
	}

	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manages the content cache",
	}
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "clean",
		Short: "Removes all downloaded content from the cache",
		Long: `Removes all downloaded content from the cache.

Installed packages are not affected. Archives and mirror documents are
downloaded again when they are needed.`,
		Run:  errorCfgRun(handler.cacheClean),
		Args: cobra.NoArgs,
	})
	result = append(result, cacheCmd)
	return result
}

func classCommands(class pkgmgr.PackageClass, use string, aliases []string, handler *pkgHandler,
	classRun func(pkgmgr.PackageClass, ClassCommand) CobraCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:     use,
		Aliases: aliases,
		Short:   fmt.Sprintf("Manages %s packages", class.Name),
	}
	cmd.PersistentFlags().String("system", "", "Override the host system (for example 'linux_x86_64')")

	installCmd := &cobra.Command{
		Use:   "install <package> [<requirement>]",
		Short: fmt.Sprintf("Installs a %s package", class.Name),
		Long: `Installs a package into the store.

The 'package' is looked up in the configured mirrors unless it is a
source: a URL of an archive, a VCS URL, a local directory or archive, or
'id=<n>' for a registry id.

The 'package' may be suffixed by a requirement with a '@' separating the
package and the requirement, like 'foo@^1.2.0'. A requirement given as
second argument takes precedence.

If the '--name' argument is provided, the package is installed under that
name instead of the name in its manifest.`,
		Example: fmt.Sprintf(`  # Install the highest version of 'foo' listed by a mirror.
  embpkg %[1]s install foo

  # Install the highest 1.x version.
  embpkg %[1]s install foo@^1.0.0
  embpkg %[1]s install foo '>=1.0.0,<2.0.0'

  # Install from an archive or a repository.
  embpkg %[1]s install https://example.com/foo-1.2.0.zip
  embpkg %[1]s install https://github.com/acme/foo.git#v1.2.0

  # Install a local directory under another name.
  embpkg %[1]s install --local ../foo --name=foo-dev
`, use),
		Run:  classRun(class, handler.pkgInstall),
		Args: cobra.RangeArgs(1, 2),
	}
	installCmd.Flags().Bool("local", false, "Treat package argument as local path")
	installCmd.Flags().String("name", "", "The name the package is installed with")
	if class.Name == pkgmgr.ClassLibrary.Name {
		installCmd.Flags().String("ambiguity", "", "How to resolve dependencies matching several libraries ('first' or 'fail')")
	}
	cmd.AddCommand(installCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall <package> [<requirement>]",
		Short: "Uninstalls the given package",
		Long: `Uninstalls the given package.

If a demoted version of the package is kept next to the installed one,
the highest demoted version takes its place.`,
		Run:  classRun(class, handler.pkgUninstall),
		Args: cobra.RangeArgs(1, 2),
	})

	updateCmd := &cobra.Command{
		Use:   "update [<package>] [<requirement>]",
		Short: "Updates packages to their newest versions",
		Long: `Updates the given package, or all installed packages, to the newest
version listed by the mirrors.

Packages installed from version control are pulled unless they are pinned
to a revision. Packages installed from a URL or a local path are skipped.`,
		Run:  classRun(class, handler.pkgUpdate),
		Args: cobra.MaximumNArgs(2),
	}
	updateCmd.Flags().Bool("only-check", false, "Only report outdated packages, don't install anything")
	cmd.AddCommand(updateCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Lists the installed packages",
		Run:   classRun(class, handler.pkgList),
		Args:  cobra.NoArgs,
	}
	listCmd.Flags().BoolP("verbose", "v", false, "Show more information")
	listCmd.Flags().StringP("output", "o", "list", "Defines the output format (valid: 'list', 'json', 'yaml')")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "show <package> [<requirement>]",
		Short: "Shows the manifest of an installed package",
		Run:   classRun(class, handler.pkgShow),
		Args:  cobra.RangeArgs(1, 2),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "outdated",
		Short: "Lists the installed packages that have newer versions",
		Run:   classRun(class, handler.pkgOutdated),
		Args:  cobra.NoArgs,
	})

	searchCmd := &cobra.Command{
		Use:   "search [<name>]",
		Short: "Searches the mirrors for packages",
		Long: `Searches for packages with the given 'name'.

Names are matched ignoring case. If nothing matches, similar names are
suggested. The filters match any of the given values.`,
		Run:  classRun(class, handler.pkgSearch),
		Args: cobra.MaximumNArgs(1),
	}
	searchCmd.Flags().StringSlice("author", nil, "Only show packages by these authors")
	searchCmd.Flags().StringSlice("framework", nil, "Only show packages for these frameworks")
	searchCmd.Flags().StringSlice("platform", nil, "Only show packages for these platforms")
	searchCmd.Flags().BoolP("verbose", "v", false, "Show more information")
	cmd.AddCommand(searchCmd)

	mirrorCmd := &cobra.Command{
		Use:   "mirror",
		Short: "Manages the mirrors of the package class",
	}
	cmd.AddCommand(mirrorCmd)

	mirrorCmd.AddCommand(&cobra.Command{
		Use:   "add <location>",
		Short: "Adds a mirror",
		Long: `Adds a mirror at the end of the list.

The 'location' is a URL or a local path of a JSON or YAML mirror document,
or 'git+<url>[#branch]' for a git repository containing one.`,
		Example: fmt.Sprintf(`  embpkg %[1]s mirror add https://example.com/%[2]s.json
  embpkg %[1]s mirror add git+https://github.com/acme/mirror.git#main
`, use, class.Name),
		Run:  classRun(class, handler.pkgMirrorAdd),
		Args: cobra.ExactArgs(1),
	})
	mirrorCmd.AddCommand(&cobra.Command{
		Use:   "remove <location>",
		Short: "Removes a mirror",
		Run:   classRun(class, handler.pkgMirrorRemove),
		Args:  cobra.ExactArgs(1),
	})
	mirrorCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Lists the mirrors",
		Run:   classRun(class, handler.pkgMirrorList),
		Args:  cobra.NoArgs,
	})

	return cmd
}

type exitError struct {
	code int
}

func (e *exitError) ExitCode() int {
	return e.code
}

func (e *exitError) Silent() bool {
	return true
}

func (e *exitError) Error() string {
	return fmt.Sprintf("ExitError - exit code: %d", e.code)
}

func newExitError(code int) *exitError {
	return &exitError{
		code: code,
	}
}

var pkgmgrUI = pkgmgr.FmtUI

func requirementArg(args []string) string {
	if len(args) > 1 {
		return args[1]
	}
	return ""
}

func (h *pkgHandler) pkgInstall(class pkgmgr.PackageClass, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	isLocal, err := cmd.Flags().GetBool("local")
	if err != nil {
		return err
	}
	name, err := cmd.Flags().GetString("name")
	if err != nil {
		return err
	}

	raw := args[0]
	if isLocal {
		abs, err := filepath.Abs(raw)
		if err != nil {
			return h.ui.ReportError("Invalid path '%s': %v", raw, err)
		}
		info, err := os.Stat(abs)
		if os.IsNotExist(err) {
			return h.ui.ReportError("Path doesn't exist: %v", err)
		} else if err != nil {
			return err
		} else if !info.IsDir() && !strings.Contains(info.Name(), ".") {
			return h.ui.ReportError("Path isn't a directory or an archive: '%s'", abs)
		}
		raw = abs
	}
	if name != "" {
		raw = name + "=" + raw
	}

	if class.Name == pkgmgr.ClassLibrary.Name {
		manager, err := h.buildLibraryManager(cmd)
		if err != nil {
			return err
		}
		_, err = manager.Install(ctx, raw, requirementArg(args))
		if errors.Is(err, pkgmgr.ErrLibraryAmbiguous) {
			h.ui.ReportWarning("Install the intended library by id first, or use '--ambiguity=first'")
		}
		return err
	}
	manager, err := h.buildManager(cmd, class)
	if err != nil {
		return err
	}
	_, err = manager.Install(ctx, raw, requirementArg(args))
	return err
}

func (h *pkgHandler) pkgUninstall(class pkgmgr.PackageClass, cmd *cobra.Command, args []string) error {
	manager, err := h.buildManager(cmd, class)
	if err != nil {
		return err
	}
	removed, err := manager.Uninstall(cmd.Context(), args[0], requirementArg(args))
	if err != nil {
		return err
	}
	if !removed {
		return newExitError(1)
	}
	return nil
}

// installedReference returns the string that selects pkg again.
func installedReference(pkg *pkgmgr.Manifest) string {
	if pkg.URL != "" {
		return pkg.URL
	}
	if pkg.ID != 0 {
		return fmt.Sprintf("id=%d", pkg.ID)
	}
	return pkg.Name
}

func (h *pkgHandler) pkgUpdate(class pkgmgr.PackageClass, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	onlyCheck, err := cmd.Flags().GetBool("only-check")
	if err != nil {
		return err
	}
	manager, err := h.buildManager(cmd, class)
	if err != nil {
		return err
	}

	var refs []string
	if len(args) > 0 {
		refs = []string{args[0]}
	} else {
		installed, err := manager.Installed()
		if err != nil {
			return err
		}
		seen := set.String{}
		for _, pkg := range installed {
			ref := installedReference(pkg)
			if seen.Contains(ref) {
				continue
			}
			seen.Add(ref)
			refs = append(refs, ref)
		}
	}

	out := cmd.OutOrStdout()
	var errs []error
	for _, ref := range refs {
		result, err := manager.Update(ctx, ref, requirementArg(args), onlyCheck)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(out, "%s %s", result.Manifest.Name, result.Previous)
		if result.Latest != "" && result.Latest != result.Previous {
			fmt.Fprintf(out, " -> %s", result.Latest)
		}
		fmt.Fprintf(out, " (%s)\n", result.Status)
	}
	return FirstError(errs...)
}

func (h *pkgHandler) pkgList(class pkgmgr.PackageClass, cmd *cobra.Command, args []string) error {
	manager, err := h.buildManager(cmd, class)
	if err != nil {
		return err
	}
	isVerbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return err
	}
	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}

	installed, err := manager.Installed()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	switch output {
	case "json":
		if installed == nil {
			installed = []*pkgmgr.Manifest{}
		}
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(installed)
	case "yaml":
		return printYAML(out, installed)
	case "list":
		for _, pkg := range installed {
			if err := printManifest(out, pkg, "", isVerbose); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unknown output format '%s'", output)
}

func (h *pkgHandler) pkgShow(class pkgmgr.PackageClass, cmd *cobra.Command, args []string) error {
	manager, err := h.buildManager(cmd, class)
	if err != nil {
		return err
	}
	ref := pkgmgr.ParseReference(args[0], requirementArg(args), nil)
	pkg, err := manager.GetPackage(ref)
	if err != nil {
		return err
	}
	if pkg == nil {
		return h.ui.ReportError("%s is not installed", ref)
	}
	return printYAML(cmd.OutOrStdout(), pkg)
}

func (h *pkgHandler) pkgOutdated(class pkgmgr.PackageClass, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	manager, err := h.buildManager(cmd, class)
	if err != nil {
		return err
	}
	installed, err := manager.Installed()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, pkg := range installed {
		latest, outdated, err := manager.Outdated(ctx, pkg)
		if err != nil {
			return err
		}
		if outdated {
			fmt.Fprintf(out, "%s %s -> %s\n", pkg.Name, pkg.Version, latest)
		}
	}
	return nil
}

func (h *pkgHandler) pkgSearch(class pkgmgr.PackageClass, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	authors, errAuthors := cmd.Flags().GetStringSlice("author")
	frameworks, errFrameworks := cmd.Flags().GetStringSlice("framework")
	platforms, errPlatforms := cmd.Flags().GetStringSlice("platform")
	isVerbose, errVerbose := cmd.Flags().GetBool("verbose")
	if err := FirstError(errAuthors, errFrameworks, errPlatforms, errVerbose); err != nil {
		return err
	}

	cache, err := h.buildCache()
	if err != nil {
		return err
	}
	query := pkgmgr.SearchQuery{
		Authors:    authors,
		Frameworks: frameworks,
		Platforms:  platforms,
	}
	if len(args) > 0 {
		query.Name = args[0]
	}
	mirrors := h.buildMirrors(class, cache)
	index := h.buildSearchIndex(class, mirrors)
	items, err := index.Search(ctx, query)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(items) == 0 && query.Name != "" {
		local := &pkgmgr.LocalSearchIndex{Mirrors: mirrors}
		suggestions, err := local.Suggest(ctx, query.Name, 5)
		if err != nil {
			return err
		}
		if len(suggestions) == 0 {
			return h.ui.ReportError("No %s package matches '%s'", class.Name, query.Name)
		}
		fmt.Fprintf(out, "No %s package matches '%s'. Similar packages:\n", class.Name, query.Name)
		items = suggestions
	}
	for _, item := range items {
		if !isVerbose {
			fmt.Fprintf(out, "%s - %s\n", item.Name, item.Version)
			continue
		}
		if err := printYAML(out, []pkgmgr.SearchItem{item}); err != nil {
			return err
		}
	}
	return nil
}

func (h *pkgHandler) pkgMirrorAdd(class pkgmgr.PackageClass, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	location := args[0]
	if !strings.Contains(location, "://") && !strings.HasPrefix(location, "git+") {
		abs, err := filepath.Abs(location)
		if err != nil {
			return h.ui.ReportError("Invalid mirror: %v", err)
		}
		location = abs
	}
	mirrors := h.getMirrorsOrDefault(class)
	for _, existing := range mirrors {
		if existing == location {
			return nil
		}
	}

	cache, err := h.buildCache()
	if err != nil {
		return err
	}
	mirror := pkgmgr.NewMirror(location, h.client, cache, h.cfg.MirrorTTL)
	doc, err := mirror.Document(ctx)
	if err != nil {
		return h.ui.ReportError("Mirror '%s' has errors: %v", location, err)
	}
	h.ui.ReportInfo("Mirror '%s' lists %d packages", location, len(doc))

	mirrors = append(append([]string{}, mirrors...), location)
	return h.saveMirrors(ctx, class, mirrors)
}

func (h *pkgHandler) pkgMirrorRemove(class pkgmgr.PackageClass, cmd *cobra.Command, args []string) error {
	mirrors := h.getMirrorsOrDefault(class)
	index := -1
	for i, location := range mirrors {
		if location == args[0] {
			index = i
			break
		}
	}
	if index == -1 {
		return h.ui.ReportError("Mirror '%s' does not exist", args[0])
	}
	mirrors = append(append([]string{}, mirrors[:index]...), mirrors[index+1:]...)
	return h.saveMirrors(cmd.Context(), class, mirrors)
}

func (h *pkgHandler) pkgMirrorList(class pkgmgr.PackageClass, cmd *cobra.Command, args []string) error {
	for _, location := range h.getMirrorsOrDefault(class) {
		fmt.Fprintln(cmd.OutOrStdout(), location)
	}
	return nil
}

func (h *pkgHandler) cacheClean(cmd *cobra.Command, args []string) error {
	cache, err := h.buildCache()
	if err != nil {
		return err
	}
	if err := cache.Clean(); err != nil {
		return err
	}
	h.ui.ReportInfo("Cache '%s' has been cleaned", cache.Dir())
	return nil
}

var manifestTemplate = template.Must(template.New("manifest").Parse(`{{.Name}}:
  version: {{.Version}}
  {{if .Description}}description: {{.Description}}
  {{end}}{{if .URL}}url: {{.URL}}
  {{end}}{{if .ID}}id: {{.ID}}
  {{end}}{{if .VCS}}vcs: {{.VCS}}
  {{end}}dir: {{.Dir}}{{if .Dependencies}}
  dependencies:{{range $_, $d := .Dependencies}}
    {{$d.Name}} - {{$d.Version}}{{end}}{{end}}`))

func printManifest(w io.Writer, m *pkgmgr.Manifest, indent string, isVerbose bool) error {
	if !isVerbose {
		_, err := fmt.Fprintf(w, "%s%s - %s\n", indent, m.Name, m.Version)
		return err
	}
	sb := strings.Builder{}
	if err := manifestTemplate.Execute(&sb, m); err != nil {
		return err
	}
	// Add the indentation.
	for _, line := range strings.Split(sb.String(), "\n") {
		if _, err := fmt.Fprintf(w, "%s%s\n", indent, line); err != nil {
			return err
		}
	}
	return nil
}

func printYAML(w io.Writer, v interface{}) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
