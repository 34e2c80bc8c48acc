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

package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"github.com/toitlang/embpkg/commands"
	"github.com/toitlang/embpkg/config"
	"github.com/toitlang/embpkg/pkg/download"
	"github.com/toitlang/embpkg/pkg/pkgmgr"
	"golang.org/x/term"
)

type Viper struct {
	v             *viper.Viper
	homeDir       string
	cacheDir      string
	noInteractive bool
}

func NewViper(homeDir string, cacheDir string, noInteractive bool) *Viper {
	return &Viper{
		v:             viper.New(),
		homeDir:       homeDir,
		cacheDir:      cacheDir,
		noInteractive: noInteractive,
	}
}

const (
	configKeyMirrors      = "pkg.mirrors"
	configKeySearchURL    = "pkg.search_url"
	configKeyCacheTTL     = "pkg.cache_ttl"
	configKeyMirrorTTL    = "pkg.mirror_ttl"
	configKeyCacheMaxSize = "pkg.cache_max_size"
	configKeyInteractive  = "pkg.interactive"
	configKeyAmbiguity    = "pkg.ambiguity"

	defaultMirrorTTL = 15 * time.Minute
)

var mirrorClasses = []pkgmgr.PackageClass{pkgmgr.ClassLibrary, pkgmgr.ClassPlatform, pkgmgr.ClassTool}

func mirrorKey(class pkgmgr.PackageClass) string {
	return configKeyMirrors + "." + class.Name
}

// Init reads the given configuration file. A missing file is not an
// error; it is created on the first Store.
func (vc *Viper) Init(cfgFile string) error {
	vc.v.SetConfigFile(cfgFile)
	vc.v.SetDefault(configKeyCacheTTL, download.DefaultTTL)
	vc.v.SetDefault(configKeyMirrorTTL, defaultMirrorTTL)
	vc.v.SetDefault(configKeyCacheMaxSize, download.DefaultMaxCacheSize)
	vc.v.SetDefault(configKeyAmbiguity, pkgmgr.PickFirst.String())
	if err := vc.v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}
	return nil
}

func (vc *Viper) Load(ctx context.Context) (*commands.Config, error) {
	result := commands.Config{
		HomeDir:  vc.homeDir,
		CacheDir: vc.cacheDir,
	}
	if result.HomeDir == "" {
		var err error
		result.HomeDir, err = config.HomePath()
		if err != nil {
			return nil, err
		}
	}
	if result.CacheDir == "" {
		result.CacheDir = config.CachePath(result.HomeDir)
	}

	for _, class := range mirrorClasses {
		key := mirrorKey(class)
		if !vc.v.IsSet(key) {
			continue
		}
		if result.Mirrors == nil {
			result.Mirrors = map[string][]string{}
		}
		mirrors := vc.v.GetStringSlice(key)
		if mirrors == nil {
			// Viper seems to just ignore empty lists.
			mirrors = []string{}
		}
		result.Mirrors[class.Name] = mirrors
	}

	result.SearchURL = vc.v.GetString(configKeySearchURL)
	result.CacheTTL = vc.v.GetDuration(configKeyCacheTTL)
	result.MirrorTTL = vc.v.GetDuration(configKeyMirrorTTL)
	result.CacheMaxSize = vc.v.GetInt64(configKeyCacheMaxSize)
	result.Ambiguity = vc.v.GetString(configKeyAmbiguity)
	if _, err := pkgmgr.ParseAmbiguityPolicy(result.Ambiguity); err != nil {
		return nil, err
	}

	switch {
	case vc.noInteractive:
		result.Interactive = false
	case vc.v.IsSet(configKeyInteractive):
		result.Interactive = vc.v.GetBool(configKeyInteractive)
	default:
		result.Interactive = term.IsTerminal(int(os.Stdin.Fd()))
	}

	return &result, nil
}

func (vc *Viper) Store(ctx context.Context, cfg *commands.Config) error {
	for name, mirrors := range cfg.Mirrors {
		class, ok := pkgmgr.ClassByName(name)
		if !ok {
			return fmt.Errorf("unknown package class '%s'", name)
		}
		vc.v.Set(mirrorKey(class), mirrors)
	}
	if cfg.SearchURL != "" {
		vc.v.Set(configKeySearchURL, cfg.SearchURL)
	}
	if cfg.Ambiguity != "" {
		vc.v.Set(configKeyAmbiguity, cfg.Ambiguity)
	}
	return vc.v.WriteConfig()
}
