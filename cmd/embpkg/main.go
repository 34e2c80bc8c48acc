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

package main

import (
	"context"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/toitlang/embpkg/commands"
	"github.com/toitlang/embpkg/config"
	"github.com/toitlang/embpkg/config/store"
	"github.com/toitlang/embpkg/pkg/pkgmgr"
)

var (
	rootCmd = &cobra.Command{
		Use:              "embpkg",
		Short:            "Install libraries, platforms and tools for embedded projects",
		TraverseChildren: true,
		SilenceUsage:     true,
	}
)

func getTrimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func main() {
	cfgFile := getTrimmedEnv("EMBPKG_CONFIG_FILE")
	noInteractive := getTrimmedEnv("EMBPKG_NO_INTERACTIVE")

	level := log.InfoLevel
	if getTrimmedEnv("EMBPKG_DEBUG") != "" {
		level = log.DebugLevel
	}
	ui := pkgmgr.NewLogUI(os.Stderr, level)

	// The home and cache directories come from the environment (see config).
	configStore := store.NewViper("", "", noInteractive != "")
	cobra.OnInitialize(func() {
		if cfgFile == "" {
			cfgFile, _ = config.UserConfigFile()
		}
		if err := configStore.Init(cfgFile); err != nil {
			ui.Logger.Warn("ignoring configuration", "file", cfgFile, "err", err)
		}
	})

	rootCmd.AddCommand(commands.Pkg(commands.DefaultRunWrapper, configStore, ui, ui.Logger)...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
