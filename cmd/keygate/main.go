// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pdffusion/keygate/internal/buildinfo"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "keygate",
		Short: "Self-hosted license activation server",
		Long: `keygate issues encrypted activation codes and enforces
per-license device limits for PDF Fusion purchases.`,
		SilenceUsage: true,
	}

	var configDir string
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "directory holding config.toml (default: $XDG_CONFIG_HOME/keygate)")

	rootCmd.AddCommand(
		serveCommand(&configDir),
		generateCommand(&configDir),
		activateCommand(),
		apikeyCommand(&configDir),
		versionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("keygate %s\n", buildinfo.String())
		},
	}
}
