// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/pdffusion/keygate/internal/config"
	"github.com/pdffusion/keygate/internal/database"
	"github.com/pdffusion/keygate/internal/logger"
	"github.com/pdffusion/keygate/internal/models"
)

func apikeyCommand(configDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage admin API keys",
	}

	cmd.AddCommand(
		apikeyCreateCommand(configDir),
		apikeyListCommand(configDir),
		apikeyDeleteCommand(configDir),
	)

	return cmd
}

func openAPIKeyStore(configDir string) (*models.APIKeyStore, func(), error) {
	appCfg, err := config.New(configDir)
	if err != nil {
		return nil, nil, err
	}

	logger.Setup(logger.Options{Level: "ERROR"})

	db, err := database.New(appCfg.Config.DatabasePath)
	if err != nil {
		return nil, nil, err
	}

	return models.NewAPIKeyStore(db), func() { _ = db.Close() }, nil
}

func apikeyCreateCommand(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := openAPIKeyStore(*configDir)
			if err != nil {
				return err
			}
			defer closeDB()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			key, err := store.Create(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Created API key %q (id %d)\n", key.Name, key.ID)
			fmt.Printf("Key: %s\n", key.Key)
			fmt.Println("Store this key now; it is not shown again.")

			return nil
		},
	}
}

func apikeyListCommand(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := openAPIKeyStore(*configDir)
			if err != nil {
				return err
			}
			defer closeDB()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			keys, err := store.GetAll(ctx)
			if err != nil {
				return err
			}

			if len(keys) == 0 {
				fmt.Println("No API keys.")
				return nil
			}

			for _, k := range keys {
				lastUsed := "never"
				if k.LastUsedAt != nil {
					lastUsed = k.LastUsedAt.Format(time.RFC3339)
				}
				fmt.Printf("%d\t%s\tcreated %s\tlast used %s\n",
					k.ID, k.Name, k.CreatedAt.Format(time.RFC3339), lastUsed)
			}

			return nil
		},
	}
}

func apikeyDeleteCommand(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}

			store, closeDB, err := openAPIKeyStore(*configDir)
			if err != nil {
				return err
			}
			defer closeDB()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := store.Delete(ctx, id); err != nil {
				return err
			}

			fmt.Printf("Deleted API key %d\n", id)

			return nil
		},
	}
}
