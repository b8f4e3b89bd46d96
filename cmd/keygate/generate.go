// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pdffusion/keygate/internal/config"
	"github.com/pdffusion/keygate/internal/database"
	"github.com/pdffusion/keygate/internal/license"
	"github.com/pdffusion/keygate/internal/logger"
	"github.com/pdffusion/keygate/internal/services/activation"
)

func generateCommand(configDir *string) *cobra.Command {
	var (
		email       string
		productType string
		purchaseID  string
		productName string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Issue a license directly, without going through the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(*configDir, email, productType, purchaseID, productName)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "buyer email (required)")
	cmd.Flags().StringVar(&productType, "tier", "personal",
		"product tier: "+joinProductTypes())
	cmd.Flags().StringVar(&purchaseID, "purchase-id", "", "purchase reference (required)")
	cmd.Flags().StringVar(&productName, "product-name", "", "storefront product name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("purchase-id")

	return cmd
}

func joinProductTypes() string {
	var names []string
	for _, pt := range license.ProductTypes() {
		names = append(names, string(pt))
	}
	return strings.Join(names, ", ")
}

func runGenerate(configDir, email, productType, purchaseID, productName string) error {
	appCfg, err := config.New(configDir)
	if err != nil {
		return err
	}
	cfg := appCfg.Config

	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.Setup(logger.Options{Level: "ERROR"})

	masterKey, err := cfg.MasterKey()
	if err != nil {
		return err
	}

	codec, err := license.NewCodec(masterKey)
	if err != nil {
		return err
	}

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	issuer := activation.NewIssuer(log, db, codec, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := issuer.Issue(ctx, activation.IssueRequest{
		Email:       email,
		ProductType: productType,
		PurchaseID:  purchaseID,
		ProductName: productName,
	})
	if err != nil {
		return err
	}

	fmt.Printf("License ID:   %s\n", res.License.ID)
	fmt.Printf("Tier:         %s (%d devices, %d days)\n",
		res.License.ProductType, res.License.MaxDevices, res.License.DaysValid)
	fmt.Printf("Valid until:  %s\n", res.License.ValidUntil.Format("2006-01-02"))
	fmt.Printf("Display code: %s\n", res.DisplayCode)
	fmt.Printf("Full code:    %s\n", res.Token)

	return nil
}
