// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/keygen-sh/machineid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// machineIDAppKey salts the hardware identifier so keygate activations
// cannot be correlated with other software using the same library.
const machineIDAppKey = "keygate"

func activateCommand() *cobra.Command {
	var (
		serverURL  string
		code       string
		deviceName string
	)

	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Activate a code against a keygate server from this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runActivate(serverURL, code, deviceName)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:7227", "activation server base URL")
	cmd.Flags().StringVar(&code, "code", "", "activation code (required)")
	cmd.Flags().StringVar(&deviceName, "device-name", "", "friendly device name")
	_ = cmd.MarkFlagRequired("code")

	return cmd
}

func runActivate(serverURL, code, deviceName string) error {
	deviceID, err := machineid.ProtectedID(machineIDAppKey)
	if err != nil {
		return errors.Wrap(err, "failed to derive device id")
	}

	if deviceName == "" {
		deviceName, _ = os.Hostname()
	}

	body, err := json.Marshal(map[string]string{
		"code":       code,
		"deviceId":   deviceID,
		"deviceName": deviceName,
	})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(serverURL+"/api/verify", "application/json", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "activation request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return errors.Errorf("activation failed: %s", apiErr.Error)
		}
		return errors.Errorf("activation failed: HTTP %d", resp.StatusCode)
	}

	var result struct {
		Outcome       string `json:"outcome"`
		ActiveDevices int    `json:"activeDevices"`
		Claims        struct {
			Email      string    `json:"email"`
			ValidUntil time.Time `json:"valid_until"`
			MaxDevices int       `json:"max_devices"`
		} `json:"claims"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return errors.Wrap(err, "unexpected server response")
	}

	switch result.Outcome {
	case "already_bound":
		fmt.Println("This device is already activated.")
	default:
		fmt.Println("Activation successful.")
	}
	fmt.Printf("Licensed to: %s\n", result.Claims.Email)
	fmt.Printf("Valid until: %s\n", result.Claims.ValidUntil.Format("2006-01-02"))
	fmt.Printf("Devices:     %d of %d in use\n", result.ActiveDevices, result.Claims.MaxDevices)

	return nil
}
