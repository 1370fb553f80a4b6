package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aayaan-Sahu/kova/adapters/audio"
	"github.com/Aayaan-Sahu/kova/adapters/backend"
	"github.com/Aayaan-Sahu/kova/internal/api"
	"github.com/Aayaan-Sahu/kova/internal/auth"
	"github.com/Aayaan-Sahu/kova/internal/capture"
	"github.com/Aayaan-Sahu/kova/internal/mic"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the physical input devices the agent can capture from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			input := audio.NewWavDirInput(audio.WavDirConfig{Dir: cfg.AudioDir}, logger)
			source := capture.NewSource(input, mic.NewToken(logger), logger)
			devices, err := source.Devices(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(devices) == 0 {
				fmt.Fprintln(out, "no devices found in", cfg.AudioDir)
				return nil
			}
			for _, d := range devices {
				marker := " "
				if d.ID == cfg.AudioDevice {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %s\t%s\n", marker, d.ID, d.Label)
			}
			return nil
		},
	}
}

func newCheckNumberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-number PHONE",
		Short: "Look up whether a phone number has been reported as a scam",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			client, err := backend.NewClient(backend.ClientConfig{BaseURL: cfg.BackendURL}, logger)
			if err != nil {
				return err
			}
			rep, err := client.CheckNumber(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rep.Found {
				fmt.Fprintf(cmd.OutOrStdout(), "%s has been reported %d time(s)\n", args[0], rep.ReportCount)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s has no reports\n", args[0])
			}
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a viewer token for the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			issuer, err := auth.NewIssuer(cfg.JWTSecret)
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.GenerateViewerToken(subject, ttl)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(api.TokenResponse{Token: token, ExpiresAt: expiresAt})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "viewer", "subject recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "token lifetime")
	return cmd
}
