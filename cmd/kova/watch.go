package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Aayaan-Sahu/kova/internal/auth"
	"github.com/Aayaan-Sahu/kova/internal/config"
	"github.com/Aayaan-Sahu/kova/internal/tui"
)

func newWatchCmd() *cobra.Command {
	var agentURL, token string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Show the live state of a running agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.NewConfigFromEnv()
			if agentURL == "" {
				port := cfg.Port
				if port == "" {
					port = "8080"
				}
				agentURL = "http://localhost:" + port
			}
			if token == "" {
				issuer, err := auth.NewIssuer(cfg.JWTSecret)
				if err != nil {
					return fmt.Errorf("pass --token or set KOVA_JWT_SECRET: %w", err)
				}
				token, _, err = issuer.GenerateViewerToken("kova-watch", auth.DefaultTokenTTL)
				if err != nil {
					return err
				}
			}

			p := tea.NewProgram(tui.New(tui.Agent{BaseURL: agentURL, Token: token}), tea.WithAltScreen())
			_, err := p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&agentURL, "url", "", "agent base URL (default http://localhost:$PORT)")
	cmd.Flags().StringVar(&token, "token", "", "viewer token (minted from KOVA_JWT_SECRET when empty)")
	return cmd
}
