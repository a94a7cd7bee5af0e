package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MaxShih147/Rushmore/appconfig"
	"github.com/MaxShih147/Rushmore/auth"
)

func newTokenCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the upload and settings routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			token, err := issueToken(cfg, subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "rushmore-cli", "Token subject")
	return cmd
}

// issueToken signs a token the server will accept. A secret generated at
// load time would never match the running server, so one must be configured.
func issueToken(cfg appconfig.Config, subject string) (string, error) {
	if !cfg.Auth.Enabled {
		return "", errors.New("auth is disabled; set auth.enabled in the config")
	}
	if cfg.Auth.Secret == "" || cfg.Auth.SecretGenerated {
		return "", errors.New("auth.secret must be set to issue tokens")
	}
	svc := auth.NewService(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	return svc.Issue(subject)
}
