package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/docmcp"
	"pkt.systems/docmcp/internal/svcfields"
	"pkt.systems/docmcp/internal/tokenstore"
	"pkt.systems/docmcp/lark"
	"pkt.systems/pslog"
)

func newAuthCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage vendor OAuth authorization for user auth mode",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfigFile()
			return err
		},
	}
	cmd.AddCommand(newAuthURLCommand(baseLogger))
	cmd.AddCommand(newAuthExchangeCommand(baseLogger))
	cmd.AddCommand(newAuthStatusCommand(baseLogger))
	return cmd
}

// openTokenManager builds a token manager from the resolved config, backed
// by the durable token store so CLI-acquired grants are visible to a
// subsequently started server.
func openTokenManager(baseLogger pslog.Logger) (*lark.TokenManager, docmcp.Config, error) {
	cfg, err := configFromViper()
	if err != nil {
		return nil, docmcp.Config{}, err
	}
	cfg.ApplyDefaults()
	if strings.TrimSpace(cfg.AppID) == "" || strings.TrimSpace(cfg.AppSecret) == "" {
		return nil, docmcp.Config{}, fmt.Errorf("app id and app secret required (--app-id/--app-secret or DOCMCP_APP_ID/DOCMCP_APP_SECRET)")
	}
	logger := svcfields.WithSubsystem(baseLogger, "cli.auth")
	var store *tokenstore.Store
	if cfg.TokenStorePath != "" {
		store, err = tokenstore.Open(cfg.TokenStorePath, logger)
		if err != nil {
			return nil, docmcp.Config{}, fmt.Errorf("open token store: %w", err)
		}
	}
	mgr, err := lark.NewTokenManager(lark.TokenManagerConfig{
		AppID:       cfg.AppID,
		AppSecret:   cfg.AppSecret,
		RedirectURI: cfg.RedirectURI,
		BaseURL:     cfg.BaseURL,
		Store:       store,
		Logger:      logger,
	})
	if err != nil {
		return nil, docmcp.Config{}, err
	}
	return mgr, cfg, nil
}

func newAuthURLCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "url",
		Short: "Print the vendor authorize URL to visit",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cfg, err := openTokenManager(baseLogger)
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.RedirectURI) == "" {
				return fmt.Errorf("--redirect-uri is required to build an authorize URL")
			}
			result, err := mgr.UserToken(cmd.Context())
			if err != nil {
				return err
			}
			if result.Authorize == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "already authorized; run 'docmcp auth status' for details")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "authorize_url: %s\n", result.Authorize.URL)
			fmt.Fprintf(cmd.OutOrStdout(), "state: %s\n", result.Authorize.State)
			fmt.Fprintln(cmd.OutOrStdout(), "after approval, run: docmcp auth exchange --code <code>")
			return nil
		},
	}
}

func newAuthExchangeCommand(baseLogger pslog.Logger) *cobra.Command {
	var code string
	var codeVerifier string
	cmd := &cobra.Command{
		Use:   "exchange",
		Short: "Exchange an authorization code for user tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			code = strings.TrimSpace(code)
			if code == "" {
				return fmt.Errorf("--code is required")
			}
			mgr, cfg, err := openTokenManager(baseLogger)
			if err != nil {
				return err
			}
			result, err := mgr.ExchangeCode(cmd.Context(), code, codeVerifier)
			if err != nil {
				var authErr *lark.AuthError
				if errors.As(err, &authErr) {
					return fmt.Errorf("vendor rejected the code: %s", authErr.Message)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "authorized; access token expires in %ds\n", result.ExpiresIn)
			if cfg.TokenStorePath != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "tokens persisted to %s\n", cfg.TokenStorePath)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "no token store configured; tokens are held in memory only")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "authorization code returned to the redirect URI")
	cmd.Flags().StringVar(&codeVerifier, "code-verifier", "", "PKCE code verifier when the authorize request used one")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func newAuthStatusCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report tenant and user credential health",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cfg, err := openTokenManager(baseLogger)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "auth_mode: %s\n", cfg.AuthMode)
			if _, err := mgr.TenantToken(ctx); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "tenant: error (%s)\n", err)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "tenant: ok")
			}
			if cfg.AuthMode != docmcp.AuthModeUser {
				return nil
			}
			result, err := mgr.UserToken(ctx)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "user: error (%s)\n", err)
				return nil
			}
			if result.Authorize != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "user: authorization_required")
				fmt.Fprintf(cmd.OutOrStdout(), "authorize_url: %s\n", result.Authorize.URL)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user: authorized (expires in %ds)\n", result.ExpiresIn)
			return nil
		},
	}
}
