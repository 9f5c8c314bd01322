package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/parley/internal/config"
	"github.com/roach88/parley/internal/identity"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	ConfigPath string
	TTL        time.Duration
}

// TokenResult is the JSON payload of the token command.
type TokenResult struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a session token for a user",
		Long: `Sign a session token for user-id with the configured jwt_secret. The
token is accepted by serve and can be set as token in a client config.

Examples:
  PARLEY_JWT_SECRET=... parley token amy
  parley token amy --config ./server.yaml --ttl 1h --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the config holding jwt_secret")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime")

	return cmd
}

func runToken(opts *TokenOptions, userID string, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if cfg.JWTSecret == "" {
		return NewExitError(ExitCommandError, "jwt_secret is required")
	}
	if opts.TTL <= 0 {
		return NewExitError(ExitCommandError, "ttl must be positive")
	}

	now := time.Now()
	signer := identity.NewSigner(cfg.JWTSecret, opts.TTL).WithClock(func() time.Time { return now })
	token, err := signer.Issue(userID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to issue token", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Format == "json" {
		return formatter.Success(TokenResult{UserID: userID, Token: token, ExpiresAt: now.Add(opts.TTL).UTC()})
	}
	return formatter.Success(token)
}
