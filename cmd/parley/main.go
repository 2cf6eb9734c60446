// Command parley runs and administers the direct-messaging service.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"parley/cmd/identity"
	"parley/cmd/internal/app"
	"parley/cmd/internal/auth"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
	)

	root := &cobra.Command{
		Use:          "parley",
		Short:        "Direct messaging service",
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := loadEnvFile(envFile); err != nil {
				return err
			}
			if configPath == "" {
				configPath = os.Getenv("PARLEY_CONFIG")
			}
			_, err := app.ApplyConfigFile(configPath)
			return err
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default: $PARLEY_CONFIG)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config file; missing is fine")

	root.AddCommand(serveCmd(), migrateCmd(), tokenCmd(), usersCmd())
	return root
}

// loadEnvFile loads a dotenv file without overriding variables already set.
func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return app.Serve(app.LoadConfig())
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the store and directory schema to the configured database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			backend, err := openBackend(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()

			if !backend.Persistent() {
				return errors.New("no database configured: set PARLEY_DATABASE_URL or PARLEY_SQLITE_PATH")
			}
			if err := backend.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema applied (%s)\n", backend.Kind)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		handle string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an access token for a user (development and operations)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := auth.LoadConfigFromEnv()
			if err != nil {
				return fmt.Errorf("token config: %w", err)
			}
			if ttl > 0 {
				cfg.TTL = ttl
			}
			m, err := auth.NewManager(cfg)
			if err != nil {
				return err
			}
			tok, exp, err := m.Issue(args[0], handle, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&handle, "handle", "", "handle claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default: PARLEY_JWT_TTL)")
	return cmd
}

func usersCmd() *cobra.Command {
	users := &cobra.Command{
		Use:   "users",
		Short: "Manage the user directory",
	}

	var in identity.CreateUserInput
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a directory user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			backend, err := openBackend(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()

			if !backend.Persistent() {
				return errors.New("no database configured: set PARLEY_DATABASE_URL or PARLEY_SQLITE_PATH")
			}
			u, err := backend.Users.CreateUser(ctx, in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t@%s\n", u.ID, u.Handle)
			return nil
		},
	}
	add.Flags().StringVar(&in.ID, "id", "", "user id (generated when empty)")
	add.Flags().StringVar(&in.Handle, "handle", "", "unique handle")
	add.Flags().StringVar(&in.DisplayName, "display-name", "", "display name")
	add.Flags().StringVar(&in.AvatarURI, "avatar", "", "avatar URI")
	_ = add.MarkFlagRequired("handle")

	users.AddCommand(add)
	return users
}

func openBackend(ctx context.Context, logTo io.Writer) (*app.Backend, error) {
	cfg := app.LoadConfig()
	log := slog.New(slog.NewTextHandler(logTo, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return app.OpenBackend(ctx, cfg, log)
}
