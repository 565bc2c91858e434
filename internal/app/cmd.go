package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marceconnect/marceconnect/internal/config"
)

// DefaultHealthcheckPort はSERVER_PORT未設定時にhealthcheckが接続するポート。
const DefaultHealthcheckPort = "8080"

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。サブコマンドを省略した場合はserveとして動作する。
// SIGINTまたはSIGTERMを受信するとコマンドのコンテキストがキャンセルされる。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// newRootCmd はルートコマンドとサブコマンドを組み立てる。
func newRootCmd(w io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "marceconnect",
		Short: "MarceConnect authentication, session and authorization service",
		Long: `MarceConnect serves the authentication API (local accounts or OIDC),
keeps server-side sessions in PostgreSQL and enforces ownership and admin rules.

Running without a subcommand is the same as "marceconnect serve".`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          withConfig(w, runServe),
	}
	rootCmd.SetOut(w)
	rootCmd.SetErr(w)

	rootCmd.AddCommand(serveCmd(w))
	rootCmd.AddCommand(workerCmd(w))
	rootCmd.AddCommand(migrateCmd(w))
	rootCmd.AddCommand(healthcheckCmd())
	rootCmd.AddCommand(promoteAdminCmd(w))

	return rootCmd
}

// withConfig は設定を読み込んでからfnを実行するRunEを返す。
func withConfig(w io.Writer, fn func(ctx context.Context, cfg *config.Config) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := Init(cmd.Context(), w)
		if err != nil {
			return fmt.Errorf("initialization failed: %w", err)
		}
		return fn(cmd.Context(), cfg)
	}
}

func serveCmd(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Args:  cobra.NoArgs,
		RunE:  withConfig(w, runServe),
	}
}

func workerCmd(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run background jobs (expired session cleanup)",
		Args:  cobra.NoArgs,
		RunE:  withConfig(w, runWorker),
	}
}

func migrateCmd(w io.Writer) *cobra.Command {
	var rollback int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply all pending database migrations.

With --rollback N the last N migrations are reverted instead.`,
		Args: cobra.NoArgs,
		RunE: withConfig(w, func(ctx context.Context, cfg *config.Config) error {
			if rollback < 0 {
				return fmt.Errorf("--rollback must be positive, got %d", rollback)
			}
			return runMigrate(ctx, cfg, rollback)
		}),
	}
	cmd.Flags().IntVar(&rollback, "rollback", 0, "number of migrations to revert")
	return cmd
}

// healthcheckCmd はdistroless環境でのDockerヘルスチェック用サブコマンド。
// 軽量に動作させるため、設定の読み込みとログ初期化は行わない。
func healthcheckCmd() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe the local /health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthcheck(cmd.Context(), port)
		},
	}

	defaultPort := os.Getenv("SERVER_PORT")
	if defaultPort == "" {
		defaultPort = DefaultHealthcheckPort
	}
	cmd.Flags().StringVar(&port, "port", defaultPort, "port of the local API server")
	return cmd
}

func promoteAdminCmd(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "promote-admin <email>",
		Short: "Grant administrator rights to an existing user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email := args[0]
			return withConfig(w, func(ctx context.Context, cfg *config.Config) error {
				return runPromoteAdmin(ctx, cfg, cmd.OutOrStdout(), email)
			})(cmd, args)
		},
	}
}
