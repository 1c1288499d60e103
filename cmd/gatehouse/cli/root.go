package cli

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/easelworks/gatehouse/internal/config"
	"github.com/easelworks/gatehouse/internal/logging"
	"github.com/easelworks/gatehouse/internal/metrics"
)

var (
	cfgFile     string
	envFile     string
	showMetrics bool

	// Populated by the root PersistentPreRunE.
	appConfig *config.Config
	logger    *slog.Logger
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gatehouse",
		Short: "Two-factor authentication for administrators",
		Long: `Gatehouse: TOTP enrollment, backup-code recovery, brute-force lockout and
short-lived tokens for a small set of administrators.

An external identity provider vouches for the administrator's email; gatehouse
adds the second factor and issues temporary, access and refresh tokens.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if !showMetrics {
				return nil
			}
			return metrics.WriteText(cmd.ErrOrStderr(), prometheus.DefaultGatherer)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./gatehouse.yaml or ~/.gatehouse/gatehouse.yaml)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading config (default ./.env if present)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for the SQLite store (default: ~/.gatehouse)")
	cmd.PersistentFlags().BoolVar(&showMetrics, "metrics", false, "print Prometheus metrics to stderr after the command")

	cmd.AddCommand(newVersionCmd(version, commit, date))
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newAdminCmd())
	cmd.AddCommand(newTwoFACmd())
	cmd.AddCommand(newTokenCmd())

	return cmd
}

func initConfig() error {
	if err := config.LoadEnvFile(envFile); err != nil {
		return err
	}
	cfg, err := config.Load(config.NewViper(cfgFile))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	appConfig = cfg
	logger = logging.NewLogger(cfg.LoggerConfig())
	slog.SetDefault(logger)
	metrics.MustRegister()
	return nil
}
