// -- cmd/root.go --
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/domatlas/internal/config"
	"github.com/xkilldash9x/domatlas/internal/observability"
)

// NewRootCommand builds a fresh root command tree. Every call returns an
// independent instance so flag state from one execution never leaks into the
// next.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "domatlas",
		Short: "domatlas turns live pages into numbered element maps for LLM agents.",
		Long: `domatlas drives a headless Chrome over the DevTools protocol, fuses the
DOM, accessibility and layout snapshots of a page into one enhanced tree, and
serializes it as a numbered map of interactive elements that an LLM agent can
read and act on.`,
		// Version is dynamically set at build time. See cmd/version.go.
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// This function runs before any command, setting up config and logging.
			if err := initializeConfig(cfgFile); err != nil {
				return err
			}

			// Persistent overrides apply to every subcommand, so they are
			// bound here rather than per command.
			if f := cmd.Flags().Lookup("headless"); f != nil {
				if err := viper.BindPFlag("browser.headless", f); err != nil {
					return err
				}
			}

			var cfg config.Config
			if err := viper.Unmarshal(&cfg); err != nil {
				// Initialize a fallback logger if config unmarshal fails.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "domatlas"})
				return fmt.Errorf("failed to unmarshal config: %w", err)
			}
			if lvl, err := cmd.Flags().GetString("log-level"); err == nil && lvl != "" {
				cfg.LoggerCfg.Level = lvl
			}

			// Logs go to stderr so stdout stays clean for the element map and
			// JSON output.
			observability.Initialize(cfg.LoggerCfg, zapcore.Lock(os.Stderr))
			observability.GetLogger().Info("Starting domatlas", zap.String("version", Version))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log verbosity: debug, info, warn or error. (Overrides config/env)")
	rootCmd.PersistentFlags().Bool("headless", true, "Run the browser without a visible window. (Overrides config/env)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(newObserveCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// Execute builds the command tree and runs it with the supplied signal-aware
// context. The caller decides the exit code from the returned error.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// Use the logger if available, otherwise fall back to stderr.
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command execution failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		return err
	}
	return nil
}

// initializeConfig reads in config file and ENV variables if set.
func initializeConfig(cfgFile string) error {
	v := viper.GetViper()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	config.SetDefaults(v)

	v.SetEnvPrefix("DOMATLAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars.
	}
	return nil
}
