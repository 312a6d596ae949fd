// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cfverify/internal/config"
	"github.com/xkilldash9x/cfverify/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

// flagKeys maps command-line flags onto configuration keys. Flags are bound
// only when the executing command defines them.
var flagKeys = map[string]string{
	"max-attempts":  "resolver.max_attempts",
	"reload-every":  "resolver.reload_every",
	"debug":         "resolver.debug",
	"missing-frame": "resolver.missing_frame",
	"backend":       "browser.backend",
	"headless":      "browser.headless",
	"concurrency":   "browser.concurrency",
	"log-level":     "logger.level",
}

// NewRootCommand builds a fresh command tree.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "cfverify",
		Short:         "cfverify clears Cloudflare Turnstile checks in a controlled browser.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			if err := bindFlags(cmd, v); err != nil {
				return err
			}

			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				observability.InitializeLogger(config.NewDefaultConfig().Logger, cmd.ErrOrStderr())
				return fmt.Errorf("failed to load or validate config: %w", err)
			}
			// Resolver step events are debug entries.
			if cfg.Resolver.Debug && !levelExplicit(cmd, v) {
				cfg.Logger.Level = "debug"
			}

			observability.InitializeLogger(cfg.Logger, cmd.ErrOrStderr())
			observability.GetLogger().Debug("Starting cfverify", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./cfverify.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.SetVersionTemplate(`{{printf "cfverify version %s\n" .Version}}`)

	rootCmd.AddCommand(newResolveCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", name, err)
		}
	}
	return nil
}

// levelExplicit reports whether logger.level was given by flag, environment
// or config file rather than taken from the defaults.
func levelExplicit(cmd *cobra.Command, v *viper.Viper) bool {
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		return true
	}
	if _, ok := os.LookupEnv("CFVERIFY_LOGGER_LEVEL"); ok {
		return true
	}
	return v.InConfig("logger.level")
}

// configFrom returns the configuration stored by the root command.
func configFrom(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not initialised")
	}
	return cfg, nil
}

// Execute runs the command tree with ctx and logs the failure, if any.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		observability.GetLogger().Info("Command cancelled.")
		return err
	}
	if !errors.Is(err, ErrUnresolved) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	observability.GetLogger().Debug("Command execution failed", zap.Error(err))
	return err
}
