package main

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/mikeyg42/mecam/internal/config"
	"github.com/mikeyg42/mecam/internal/recorder/recorderlog"
)

type commandContext struct {
	configFlag *string

	once     sync.Once
	provider *config.Provider
	logger   recorderlog.Logger
	err      error
}

// configPath resolves --config, then MECAM_CONFIG, then the data dir default.
func (c *commandContext) configPath() string {
	if c.configFlag != nil {
		if p := strings.TrimSpace(*c.configFlag); p != "" {
			return p
		}
	}
	if p := os.Getenv(config.EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(filepath.Dir(config.NewDefaultConfig().LockPath), "config.yaml")
}

// ensure loads the configuration and builds the process logger once.
func (c *commandContext) ensure() (*config.Provider, recorderlog.Logger, error) {
	c.once.Do(func() {
		boot := recorderlog.L()
		provider, err := config.NewProvider(c.configPath(), boot)
		if err != nil {
			c.err = err
			return
		}
		logger, err := recorderlog.New(provider.Current().Log)
		if err != nil {
			c.err = err
			return
		}
		recorderlog.ReplaceGlobal(logger)
		c.provider, c.logger = provider, logger
	})
	return c.provider, c.logger, c.err
}

func newRootCommand() *cobra.Command {
	var configFlag string
	ctx := &commandContext{configFlag: &configFlag}

	rootCmd := &cobra.Command{
		Use:           "security-camera",
		Short:         "Motion-triggered recording for a single camera",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, _, err := ctx.ensure()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), ctx)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (yaml or toml)")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newArtifactsCommand(ctx))
	rootCmd.AddCommand(newDecryptCommand(ctx))
	rootCmd.AddCommand(newKeygenCommand(ctx))
	return rootCmd
}
