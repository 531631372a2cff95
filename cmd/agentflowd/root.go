package main

import (
	"github.com/spf13/cobra"

	"AgentFlow/internal/config"
	"AgentFlow/pkg/logger"
)

type rootOptions struct {
	configPath string
	cfg        *config.Config
}

// newRootCmd wires the cobra root command. Every subcommand loads the same
// configuration document before it runs.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "agentflowd",
		Short: "AgentFlow multi-step agent orchestration engine",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.ResolvePath(opts.configPath))
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Logging); err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = logger.Sync()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"path to the YAML config (default $"+config.EnvConfigPath+" or "+config.DefaultPath+")")

	root.AddCommand(
		newServeCmd(opts),
		newCheckRulesCmd(opts),
		newToolsCmd(opts),
		newMigrateCmd(opts),
	)
	return root
}
