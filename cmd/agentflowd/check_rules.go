package main

import (
	"encoding/json"
	"log/slog"

	"github.com/spf13/cobra"

	xerrors "AgentFlow/internal/errors"
)

func newCheckRulesCmd(opts *rootOptions) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "check-rules",
		Short: "Run one automation rule check cycle and print the summary",
		Long: "Evaluates every active rule (or only those of --user) once. " +
			"Intended to be invoked by an external scheduler such as cron.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := buildContainer(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := c.Close(); err != nil {
					c.logger.Warn("释放资源失败", slog.Any("error", err))
				}
			}()
			if c.rules == nil {
				return xerrors.New(xerrors.CodeInitializationFailure, "rule engine requires ads_api.metrics_url and ads_api.actions_url")
			}
			summary, err := c.rules.CheckRules(cmd.Context(), userID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "only check rules owned by this user")
	return cmd
}
