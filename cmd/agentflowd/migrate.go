package main

import (
	"fmt"

	"github.com/spf13/cobra"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/storage/sqlstore"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded SQL migrations to the configured database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			if !cfg.UsesSQL() {
				return xerrors.New(xerrors.CodeInvalidArgument, "migrate requires storage.driver mysql or sqlite")
			}
			db, err := sqlstore.Open(cmd.Context(), cfg.SQL())
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", db.Dialect)
			return nil
		},
	}
}
