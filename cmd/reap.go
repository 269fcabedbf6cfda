package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Delete expired cached searches",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "reap")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Ledger.Reap(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "reap expired searches")
		}
		zap.L().Info("reaped expired searches", zap.Int("deleted", n))
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired searches\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reapCmd)
}
