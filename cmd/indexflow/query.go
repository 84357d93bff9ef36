package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drblury/indexflow"
)

func newQueryCmd(root *rootOptions) *cobra.Command {
	var slot string
	cmd := &cobra.Command{
		Use:   "query [sql] [params...]",
		Short: "Run a read-only SQL query against a slot",
		Long: "Runs the statement through the least-privilege reader role. Human table names are " +
			"rewritten to their model tables. Positional params bind to $1, $2, ...",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), root.configFile, slot)
			if err != nil {
				return err
			}
			defer store.Close()

			params := make([]any, 0, len(args)-1)
			for _, p := range args[1:] {
				params = append(params, p)
			}
			rows, err := store.Query(cmd.Context(), strings.TrimSpace(args[0]), params...)
			if err != nil {
				return err
			}
			out, err := indexflow.MarshalIndent(rows, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&slot, "slot", indexflow.DefaultSlot, "Tenant slot")
	return cmd
}
