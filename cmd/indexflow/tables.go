package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/drblury/indexflow"
)

func newTablesCmd(root *rootOptions) *cobra.Command {
	var slot string
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "List the tables provisioned for a slot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), root.configFile, slot)
			if err != nil {
				return err
			}
			defer store.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "TABLE\tMODEL\tTITLE")
			for _, t := range store.Tables() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, t.ModelID, t.Title)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&slot, "slot", indexflow.DefaultSlot, "Tenant slot")
	return cmd
}
