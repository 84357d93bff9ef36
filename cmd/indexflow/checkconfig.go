package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drblury/indexflow"
)

func newCheckConfigCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and plugin snapshot",
		Long:  "Loads the configuration and, when snapshot_path is set, the plugin snapshot. Prints the effective configuration with credentials redacted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := indexflow.LoadConfig(root.configFile)
			if err != nil {
				return err
			}
			if !indexflow.DefaultTransportRegistry.Has(cfg.PubSubSystem) {
				return fmt.Errorf("%w: %q", indexflow.ErrUnknownTransport, cfg.PubSubSystem)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, cfg.String())

			if cfg.SnapshotPath == "" {
				fmt.Fprintln(out, "snapshot: none")
				return nil
			}
			snap, err := indexflow.LoadSnapshot(cfg.SnapshotPath)
			if err != nil {
				return err
			}
			reg := indexflow.NewPluginRegistry()
			indexflow.RegisterBuiltins(reg)
			bindings := 0
			for _, descs := range pluginLists(snap) {
				for _, d := range descs {
					if _, ok := reg.Lookup(d.ID); !ok {
						fmt.Fprintf(cmd.ErrOrStderr(), "warning: plugin %q is not built in\n", d.ID)
					}
					bindings += len(d.Contexts)
				}
			}
			fmt.Fprintf(out, "snapshot: %d slots, %d plugin bindings\n", len(snap.Slots)+1, bindings)
			return nil
		},
	}
}

func pluginLists(snap *indexflow.Snapshot) [][]indexflow.PluginDescriptor {
	out := [][]indexflow.PluginDescriptor{snap.Plugins}
	for _, s := range snap.Slots {
		out = append(out, s.Plugins)
	}
	return out
}
