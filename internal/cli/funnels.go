package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netsendo/funnel/internal/funnelfile"
	"github.com/netsendo/funnel/pkg/api"
)

func newImportCmd(a *app) *cobra.Command {
	var activate bool

	cmd := &cobra.Command{
		Use:   "import <file.yaml>...",
		Short: "Import funnel definitions",
		Long: `Import reads funnel definition files and stores each funnel with its steps,
replacing any previous version of the same funnel id. All files are
validated before anything is stored.

Example:
  funnelctl import funnels/welcome.yaml --activate`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs := make([]*funnelfile.Definition, 0, len(args))
			for _, path := range args {
				def, err := funnelfile.LoadFile(path)
				if err != nil {
					return err
				}
				if activate {
					def.Funnel.Status = api.FunnelActive
				}
				defs = append(defs, def)
			}

			ctx := cmd.Context()
			return a.withBackend(ctx, func(b *backend) error {
				for _, def := range defs {
					if err := b.engine.RegisterFunnel(ctx, def.Funnel, def.Steps); err != nil {
						return fmt.Errorf("import %s: %w", def.Funnel.ID, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Imported funnel '%s' (%d steps, %s)\n",
						def.Funnel.ID, len(def.Steps), def.Funnel.Status)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activate, "activate", false, "store the funnels as active")
	return cmd
}

func newStatusCmd(a *app, use, short string, status api.FunnelStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <funnel-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withBackend(ctx, func(b *backend) error {
				if err := b.engine.SetFunnelStatus(ctx, args[0], status); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Funnel '%s' is now %s\n", args[0], status)
				return nil
			})
		},
	}
}
