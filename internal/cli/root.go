// Package cli implements the funnelctl command line.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/netsendo/funnel/internal/config"
	"github.com/netsendo/funnel/pkg/api"
)

// app carries state shared by the subcommands of one invocation.
type app struct {
	configPath string
	cfg        config.Config
	logger     *slog.Logger
}

// NewRootCommand builds the funnelctl command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "funnelctl",
		Short: "Run and operate the funnel execution engine",
		Long: `funnelctl imports funnel definitions, enrolls subscribers and runs the
scheduler and delivery workers that move enrollments through funnels.

Settings come from funnel.yaml (or --config), overridden by FUNNEL_*
environment variables.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = cfg.Logger(cmd.ErrOrStderr())
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default funnel.yaml or $FUNNEL_CONFIG)")

	root.AddCommand(
		newRunCmd(a),
		newTickCmd(a),
		newImportCmd(a),
		newStatusCmd(a, "activate", "Activate a funnel so it accepts enrollments", api.FunnelActive),
		newStatusCmd(a, "pause", "Pause a funnel; open enrollments stop advancing", api.FunnelPaused),
		newEnrollCmd(a),
		newShowCmd(a),
		newABTestCmd(a),
	)
	return root
}

// Execute runs funnelctl with os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}
