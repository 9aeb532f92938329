// Package cli provides the command-line interface for caffeind.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caffeind/caffeind/internal/config"
)

// NewRootCmd creates the root command for caffeind
func NewRootCmd(version, commit, buildDate string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "caffeind",
		Short: "Keep the system awake from a desktop panel",
		Long: "caffeind toggles system idle inhibition (screen blanking, sleep, screensaver),\n" +
			"keeps the state synchronized across every running instance on the session,\n" +
			"and supports timed auto-expiry.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Init(); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			return nil
		},
	}

	cmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate)

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newOnCmd())
	cmd.AddCommand(newOffCmd())
	cmd.AddCommand(newToggleCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}
