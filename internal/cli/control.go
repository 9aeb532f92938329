package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/caffeind/caffeind/internal/config"
	"github.com/caffeind/caffeind/internal/domain/entity"
	"github.com/caffeind/caffeind/internal/infrastructure/control"
)

const controlCallTimeout = 10 * time.Second

// dialControl connects to the running instance's control interface.
func dialControl(ctx context.Context) (*control.Client, error) {
	client, err := control.Dial(ctx, config.Get().Bus.Name)
	if errors.Is(err, control.ErrNotRunning) {
		return nil, fmt.Errorf("no running caffeind instance found (start one with 'caffeind run')")
	}
	return client, err
}

// policyFromFlags resolves --for / --minutes into an expiry policy,
// falling back to the configured default duration.
func policyFromFlags(forDur time.Duration, minutes uint32, useDefault bool) (entity.ExpiryPolicy, error) {
	if forDur > 0 && minutes > 0 {
		return entity.ExpiryPolicy{}, fmt.Errorf("--for and --minutes are mutually exclusive")
	}
	if forDur > 0 {
		m := uint32((forDur + time.Minute - 1) / time.Minute)
		return entity.For(m), nil
	}
	if minutes > 0 {
		return entity.For(minutes), nil
	}
	if useDefault {
		if def := config.Get().DefaultDurationMinutes; def > 0 {
			return entity.For(def), nil
		}
	}
	return entity.Indefinite(), nil
}

// newOnCmd creates the on command
func newOnCmd() *cobra.Command {
	var (
		forDur  time.Duration
		minutes uint32
	)

	cmd := &cobra.Command{
		Use:   "on",
		Short: "Activate idle inhibition",
		Long: "Activate idle inhibition on the running instance. Without a duration flag the\n" +
			"configured default applies (indefinite unless configured otherwise).",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), controlCallTimeout)
			defer cancel()

			policy, err := policyFromFlags(forDur, minutes, true)
			if err != nil {
				return err
			}

			client, err := dialControl(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Activate(ctx, policy); err != nil {
				return err
			}
			fmt.Printf("caffeine on (%s)\n", policy)
			return nil
		},
	}

	cmd.Flags().DurationVar(&forDur, "for", 0, "Inhibit for a duration (e.g. 45m, 2h)")
	cmd.Flags().Uint32VarP(&minutes, "minutes", "m", 0, "Inhibit for N minutes")
	return cmd
}

// newOffCmd creates the off command
func newOffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "off",
		Short: "Deactivate idle inhibition",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), controlCallTimeout)
			defer cancel()

			client, err := dialControl(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Deactivate(ctx); err != nil {
				return err
			}
			fmt.Println("caffeine off")
			return nil
		},
	}
}

// newToggleCmd creates the toggle command
func newToggleCmd() *cobra.Command {
	var (
		forDur  time.Duration
		minutes uint32
	)

	cmd := &cobra.Command{
		Use:   "toggle",
		Short: "Toggle idle inhibition",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), controlCallTimeout)
			defer cancel()

			client, err := dialControl(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			snap, err := client.GetState(ctx)
			if err != nil {
				return err
			}

			if snap.Active {
				if err := client.Deactivate(ctx); err != nil {
					return err
				}
				fmt.Println("caffeine off")
				return nil
			}

			policy, err := policyFromFlags(forDur, minutes, true)
			if err != nil {
				return err
			}
			if err := client.Activate(ctx, policy); err != nil {
				return err
			}
			fmt.Printf("caffeine on (%s)\n", policy)
			return nil
		},
	}

	cmd.Flags().DurationVar(&forDur, "for", 0, "Inhibit for a duration when toggling on")
	cmd.Flags().Uint32VarP(&minutes, "minutes", "m", 0, "Inhibit for N minutes when toggling on")
	return cmd
}

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current inhibition state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), controlCallTimeout)
			defer cancel()

			client, err := dialControl(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			snap, err := client.GetState(ctx)
			if err != nil {
				return err
			}

			if !snap.Active {
				fmt.Println("caffeine is off")
				return nil
			}
			if snap.Expiry.IsIndefinite() {
				fmt.Println("caffeine is on (indefinite)")
				return nil
			}
			fmt.Printf("caffeine is on (%s, %s remaining)\n",
				snap.Expiry, formatRemaining(snap.Remaining(time.Now())))
			return nil
		},
	}
}

func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm", m)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
