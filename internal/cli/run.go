package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/caffeind/caffeind/internal/application/port"
	"github.com/caffeind/caffeind/internal/config"
	"github.com/caffeind/caffeind/internal/domain/entity"
	"github.com/caffeind/caffeind/internal/infrastructure/control"
	"github.com/caffeind/caffeind/internal/infrastructure/portal"
	"github.com/caffeind/caffeind/internal/infrastructure/syncbus"
	"github.com/caffeind/caffeind/internal/logging"
	"github.com/caffeind/caffeind/internal/session"
)

// newRunCmd creates the run command: the long-lived panel-core process.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the caffeind instance for this panel",
		Long: "Run the session core: it owns the inhibition grant, the expiry timer, and\n" +
			"mirrors state with every other instance on the session bus. Stops cleanly on\n" +
			"SIGINT/SIGTERM, releasing any held grant first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg := config.Get()

	logger := logging.New(logging.Config{
		Level:      logging.ParseLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		TimeFormat: logging.DefaultConfig().TimeFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithContext(ctx, logger)
	log := logging.FromContext(ctx)

	inhibitor := portal.Detect(ctx, "caffeind", portal.Flags{
		Idle:    cfg.Inhibit.Idle,
		Suspend: cfg.Inhibit.Suspend,
	})
	defer func() {
		if err := inhibitor.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close inhibitor")
		}
	}()

	bus, err := syncbus.New(ctx, cfg.Bus.SyncInterface)
	if err != nil {
		return fmt.Errorf("failed to connect sync bus: %w", err)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close sync bus")
		}
	}()

	// The UI boundary. A panel embeds the manager directly; the standalone
	// daemon just reports transitions for the indicator logs.
	listener := port.StateListenerFunc(func(active bool, expiry entity.ExpiryPolicy) {
		log.Info().Bool("active", active).Str("expiry", expiry.String()).Msg("state changed")
	})

	mgr := session.NewManager(inhibitor, bus, listener, session.Options{
		Reason: cfg.Reason,
	})
	ctx = logging.WithInstanceID(ctx, mgr.InstanceID())
	log = logging.FromContext(ctx)
	log.Info().Msg("caffeind starting")

	if cfg.Bus.ClaimName {
		svc, err := control.Export(ctx, mgr, cfg.Bus.Name)
		switch {
		case errors.Is(err, control.ErrNameTaken):
			log.Info().Msg("control name already owned, acting as peer instance")
		case err != nil:
			return fmt.Errorf("failed to export control interface: %w", err)
		default:
			defer func() {
				if err := svc.Close(); err != nil {
					log.Warn().Err(err).Msg("failed to close control interface")
				}
			}()
		}
	}

	if err := config.Watch(); err != nil {
		log.Warn().Err(err).Msg("config watching disabled")
	}
	config.OnConfigChange(func(c *config.Config) {
		log.Info().Msg("configuration reloaded")
	})

	return mgr.Run(ctx)
}
