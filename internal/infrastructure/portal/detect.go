package portal

import (
	"context"
	"fmt"

	"github.com/caffeind/caffeind/internal/application/port"
	"github.com/caffeind/caffeind/internal/logging"
)

// Detect returns the best available inhibition client for this session:
// the XDG portal when present, otherwise the freedesktop ScreenSaver service,
// otherwise a degraded client whose Acquire always reports the service
// unavailable. The degraded client keeps the rest of the application running;
// activation simply fails until the user retries on a working session.
func Detect(ctx context.Context, appName string, flags Flags) port.Inhibitor {
	log := logging.FromContext(ctx)

	p, err := NewPortal(ctx, flags)
	if err == nil {
		return p
	}
	log.Debug().Err(err).Msg("inhibit portal unavailable, trying screensaver service")

	s, err := NewScreenSaver(ctx, appName)
	if err == nil {
		return s
	}
	log.Debug().Err(err).Msg("screensaver service unavailable")

	log.Warn().Msg("no idle-inhibition service reachable, activation will fail until one appears")
	return Unavailable{}
}

var _ port.Inhibitor = Unavailable{}

// Unavailable is the degraded client used when no inhibition service is
// reachable at startup.
type Unavailable struct{}

func (Unavailable) Acquire(ctx context.Context, reason string) (port.Handle, error) {
	return nil, fmt.Errorf("%w: no inhibition service detected", port.ErrServiceUnavailable)
}

func (Unavailable) Release(ctx context.Context, h port.Handle) error {
	return fmt.Errorf("%w: no inhibition service detected", port.ErrServiceUnavailable)
}

func (Unavailable) Close() error { return nil }
