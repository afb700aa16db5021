package daemon

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/optimus-fulcria/wake-cycle-kagent/internal/controller"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/httpapi"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/store"
	"github.com/optimus-fulcria/wake-cycle-kagent/pkg/models"
)

const defaultWakeInterval = 5 * time.Minute

// runTrigger fires a wake on a fixed interval and exposes the next scheduled
// wake through the app's check_schedule tool. A wake already in flight (held
// lease) is skipped, not queued.
func runTrigger(ctx context.Context, opts StartOptions, app *httpapi.App, ctrl *controller.Controller) {
	interval := time.Duration(opts.IntervalSec * float64(time.Second))
	if interval <= 0 {
		interval = defaultWakeInterval
	}

	var mu sync.Mutex
	nextWake := time.Now().Add(interval)
	app.Schedule = func() models.Schedule {
		mu.Lock()
		defer mu.Unlock()
		return models.Schedule{NextWake: nextWake.UTC(), Interval: interval.String()}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("wake trigger running", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mu.Lock()
			nextWake = time.Now().Add(interval)
			mu.Unlock()

			if _, err := ctrl.Wake(ctx); err != nil {
				if errors.Is(err, store.ErrBusy) {
					// Another wake (manual trigger or slow cycle) holds the
					// lease; this tick is dropped.
					slog.Debug("wake skipped, lease held")
					continue
				}
				if errors.Is(err, context.Canceled) {
					return
				}
			}
		}
	}
}
