package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/event"
	"github.com/Paintersrp/warden/internal/logmux"
	"github.com/Paintersrp/warden/internal/metrics"
	"github.com/Paintersrp/warden/internal/mqttsink"
	"github.com/Paintersrp/warden/internal/supervisor"
)

const shutdownTimeout = 15 * time.Second

// daemon is an in-process supervisor with its event pipeline: the supervisor
// emits into a bounded mux which fans out to the broadcaster, the metrics
// counters, the optional MQTT publisher and any extra sinks.
type daemon struct {
	settings *config.Settings
	manifest *config.Manifest
	logger   *zap.Logger

	sup    *supervisor.Supervisor
	events *event.Broadcaster
	mux    *logmux.Mux
	mqtt   *mqttsink.Sink
}

func newDaemon(settings *config.Settings, manifest *config.Manifest, logger *zap.Logger, extra ...event.Sink) (*daemon, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &daemon{
		settings: settings,
		manifest: manifest,
		logger:   logger,
		events:   event.NewBroadcaster(settings.Events.Buffer),
	}

	sinks := []event.Sink{d.events, metrics.Sink()}
	if settings.MQTT.Enabled() {
		mqtt, err := mqttsink.Connect(settings.MQTT, logger)
		if err != nil {
			d.events.Close()
			return nil, err
		}
		d.mqtt = mqtt
		sinks = append(sinks, mqtt)
	}
	sinks = append(sinks, extra...)

	d.mux = logmux.New(settings.Events.Buffer, event.Multi(sinks...))
	d.sup = supervisor.New(d.mux,
		supervisor.WithDrainTimeout(settings.DrainTimeout),
		supervisor.WithLogger(logger),
	)
	return d, nil
}

// autostart launches every manifest entry flagged for autostart. Failures are
// logged and reported together; the remaining entries are still attempted.
func (d *daemon) autostart(ctx stdcontext.Context) error {
	if d.manifest == nil {
		return nil
	}
	var errs []error
	for _, proc := range d.manifest.Autostart() {
		if err := d.sup.Launch(ctx, proc.Spec()); err != nil {
			d.logger.Error("autostart failed", zap.String("id", proc.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("autostart %s: %w", proc.ID, err))
		}
	}
	return errors.Join(errs...)
}

// close terminates every managed process, waits for their exit events to
// pass through the pipeline and releases the sinks.
func (d *daemon) close(ctx stdcontext.Context) error {
	err := d.sup.Shutdown(ctx)
	if waitErr := d.sup.Wait(ctx); waitErr != nil {
		d.logger.Warn("processes still streaming at shutdown",
			zap.Strings("ids", d.sup.Registry().IDs()),
			zap.Error(waitErr),
		)
	}
	d.mux.Close()
	d.events.Close()
	if d.mqtt != nil {
		d.mqtt.Close()
	}
	return err
}
