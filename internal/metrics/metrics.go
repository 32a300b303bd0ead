package metrics

import (
	"net/http"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Paintersrp/warden/internal/event"
)

var (
	registry = prometheus.NewRegistry()

	managedProcesses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "warden",
		Name:      "managed_processes",
		Help:      "Number of processes currently registered.",
	})

	launches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Name:      "launches_total",
		Help:      "Launch attempts partitioned by result.",
	}, []string{"result"})

	exits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Name:      "exits_total",
		Help:      "Exit notifications partitioned by whether the exit code was zero.",
	}, []string{"clean"})

	outputLines = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Name:      "output_lines_total",
		Help:      "Output lines relayed per stream.",
	}, []string{"stream"})

	droppedLines = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Name:      "dropped_lines_total",
		Help:      "Output lines discarded because a consumer fell behind.",
	})

	killFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Name:      "kill_failures_total",
		Help:      "Kill signals that could not be delivered.",
	})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "warden",
		Name:      "build_info",
		Help:      "Build metadata for the running warden binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(managedProcesses, launches, exits, outputLines, droppedLines, killFailures, buildInfo)
}

// Registry returns the Prometheus registry containing all warden metrics.
func Registry() *prometheus.Registry {
	return registry
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// SetManagedProcesses records the current registry size.
func SetManagedProcesses(n int) {
	managedProcesses.Set(float64(n))
}

// RecordLaunch counts a launch attempt.
func RecordLaunch(ok bool) {
	result := "failed"
	if ok {
		result = "ok"
	}
	launches.WithLabelValues(result).Inc()
}

// RecordKillFailure counts a kill signal that could not be delivered.
func RecordKillFailure() {
	killFailures.Inc()
}

// Observe updates counters from a single event.
func Observe(evt event.Event) {
	switch evt.Type {
	case event.TypeOutput:
		outputLines.WithLabelValues(string(evt.Stream)).Inc()
	case event.TypeDropped:
		if evt.Dropped > 0 {
			droppedLines.Add(float64(evt.Dropped))
		}
	case event.TypeExited:
		clean := "false"
		if evt.ExitCode == 0 && evt.Err == nil {
			clean = "true"
		}
		exits.WithLabelValues(clean).Inc()
	}
}

// Sink returns an event sink that feeds Observe.
func Sink() event.Sink {
	return event.SinkFunc(Observe)
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}
