package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/skiffworks/skiff/pkg/autorun"
)

var (
	metricCommandsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skiff",
		Name:      "commands_dispatched_total",
		Help:      "Commands dispatched by the auto-run loop.",
	})
	metricCommandFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skiff",
		Name:      "command_failures_total",
		Help:      "Dispatched commands that finished with a non-zero exit code.",
	})
	metricStuckVerdicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skiff",
		Name:      "stuck_verdicts_total",
		Help:      "Times the stuck detector halted a session's loop.",
	})
	metricInterventions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skiff",
		Name:      "watchdog_interventions_total",
		Help:      "Stalled commands cancelled by the watchdog.",
	})
)

func countEvent(ev autorun.Event) {
	switch ev.Type {
	case autorun.EventCommandDispatchRequest:
		metricCommandsDispatched.Inc()
	case autorun.EventCommandFinished:
		if ev.ExitCode != 0 {
			metricCommandFailures.Inc()
		}
	case autorun.EventStuckDetected:
		metricStuckVerdicts.Inc()
	case autorun.EventInterventionPerformed:
		metricInterventions.Inc()
	}
}
