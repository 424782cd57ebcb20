// Package metrics holds the bastion's process-wide Prometheus collectors.
//
// Grounded on github.com/zmb3/teleport's lib/srv/authhandlers.go
// (failedLoginCount, certificateMismatchCount) and
// lib/srv/session_control.go (userSessionLimitHitCount): a package-level
// var block of collectors registered via a small helper that tolerates
// re-registration, so calling it more than once is harmless.
package metrics

import (
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// FailedAuth counts downstream password authentication rejections.
	FailedAuth = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bastion_failed_auth_total",
		Help: "Number of downstream authentication attempts that were rejected.",
	})

	// UpstreamDialFailures counts failed dials to target VMs.
	UpstreamDialFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bastion_upstream_dial_failures_total",
		Help: "Number of failed SSH dials to a target VM.",
	})

	// ActiveSessions tracks sessions currently in RUN or DRAIN.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bastion_active_sessions",
		Help: "Number of proxy sessions currently bridging traffic.",
	})

	// CommandsAudited counts command lines appended to the audit sink.
	CommandsAudited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bastion_commands_audited_total",
		Help: "Number of command lines extracted from shell sessions and audited.",
	})

	collectors = []prometheus.Collector{
		FailedAuth,
		UpstreamDialFailures,
		ActiveSessions,
		CommandsAudited,
	}
)

// Register registers all bastion collectors with the default registry.
// Re-registering an already-registered collector is not treated as an
// error, so Register may be called more than once in the same process.
func Register() error {
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return trace.Wrap(err)
		}
	}
	return nil
}
