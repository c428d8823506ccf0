/*
Package metrics defines the process-local Prometheus registry for the
agent and checkpoint service: worker group state, restart counts,
rendezvous timing, and checkpoint request/size counters. pkg/logmonitor
pushes a separate, smaller metric set extracted from worker stdout to
a pushgateway; this package is what a local /metrics scrape sees.

	http.Handle("/metrics", metrics.Handler())

	timer := metrics.NewTimer()
	// ... run one rendezvous round ...
	timer.ObserveDuration(metrics.RendezvousDuration)
*/
package metrics
