/*
Package health implements a small set of reusable health checkers
(HTTP, TCP, exec) behind one Checker interface, plus a Status tracker
that turns a stream of Results into a debounced healthy/unhealthy
verdict (Retries consecutive failures to flip unhealthy, StartPeriod
to tolerate a slow-starting peer). pkg/logmonitor uses the HTTP
checker to probe a Prometheus pushgateway's reachability before
enabling metric pushes; cmd/lattice-agent uses the TCP checker and
Status together to wait out a configured rendezvous backend's startup
grace period before giving up on it. Nothing in this module requires
the exec checker today, but it stays as the same general-purpose
primitive the other two are.

	checker := health.NewHTTPChecker("http://pushgateway:9091")
	checker.WithTimeout(5 * time.Second)
	result := checker.Check(context.Background())
	if !result.Healthy {
		// fall back to a no-op publisher
	}
*/
package health
