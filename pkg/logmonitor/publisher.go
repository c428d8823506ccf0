package logmonitor

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog"

	"github.com/lattice-ml/lattice-agent/pkg/health"
	"github.com/lattice-ml/lattice-agent/pkg/log"
)

// metricNameMapping maps the key a worker emits in a metrics line to
// the gauge name registered with the pushgateway. Keys absent from
// this map are ignored.
var metricNameMapping = map[string]string{
	"world_size": "lattice_agent_monitor_world_size",
}

// PushgatewayConfig configures a PushgatewayPublisher.
type PushgatewayConfig struct {
	Endpoint string
	JobID    string
}

// PushgatewayPublisher pushes recognized metrics to a Prometheus
// pushgateway. It probes the gateway's readiness once at construction
// time via an HTTP health check and silently no-ops if unreachable,
// matching the tolerant "best effort" behavior of the reference
// monitor (a worker should never fail because metrics couldn't be
// pushed).
type PushgatewayPublisher struct {
	cfg      PushgatewayConfig
	registry *prometheus.Registry
	gauges   map[string]prometheus.Gauge
	pusher   *push.Pusher
	logger   zerolog.Logger
	enabled  bool
}

// NewPushgatewayPublisher builds a publisher for the given endpoint
// and job id, probing reachability before enabling pushes.
func NewPushgatewayPublisher(cfg PushgatewayConfig) *PushgatewayPublisher {
	logger := log.WithComponent("logmonitor.pushgateway")
	p := &PushgatewayPublisher{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]prometheus.Gauge),
		logger:   logger,
	}

	checker := health.NewHTTPChecker("http://" + cfg.Endpoint)
	checker.WithTimeout(5 * time.Second)
	result := checker.Check(context.Background())
	if !result.Healthy {
		logger.Info().Str("endpoint", cfg.Endpoint).Str("reason", result.Message).Msg("pushgateway endpoint not reachable, metrics publishing disabled")
		return p
	}

	p.pusher = push.New(cfg.Endpoint, "lattice-agent-monitor-"+cfg.JobID).Gatherer(p.registry)
	p.enabled = true
	return p
}

// Push registers and sets every recognized metric key and pushes the
// batch to the gateway. Push failures are logged and swallowed: a
// worker's lifecycle must never depend on the pushgateway being up.
func (p *PushgatewayPublisher) Push(m Metrics) {
	if !p.enabled {
		return
	}
	pushed := false
	for k, v := range m {
		name, ok := metricNameMapping[k]
		if !ok {
			continue
		}
		g, ok := p.gauges[k]
		if !ok {
			g = prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: ""})
			p.registry.MustRegister(g)
			p.gauges[k] = g
		}
		val, err := strconv.ParseFloat(v, 64)
		if err != nil {
			p.logger.Warn().Str("key", k).Str("value", v).Msg("metric value is not numeric, skipping")
			continue
		}
		g.Set(val)
		pushed = true
	}
	if !pushed {
		return
	}
	if err := p.pusher.Push(); err != nil {
		p.logger.Info().Err(err).Str("job_id", p.cfg.JobID).Msg("pushing metrics to gateway failed")
	}
}
