package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/lattice-ml/lattice-agent/pkg/agent"
	"github.com/lattice-ml/lattice-agent/pkg/events"
	"github.com/lattice-ml/lattice-agent/pkg/health"
	"github.com/lattice-ml/lattice-agent/pkg/log"
	"github.com/lattice-ml/lattice-agent/pkg/logmonitor"
	"github.com/lattice-ml/lattice-agent/pkg/metrics"
	"github.com/lattice-ml/lattice-agent/pkg/rendezvous/rdzvtest"
	"github.com/lattice-ml/lattice-agent/pkg/supervisor"
	"github.com/lattice-ml/lattice-agent/pkg/worker"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lattice-agent",
	Short: "Elastic launcher and supervisor for distributed training workers",
	Long: `lattice-agent rendezvous-synchronizes a group of worker processes
across nodes, assigns each one a global rank, and supervises their
lifecycle: start, monitor, restart on transient failure, and tear down
on success or unrecoverable failure.`,
	Version: Version,
	RunE:    runAgent,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("lattice-agent version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	flags := rootCmd.Flags()
	flags.String("framework", envOr("LATTICE_FRAMEWORK", "generic"), "rank-assignment and env-var protocol: generic, pytorch")
	flags.String("nnodes", envOr("LATTICE_NNODES", "1:1"), "elastic size range MIN[:MAX]")
	flags.String("nproc_per_node", envOr("LATTICE_NPROC_PER_NODE", "1"), "local worker count: N, cpu, gpu, or auto")
	flags.String("rdzv_backend", envOr("LATTICE_RDZV_BACKEND", "static"), "rendezvous backend name (external collaborator; static is the only in-tree handler)")
	flags.String("rdzv_client_service_host", envOr("LATTICE_RDZV_CLIENT_SERVICE_HOST", "127.0.0.1"), "rendezvous service host")
	flags.String("rdzv_client_service_port", envOr("LATTICE_RDZV_CLIENT_SERVICE_PORT", "29400"), "rendezvous service port")
	flags.String("rdzv_id", os.Getenv("LATTICE_RDZV_ID"), "user-defined job id (required)")
	flags.String("rdzv_conf", envOr("LATTICE_RDZV_CONF", ""), "extra rendezvous parameters, k=v,k=v,...")
	flags.Float64("monitor_interval", 5.0, "seconds between worker group health polls")
	flags.String("metrics_listen", envOr("LATTICE_METRICS_LISTEN", ":9090"), "address to serve /metrics, /health, /ready, /live on (empty disables)")
	flags.String("metric_pushgateway_endpoint", envOr("LATTICE_METRIC_PUSHGATEWAY_ENDPOINT", ""), "Prometheus pushgateway URL (empty disables metric push)")
	flags.String("metric_pushgateway_backend", envOr("LATTICE_METRIC_PUSHGATEWAY_BACKEND", "prometheus"), "metrics sink backend name")
	flags.String("config", "", "YAML file overriding the framework, nnodes, nproc_per_node, rdzv_* and metric_pushgateway_* flags")
	flags.String("log-level", envOr("LATTICE_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "output logs in JSON format")
	flags.String("log-dir", envOr("LATTICE_LOG_DIR", ""), "directory for per-rank stdout/stderr files (defaults to a temp dir)")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.Flags().GetString("log-level")
	logJSON, _ := rootCmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

// envOr returns the given environment variable, or def if unset or empty.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// fileConfig mirrors the framework, node-count, rendezvous and
// pushgateway flags so --config can override them; zero-value fields
// leave the corresponding flag untouched. monitor_interval,
// metrics_listen and the logging flags are not read from the file.
type fileConfig struct {
	Framework                 string `yaml:"framework"`
	Nnodes                    string `yaml:"nnodes"`
	NprocPerNode              string `yaml:"nproc_per_node"`
	RdzvBackend               string `yaml:"rdzv_backend"`
	RdzvClientServiceHost     string `yaml:"rdzv_client_service_host"`
	RdzvClientServicePort     string `yaml:"rdzv_client_service_port"`
	RdzvID                    string `yaml:"rdzv_id"`
	RdzvConf                  string `yaml:"rdzv_conf"`
	MetricPushgatewayEndpoint string `yaml:"metric_pushgateway_endpoint"`
	MetricPushgatewayBackend  string `yaml:"metric_pushgateway_backend"`
}

func runAgent(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	configPath, _ := flags.GetString("config")
	if configPath != "" {
		if err := applyConfigFile(flags, configPath); err != nil {
			return fmt.Errorf("lattice-agent: %w", err)
		}
	}

	frameworkName, _ := flags.GetString("framework")
	nnodesStr, _ := flags.GetString("nnodes")
	nprocStr, _ := flags.GetString("nproc_per_node")
	rdzvBackend, _ := flags.GetString("rdzv_backend")
	rdzvHost, _ := flags.GetString("rdzv_client_service_host")
	rdzvPort, _ := flags.GetString("rdzv_client_service_port")
	rdzvID, _ := flags.GetString("rdzv_id")
	rdzvConfStr, _ := flags.GetString("rdzv_conf")
	pushEndpoint, _ := flags.GetString("metric_pushgateway_endpoint")
	logDir, _ := flags.GetString("log-dir")
	monitorInterval, _ := flags.GetFloat64("monitor_interval")
	metricsListen, _ := flags.GetString("metrics_listen")

	if rdzvID == "" {
		rdzvID = uuid.NewString()
		log.WithComponent("lattice-agent").Warn().Str("run_id", rdzvID).Msg("--rdzv_id not set, generated a random run id")
	}

	if len(args) == 0 {
		return fmt.Errorf("lattice-agent: an entrypoint command is required, e.g. `lattice-agent --rdzv_id=job1 -- python train.py`")
	}
	entrypoint := args[0]
	entrypointArgs := args[1:]

	minNodes, maxNodes, err := parseNnodes(nnodesStr)
	if err != nil {
		return err
	}
	localWorldSize, err := parseNprocPerNode(nprocStr)
	if err != nil {
		return err
	}
	_ = parseRdzvConf(rdzvConfStr) // reserved for backend-specific tuning; static backend ignores it

	frameworks := worker.NewFrameworkRegistry()
	if _, err := frameworks.Get(frameworkName); err != nil {
		return err
	}

	if minNodes != maxNodes {
		log.WithComponent("lattice-agent").Warn().Int("min", minNodes).Int("max", maxNodes).
			Msg("static rendezvous handler requires a fixed group size, using --nnodes max as the world size")
	}
	store := rdzvtest.NewMemStore(30 * time.Second)
	handler := rdzvtest.NewStaticHandler(rdzvID, store, maxNodes)
	metrics.SetVersion(Version)
	metrics.SetCriticalComponents("rendezvous", "supervisor")

	if rdzvBackend == "static" {
		metrics.RegisterComponent("rendezvous", true, "")
	} else {
		// static is the only backend this process actually speaks; any
		// other name points at an external collaborator it must still be
		// able to reach before the run is considered viable.
		addr := net.JoinHostPort(rdzvHost, rdzvPort)
		cfg := health.DefaultConfig()
		cfg.Timeout = 5 * time.Second
		cfg.StartPeriod = 10 * time.Second
		if err := checkRendezvousBackendReachable(rdzvBackend, addr, cfg, time.Second); err != nil {
			metrics.RegisterComponent("rendezvous", false, err.Error())
			return fmt.Errorf("lattice-agent: %w", err)
		}
		metrics.RegisterComponent("rendezvous", true, "")
	}

	spec := worker.WorkerSpec{
		Framework:       frameworkName,
		Role:            "default",
		LocalWorldSize:  localWorldSize,
		RdzvHandler:     handler,
		Entrypoint:      entrypoint,
		Args:            entrypointArgs,
		MonitorInterval: monitorInterval,
		Redirects:       map[int]supervisor.Std{},
		Tee:             map[int]supervisor.Std{},
	}

	if metricsListen != "" {
		startMetricsServer(metricsListen)
	}

	var publisher logmonitor.Publisher
	if pushEndpoint != "" {
		jobID := rdzvID
		publisher = logmonitor.NewPushgatewayPublisher(logmonitor.PushgatewayConfig{Endpoint: pushEndpoint, JobID: jobID})
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	a, err := agent.New(agent.Config{
		Spec:       spec,
		Frameworks: frameworks,
		LogDir:     logDir,
		Publisher:  publisher,
		Broker:     broker,

		CountMembershipRestarts: true,
	})
	if err != nil {
		return fmt.Errorf("lattice-agent: %w", err)
	}
	metrics.RegisterComponent("supervisor", true, "")

	sigCh := make(chan os.Signal, 1)
	supervisor.NotifyTermination(sigCh)
	defer supervisor.StopNotifyTermination(sigCh)
	handledSig := make(chan os.Signal, 1)
	go func() {
		sig := <-sigCh
		a.HandleSignal(sig)
		handledSig <- sig
	}()

	result, err := a.Run()
	if err != nil {
		return fmt.Errorf("lattice-agent: %w", err)
	}
	if result == nil {
		// Run returns (nil, nil) only when a termination signal cut the
		// run short; exit with the conventional 128+signal code instead
		// of going through cobra's flat exit-1 error path.
		sig := <-handledSig
		log.WithComponent("lattice-agent").Warn().Str("signal", sig.String()).Msg("exiting after termination signal")
		os.Exit(128 + int(sig.(syscall.Signal)))
	}
	if result.IsFailed() {
		first, _ := result.FirstFailure()
		return fmt.Errorf("lattice-agent: worker group failed: local_rank=%d exit_code=%d", first.LocalRank, first.ExitCode)
	}
	return nil
}

// startMetricsServer serves /metrics, /health, /ready and /live in a
// background goroutine; a bind failure is logged rather than fatal
// since metrics are diagnostic, not load-bearing.
func startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	logger := log.WithComponent("lattice-agent")
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", addr).Msg("serving metrics and health endpoints")
}

// checkRendezvousBackendReachable polls a named rendezvous backend's
// TCP endpoint, tracking consecutive failures the way a container
// health check would, and tolerates failures for cfg.StartPeriod
// before giving up. Called only for a --rdzv_backend other than
// "static", which needs no network peer at all.
func checkRendezvousBackendReachable(backend, addr string, cfg health.Config, retryDelay time.Duration) error {
	checker := health.NewTCPChecker(addr).WithTimeout(cfg.Timeout)
	status := health.NewStatus()
	for {
		result := checker.Check(context.Background())
		status.Update(result, cfg)
		if result.Healthy {
			return nil
		}
		if !status.InStartPeriod(cfg) {
			return fmt.Errorf("rendezvous backend %q unreachable at %s: %s", backend, addr, result.Message)
		}
		time.Sleep(retryDelay)
	}
}

func applyConfigFile(flags *pflag.FlagSet, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setIfNonEmpty := func(name, value string) {
		if value != "" {
			_ = flags.Set(name, value)
		}
	}
	setIfNonEmpty("framework", cfg.Framework)
	setIfNonEmpty("nnodes", cfg.Nnodes)
	setIfNonEmpty("nproc_per_node", cfg.NprocPerNode)
	setIfNonEmpty("rdzv_backend", cfg.RdzvBackend)
	setIfNonEmpty("rdzv_client_service_host", cfg.RdzvClientServiceHost)
	setIfNonEmpty("rdzv_client_service_port", cfg.RdzvClientServicePort)
	setIfNonEmpty("rdzv_id", cfg.RdzvID)
	setIfNonEmpty("rdzv_conf", cfg.RdzvConf)
	setIfNonEmpty("metric_pushgateway_endpoint", cfg.MetricPushgatewayEndpoint)
	setIfNonEmpty("metric_pushgateway_backend", cfg.MetricPushgatewayBackend)
	return nil
}

// parseNnodes parses MIN[:MAX] into an elastic size range.
func parseNnodes(s string) (min, max int, err error) {
	parts := strings.SplitN(s, ":", 2)
	min, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("lattice-agent: invalid --nnodes %q: %w", s, err)
	}
	if len(parts) == 1 {
		return min, min, nil
	}
	max, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("lattice-agent: invalid --nnodes %q: %w", s, err)
	}
	return min, max, nil
}

// parseNprocPerNode resolves N, cpu, gpu, or auto into a worker count.
func parseNprocPerNode(s string) (int, error) {
	switch s {
	case "cpu":
		return runtime.NumCPU(), nil
	case "gpu", "auto":
		// GPU discovery is an external collaborator (no CUDA/ROCm binding
		// in this tree); fall back to one worker per logical CPU.
		return runtime.NumCPU(), nil
	default:
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("lattice-agent: invalid --nproc_per_node %q: %w", s, err)
		}
		return n, nil
	}
}

func parseRdzvConf(s string) map[string]string {
	out := make(map[string]string)
	if s == "" {
		return out
	}
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out
}
