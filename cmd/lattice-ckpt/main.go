package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/lattice-ml/lattice-agent/pkg/ckptserver"
	"github.com/lattice-ml/lattice-agent/pkg/ckptstore"
	"github.com/lattice-ml/lattice-agent/pkg/log"
	"github.com/lattice-ml/lattice-agent/pkg/metrics"
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
	Use:   "lattice-ckpt",
	Short: "Checkpoint storage service for distributed training jobs",
	Long: `lattice-ckpt stores training checkpoints keyed by (job, uid, name)
and brokers advisory locks between workers that need exclusive access
to a checkpoint name before writing it.`,
	Version: Version,
	RunE:    runServer,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("lattice-ckpt version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	flags := rootCmd.Flags()
	flags.String("root-dir", envOr("LATTICE_CKPT_ROOT_DIR", ""), "optional bbolt database directory for crash-recovery persistence (empty keeps checkpoints in memory only)")
	flags.Int("num-threads", 4, "number of worker goroutines handling checkpoint requests")
	flags.String("listen", envOr("LATTICE_CKPT_LISTEN", ":5555"), "TCP address to listen on")
	flags.String("metrics-listen", envOr("LATTICE_CKPT_METRICS_LISTEN", ":9091"), "address to serve /metrics, /health, /ready, /live on (empty disables)")
	flags.String("log-level", envOr("LATTICE_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "output logs in JSON format")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.Flags().GetString("log-level")
	logJSON, _ := rootCmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func runServer(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	rootDir, _ := flags.GetString("root-dir")
	numThreads, _ := flags.GetInt("num-threads")
	listen, _ := flags.GetString("listen")
	metricsListen, _ := flags.GetString("metrics-listen")

	var dbPath string
	if rootDir != "" {
		if err := os.MkdirAll(rootDir, 0755); err != nil {
			return fmt.Errorf("lattice-ckpt: create root dir: %w", err)
		}
		dbPath = rootDir + "/checkpoints.db"
	}

	store, err := ckptstore.New(dbPath)
	if err != nil {
		return fmt.Errorf("lattice-ckpt: %w", err)
	}
	defer store.Close()
	metrics.SetVersion(Version)
	metrics.SetCriticalComponents("store")
	metrics.RegisterComponent("store", true, "")

	server, err := ckptserver.New(ckptserver.Config{
		ListenAddr: listen,
		NumWorkers: numThreads,
		Store:      store,
	})
	if err != nil {
		return fmt.Errorf("lattice-ckpt: %w", err)
	}

	if metricsListen != "" {
		startMetricsServer(metricsListen)
	}

	return server.Serve()
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

	logger := log.WithComponent("lattice-ckpt")
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", addr).Msg("serving metrics and health endpoints")
}
