/*
Package agent implements the elastic agent run loop: rendezvous a
worker group, start its local workers, monitor them at a fixed
interval, and apply a restart policy until the group reaches a
terminal state. One Agent manages exactly one WorkerSpec (one role),
mirroring SimpleElasticAgent in the reference implementation.
*/
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lattice-ml/lattice-agent/pkg/events"
	"github.com/lattice-ml/lattice-agent/pkg/log"
	"github.com/lattice-ml/lattice-agent/pkg/logmonitor"
	"github.com/lattice-ml/lattice-agent/pkg/metrics"
	"github.com/lattice-ml/lattice-agent/pkg/rank"
	"github.com/lattice-ml/lattice-agent/pkg/rendezvous"
	"github.com/lattice-ml/lattice-agent/pkg/supervisor"
	"github.com/lattice-ml/lattice-agent/pkg/types"
	"github.com/lattice-ml/lattice-agent/pkg/worker"
)

const exitBarrierKeyPrefix = "lattice/agent/terminal_state/"

// FailureClassifier decides whether a non-zero worker exit is an
// infra failure (restart the whole group), a user failure (give up,
// the worker's own code is broken), or unknown (mark the group FAILED,
// wait at the exit barrier, and return the result).
type FailureClassifier func(result *types.RunResult) types.ErrorType

// ncclFailureSubstrings are the stderr fragments the default
// classifier treats as evidence of a transient collective-comms
// failure rather than a bug in the worker's own code: NCCL's own error
// prefix, and the connection-reset/closed messages gloo and NCCL both
// emit when a peer disappears mid-collective.
var ncclFailureSubstrings = []string{
	"NCCL",
	"Connection reset by peer",
	"Connection closed by peer",
}

// DefaultFailureClassifier treats a worker failure as an infra failure
// when any failed worker's stderr carries a gloo/NCCL transport
// fragment, and as a user failure otherwise.
func DefaultFailureClassifier(result *types.RunResult) types.ErrorType {
	if !result.IsFailed() {
		return types.ErrorNone
	}
	for _, f := range result.Failures {
		for _, substr := range ncclFailureSubstrings {
			if strings.Contains(f.Stderr, substr) {
				return types.ErrorInfraFailure
			}
		}
	}
	return types.ErrorUserFailure
}

// Config configures one Agent.
type Config struct {
	Spec               worker.WorkerSpec
	Frameworks         *worker.FrameworkRegistry
	ExitBarrierTimeout time.Duration
	LogDir             string
	Classifier         FailureClassifier
	Publisher          logmonitor.Publisher
	Broker             *events.Broker

	// CountMembershipRestarts, when true, counts a worker group restart
	// triggered by waiting nodes toward restartCount, the same as a
	// restart after an infra failure. With the zero value (false) the
	// group is still restarted on a membership change but restartCount
	// is left unchanged; cmd/lattice-agent sets it to true.
	CountMembershipRestarts bool
}

// Agent runs one WorkerSpec's worker group to completion, applying
// the restart policy on recoverable failures.
type Agent struct {
	cfg          Config
	group        *worker.WorkerGroup
	restartCount int
	store        rendezvous.Store
	frameworks   *worker.FrameworkRegistry
	logger       zerolog.Logger

	supervisor *supervisor.Supervisor
	monitor    *logmonitor.Monitor

	signaled atomic.Bool
}

// New builds an Agent for cfg.Spec, not yet rendezvous'd.
func New(cfg Config) (*Agent, error) {
	group, err := worker.NewWorkerGroup(cfg.Spec)
	if err != nil {
		return nil, err
	}
	if cfg.ExitBarrierTimeout <= 0 {
		cfg.ExitBarrierTimeout = 300 * time.Second
	}
	if cfg.Classifier == nil {
		cfg.Classifier = DefaultFailureClassifier
	}
	if cfg.Frameworks == nil {
		cfg.Frameworks = worker.NewFrameworkRegistry()
	}
	if cfg.LogDir == "" {
		cfg.LogDir = os.TempDir()
	}
	return &Agent{
		cfg:        cfg,
		group:      group,
		frameworks: cfg.Frameworks,
		logger:     log.WithRole(cfg.Spec.Role),
	}, nil
}

func (a *Agent) publish(t events.EventType, msg string) {
	if a.cfg.Broker == nil {
		return
	}
	a.cfg.Broker.Publish(&events.Event{Type: t, RunID: a.cfg.Spec.RdzvHandler.RunID(), Message: msg})
}

// Run drives the agent's full lifecycle: rendezvous, start, monitor,
// restart-or-terminate. It returns the terminal RunResult, or an
// error for failures unrelated to the worker processes themselves.
func (a *Agent) Run() (*types.RunResult, error) {
	defer a.shutdown()

	if err := a.initializeWorkers(); err != nil {
		return nil, err
	}

	role := a.cfg.Spec.Role
	for {
		if a.group.State == types.WorkerStateInit {
			return nil, fmt.Errorf("agent: worker group for role %q still in INIT after initialize", role)
		}
		time.Sleep(a.monitorInterval())

		result, err := a.monitorWorkers()
		if err != nil {
			return nil, err
		}
		if a.signaled.Load() {
			a.logger.Info().Msg("termination signal received, returning without a result")
			return nil, nil
		}
		a.setState(result.State)

		switch result.State {
		case types.WorkerStateSucceeded:
			a.logger.Info().Dur("exit_barrier_timeout", a.cfg.ExitBarrierTimeout).Msg("worker group succeeded, waiting for other agents to finish")
			a.publish(events.EventWorkerGroupSucceeded, "worker group succeeded")
			a.exitBarrier()
			return result, nil

		case types.WorkerStateUnhealthy, types.WorkerStateFailed:
			for _, f := range result.Failures {
				metrics.WorkerExitCode.WithLabelValues(strconv.Itoa(f.LocalRank)).Set(float64(f.ExitCode))
			}
			a.publish(events.EventWorkerGroupFailed, "worker group failed")
			switch a.cfg.Classifier(result) {
			case types.ErrorInfraFailure:
				a.restartCount++
				a.publish(events.EventWorkerGroupRestart, "restarting after infra failure")
				if err := a.restartWorkers(); err != nil {
					return nil, err
				}
			case types.ErrorUserFailure:
				a.stopWorkers()
				_ = a.cfg.Spec.RdzvHandler.Shutdown()
				return result, nil
			default:
				a.stopWorkers()
				a.setState(types.WorkerStateFailed)
				a.exitBarrier()
				return result, nil
			}

		case types.WorkerStateHealthy:
			waiting := a.cfg.Spec.RdzvHandler.NumNodesWaiting()
			if waiting > 0 {
				if a.cfg.CountMembershipRestarts {
					a.restartCount++
				}
				a.logger.Info().Int("nodes_waiting", waiting).Int("group_rank", a.group.GroupRank).Msg("new nodes detected, restarting worker group")
				a.publish(events.EventMembershipChanged, "membership changed, restarting worker group")
				if err := a.restartWorkers(); err != nil {
					return nil, err
				}
			}

		default:
			return nil, fmt.Errorf("agent: worker group for role %q in unexpected state %s", role, result.State)
		}
	}
}

func (a *Agent) monitorInterval() time.Duration {
	return time.Duration(a.cfg.Spec.MonitorInterval * float64(time.Second))
}

// workerStateValue maps a WorkerState to the numeric value exported on
// metrics.WorkerGroupState, in the same order SimpleElasticAgent
// reports worker spec states.
func workerStateValue(state types.WorkerState) float64 {
	switch state {
	case types.WorkerStateInit:
		return 0
	case types.WorkerStateHealthy:
		return 1
	case types.WorkerStateUnhealthy:
		return 2
	case types.WorkerStateStopped:
		return 3
	case types.WorkerStateSucceeded:
		return 4
	case types.WorkerStateFailed:
		return 5
	default:
		return 6
	}
}

func (a *Agent) setState(state types.WorkerState) {
	a.group.State = state
	metrics.WorkerGroupState.Set(workerStateValue(state))
}

// rendezvousAndAssign runs one rendezvous round and computes this
// node's global rank assignment, populating the worker group.
func (a *Agent) rendezvousAndAssign() error {
	timer := metrics.NewTimer()
	store, groupRank, groupWorldSize, err := a.cfg.Spec.RdzvHandler.NextRendezvous()
	if err != nil {
		return fmt.Errorf("agent: rendezvous: %w", err)
	}
	timer.ObserveDuration(metrics.RendezvousDuration)
	metrics.RendezvousRoundsTotal.Inc()
	a.store = store
	a.group.Store = store
	a.group.GroupRank = groupRank
	a.group.GroupWorldSize = groupWorldSize

	assignment, err := rank.DetermineGlobalRanks(store, groupRank, groupWorldSize, a.cfg.Spec.Role, a.cfg.Spec.LocalWorldSize, a.cfg.ExitBarrierTimeout)
	if err != nil {
		return fmt.Errorf("agent: rank assignment: %w", err)
	}

	for i, w := range a.group.Workers {
		w.GlobalID = assignment.Ranks[i]
	}

	fw, err := a.frameworks.Get(a.cfg.Spec.Framework)
	if err != nil {
		return err
	}
	masterAddr := a.cfg.Spec.MasterAddr
	if masterAddr == "" {
		masterAddr = "127.0.0.1"
	}
	for i, w := range a.group.Workers {
		w.Config = map[string]string{
			"LOCAL_RANK":       strconv.Itoa(i),
			"RANK":             strconv.Itoa(w.GlobalID),
			"WORLD_SIZE":       strconv.Itoa(assignment.WorldSize),
			"MASTER_ADDR":      masterAddr,
			"MASTER_PORT":      strconv.Itoa(a.cfg.Spec.MasterPort),
			"LOCAL_WORLD_SIZE": strconv.Itoa(a.cfg.Spec.LocalWorldSize),
			"NODE_RANK":        strconv.Itoa(groupRank),
		}
		if err := w.ValidateConfig(fw); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) initializeWorkers() error {
	role := a.cfg.Spec.Role
	a.logger.Info().Str("role", role).Msg("rendezvous-ing worker group")
	a.publish(events.EventRendezvousStarted, "starting rendezvous")
	if err := a.rendezvousAndAssign(); err != nil {
		return err
	}
	a.publish(events.EventRendezvousComplete, "rendezvous complete")

	a.logger.Info().Str("role", role).Msg("starting worker group")
	if err := a.startWorkers(); err != nil {
		return err
	}
	a.setState(types.WorkerStateHealthy)
	a.publish(events.EventWorkerGroupHealthy, "worker group healthy")
	return nil
}

func (a *Agent) restartWorkers() error {
	a.logger.Info().Msg("stopping worker group")
	metrics.RestartsTotal.Inc()
	a.stopWorkers()
	a.setState(types.WorkerStateStopped)
	return a.initializeWorkers()
}

func (a *Agent) startWorkers() error {
	specs := make(map[int]supervisor.ProcSpec, len(a.group.Workers))
	logFiles := make(map[int]string, len(a.group.Workers))
	for _, w := range a.group.Workers {
		base := filepath.Join(a.cfg.LogDir, fmt.Sprintf("%s-%d", a.cfg.Spec.Role, w.LocalRank))
		stdout := base + "_stdout.log"
		env := os.Environ()
		for k, v := range w.Config {
			env = append(env, k+"="+v)
		}
		if _, set := w.Config["OMP_NUM_THREADS"]; !set {
			env = append(env, fmt.Sprintf("OMP_NUM_THREADS=%d", ompThreads(a.cfg.Spec.LocalWorldSize)))
		}
		specs[w.LocalRank] = supervisor.ProcSpec{
			LocalRank:  w.LocalRank,
			Entrypoint: a.cfg.Spec.Entrypoint,
			Args:       substituteLocalRank(a.cfg.Spec.Args, w.LocalRank),
			Env:        env,
			Stdout:     stdout,
			Stderr:     base + "_stderr.log",
			ErrorFile:  base + "_error.json",
		}
		logFiles[w.LocalRank] = stdout
	}

	sup, err := supervisor.New(a.cfg.Spec.Role, specs)
	if err != nil {
		return err
	}
	if err := sup.Start(); err != nil {
		return fmt.Errorf("agent: start workers: %w", err)
	}
	a.supervisor = sup

	a.monitor = logmonitor.New(a.cfg.Spec.Role, logFiles, os.Stdout, 100*time.Millisecond, a.cfg.Publisher)
	a.monitor.Start()
	a.publish(events.EventWorkerGroupStarted, "worker group started")
	return nil
}

// substituteLocalRank replaces the literal token "${local_rank}" in
// each arg with localRank, matching the reference launcher's
// macros.substitute for per-worker argv templating (e.g. a
// --device-id=${local_rank} flag).
func substituteLocalRank(args []string, localRank int) []string {
	if len(args) == 0 {
		return args
	}
	out := make([]string, len(args))
	rank := strconv.Itoa(localRank)
	for i, arg := range args {
		out[i] = strings.ReplaceAll(arg, "${local_rank}", rank)
	}
	return out
}

// ompThreads picks a default OMP_NUM_THREADS so CPU-bound worker
// processes sharing a node don't each spawn one OpenMP thread per core.
func ompThreads(localWorldSize int) int {
	if localWorldSize <= 0 {
		localWorldSize = 1
	}
	n := runtime.NumCPU() / localWorldSize
	if n < 1 {
		n = 1
	}
	return n
}

func (a *Agent) stopWorkers() {
	if a.supervisor != nil {
		a.supervisor.Close(supervisor.DefaultSignal(), 30*time.Second)
	}
	if a.monitor != nil {
		a.monitor.Stop()
	}
}

func (a *Agent) monitorWorkers() (*types.RunResult, error) {
	result, err := a.supervisor.Poll()
	if err != nil {
		return nil, err
	}
	if result == nil {
		return &types.RunResult{State: types.WorkerStateHealthy}, nil
	}
	return result, nil
}

// exitBarrier blocks until every agent in the job reaches the same
// terminal state point, or the exit barrier timeout elapses.
func (a *Agent) exitBarrier() {
	start := time.Now()
	a.logger.Info().Str("state", string(a.group.State)).Dur("timeout", a.cfg.ExitBarrierTimeout).Msg("waiting at exit barrier for other agents")
	err := rendezvous.Barrier(a.store, a.group.GroupRank, a.group.GroupWorldSize, exitBarrierKeyPrefix, a.cfg.ExitBarrierTimeout)
	if err != nil {
		a.logger.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("error waiting on exit barrier")
		return
	}
	a.logger.Info().Dur("elapsed", time.Since(start)).Msg("done waiting for other agents")
}

// shutdown tears down the supervisor and log monitor. It is safe to
// call multiple times and is always invoked via defer from Run.
func (a *Agent) shutdown() {
	a.stopWorkers()
}

// HandleSignal propagates a received termination signal into the
// worker group teardown, matching the reference agent's SignalException
// handling: workers get sig instead of the default SIGTERM. It
// marks the run as signaled so Run returns (nil, nil) instead of
// surfacing the resulting worker exits as an ordinary RunResult.
func (a *Agent) HandleSignal(sig os.Signal) {
	a.logger.Warn().Str("signal", sig.String()).Msg("received death signal, shutting down workers")
	a.signaled.Store(true)
	if a.supervisor != nil {
		a.supervisor.Close(sig, 30*time.Second)
	}
	if a.monitor != nil {
		a.monitor.Stop()
	}
}
