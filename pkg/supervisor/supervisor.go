/*
Package supervisor starts, polls, and tears down the set of local
worker processes belonging to one WorkerGroup. It follows an
all-or-nothing policy: Wait returns a result only once every process
has exited successfully, or as soon as any one of them fails — at
which point the rest are sent a termination signal.

Process output is optionally redirected to per-rank log files and
fanned through pkg/logmonitor for tailing and metric extraction.
*/
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/lattice-ml/lattice-agent/pkg/log"
	"github.com/lattice-ml/lattice-agent/pkg/types"
)

// ErrAlreadyStarted is returned by Start if called more than once on
// the same Supervisor.
var ErrAlreadyStarted = errors.New("supervisor: already started")

// SignalException carries the signal the agent process received from
// its own termination handler, so callers can propagate it into
// Close as the death signal for the worker group.
type SignalException struct {
	Signal os.Signal
}

func (e *SignalException) Error() string {
	return fmt.Sprintf("supervisor: received signal %v", e.Signal)
}

// ProcSpec is everything needed to exec one worker process.
type ProcSpec struct {
	LocalRank  int
	Entrypoint string
	Args       []string
	Env        []string
	Stdout     string // path, empty disables redirect
	Stderr     string // path, empty disables redirect
	ErrorFile  string
}

type procState struct {
	cmd      *exec.Cmd
	outFile  *os.File
	errFile  *os.File
	done     chan struct{}
	exitCode int
}

// Supervisor manages a fixed set of local worker processes as one
// group, started together and torn down together.
type Supervisor struct {
	name   string
	specs  map[int]ProcSpec
	logger zerolog.Logger

	mu       sync.Mutex
	procs    map[int]*procState
	failures map[int]types.ProcessFailure
	started  bool
	closed   bool
}

// New builds a Supervisor for the given process specs, keyed by
// local rank. Every local rank in [0, len(specs)) must be present.
func New(name string, specs map[int]ProcSpec) (*Supervisor, error) {
	for i := 0; i < len(specs); i++ {
		if _, ok := specs[i]; !ok {
			return nil, fmt.Errorf("supervisor: missing spec for local rank %d", i)
		}
	}
	return &Supervisor{
		name:     name,
		specs:    specs,
		logger:   log.WithComponent("supervisor").With().Str("group", name).Logger(),
		procs:    make(map[int]*procState),
		failures: make(map[int]types.ProcessFailure),
	}, nil
}

// Start execs every worker process. It must be called at most once.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	for rank := 0; rank < len(s.specs); rank++ {
		spec := s.specs[rank]
		cmd := exec.Command(spec.Entrypoint, spec.Args...)
		cmd.Env = spec.Env

		ps := &procState{cmd: cmd, done: make(chan struct{})}

		if spec.Stdout != "" {
			f, err := os.Create(spec.Stdout)
			if err != nil {
				return fmt.Errorf("supervisor: open stdout for rank %d: %w", rank, err)
			}
			ps.outFile = f
			cmd.Stdout = f
		}
		if spec.Stderr != "" {
			f, err := os.Create(spec.Stderr)
			if err != nil {
				return fmt.Errorf("supervisor: open stderr for rank %d: %w", rank, err)
			}
			ps.errFile = f
			cmd.Stderr = f
		}

		if err := cmd.Start(); err != nil {
			return fmt.Errorf("supervisor: start rank %d (%s): %w", rank, spec.Entrypoint, err)
		}
		s.procs[rank] = ps
		s.logger.Info().Int("local_rank", rank).Int("pid", cmd.Process.Pid).Str("entrypoint", spec.Entrypoint).Msg("worker process started")

		go func(rank int, ps *procState) {
			err := ps.cmd.Wait()
			if ps.cmd.ProcessState != nil {
				ps.exitCode = ps.cmd.ProcessState.ExitCode()
			} else if err != nil {
				ps.exitCode = -1
			}
			close(ps.done)
		}(rank, ps)
	}
	return nil
}

// Poll checks every running process without blocking. It returns a
// non-nil RunResult once all processes have exited cleanly or any one
// of them has failed (in which case the rest are terminated); it
// returns nil while the group is still healthy and running.
func (s *Supervisor) Poll() (*types.RunResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollLocked()
}

func (s *Supervisor) pollLocked() (*types.RunResult, error) {
	allDone := true
	for rank, ps := range s.procs {
		select {
		case <-ps.done:
			if _, already := s.failures[rank]; ps.exitCode != 0 && !already {
				s.failures[rank] = types.ProcessFailure{
					LocalRank:     rank,
					PID:           ps.cmd.Process.Pid,
					ExitCode:      ps.exitCode,
					ErrorFilePath: s.specs[rank].ErrorFile,
					Stderr:        s.readStderr(rank),
					Timestamp:     time.Now(),
				}
			}
		default:
			allDone = false
		}
	}

	if !allDone && len(s.failures) == 0 {
		return nil, nil
	}

	s.closeLocked(defaultSignal(), 30*time.Second)

	result := &types.RunResult{Failures: s.failures}
	if result.IsFailed() {
		first, _ := result.FirstFailure()
		s.logger.Error().
			Int("exit_code", first.ExitCode).
			Int("local_rank", first.LocalRank).
			Int("pid", first.PID).
			Msg("worker process failed")
		result.State = types.WorkerStateFailed
		result.ErrorType = types.ErrorUserFailure
	} else {
		result.State = types.WorkerStateSucceeded
		result.ReturnValues = make(map[int]any, len(s.specs))
		for rank := range s.specs {
			result.ReturnValues[rank] = nil
		}
	}
	return result, nil
}

// Wait polls every period until timeout elapses or a RunResult is
// ready. A zero timeout is equivalent to one Poll call; a negative
// timeout waits forever.
func (s *Supervisor) Wait(timeout, period time.Duration) (*types.RunResult, error) {
	if timeout == 0 {
		return s.Poll()
	}
	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}
	for {
		result, err := s.Poll()
		if err != nil || result != nil {
			return result, err
		}
		if hasDeadline && time.Now().After(deadline) {
			return nil, nil
		}
		time.Sleep(period)
	}
}

// Pids returns the OS pid of every worker process, keyed by local rank.
func (s *Supervisor) Pids() map[int]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]int, len(s.procs))
	for rank, ps := range s.procs {
		if ps.cmd.Process != nil {
			out[rank] = ps.cmd.Process.Pid
		}
	}
	return out
}

// Close sends deathSig to every still-running process, waits up to
// timeout for a clean exit, and SIGKILLs anything left standing.
func (s *Supervisor) Close(deathSig os.Signal, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(deathSig, timeout)
}

func (s *Supervisor) closeLocked(deathSig os.Signal, timeout time.Duration) {
	if s.closed {
		return
	}
	s.closed = true

	isRunning := func(ps *procState) bool {
		select {
		case <-ps.done:
			return false
		default:
			return true
		}
	}

	for rank, ps := range s.procs {
		if !isRunning(ps) {
			continue
		}
		s.logger.Warn().Int("local_rank", rank).Int("pid", ps.cmd.Process.Pid).Str("signal", deathSig.String()).Msg("sending termination signal to worker process")
		_ = ps.cmd.Process.Signal(deathSig)
	}

	deadline := time.Now().Add(timeout)
	for _, ps := range s.procs {
		if !isRunning(ps) {
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		select {
		case <-ps.done:
		case <-time.After(remaining):
		}
	}

	for rank, ps := range s.procs {
		if !isRunning(ps) {
			continue
		}
		s.logger.Warn().Int("local_rank", rank).Int("pid", ps.cmd.Process.Pid).Msg("process did not exit after death signal, sending SIGKILL")
		_ = ps.cmd.Process.Kill()
		<-ps.done
	}

	for _, ps := range s.procs {
		if ps.outFile != nil {
			_ = ps.outFile.Close()
		}
		if ps.errFile != nil {
			_ = ps.errFile.Close()
		}
	}
}

func (s *Supervisor) readStderr(rank int) string {
	path := s.specs[rank].Stderr
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func defaultSignal() os.Signal {
	return syscall.SIGTERM
}

// DefaultSignal is the death signal Close uses when the caller has no
// more specific signal to propagate (e.g. no SignalException pending).
func DefaultSignal() os.Signal {
	return defaultSignal()
}

// KillSignal is the escalation signal used once deathSig's grace
// period elapses.
func KillSignal() os.Signal {
	return syscall.SIGKILL
}
