/*
Package worker defines the blueprint (WorkerSpec), the runtime unit
(Worker) and the managed collection of workers for one role
(WorkerGroup) that the elastic agent starts, monitors, and restarts.
A WorkerSpec is framework-agnostic; the required environment variables
a worker process needs are supplied by a Framework, selected from the
FrameworkRegistry by WorkerSpec.Framework.
*/
package worker

import (
	"fmt"
	"path/filepath"

	"github.com/lattice-ml/lattice-agent/pkg/rendezvous"
	"github.com/lattice-ml/lattice-agent/pkg/supervisor"
	"github.com/lattice-ml/lattice-agent/pkg/types"
)

// WorkerSpec is the blueprint for all local_world_size worker
// processes of one role. It is expected to be homogeneous across
// every node in the job: all nodes run the same spec for a role, only
// their group rank differs.
type WorkerSpec struct {
	Framework      string
	Role           string
	LocalWorldSize int
	RdzvHandler    rendezvous.Handler
	Entrypoint     string
	Args           []string
	MonitorInterval float64 // seconds
	MasterAddr     string
	MasterPort     int
	Redirects      map[int]supervisor.Std
	Tee            map[int]supervisor.Std
}

func (s WorkerSpec) validate() error {
	if s.LocalWorldSize <= 0 {
		return fmt.Errorf("worker: local_world_size must be positive, got %d", s.LocalWorldSize)
	}
	if s.Entrypoint == "" {
		return fmt.Errorf("worker: entrypoint is required")
	}
	if s.MonitorInterval <= 0 {
		return fmt.Errorf("worker: monitor_interval must be positive, got %v", s.MonitorInterval)
	}
	return nil
}

// EntrypointName returns the base name of the entrypoint, for logging
// and metric tags.
func (s WorkerSpec) EntrypointName() string {
	return filepath.Base(s.Entrypoint)
}

// Worker is one instance of a WorkerSpec: a single worker process
// identity, distinguished from its peers by LocalRank and (once
// ranks are assigned) a global or role-scoped ID.
type Worker struct {
	Role     string
	LocalRank int
	GlobalID int
	Config   map[string]string
}

// RequiredEnvVars returns the names of the environment variables this
// worker's config must populate, as dictated by its framework.
func (w *Worker) RequiredEnvVars(fw Framework) []string {
	return fw.RequiredEnvVars()
}

// ValidateConfig reports the first missing required environment
// variable for fw, or nil if the config is complete.
func (w *Worker) ValidateConfig(fw Framework) error {
	var missing []string
	for _, key := range fw.RequiredEnvVars() {
		if _, ok := w.Config[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("worker: role %q local_rank %d missing required config: %v", w.Role, w.LocalRank, missing)
	}
	return nil
}

// WorkerGroup is the set of Worker instances for a WorkerSpec, managed
// by the elastic agent as a single unit: if one worker in the group
// fails, the entire group is considered failed.
type WorkerGroup struct {
	Spec    WorkerSpec
	Workers []*Worker

	Store          rendezvous.Store
	GroupRank      int
	GroupWorldSize int

	State types.WorkerState
}

// NewWorkerGroup builds a group in types.WorkerStateInit with one
// Worker per local rank, before rendezvous has assigned any group or
// global rank.
func NewWorkerGroup(spec WorkerSpec) (*WorkerGroup, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	workers := make([]*Worker, spec.LocalWorldSize)
	for i := range workers {
		workers[i] = &Worker{Role: spec.Role, LocalRank: i, GlobalID: -1, Config: map[string]string{}}
	}
	return &WorkerGroup{
		Spec:    spec,
		Workers: workers,
		State:   types.WorkerStateInit,
	}, nil
}
