package agent

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ml/lattice-agent/pkg/rendezvous/rdzvtest"
	"github.com/lattice-ml/lattice-agent/pkg/types"
	"github.com/lattice-ml/lattice-agent/pkg/worker"
)

func newTestAgent(t *testing.T, script string) *Agent {
	t.Helper()
	store := rdzvtest.NewMemStore(5 * time.Second)
	handler := rdzvtest.NewStaticHandler("run-1", store, 1)

	spec := worker.WorkerSpec{
		Framework:       "generic",
		Role:            "trainer",
		LocalWorldSize:  1,
		RdzvHandler:     handler,
		Entrypoint:      "/bin/sh",
		Args:            []string{"-c", script},
		MonitorInterval: 0.02,
	}

	a, err := New(Config{
		Spec:               spec,
		ExitBarrierTimeout: 5 * time.Second,
		LogDir:             t.TempDir(),
	})
	require.NoError(t, err)
	return a
}

func TestDefaultFailureClassifierSucceeds(t *testing.T) {
	result := &types.RunResult{State: types.WorkerStateSucceeded}
	assert.Equal(t, types.ErrorNone, DefaultFailureClassifier(result))
}

func TestDefaultFailureClassifierDetectsNCCLFailureAsInfra(t *testing.T) {
	result := &types.RunResult{
		State: types.WorkerStateFailed,
		Failures: map[int]types.ProcessFailure{
			0: {LocalRank: 0, ExitCode: 1, Stderr: "RuntimeError: NCCL error in torch/csrc/distributed/c10d/ProcessGroupNCCL.cpp"},
		},
	}
	assert.Equal(t, types.ErrorInfraFailure, DefaultFailureClassifier(result))
}

func TestDefaultFailureClassifierDetectsConnectionResetAsInfra(t *testing.T) {
	result := &types.RunResult{
		State: types.WorkerStateFailed,
		Failures: map[int]types.ProcessFailure{
			0: {LocalRank: 0, ExitCode: 1, Stderr: "gloo error: Connection reset by peer"},
		},
	}
	assert.Equal(t, types.ErrorInfraFailure, DefaultFailureClassifier(result))
}

func TestDefaultFailureClassifierTreatsOrdinaryCrashAsUserFailure(t *testing.T) {
	result := &types.RunResult{
		State: types.WorkerStateFailed,
		Failures: map[int]types.ProcessFailure{
			0: {LocalRank: 0, ExitCode: 1, Stderr: "Traceback (most recent call last):\nZeroDivisionError: division by zero"},
		},
	}
	assert.Equal(t, types.ErrorUserFailure, DefaultFailureClassifier(result))
}

func TestAgentRunDefaultClassifierRestartsOnNCCLFailure(t *testing.T) {
	marker := t.TempDir() + "/attempted"
	script := fmt.Sprintf(`if [ ! -f %q ]; then touch %q; echo "NCCL error: unhandled system error" 1>&2; exit 1; else exit 1; fi`, marker, marker)
	a := newTestAgent(t, script)

	result, err := a.Run()
	require.NoError(t, err)
	require.NotNil(t, result)
	// First attempt's NCCL stderr is classified as an infra failure and
	// restarted by the default classifier; the second attempt has no
	// such stderr and is classified a user failure, ending the run.
	assert.Equal(t, 1, a.restartCount)
	assert.True(t, result.IsFailed())
}

func TestAgentRunSucceeds(t *testing.T) {
	a := newTestAgent(t, "exit 0")
	result, err := a.Run()
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, types.WorkerStateSucceeded, result.State)
}

func TestAgentRunUserFailureStopsWithoutRestart(t *testing.T) {
	a := newTestAgent(t, "exit 3")
	result, err := a.Run()
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.IsFailed())
	assert.Equal(t, 0, a.restartCount)
}

func TestAgentRunInfraFailureRestartsOnce(t *testing.T) {
	a := newTestAgent(t, "exit 9")
	attempts := 0
	a.cfg.Classifier = func(result *types.RunResult) types.ErrorType {
		attempts++
		if attempts == 1 {
			return types.ErrorInfraFailure
		}
		return types.ErrorUserFailure
	}
	result, err := a.Run()
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, a.restartCount)
	assert.True(t, result.IsFailed())
}

func TestAgentRunUnknownFailureFails(t *testing.T) {
	a := newTestAgent(t, "exit 9")
	a.cfg.Classifier = func(result *types.RunResult) types.ErrorType {
		return types.ErrorType("UNRECOGNIZED")
	}
	result, err := a.Run()
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, types.WorkerStateFailed, result.State)
}
