package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ml/lattice-agent/pkg/types"
)

func validSpec() WorkerSpec {
	return WorkerSpec{
		Framework:       "generic",
		Role:            "trainer",
		LocalWorldSize:  2,
		Entrypoint:      "/usr/bin/python3",
		Args:            []string{"train.py"},
		MonitorInterval: 1,
	}
}

func TestNewWorkerGroup(t *testing.T) {
	wg, err := NewWorkerGroup(validSpec())
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStateInit, wg.State)
	require.Len(t, wg.Workers, 2)
	for i, w := range wg.Workers {
		assert.Equal(t, "trainer", w.Role)
		assert.Equal(t, i, w.LocalRank)
		assert.Equal(t, -1, w.GlobalID)
	}
}

func TestNewWorkerGroupValidation(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*WorkerSpec)
	}{
		{"zero local world size", func(s *WorkerSpec) { s.LocalWorldSize = 0 }},
		{"empty entrypoint", func(s *WorkerSpec) { s.Entrypoint = "" }},
		{"zero monitor interval", func(s *WorkerSpec) { s.MonitorInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mut(&spec)
			_, err := NewWorkerGroup(spec)
			assert.Error(t, err)
		})
	}
}

func TestEntrypointName(t *testing.T) {
	spec := validSpec()
	spec.Entrypoint = "/usr/bin/python3"
	assert.Equal(t, "python3", spec.EntrypointName())
}

func TestWorkerValidateConfig(t *testing.T) {
	reg := NewFrameworkRegistry()
	pytorch, err := reg.Get("pytorch")
	require.NoError(t, err)

	w := &Worker{Role: "trainer", LocalRank: 0, Config: map[string]string{}}
	assert.Error(t, w.ValidateConfig(pytorch))

	w.Config = map[string]string{
		"LOCAL_RANK": "0", "RANK": "0", "WORLD_SIZE": "2",
		"MASTER_ADDR": "127.0.0.1", "MASTER_PORT": "29500",
	}
	assert.NoError(t, w.ValidateConfig(pytorch))

	generic, err := reg.Get("generic")
	require.NoError(t, err)
	assert.NoError(t, (&Worker{Config: map[string]string{}}).ValidateConfig(generic))
}
