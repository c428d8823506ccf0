package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameworkRegistryDefaults(t *testing.T) {
	reg := NewFrameworkRegistry()

	generic, err := reg.Get("generic")
	require.NoError(t, err)
	assert.Equal(t, "generic", generic.Name())
	assert.Empty(t, generic.RequiredEnvVars())

	pytorch, err := reg.Get("pytorch")
	require.NoError(t, err)
	assert.Equal(t, "pytorch", pytorch.Name())
	assert.ElementsMatch(t, []string{"LOCAL_RANK", "RANK", "WORLD_SIZE", "MASTER_ADDR", "MASTER_PORT"}, pytorch.RequiredEnvVars())

	_, err = reg.Get("pytorch-lightning")
	assert.Error(t, err)
	_, err = reg.Get("tensorflow")
	assert.Error(t, err)
}

type fakeFramework struct{}

func (fakeFramework) Name() string             { return "fake" }
func (fakeFramework) RequiredEnvVars() []string { return []string{"FAKE_VAR"} }

func TestFrameworkRegistryRegister(t *testing.T) {
	reg := NewFrameworkRegistry()
	reg.Register(fakeFramework{})

	fw, err := reg.Get("fake")
	require.NoError(t, err)
	assert.Equal(t, []string{"FAKE_VAR"}, fw.RequiredEnvVars())
}
