package supervisor

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ml/lattice-agent/pkg/types"
)

func shSpec(rank int, script string) ProcSpec {
	return ProcSpec{LocalRank: rank, Entrypoint: "/bin/sh", Args: []string{"-c", script}}
}

func TestSupervisorAllSucceed(t *testing.T) {
	sup, err := New("group", map[int]ProcSpec{
		0: shSpec(0, "exit 0"),
		1: shSpec(1, "exit 0"),
	})
	require.NoError(t, err)
	require.NoError(t, sup.Start())

	result, err := sup.Wait(5*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, types.WorkerStateSucceeded, result.State)
	assert.False(t, result.IsFailed())
}

func TestSupervisorOneFails(t *testing.T) {
	sup, err := New("group", map[int]ProcSpec{
		0: shSpec(0, "sleep 5"),
		1: shSpec(1, "exit 7"),
	})
	require.NoError(t, err)
	require.NoError(t, sup.Start())

	result, err := sup.Wait(5*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.IsFailed())

	first, ok := result.FirstFailure()
	require.True(t, ok)
	assert.Equal(t, 1, first.LocalRank)
	assert.Equal(t, 7, first.ExitCode)
}

func TestSupervisorRejectsMissingRank(t *testing.T) {
	_, err := New("group", map[int]ProcSpec{
		0: shSpec(0, "exit 0"),
		2: shSpec(2, "exit 0"),
	})
	assert.Error(t, err)
}

func TestSupervisorCloseKillsStragglers(t *testing.T) {
	sup, err := New("group", map[int]ProcSpec{
		0: shSpec(0, "trap '' TERM; sleep 5"),
	})
	require.NoError(t, err)
	require.NoError(t, sup.Start())

	start := time.Now()
	sup.Close(syscall.SIGTERM, 200*time.Millisecond)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestParseStd(t *testing.T) {
	m, err := ParseStd("0", 3)
	require.NoError(t, err)
	assert.Equal(t, StdNone, m[0])
	assert.Equal(t, StdNone, m[1])

	m, err = ParseStd("0:3,1:0", 3)
	require.NoError(t, err)
	assert.Equal(t, StdAll, m[0])
	assert.Equal(t, StdNone, m[1])
}
