package ckptserver_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ml/lattice-agent/pkg/ckptclient"
	"github.com/lattice-ml/lattice-agent/pkg/ckptserver"
	"github.com/lattice-ml/lattice-agent/pkg/ckptstore"
)

func startServer(t *testing.T) (*ckptclient.Client, func()) {
	t.Helper()

	store, err := ckptstore.New("")
	require.NoError(t, err)

	srv, err := ckptserver.New(ckptserver.Config{ListenAddr: "127.0.0.1:0", NumWorkers: 2, Store: store})
	require.NoError(t, err)

	go func() {
		_ = srv.Serve()
	}()

	client := ckptclient.New(srv.Addr(), 2*time.Second)
	require.Eventually(t, func() bool {
		return client.Ping() == nil
	}, 2*time.Second, 10*time.Millisecond)

	return client, func() {
		_ = srv.Close()
		_ = store.Close()
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	client, stop := startServer(t)
	defer stop()

	require.NoError(t, client.Save("job-1", "uid-1", "step-100", []byte("weights")))

	body, err := client.Load("job-1", "uid-1", "step-100")
	require.NoError(t, err)
	assert.Equal(t, "weights", string(body))

	listing, err := client.List("job-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"step-100"}, listing["uid-1"])

	require.NoError(t, client.Delete("job-1", "uid-1", "step-100"))
	_, err = client.Load("job-1", "uid-1", "step-100")
	assert.ErrorContains(t, err, "Checkpoint not found")
}

func TestCheckpointAcquireRelease(t *testing.T) {
	client, stop := startServer(t)
	defer stop()

	holder, err := client.Acquire("job-1", "uid-1", "lock", []byte("node-a"))
	require.NoError(t, err)
	assert.Equal(t, "node-a", string(holder))

	holder2, err := client.Acquire("job-1", "uid-1", "lock", []byte("node-b"))
	require.NoError(t, err)
	assert.Equal(t, "node-a", string(holder2))

	require.NoError(t, client.Release("job-1", "uid-1", "lock"))
	assert.ErrorContains(t, client.Release("job-1", "uid-1", "lock"), "Lock not found")
}
