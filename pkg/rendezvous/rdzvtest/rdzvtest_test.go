package rdzvtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreSetGet(t *testing.T) {
	s := NewMemStore(time.Second)
	require.NoError(t, s.Set("k", []byte("v")))
	v, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
}

func TestMemStoreGetTimesOut(t *testing.T) {
	s := NewMemStore(50 * time.Millisecond)
	_, err := s.Get("missing")
	assert.Error(t, err)
}

func TestMemStoreGetUnblocksOnSet(t *testing.T) {
	s := NewMemStore(5 * time.Second)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = s.Set("k", []byte("late"))
	}()
	v, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "late", string(v))
}

func TestMemStoreCompareAndSet(t *testing.T) {
	s := NewMemStore(time.Second)
	v, err := s.CompareAndSet("k", []byte("expected-absent"), []byte("first"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(v))

	v, err = s.CompareAndSet("k", []byte("wrong"), []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(v))

	v, err = s.CompareAndSet("k", []byte("first"), []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(v))
}

func TestMemStoreAdd(t *testing.T) {
	s := NewMemStore(time.Second)
	v, err := s.Add("counter", 3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, v)

	v, err = s.Add("counter", 4)
	require.NoError(t, err)
	assert.EqualValues(t, 7, v)
}

func TestMemStoreWaitAndCheck(t *testing.T) {
	s := NewMemStore(time.Second)
	ok, err := s.Check([]string{"a", "b"})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set("a", []byte("1")))
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = s.Set("b", []byte("2"))
	}()
	require.NoError(t, s.Wait([]string{"a", "b"}, 5*time.Second))

	ok, err = s.Check([]string{"a", "b"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStaticHandlerRendezvousAssignsDenseRanks(t *testing.T) {
	store := NewMemStore(5 * time.Second)
	h := NewStaticHandler("run-1", store, 3)

	type joined struct {
		rank, worldSize int
		err             error
	}
	results := make(chan joined, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, rank, worldSize, err := h.NextRendezvous()
			results <- joined{rank, worldSize, err}
		}()
	}

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, 3, r.worldSize)
		seen[r.rank] = true
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, seen)
	assert.Equal(t, "run-1", h.RunID())
}

func TestStaticHandlerShutdownUnblocksWaiters(t *testing.T) {
	store := NewMemStore(5 * time.Second)
	h := NewStaticHandler("run-1", store, 2)

	errCh := make(chan error, 1)
	go func() {
		_, _, _, err := h.NextRendezvous()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.Shutdown())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("NextRendezvous did not unblock after Shutdown")
	}

	_, _, _, err := h.NextRendezvous()
	assert.Error(t, err)
}

func TestStaticHandlerNodesWaiting(t *testing.T) {
	store := NewMemStore(5 * time.Second)
	h := NewStaticHandler("run-1", store, 1)
	assert.Equal(t, 0, h.NumNodesWaiting())
	h.SetNodesWaiting(2)
	assert.Equal(t, 2, h.NumNodesWaiting())
}
