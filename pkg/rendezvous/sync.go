package rendezvous

import (
	"fmt"
	"time"
)

// GetAll reads back size values previously written under "{prefix}{idx}"
// for idx in [0, size).
func GetAll(store Store, prefix string, size int) ([][]byte, error) {
	values := make([][]byte, size)
	for idx := 0; idx < size; idx++ {
		v, err := store.Get(fmt.Sprintf("%s%d", prefix, idx))
		if err != nil {
			return nil, fmt.Errorf("rendezvous: get %s%d: %w", prefix, idx, err)
		}
		values[idx] = v
	}
	return values, nil
}

// Synchronize publishes data under "{keyPrefix}{rank}" and returns the
// data published by every one of worldSize ranks under the same prefix.
// Stale data from a previous use of the same keyPrefix is not removed;
// callers must not reuse a prefix across unrelated rounds.
func Synchronize(store Store, data []byte, rank, worldSize int, keyPrefix string, barrierTimeout time.Duration) ([][]byte, error) {
	store.SetTimeout(barrierTimeout)
	if err := store.Set(fmt.Sprintf("%s%d", keyPrefix, rank), data); err != nil {
		return nil, fmt.Errorf("rendezvous: set %s%d: %w", keyPrefix, rank, err)
	}
	return GetAll(store, keyPrefix, worldSize)
}

// Barrier is a global lock between rank participants: it blocks (via
// the store's own wait semantics surfaced through Synchronize) until
// all worldSize ranks have reached the barrier under keyPrefix.
//
// A keyPrefix can only be used for one barrier round; the data is
// never removed from the store.
func Barrier(store Store, rank, worldSize int, keyPrefix string, barrierTimeout time.Duration) error {
	_, err := Synchronize(store, []byte(fmt.Sprintf("%d", rank)), rank, worldSize, keyPrefix, barrierTimeout)
	return err
}
