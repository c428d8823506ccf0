/*
Package rendezvous defines the two interfaces the elastic agent
consumes from an external rendezvous backend (e.g. etcd) and the
barrier/synchronize helpers built on top of them. The backend itself
is out of scope: this package only describes the boundary and ships
one in-memory reference implementation, under rdzvtest, for tests and
single-node runs.
*/
package rendezvous

import "time"

// Handler rendezvous-es a node with its peers and yields a dense
// (group_rank, group_world_size) assignment shared across the job.
type Handler interface {
	// NextRendezvous blocks until a rendezvous round completes (up to
	// the handler's own timeout) and returns the KV store shared by
	// the round's participants along with this node's group rank and
	// the round's group world size.
	NextRendezvous() (store Store, groupRank int, groupWorldSize int, err error)

	// NumNodesWaiting returns the number of nodes that have asked to
	// join the next rendezvous round but are not yet part of the
	// current one. A non-zero value signals a membership change.
	NumNodesWaiting() int

	// Shutdown releases this node's rendezvous membership. Called on
	// unrecoverable worker failure so peers can form a new round
	// without waiting for this node to time out.
	Shutdown() error

	// RunID returns the user-defined job id for this rendezvous.
	RunID() string
}

// Store is the small KV synchronization primitive the rendezvous
// backend exposes once a round has formed. It is intentionally
// minimal: set/get/compare-and-set/add plus barrier-style wait/check.
type Store interface {
	Set(key string, value []byte) error
	Get(key string) ([]byte, error)
	CompareAndSet(key string, expected, desired []byte) ([]byte, error)
	Add(key string, delta int64) (int64, error)
	Wait(keys []string, timeout time.Duration) error
	Check(keys []string) (bool, error)
	SetTimeout(timeout time.Duration)
}
