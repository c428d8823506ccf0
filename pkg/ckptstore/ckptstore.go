/*
Package ckptstore holds checkpoint bodies and advisory locks keyed by
(job_id, uid, checkpoint_name), behind a single mutex that serializes
every check-then-act operation (ACQUIRE foremost). The in-memory cache
is the source of truth; an optional bbolt file, written synchronously
on every save and delete, lets a restarted checkpoint service recover
checkpoints saved before a crash. Locks are kept in memory only.
*/
package ckptstore

import (
	"errors"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// MaxCheckpointBytes bounds a single checkpoint body, matching the
// wire protocol's own cap so a save can never succeed over the wire
// and then fail validation in the store.
const MaxCheckpointBytes = 1 << 30

// ErrCheckpointNotFound is returned by Load and Delete when the
// (job, uid, name) key is absent; its text is the exact ERROR body
// the wire protocol sends back for a missing LOAD/DEL target.
var ErrCheckpointNotFound = errors.New("Checkpoint not found")

// ErrLockNotFound is returned by Release when the (job, uid, name)
// lock is absent; its text is the exact ERROR body the wire protocol
// sends back for a RELEASE of a lock nobody holds.
var ErrLockNotFound = errors.New("Lock not found")

// ErrTooLarge is returned by Save when body exceeds MaxCheckpointBytes.
var ErrTooLarge = errors.New("ckptstore: checkpoint exceeds size limit")

type key struct {
	jobID, uid, name string
}

// Store is the checkpoint service's state: an in-memory map guarded
// by one mutex. Every operation that must observe-then-mutate
// atomically (Acquire above all) takes the same lock for its entire
// duration, matching the reference service's single threading.Lock.
type Store struct {
	mu       sync.Mutex
	entries  map[key][]byte
	locks    map[key][]byte
	db       *bolt.DB
}

var bucketCheckpoints = []byte("checkpoints")

// New builds an empty in-memory store. If dbPath is non-empty, saves
// and deletes are additionally written through to a bbolt file there,
// and saved entries are restored from it on startup.
func New(dbPath string) (*Store, error) {
	s := &Store{
		entries: make(map[key][]byte),
		locks:   make(map[key][]byte),
	}
	if dbPath == "" {
		return s, nil
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("ckptstore: open durability db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCheckpoints)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("ckptstore: init durability bucket: %w", err)
	}
	s.db = db

	if err := s.restore(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) restore() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		return b.ForEach(func(k, v []byte) error {
			jobID, uid, name, ok := splitDBKey(k)
			if !ok {
				return nil
			}
			s.entries[key{jobID, uid, name}] = append([]byte(nil), v...)
			return nil
		})
	})
}

// Close releases the durability database, if one was opened.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save stores body under (jobID, uid, name), overwriting any existing
// entry. Returns ErrTooLarge if body exceeds MaxCheckpointBytes.
func (s *Store) Save(jobID, uid, name string, body []byte) error {
	if len(body) > MaxCheckpointBytes {
		return ErrTooLarge
	}
	k := key{jobID, uid, name}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[k] = append([]byte(nil), body...)
	if s.db != nil {
		if err := s.persist(k, body); err != nil {
			return err
		}
	}
	return nil
}

// Load returns the checkpoint body stored under (jobID, uid, name).
func (s *Store) Load(jobID, uid, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key{jobID, uid, name}]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	return append([]byte(nil), v...), nil
}

// Delete removes the checkpoint stored under (jobID, uid, name).
func (s *Store) Delete(jobID, uid, name string) error {
	k := key{jobID, uid, name}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[k]; !ok {
		return ErrCheckpointNotFound
	}
	delete(s.entries, k)
	if s.db != nil {
		if err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketCheckpoints).Delete(dbKey(k))
		}); err != nil {
			return fmt.Errorf("ckptstore: delete durable entry: %w", err)
		}
	}
	return nil
}

// List returns, for every uid under jobID, the names of its saved
// checkpoints (locks are not included).
func (s *Store) List(jobID string) map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]string)
	for k := range s.entries {
		if k.jobID != jobID {
			continue
		}
		out[k.uid] = append(out[k.uid], k.name)
	}
	return out
}

// Acquire implements the advisory lock semantics of the reference
// service: if (jobID, uid, lockName) already holds lock info, that
// existing info is returned unchanged (the lock is held by whoever
// set it first); otherwise nodeInfo is stored and returned as the new
// holder. Both branches happen under the same critical section, so
// concurrent Acquire calls for the same key can never both "win".
func (s *Store) Acquire(jobID, uid, lockName string, nodeInfo []byte) []byte {
	k := key{jobID, uid, lockName}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.locks[k]; ok {
		return append([]byte(nil), existing...)
	}
	s.locks[k] = append([]byte(nil), nodeInfo...)
	return nodeInfo
}

// Release drops the advisory lock held under (jobID, uid, lockName).
func (s *Store) Release(jobID, uid, lockName string) error {
	k := key{jobID, uid, lockName}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locks[k]; !ok {
		return ErrLockNotFound
	}
	delete(s.locks, k)
	return nil
}

func (s *Store) persist(k key, body []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Put(dbKey(k), body)
	})
}

// dbKey encodes (job, uid, name) as a single bbolt key, NUL-separated
// since none of the three fields are expected to contain NUL bytes
// (they are operator-supplied identifiers, not user file content).
func dbKey(k key) []byte {
	return []byte(k.jobID + "\x00" + k.uid + "\x00" + k.name)
}

func splitDBKey(raw []byte) (jobID, uid, name string, ok bool) {
	parts := splitN(string(raw), '\x00', 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func splitN(s string, sep byte, n int) []string {
	out := make([]string, 0, n)
	start := 0
	for i := 0; i < len(s) && len(out) < n-1; i++ {
		if s[i] == sep {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
