// Package badgerstore adapts the dead-letter queue's Hook interface onto
// github.com/dgraph-io/badger/v4, letting a host persist dead-lettered
// envelopes across restarts. Grounded on the teacher lineage's omni
// module, which uses badger as its embedded key-value store.
package badgerstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/relaygrid/core/internal/deadletter"
	"github.com/relaygrid/core/internal/envelope"
)

// Store is a deadletter.Hook backed by a badger database. Keys are
// "deadletter/<envelope id>"; values are the JSON-encoded Entry.
type Store struct {
	db *badger.DB
}

// Open opens (creating if absent) a badger database at dir.
func Open(dir string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dir))
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(e deadletter.Entry) []byte {
	return []byte("deadletter/" + e.Envelope.ID)
}

// OnEnqueue persists entry, implementing deadletter.Hook.
func (s *Store) OnEnqueue(e deadletter.Entry) {
	data, err := json.Marshal(storedEntry{
		Reason:     e.Reason,
		Detail:     e.Detail,
		EnqueuedAt: e.EnqueuedAt,
		Envelope:   e.Envelope,
	})
	if err != nil {
		return
	}
	_ = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(e), data)
	})
}

// OnRemove deletes the persisted entry, implementing deadletter.Hook.
func (s *Store) OnRemove(e deadletter.Entry) {
	_ = s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(e))
	})
}

// storedEntry is the JSON representation written to badger; it mirrors
// deadletter.Entry but with exported, stable field names independent of
// that package's internal layout.
type storedEntry struct {
	Reason     deadletter.Reason  `json:"reason"`
	Detail     string             `json:"detail"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
	Envelope   *envelope.Envelope `json:"envelope"`
}

// Load reconstructs every persisted entry, for recovery on startup.
func (s *Store) Load() ([]deadletter.Entry, error) {
	var entries []deadletter.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("deadletter/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var stored storedEntry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				return err
			}
			entries = append(entries, deadletter.Entry{
				Envelope:   stored.Envelope,
				Reason:     stored.Reason,
				Detail:     stored.Detail,
				EnqueuedAt: stored.EnqueuedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
