// Package ledger is a supplementary BoltDB-backed cache of recently
// published events, used to serve GET /api/logs/recent quickly without
// re-scanning the CSV event log, which remains authoritative. A missing
// database file is created empty; it is not repopulated from the CSV files.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/lecztomek/boilerctl/internal/state"
)

const (
	SchemaVersion = "1"

	bucketEvents = "events"
	bucketMeta   = "meta"

	// maxEvents bounds the events bucket; oldest entries are pruned once
	// exceeded, mirroring the ring buffer's own bounded-retention policy.
	maxEvents = 5000
)

// DB wraps a BoltDB instance with typed accessors.
type DB struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path, initializing buckets and
// checking the schema version.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("ledger: bolt.Open(%q): %w", path, err)
	}
	d := &DB{db: bdb}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketEvents, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(SchemaVersion))
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("ledger: init: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("ledger: schema version mismatch: have %q want %q", string(v), SchemaVersion)
		}
		return nil
	})
}

func (d *DB) Close() error { return d.db.Close() }

// seqKey produces a lexicographically sortable key from a sequence number.
func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

// AppendEvents mirrors newly published events into the events bucket,
// pruning the oldest entries once the bucket exceeds maxEvents.
func (d *DB) AppendEvents(events []state.Event) error {
	if len(events) == 0 {
		return nil
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		for _, e := range events {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshal event: %w", err)
			}
			if err := b.Put(seqKey(e.Seq), data); err != nil {
				return fmt.Errorf("put event: %w", err)
			}
		}
		return pruneOldest(b, maxEvents)
	})
}

func pruneOldest(b *bolt.Bucket, keep int) error {
	n := b.Stats().KeyN
	if n <= keep {
		return nil
	}
	toDelete := n - keep
	c := b.Cursor()
	var keys [][]byte
	for k, _ := c.First(); k != nil && len(keys) < toDelete; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// RecentEvents returns up to limit most recent events, newest last.
func (d *DB) RecentEvents(limit int) ([]state.Event, error) {
	var out []state.Event
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		c := b.Cursor()
		var all []state.Event
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e state.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			all = append(all, e)
		}
		if limit > 0 && len(all) > limit {
			all = all[len(all)-limit:]
		}
		out = all
		return nil
	})
	return out, err
}
