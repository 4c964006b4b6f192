package storage

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"raft-engine/internal/raft"
	"raft-engine/internal/raft/proto"
)

var (
	// Bucket names
	logBucket      = []byte("logs")
	metadataBucket = []byte("metadata")
	snapshotBucket = []byte("snapshot")

	// Metadata keys
	currentTermKey = []byte("currentTerm")
	votedForKey    = []byte("votedFor")

	// Snapshot keys
	snapshotIndexKey  = []byte("lastIncludedIndex")
	snapshotTermKey   = []byte("lastIncludedTerm")
	snapshotConfigKey = []byte("configuration")
	snapshotDataKey   = []byte("data")
)

var (
	_ raft.StateStore    = (*BboltStore)(nil)
	_ raft.LogStore      = (*BboltStore)(nil)
	_ raft.SnapshotStore = (*BboltStore)(nil)
)

// BboltStore keeps the election state, the log and the latest snapshot of one server in a single bbolt file.
// Every write is its own transaction and bbolt syncs on commit, so a method returning nil means the data is on disk.
type BboltStore struct {
	conn *bbolt.DB
}

// NewBboltStore opens (or creates) the database at path.
func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{logBucket, metadataBucket, snapshotBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStore{conn: db}, nil
}

// LoadState returns the persisted term and vote, or (0, "") for a fresh database.
func (b *BboltStore) LoadState() (uint64, string, error) {
	var (
		term     uint64
		votedFor string
	)
	err := b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		if data := bucket.Get(currentTermKey); data != nil {
			term = bytesToUint64(data)
		}
		if data := bucket.Get(votedForKey); data != nil {
			votedFor = string(data)
		}
		return nil
	})
	return term, votedFor, err
}

// SaveState writes term and vote in one transaction so they can never be observed apart.
func (b *BboltStore) SaveState(term uint64, votedFor string) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		if err := bucket.Put(currentTermKey, uint64ToBytes(term)); err != nil {
			return err
		}
		if votedFor == "" {
			return bucket.Delete(votedForKey)
		}
		return bucket.Put(votedForKey, []byte(votedFor))
	})
}

// GetAll returns every stored entry in index order.
func (b *BboltStore) GetAll() ([]*proto.LogEntry, error) {
	var entries []*proto.LogEntry
	err := b.conn.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(logBucket).ForEach(func(k, v []byte) error {
			entry := &proto.LogEntry{}
			if err := proto.Unmarshal(v, entry); err != nil {
				return fmt.Errorf("failed to unmarshal log entry at index %d: %w", bytesToUint64(k), err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

// GetEntry retrieves the log entry at index.
func (b *BboltStore) GetEntry(index uint64) (*proto.LogEntry, error) {
	var entry *proto.LogEntry
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(logBucket).Get(uint64ToBytes(index))
		if data == nil {
			return fmt.Errorf("log entry at index %d not found", index)
		}

		entry = &proto.LogEntry{}
		if err := proto.Unmarshal(data, entry); err != nil {
			return fmt.Errorf("failed to unmarshal log entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Append stores entries keyed by their index.
func (b *BboltStore) Append(entries []*proto.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		for _, entry := range entries {
			data, err := proto.Marshal(entry)
			if err != nil {
				return fmt.Errorf("failed to marshal log entry: %w", err)
			}
			if err := bucket.Put(uint64ToBytes(entry.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// TruncateSuffix deletes every entry with index >= fromIndex.
func (b *BboltStore) TruncateSuffix(fromIndex uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		var keys [][]byte
		c := bucket.Cursor()
		for k, _ := c.Seek(uint64ToBytes(fromIndex)); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		return deleteKeys(bucket, keys)
	})
}

// TruncatePrefix deletes every entry with index <= throughIndex.
func (b *BboltStore) TruncatePrefix(throughIndex uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		var keys [][]byte
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil && bytesToUint64(k) <= throughIndex; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		return deleteKeys(bucket, keys)
	})
}

// GetLastIndex returns the index of the last log entry (0 if log is empty)
func (b *BboltStore) GetLastIndex() (uint64, error) {
	var lastIndex uint64
	err := b.conn.View(func(tx *bbolt.Tx) error {
		if k, _ := tx.Bucket(logBucket).Cursor().Last(); k != nil {
			lastIndex = bytesToUint64(k)
		}
		return nil
	})
	return lastIndex, err
}

// LoadSnapshot returns the stored snapshot or raft.ErrNoSnapshot.
func (b *BboltStore) LoadSnapshot() (*raft.Snapshot, error) {
	var snap *raft.Snapshot
	err := b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(snapshotBucket)
		index := bucket.Get(snapshotIndexKey)
		if index == nil {
			return raft.ErrNoSnapshot
		}

		snap = &raft.Snapshot{
			LastIncludedIndex: bytesToUint64(index),
			LastIncludedTerm:  bytesToUint64(bucket.Get(snapshotTermKey)),
			Data:              append([]byte(nil), bucket.Get(snapshotDataKey)...),
		}
		if data := bucket.Get(snapshotConfigKey); data != nil {
			snap.Configuration = &proto.Configuration{}
			if err := proto.Unmarshal(data, snap.Configuration); err != nil {
				return fmt.Errorf("failed to unmarshal snapshot configuration: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// SaveSnapshot replaces the stored snapshot atomically.
func (b *BboltStore) SaveSnapshot(snap *raft.Snapshot) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(snapshotBucket)
		if err := bucket.Put(snapshotIndexKey, uint64ToBytes(snap.LastIncludedIndex)); err != nil {
			return err
		}
		if err := bucket.Put(snapshotTermKey, uint64ToBytes(snap.LastIncludedTerm)); err != nil {
			return err
		}
		if snap.Configuration != nil {
			data, err := proto.Marshal(snap.Configuration)
			if err != nil {
				return fmt.Errorf("failed to marshal snapshot configuration: %w", err)
			}
			if err := bucket.Put(snapshotConfigKey, data); err != nil {
				return err
			}
		} else if err := bucket.Delete(snapshotConfigKey); err != nil {
			return err
		}
		return bucket.Put(snapshotDataKey, snap.Data)
	})
}

// Close closes the storage connection
func (b *BboltStore) Close() error {
	return b.conn.Close()
}

// deleteKeys removes keys collected beforehand; deleting while a cursor walks the bucket can skip entries.
func deleteKeys(bucket *bbolt.Bucket, keys [][]byte) error {
	for _, k := range keys {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions for uint64 <-> []byte conversion
func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
