package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raft-engine/internal/raft"
	"raft-engine/internal/raft/proto"
)

func createTempDB(t *testing.T) (*BboltStore, string) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := NewBboltStore(dbPath)
	require.NoError(t, err)
	require.NotNil(t, db)
	t.Cleanup(func() { db.Close() })

	return db, dbPath
}

func entries(indices ...uint64) []*proto.LogEntry {
	out := make([]*proto.LogEntry, 0, len(indices))
	for _, i := range indices {
		out = append(out, &proto.LogEntry{Index: i, Term: 1 + i/3, Command: []byte{byte(i)}})
	}
	return out
}

func indicesOf(es []*proto.LogEntry) []uint64 {
	out := make([]uint64, 0, len(es))
	for _, e := range es {
		out = append(out, e.Index)
	}
	return out
}

func TestNewBboltStore(t *testing.T) {
	t.Run("creates new database successfully", func(t *testing.T) {
		db, dbPath := createTempDB(t)

		assert.NotNil(t, db.conn)
		_, err := os.Stat(dbPath)
		assert.NoError(t, err)
	})

	t.Run("fails with invalid path", func(t *testing.T) {
		db, err := NewBboltStore("/invalid/path/that/does/not/exist/test.db")
		assert.Error(t, err)
		assert.Nil(t, db)
	})
}

func TestBboltStore_State(t *testing.T) {
	db, dbPath := createTempDB(t)

	t.Run("fresh database has no term and no vote", func(t *testing.T) {
		term, votedFor, err := db.LoadState()
		require.NoError(t, err)
		assert.Equal(t, uint64(0), term)
		assert.Empty(t, votedFor)
	})

	t.Run("saves term and vote together", func(t *testing.T) {
		require.NoError(t, db.SaveState(5, "server-123"))

		term, votedFor, err := db.LoadState()
		require.NoError(t, err)
		assert.Equal(t, uint64(5), term)
		assert.Equal(t, "server-123", votedFor)
	})

	t.Run("clears the vote", func(t *testing.T) {
		require.NoError(t, db.SaveState(6, ""))

		term, votedFor, err := db.LoadState()
		require.NoError(t, err)
		assert.Equal(t, uint64(6), term)
		assert.Empty(t, votedFor)
	})

	t.Run("persists across reopens", func(t *testing.T) {
		require.NoError(t, db.SaveState(10, "server-789"))
		require.NoError(t, db.Close())

		db2, err := NewBboltStore(dbPath)
		require.NoError(t, err)
		defer db2.Close()

		term, votedFor, err := db2.LoadState()
		require.NoError(t, err)
		assert.Equal(t, uint64(10), term)
		assert.Equal(t, "server-789", votedFor)
	})
}

func TestBboltStore_Log(t *testing.T) {
	t.Run("appends and reads back in order", func(t *testing.T) {
		db, _ := createTempDB(t)
		require.NoError(t, db.Append(entries(1, 2, 3)))
		require.NoError(t, db.Append(entries(4)))

		all, err := db.GetAll()
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 2, 3, 4}, indicesOf(all))
		assert.Equal(t, []byte{3}, all[2].Command)

		last, err := db.GetLastIndex()
		require.NoError(t, err)
		assert.Equal(t, uint64(4), last)
	})

	t.Run("empty append is a no-op", func(t *testing.T) {
		db, _ := createTempDB(t)
		assert.NoError(t, db.Append(nil))

		all, err := db.GetAll()
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("truncate suffix then append replaces the tail", func(t *testing.T) {
		db, _ := createTempDB(t)
		require.NoError(t, db.Append(entries(1, 2, 3, 4, 5)))

		require.NoError(t, db.TruncateSuffix(3))
		replacement := []*proto.LogEntry{{Index: 3, Term: 7, Command: []byte("new")}}
		require.NoError(t, db.Append(replacement))

		all, err := db.GetAll()
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 2, 3}, indicesOf(all))
		assert.Equal(t, uint64(7), all[2].Term)
		assert.Equal(t, []byte("new"), all[2].Command)

		_, err = db.GetEntry(4)
		assert.ErrorContains(t, err, "not found")
	})

	t.Run("truncate prefix drops compacted entries", func(t *testing.T) {
		db, _ := createTempDB(t)
		require.NoError(t, db.Append(entries(1, 2, 3, 4, 5)))

		require.NoError(t, db.TruncatePrefix(3))

		all, err := db.GetAll()
		require.NoError(t, err)
		assert.Equal(t, []uint64{4, 5}, indicesOf(all))
	})

	t.Run("truncations past either end are harmless", func(t *testing.T) {
		db, _ := createTempDB(t)
		require.NoError(t, db.Append(entries(1, 2)))

		require.NoError(t, db.TruncateSuffix(99))
		require.NoError(t, db.TruncatePrefix(0))

		all, err := db.GetAll()
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("configuration entries keep their membership", func(t *testing.T) {
		db, _ := createTempDB(t)
		entry := &proto.LogEntry{
			Index: 1,
			Term:  1,
			Type:  proto.LogEntryType_LOG_CONFIGURATION,
			Configuration: &proto.Configuration{
				Servers:    []*proto.ServerConfig{{Id: "server1", Address: "localhost:5001"}, {Id: "server2", Address: "localhost:5002"}},
				OldServers: []*proto.ServerConfig{{Id: "server1", Address: "localhost:5001"}},
				IsJoint:    true,
			},
		}
		require.NoError(t, db.Append([]*proto.LogEntry{entry}))

		retrieved, err := db.GetEntry(1)
		require.NoError(t, err)
		assert.Equal(t, entry, retrieved)
	})

	t.Run("operations fail after close", func(t *testing.T) {
		db, _ := createTempDB(t)
		require.NoError(t, db.Close())

		assert.Error(t, db.Append(entries(1)))
	})
}

func TestBboltStore_Snapshot(t *testing.T) {
	db, dbPath := createTempDB(t)

	t.Run("reports a missing snapshot", func(t *testing.T) {
		snap, err := db.LoadSnapshot()
		assert.ErrorIs(t, err, raft.ErrNoSnapshot)
		assert.Nil(t, snap)
	})

	t.Run("saves and loads", func(t *testing.T) {
		in := &raft.Snapshot{
			LastIncludedIndex: 42,
			LastIncludedTerm:  3,
			Configuration:     &proto.Configuration{Servers: []*proto.ServerConfig{{Id: "a", Address: "x:1"}}},
			Data:              []byte(`{"k":"v"}`),
		}
		require.NoError(t, db.SaveSnapshot(in))

		out, err := db.LoadSnapshot()
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("newer snapshot replaces the old one across reopens", func(t *testing.T) {
		require.NoError(t, db.SaveSnapshot(&raft.Snapshot{LastIncludedIndex: 50, LastIncludedTerm: 4, Data: []byte("v2")}))
		require.NoError(t, db.Close())

		db2, err := NewBboltStore(dbPath)
		require.NoError(t, err)
		defer db2.Close()

		out, err := db2.LoadSnapshot()
		require.NoError(t, err)
		assert.Equal(t, uint64(50), out.LastIncludedIndex)
		assert.Equal(t, uint64(4), out.LastIncludedTerm)
		assert.Nil(t, out.Configuration)
		assert.Equal(t, []byte("v2"), out.Data)
	})
}
