package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestLogEntryWire(t *testing.T) {
	t.Run("configuration entry survives a round trip", func(t *testing.T) {
		in := &LogEntry{
			Index: 7,
			Term:  3,
			Type:  LogEntryType_LOG_CONFIGURATION,
			Configuration: &Configuration{
				Servers:    []*ServerConfig{{Id: "a", Address: "127.0.0.1:7001"}, {Id: "b", Address: "127.0.0.1:7002"}},
				OldServers: []*ServerConfig{{Id: "a", Address: "127.0.0.1:7001"}},
				IsJoint:    true,
			},
		}

		data, err := Marshal(in)
		require.NoError(t, err)

		out := &LogEntry{}
		require.NoError(t, Unmarshal(data, out))
		assert.Equal(t, in, out)
	})

	t.Run("matches the protobuf field layout", func(t *testing.T) {
		data, err := Marshal(&LogEntry{Index: 1, Term: 2, Command: []byte("SET a=1")})
		require.NoError(t, err)

		var want []byte
		want = protowire.AppendTag(want, 1, protowire.VarintType)
		want = protowire.AppendVarint(want, 1)
		want = protowire.AppendTag(want, 2, protowire.VarintType)
		want = protowire.AppendVarint(want, 2)
		want = protowire.AppendTag(want, 4, protowire.BytesType)
		want = protowire.AppendBytes(want, []byte("SET a=1"))
		assert.Equal(t, want, data)
	})

	t.Run("unknown fields are skipped", func(t *testing.T) {
		data, err := Marshal(&LogEntry{Index: 9})
		require.NoError(t, err)
		data = protowire.AppendTag(data, 42, protowire.BytesType)
		data = protowire.AppendString(data, "future")

		out := &LogEntry{}
		require.NoError(t, Unmarshal(data, out))
		assert.Equal(t, uint64(9), out.Index)
	})

	t.Run("decode resets the target", func(t *testing.T) {
		data, err := Marshal(&LogEntry{Index: 2})
		require.NoError(t, err)

		out := &LogEntry{Term: 5, Command: []byte("stale")}
		require.NoError(t, Unmarshal(data, out))
		assert.Equal(t, &LogEntry{Index: 2}, out)
	})

	t.Run("truncated input is an error", func(t *testing.T) {
		data, err := Marshal(&LogEntry{Index: 1, Command: []byte("payload")})
		require.NoError(t, err)

		assert.Error(t, Unmarshal(data[:len(data)-3], &LogEntry{}))
	})
}

func TestAppendEntriesRequestWire(t *testing.T) {
	in := &AppendEntriesRequest{
		Term:         4,
		LeaderId:     "n1",
		PrevLogIndex: 10,
		PrevLogTerm:  3,
		Entries: []*LogEntry{
			{Index: 11, Term: 4, Type: LogEntryType_LOG_NOOP},
			{Index: 12, Term: 4, Command: []byte("DEL a")},
		},
		LeaderCommit: 10,
		Seq:          99,
	}

	data, err := Marshal(in)
	require.NoError(t, err)

	out := &AppendEntriesRequest{}
	require.NoError(t, Unmarshal(data, out))
	assert.Equal(t, in, out)
}

func TestInstallSnapshotRequestWire(t *testing.T) {
	in := &InstallSnapshotRequest{
		Term:              2,
		LeaderId:          "n2",
		LastIncludedIndex: 100,
		LastIncludedTerm:  2,
		Configuration:     &Configuration{Servers: []*ServerConfig{{Id: "n2", Address: "x:1"}}},
		Offset:            4096,
		Data:              []byte{0, 1, 2, 3},
		Done:              true,
	}

	data, err := Marshal(in)
	require.NoError(t, err)

	out := &InstallSnapshotRequest{}
	require.NoError(t, Unmarshal(data, out))
	assert.Equal(t, in, out)
}

func TestStatusResponseWire(t *testing.T) {
	in := &StatusResponse{
		NodeId:      "n1",
		Role:        "Leader",
		Term:        8,
		LeaderId:    "n1",
		CommitIndex: 20,
		LastApplied: 19,
		Members:     []*ServerConfig{{Id: "n1", Address: "a"}, {Id: "n2", Address: "b"}},
	}

	data, err := Marshal(in)
	require.NoError(t, err)

	out := &StatusResponse{}
	require.NoError(t, Unmarshal(data, out))
	assert.Equal(t, in, out)
}

func TestCodec(t *testing.T) {
	c := Codec{}
	assert.Equal(t, CodecName, c.Name())

	data, err := c.Marshal(&RequestVoteRequest{Term: 3, CandidateId: "n3", IsPreVote: true})
	require.NoError(t, err)

	out := &RequestVoteRequest{}
	require.NoError(t, c.Unmarshal(data, out))
	assert.Equal(t, &RequestVoteRequest{Term: 3, CandidateId: "n3", IsPreVote: true}, out)

	_, err = c.Marshal("not a message")
	assert.Error(t, err)
	assert.Error(t, c.Unmarshal(data, new(string)))
}

func TestMarshalNil(t *testing.T) {
	_, err := Marshal(nil)
	assert.ErrorIs(t, err, ErrNilMessage)
}
