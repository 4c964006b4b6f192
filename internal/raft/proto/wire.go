package proto

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every type in this package that can travel on the wire or be stored on disk.
type Message interface {
	appendWire(b []byte) []byte
	unmarshalWire(b []byte) error
}

// ErrNilMessage is returned when a nil Message is marshalled.
var ErrNilMessage = errors.New("proto: nil message")

// Marshal encodes m using the protobuf wire format.
func Marshal(m Message) ([]byte, error) {
	if m == nil {
		return nil, ErrNilMessage
	}
	return m.appendWire(nil), nil
}

// Unmarshal decodes b into m, replacing any previous content. Unknown fields are skipped.
func Unmarshal(b []byte, m Message) error {
	if m == nil {
		return ErrNilMessage
	}
	if err := m.unmarshalWire(b); err != nil {
		return fmt.Errorf("proto: unmarshal %T: %w", m, err)
	}
	return nil
}

// ---- encoding helpers ----

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendMessageField(b []byte, num protowire.Number, m Message) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.appendWire(nil))
}

// ---- decoding helpers ----

// decodeFields walks every field of b. fn returns how many bytes of the field value it consumed; returning 0
// means the field is unknown (or has an unexpected wire type) and it is skipped.
func decodeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeUint64(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, nil
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeInt32(typ protowire.Type, b []byte, dst *int32) (int, error) {
	var v uint64
	n, err := consumeUint64(typ, b, &v)
	if n > 0 {
		*dst = int32(v)
	}
	return n, err
}

func consumeBool(typ protowire.Type, b []byte, dst *bool) (int, error) {
	var v uint64
	n, err := consumeUint64(typ, b, &v)
	if n > 0 {
		*dst = protowire.DecodeBool(v)
	}
	return n, err
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, nil
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, nil
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	// The input buffer may be reused by the caller, so keep our own copy.
	*dst = append([]byte(nil), v...)
	return n, nil
}

func consumeMessage(typ protowire.Type, b []byte, m Message) (int, error) {
	if typ != protowire.BytesType {
		return 0, nil
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	if err := m.unmarshalWire(v); err != nil {
		return 0, err
	}
	return n, nil
}

// ---- ServerConfig ----

func (m *ServerConfig) appendWire(b []byte) []byte {
	if m == nil {
		return b
	}
	b = appendStringField(b, 1, m.Id)
	return appendStringField(b, 2, m.Address)
}

func (m *ServerConfig) unmarshalWire(b []byte) error {
	*m = ServerConfig{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Id)
		case 2:
			return consumeString(typ, b, &m.Address)
		}
		return 0, nil
	})
}

// ---- Configuration ----

func (m *Configuration) appendWire(b []byte) []byte {
	if m == nil {
		return b
	}
	for _, s := range m.Servers {
		b = appendMessageField(b, 1, s)
	}
	for _, s := range m.OldServers {
		b = appendMessageField(b, 2, s)
	}
	return appendBoolField(b, 3, m.IsJoint)
}

func (m *Configuration) unmarshalWire(b []byte) error {
	*m = Configuration{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2:
			s := &ServerConfig{}
			n, err := consumeMessage(typ, b, s)
			if n > 0 {
				if num == 1 {
					m.Servers = append(m.Servers, s)
				} else {
					m.OldServers = append(m.OldServers, s)
				}
			}
			return n, err
		case 3:
			return consumeBool(typ, b, &m.IsJoint)
		}
		return 0, nil
	})
}

// ---- LogEntry ----

func (m *LogEntry) appendWire(b []byte) []byte {
	if m == nil {
		return b
	}
	b = appendVarintField(b, 1, m.Index)
	b = appendVarintField(b, 2, m.Term)
	b = appendVarintField(b, 3, uint64(m.Type))
	b = appendBytesField(b, 4, m.Command)
	if m.Configuration != nil {
		b = appendMessageField(b, 5, m.Configuration)
	}
	return b
}

func (m *LogEntry) unmarshalWire(b []byte) error {
	*m = LogEntry{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint64(typ, b, &m.Index)
		case 2:
			return consumeUint64(typ, b, &m.Term)
		case 3:
			return consumeInt32(typ, b, (*int32)(&m.Type))
		case 4:
			return consumeBytes(typ, b, &m.Command)
		case 5:
			c := &Configuration{}
			n, err := consumeMessage(typ, b, c)
			if n > 0 {
				m.Configuration = c
			}
			return n, err
		}
		return 0, nil
	})
}

// ---- RequestVote ----

func (m *RequestVoteRequest) appendWire(b []byte) []byte {
	if m == nil {
		return b
	}
	b = appendVarintField(b, 1, m.Term)
	b = appendStringField(b, 2, m.CandidateId)
	b = appendVarintField(b, 3, m.LastLogIndex)
	b = appendVarintField(b, 4, m.LastLogTerm)
	return appendBoolField(b, 5, m.IsPreVote)
}

func (m *RequestVoteRequest) unmarshalWire(b []byte) error {
	*m = RequestVoteRequest{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint64(typ, b, &m.Term)
		case 2:
			return consumeString(typ, b, &m.CandidateId)
		case 3:
			return consumeUint64(typ, b, &m.LastLogIndex)
		case 4:
			return consumeUint64(typ, b, &m.LastLogTerm)
		case 5:
			return consumeBool(typ, b, &m.IsPreVote)
		}
		return 0, nil
	})
}

func (m *RequestVoteResponse) appendWire(b []byte) []byte {
	if m == nil {
		return b
	}
	b = appendVarintField(b, 1, m.Term)
	b = appendBoolField(b, 2, m.VoteGranted)
	b = appendBoolField(b, 3, m.IsPreVote)
	return appendStringField(b, 4, m.VoterId)
}

func (m *RequestVoteResponse) unmarshalWire(b []byte) error {
	*m = RequestVoteResponse{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint64(typ, b, &m.Term)
		case 2:
			return consumeBool(typ, b, &m.VoteGranted)
		case 3:
			return consumeBool(typ, b, &m.IsPreVote)
		case 4:
			return consumeString(typ, b, &m.VoterId)
		}
		return 0, nil
	})
}

// ---- AppendEntries ----

func (m *AppendEntriesRequest) appendWire(b []byte) []byte {
	if m == nil {
		return b
	}
	b = appendVarintField(b, 1, m.Term)
	b = appendStringField(b, 2, m.LeaderId)
	b = appendVarintField(b, 3, m.PrevLogIndex)
	b = appendVarintField(b, 4, m.PrevLogTerm)
	for _, e := range m.Entries {
		b = appendMessageField(b, 5, e)
	}
	b = appendVarintField(b, 6, m.LeaderCommit)
	return appendVarintField(b, 7, m.Seq)
}

func (m *AppendEntriesRequest) unmarshalWire(b []byte) error {
	*m = AppendEntriesRequest{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint64(typ, b, &m.Term)
		case 2:
			return consumeString(typ, b, &m.LeaderId)
		case 3:
			return consumeUint64(typ, b, &m.PrevLogIndex)
		case 4:
			return consumeUint64(typ, b, &m.PrevLogTerm)
		case 5:
			e := &LogEntry{}
			n, err := consumeMessage(typ, b, e)
			if n > 0 {
				m.Entries = append(m.Entries, e)
			}
			return n, err
		case 6:
			return consumeUint64(typ, b, &m.LeaderCommit)
		case 7:
			return consumeUint64(typ, b, &m.Seq)
		}
		return 0, nil
	})
}

func (m *AppendEntriesResponse) appendWire(b []byte) []byte {
	if m == nil {
		return b
	}
	b = appendVarintField(b, 1, m.Term)
	b = appendBoolField(b, 2, m.Success)
	b = appendVarintField(b, 3, m.ConflictIndex)
	b = appendVarintField(b, 4, m.ConflictTerm)
	return appendStringField(b, 5, m.FollowerId)
}

func (m *AppendEntriesResponse) unmarshalWire(b []byte) error {
	*m = AppendEntriesResponse{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint64(typ, b, &m.Term)
		case 2:
			return consumeBool(typ, b, &m.Success)
		case 3:
			return consumeUint64(typ, b, &m.ConflictIndex)
		case 4:
			return consumeUint64(typ, b, &m.ConflictTerm)
		case 5:
			return consumeString(typ, b, &m.FollowerId)
		}
		return 0, nil
	})
}

// ---- InstallSnapshot ----

func (m *InstallSnapshotRequest) appendWire(b []byte) []byte {
	if m == nil {
		return b
	}
	b = appendVarintField(b, 1, m.Term)
	b = appendStringField(b, 2, m.LeaderId)
	b = appendVarintField(b, 3, m.LastIncludedIndex)
	b = appendVarintField(b, 4, m.LastIncludedTerm)
	if m.Configuration != nil {
		b = appendMessageField(b, 5, m.Configuration)
	}
	b = appendVarintField(b, 6, m.Offset)
	b = appendBytesField(b, 7, m.Data)
	return appendBoolField(b, 8, m.Done)
}

func (m *InstallSnapshotRequest) unmarshalWire(b []byte) error {
	*m = InstallSnapshotRequest{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint64(typ, b, &m.Term)
		case 2:
			return consumeString(typ, b, &m.LeaderId)
		case 3:
			return consumeUint64(typ, b, &m.LastIncludedIndex)
		case 4:
			return consumeUint64(typ, b, &m.LastIncludedTerm)
		case 5:
			c := &Configuration{}
			n, err := consumeMessage(typ, b, c)
			if n > 0 {
				m.Configuration = c
			}
			return n, err
		case 6:
			return consumeUint64(typ, b, &m.Offset)
		case 7:
			return consumeBytes(typ, b, &m.Data)
		case 8:
			return consumeBool(typ, b, &m.Done)
		}
		return 0, nil
	})
}

func (m *InstallSnapshotResponse) appendWire(b []byte) []byte {
	if m == nil {
		return b
	}
	b = appendVarintField(b, 1, m.Term)
	b = appendBoolField(b, 2, m.Success)
	return appendStringField(b, 3, m.FollowerId)
}

func (m *InstallSnapshotResponse) unmarshalWire(b []byte) error {
	*m = InstallSnapshotResponse{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint64(typ, b, &m.Term)
		case 2:
			return consumeBool(typ, b, &m.Success)
		case 3:
			return consumeString(typ, b, &m.FollowerId)
		}
		return 0, nil
	})
}

// ---- ReadIndex ----

func (m *ReadIndexRequest) appendWire(b []byte) []byte { return b }

func (m *ReadIndexRequest) unmarshalWire(b []byte) error {
	return decodeFields(b, func(protowire.Number, protowire.Type, []byte) (int, error) { return 0, nil })
}

func (m *ReadIndexResponse) appendWire(b []byte) []byte {
	if m == nil {
		return b
	}
	b = appendBoolField(b, 1, m.Success)
	b = appendVarintField(b, 2, m.ReadIndex)
	return appendStringField(b, 3, m.LeaderId)
}

func (m *ReadIndexResponse) unmarshalWire(b []byte) error {
	*m = ReadIndexResponse{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBool(typ, b, &m.Success)
		case 2:
			return consumeUint64(typ, b, &m.ReadIndex)
		case 3:
			return consumeString(typ, b, &m.LeaderId)
		}
		return 0, nil
	})
}

// ---- ConfigurationChange ----

func (m *ConfigurationChangeRequest) appendWire(b []byte) []byte {
	if m == nil {
		return b
	}
	b = appendVarintField(b, 1, uint64(m.Type))
	b = appendStringField(b, 2, m.ServerId)
	return appendStringField(b, 3, m.ServerAddress)
}

func (m *ConfigurationChangeRequest) unmarshalWire(b []byte) error {
	*m = ConfigurationChangeRequest{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt32(typ, b, (*int32)(&m.Type))
		case 2:
			return consumeString(typ, b, &m.ServerId)
		case 3:
			return consumeString(typ, b, &m.ServerAddress)
		}
		return 0, nil
	})
}

func (m *ConfigurationChangeResponse) appendWire(b []byte) []byte {
	if m == nil {
		return b
	}
	b = appendVarintField(b, 1, uint64(m.Status))
	b = appendStringField(b, 2, m.LeaderId)
	return appendStringField(b, 3, m.Reason)
}

func (m *ConfigurationChangeResponse) unmarshalWire(b []byte) error {
	*m = ConfigurationChangeResponse{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt32(typ, b, (*int32)(&m.Status))
		case 2:
			return consumeString(typ, b, &m.LeaderId)
		case 3:
			return consumeString(typ, b, &m.Reason)
		}
		return 0, nil
	})
}

// ---- Propose ----

func (m *ProposeRequest) appendWire(b []byte) []byte {
	if m == nil {
		return b
	}
	return appendBytesField(b, 1, m.Command)
}

func (m *ProposeRequest) unmarshalWire(b []byte) error {
	*m = ProposeRequest{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeBytes(typ, b, &m.Command)
		}
		return 0, nil
	})
}

func (m *ProposeResponse) appendWire(b []byte) []byte {
	if m == nil {
		return b
	}
	b = appendBoolField(b, 1, m.Success)
	b = appendVarintField(b, 2, m.Index)
	b = appendVarintField(b, 3, m.Term)
	return appendStringField(b, 4, m.LeaderId)
}

func (m *ProposeResponse) unmarshalWire(b []byte) error {
	*m = ProposeResponse{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBool(typ, b, &m.Success)
		case 2:
			return consumeUint64(typ, b, &m.Index)
		case 3:
			return consumeUint64(typ, b, &m.Term)
		case 4:
			return consumeString(typ, b, &m.LeaderId)
		}
		return 0, nil
	})
}

// ---- Status ----

func (m *StatusRequest) appendWire(b []byte) []byte { return b }

func (m *StatusRequest) unmarshalWire(b []byte) error {
	return decodeFields(b, func(protowire.Number, protowire.Type, []byte) (int, error) { return 0, nil })
}

func (m *StatusResponse) appendWire(b []byte) []byte {
	if m == nil {
		return b
	}
	b = appendStringField(b, 1, m.NodeId)
	b = appendStringField(b, 2, m.Role)
	b = appendVarintField(b, 3, m.Term)
	b = appendStringField(b, 4, m.LeaderId)
	b = appendVarintField(b, 5, m.CommitIndex)
	b = appendVarintField(b, 6, m.LastApplied)
	for _, s := range m.Members {
		b = appendMessageField(b, 7, s)
	}
	return b
}

func (m *StatusResponse) unmarshalWire(b []byte) error {
	*m = StatusResponse{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.NodeId)
		case 2:
			return consumeString(typ, b, &m.Role)
		case 3:
			return consumeUint64(typ, b, &m.Term)
		case 4:
			return consumeString(typ, b, &m.LeaderId)
		case 5:
			return consumeUint64(typ, b, &m.CommitIndex)
		case 6:
			return consumeUint64(typ, b, &m.LastApplied)
		case 7:
			s := &ServerConfig{}
			n, err := consumeMessage(typ, b, s)
			if n > 0 {
				m.Members = append(m.Members, s)
			}
			return n, err
		}
		return 0, nil
	})
}
