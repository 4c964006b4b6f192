package engine

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raft-engine/internal/raft/proto"
)

type envelope struct {
	from, to string
	msg      proto.Message
	req      proto.Message
}

// simCluster drives several engines over an in-memory network that can drop, duplicate and reorder messages.
type simCluster struct {
	t       *testing.T
	eng     *Engine
	rng     *rand.Rand
	ids     []string
	nodes   map[string]*NodeState
	queue   []envelope
	leaders map[uint64]string
	// committed is the first entry observed applied at each index, across all servers.
	committed map[uint64]*proto.LogEntry
	applied   map[string]uint64
	proposals int
}

func newSimCluster(t *testing.T, seed int64, cfg Config, ids ...string) *simCluster {
	c := &simCluster{
		t:         t,
		eng:       New(cfg),
		rng:       rand.New(rand.NewSource(seed)),
		ids:       ids,
		nodes:     make(map[string]*NodeState),
		leaders:   make(map[uint64]string),
		committed: make(map[uint64]*proto.LogEntry),
		applied:   make(map[string]uint64),
	}
	for _, id := range ids {
		c.nodes[id] = newNode(id, ids...)
	}
	return c
}

func (c *simCluster) handle(id string, ev Event, req proto.Message) {
	node := c.nodes[id]
	acts := c.eng.Handle(node, ev)

	for _, a := range acts {
		switch a := a.(type) {
		case SendMessage:
			env := envelope{from: id, to: a.To, msg: a.Message}
			switch a.Message.(type) {
			case *proto.RequestVoteResponse, *proto.AppendEntriesResponse, *proto.InstallSnapshotResponse:
				env.req = req
			}
			c.queue = append(c.queue, env)
		case ApplyToStateMachine:
			c.apply(id, a.Entries)
		}
	}
	c.checkInvariants(id)
}

func (c *simCluster) apply(id string, entries []*proto.LogEntry) {
	for _, e := range entries {
		require.Equal(c.t, c.applied[id]+1, e.Index, "%s applied out of order", id)
		c.applied[id] = e.Index
		if prev, ok := c.committed[e.Index]; ok {
			require.Equal(c.t, prev.Term, e.Term, "index %d committed with two different terms", e.Index)
			require.Equal(c.t, prev.Command, e.Command, "index %d committed with two different commands", e.Index)
		} else {
			c.committed[e.Index] = e
		}
	}
}

func (c *simCluster) checkInvariants(id string) {
	s := c.nodes[id]
	if s.Role == Leader {
		if prev, ok := c.leaders[s.CurrentTerm]; ok {
			require.Equal(c.t, prev, id, "two leaders in term %d", s.CurrentTerm)
		}
		c.leaders[s.CurrentTerm] = id
		require.NotNil(c.t, s.NextIndex)
		require.NotNil(c.t, s.MatchIndex)
	} else {
		require.Nil(c.t, s.NextIndex)
		require.Nil(c.t, s.MatchIndex)
	}
	require.LessOrEqual(c.t, s.LastApplied, s.CommitIndex)
	require.LessOrEqual(c.t, s.CommitIndex, s.LastLogIndex())
	for i, e := range s.Log {
		require.Equal(c.t, s.LastIncludedIndex+uint64(i)+1, e.Index)
		if i > 0 {
			require.GreaterOrEqual(c.t, e.Term, s.Log[i-1].Term)
		}
	}
}

func (c *simCluster) deliver(env envelope) {
	switch m := env.msg.(type) {
	case *proto.RequestVoteRequest:
		c.handle(env.to, RequestVoteReceived{Req: m}, m)
	case *proto.RequestVoteResponse:
		c.handle(env.to, RequestVoteResponseReceived{From: env.from, Req: env.req.(*proto.RequestVoteRequest), Resp: m}, nil)
	case *proto.AppendEntriesRequest:
		c.handle(env.to, AppendEntriesReceived{Req: m}, m)
	case *proto.AppendEntriesResponse:
		c.handle(env.to, AppendEntriesResponseReceived{From: env.from, Req: env.req.(*proto.AppendEntriesRequest), Resp: m}, nil)
	}
}

// drain delivers every queued message in order until the network is quiet.
func (c *simCluster) drain() {
	for steps := 0; len(c.queue) > 0; steps++ {
		require.Less(c.t, steps, 100000, "network never went quiet")
		env := c.queue[0]
		c.queue = c.queue[1:]
		c.deliver(env)
	}
}

func (c *simCluster) propose(id string) {
	c.proposals++
	c.handle(id, ProposalReceived{
		RequestID: fmt.Sprintf("req-%d", c.proposals),
		Command:   []byte(fmt.Sprintf("SET k%d=v", c.proposals)),
	}, nil)
}

// chaos runs random events: message delivery with loss, duplication and reordering, timeouts and proposals.
func (c *simCluster) chaos(steps int) {
	for i := 0; i < steps; i++ {
		r := c.rng.Intn(100)
		switch {
		case r < 60 && len(c.queue) > 0:
			idx := c.rng.Intn(len(c.queue))
			env := c.queue[idx]
			switch c.rng.Intn(20) {
			case 0, 1:
				c.queue = append(c.queue[:idx], c.queue[idx+1:]...)
			case 2:
				c.deliver(env)
			default:
				c.queue = append(c.queue[:idx], c.queue[idx+1:]...)
				c.deliver(env)
			}
		case r < 70:
			c.handle(c.ids[c.rng.Intn(len(c.ids))], ElectionTimeoutElapsed{}, nil)
		case r < 85:
			for _, id := range c.ids {
				c.handle(id, HeartbeatTimeoutElapsed{}, nil)
			}
		default:
			c.propose(c.ids[c.rng.Intn(len(c.ids))])
		}
	}
}

// currentLeader returns a leader whose term no server has moved past.
func (c *simCluster) currentLeader() string {
	var maxTerm uint64
	for _, s := range c.nodes {
		maxTerm = max(maxTerm, s.CurrentTerm)
	}
	for _, id := range c.ids {
		if s := c.nodes[id]; s.Role == Leader && s.CurrentTerm == maxTerm {
			return id
		}
	}
	return ""
}

// stabilize runs fair rounds on a reliable network until a current leader exists.
func (c *simCluster) stabilize() string {
	c.drain()
	for round := 0; round < 200; round++ {
		if leader := c.currentLeader(); leader != "" {
			c.handle(leader, HeartbeatTimeoutElapsed{}, nil)
			c.drain()
			if c.currentLeader() == leader {
				return leader
			}
			continue
		}
		c.handle(c.ids[c.rng.Intn(len(c.ids))], ElectionTimeoutElapsed{}, nil)
		c.drain()
	}
	c.t.Fatal("no leader emerged on a reliable network")
	return ""
}

func TestClusterSafety(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  Config
		ids  []string
	}{
		{name: "three nodes", cfg: Config{}, ids: []string{"n1", "n2", "n3"}},
		{name: "five nodes with pre-vote", cfg: Config{PreVote: true}, ids: []string{"n1", "n2", "n3", "n4", "n5"}},
		{name: "five nodes with small batches", cfg: Config{MaxEntriesPerAppend: 2}, ids: []string{"n1", "n2", "n3", "n4", "n5"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			for seed := int64(1); seed <= 5; seed++ {
				c := newSimCluster(t, seed, tc.cfg, tc.ids...)

				c.chaos(3000)
				leader := c.stabilize()

				c.propose(leader)
				c.drain()
				c.handle(leader, HeartbeatTimeoutElapsed{}, nil)
				c.drain()

				l := c.nodes[leader]
				last := l.Entry(l.LastLogIndex())
				require.NotNil(t, last)
				assert.Equal(t, l.LastLogIndex(), l.CommitIndex, "seed %d: final proposal not committed", seed)

				for _, id := range c.ids {
					s := c.nodes[id]
					assert.Equal(t, l.CommitIndex, s.CommitIndex, "seed %d: %s did not catch up", seed, id)
					assert.Equal(t, l.CommitIndex, c.applied[id], "seed %d: %s did not apply everything", seed, id)
					for idx := uint64(1); idx <= s.CommitIndex; idx++ {
						assert.Equal(t, l.Entry(idx).Term, s.Entry(idx).Term, "seed %d: %s diverges at %d", seed, id, idx)
					}
				}
				assert.NotEmpty(t, c.leaders)
			}
		})
	}
}
