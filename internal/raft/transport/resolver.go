package transport

import (
	"fmt"
	"strings"
	"sync"

	"google.golang.org/grpc/resolver"

	"raft-engine/internal/raft"
)

// Servers are dialed by id ("raft:///<id>") rather than by address, so a peer that moves only needs its registry
// record updated; open connections follow it through the resolver.

const raftScheme = "raft"

// idRegistry maps server ids to addresses and tracks the resolvers watching each id.
type idRegistry struct {
	mu       sync.RWMutex
	records  map[raft.ServerID]raft.ServerAddress
	watchers map[raft.ServerID]map[*raftResolver]struct{}
}

func newIDRegistry() *idRegistry {
	return &idRegistry{
		records:  make(map[raft.ServerID]raft.ServerAddress),
		watchers: make(map[raft.ServerID]map[*raftResolver]struct{}),
	}
}

var globalIDRegistry = newIDRegistry()

// RegisterResolverPeer sets or updates the address of id and notifies the resolvers watching it.
func RegisterResolverPeer(id raft.ServerID, addr raft.ServerAddress) {
	globalIDRegistry.mu.Lock()
	globalIDRegistry.records[id] = addr
	watchers := make([]*raftResolver, 0, len(globalIDRegistry.watchers[id]))
	for w := range globalIDRegistry.watchers[id] {
		watchers = append(watchers, w)
	}
	globalIDRegistry.mu.Unlock()

	// Notify after unlocking: UpdateState may call back into ResolveNow.
	for _, w := range watchers {
		w.pushCurrent()
	}
}

// ResolvePeer returns the registered address of id.
func ResolvePeer(id raft.ServerID) (raft.ServerAddress, bool) {
	globalIDRegistry.mu.RLock()
	defer globalIDRegistry.mu.RUnlock()
	addr, ok := globalIDRegistry.records[id]
	return addr, ok
}

func peerTarget(id raft.ServerID) string {
	return fmt.Sprintf("%s:///%s", raftScheme, id)
}

type raftBuilder struct{}

func (raftBuilder) Scheme() string { return raftScheme }

// Build accepts "raft:///<id>" and "raft://<authority>/<id>".
func (raftBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	id := raft.ServerID(strings.TrimPrefix(target.Endpoint(), "/"))
	if id == "" {
		id = raft.ServerID(strings.TrimPrefix(target.URL.Path, "/"))
	}
	if id == "" {
		return nil, fmt.Errorf("raft resolver: empty target endpoint: %+v", target)
	}

	r := &raftResolver{id: id, cc: cc}
	r.subscribe()
	r.pushCurrent()
	return r, nil
}

type raftResolver struct {
	id raft.ServerID
	cc resolver.ClientConn
}

func (r *raftResolver) ResolveNow(resolver.ResolveNowOptions) { r.pushCurrent() }

func (r *raftResolver) Close() {
	globalIDRegistry.mu.Lock()
	defer globalIDRegistry.mu.Unlock()
	if set, ok := globalIDRegistry.watchers[r.id]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(globalIDRegistry.watchers, r.id)
		}
	}
}

func (r *raftResolver) subscribe() {
	globalIDRegistry.mu.Lock()
	defer globalIDRegistry.mu.Unlock()
	set := globalIDRegistry.watchers[r.id]
	if set == nil {
		set = make(map[*raftResolver]struct{})
		globalIDRegistry.watchers[r.id] = set
	}
	set[r] = struct{}{}
}

func (r *raftResolver) pushCurrent() {
	addr, ok := ResolvePeer(r.id)
	if !ok || addr == "" {
		// No address yet; gRPC keeps the channel in TRANSIENT_FAILURE until one is registered.
		_ = r.cc.UpdateState(resolver.State{})
		return
	}
	_ = r.cc.UpdateState(resolver.State{Addresses: []resolver.Address{{Addr: string(addr)}}})
}

func init() {
	resolver.Register(raftBuilder{})
}
