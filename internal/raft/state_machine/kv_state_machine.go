package state_machine

import (
	"encoding/json"
	"fmt"
	"log"
	"maps"
	"strings"
	"sync"

	"raft-engine/internal/raft/proto"
)

var _ StateMachine = (*KVStateMachine)(nil)

// KVStateMachine is a simple key-value store that implements the StateMachine interface
type KVStateMachine struct {
	mu    sync.RWMutex
	store map[string]string
	id    string // Server ID for logging
}

// NewKVStateMachine creates a new key-value state machine
func NewKVStateMachine(serverID string) *KVStateMachine {
	return &KVStateMachine{
		store: make(map[string]string),
		id:    serverID,
	}
}

// Apply applies log entries to the state machine
// Commands are expected to be in the format: "SET key=value" or "DEL key"
func (kv *KVStateMachine) Apply(entries []*proto.LogEntry) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	for _, entry := range entries {
		if entry == nil || entry.Type != proto.LogEntryType_LOG_COMMAND {
			// NOOP and configuration entries carry no command
			continue
		}
		kv.applyCommand(entry.Index, string(entry.Command))
	}
}

func (kv *KVStateMachine) applyCommand(index uint64, command string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return
	}

	switch strings.ToUpper(parts[0]) {
	case "SET":
		if len(parts) < 2 {
			return
		}
		key, value, ok := strings.Cut(parts[1], "=")
		if !ok {
			return
		}
		kv.store[key] = value
		log.Printf("[KV-SM-%s] Applied SET: %s=%s (index=%d)", kv.id, key, value, index)
	case "DEL":
		if len(parts) < 2 {
			return
		}
		delete(kv.store, parts[1])
		log.Printf("[KV-SM-%s] Applied DEL: %s (index=%d)", kv.id, parts[1], index)
	default:
		log.Printf("[KV-SM-%s] Unknown command: %s (index=%d)", kv.id, command, index)
	}
}

// Get returns the value stored under key.
func (kv *KVStateMachine) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	value, ok := kv.store[key]
	return value, ok
}

// GetAll returns a copy of every key-value pair.
func (kv *KVStateMachine) GetAll() map[string]string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	return maps.Clone(kv.store)
}

// CreateSnapshot encodes the store as a JSON object.
func (kv *KVStateMachine) CreateSnapshot() ([]byte, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	data, err := json.Marshal(kv.store)
	if err != nil {
		return nil, fmt.Errorf("failed to encode kv snapshot: %w", err)
	}
	log.Printf("[KV-SM-%s] Created snapshot with %d keys (%d bytes)", kv.id, len(kv.store), len(data))
	return data, nil
}

// RestoreSnapshot replaces the store with the contents of a snapshot. An empty snapshot yields an empty store.
func (kv *KVStateMachine) RestoreSnapshot(data []byte) error {
	store := make(map[string]string)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &store); err != nil {
			return fmt.Errorf("failed to decode kv snapshot: %w", err)
		}
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.store = store
	log.Printf("[KV-SM-%s] Restored snapshot with %d keys", kv.id, len(store))
	return nil
}
