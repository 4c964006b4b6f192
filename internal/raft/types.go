package raft

// ServerID is the id of a server in the cluster. It is stable across restarts and address changes.
type ServerID string

// ServerAddress is the network address ("host:port") a server accepts gRPC connections on.
type ServerAddress string
