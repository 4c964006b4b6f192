/*
Package raft declares the durable collaborators the consensus module depends on: the term/vote store, the log
store and the snapshot store. The consensus rules themselves live in the engine sub-package, the runtime that
drives them in the server sub-package.

Notes from Section 5.2 of the [Raft paper](https://raft.github.io/raft.pdf): persistent state (currentTerm,
votedFor, log[]) must be updated on stable storage before responding to RPCs. Every implementation in this
package is therefore expected to be durable when a call returns without error.
*/
package raft
