package raft

import (
	"math/rand"
	"time"
)

// RandomElectionTimeout picks an election timeout uniformly from [min, max], as recommended at the end of
// Section 9.3 from the [Raft paper](https://raft.github.io/raft.pdf) to keep split votes rare.
func RandomElectionTimeout(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	// Add 1 to make the upper bound inclusive
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}
