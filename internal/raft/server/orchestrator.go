package server

import (
	"log"

	"raft-engine/internal/pubsub"
	"raft-engine/internal/raft/engine"
)

// Orchestrator turns timer events into engine steps for a Server. Inbound RPCs and RPC responses step the server
// directly; only timers go through the bus, so they never run on the goroutine of the timer itself.
type Orchestrator struct {
	// Channels where a signal is sent once a timer of the server expires. Both are buffered with room for one
	// event: a second expiry while one is pending carries no extra information.
	electionTimeoutExpiredChan  chan *pubsub.Event[uint64]
	heartbeatTimeoutExpiredChan chan *pubsub.Event[uint64]
	// A channel where a shutdown signal is received. It signals that the Orchestrator running in a goroutine
	// should exit.
	shutDownChan chan *pubsub.Event[struct{}]

	subscriptions map[pubsub.EventType]pubsub.SubscriberID
	pubSub        *pubsub.PubSubClient
	// The server that is orchestrated.
	server *Server
}

func NewOrchestrator(pubSub *pubsub.PubSubClient, server *Server) *Orchestrator {
	o := &Orchestrator{
		electionTimeoutExpiredChan:  make(chan *pubsub.Event[uint64], 1),
		heartbeatTimeoutExpiredChan: make(chan *pubsub.Event[uint64], 1),
		shutDownChan:                make(chan *pubsub.Event[struct{}], 1),
		subscriptions:               make(map[pubsub.EventType]pubsub.SubscriberID),
		pubSub:                      pubSub,
		server:                      server,
	}

	opts := pubsub.SubscriptionOptions{IsBlocking: false}
	o.subscriptions[ElectionTimeoutExpired] = pubsub.Subscribe(pubSub, ElectionTimeoutExpired, o.electionTimeoutExpiredChan, opts)
	o.subscriptions[HeartbeatTimeoutExpired] = pubsub.Subscribe(pubSub, HeartbeatTimeoutExpired, o.heartbeatTimeoutExpiredChan, opts)
	o.subscriptions[ServerShutDown] = pubsub.Subscribe(pubSub, ServerShutDown, o.shutDownChan, opts)

	return o
}

// Run runs the Orchestrator until the server shuts down. It should be executed as a goroutine.
func (o *Orchestrator) Run() {
	defer o.unsubscribe()

	for {
		select {
		case ev, ok := <-o.electionTimeoutExpiredChan:
			if !ok {
				return
			}
			o.server.onTimer(o.server.electionTimer, engine.ElectionTimeoutElapsed{}, ev.Payload)
		case ev, ok := <-o.heartbeatTimeoutExpiredChan:
			if !ok {
				return
			}
			o.server.onTimer(o.server.heartbeatTimer, engine.HeartbeatTimeoutElapsed{}, ev.Payload)
		case <-o.shutDownChan:
			return
		case <-o.server.ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) unsubscribe() {
	for eventType, id := range o.subscriptions {
		o.pubSub.Unsubscribe(eventType, id)
	}
	log.Printf("[JOB] Orchestrator of server %s stopped", o.server.ID)
}
