package server

import (
	"sync"
	"time"

	"raft-engine/internal/pubsub"
)

/*
In this file we define the timers of a Server. A timer does not act on the server itself: when it fires it marks
itself as fired and publishes an event, and the Orchestrator turns that event into an engine step. Every Reset and
Stop bumps the generation of the timer, so a callback left over from an earlier arming can never fire it, and the
fired mark is checked under the server lock right before the step, so a timer stopped after publishing is ignored.
*/

type timerJob struct {
	name     string
	event    pubsub.EventType
	duration func() time.Duration
	pubSub   *pubsub.PubSubClient

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
	fired bool
}

func newTimerJob(name string, event pubsub.EventType, duration func() time.Duration, pubSub *pubsub.PubSubClient) *timerJob {
	return &timerJob{name: name, event: event, duration: duration, pubSub: pubSub}
}

// Reset (re)arms the timer with a fresh duration and cancels any pending expiry.
func (j *timerJob) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.gen++
	j.fired = false
	if j.timer != nil {
		j.timer.Stop()
	}
	gen := j.gen
	j.timer = time.AfterFunc(j.duration(), func() { j.expire(gen) })
}

// Stop disarms the timer. A pending expiry is cancelled even if its event was already published.
func (j *timerJob) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.gen++
	j.fired = false
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
}

// take reports whether the timer fired since it was last armed and consumes the expiry.
func (j *timerJob) take() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	fired := j.fired
	j.fired = false
	return fired
}

func (j *timerJob) expire(gen uint64) {
	j.mu.Lock()
	if gen != j.gen {
		j.mu.Unlock()
		return
	}
	j.fired = true
	j.mu.Unlock()

	pubsub.Publish(j.pubSub, pubsub.NewEvent(j.event, gen))
}
