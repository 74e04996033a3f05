package server

import (
	"log"
	"sync/atomic"
	"time"
)

const idleRoomTimeout = time.Second * 30

type roomJob struct {
	key  string
	run  func()
	fail func(err error)
}

// Room is the sequencing worker of one conversation or group. It exists
// while the room has recent activity and runs the room's jobs one at a
// time.
type Room struct {
	key  string
	cs   *ChatServer
	log  *log.Logger
	jobs chan *roomJob
	// pending counts jobs handed to the room that have not finished yet
	pending atomic.Int32
	// killTimer is used to unload the room when it is no longer active
	killTimer *time.Timer
	exit      chan struct{}
	done      chan struct{}
}

func (r *Room) start() {
	defer close(r.done)

	r.killTimer = time.NewTimer(idleRoomTimeout)
	defer r.killTimer.Stop()

	for {
		select {
		case job := <-r.jobs:
			r.killTimer.Stop()
			job.run()
			r.pending.Add(-1)
			r.killTimer.Reset(idleRoomTimeout)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case <-r.exit:
			r.drain()
			return
		}
	}
}

func (r *Room) handleRoomTimeout() {
	select {
	case r.cs.unloadRoomChan <- r:
	default:
		r.killTimer.Reset(idleRoomTimeout)
	}
}

// drain runs jobs that were queued before the room was told to exit.
func (r *Room) drain() {
	for {
		select {
		case job := <-r.jobs:
			job.run()
			r.pending.Add(-1)
		default:
			return
		}
	}
}
