package search

import (
	"sync/atomic"
	"time"
)

const (
	taskPending int32 = iota
	taskRunning
	taskDone
	taskCancelled
)

// task is a scheduled unit of work that can be superseded before it starts.
// Once running it always completes.
type task struct {
	state atomic.Int32
	timer *time.Timer
}

func schedule(delay time.Duration, fn func()) *task {
	t := &task{}
	t.timer = time.AfterFunc(delay, func() {
		if !t.state.CompareAndSwap(taskPending, taskRunning) {
			return
		}
		fn()
		t.state.Store(taskDone)
	})
	return t
}

// cancel reports whether the task was stopped before it ran.
func (t *task) cancel() bool {
	if !t.state.CompareAndSwap(taskPending, taskCancelled) {
		return false
	}
	t.timer.Stop()
	return true
}
