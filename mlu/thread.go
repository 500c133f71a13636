package mlu

import (
	"errors"
	"runtime"
	"sync"
)

var errThreadClosed = errors.New("device thread is closed")

// osThread runs functions on one goroutine locked to its OS thread. A device
// context is current per OS thread, so every call that relies on it goes
// through here.
type osThread struct {
	reqs      chan func()
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newOSThread() *osThread {
	t := &osThread{
		reqs: make(chan func()),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go t.loop()
	return t
}

func (t *osThread) loop() {
	// Never unlocked: the thread exits with the goroutine instead of going
	// back to the scheduler with a context still bound to it.
	runtime.LockOSThread()
	defer close(t.done)

	for {
		select {
		case fn := <-t.reqs:
			fn()
		case <-t.stop:
			return
		}
	}
}

// do runs fn on the locked thread and waits for it. It must not be called
// from fn itself.
func (t *osThread) do(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case t.reqs <- func() { errc <- fn() }:
	case <-t.done:
		return errThreadClosed
	}
	return <-errc
}

func (t *osThread) close() {
	t.closeOnce.Do(func() { close(t.stop) })
	<-t.done
}
