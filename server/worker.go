package server

import (
	"errors"
	"fmt"
	"sync"
)

// ErrWorkerStopped is returned by Do after Stop.
var ErrWorkerStopped = errors.New("server: worker stopped")

// job represents a unit of work to be executed on the worker goroutine.
type job struct {
	fn   func() interface{}
	done chan jobResult
}

// jobResult holds the return value from a job.
type jobResult struct {
	value interface{}
	err   error
}

// Worker runs jobs one at a time on a dedicated goroutine. The LSP server
// uses it so that document checks, and the diagnostics they publish, happen
// in the order the edits arrived.
type Worker struct {
	jobs     chan job
	quit     chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a Worker and starts the processing goroutine.
func NewWorker() *Worker {
	w := &Worker{
		jobs: make(chan job, 64),
		quit: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	for {
		select {
		case j := <-w.jobs:
			res := w.execute(j.fn)
			if j.done != nil {
				j.done <- res
			}
		case <-w.quit:
			return
		}
	}
}

// execute runs fn, recovering from panics.
func (w *Worker) execute(fn func() interface{}) jobResult {
	var res jobResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("worker job panicked: %v", r)
				res.err = fmt.Errorf("%v", r)
			}
		}()
		res.value = fn()
	}()
	return res
}

// Do submits fn and blocks until it completes. It returns the result and
// any error, including a recovered panic.
func (w *Worker) Do(fn func() interface{}) (interface{}, error) {
	j := job{fn: fn, done: make(chan jobResult, 1)}
	select {
	case w.jobs <- j:
	case <-w.quit:
		return nil, ErrWorkerStopped
	}
	select {
	case res := <-j.done:
		return res.value, res.err
	case <-w.quit:
		return nil, ErrWorkerStopped
	}
}

// Go submits fn without waiting for it.
func (w *Worker) Go(fn func()) {
	j := job{fn: func() interface{} { fn(); return nil }}
	select {
	case w.jobs <- j:
	case <-w.quit:
	}
}

// Stop shuts down the worker goroutine. Queued jobs are dropped.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
}
