package worker

import (
	"log/slog"
	"sync"
)

// persistQueue dispatches store writes off the stream loops. Semantics are
// at-most-once: a full queue drops the write, a store error is logged and
// forgotten, and a crash between emit and write loses that one record.
type persistQueue struct {
	ops      chan func() error
	quit     chan struct{}
	done     chan struct{}
	logger   *slog.Logger
	stopOnce sync.Once
}

func newPersistQueue(depth int, logger *slog.Logger) *persistQueue {
	if depth <= 0 {
		depth = 256
	}
	q := &persistQueue{
		ops:    make(chan func() error, depth),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go q.loop()
	return q
}

func (q *persistQueue) loop() {
	defer close(q.done)
	for {
		select {
		case op := <-q.ops:
			q.run(op)
		case <-q.quit:
			for {
				select {
				case op := <-q.ops:
					q.run(op)
				default:
					return
				}
			}
		}
	}
}

func (q *persistQueue) run(op func() error) {
	if err := op(); err != nil {
		q.logger.Warn("best-effort persistence failed", "error", err)
	}
}

// submit enqueues a write without ever blocking the caller. Writes submitted
// after close, or past a full queue, are dropped.
func (q *persistQueue) submit(op func() error) {
	select {
	case q.ops <- op:
	default:
		q.logger.Warn("persistence queue full, dropping write")
	}
}

// close drains pending writes and stops the loop. Idempotent.
func (q *persistQueue) close() {
	q.stopOnce.Do(func() { close(q.quit) })
	<-q.done
}
