package chroma

import (
	"context"

	"github.com/embranch/embranch/internal/errkind"
)

// job is one unit of work for the gateway worker. The embedded vector
// runtime is not safe for parallel use, so every call is marshalled
// onto a single goroutine through a bounded FIFO queue.
type job struct {
	ctx  context.Context
	run  func() (interface{}, error)
	done chan jobResult
}

type jobResult struct {
	value interface{}
	err   error
}

// loop is the worker goroutine. It owns the chromem runtime; work runs
// to completion with no suspension points.
func (g *Gateway) loop() {
	defer close(g.drained)
	for j := range g.jobs {
		if j.ctx.Err() != nil {
			j.done <- jobResult{err: errkind.Wrap(errkind.TimedOut, "vector store call expired in queue", j.ctx.Err())}
			continue
		}
		value, err := j.run()
		j.done <- jobResult{value: value, err: err}
	}
}
