// Package dist - cross-worker mean reduction of normalization scalars.
package dist

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Reducer averages a scalar across every worker of a training step. It blocks
// until all workers contribute, so every worker must call it the same number of
// times in the same order.
type Reducer interface {
	ReduceMean(ctx context.Context, x float32) (float32, error)
}

// Local is the single-worker reducer. The mean of one value is the value.
type Local struct{}

// ReduceMean returns x unless ctx is done.
func (Local) ReduceMean(ctx context.Context, x float32) (float32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return x, nil
}

// Group is an in-process all-reduce shared by Size goroutines. Each call joins
// the current round; the round completes when Size values have arrived.
//
// A worker whose context is cancelled leaves its value in the round, so the
// other workers block until their own contexts end. Callers abort the whole
// step on cancellation.
type Group struct {
	size int

	mu  sync.Mutex
	cur *round
}

type round struct {
	sum     float64
	arrived int
	mean    float32
	done    chan struct{}
}

// NewGroup creates a group of size workers.
func NewGroup(size int) (*Group, error) {
	if size <= 0 {
		return nil, errors.Errorf("group size must be positive, got %d", size)
	}
	return &Group{size: size}, nil
}

// Size returns the number of workers.
func (g *Group) Size() int {
	return g.size
}

func (g *Group) ReduceMean(ctx context.Context, x float32) (float32, error) {
	g.mu.Lock()
	if g.cur == nil {
		g.cur = &round{done: make(chan struct{})}
	}
	r := g.cur
	r.sum += float64(x)
	r.arrived++
	if r.arrived == g.size {
		r.mean = float32(r.sum / float64(g.size))
		close(r.done)
		g.cur = nil
	}
	g.mu.Unlock()

	select {
	case <-r.done:
		return r.mean, nil
	case <-ctx.Done():
		return 0, errors.Wrap(ctx.Err(), "mean reduction cancelled")
	}
}
