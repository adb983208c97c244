// Package executor serializes builds per instance while letting different
// instances build in parallel.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/qiniu/routeops/internal/metrics"
	"github.com/qiniu/routeops/internal/osrm/model"
	"github.com/rs/zerolog/log"
)

// Op is the unit of work run while holding an instance's slot. The context
// passed to Op is detached from the submitter's cancellation.
type Op func(ctx context.Context) error

// Executor runs at most one Op per instance at a time, in submission order.
type Executor struct {
	mu       sync.Mutex
	slots    map[string]*slot
	maxQueue int
}

type slot struct {
	tail    chan struct{} // done channel of the most recent submission
	pending int           // running + waiting submissions
}

type ticket struct {
	instance string
	prev     <-chan struct{}
	done     chan struct{}
}

// New returns an executor allowing up to maxQueue waiters behind the running
// op of each instance. maxQueue <= 0 means unbounded.
func New(maxQueue int) *Executor {
	return &Executor{
		slots:    make(map[string]*slot),
		maxQueue: maxQueue,
	}
}

// Submit waits for the instance's slot, runs op and returns its error. If ctx
// is cancelled while waiting, Submit returns ctx.Err() and op never runs;
// the queue behind it is unaffected.
func (e *Executor) Submit(ctx context.Context, instance string, op Op) error {
	t, err := e.enqueue(instance)
	if err != nil {
		return err
	}

	if t.prev != nil {
		select {
		case <-t.prev:
		case <-ctx.Done():
			go func() {
				<-t.prev
				e.release(t)
			}()
			return ctx.Err()
		}
	}
	defer e.release(t)

	return e.run(context.WithoutCancel(ctx), t, op)
}

// Go enqueues op and returns immediately. queued reports whether op has to
// wait behind earlier submissions. done, when non-nil, receives op's result.
func (e *Executor) Go(instance string, op Op, done func(error)) (queued bool, err error) {
	t, err := e.enqueue(instance)
	if err != nil {
		return false, err
	}

	go func() {
		if t.prev != nil {
			<-t.prev
		}
		defer e.release(t)

		err := e.run(context.Background(), t, op)
		if done != nil {
			done(err)
		}
	}()

	return t.prev != nil, nil
}

// InFlight reports whether the instance has a running or waiting op.
func (e *Executor) InFlight(instance string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.slots[instance]
	return ok
}

// Pending returns the number of running plus waiting ops for the instance.
func (e *Executor) Pending(instance string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.slots[instance]; ok {
		return s.pending
	}
	return 0
}

// Snapshot returns pending counts for every instance with work.
func (e *Executor) Snapshot() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.slots))
	for name, s := range e.slots {
		out[name] = s.pending
	}
	return out
}

// Instances returns the names of instances with work, sorted.
func (e *Executor) Instances() []string {
	snap := e.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Executor) enqueue(instance string) (*ticket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.slots[instance]
	if !ok {
		s = &slot{}
		e.slots[instance] = s
	}
	if e.maxQueue > 0 && s.pending > e.maxQueue {
		return nil, fmt.Errorf("%w: %s has %d waiting", model.ErrQueueFull, instance, s.pending-1)
	}

	t := &ticket{instance: instance, prev: s.tail, done: make(chan struct{})}
	s.tail = t.done
	s.pending++
	metrics.SetQueueDepth(instance, s.pending)
	return t, nil
}

func (e *Executor) release(t *ticket) {
	close(t.done)

	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.slots[t.instance]
	s.pending--
	metrics.SetQueueDepth(t.instance, s.pending)
	if s.pending == 0 {
		delete(e.slots, t.instance)
	}
}

func (e *Executor) run(ctx context.Context, t *ticket, op Op) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("instance", t.instance).Msg("build op panic")
			err = fmt.Errorf("build op for %s panicked: %v", t.instance, r)
		}
	}()
	return op(ctx)
}
