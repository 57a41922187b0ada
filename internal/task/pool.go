package task

import (
	"context"
	"sync"

	"github.com/nexusrebuild/rebuild/internal/descriptor"
)

// Pool runs a fixed number of Tasks concurrently, one goroutine per slot,
// mirroring the teacher's one-goroutine-per-queue design (internal/queue.
// Runner) scaled down to one-goroutine-per-copy-slot. It bounds the number
// of in-flight range locks to its slot count, per spec.md section 4.4.
type Pool struct {
	tasks   []*Task
	cmd     []chan uint64
	free    chan int
	results chan Result

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPool creates a Pool of n slots, each with a bounce buffer sized for one
// full segment of desc's range.
func NewPool(ctx context.Context, desc *descriptor.Descriptor, n int) *Pool {
	bufSize := int(desc.SegmentSizeBlks) * int(desc.Src.Device.BlockSize())

	p := &Pool{
		tasks:   make([]*Task, n),
		cmd:     make([]chan uint64, n),
		free:    make(chan int, n),
		results: make(chan Result, n),
	}
	for i := 0; i < n; i++ {
		p.tasks[i] = New(i, desc, bufSize)
		p.cmd[i] = make(chan uint64, 1)
		p.free <- i
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	return p
}

func (p *Pool) run(ctx context.Context, slot int) {
	defer p.wg.Done()
	for segment := range p.cmd[slot] {
		res := p.tasks[slot].CopySegment(ctx, segment)
		p.results <- res
		p.free <- slot
	}
}

// FreeSlots yields slot indices as they become available for dispatch. A
// scheduler selects on this alongside Results() and its own command
// channel, per spec.md section 4.5's dispatch loop.
func (p *Pool) FreeSlots() <-chan int {
	return p.free
}

// Results yields the outcome of every dispatched segment, in completion
// order (not dispatch order).
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Dispatch assigns segment to slot, which must have been received from
// FreeSlots and not yet reused. The slot is returned to FreeSlots
// automatically, by run's goroutine, once its result has been produced.
func (p *Pool) Dispatch(slot int, segment uint64) {
	p.cmd[slot] <- segment
}

// Release returns an acquired-but-unused slot to the free set, for a
// scheduler that pulled a slot from FreeSlots speculatively and found no
// work to dispatch.
func (p *Pool) Release(slot int) {
	p.free <- slot
}

// Close stops every slot's goroutine and waits for in-flight tasks to
// finish. It must only be called once all outstanding Dispatch calls have
// produced their Result; callers implement the quiescent drain semantics of
// spec.md section 5 by counting dispatched-but-unreported segments and
// calling Close only once that count is zero.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		for _, c := range p.cmd {
			close(c)
		}
		p.wg.Wait()
		close(p.results)
	})
}
