package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/continuity/internal/types"
)

// writeJob is one asynchronous durable write.
type writeJob struct {
	snapshot *types.SessionData
	seq      uint64
}

// lanes gives every session its own FIFO channel so durable writes for one
// session land in order, while a global semaphore caps how many writes run
// at once across sessions. A lane's goroutine exits after sitting idle.
type lanes struct {
	lanes     map[types.SessionID]chan *writeJob
	semaphore *semaphore.Weighted
	processor func(context.Context, *writeJob)
	buffer    int
	idle      time.Duration
	pending   atomic.Int64
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func newLanes(maxConcurrent int64, buffer int, idle time.Duration, processor func(context.Context, *writeJob)) *lanes {
	return &lanes{
		lanes:     make(map[types.SessionID]chan *writeJob),
		semaphore: semaphore.NewWeighted(maxConcurrent),
		processor: processor,
		buffer:    buffer,
		idle:      idle,
	}
}

// start initialises the lanes' context. Cancellation of ctx is ignored so
// that stop can drain buffered writes.
func (l *lanes) start(ctx context.Context) {
	l.ctx, l.cancel = context.WithCancel(context.WithoutCancel(ctx))
}

// stop refuses new jobs, closes all lanes, waits for buffered jobs to be
// written, then cancels the context.
func (l *lanes) stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for id, lane := range l.lanes {
		close(lane)
		delete(l.lanes, id)
	}
	l.mu.Unlock()
	l.wg.Wait()
	l.cancel()
}

// enqueue adds a job to its session's lane, creating the lane (and its
// goroutine) on first use. It returns false if the lanes are stopped or the
// lane's buffer is full.
func (l *lanes) enqueue(job *writeJob) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}

	id := job.snapshot.SessionID
	lane, exists := l.lanes[id]
	if !exists {
		lane = make(chan *writeJob, l.buffer)
		l.lanes[id] = lane
		l.wg.Add(1)
		go l.processLane(id, lane)
	}

	l.pending.Add(1)
	select {
	case lane <- job:
		return true
	default:
		l.pending.Add(-1)
		return false
	}
}

func (l *lanes) processLane(id types.SessionID, lane chan *writeJob) {
	defer l.wg.Done()
	timer := time.NewTimer(l.idle)
	defer timer.Stop()

	for {
		select {
		case job, ok := <-lane:
			if !ok {
				return
			}
			l.run(job)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(l.idle)
		case <-timer.C:
			// Sends happen under l.mu, so an empty lane observed under the
			// lock stays empty once it leaves the map.
			l.mu.Lock()
			if len(lane) == 0 && !l.closed {
				delete(l.lanes, id)
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
			timer.Reset(l.idle)
		}
	}
}

func (l *lanes) run(job *writeJob) {
	defer l.pending.Add(-1)
	if err := l.semaphore.Acquire(l.ctx, 1); err != nil {
		return
	}
	defer l.semaphore.Release(1)
	l.processor(l.ctx, job)
}

// waitIdle blocks until no writes are buffered or running, or the timeout
// expires. Returns true if idle, false if timed out.
func (l *lanes) waitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if l.pending.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (l *lanes) laneCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}
