package daemon

import (
	"container/heap"
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const reapQueueSize = 10

// reapEntry asks for session id to be killed at deadline. A zero
// deadline cancels any pending deadline for id.
type reapEntry struct {
	name     string
	id       uuid.UUID
	deadline time.Time
}

type reapHeap []reapEntry

func (h reapHeap) Len() int           { return len(h) }
func (h reapHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h reapHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *reapHeap) Push(x any)        { *h = append(*h, x.(reapEntry)) }
func (h *reapHeap) Pop() any {
	old := *h
	e := old[len(old)-1]
	*h = old[:len(old)-1]
	return e
}

// reaper kills sessions whose TTL has elapsed.
type reaper struct {
	reg    chan reapEntry
	expire func(name string, id uuid.UUID)
	logger *slog.Logger
	now    func() time.Time
}

func newReaper(logger *slog.Logger, expire func(string, uuid.UUID)) *reaper {
	return &reaper{
		reg:    make(chan reapEntry, reapQueueSize),
		expire: expire,
		logger: logger,
		now:    time.Now,
	}
}

// register queues an entry. It blocks while the queue is full.
func (r *reaper) register(ctx context.Context, e reapEntry) {
	select {
	case r.reg <- e:
	case <-ctx.Done():
	}
}

func (r *reaper) run(ctx context.Context) {
	var pending reapHeap
	// latest holds the live deadline for each session id; heap entries
	// that disagree with it are stale.
	latest := make(map[uuid.UUID]time.Time)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		if pending.Len() > 0 {
			timer.Reset(max(pending[0].deadline.Sub(r.now()), 0))
		}
		select {
		case <-ctx.Done():
			return
		case e := <-r.reg:
			if e.deadline.IsZero() {
				delete(latest, e.id)
			} else {
				latest[e.id] = e.deadline
				heap.Push(&pending, e)
				r.logger.Debug("registered ttl", "session", e.name, "deadline", e.deadline)
			}
		case <-timer.C:
		}
		timer.Stop()

		now := r.now()
		for pending.Len() > 0 && !pending[0].deadline.After(now) {
			e := heap.Pop(&pending).(reapEntry)
			if d, ok := latest[e.id]; !ok || !d.Equal(e.deadline) {
				continue
			}
			delete(latest, e.id)
			r.logger.Info("ttl expired", "session", e.name)
			r.expire(e.name, e.id)
		}
	}
}
