package queue

import (
	"container/heap"
	"time"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
)

// record is the queue's bookkeeping around one job.
type record struct {
	job crawler.Job
	// seq breaks ties between jobs created at the same instant.
	seq uint64
	// index is the position in the pending heap, -1 when not pending.
	index int
	// pendingSince is when the job last entered PENDING.
	pendingSince time.Time
}

// pendingIndex orders PENDING records by priority (highest first), then created_at,
// then insertion sequence. It implements heap.Interface.
type pendingIndex []*record

func (p pendingIndex) Len() int { return len(p) }

func (p pendingIndex) Less(i, j int) bool {
	a, b := p[i].job, p[j].job
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return p[i].seq < p[j].seq
}

func (p pendingIndex) Swap(i, j int) {
	p[i], p[j] = p[j], p[i]
	p[i].index = i
	p[j].index = j
}

func (p *pendingIndex) Push(x any) {
	rec := x.(*record)
	rec.index = len(*p)
	*p = append(*p, rec)
}

func (p *pendingIndex) Pop() any {
	old := *p
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	rec.index = -1
	*p = old[:n-1]
	return rec
}

func (p *pendingIndex) peek() *record {
	if len(*p) == 0 {
		return nil
	}
	return (*p)[0]
}

func (p *pendingIndex) remove(rec *record) {
	if rec.index < 0 || rec.index >= len(*p) || (*p)[rec.index] != rec {
		return
	}
	heap.Remove(p, rec.index)
}
