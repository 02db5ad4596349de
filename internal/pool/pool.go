// Package pool runs a bounded embedding worker pool shared across folders.
// Producers block cooperatively when the queue is full, batches dispatch by
// (folder priority, age), and no folder may hog the in-flight slots while
// others have pending work.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBatchCancelled is delivered to waiters whose folder was removed before
// their batch dispatched.
var ErrBatchCancelled = errors.New("batch cancelled: folder removed")

// ErrPoolClosed is returned by Process after Close.
var ErrPoolClosed = errors.New("embedding pool is closed")

// Embedder is the inference dependency; satisfied by the model runner.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config tunes the pool.
type Config struct {
	// Workers is the worker count (default 2).
	Workers int

	// QueueDepth bounds pending batches; Process blocks when full (default 64).
	QueueDepth int

	// FairShare is the fraction of workers one folder may occupy while
	// other folders have pending batches (default 0.5).
	FairShare float64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	if c.FairShare <= 0 || c.FairShare > 1 {
		c.FairShare = 0.5
	}
	return c
}

type result struct {
	vectors [][]float32
	err     error
}

type batch struct {
	folderID   string
	priority   int
	seq        uint64
	enqueuedAt time.Time
	texts      []string
	embedder   Embedder
	ctx        context.Context
	resultCh   chan result
}

// Pool is the shared worker pool.
type Pool struct {
	cfg Config

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*batch
	inFlight map[string]int
	nextSeq  uint64
	closed   bool

	wg sync.WaitGroup
}

// New starts a pool with cfg.
func New(cfg Config) *Pool {
	p := &Pool{
		cfg:      cfg.withDefaults(),
		inFlight: make(map[string]int),
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Process embeds texts on behalf of a folder and blocks until the batch
// completes, is cancelled, or ctx expires. Lower priority values dispatch
// first. Backpressure is cooperative: a full queue blocks the producer.
func (p *Pool) Process(ctx context.Context, folderID string, priority int, embedder Embedder, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	b := &batch{
		folderID:   folderID,
		priority:   priority,
		enqueuedAt: time.Now(),
		texts:      texts,
		embedder:   embedder,
		ctx:        ctx,
		resultCh:   make(chan result, 1),
	}

	if err := p.enqueue(ctx, b); err != nil {
		return nil, err
	}

	select {
	case res := <-b.resultCh:
		return res.vectors, res.err
	case <-ctx.Done():
		// Best effort removal; an in-flight batch finishes and its result
		// is discarded.
		p.removePending(b)
		return nil, ctx.Err()
	}
}

// enqueue blocks until queue space is available.
func (p *Pool) enqueue(ctx context.Context, b *batch) error {
	// Wake the cond wait when the producer's ctx dies.
	stop := context.AfterFunc(ctx, func() { p.cond.Broadcast() })
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return ErrPoolClosed
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if len(p.queue) < p.cfg.QueueDepth {
			break
		}
		p.cond.Wait()
	}

	b.seq = p.nextSeq
	p.nextSeq++
	p.queue = append(p.queue, b)
	p.cond.Broadcast()
	return nil
}

// worker pops eligible batches and runs inference.
func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		b := p.pop()
		if b == nil {
			return // pool closed
		}

		var res result
		if b.ctx.Err() != nil {
			res.err = b.ctx.Err()
		} else {
			res.vectors, res.err = b.embedder.Embed(b.ctx, b.texts)
		}

		b.resultCh <- res

		p.mu.Lock()
		p.inFlight[b.folderID]--
		if p.inFlight[b.folderID] == 0 {
			delete(p.inFlight, b.folderID)
		}
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

// pop blocks for the next eligible batch, honoring priority, age, and the
// fair-share cap. Returns nil when the pool closes.
func (p *Pool) pop() *batch {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed && len(p.queue) == 0 {
			return nil
		}

		if idx := p.eligibleLocked(); idx >= 0 {
			b := p.queue[idx]
			p.queue = append(p.queue[:idx], p.queue[idx+1:]...)
			p.inFlight[b.folderID]++
			p.cond.Broadcast() // queue has space now
			return b
		}

		p.cond.Wait()
	}
}

// eligibleLocked finds the best dispatchable batch: minimal (priority, seq)
// among folders below their fair share — or any folder when no one else is
// waiting.
func (p *Pool) eligibleLocked() int {
	if len(p.queue) == 0 {
		return -1
	}

	maxShare := int(float64(p.cfg.Workers) * p.cfg.FairShare)
	if maxShare < 1 {
		maxShare = 1
	}

	// Does any other folder have pending work?
	pendingFolders := map[string]bool{}
	for _, b := range p.queue {
		pendingFolders[b.folderID] = true
	}

	best := -1
	for i, b := range p.queue {
		if len(pendingFolders) > 1 && p.inFlight[b.folderID] >= maxShare {
			continue
		}
		if best < 0 || less(b, p.queue[best]) {
			best = i
		}
	}
	return best
}

func less(a, b *batch) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

// CancelFolder drops the folder's pending batches; their waiters receive
// ErrBatchCancelled. In-flight batches complete and their writes are
// discarded by the (closed) target store.
func (p *Pool) CancelFolder(folderID string) {
	p.mu.Lock()
	var kept []*batch
	var dropped []*batch
	for _, b := range p.queue {
		if b.folderID == folderID {
			dropped = append(dropped, b)
		} else {
			kept = append(kept, b)
		}
	}
	p.queue = kept
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, b := range dropped {
		b.resultCh <- result{err: ErrBatchCancelled}
	}

	if len(dropped) > 0 {
		slog.Debug("cancelled pending batches",
			slog.String("folder", folderID),
			slog.Int("count", len(dropped)))
	}
}

// removePending drops one batch if still queued.
func (p *Pool) removePending(target *batch) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, b := range p.queue {
		if b == target {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			p.cond.Broadcast()
			return
		}
	}
}

// Pending returns the queued batch count.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close rejects new work, completes queued batches, and waits for workers.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
}
