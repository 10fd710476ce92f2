// Package replpool implements the REPL lifecycle and pool manager: the
// concurrency-safe pool that creates, warms, reuses, retires, and destroys
// interpreter subprocess workers, and the worker type itself.
package replpool

import (
	"container/list"
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Settings are the pool's immutable configuration, set once at
// construction.
type Settings struct {
	MaxRepls int
	MaxUses  int
	MaxMem   uint64 // bytes
	BinPath  string
	WorkDir  string
}

// Pool owns the free/busy worker sets and enforces the invariant that
// |free|+|busy| <= MaxRepls at every observable point. Its bookkeeping is
// guarded by a single mutex held only across the non-suspending portions of
// Acquire/Release/Destroy; closing an evicted worker happens outside the
// lock to avoid head-of-line blocking.
type Pool struct {
	settings Settings

	mu   sync.Mutex
	free *list.List // of *Worker, oldest at Front, newest at Back
	busy map[*Worker]struct{}
}

// New constructs an empty pool. It does not spawn any subprocess; call
// WarmStart to pre-populate it.
func New(settings Settings) *Pool {
	return &Pool{
		settings: settings,
		free:     list.New(),
		busy:     make(map[*Worker]struct{}),
	}
}

// Settings returns the pool's immutable configuration.
func (p *Pool) Settings() Settings {
	return p.settings
}

// Len returns (free, busy) counts, for tests and diagnostics.
func (p *Pool) Len() (free, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free.Len(), len(p.busy)
}

// Acquire returns a worker specialized to header: an idle matching worker
// if one exists and isn't exhausted; otherwise a freshly constructed
// worker if capacity allows; otherwise the oldest free worker's slot,
// evicting it first; otherwise ErrNoAvailable. The returned worker is
// marked busy before Acquire returns. Construction never blocks on
// spawning the subprocess — that's deferred to the caller's Start call.
func (p *Pool) Acquire(header string) (*Worker, error) {
	p.mu.Lock()

	for e := p.free.Front(); e != nil; e = e.Next() {
		w := e.Value.(*Worker)
		if w.Header == header && !w.Exhausted() {
			p.free.Remove(e)
			p.busy[w] = struct{}{}
			p.mu.Unlock()
			log.Printf("[%s] acquired (reused, header=%q)", w.ShortID(), header)
			return w, nil
		}
	}

	total := p.free.Len() + len(p.busy)
	if total < p.settings.MaxRepls {
		w := p.newWorkerLocked(header)
		p.busy[w] = struct{}{}
		p.mu.Unlock()
		log.Printf("[%s] acquired (new, header=%q)", w.ShortID(), header)
		return w, nil
	}

	if p.free.Len() > 0 {
		// Remove the eviction candidate and register its replacement in
		// the same critical section, so no other Acquire can observe the
		// freed slot and overshoot MaxRepls before the replacement is
		// registered. Only the actual process teardown happens outside
		// the lock, per spec: head-of-line blocking on a slow kill/wait
		// must not stall unrelated Acquire/Release calls.
		evicted := p.evictOldestLocked()
		w := p.newWorkerLocked(header)
		p.busy[w] = struct{}{}
		p.mu.Unlock()

		log.Printf("[%s] evicting oldest free worker for header=%q", evicted.ShortID(), header)
		go func() {
			if err := evicted.Close(); err != nil {
				log.Printf("[%s] close during eviction failed: %v", evicted.ShortID(), err)
			}
		}()
		log.Printf("[%s] acquired (new, after eviction, header=%q)", w.ShortID(), header)
		return w, nil
	}

	p.mu.Unlock()
	return nil, ErrNoAvailable
}

// newWorkerLocked must be called with p.mu held; it only constructs the
// Worker value, it never spawns a subprocess.
func (p *Pool) newWorkerLocked(header string) *Worker {
	return NewWorker(header, Config{
		BinPath:   p.settings.BinPath,
		WorkDir:   p.settings.WorkDir,
		MaxUses:   p.settings.MaxUses,
		MaxMemory: p.settings.MaxMem,
	})
}

// evictOldestLocked removes and returns the free worker with the smallest
// creation timestamp (the free list is in release order, so it is scanned
// rather than read from the front). Caller must hold p.mu and must Close
// the returned worker itself, outside the lock.
func (p *Pool) evictOldestLocked() *Worker {
	oldest := p.free.Front()
	for e := oldest.Next(); e != nil; e = e.Next() {
		if e.Value.(*Worker).CreatedAt.Before(oldest.Value.(*Worker).CreatedAt) {
			oldest = e
		}
	}
	w := oldest.Value.(*Worker)
	p.free.Remove(oldest)
	return w
}

// Release returns a worker to the free set, or closes it if it's
// exhausted. A worker that isn't registered as busy is logged and
// ignored.
func (p *Pool) Release(w *Worker) {
	p.mu.Lock()

	if _, ok := p.busy[w]; !ok {
		p.mu.Unlock()
		log.Printf("[%s] release of a non-busy worker ignored", w.ShortID())
		return
	}

	if w.Exhausted() {
		delete(p.busy, w)
		p.mu.Unlock()
		log.Printf("[%s] exhausted, closing on release", w.ShortID())
		if err := w.Close(); err != nil {
			log.Printf("[%s] close on release failed: %v", w.ShortID(), err)
		}
		return
	}

	delete(p.busy, w)
	p.free.PushBack(w)
	p.mu.Unlock()
	log.Printf("[%s] released", w.ShortID())
}

// Destroy unconditionally removes w from both sets and closes it. Used by
// the orchestrator whenever a send fails in a way that leaves the
// worker's stdio state indeterminate (timeout, crash, protocol error,
// interpreter error, header evaluation failure).
func (p *Pool) Destroy(w *Worker) {
	p.mu.Lock()
	delete(p.busy, w)
	for e := p.free.Front(); e != nil; e = e.Next() {
		if e.Value.(*Worker) == w {
			p.free.Remove(e)
			break
		}
	}
	p.mu.Unlock()

	log.Printf("[%s] destroying", w.ShortID())
	if err := w.Close(); err != nil {
		log.Printf("[%s] close failed: %v", w.ShortID(), err)
	}
}

// Primer runs a worker through start+header priming: start the process,
// and if the worker carries a non-blank header, send it once before
// anything else touches the worker. WarmStart takes one; the orchestrator
// does not use a Primer and runs the same sequence in its own prime step.
type Primer func(ctx context.Context, w *Worker) error

// DefaultPrimer starts w and, if it carries a non-blank header, sends it
// with the given timeout. A header response carrying a fatal error is
// treated as "this worker cannot serve this header": the caller is
// expected to destroy it.
func DefaultPrimer(timeout time.Duration) Primer {
	return func(ctx context.Context, w *Worker) error {
		if err := w.Start(ctx); err != nil {
			return err
		}
		if isBlank(w.Header) {
			return nil
		}
		res, err := w.SendWithTimeout(w.Header, timeout, true)
		if err != nil {
			return err
		}
		if res.Response.HasFatalError() {
			return fmt.Errorf("%w: %s", ErrHeaderEval, res.Response.Error)
		}
		return nil
	}
}

// WarmStart validates that the sum of initMap's counts doesn't exceed pool
// capacity, then acquires and primes that many workers per header,
// releasing a header's workers once all of them are primed. It's meant to
// be called once at startup, before any real traffic. Workers are primed
// one at a time, in sequence; WarmStart does not prime concurrently,
// neither within a header nor across headers.
func (p *Pool) WarmStart(ctx context.Context, initMap map[string]int, prime Primer) error {
	sum := 0
	for _, n := range initMap {
		sum += n
	}
	if sum > p.settings.MaxRepls {
		return fmt.Errorf("%w: sum=%d max=%d", ErrWarmStartOverCapacity, sum, p.settings.MaxRepls)
	}

	for header, n := range initMap {
		// Primed workers stay busy until the header's last one is primed,
		// so each Acquire constructs a new worker instead of reusing one.
		held := make([]*Worker, 0, n)
		var err error
		for i := 0; i < n; i++ {
			var w *Worker
			if w, err = p.Acquire(header); err != nil {
				break
			}
			if err = prime(ctx, w); err != nil {
				p.Destroy(w)
				break
			}
			held = append(held, w)
		}
		for _, w := range held {
			p.Release(w)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Shutdown closes every worker in both sets and clears the pool.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	var workers []*Worker
	for e := p.free.Front(); e != nil; e = e.Next() {
		workers = append(workers, e.Value.(*Worker))
	}
	for w := range p.busy {
		workers = append(workers, w)
	}
	p.free.Init()
	p.busy = make(map[*Worker]struct{})
	p.mu.Unlock()

	for _, w := range workers {
		if err := w.Close(); err != nil {
			log.Printf("[%s] close during shutdown failed: %v", w.ShortID(), err)
		}
	}
}
