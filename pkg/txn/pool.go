package txn

import "sync"

// Pool recycles Txn descriptors using a per-P cache backed by sync.Pool
// with a shared overflow, the Go-idiomatic rendition of the original's
// fixed 17-bucket, 15-deep per-thread LIFO cache (§9 Design Notes: "in
// systems with first-class task-local storage, prefer task-local caches
// with a shared overflow pool"). Go has no portable OS-thread-local
// storage, but sync.Pool already gives each P its own cache and falls back
// to a shared pool under GC pressure, which is exactly that shape.
type Pool struct {
	registry  *Registry
	pool      sync.Pool
	allocated int64 // heap allocations made by pool.New, for tests/metrics
	mu        sync.Mutex
}

// NewPool creates a Pool bound to registry; Txn objects it hands out are
// reset via registry state on every Alloc.
func NewPool(r *Registry) *Pool {
	p := &Pool{registry: r}
	p.pool.New = func() interface{} {
		p.mu.Lock()
		p.allocated++
		p.mu.Unlock()
		return &Txn{}
	}
	return p
}

// Alloc returns a ready-to-Begin Txn, reusing a pooled descriptor when one
// is available on the calling goroutine's P.
func (p *Pool) Alloc() *Txn {
	t := p.pool.Get().(*Txn)
	t.reset(p.registry)
	return t
}

// Free returns a txn descriptor to the pool. An ACTIVE txn is aborted
// first so its view and locks are always released, matching the spec's
// "free aborts-if-active" rule.
func (p *Pool) Free(t *Txn) {
	if t.State() == StateActive {
		_ = t.Abort()
	}
	t.mu.Lock()
	t.state = StateInvalid
	t.mu.Unlock()
	p.pool.Put(t)
}

// Allocated returns the total number of Txn objects ever heap-allocated by
// this pool (as opposed to reused). Used to assert the O(1)-after-warmup
// property in tests.
func (p *Pool) Allocated() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}
