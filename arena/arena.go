// Package arena implements the hierarchical bump allocator the rest of
// the runtime builds on: linked chunks, alignment-padded allocation, and
// a snapshot/restore discipline that lets a zone rewind its storage in
// one step instead of tracing and freeing individual objects.
package arena

import "sync"

// DefaultChunkSize is used when an Arena isn't configured with
// WithChunkSize. Chosen to hold a few dozen small heap objects before a
// chunk boundary is crossed.
const DefaultChunkSize = 4096

// Chunk is one link in an arena's bump-allocated storage. Chunks never
// shrink; once grown to satisfy an oversized request they keep that
// capacity even after being recycled through a FreeList.
type Chunk struct {
	buf  []byte
	next *Chunk
}

// Snapshot is `(chunk, bump_ptr)` — enough state to rewind an Arena to
// exactly the point it was captured.
type Snapshot struct {
	chunk *Chunk
	bump  int
}

// FreeList is the environment-wide pool of retired chunks. It is shared
// by every Arena rotated through an execution context's arena pool, so
// it is guarded by a mutex rather than assumed single-threaded (see the
// concurrency model: the environment's shared state is not implicitly
// thread-safe, but a FreeList is cheap to lock around).
type FreeList struct {
	mu     sync.Mutex
	chunks []*Chunk
}

// NewFreeList returns an empty chunk pool.
func NewFreeList() *FreeList {
	return &FreeList{}
}

// get pops the first chunk whose capacity is at least minSize, or nil.
func (f *FreeList) get(minSize int) *Chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.chunks {
		if len(c.buf) >= minSize {
			last := len(f.chunks) - 1
			f.chunks[i] = f.chunks[last]
			f.chunks[last] = nil
			f.chunks = f.chunks[:last]
			return c
		}
	}
	return nil
}

func (f *FreeList) put(c *Chunk) {
	c.next = nil
	f.mu.Lock()
	f.chunks = append(f.chunks, c)
	f.mu.Unlock()
}

// Arena is a linked list of chunks with a bump pointer into the current
// (last) one. Retired chunks go back to a shared FreeList rather than to
// the system allocator.
type Arena struct {
	freeList  *FreeList
	chunkSize int
	head      *Chunk
	current   *Chunk
	bump      int
}

// Opt configures an Arena at construction time.
type Opt func(*Arena)

// WithChunkSize overrides DefaultChunkSize.
func WithChunkSize(n int) Opt {
	return func(a *Arena) {
		if n > 0 {
			a.chunkSize = n
		}
	}
}

// WithFreeList shares a FreeList across multiple arenas, as the
// environment does across its rotatable arena pool.
func WithFreeList(fl *FreeList) Opt {
	return func(a *Arena) { a.freeList = fl }
}

// New builds an Arena. A private FreeList is created if none is given.
func New(opts ...Opt) *Arena {
	a := &Arena{chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(a)
	}
	if a.freeList == nil {
		a.freeList = NewFreeList()
	}
	return a
}

func alignUp(off, align int) int {
	if align <= 1 {
		return off
	}
	return (off + align - 1) &^ (align - 1)
}

// Alloc bump-allocates size bytes aligned to align, growing the arena
// from the shared FreeList or the system allocator if the current chunk
// doesn't have room. There is no failure return: a host-supplied
// allocator is expected to panic on true OOM, matching the "abort on
// OOM" allocator policy; callers that need a recoverable failure should
// check available capacity before calling Alloc in a tight loop.
func (a *Arena) Alloc(size, align int) []byte {
	if size < 0 {
		size = 0
	}
	if a.current != nil {
		aligned := alignUp(a.bump, align)
		if aligned+size <= len(a.current.buf) {
			p := a.current.buf[aligned : aligned+size]
			a.bump = aligned + size
			return p
		}
	}
	a.grow(size, align)
	aligned := alignUp(0, align)
	p := a.current.buf[aligned : aligned+size]
	a.bump = aligned + size
	return p
}

func (a *Arena) grow(size, align int) {
	need := size
	csize := a.chunkSize
	if need > csize {
		csize = need
	}
	c := a.freeList.get(csize)
	if c == nil {
		c = &Chunk{buf: make([]byte, csize)}
	}
	c.next = nil
	if a.current != nil {
		a.current.next = c
	} else {
		a.head = c
	}
	a.current = c
	a.bump = 0
}

// Snapshot captures the current (chunk, bump_ptr) pair.
func (a *Arena) Snapshot() Snapshot {
	return Snapshot{chunk: a.current, bump: a.bump}
}

// Restore rewinds the arena to a previously captured Snapshot, pushing
// every chunk allocated since onto the shared FreeList. Restoring the
// zero Snapshot is equivalent to Reset.
func (a *Arena) Restore(s Snapshot) {
	var start *Chunk
	if s.chunk == nil {
		start = a.head
		a.head = nil
	} else {
		start = s.chunk.next
		s.chunk.next = nil
	}
	for c := start; c != nil; {
		next := c.next
		a.freeList.put(c)
		c = next
	}
	a.current = s.chunk
	a.bump = s.bump
}

// Reset rewinds the arena to its empty state.
func (a *Arena) Reset() {
	a.Restore(Snapshot{})
}
