package container

import (
	"encoding/binary"
	"io"

	"github.com/corelisp/corelisp/value"
)

// List is a dense dynamic array. While its length stays within the
// capacity requested at construction, its backing slice is considered
// zone-allocated: the zone's own rewind-on-exit reclaims it with no
// extra bookkeeping. The first growth past that capacity moves the
// backing slice to storage whose lifetime is no longer tied to the
// zone, so a finalizer is registered to release it explicitly —
// mirroring the system-allocator handoff the spec describes, adapted
// to Go by tracking the handoff rather than hand-managing raw bytes
// (Go's own collector already owns every non-arena allocation safely).
type List struct {
	owner       value.ZoneID
	tracker     GrowthTracker
	elems       []value.Value
	movedToHeap bool
}

// NewList constructs a List of the given initial capacity (0 is valid:
// the first Push moves it to heap-managed storage immediately).
func NewList(owner value.ZoneID, capacity int, tracker GrowthTracker) *value.Heap {
	if tracker == nil {
		tracker = noopTracker{}
	}
	l := &List{owner: owner, tracker: tracker}
	if capacity > 0 {
		l.elems = make([]value.Value, 0, capacity)
	}
	return value.NewHeap(value.HeapList, owner, l)
}

// AsList type-asserts a list Value's payload back to *List.
func AsList(v value.Value) *List {
	return v.Heap().Payload.(*List)
}

func (l *List) Len() int { return len(l.elems) }

func (l *List) ensureCapacity(za ZoneAllocator, extra int) {
	need := len(l.elems) + extra
	if need <= cap(l.elems) {
		return
	}
	newCap := cap(l.elems) * 2
	if newCap < need {
		newCap = need
	}
	if newCap < 4 {
		newCap = 4
	}
	grew := make([]value.Value, len(l.elems), newCap)
	copy(grew, l.elems)
	firstGrowth := !l.movedToHeap
	l.elems = grew
	if firstGrowth {
		l.movedToHeap = true
		l.tracker.OnGrow(newCap)
		za.Defer(func() { l.tracker.OnFree() })
	}
}

// Get returns the element at i, or nil if i is out of bounds.
func (l *List) Get(i int) value.Value {
	if i < 0 || i >= len(l.elems) {
		return value.Nil()
	}
	return l.elems[i]
}

// Set copies v into the list's zone and stores it at i, returning the
// previous value (nil if i is out of bounds, in which case no write
// occurs).
func (l *List) Set(za ZoneAllocator, self *value.Heap, i int, v value.Value) (value.Value, error) {
	if i < 0 || i >= len(l.elems) {
		return value.Nil(), nil
	}
	copied, err := value.Copy(za, l.owner, v)
	if err != nil {
		return value.Value{}, err
	}
	old := l.elems[i]
	l.elems[i] = copied
	self.AddArenaBits(value.ArenaMaskOf(copied))
	return old, nil
}

// Push copies v into the list's zone and appends it, growing the
// backing slice (doubling) if necessary.
func (l *List) Push(za ZoneAllocator, self *value.Heap, v value.Value) error {
	copied, err := value.Copy(za, l.owner, v)
	if err != nil {
		return err
	}
	l.ensureCapacity(za, 1)
	l.elems = append(l.elems, copied)
	self.AddArenaBits(value.ArenaMaskOf(copied))
	return nil
}

// Resize truncates or extends (with nil) the list to length n.
func (l *List) Resize(za ZoneAllocator, n int) {
	if n <= len(l.elems) {
		l.elems = l.elems[:n]
		return
	}
	l.ensureCapacity(za, n-len(l.elems))
	for len(l.elems) < n {
		l.elems = append(l.elems, value.Nil())
	}
}

// Delete removes the element at i with a stable shift of everything
// after it.
func (l *List) Delete(i int) value.Value {
	if i < 0 || i >= len(l.elems) {
		return value.Nil()
	}
	old := l.elems[i]
	copy(l.elems[i:], l.elems[i+1:])
	l.elems = l.elems[:len(l.elems)-1]
	return old
}

// QuickDelete removes the element at i by swapping in the last element,
// an O(1) alternative to Delete when order doesn't matter.
func (l *List) QuickDelete(i int) value.Value {
	if i < 0 || i >= len(l.elems) {
		return value.Nil()
	}
	old := l.elems[i]
	last := len(l.elems) - 1
	l.elems[i] = l.elems[last]
	l.elems = l.elems[:last]
	return old
}

// Foreach calls fn(elem, index) in index order, stopping early if fn
// returns false; the list itself is not passed to fn.
func (l *List) Foreach(fn func(elem value.Value, i int) bool) {
	for i, v := range l.elems {
		if !fn(v, i) {
			return
		}
	}
}

func (l *List) DeepCopy(alloc value.Allocator, self *value.Heap, ptrMap map[*value.Heap]*value.Heap) (value.Deepcopyable, error) {
	cp := &List{owner: self.Owner, tracker: l.tracker}
	if len(l.elems) > 0 {
		cp.elems = make([]value.Value, 0, len(l.elems))
	}
	for _, v := range l.elems {
		copied, err := value.CopyInto(alloc, self.Owner, v, ptrMap)
		if err != nil {
			return nil, err
		}
		cp.elems = append(cp.elems, copied)
		self.AddArenaBits(value.ArenaMaskOf(copied))
	}
	return cp, nil
}

func dumpList(payload value.Deepcopyable, w io.Writer) error {
	l := payload.(*List)
	hdr := make([]byte, 4)
	binary.LittleEndian.PutUint32(hdr, uint32(len(l.elems)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	for _, v := range l.elems {
		if err := value.Dump(v, w); err != nil {
			return err
		}
	}
	return nil
}

func loadList(alloc value.Allocator, owner value.ZoneID, r io.Reader) (value.Deepcopyable, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	l := &List{owner: owner, tracker: noopTracker{}}
	if n > 0 {
		l.elems = make([]value.Value, 0, n)
	}
	for i := uint32(0); i < n; i++ {
		v, err := value.Load(alloc, owner, nil, r)
		if err != nil {
			return nil, err
		}
		l.elems = append(l.elems, v)
	}
	return l, nil
}

func init() {
	value.RegisterCodec(value.HeapList, dumpList, loadList)
}
