package container

import (
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/corelisp/corelisp/value"
)

// hamtBits/hamtWidth mirror the original hamt.h's default branching
// factor (HAMT_NUM_BITS=3): 3 bits of the hash select one of 8 children
// per trie level.
const (
	hamtBits  = 3
	hamtWidth = 1 << hamtBits
	hamtMask  = hamtWidth - 1
)

// mapNode is one trie slot. A node is never freed once allocated: on
// Delete it is marked tomb and its key/value cleared, and a later Set
// that lands on the same hash path reuses it in place rather than
// allocating a new node, mirroring hamt_delete/hamt_upsert reuse of a
// tombstoned slot. order chains every physical node in the sequence it
// was first allocated, which is insertion order for a map that has not
// had any key deleted (the property Foreach's ordering guarantee rests
// on).
type mapNode struct {
	children [hamtWidth]*mapNode
	key      value.Value
	val      value.Value
	tomb     bool
	order    *mapNode
}

// Map is a hash-array-mapped trie keyed by value.HashKeyBytes under
// XXH64 (xxhash.Sum64; not the XXH3 variant), with tombstone deletion
// and a singly-linked chain for insertion-ordered iteration.
type Map struct {
	owner      value.ZoneID
	root       *mapNode
	head, tail *mapNode
	size       int
}

// NewMap constructs an empty Map owned by owner.
func NewMap(owner value.ZoneID) *value.Heap {
	return value.NewHeap(value.HeapMap, owner, &Map{owner: owner})
}

// AsMap type-asserts a map Value's payload back to *Map.
func AsMap(v value.Value) *Map { return v.Heap().Payload.(*Map) }

func (m *Map) Len() int { return m.size }

func hashOf(k value.Value) uint64 { return xxhash.Sum64(value.HashKeyBytes(k)) }

// locate walks the trie along key's hash path. It returns a pointer to
// the slot that holds (or would next receive) key, the first tombstone
// encountered along that path (nil if none), and whether the returned
// slot is already occupied by a live (non-tomb) node equal to key.
func (m *Map) locate(key value.Value, hash uint64) (slot **mapNode, tomb *mapNode, occupied bool) {
	slot = &m.root
	h := hash
	for *slot != nil {
		n := *slot
		if n.tomb {
			if tomb == nil {
				tomb = n
			}
		} else if value.Equal(n.key, key) {
			return slot, tomb, true
		}
		slot = &n.children[h&hamtMask]
		h >>= hamtBits
	}
	return slot, tomb, false
}

func (m *Map) appendOrder(n *mapNode) {
	if m.tail != nil {
		m.tail.order = n
	} else {
		m.head = n
	}
	m.tail = n
}

// Get returns the value stored under key, or nil if absent or deleted.
func (m *Map) Get(key value.Value) value.Value {
	slot, _, occupied := m.locate(key, hashOf(key))
	if !occupied {
		return value.Nil()
	}
	return (*slot).val
}

// Set stores v under key, copying both into the map's zone. Setting to
// nil is a delete (§4.5). Returns the previous value, nil if key was
// absent.
func (m *Map) Set(za ZoneAllocator, self *value.Heap, key, v value.Value) (value.Value, error) {
	if v.IsNil() {
		return m.Delete(key), nil
	}

	hash := hashOf(key)
	slot, tomb, occupied := m.locate(key, hash)

	copiedKey, err := value.Copy(za, m.owner, key)
	if err != nil {
		return value.Value{}, err
	}
	copiedVal, err := value.Copy(za, m.owner, v)
	if err != nil {
		return value.Value{}, err
	}

	old := value.Nil()
	switch {
	case occupied:
		n := *slot
		old = n.val
		n.val = copiedVal
	case tomb != nil:
		tomb.tomb = false
		tomb.key = copiedKey
		tomb.val = copiedVal
		m.size++
	default:
		n := &mapNode{key: copiedKey, val: copiedVal}
		*slot = n
		m.appendOrder(n)
		m.size++
	}
	self.AddArenaBits(value.ArenaMaskOf(copiedKey))
	self.AddArenaBits(value.ArenaMaskOf(copiedVal))
	return old, nil
}

// Delete marks key's slot a tombstone (it stays in the trie so other
// keys sharing its hash path remain reachable) and returns the removed
// value, nil if key was absent.
func (m *Map) Delete(key value.Value) value.Value {
	slot, _, occupied := m.locate(key, hashOf(key))
	if !occupied {
		return value.Nil()
	}
	n := *slot
	old := n.val
	n.tomb = true
	n.key = value.Tombstone()
	n.val = value.Nil()
	m.size--
	return old
}

// Foreach calls fn(val, key) in insertion order, skipping tombstoned
// slots, stopping early if fn returns false.
func (m *Map) Foreach(fn func(val, key value.Value) bool) {
	for n := m.head; n != nil; n = n.order {
		if n.tomb {
			continue
		}
		if !fn(n.val, n.key) {
			return
		}
	}
}

// insertCopied rebuilds a trie slot for an already-copied key/value
// pair, used by DeepCopy and loadMap where no further zone copy is
// needed. Appends in the order the caller calls it, which both callers
// drive in the source's own insertion order.
func (m *Map) insertCopied(key, v value.Value) {
	slot, _, occupied := m.locate(key, hashOf(key))
	if occupied {
		(*slot).val = v
		return
	}
	n := &mapNode{key: key, val: v}
	*slot = n
	m.appendOrder(n)
	m.size++
}

func (m *Map) DeepCopy(alloc value.Allocator, self *value.Heap, ptrMap map[*value.Heap]*value.Heap) (value.Deepcopyable, error) {
	cp := &Map{owner: self.Owner}
	for n := m.head; n != nil; n = n.order {
		if n.tomb {
			continue
		}
		k, err := value.CopyInto(alloc, self.Owner, n.key, ptrMap)
		if err != nil {
			return nil, err
		}
		v, err := value.CopyInto(alloc, self.Owner, n.val, ptrMap)
		if err != nil {
			return nil, err
		}
		cp.insertCopied(k, v)
		self.AddArenaBits(value.ArenaMaskOf(k))
		self.AddArenaBits(value.ArenaMaskOf(v))
	}
	return cp, nil
}

func dumpMap(payload value.Deepcopyable, w io.Writer) error {
	m := payload.(*Map)
	hdr := make([]byte, 4)
	binary.LittleEndian.PutUint32(hdr, uint32(m.size))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	var werr error
	m.Foreach(func(val, key value.Value) bool {
		if werr = value.Dump(key, w); werr != nil {
			return false
		}
		if werr = value.Dump(val, w); werr != nil {
			return false
		}
		return true
	})
	return werr
}

func loadMap(alloc value.Allocator, owner value.ZoneID, r io.Reader) (value.Deepcopyable, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	m := &Map{owner: owner}
	for i := uint32(0); i < n; i++ {
		k, err := value.Load(alloc, owner, nil, r)
		if err != nil {
			return nil, err
		}
		v, err := value.Load(alloc, owner, nil, r)
		if err != nil {
			return nil, err
		}
		m.insertCopied(k, v)
	}
	return m, nil
}

func init() {
	value.RegisterCodec(value.HeapMap, dumpMap, loadMap)
}
