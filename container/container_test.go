package container

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/corelisp/corelisp/value"
)

var owner = value.ZoneID{Level: 0, ArenaIdx: 0}

type fakeZone struct {
	buf  []byte
	defs []func()
}

func (z *fakeZone) Alloc(size, align int) []byte {
	z.buf = append(z.buf, make([]byte, size)...)
	return z.buf[len(z.buf)-size:]
}
func (z *fakeZone) Defer(fn func()) { z.defs = append(z.defs, fn) }

func TestListPushGetSet(t *testing.T) {
	za := &fakeZone{}
	h := NewList(owner, 0, nil)
	l := AsList(value.FromHeap(value.KindList, h))

	for i := 0; i < 3; i++ {
		if err := l.Push(za, h, value.Int(int32(i))); err != nil {
			t.Fatal(err)
		}
	}
	if l.Len() != 3 {
		t.Fatalf("expected len 3, got %d", l.Len())
	}
	if got := l.Get(1).AsInt(); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	old, err := l.Set(za, h, 1, value.Int(99))
	if err != nil {
		t.Fatal(err)
	}
	if old.AsInt() != 1 {
		t.Fatalf("expected old value 1, got %d", old.AsInt())
	}
	if got := l.Get(1).AsInt(); got != 99 {
		t.Fatalf("expected 99, got %d", got)
	}
	if !l.Get(99).IsNil() {
		t.Fatal("out-of-bounds Get must yield nil")
	}
}

func TestListFinalizerFiresOnce(t *testing.T) {
	za := &fakeZone{}
	h := NewList(owner, 1, nil)
	l := AsList(value.FromHeap(value.KindList, h))

	// Stays zone-allocated until growth past the initial capacity of 1.
	_ = l.Push(za, h, value.Int(1))
	if len(za.defs) != 0 {
		t.Fatal("no finalizer should be registered before first growth")
	}
	_ = l.Push(za, h, value.Int(2))
	if len(za.defs) != 1 {
		t.Fatalf("expected exactly one finalizer after first growth, got %d", len(za.defs))
	}
	_ = l.Push(za, h, value.Int(3))
	if len(za.defs) != 1 {
		t.Fatalf("later growth must not register a second finalizer, got %d", len(za.defs))
	}
}

func TestListDeleteAndQuickDelete(t *testing.T) {
	za := &fakeZone{}
	h := NewList(owner, 4, nil)
	l := AsList(value.FromHeap(value.KindList, h))
	for i := 0; i < 4; i++ {
		_ = l.Push(za, h, value.Int(int32(i)))
	}
	l.Delete(0) // stable shift: [1,2,3]
	if l.Get(0).AsInt() != 1 || l.Get(2).AsInt() != 3 {
		t.Fatalf("stable delete mis-shifted: %v %v", l.Get(0), l.Get(2))
	}
	l.QuickDelete(0) // swaps last (3) into slot 0: [3,2]
	if l.Get(0).AsInt() != 3 || l.Len() != 2 {
		t.Fatalf("quick delete unexpected result: %v len=%d", l.Get(0), l.Len())
	}
}

func TestListForeachEarlyExit(t *testing.T) {
	za := &fakeZone{}
	h := NewList(owner, 4, nil)
	l := AsList(value.FromHeap(value.KindList, h))
	for i := 0; i < 4; i++ {
		_ = l.Push(za, h, value.Int(int32(i)))
	}
	var seen []int
	l.Foreach(func(v value.Value, i int) bool {
		seen = append(seen, int(v.AsInt()))
		return i < 1
	})
	if len(seen) != 2 {
		t.Fatalf("expected early exit after 2 elements, got %v", seen)
	}
}

func TestListRoundTripsThroughDump(t *testing.T) {
	za := &fakeZone{}
	h := NewList(owner, 0, nil)
	l := AsList(value.FromHeap(value.KindList, h))
	_ = l.Push(za, h, value.Int(1))
	_ = l.Push(za, h, value.Int(2))

	var buf bytes.Buffer
	if err := value.Dump(value.FromHeap(value.KindList, h), &buf); err != nil {
		t.Fatal(err)
	}
	loaded, err := value.Load(za, owner, nil, &buf)
	if err != nil {
		t.Fatal(err)
	}
	l2 := AsList(loaded)
	if l2.Len() != 2 || l2.Get(0).AsInt() != 1 || l2.Get(1).AsInt() != 2 {
		t.Fatalf("round trip mismatch: len=%d", l2.Len())
	}
}

func TestMapSetGetDelete(t *testing.T) {
	za := &fakeZone{}
	h := NewMap(owner)
	m := AsMap(value.FromHeap(value.KindMap, h))

	k1 := value.NewString(za, owner, "a")
	k2 := value.NewString(za, owner, "b")

	old, err := m.Set(za, h, k1, value.Int(1))
	if err != nil {
		t.Fatal(err)
	}
	if !old.IsNil() {
		t.Fatal("first Set must report no previous value")
	}
	if _, err := m.Set(za, h, k2, value.Int(2)); err != nil {
		t.Fatal(err)
	}
	if m.Len() != 2 {
		t.Fatalf("expected len 2, got %d", m.Len())
	}
	if got := m.Get(k1).AsInt(); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}

	removed := m.Delete(k1)
	if removed.AsInt() != 1 {
		t.Fatalf("expected removed value 1, got %v", removed)
	}
	if !m.Get(k1).IsNil() {
		t.Fatal("deleted key must read back nil")
	}
	if m.Len() != 1 {
		t.Fatalf("expected len 1 after delete, got %d", m.Len())
	}
}

func TestMapSetNilDeletes(t *testing.T) {
	za := &fakeZone{}
	h := NewMap(owner)
	m := AsMap(value.FromHeap(value.KindMap, h))
	k := value.Int(1)
	_, _ = m.Set(za, h, k, value.Int(7))
	_, err := m.Set(za, h, k, value.Nil())
	if err != nil {
		t.Fatal(err)
	}
	if m.Len() != 0 {
		t.Fatal("Set(k, nil) must delete k")
	}
}

func TestMapForeachInsertionOrder(t *testing.T) {
	za := &fakeZone{}
	h := NewMap(owner)
	m := AsMap(value.FromHeap(value.KindMap, h))
	keys := []string{"z", "a", "m"}
	for i, k := range keys {
		_, _ = m.Set(za, h, value.NewString(za, owner, k), value.Int(int32(i)))
	}

	var order []int
	m.Foreach(func(val, key value.Value) bool {
		order = append(order, int(val.AsInt()))
		return true
	})
	if diff := cmp.Diff([]int{0, 1, 2}, order); diff != "" {
		t.Fatalf("foreach order mismatch (-want +got):\n%s", diff)
	}
}

func TestMapReusesTombstoneSlot(t *testing.T) {
	za := &fakeZone{}
	h := NewMap(owner)
	m := AsMap(value.FromHeap(value.KindMap, h))
	k := value.NewString(za, owner, "x")
	_, _ = m.Set(za, h, k, value.Int(1))
	m.Delete(k)
	_, err := m.Set(za, h, k, value.Int(2))
	if err != nil {
		t.Fatal(err)
	}
	if m.Len() != 1 {
		t.Fatalf("expected len 1 after reinsert, got %d", m.Len())
	}
	if got := m.Get(k).AsInt(); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

func TestMapRoundTripsThroughDump(t *testing.T) {
	za := &fakeZone{}
	h := NewMap(owner)
	m := AsMap(value.FromHeap(value.KindMap, h))
	_, _ = m.Set(za, h, value.NewString(za, owner, "k"), value.Int(42))

	var buf bytes.Buffer
	if err := value.Dump(value.FromHeap(value.KindMap, h), &buf); err != nil {
		t.Fatal(err)
	}
	loaded, err := value.Load(za, owner, nil, &buf)
	if err != nil {
		t.Fatal(err)
	}
	m2 := AsMap(loaded)
	if m2.Len() != 1 {
		t.Fatalf("expected len 1, got %d", m2.Len())
	}
	if got := m2.Get(value.NewString(za, owner, "k")).AsInt(); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}
