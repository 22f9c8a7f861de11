package value

// Copy implements §4.4's deep-copy/cross-zone transfer: non-heap values
// are returned unchanged; a heap value already owned by a zone at or
// above target's level is identity (it's already reachable); otherwise
// it is deep-copied into target, with a fresh ptr-map guaranteeing
// structural sharing is preserved and cycles terminate within this one
// call.
func Copy(alloc Allocator, target ZoneID, v Value) (Value, error) {
	return CopyInto(alloc, target, v, make(map[*Heap]*Heap))
}

// CopyInto is Copy with an explicit, shared ptr-map: container and
// closure DeepCopy implementations call this for every child Value so
// that the whole structure is copied under a single cycle-safe map.
func CopyInto(alloc Allocator, target ZoneID, v Value, ptrMap map[*Heap]*Heap) (Value, error) {
	if !v.IsHeap() {
		return v, nil
	}
	h := v.Heap()
	if h.Owner.Level <= target.Level {
		return v, nil
	}
	if existing, ok := ptrMap[h]; ok {
		return FromHeap(v.Kind(), existing), nil
	}

	self := &Heap{Kind: h.Kind, Owner: target, ArenaMask: maskFor(target)}
	ptrMap[h] = self

	payload, err := h.Payload.DeepCopy(alloc, self, ptrMap)
	if err != nil {
		return Value{}, err
	}
	self.Payload = payload
	return FromHeap(v.Kind(), self), nil
}
