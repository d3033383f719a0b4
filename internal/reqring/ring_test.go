package reqring

import "testing"

func TestPublishConsumeOrder(t *testing.T) {
	r := New(8)
	c := NewConsumer(r)

	for i := uint64(0); i < 5; i++ {
		ok := r.Publish(InferenceEvent{ConnKey: 1, RequestSeq: i})
		if !ok {
			t.Fatalf("Publish(%d) failed unexpectedly", i)
		}
	}

	for i := uint64(0); i < 5; i++ {
		ev, ok := c.TryNext()
		if !ok {
			t.Fatalf("TryNext() at i=%d: no event", i)
		}
		if ev.RequestSeq != i {
			t.Fatalf("RequestSeq = %d, want %d", ev.RequestSeq, i)
		}
		c.Advance()
	}

	if _, ok := c.TryNext(); ok {
		t.Fatal("TryNext() should report empty after draining")
	}
}

func TestBackpressureOnFullRing(t *testing.T) {
	r := New(4)

	for i := uint64(0); i < 4; i++ {
		if !r.Publish(InferenceEvent{RequestSeq: i}) {
			t.Fatalf("Publish(%d) should succeed while ring has room", i)
		}
	}

	if r.Publish(InferenceEvent{RequestSeq: 4}) {
		t.Fatal("Publish should fail (req_ring_full) when the consumer hasn't advanced")
	}

	c := NewConsumer(r)
	if _, ok := c.TryNext(); !ok {
		t.Fatal("TryNext should still see the first published event")
	}
	c.Advance()

	if !r.Publish(InferenceEvent{RequestSeq: 4}) {
		t.Fatal("Publish should succeed once the consumer has freed a slot")
	}
}

func TestOccupiedTracksPublishAndConsume(t *testing.T) {
	r := New(8)
	c := NewConsumer(r)

	for i := uint64(0); i < 3; i++ {
		r.Publish(InferenceEvent{RequestSeq: i})
	}
	if occ := r.Occupied(); occ != 3 {
		t.Fatalf("Occupied() = %d, want 3", occ)
	}

	c.TryNext()
	c.Advance()
	if occ := r.Occupied(); occ != 2 {
		t.Fatalf("Occupied() after one Advance = %d, want 2", occ)
	}
}
