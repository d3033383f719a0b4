package batch

import (
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/sriggin/disrust/internal/bufferpool"
	"github.com/sriggin/disrust/internal/config"
	"github.com/sriggin/disrust/internal/reqring"
	"github.com/sriggin/disrust/internal/respring"
)

func makeEvent(t *testing.T, pool *bufferpool.Pool, features []float32) reqring.InferenceEvent {
	t.Helper()
	numVectors := len(features) / config.FeatureDim
	slice, err := pool.Alloc(len(features) * 4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	for i, f := range features {
		binary.LittleEndian.PutUint32(slice.Bytes()[i*4:i*4+4], math.Float32bits(f))
	}
	return reqring.InferenceEvent{
		ConnKey:    7,
		RequestSeq: 1,
		NumVectors: uint16(numVectors),
		ThreadID:   0,
		Features:   slice.Freeze(),
	}
}

func TestProcessOneEventInline(t *testing.T) {
	reqPool, err := bufferpool.New(1 << 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer reqPool.Close()
	resultPool, err := bufferpool.New(1 << 12)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer resultPool.Close()

	ring := reqring.New(8)
	consumer := reqring.NewConsumer(ring)
	respRing := respring.NewWithoutEventFD(8)

	p := NewProcessor(consumer, []*respring.Ring{respRing}, []*bufferpool.Pool{resultPool}, nil)

	features := make([]float32, config.FeatureDim)
	for i := range features {
		features[i] = 1.0
	}
	ev := makeEvent(t, reqPool, features)
	if !ring.Publish(ev) {
		t.Fatal("Publish failed")
	}

	got, ok := consumer.TryNext()
	if !ok {
		t.Fatal("TryNext found nothing")
	}
	p.process(got)
	consumer.Advance()

	respConsumer := respring.NewConsumer(respRing)
	resp, ok := respConsumer.TryNext()
	if !ok {
		t.Fatal("no response published")
	}
	if resp.NumVectors != 1 {
		t.Fatalf("NumVectors = %d, want 1", resp.NumVectors)
	}
	got32 := math.Float32frombits(binary.LittleEndian.Uint32(resp.Results.Bytes()))
	if got32 != 16.0 {
		t.Fatalf("result = %v, want 16.0", got32)
	}
}

func TestProcessLargeBatchUsesResultPool(t *testing.T) {
	reqPool, err := bufferpool.New(1 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer reqPool.Close()
	resultPool, err := bufferpool.New(1 << 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer resultPool.Close()

	ring := reqring.New(8)
	consumer := reqring.NewConsumer(ring)
	respRing := respring.NewWithoutEventFD(8)
	p := NewProcessor(consumer, []*respring.Ring{respRing}, []*bufferpool.Pool{resultPool}, nil)

	numVectors := config.InlineResultCapacity + 4
	features := make([]float32, numVectors*config.FeatureDim)
	for i := range features {
		features[i] = 0.5
	}
	ev := makeEvent(t, reqPool, features)
	ring.Publish(ev)

	got, _ := consumer.TryNext()
	p.process(got)
	consumer.Advance()

	respConsumer := respring.NewConsumer(respRing)
	resp, _ := respConsumer.TryNext()
	if len(resp.Results.Bytes()) != numVectors*4 {
		t.Fatalf("result bytes = %d, want %d", len(resp.Results.Bytes()), numVectors*4)
	}
	want := float32(config.FeatureDim) * 0.5
	got32 := math.Float32frombits(binary.LittleEndian.Uint32(resp.Results.Bytes()))
	if got32 != want {
		t.Fatalf("first result = %v, want %v", got32, want)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ring := reqring.New(8)
	consumer := reqring.NewConsumer(ring)
	respRing := respring.NewWithoutEventFD(8)
	resultPool, err := bufferpool.New(4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer resultPool.Close()
	p := NewProcessor(consumer, []*respring.Ring{respRing}, []*bufferpool.Pool{resultPool}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
