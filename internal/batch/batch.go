// Package batch implements the compute stage of spec.md §4.G: the
// single consumer of the request ring, which reduces each vector's
// features to one scalar, packages the results into an
// InferenceResponse, and publishes it (plus an eventfd signal) to the
// originating IO thread's response ring.
package batch

import (
	"context"
	"encoding/binary"
	"math"
	"runtime"

	"github.com/sriggin/disrust/internal/bufferpool"
	"github.com/sriggin/disrust/internal/config"
	"github.com/sriggin/disrust/internal/metrics"
	"github.com/sriggin/disrust/internal/protocol"
	"github.com/sriggin/disrust/internal/reqring"
	"github.com/sriggin/disrust/internal/respring"
)

// Reducer collapses one vector's FeatureDim floats to a single scalar.
// The reference reducer is Sum; the inference kernel itself is out of
// scope and modeled as this pure function.
type Reducer func(features []float32) float32

// Sum is the reference reducer named in spec.md §4.G and §8.
func Sum(features []float32) float32 {
	var total float32
	for _, v := range features {
		total += v
	}
	return total
}

// Processor is the batch processor thread. ResponseRings and ResultPools
// are indexed by IO thread id (spec.md's "target IO thread's response
// ring, indexed by the event's originating thread id").
type Processor struct {
	Consumer      *reqring.Consumer
	ResponseRings []*respring.Ring
	ResultPools   []*bufferpool.Pool
	Reduce        Reducer
	Metrics       *metrics.Registry

	scratch [config.MaxVectorsPerRequest * config.FeatureDim]float32
}

// NewProcessor constructs a Processor with the Sum reducer.
func NewProcessor(consumer *reqring.Consumer, responseRings []*respring.Ring, resultPools []*bufferpool.Pool, m *metrics.Registry) *Processor {
	return &Processor{
		Consumer:      consumer,
		ResponseRings: responseRings,
		ResultPools:   resultPools,
		Reduce:        Sum,
		Metrics:       m,
	}
}

// Run busy-spins on the request ring until ctx is cancelled, per
// spec.md §5: "the batch processor never blocks". runtime.Gosched is an
// optional cooperative-yield hint between empty polls (the pause-hint
// equivalent spec.md §5 permits) so a GOMAXPROCS=1 build still makes
// progress; it has no effect under a dedicated OS thread per core.
func (p *Processor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		ev, ok := p.Consumer.TryNext()
		if !ok {
			runtime.Gosched()
			continue
		}
		p.process(ev)
		p.Consumer.Advance()
	}
}

func (p *Processor) process(ev reqring.InferenceEvent) {
	numVectors := int(ev.NumVectors)
	features := p.scratch[:numVectors*config.FeatureDim]
	protocol.CopyFeatures(ev.Features.Bytes(), features, uint32(numVectors))

	resp := respring.InferenceResponse{
		ConnKey:    ev.ConnKey,
		RequestSeq: ev.RequestSeq,
		NumVectors: ev.NumVectors,
	}

	byteLen := numVectors * 4
	if numVectors <= config.InlineResultCapacity {
		dst := resp.Results.InlineBytes()
		p.encodeResults(dst, features, numVectors)
		resp.Results.SetInline(byteLen)
	} else {
		pool := p.ResultPools[ev.ThreadID]
		slice, err := pool.Alloc(byteLen)
		if err != nil {
			if p.Metrics != nil {
				p.Metrics.IncPoolExh()
			}
			// The response ring capacity is sized so this cannot
			// persist; spin until the result pool frees space from an
			// already-sent response, mirroring the response ring's own
			// backpressure policy (spec.md §7's "ring full (response)").
			for err != nil {
				slice, err = pool.Alloc(byteLen)
			}
		}
		p.encodeResults(slice.Bytes(), features, numVectors)
		resp.Results.SetPooled(slice.Freeze())
	}

	ring := p.ResponseRings[ev.ThreadID]
	if retries := ring.Publish(resp); retries > 0 && p.Metrics != nil {
		p.Metrics.IncRespRingFull()
	}
	ring.Signal()
	if p.Metrics != nil {
		p.Metrics.IncPublished()
	}
}

func (p *Processor) encodeResults(dst []byte, features []float32, numVectors int) {
	for i := 0; i < numVectors; i++ {
		vec := features[i*config.FeatureDim : (i+1)*config.FeatureDim]
		result := p.Reduce(vec)
		binary.LittleEndian.PutUint32(dst[i*4:i*4+4], math.Float32bits(result))
	}
}
