// Package config holds the protocol and sizing constants shared by every
// component of the server. Protocol constants (FeatureDim,
// MaxVectorsPerRequest) define the wire format; the rest are operational
// sizing knobs that do not affect wire compatibility.
package config

// FeatureDim is the number of float32 values in one feature vector.
const FeatureDim = 16

// MaxVectorsPerRequest bounds num_vectors in a single request frame.
const MaxVectorsPerRequest = 64

// DisruptorSize is the request ring's capacity. Must be a power of two.
const DisruptorSize = 65536

// ResponseQueueSize is each IO thread's response ring capacity. Must be a
// power of two and at least DisruptorSize: the request ring can never
// have more in-flight events than the response ring needs to drain, so a
// smaller response ring can deadlock the batch processor against a full
// response ring while the request ring (feeding it) is also full.
const ResponseQueueSize = DisruptorSize

// ReadBufSize is the fixed per-connection read buffer capacity in bytes.
const ReadBufSize = 64 * 1024

// SlabCapacity bounds live connections per IO thread; it must fit in a
// 16-bit connection key.
const SlabCapacity = 4096

// InlineResultCapacity is the largest num_vectors stored directly in an
// InferenceResponse's inline array. Larger responses borrow from the
// result pool instead.
const InlineResultCapacity = 16

// BufferPoolCapacity is the feature-pool arena size in bytes. Worst case:
// every in-flight request ring slot holds a max-size request.
const BufferPoolCapacity = DisruptorSize * MaxVectorsPerRequest * FeatureDim * 4

// ResultPoolCapacity is the result-pool arena size in bytes for responses
// that exceed InlineResultCapacity.
const ResultPoolCapacity = ResponseQueueSize * 16 * 4

// MaxIOThreads bounds the multi-IO-thread extension of §4.F/§5; the
// completion tag's reserved region carries the owning thread id in a byte.
const MaxIOThreads = 256

// DefaultPort is the TCP port the server listens on absent --port.
const DefaultPort = 9900

// UringQueueDepth is the io_uring submission/completion queue depth per
// IO thread.
const UringQueueDepth = 4096

func init() {
	mustPowerOfTwo(DisruptorSize, "DisruptorSize")
	mustPowerOfTwo(ResponseQueueSize, "ResponseQueueSize")
	if ResponseQueueSize < DisruptorSize {
		panic("config: ResponseQueueSize must be >= DisruptorSize")
	}
	if SlabCapacity > 1<<16 {
		panic("config: SlabCapacity must fit in a uint16 connection key")
	}
	if BufferPoolCapacity < DisruptorSize*FeatureDim*4 {
		panic("config: BufferPoolCapacity is too small for DisruptorSize")
	}
	if ResultPoolCapacity < MaxVectorsPerRequest*4 {
		panic("config: ResultPoolCapacity is too small")
	}
}

func mustPowerOfTwo(v int, name string) {
	if v <= 0 || v&(v-1) != 0 {
		panic("config: " + name + " must be a power of two")
	}
}
