// Package protocol implements the wire framing described in spec.md §4.A:
// a length-prefixed request frame carrying a batch of fixed-dimension
// feature vectors, and a count-prefixed response frame carrying one
// result float per vector. All integers are little-endian; there is no
// alignment padding and no copy of feature bytes during parse.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/sriggin/disrust/internal/config"
)

// requestHeaderSize is the 4-byte little-endian num_vectors prefix.
const requestHeaderSize = 4

// ErrProtocol is returned (wrapped) for any fatal framing violation.
var ErrProtocol = errors.New("protocol violation")

// ParseStatus distinguishes the three outcomes of TryParseRequest.
type ParseStatus int

const (
	// StatusComplete means a full request frame was found at the start
	// of the buffer.
	StatusComplete ParseStatus = iota
	// StatusIncomplete means more bytes are needed before any progress
	// can be made.
	StatusIncomplete
	// StatusError means the buffer's length prefix is out of range; the
	// connection must be closed.
	StatusError
)

// ParseResult is the outcome of one TryParseRequest call.
type ParseResult struct {
	Status         ParseStatus
	NumVectors     uint32 // valid when Status == StatusComplete
	BytesConsumed  int    // valid when Status == StatusComplete
	MinNeeded      int    // valid when Status == StatusIncomplete
	Err            error  // valid when Status == StatusError
}

// TryParseRequest inspects buf for one complete request frame without
// copying any feature bytes. On StatusComplete, the feature payload is
// buf[4:BytesConsumed]; the caller decides whether and where to copy it.
func TryParseRequest(buf []byte) ParseResult {
	if len(buf) < requestHeaderSize {
		return ParseResult{Status: StatusIncomplete, MinNeeded: requestHeaderSize}
	}

	numVectors := binary.LittleEndian.Uint32(buf[0:4])

	if numVectors == 0 || numVectors > config.MaxVectorsPerRequest {
		return ParseResult{
			Status: StatusError,
			Err:    fmt.Errorf("%w: num_vectors=%d out of range [1,%d]", ErrProtocol, numVectors, config.MaxVectorsPerRequest),
		}
	}

	payloadSize := int(numVectors) * config.FeatureDim * 4
	totalSize := requestHeaderSize + payloadSize

	if len(buf) < totalSize {
		return ParseResult{Status: StatusIncomplete, MinNeeded: totalSize}
	}

	return ParseResult{
		Status:        StatusComplete,
		NumVectors:    numVectors,
		BytesConsumed: totalSize,
	}
}

// CopyFeatures decodes num_vectors*FeatureDim little-endian float32s from
// src (the request payload, i.e. buf[4:bytesConsumed]) into dst, which
// must have at least num_vectors*FeatureDim slots.
func CopyFeatures(src []byte, dst []float32, numVectors uint32) {
	count := int(numVectors) * config.FeatureDim
	for i := 0; i < count; i++ {
		off := i * 4
		bits := binary.LittleEndian.Uint32(src[off : off+4])
		dst[i] = math.Float32frombits(bits)
	}
}

// WriteResponse serializes one response frame into dst, which must have
// at least 1+len(results)*4 bytes of capacity starting at offset 0; it
// returns the number of bytes written. numVectors mirrors the request's
// count and must equal len(results).
func WriteResponse(dst []byte, numVectors uint8, results []float32) int {
	dst[0] = numVectors
	off := 1
	for _, v := range results {
		binary.LittleEndian.PutUint32(dst[off:off+4], math.Float32bits(v))
		off += 4
	}
	return off
}

// ResponseSize returns the wire size in bytes of a response frame
// carrying numVectors results.
func ResponseSize(numVectors int) int {
	return 1 + numVectors*4
}
