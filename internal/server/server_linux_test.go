//go:build linux

package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sriggin/disrust/internal/config"
)

var nextTestPort uint32 = 19900

// allocTestPort hands out a distinct fixed port per test so parallel
// runs (and back-to-back tests that each bind their own listener) don't
// collide on SO_REUSEPORT across unrelated test servers.
func allocTestPort() uint16 {
	return uint16(atomic.AddUint32(&nextTestPort, 1))
}

// startTestServer binds a fixed test port and runs the server in the
// background, returning the port it's listening on and a stop func that
// cancels the server's context and asserts Run actually returns nil
// (clean shutdown, spec.md §6's "exit code 0") within the timeout,
// rather than merely waiting and discarding whatever happened.
func startTestServer(t *testing.T) (uint16, func()) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)

	port := allocTestPort()
	srv, err := New(Options{Port: port, NumIOThreads: 1, Log: log})
	if err != nil {
		t.Skipf("io_uring unavailable in this environment: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- srv.Run(ctx)
	}()
	// give the IO thread's initial accept submission a moment to land.
	time.Sleep(50 * time.Millisecond)

	return port, func() {
		cancel()
		select {
		case err := <-runErr:
			if err != nil {
				t.Errorf("srv.Run returned %v on shutdown, want nil", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("srv.Run did not return within 2s of shutdown")
		}
	}
}

func buildRequest(numVectors uint32, features []float32) []byte {
	buf := make([]byte, 4+len(features)*4)
	binary.LittleEndian.PutUint32(buf[0:4], numVectors)
	for i, f := range features {
		binary.LittleEndian.PutUint32(buf[4+i*4:8+i*4], math.Float32bits(f))
	}
	return buf
}

func dialTestServer(t *testing.T, port uint16) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return conn
}

// TestSmokeScenario drives S1 from spec.md §8 over a real TCP connection.
func TestSmokeScenario(t *testing.T) {
	port, stop := startTestServer(t)
	defer stop()

	conn := dialTestServer(t, port)
	defer conn.Close()

	features := make([]float32, 16)
	for i := range features {
		features[i] = 1.0
	}
	if _, err := conn.Write(buildRequest(1, features)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	resp := make([]byte, 5)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if resp[0] != 1 {
		t.Fatalf("num_vectors = %d, want 1", resp[0])
	}
	got := math.Float32frombits(binary.LittleEndian.Uint32(resp[1:5]))
	if got != 16.0 {
		t.Fatalf("result = %v, want 16.0", got)
	}
}

// TestBatchScenario drives S2 from spec.md §8.
func TestBatchScenario(t *testing.T) {
	port, stop := startTestServer(t)
	defer stop()

	conn := dialTestServer(t, port)
	defer conn.Close()

	var features []float32
	for _, v := range []float32{1.0, 2.0, 3.0} {
		for i := 0; i < 16; i++ {
			features = append(features, v)
		}
	}
	conn.Write(buildRequest(3, features))

	resp := make([]byte, 1+3*4)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if resp[0] != 3 {
		t.Fatalf("num_vectors = %d, want 3", resp[0])
	}
	want := []float32{16.0, 32.0, 48.0}
	for i, w := range want {
		got := math.Float32frombits(binary.LittleEndian.Uint32(resp[1+i*4 : 5+i*4]))
		if got != w {
			t.Fatalf("result[%d] = %v, want %v", i, got, w)
		}
	}
}

// TestInvalidRequestClosesConnection drives S5 from spec.md §8.
func TestInvalidRequestClosesConnection(t *testing.T) {
	port, stop := startTestServer(t)
	defer stop()

	conn := dialTestServer(t, port)
	defer conn.Close()

	conn.Write(buildRequest(0, nil))

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected connection close with no response bytes, got n=%d err=%v", n, err)
	}
}

// TestPipelinedRequestsScenario drives S3 from spec.md §8: two complete
// request frames arrive in a single write (and therefore a single read
// completion), exercising the parse loop's ability to pull more than one
// frame out of one read buffer fill and preserve response ordering.
func TestPipelinedRequestsScenario(t *testing.T) {
	port, stop := startTestServer(t)
	defer stop()

	conn := dialTestServer(t, port)
	defer conn.Close()

	featuresA := make([]float32, config.FeatureDim)
	for i := range featuresA {
		featuresA[i] = 1.0
	}
	featuresB := make([]float32, config.FeatureDim)
	for i := range featuresB {
		featuresB[i] = 2.0
	}

	pipelined := append(buildRequest(1, featuresA), buildRequest(1, featuresB)...)
	if _, err := conn.Write(pipelined); err != nil {
		t.Fatalf("Write: %v", err)
	}

	resp := make([]byte, 10)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if resp[0] != 1 || resp[5] != 1 {
		t.Fatalf("num_vectors bytes = %d, %d, want 1, 1", resp[0], resp[5])
	}
	gotA := math.Float32frombits(binary.LittleEndian.Uint32(resp[1:5]))
	gotB := math.Float32frombits(binary.LittleEndian.Uint32(resp[6:10]))
	if gotA != 16.0 || gotB != 32.0 {
		t.Fatalf("results = %v, %v, want 16.0, 32.0 (in request order)", gotA, gotB)
	}
}

// TestSplitRequestScenario drives S4 from spec.md §8: a single request
// frame is split across two separate writes at an offset inside the
// feature payload (not on a frame boundary), exercising the read
// buffer's compaction of an incomplete tail across multiple read
// completions.
func TestSplitRequestScenario(t *testing.T) {
	port, stop := startTestServer(t)
	defer stop()

	conn := dialTestServer(t, port)
	defer conn.Close()

	features := make([]float32, config.FeatureDim)
	for i := range features {
		features[i] = 4.0
	}
	req := buildRequest(1, features)

	splitAt := 4 + 10 // 10 bytes into the first feature vector
	if _, err := conn.Write(req[:splitAt]); err != nil {
		t.Fatalf("Write first half: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // ensure the server observes two distinct reads
	if _, err := conn.Write(req[splitAt:]); err != nil {
		t.Fatalf("Write second half: %v", err)
	}

	resp := make([]byte, 5)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if resp[0] != 1 {
		t.Fatalf("num_vectors = %d, want 1", resp[0])
	}
	got := math.Float32frombits(binary.LittleEndian.Uint32(resp[1:5]))
	if got != 64.0 {
		t.Fatalf("result = %v, want 64.0", got)
	}
}

// TestMaxSizeRequestScenario drives S6 from spec.md §8: a request at
// exactly MaxVectorsPerRequest, the largest frame the protocol accepts.
func TestMaxSizeRequestScenario(t *testing.T) {
	port, stop := startTestServer(t)
	defer stop()

	conn := dialTestServer(t, port)
	defer conn.Close()

	features := make([]float32, config.MaxVectorsPerRequest*config.FeatureDim)
	for i := range features {
		features[i] = 0.5
	}
	if _, err := conn.Write(buildRequest(config.MaxVectorsPerRequest, features)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	resp := make([]byte, 1+config.MaxVectorsPerRequest*4)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if resp[0] != byte(config.MaxVectorsPerRequest) {
		t.Fatalf("num_vectors = %d, want %d", resp[0], config.MaxVectorsPerRequest)
	}
	for i := 0; i < config.MaxVectorsPerRequest; i++ {
		got := math.Float32frombits(binary.LittleEndian.Uint32(resp[1+i*4 : 5+i*4]))
		if got != 8.0 {
			t.Fatalf("result[%d] = %v, want 8.0", i, got)
		}
	}
}

// TestIdleShutdownReturnsCleanly checks that a server with no connections
// ever opened still stops promptly and with a nil error when its context
// is cancelled — the only way the blocking io_uring wait can return
// without any read/write/accept completion ever arriving.
func TestIdleShutdownReturnsCleanly(t *testing.T) {
	_, stop := startTestServer(t)
	stop()
}
