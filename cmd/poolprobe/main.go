// Command poolprobe exercises a bufferpool.Pool's capacity, wraparound,
// and backpressure behavior directly, the way a developer checking a
// sizing change would: single allocations up to capacity, then a
// fill-until-exhausted loop that reports exactly where Exhausted starts.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/sriggin/disrust/internal/bufferpool"
)

func main() {
	capacity := flag.Int("capacity", 65536, "arena capacity in bytes")
	flag.Parse()

	pool, err := bufferpool.New(*capacity)
	if err != nil {
		log.Fatalf("bufferpool.New: %v", err)
	}
	defer pool.Close()

	fmt.Printf("=== Pool Capacity ===\n")
	fmt.Printf("Configured capacity: %d bytes\n", *capacity)
	fmt.Printf("Pool.Capacity():     %d bytes\n", pool.Capacity())

	fmt.Printf("\n=== Single Alloc/Release Round Trips ===\n")
	for _, size := range []int{10, 20, 50, 100, 500, 1000, 5000, 10000, 32768, 65536} {
		if size > pool.Capacity() {
			fmt.Printf("size %6d bytes: skipped (exceeds capacity)\n", size)
			continue
		}
		slice, err := pool.Alloc(size)
		if err != nil {
			fmt.Printf("size %6d bytes: FAIL (%v)\n", size, err)
			continue
		}
		fmt.Printf("size %6d bytes: OK\n", size)
		slice.Freeze().Release()
	}

	fmt.Printf("\n=== Backpressure: fill without releasing ===\n")
	chunk := 1000
	held := 0
	for i := 0; i < 1_000_000; i++ {
		if _, err := pool.Alloc(chunk); err != nil {
			fmt.Printf("exhausted after holding %d bytes (%d chunks), occupied=%d/%d: %v\n",
				held, i, pool.Occupied(), pool.Capacity(), err)
			break
		}
		held += chunk
	}

	fmt.Printf("\n=== Wraparound ===\n")
	probeWraparound()
}

// probeWraparound allocates and releases a span that straddles the
// arena's end, on a pool sized to make that unavoidable, to show the
// allocator skip to offset zero rather than split the allocation.
func probeWraparound() {
	wrapPool, err := bufferpool.New(256)
	if err != nil {
		log.Fatalf("bufferpool.New: %v", err)
	}
	defer wrapPool.Close()

	first, err := wrapPool.Alloc(200)
	if err != nil {
		log.Fatalf("Alloc(200): %v", err)
	}
	first.Freeze().Release()

	fmt.Println("allocated and released 200/256 bytes; write cursor now sits 56 bytes from the end")

	second, err := wrapPool.Alloc(100)
	if err != nil {
		log.Fatalf("Alloc(100) after release: %v", err)
	}
	fmt.Printf("allocated 100 more bytes; occupied=%d (the 56-byte tail gap is consumed, not reused)\n", wrapPool.Occupied())
	second.Freeze().Release()
}
