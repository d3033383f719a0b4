package bufferpool

import "sync/atomic"

func loadU64(addr *uint64) uint64 {
	return atomic.LoadUint64(addr)
}

func storeU64(addr *uint64, val uint64) {
	atomic.StoreUint64(addr, val)
}

func casU64(addr *uint64, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(addr, old, new)
}
