package turbocache_test

import (
	"fmt"
	"testing"

	"github.com/theflywheel/turbocache"
)

// BenchmarkSet measures sustained insert throughput against a fresh cache.
func BenchmarkSet(b *testing.B) {
	cache, err := turbocache.Open(b.TempDir())
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	defer cache.Close()

	keys := make([][]byte, b.N)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("bench-key-%d", i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := cache.Set(keys[i], keys[i]); err != nil {
			b.Fatalf("set %d: %v", i, err)
		}
	}
}

// BenchmarkGetHit measures lookup throughput for keys known to be present.
func BenchmarkGetHit(b *testing.B) {
	cache, err := turbocache.Open(b.TempDir())
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	defer cache.Close()

	const preload = 10_000
	keys := make([][]byte, preload)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("bench-key-%d", i))
		if _, err := cache.Set(keys[i], keys[i]); err != nil {
			b.Fatalf("preload %d: %v", i, err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := keys[i%preload]
		if _, ok, err := cache.Get(key); err != nil || !ok {
			b.Fatalf("get %d: ok=%v err=%v", i, ok, err)
		}
	}
}
