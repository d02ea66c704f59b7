package optimize

import "testing"

func BenchmarkBufferPool(b *testing.B) {
	pool := NewBufferPool(64 * 1024)
	payload := make([]byte, 4096)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf := pool.Get()
		buf.Write(payload)
		pool.Put(buf)
	}
}

func BenchmarkBufferAlloc(b *testing.B) {
	payload := make([]byte, 4096)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf := make([]byte, 0, len(payload))
		_ = append(buf, payload...)
	}
}

func BenchmarkBytePool(b *testing.B) {
	pool := NewBytePool(1500)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf := pool.Get()
		pool.Put(buf)
	}
}
