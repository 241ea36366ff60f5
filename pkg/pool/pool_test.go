package pool

import (
	"sync"
	"testing"

	"github.com/pijul-core/pristine/pkg/pristine"
)

// =============================================================================
// Configuration Tests
// =============================================================================

func TestConfigure(t *testing.T) {
	origConfig := globalConfig
	defer func() {
		Configure(origConfig)
	}()

	t.Run("enable pooling", func(t *testing.T) {
		Configure(PoolConfig{Enabled: true, MaxSize: 500})

		if !IsEnabled() {
			t.Error("IsEnabled() = false, want true")
		}
		if globalConfig.MaxSize != 500 {
			t.Errorf("MaxSize = %d, want 500", globalConfig.MaxSize)
		}
	})

	t.Run("disable pooling", func(t *testing.T) {
		Configure(PoolConfig{Enabled: false, MaxSize: 1000})

		if IsEnabled() {
			t.Error("IsEnabled() = true, want false")
		}
	})
}

// =============================================================================
// Position Slice Pool Tests
// =============================================================================

func TestPositionSlicePool(t *testing.T) {
	Configure(PoolConfig{Enabled: true, MaxSize: 1000})

	t.Run("get returns empty slice", func(t *testing.T) {
		s := GetPositionSlice()
		if len(s) != 0 {
			t.Errorf("len = %d, want 0", len(s))
		}
		if cap(s) == 0 {
			t.Error("cap should be > 0 (pre-allocated)")
		}
		PutPositionSlice(s)
	})

	t.Run("put and reuse", func(t *testing.T) {
		s := GetPositionSlice()
		s = append(s, pristine.Position{Pos: 1})
		PutPositionSlice(s)

		s2 := GetPositionSlice()
		if len(s2) != 0 {
			t.Errorf("reused slice len = %d, want 0", len(s2))
		}
		PutPositionSlice(s2)
	})

	t.Run("oversized slices not pooled", func(t *testing.T) {
		Configure(PoolConfig{Enabled: true, MaxSize: 10})
		defer Configure(PoolConfig{Enabled: true, MaxSize: 1000})

		s := make([]pristine.Position, 0, 100)
		PutPositionSlice(s) // should not panic, just not pool it
	})

	t.Run("disabled pooling creates new slices", func(t *testing.T) {
		Configure(PoolConfig{Enabled: false, MaxSize: 1000})
		defer Configure(PoolConfig{Enabled: true, MaxSize: 1000})

		s := GetPositionSlice()
		if s == nil {
			t.Error("GetPositionSlice returned nil when pooling disabled")
		}
		PutPositionSlice(s)
	})
}

// =============================================================================
// Edge Slice Pool Tests
// =============================================================================

func TestEdgeSlicePool(t *testing.T) {
	Configure(PoolConfig{Enabled: true, MaxSize: 1000})

	t.Run("get returns empty slice", func(t *testing.T) {
		s := GetEdgeSlice()
		if len(s) != 0 {
			t.Errorf("len = %d, want 0", len(s))
		}
		PutEdgeSlice(s)
	})

	t.Run("put and reuse", func(t *testing.T) {
		s := GetEdgeSlice()
		s = append(s, pristine.Edge{Flag: pristine.FlagPseudo})
		PutEdgeSlice(s)

		s2 := GetEdgeSlice()
		if len(s2) != 0 {
			t.Errorf("reused slice len = %d, want 0", len(s2))
		}
		PutEdgeSlice(s2)
	})
}

// =============================================================================
// EdgePair Slice Pool Tests
// =============================================================================

func TestEdgePairSlicePool(t *testing.T) {
	Configure(PoolConfig{Enabled: true, MaxSize: 1000})

	t.Run("get returns empty slice", func(t *testing.T) {
		s := GetEdgePairSlice()
		if len(s) != 0 {
			t.Errorf("len = %d, want 0", len(s))
		}
		PutEdgePairSlice(s)
	})

	t.Run("put and reuse", func(t *testing.T) {
		s := GetEdgePairSlice()
		s = append(s, pristine.EdgePair{Flag: pristine.FlagBlock})
		PutEdgePairSlice(s)

		s2 := GetEdgePairSlice()
		if len(s2) != 0 {
			t.Errorf("reused slice len = %d, want 0", len(s2))
		}
		PutEdgePairSlice(s2)
	})
}

// =============================================================================
// Byte Buffer Pool Tests
// =============================================================================

func TestByteBufferPool(t *testing.T) {
	Configure(PoolConfig{Enabled: true, MaxSize: 1000})

	t.Run("get returns empty buffer", func(t *testing.T) {
		buf := GetByteBuffer()
		if len(buf) != 0 {
			t.Errorf("len = %d, want 0", len(buf))
		}
		if cap(buf) == 0 {
			t.Error("cap should be > 0")
		}
		PutByteBuffer(buf)
	})

	t.Run("reuse", func(t *testing.T) {
		buf := GetByteBuffer()
		buf = append(buf, []byte("test data")...)
		PutByteBuffer(buf)

		buf2 := GetByteBuffer()
		if len(buf2) != 0 {
			t.Errorf("reused buffer len = %d, want 0", len(buf2))
		}
		PutByteBuffer(buf2)
	})

	t.Run("oversized buffer not pooled", func(t *testing.T) {
		buf := make([]byte, 0, 2*1024*1024)
		PutByteBuffer(buf) // should not panic, just not pool it
	})
}

// =============================================================================
// Concurrent Access Tests
// =============================================================================

func TestConcurrentPoolAccess(t *testing.T) {
	Configure(PoolConfig{Enabled: true, MaxSize: 1000})

	const goroutines = 100
	const iterations = 100

	t.Run("position slice pool concurrent", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(goroutines)

		for i := 0; i < goroutines; i++ {
			go func(id int) {
				defer wg.Done()
				for j := 0; j < iterations; j++ {
					s := GetPositionSlice()
					s = append(s, pristine.Position{Pos: uint64(id*iterations + j)})
					PutPositionSlice(s)
				}
			}(i)
		}

		wg.Wait()
	})

	t.Run("byte buffer pool concurrent", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(goroutines)

		for i := 0; i < goroutines; i++ {
			go func() {
				defer wg.Done()
				for j := 0; j < iterations; j++ {
					buf := GetByteBuffer()
					buf = append(buf, "x"...)
					PutByteBuffer(buf)
				}
			}()
		}

		wg.Wait()
	})
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkPositionSlicePool(b *testing.B) {
	Configure(PoolConfig{Enabled: true, MaxSize: 1000})

	b.Run("pooled", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			s := GetPositionSlice()
			s = append(s, pristine.Position{Pos: 1})
			PutPositionSlice(s)
		}
	})

	b.Run("unpooled", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			s := make([]pristine.Position, 0, 64)
			s = append(s, pristine.Position{Pos: 1})
			_ = s
		}
	})
}

func BenchmarkByteBufferPool(b *testing.B) {
	Configure(PoolConfig{Enabled: true, MaxSize: 1000})

	b.Run("pooled", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf := GetByteBuffer()
			buf = append(buf, "hello world"...)
			PutByteBuffer(buf)
		}
	})

	b.Run("unpooled", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf := make([]byte, 0, 256)
			buf = append(buf, "hello world"...)
			_ = buf
		}
	})
}
