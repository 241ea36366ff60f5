// Package pool provides sync.Pool-backed reuse of short-lived scratch
// slices, to reduce allocator/GC pressure on repeated calls.
//
// Pooled objects:
// - Position, Edge and EdgePair slices (no caller in this module yet
//   outside this package's tests)
// - Byte buffers (pkg/changestore's SaveChange write buffer)
//
// Usage:
//
//	// Get a slice from pool
//	positions := pool.GetPositionSlice()
//	defer pool.PutPositionSlice(positions)
//
//	// Use the slice...
//	positions = append(positions, pos)
package pool

import (
	"sync"

	"github.com/pijul-core/pristine/pkg/pristine"
)

// PoolConfig configures object pooling behavior.
type PoolConfig struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxSize is the largest capacity a Position, Edge or EdgePair
	// slice may have to be taken back into its pool; byte buffers use
	// a fixed 1 MiB cap instead
	MaxSize int
}

var globalConfig = PoolConfig{
	Enabled: true,
	MaxSize: 1000,
}

// Configure sets global pool configuration.
// Should be called early during initialization.
func Configure(config PoolConfig) {
	globalConfig = config

	// Reinitialize pools to ensure New functions are set correctly
	initPools()
}

// initPools reinitializes all pools with their New functions.
func initPools() {
	positionSlicePool = sync.Pool{
		New: func() any {
			return make([]pristine.Position, 0, 64)
		},
	}
	edgeSlicePool = sync.Pool{
		New: func() any {
			return make([]pristine.Edge, 0, 64)
		},
	}
	edgePairSlicePool = sync.Pool{
		New: func() any {
			return make([]pristine.EdgePair, 0, 64)
		},
	}
	byteBufferPool = sync.Pool{
		New: func() any {
			return make([]byte, 0, 1024)
		},
	}
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return globalConfig.Enabled
}

// =============================================================================
// Position Slice Pool
// =============================================================================

var positionSlicePool = sync.Pool{
	New: func() any {
		return make([]pristine.Position, 0, 64)
	},
}

// GetPositionSlice returns a Position slice from the pool.
// The returned slice has length 0 but may have capacity.
// Call PutPositionSlice when done.
func GetPositionSlice() []pristine.Position {
	if !globalConfig.Enabled {
		return make([]pristine.Position, 0, 64)
	}
	return positionSlicePool.Get().([]pristine.Position)[:0]
}

// PutPositionSlice returns a Position slice to the pool.
func PutPositionSlice(s []pristine.Position) {
	if !globalConfig.Enabled {
		return
	}
	if cap(s) > globalConfig.MaxSize {
		return
	}
	positionSlicePool.Put(s[:0])
}

// =============================================================================
// Edge Slice Pool
// =============================================================================

var edgeSlicePool = sync.Pool{
	New: func() any {
		return make([]pristine.Edge, 0, 64)
	},
}

// GetEdgeSlice returns an Edge slice from the pool.
func GetEdgeSlice() []pristine.Edge {
	if !globalConfig.Enabled {
		return make([]pristine.Edge, 0, 64)
	}
	return edgeSlicePool.Get().([]pristine.Edge)[:0]
}

// PutEdgeSlice returns an Edge slice to the pool.
func PutEdgeSlice(s []pristine.Edge) {
	if !globalConfig.Enabled {
		return
	}
	if cap(s) > globalConfig.MaxSize {
		return
	}
	edgeSlicePool.Put(s[:0])
}

// =============================================================================
// EdgePair Slice Pool
// =============================================================================

var edgePairSlicePool = sync.Pool{
	New: func() any {
		return make([]pristine.EdgePair, 0, 64)
	},
}

// GetEdgePairSlice returns an EdgePair slice from the pool.
func GetEdgePairSlice() []pristine.EdgePair {
	if !globalConfig.Enabled {
		return make([]pristine.EdgePair, 0, 64)
	}
	return edgePairSlicePool.Get().([]pristine.EdgePair)[:0]
}

// PutEdgePairSlice returns an EdgePair slice to the pool.
func PutEdgePairSlice(s []pristine.EdgePair) {
	if !globalConfig.Enabled {
		return
	}
	if cap(s) > globalConfig.MaxSize {
		return
	}
	edgePairSlicePool.Put(s[:0])
}

// =============================================================================
// Byte Buffer Pool (change-file writes)
// =============================================================================

var byteBufferPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 1024)
	},
}

// GetByteBuffer returns a byte buffer from the pool.
func GetByteBuffer() []byte {
	if !globalConfig.Enabled {
		return make([]byte, 0, 1024)
	}
	return byteBufferPool.Get().([]byte)[:0]
}

// PutByteBuffer returns a byte buffer to the pool.
func PutByteBuffer(buf []byte) {
	if !globalConfig.Enabled {
		return
	}
	if cap(buf) > 1024*1024 { // Don't pool huge buffers (>1MB)
		return
	}
	byteBufferPool.Put(buf[:0])
}
