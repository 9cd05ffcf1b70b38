package dataloader

import (
	"sync/atomic"
)

// stagingBuffer holds the storage of one batch.
type stagingBuffer struct {
	data   []float32
	labels []int32
}

// StagingPool recycles batch buffers so a pinned loader stops allocating once the
// pipeline is warm. Buffers beyond the pool capacity are left to the garbage collector.
type StagingPool struct {
	available  chan *stagingBuffer
	sampleSize int
	batchSize  int

	allocated atomic.Int64
	reused    atomic.Int64
}

// StagingPoolStats describes pool usage.
type StagingPoolStats struct {
	Allocated int64 // buffers ever created
	Reused    int64 // Get calls served from the pool
	Available int   // buffers waiting in the pool now
	Capacity  int
}

// NewStagingPool creates a pool of up to capacity buffers, each big enough for
// batchSize samples of sampleSize values.
func NewStagingPool(capacity, batchSize, sampleSize int) *StagingPool {
	if capacity < 1 {
		capacity = 1
	}
	return &StagingPool{
		available:  make(chan *stagingBuffer, capacity),
		sampleSize: sampleSize,
		batchSize:  batchSize,
	}
}

func (p *StagingPool) get() *stagingBuffer {
	select {
	case b := <-p.available:
		p.reused.Add(1)
		return b
	default:
		p.allocated.Add(1)
		return &stagingBuffer{
			data:   make([]float32, p.batchSize*p.sampleSize),
			labels: make([]int32, p.batchSize),
		}
	}
}

func (p *StagingPool) put(b *stagingBuffer) {
	select {
	case p.available <- b:
	default:
	}
}

// Stats returns a snapshot of the pool counters.
func (p *StagingPool) Stats() StagingPoolStats {
	return StagingPoolStats{
		Allocated: p.allocated.Load(),
		Reused:    p.reused.Load(),
		Available: len(p.available),
		Capacity:  cap(p.available),
	}
}
