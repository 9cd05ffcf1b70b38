// Package dataloader turns a dataset into a restartable sequence of batches.
package dataloader

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-mnist/tensor"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	// SampleShape is the shape of one item, without the batch dimension.
	SampleShape() []int
	// Load writes item index into dst and returns its label.
	Load(index int, dst []float32) (int32, error)
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize int
	Shuffle   bool // ignored when Sampler is set
	Workers   int  // batches prepared concurrently; 0 loads inline
	PinMemory bool // reuse batch buffers; consumers must call Batch.Release
	Sampler   Sampler
	Seed      int64 // seeds the random sampler when Shuffle is set
}

// DataLoader handles batch loading for one dataset
type DataLoader struct {
	dataset    Dataset
	config     Config
	sampler    Sampler
	sampleSize int
	pool       *StagingPool
}

// Batch is one mini-batch. Data is [B, sample shape...].
type Batch struct {
	Data    *tensor.Tensor
	Labels  []int32
	Indices []int

	buf  *stagingBuffer
	pool *StagingPool
}

// Release hands pinned buffers back for reuse. The batch must not be used afterwards.
func (b *Batch) Release() {
	if b.pool != nil && b.buf != nil {
		b.pool.put(b.buf)
		b.buf, b.pool = nil, nil
	}
}

// Size is the number of samples in the batch.
func (b *Batch) Size() int { return len(b.Labels) }

// New creates a new data loader
func New(dataset Dataset, config Config) (*DataLoader, error) {
	if config.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Workers < 0 {
		return nil, fmt.Errorf("workers cannot be negative, got %d", config.Workers)
	}

	sampler := config.Sampler
	switch {
	case sampler != nil:
	case config.Shuffle:
		sampler = NewRandomSampler(dataset.Len(), config.Seed)
	default:
		sampler = SequentialSampler{N: dataset.Len()}
	}

	dl := &DataLoader{
		dataset:    dataset,
		config:     config,
		sampler:    sampler,
		sampleSize: tensor.NumElements(dataset.SampleShape()),
	}
	if config.PinMemory {
		// enough for every batch the prefetch pipeline can hold plus the consumer's
		dl.pool = NewStagingPool(3*config.Workers+2, config.BatchSize, dl.sampleSize)
	}
	return dl, nil
}

// Len is the number of batches per epoch.
func (dl *DataLoader) Len() int {
	return (dl.sampler.Len() + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// Sampler returns the sampler that orders each epoch.
func (dl *DataLoader) Sampler() Sampler { return dl.sampler }

// StagingStats reports buffer reuse of a pinned loader. ok is false without PinMemory.
func (dl *DataLoader) StagingStats() (stats StagingPoolStats, ok bool) {
	if dl.pool == nil {
		return StagingPoolStats{}, false
	}
	return dl.pool.Stats(), true
}

func (dl *DataLoader) load(indices []int) (*Batch, error) {
	n := len(indices)
	b := &Batch{Indices: indices}
	if dl.pool != nil {
		b.buf = dl.pool.get()
		b.pool = dl.pool
	} else {
		b.buf = &stagingBuffer{data: make([]float32, n*dl.sampleSize), labels: make([]int32, n)}
	}
	data := b.buf.data[:n*dl.sampleSize]
	b.Labels = b.buf.labels[:n]

	for i, idx := range indices {
		label, err := dl.dataset.Load(idx, data[i*dl.sampleSize:(i+1)*dl.sampleSize])
		if err != nil {
			b.Release()
			return nil, fmt.Errorf("loading sample %d: %w", idx, err)
		}
		b.Labels[i] = label
	}

	t, err := tensor.New(append([]int{n}, dl.dataset.SampleShape()...), data)
	if err != nil {
		b.Release()
		return nil, err
	}
	b.Data = t
	return b, nil
}

// Iter starts one epoch. The sampler is consulted once, so a DistributedSampler must
// have its epoch set before Iter is called.
func (dl *DataLoader) Iter(ctx context.Context) *Iterator {
	indices := dl.sampler.Indices()
	var batches [][]int
	for start := 0; start < len(indices); start += dl.config.BatchSize {
		end := start + dl.config.BatchSize
		if end > len(indices) {
			end = len(indices)
		}
		batches = append(batches, indices[start:end])
	}

	ctx, cancel := context.WithCancel(ctx)
	it := &Iterator{dl: dl, ctx: ctx, cancel: cancel, batches: batches}
	if dl.config.Workers > 0 {
		it.start(dl.config.Workers)
	}
	klog.V(2).Infof("epoch iterator: %d batches, %d workers", len(batches), dl.config.Workers)
	return it
}

type result struct {
	batch *Batch
	err   error
}

type job struct {
	indices []int
	out     chan result
}

// Iterator walks the batches of one epoch in sampler order.
type Iterator struct {
	dl      *DataLoader
	ctx     context.Context
	cancel  context.CancelFunc
	batches [][]int
	next    int
	err     error

	// prefetch pipeline, nil when loading inline
	order chan chan result
	wg    sync.WaitGroup
}

// start launches the producer and workers. order is bounded, so at most about two
// batches per worker are prepared ahead of the consumer.
func (it *Iterator) start(workers int) {
	jobs := make(chan job)
	it.order = make(chan chan result, 2*workers)

	it.wg.Add(1)
	go func() {
		defer it.wg.Done()
		defer close(it.order)
		defer close(jobs)
		for _, indices := range it.batches {
			out := make(chan result, 1)
			select {
			case it.order <- out:
			case <-it.ctx.Done():
				return
			}
			select {
			case jobs <- job{indices: indices, out: out}:
			case <-it.ctx.Done():
				return
			}
		}
	}()

	for w := 0; w < workers; w++ {
		it.wg.Add(1)
		go func() {
			defer it.wg.Done()
			for j := range jobs {
				b, err := it.dl.load(j.indices)
				j.out <- result{batch: b, err: err}
			}
		}()
	}
}

// Next returns the next batch, or false at the end of the epoch, on error or when the
// context is cancelled. Check Err afterwards.
func (it *Iterator) Next() (*Batch, bool) {
	if it.err != nil || it.next >= len(it.batches) {
		return nil, false
	}
	if err := it.ctx.Err(); err != nil {
		it.err = err
		return nil, false
	}

	var r result
	if it.order == nil {
		r.batch, r.err = it.dl.load(it.batches[it.next])
	} else {
		select {
		case out, ok := <-it.order:
			if !ok {
				it.err = it.ctx.Err()
				return nil, false
			}
			select {
			case r = <-out:
			case <-it.ctx.Done():
				it.err = it.ctx.Err()
				return nil, false
			}
		case <-it.ctx.Done():
			it.err = it.ctx.Err()
			return nil, false
		}
	}
	if r.err != nil {
		it.err = r.err
		return nil, false
	}
	it.next++
	return r.batch, true
}

// Err reports the error that stopped the iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Close stops the prefetch workers and waits for them. Batches prepared but never
// returned by Next are released.
func (it *Iterator) Close() {
	it.cancel()
	it.wg.Wait()
	if it.order == nil {
		return
	}
	for out := range it.order {
		select {
		case r := <-out:
			if r.batch != nil {
				r.batch.Release()
			}
		default:
		}
	}
}
