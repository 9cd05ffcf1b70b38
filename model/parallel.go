package model

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-mnist/distributed"
	"github.com/tsawler/go-mnist/layers"
	"github.com/tsawler/go-mnist/parallel"
	"github.com/tsawler/go-mnist/tensor"
)

// DataParallel splits every batch across replicas of a master model in one process.
// The master parameters are copied to each replica at the start of every Forward and
// replica gradients are summed into the master on Backward, so the optimizer only ever
// sees the master.
type DataParallel struct {
	master   Model
	replicas []*Sequential
	chunks   []int // samples per replica in the last Forward
}

// NewDataParallel wraps m with n replicas built from its spec.
func NewDataParallel(m Model, n int) (*DataParallel, error) {
	if n < 1 {
		return nil, fmt.Errorf("data parallel needs at least one replica, got %d", n)
	}
	dp := &DataParallel{master: m}
	for i := 0; i < n; i++ {
		r, err := NewSequential(m.Spec(), nil)
		if err != nil {
			return nil, fmt.Errorf("replica %d: %w", i, err)
		}
		dp.replicas = append(dp.replicas, r)
	}
	klog.V(1).Infof("data parallel over %d replicas", n)
	return dp, nil
}

// Replicas returns the replica count.
func (dp *DataParallel) Replicas() int { return len(dp.replicas) }

func (dp *DataParallel) replicate() {
	src := dp.master.Parameters()
	for _, r := range dp.replicas {
		for i, p := range r.Parameters() {
			copy(p.Value.Data, src[i].Value.Data)
		}
	}
}

// split divides n samples into at most len(replicas) contiguous chunks.
func (dp *DataParallel) split(n int) []int {
	k := len(dp.replicas)
	if n < k {
		k = n
	}
	chunks := make([]int, k)
	for i := range chunks {
		chunks[i] = n / k
		if i < n%k {
			chunks[i]++
		}
	}
	return chunks
}

func sliceBatch(x *tensor.Tensor, start, count int) (*tensor.Tensor, error) {
	per := len(x.Data) / x.Shape[0]
	shape := append([]int{count}, x.Shape[1:]...)
	return tensor.New(shape, x.Data[start*per:(start+count)*per])
}

func (dp *DataParallel) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	if x == nil || len(x.Shape) == 0 {
		return nil, fmt.Errorf("data parallel: empty input")
	}
	dp.replicate()
	chunks := dp.split(x.Shape[0])
	outs := make([]*tensor.Tensor, len(chunks))

	err := parallel.ForEachErr(len(chunks), len(chunks), func(i int) error {
		start := 0
		for _, c := range chunks[:i] {
			start += c
		}
		xi, err := sliceBatch(x, start, chunks[i])
		if err != nil {
			return err
		}
		outs[i], err = dp.replicas[i].Forward(xi, train)
		if err != nil {
			return fmt.Errorf("replica %d: %w", i, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if train {
		dp.chunks = chunks
	} else {
		dp.chunks = nil
	}
	return concat(outs)
}

func concat(parts []*tensor.Tensor) (*tensor.Tensor, error) {
	rows := 0
	for _, p := range parts {
		rows += p.Shape[0]
	}
	shape := append([]int{rows}, parts[0].Shape[1:]...)
	data := make([]float32, 0, tensor.NumElements(shape))
	for _, p := range parts {
		data = append(data, p.Data...)
	}
	return tensor.New(shape, data)
}

func (dp *DataParallel) Backward(gradOut *tensor.Tensor) error {
	if dp.chunks == nil {
		return fmt.Errorf("data parallel: backward without a training forward pass")
	}
	chunks := dp.chunks
	err := parallel.ForEachErr(len(chunks), len(chunks), func(i int) error {
		start := 0
		for _, c := range chunks[:i] {
			start += c
		}
		gi, err := sliceBatch(gradOut, start, chunks[i])
		if err != nil {
			return err
		}
		dp.replicas[i].ZeroGrad()
		if err := dp.replicas[i].Backward(gi); err != nil {
			return fmt.Errorf("replica %d: %w", i, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// reduce in replica order so results do not depend on scheduling
	dst := dp.master.Parameters()
	for i := range chunks {
		for j, p := range dp.replicas[i].Parameters() {
			g := dst[j].Grad.Data
			for k, v := range p.Grad.Data {
				g[k] += v
			}
		}
	}
	return nil
}

func (dp *DataParallel) Parameters() []*Parameter         { return dp.master.Parameters() }
func (dp *DataParallel) ZeroGrad()                        { dp.master.ZeroGrad() }
func (dp *DataParallel) StateDict() StateDict             { return dp.master.StateDict() }
func (dp *DataParallel) LoadStateDict(sd StateDict) error { return dp.master.LoadStateDict(sd) }
func (dp *DataParallel) Spec() *layers.ModelSpec          { return dp.master.Spec() }

// DistributedDataParallel keeps one model replica per process in sync. Parameters are
// broadcast from rank 0 on construction and gradients are averaged across the group
// after every Backward.
type DistributedDataParallel struct {
	Model
	group distributed.Group
	ctx   context.Context
	buf   []float32
}

// NewDistributedDataParallel wraps m for the given process group. ctx bounds every
// collective the wrapper issues, including the initial broadcast.
func NewDistributedDataParallel(ctx context.Context, m Model, group distributed.Group) (*DistributedDataParallel, error) {
	n := 0
	for _, p := range m.Parameters() {
		n += p.Value.NumElems()
	}
	ddp := &DistributedDataParallel{Model: m, group: group, ctx: ctx, buf: make([]float32, n)}

	ddp.flatten(func(p *Parameter) []float32 { return p.Value.Data })
	if err := group.Broadcast(ctx, ddp.buf, 0); err != nil {
		return nil, fmt.Errorf("broadcasting initial parameters: %w", err)
	}
	ddp.unflatten(func(p *Parameter) []float32 { return p.Value.Data })
	klog.V(1).Infof("rank %d/%d: parameters synchronised", group.Rank(), group.Size())
	return ddp, nil
}

func (d *DistributedDataParallel) flatten(field func(*Parameter) []float32) {
	off := 0
	for _, p := range d.Model.Parameters() {
		off += copy(d.buf[off:], field(p))
	}
}

func (d *DistributedDataParallel) unflatten(field func(*Parameter) []float32) {
	off := 0
	for _, p := range d.Model.Parameters() {
		off += copy(field(p), d.buf[off:])
	}
}

// Backward runs the local backward pass and then blocks until the gradients of every
// rank have been averaged.
func (d *DistributedDataParallel) Backward(gradOut *tensor.Tensor) error {
	if err := d.Model.Backward(gradOut); err != nil {
		return err
	}
	d.flatten(func(p *Parameter) []float32 { return p.Grad.Data })
	if err := d.group.AllReduceSum(d.ctx, d.buf); err != nil {
		return fmt.Errorf("averaging gradients: %w", err)
	}
	scale := 1 / float32(d.group.Size())
	for i := range d.buf {
		d.buf[i] *= scale
	}
	d.unflatten(func(p *Parameter) []float32 { return p.Grad.Data })
	return nil
}
