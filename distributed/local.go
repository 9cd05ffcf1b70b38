package distributed

import (
	"context"
	"fmt"
	"sync"
)

// LocalGroup is an in-process Group whose ranks are goroutines sharing a hub.
type LocalGroup struct {
	rank int
	hub  *hub
}

type hub struct {
	mu     sync.Mutex
	size   int
	cur    *round
	closed bool
}

type round struct {
	op     opcode
	root   int
	length int
	bufs   [][]float32
	joined int
	result []float32
	err    error
	done   chan struct{}
}

// NewLocalGroups returns size connected ranks.
func NewLocalGroups(size int) []*LocalGroup {
	h := &hub{size: size}
	groups := make([]*LocalGroup, size)
	for i := range groups {
		groups[i] = &LocalGroup{rank: i, hub: h}
	}
	return groups
}

func (g *LocalGroup) Rank() int { return g.rank }
func (g *LocalGroup) Size() int { return g.hub.size }

func (g *LocalGroup) AllReduceSum(ctx context.Context, buf []float32) error {
	return g.hub.collective(ctx, g.rank, opAllReduceSum, 0, buf)
}

func (g *LocalGroup) Broadcast(ctx context.Context, buf []float32, root int) error {
	if err := checkRoot(root, g.hub.size); err != nil {
		return err
	}
	return g.hub.collective(ctx, g.rank, opBroadcast, root, buf)
}

// Close fails any pending and future collective on every rank.
func (g *LocalGroup) Close() error {
	h := g.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.cur != nil {
		h.cur.err = ErrClosed
		close(h.cur.done)
		h.cur = nil
	}
	return nil
}

func (h *hub) collective(ctx context.Context, rank int, op opcode, root int, buf []float32) error {
	if h.size == 1 {
		return nil
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	r := h.cur
	if r == nil {
		r = &round{
			op:     op,
			root:   root,
			length: len(buf),
			bufs:   make([][]float32, h.size),
			done:   make(chan struct{}),
		}
		h.cur = r
	}
	if r.op != op || r.root != root || r.length != len(buf) {
		h.mu.Unlock()
		return fmt.Errorf("rank %d: %s(len=%d, root=%d) does not match pending %s(len=%d, root=%d)",
			rank, op, len(buf), root, r.op, r.length, r.root)
	}
	if r.bufs[rank] != nil {
		h.mu.Unlock()
		return fmt.Errorf("rank %d joined the same collective twice", rank)
	}
	r.bufs[rank] = buf
	r.joined++
	if r.joined == h.size {
		r.result = combine(op, root, r.bufs)
		close(r.done)
		h.cur = nil
	}
	h.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}
	copy(buf, r.result)
	return nil
}

func combine(op opcode, root int, bufs [][]float32) []float32 {
	if op == opBroadcast {
		return append([]float32(nil), bufs[root]...)
	}
	out := make([]float32, len(bufs[0]))
	for _, b := range bufs {
		for i, v := range b {
			out[i] += v
		}
	}
	return out
}
