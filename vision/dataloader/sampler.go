package dataloader

import (
	"fmt"
	"math/rand"
	"sync"
)

// Sampler yields the dataset indices of one epoch, in order.
type Sampler interface {
	Len() int
	Indices() []int
}

// SequentialSampler visits 0..N-1 in order.
type SequentialSampler struct {
	N int
}

func (s SequentialSampler) Len() int { return s.N }

func (s SequentialSampler) Indices() []int {
	idx := make([]int, s.N)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// RandomSampler draws a fresh permutation for every epoch from a seeded source, so a
// run is reproducible from its seed.
type RandomSampler struct {
	n   int
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomSampler(n int, seed int64) *RandomSampler {
	return &RandomSampler{n: n, rng: rand.New(rand.NewSource(seed))}
}

func (s *RandomSampler) Len() int { return s.n }

func (s *RandomSampler) Indices() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Perm(s.n)
}

// DistributedSampler restricts each process to its own shard of the dataset. The index
// list is padded by wrapping around to a multiple of NumReplicas, optionally permuted
// with Seed+epoch, and rank r takes every NumReplicas-th index starting at r. Every
// rank must call SetEpoch with the same value before each epoch so the shards stay
// disjoint and together cover the dataset.
type DistributedSampler struct {
	NumReplicas int
	Rank        int
	Shuffle     bool
	Seed        int64

	n     int
	mu    sync.Mutex
	epoch int
}

func NewDistributedSampler(n, numReplicas, rank int, shuffle bool, seed int64) (*DistributedSampler, error) {
	if numReplicas < 1 {
		return nil, fmt.Errorf("distributed sampler needs at least one replica, got %d", numReplicas)
	}
	if rank < 0 || rank >= numReplicas {
		return nil, fmt.Errorf("rank %d out of range [0, %d)", rank, numReplicas)
	}
	if n < 1 {
		return nil, fmt.Errorf("distributed sampler needs a non-empty dataset")
	}
	return &DistributedSampler{NumReplicas: numReplicas, Rank: rank, Shuffle: shuffle, Seed: seed, n: n}, nil
}

// SetEpoch selects the permutation used by the next Indices call.
func (s *DistributedSampler) SetEpoch(epoch int) {
	s.mu.Lock()
	s.epoch = epoch
	s.mu.Unlock()
}

// Len is the shard size, ceil(N / NumReplicas).
func (s *DistributedSampler) Len() int {
	return (s.n + s.NumReplicas - 1) / s.NumReplicas
}

func (s *DistributedSampler) Indices() []int {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	var all []int
	if s.Shuffle {
		all = rand.New(rand.NewSource(s.Seed + int64(epoch))).Perm(s.n)
	} else {
		all = SequentialSampler{N: s.n}.Indices()
	}

	total := s.Len() * s.NumReplicas
	for len(all) < total {
		pad := total - len(all)
		if pad > s.n {
			pad = s.n
		}
		all = append(all, all[:pad]...)
	}

	shard := make([]int, 0, s.Len())
	for i := s.Rank; i < total; i += s.NumReplicas {
		shard = append(shard, all[i])
	}
	return shard
}
