// Package distributed provides the process group used for multi-process data-parallel
// training. Rank 0 acts as the rendezvous point; collectives are blocking and must be
// issued in the same order by every rank.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"k8s.io/klog/v2"
)

var (
	ErrNotConfigured = errors.New("distributed environment not configured")
	ErrClosed        = errors.New("process group closed")
)

// Group is a set of cooperating processes that can combine float32 buffers.
type Group interface {
	Rank() int
	Size() int
	// AllReduceSum replaces buf on every rank with the element-wise sum over all ranks.
	AllReduceSum(ctx context.Context, buf []float32) error
	// Broadcast replaces buf on every rank with the contents of buf on root.
	Broadcast(ctx context.Context, buf []float32, root int) error
	Close() error
}

// Env is the process group configuration read from the environment.
type Env struct {
	WorldSize  int
	Rank       int
	MasterAddr string
	MasterPort int
}

// EnvFromOS reads WORLD_SIZE, RANK, MASTER_ADDR and MASTER_PORT.
func EnvFromOS() (Env, error) {
	return envFrom(os.LookupEnv)
}

func envFrom(lookup func(string) (string, bool)) (Env, error) {
	e := Env{MasterAddr: "127.0.0.1", MasterPort: 29500}

	ws, ok := lookup("WORLD_SIZE")
	if !ok {
		return Env{}, fmt.Errorf("%w: WORLD_SIZE is not set", ErrNotConfigured)
	}
	var err error
	if e.WorldSize, err = strconv.Atoi(ws); err != nil || e.WorldSize < 1 {
		return Env{}, fmt.Errorf("invalid WORLD_SIZE %q", ws)
	}
	if r, ok := lookup("RANK"); ok {
		if e.Rank, err = strconv.Atoi(r); err != nil {
			return Env{}, fmt.Errorf("invalid RANK %q", r)
		}
	}
	if e.Rank < 0 || e.Rank >= e.WorldSize {
		return Env{}, fmt.Errorf("RANK %d out of range for WORLD_SIZE %d", e.Rank, e.WorldSize)
	}
	if a, ok := lookup("MASTER_ADDR"); ok && a != "" {
		e.MasterAddr = a
	}
	if p, ok := lookup("MASTER_PORT"); ok && p != "" {
		if e.MasterPort, err = strconv.Atoi(p); err != nil {
			return Env{}, fmt.Errorf("invalid MASTER_PORT %q", p)
		}
	}
	return e, nil
}

// Addr is the rendezvous address of rank 0.
func (e Env) Addr() string {
	return net.JoinHostPort(e.MasterAddr, strconv.Itoa(e.MasterPort))
}

// Init joins the process group described by env. Rank 0 listens on MASTER_PORT and
// waits for every peer; other ranks dial rank 0, retrying until ctx is done.
func Init(ctx context.Context, env Env) (Group, error) {
	if env.WorldSize == 1 {
		return NewLocalGroups(1)[0], nil
	}
	if env.Rank == 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(env.MasterPort)))
		if err != nil {
			return nil, fmt.Errorf("listening for peers: %w", err)
		}
		klog.Infof("rank 0 waiting for %d peers on %s", env.WorldSize-1, ln.Addr())
		return Serve(ctx, ln, env.WorldSize)
	}

	backoff := 100 * time.Millisecond
	for {
		g, err := Dial(ctx, env.Addr(), env.Rank, env.WorldSize)
		if err == nil {
			return g, nil
		}
		klog.V(1).Infof("rank %d: dial %s failed: %v", env.Rank, env.Addr(), err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("joining process group: %w", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}

func checkRoot(root, size int) error {
	if root < 0 || root >= size {
		return fmt.Errorf("broadcast root %d out of range for %d ranks", root, size)
	}
	return nil
}
