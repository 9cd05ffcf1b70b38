package distributed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"
)

const collectivePath = "/collective"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
}

// WSGroup is a Group whose ranks talk to rank 0 over websocket connections. Rank 0
// gathers every contribution, combines them and sends the result back, so a collective
// costs two messages per peer.
type WSGroup struct {
	rank int
	size int

	mu     sync.Mutex // serialises collectives
	seq    uint64
	closed bool

	peers []*websocket.Conn // rank 0 only, indexed by rank
	coord *websocket.Conn   // ranks > 0
}

// Serve makes the caller rank 0 of a size-rank group. It accepts peers on ln until all
// size-1 have joined or ctx is done, then stops listening.
func Serve(ctx context.Context, ln net.Listener, size int) (*WSGroup, error) {
	g := &WSGroup{rank: 0, size: size, peers: make([]*websocket.Conn, size)}
	if size == 1 {
		ln.Close()
		return g, nil
	}

	var (
		mu     sync.Mutex
		joined int
		ready  = make(chan struct{})
	)
	r := mux.NewRouter()
	r.HandleFunc(collectivePath, func(w http.ResponseWriter, req *http.Request) {
		rank, err := strconv.Atoi(req.URL.Query().Get("rank"))
		if err != nil || rank < 1 || rank >= size {
			http.Error(w, "invalid rank", http.StatusBadRequest)
			return
		}
		if world, err := strconv.Atoi(req.URL.Query().Get("world")); err != nil || world != size {
			http.Error(w, fmt.Sprintf("world size must be %d", size), http.StatusBadRequest)
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if g.peers[rank] != nil {
			http.Error(w, fmt.Sprintf("rank %d already joined", rank), http.StatusConflict)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			klog.Warningf("rank %d: websocket upgrade failed: %v", rank, err)
			return
		}
		g.peers[rank] = conn
		joined++
		klog.V(1).Infof("rank %d joined (%d/%d)", rank, joined, size-1)
		if joined == size-1 {
			close(ready)
		}
	}).Methods(http.MethodGet)

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Warningf("rendezvous server: %v", err)
		}
	}()

	select {
	case <-ready:
		// hijacked websocket connections outlive the server
		srv.Close()
		return g, nil
	case <-ctx.Done():
		srv.Close()
		mu.Lock()
		g.closeConns()
		mu.Unlock()
		return nil, fmt.Errorf("waiting for peers: %w", ctx.Err())
	}
}

// Dial joins the group served at addr as the given rank.
func Dial(ctx context.Context, addr string, rank, size int) (*WSGroup, error) {
	url := fmt.Sprintf("ws://%s%s?rank=%d&world=%d", addr, collectivePath, rank, size)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", addr, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &WSGroup{rank: rank, size: size, coord: conn}, nil
}

func (g *WSGroup) Rank() int { return g.rank }
func (g *WSGroup) Size() int { return g.size }

func (g *WSGroup) AllReduceSum(ctx context.Context, buf []float32) error {
	return g.collective(ctx, opAllReduceSum, 0, buf)
}

func (g *WSGroup) Broadcast(ctx context.Context, buf []float32, root int) error {
	if err := checkRoot(root, g.size); err != nil {
		return err
	}
	return g.collective(ctx, opBroadcast, root, buf)
}

func (g *WSGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	return g.closeConns()
}

func (g *WSGroup) closeConns() error {
	var first error
	conns := append([]*websocket.Conn{g.coord}, g.peers...)
	for _, c := range conns {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (g *WSGroup) collective(ctx context.Context, op opcode, root int, buf []float32) error {
	if g.size == 1 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	g.seq++

	stop := g.watch(ctx)
	var err error
	if g.rank == 0 {
		err = g.coordinate(op, root, buf)
	} else {
		err = g.contribute(op, root, buf)
	}
	stop()

	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return err
}

// watch expires connection deadlines when ctx is cancelled so blocked reads return.
func (g *WSGroup) watch(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			now := time.Now()
			for _, c := range append([]*websocket.Conn{g.coord}, g.peers...) {
				if c != nil {
					c.SetReadDeadline(now)
					c.SetWriteDeadline(now)
				}
			}
		case <-done:
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (g *WSGroup) contribute(op opcode, root int, buf []float32) error {
	out := frame{Op: op, Seq: g.seq, Rank: g.rank, Root: root, Data: buf}
	if op == opBroadcast && root != g.rank {
		out.Data = nil
	}
	if err := g.coord.WriteMessage(websocket.BinaryMessage, out.marshal()); err != nil {
		return fmt.Errorf("rank %d: sending %s: %w", g.rank, op, err)
	}

	var in frame
	if err := readFrame(g.coord, &in); err != nil {
		return fmt.Errorf("rank %d: receiving %s result: %w", g.rank, op, err)
	}
	if in.Err != "" {
		return fmt.Errorf("rank %d: %s failed on rank 0: %s", g.rank, op, in.Err)
	}
	if in.Seq != g.seq || in.Op != op {
		return fmt.Errorf("rank %d: got %s seq %d, want %s seq %d", g.rank, in.Op, in.Seq, op, g.seq)
	}
	if len(in.Data) != len(buf) {
		return fmt.Errorf("rank %d: result length %d, want %d", g.rank, len(in.Data), len(buf))
	}
	copy(buf, in.Data)
	return nil
}

func (g *WSGroup) coordinate(op opcode, root int, buf []float32) error {
	result := append([]float32(nil), buf...)

	var failure error
	for r := 1; r < g.size; r++ {
		var in frame
		if err := readFrame(g.peers[r], &in); err != nil {
			return fmt.Errorf("rank 0: receiving %s from rank %d: %w", op, r, err)
		}
		if failure != nil {
			continue
		}
		switch {
		case in.Op != op || in.Seq != g.seq || in.Root != root:
			failure = fmt.Errorf("rank %d sent %s seq %d root %d, want %s seq %d root %d",
				r, in.Op, in.Seq, in.Root, op, g.seq, root)
		case op == opAllReduceSum:
			if len(in.Data) != len(buf) {
				failure = fmt.Errorf("rank %d sent %d values, want %d", r, len(in.Data), len(buf))
				continue
			}
			for i, v := range in.Data {
				result[i] += v
			}
		case op == opBroadcast && r == root:
			if len(in.Data) != len(buf) {
				failure = fmt.Errorf("root %d sent %d values, want %d", r, len(in.Data), len(buf))
				continue
			}
			copy(result, in.Data)
		}
	}

	reply := frame{Op: op, Seq: g.seq, Rank: 0, Root: root, Data: result}
	if failure != nil {
		reply = frame{Op: op, Seq: g.seq, Err: failure.Error()}
	}
	msg := reply.marshal()
	for r := 1; r < g.size; r++ {
		if err := g.peers[r].WriteMessage(websocket.BinaryMessage, msg); err != nil {
			return fmt.Errorf("rank 0: sending %s result to rank %d: %w", op, r, err)
		}
	}
	if failure != nil {
		return failure
	}
	copy(buf, result)
	return nil
}

func readFrame(c *websocket.Conn, f *frame) error {
	mt, b, err := c.ReadMessage()
	if err != nil {
		return err
	}
	if mt != websocket.BinaryMessage {
		return fmt.Errorf("unexpected message type %d", mt)
	}
	return f.unmarshal(b)
}
