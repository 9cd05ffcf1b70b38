package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Message is what websocket clients receive: the full history once on connect, then one
// record per epoch.
type Message struct {
	Type    string        `json:"type"` // "history" or "epoch"
	Records []EpochRecord `json:"records"`
}

// Stats is the body of GET /stats.
type Stats struct {
	Model         string        `json:"model"`
	Epochs        int           `json:"epochs"`
	BestPrecision float64       `json:"best_precision"`
	Records       []EpochRecord `json:"records"`
}

// Monitor serves training progress and keeps the plot files in PlotDir current.
type Monitor struct {
	collector *Collector
	plotDir   string
	router    *mux.Router

	mu      sync.Mutex // guards clients and serialises websocket writes
	clients map[*websocket.Conn]struct{}

	srv *http.Server
}

// New creates a monitor for collector. An empty plotDir disables plot files.
func New(collector *Collector, plotDir string) *Monitor {
	m := &Monitor{
		collector: collector,
		plotDir:   plotDir,
		clients:   make(map[*websocket.Conn]struct{}),
	}
	r := mux.NewRouter()
	r.HandleFunc("/stats", m.stats).Methods(http.MethodGet)
	r.HandleFunc("/plot/{name}.svg", m.plot).Methods(http.MethodGet)
	r.HandleFunc("/ws", m.serveWS).Methods(http.MethodGet)
	m.router = r
	return m
}

// Handler returns the monitor's routes.
func (m *Monitor) Handler() http.Handler { return m.router }

// Start listens on addr and serves in the background until Shutdown.
func (m *Monitor) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("monitor listen: %w", err)
	}
	m.srv = &http.Server{Handler: m.router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Warningf("monitor server: %v", err)
		}
	}()
	klog.Infof("monitor listening on http://%s", ln.Addr())
	return ln.Addr(), nil
}

// Shutdown stops the server and drops every websocket client.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for c := range m.clients {
		c.Close()
		delete(m.clients, c)
	}
	m.mu.Unlock()
	if m.srv == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}

// Publish records an epoch, pushes it to connected clients and rewrites the plot files.
// Slow or broken clients are dropped; only plot file errors are returned.
func (m *Monitor) Publish(r EpochRecord) error {
	r = m.collector.RecordEpoch(r)

	msg := Message{Type: "epoch", Records: []EpochRecord{r}}
	m.mu.Lock()
	for c := range m.clients {
		if err := write(c, msg); err != nil {
			klog.V(1).Infof("monitor: dropping client %s: %v", c.RemoteAddr(), err)
			c.Close()
			delete(m.clients, c)
		}
	}
	m.mu.Unlock()

	return m.writePlots()
}

func write(c *websocket.Conn, msg Message) error {
	c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.WriteJSON(msg)
}

func (m *Monitor) writePlots() error {
	if m.plotDir == "" {
		return nil
	}
	if err := os.MkdirAll(m.plotDir, 0755); err != nil {
		return fmt.Errorf("monitor plot dir: %w", err)
	}
	for _, t := range []PlotType{LossCurves, PrecisionCurve} {
		pd, _ := m.collector.Plot(t)
		svg, err := RenderSVG(pd)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(m.plotDir, string(t)+".svg"), svg, 0644); err != nil {
			return fmt.Errorf("monitor plot: %w", err)
		}
	}
	return nil
}

func (m *Monitor) stats(w http.ResponseWriter, r *http.Request) {
	records := m.collector.Records()
	s := Stats{Model: m.collector.ModelName(), Epochs: len(records), Records: records}
	if n := len(records); n > 0 {
		s.BestPrecision = records[n-1].BestPrecision
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		klog.Warningf("monitor /stats: %v", err)
	}
}

func (m *Monitor) plot(w http.ResponseWriter, r *http.Request) {
	pd, ok := m.collector.Plot(PlotType(mux.Vars(r)["name"]))
	if !ok {
		http.NotFound(w, r)
		return
	}
	svg, err := RenderSVG(pd)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Write(svg)
}

func (m *Monitor) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.V(1).Infof("monitor: websocket upgrade: %v", err)
		return
	}

	m.mu.Lock()
	if err := write(conn, Message{Type: "history", Records: m.collector.Records()}); err != nil {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.clients[conn] = struct{}{}
	m.mu.Unlock()

	// clients only listen; reading detects the close
	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}
	m.mu.Lock()
	if _, ok := m.clients[conn]; ok {
		delete(m.clients, conn)
		conn.Close()
	}
	m.mu.Unlock()
}
