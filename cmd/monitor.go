package cmd

import (
	"encoding/json"
	"expvar"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evalcore/topk/stopping"
)

// wsWriteWait bounds how long a dashboard write may block, grounded on the
// pack's websocket publish loop (write deadline set before every
// WriteMessage call).
const wsWriteWait = 1 * time.Second

var upgrader = websocket.Upgrader{}

// progressSnapshot is what a dashboard client receives over /ws.
type progressSnapshot struct {
	BatchIndex int             `json:"batch_index"`
	Processed  int             `json:"datapoints_processed"`
	Reason     stopping.Reason `json:"stopping_reason"`
	Terminal   bool            `json:"terminal"`
}

// monitor reports SamplingLoop progress over three surfaces: expvar's
// /debug/vars, a Prometheus /metrics endpoint, and a live /ws websocket
// feed. It implements engine.ProgressSink.
type monitor struct {
	addr    string
	info    *expvar.Map
	stopped chan struct{}
	server  *http.Server

	BatchesCompleted *expvar.Int
	DatapointsSeen   *expvar.Int
	LastStopReason   *expvar.String

	promBatches    prometheus.Counter
	promDatapoints prometheus.Counter
	promTerminal   *prometheus.CounterVec

	mu      sync.Mutex
	last    progressSnapshot
	clients map[*websocket.Conn]struct{}
}

// newMonitor constructs a monitor that will listen at addr once Start is
// called.
func newMonitor(addr string) *monitor {
	return &monitor{
		addr:    addr,
		clients: make(map[*websocket.Conn]struct{}),

		promBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "topk_batches_completed_total",
			Help: "Number of sampling-loop batches completed.",
		}),
		promDatapoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "topk_datapoints_processed_total",
			Help: "Number of datapoints processed across all batches.",
		}),
		promTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "topk_runs_terminated_total",
			Help: "Number of runs that reached a terminal stopping reason, by reason.",
		}, []string{"reason"}),
	}
}

// Start begins the monitor.
func (m *monitor) Start() error {
	if m.info != nil {
		return errors.Errorf("BUG: you may only start the process monitor once")
	}

	m.info = expvar.NewMap("topk-progress")
	m.stopped = make(chan struct{})
	m.server = &http.Server{Addr: m.addr}

	registry := prometheus.NewRegistry()
	registry.MustRegister(m.promBatches, m.promDatapoints, m.promTerminal)

	mux := http.NewServeMux()
	// Help the user and redirect to the expvar handler by default.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/debug/vars", http.StatusTemporaryRedirect)
	})
	mux.Handle("/debug/vars", http.DefaultServeMux)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", m.serveWebsocket)
	m.server.Handler = mux

	m.BatchesCompleted = expvar.NewInt("Batches-Completed")
	m.DatapointsSeen = expvar.NewInt("Datapoints-Processed")
	m.LastStopReason = expvar.NewString("Last-Stop-Reason")

	// Actual server that will close the stopped channel on exit
	started := make(chan struct{})
	go func() {
		defer close(m.stopped)
		fmt.Fprintf(os.Stderr, "HTTP now available at %v (see /debug/vars, /metrics, /ws)\n", m.server.Addr)
		close(started)
		m.server.ListenAndServe()
	}()

	<-started
	return nil
}

func (m *monitor) Stop() {
	if m.info == nil {
		return
	}

	m.server.Close()

	select {
	case <-m.stopped:
		fmt.Fprintf(os.Stderr, "HTTP Info Stopped\n")
	case <-time.After(2 * time.Second):
		fmt.Fprintf(os.Stderr, "HTTP would NOT stop: just continuing on\n")
	}
}

// BatchComplete implements engine.ProgressSink.
func (m *monitor) BatchComplete(batchIndex, processed int, decision stopping.Decision) {
	snap := progressSnapshot{
		BatchIndex: batchIndex,
		Processed:  processed,
		Reason:     decision.Reason,
		Terminal:   decision.Terminal,
	}

	if m.BatchesCompleted != nil {
		m.BatchesCompleted.Set(int64(batchIndex))
		m.DatapointsSeen.Set(int64(processed))
		m.LastStopReason.Set(string(decision.Reason))
	}

	m.promBatches.Inc()
	m.promDatapoints.Add(float64(processed))
	if decision.Terminal {
		m.promTerminal.WithLabelValues(string(decision.Reason)).Inc()
	}

	m.mu.Lock()
	m.last = snap
	clients := make([]*websocket.Conn, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	m.promBatches.Inc()
	m.promDatapoints.Add(float64(processed - prevProcessed))
	if decision.Terminal {
		m.promTerminal.WithLabelValues(string(decision.Reason)).Inc()
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	for _, c := range clients {
		_ = c.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			m.removeClient(c)
		}
	}
}

func (m *monitor) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.mu.Lock()
	m.clients[ws] = struct{}{}
	last := m.last
	m.mu.Unlock()

	if payload, err := json.Marshal(last); err == nil {
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = ws.WriteMessage(websocket.TextMessage, payload)
	}

	go m.drainClient(ws)
}

// drainClient reads (and discards) from the client until it disconnects,
// so the server notices closures promptly; the connection is write-only
// from the server's perspective otherwise.
func (m *monitor) drainClient(ws *websocket.Conn) {
	defer m.removeClient(ws)
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (m *monitor) removeClient(ws *websocket.Conn) {
	m.mu.Lock()
	delete(m.clients, ws)
	m.mu.Unlock()
	_ = ws.Close()
}
