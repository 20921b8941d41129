// Package monitor serves a small JSON API over a running ring: per-node
// status and message injection.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/token_ring/src/api/message"
	"github.com/danmuck/token_ring/src/api/nodes"
	"github.com/danmuck/token_ring/src/ring"
	logs "github.com/danmuck/smplog"
	"github.com/gorilla/mux"
)

// Ring is the part of *ring.Ring the monitor reads and drives.
type Ring interface {
	Status() []nodes.Status
	NodeStatus(id int) (nodes.Status, error)
	Send(src, dst int, body []byte) (*message.Message, error)
	Err() error
}

type Monitor struct {
	ring   Ring
	router *mux.Router
}

func New(r Ring) *Monitor {
	m := &Monitor{ring: r, router: mux.NewRouter()}
	m.router.HandleFunc("/api/health", m.health).Methods(http.MethodGet)
	m.router.HandleFunc("/api/nodes", m.listNodes).Methods(http.MethodGet)
	m.router.HandleFunc("/api/nodes/{id:[0-9]+}", m.nodeDetails).Methods(http.MethodGet)
	m.router.HandleFunc("/api/nodes/{id:[0-9]+}/send", m.send).Methods(http.MethodPost)
	return m
}

func (m *Monitor) Handler() http.Handler {
	return m.router
}

// Serve listens on addr until ctx ends. The bound address is reported on
// ready, which may be nil.
func (m *Monitor) Serve(ctx context.Context, addr string, ready chan<- net.Addr) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: m.router, ReadHeaderTimeout: 5 * time.Second}
	logs.Infof("monitoring ring at http://%s", listener.Addr())
	if ready != nil {
		ready <- listener.Addr()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Nodes   int    `json:"nodes"`
	Running int    `json:"running"`
	Error   string `json:"error,omitempty"`
}

func (m *Monitor) health(w http.ResponseWriter, _ *http.Request) {
	rsp := healthResponse{Status: "ok"}
	for _, s := range m.ring.Status() {
		rsp.Nodes++
		if s.Running {
			rsp.Running++
		}
	}
	if err := m.ring.Err(); err != nil {
		rsp.Status = "failed"
		rsp.Error = err.Error()
	} else if rsp.Running < rsp.Nodes {
		rsp.Status = "stopped"
	}
	writeJSON(w, http.StatusOK, rsp)
}

func (m *Monitor) listNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, m.ring.Status())
}

func (m *Monitor) nodeDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := nodeIDOr404(w, r)
	if !ok {
		return
	}
	s, err := m.ring.NodeStatus(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type sendRequest struct {
	Destination int    `json:"destination"`
	Body        string `json:"body"`
}

type sendResponse struct {
	ID          int32  `json:"id"`
	Source      int    `json:"source"`
	Destination int    `json:"destination"`
	Tag         string `json:"tag"`
}

func (m *Monitor) send(w http.ResponseWriter, r *http.Request) {
	src, ok := nodeIDOr404(w, r)
	if !ok {
		return
	}
	var req sendRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4*message.BodyLength))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}

	msg, err := m.ring.Send(src, req.Destination, []byte(req.Body))
	if err != nil {
		writeError(w, err)
		return
	}
	logs.Debugf("monitor: node %d -> %d queued as message %d", src, req.Destination, msg.ID)
	writeJSON(w, http.StatusAccepted, sendResponse{
		ID:          msg.ID,
		Source:      src,
		Destination: req.Destination,
		Tag:         msg.Tag,
	})
}

func nodeIDOr404(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "unknown node", http.StatusNotFound)
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ring.ErrUnknownDestination):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, nodes.ErrUnknownNode):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ring.ErrNotRunning):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, message.ErrBodyTooLong), errors.Is(err, message.ErrInvalidBody), errors.Is(err, message.ErrInvalidTag):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		logs.Warnf("monitor: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logs.Warnf("monitor: encode response: %v", err)
	}
}
