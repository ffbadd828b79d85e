// Package api implements the C7 query API (spec.md §4.7, §6): a set of
// stateless GET endpoints over internal/store, plus the GET /ws/messages
// upgrade handled by internal/websocket. Route shape and the CORS
// middleware are kept from the teacher's API gateway; the handlers
// themselves are new, backed by the debugger's own store.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/openmina/mina-network-debugger/internal/metrics"
	"github.com/openmina/mina-network-debugger/internal/model"
	"github.com/openmina/mina-network-debugger/internal/store"
	"github.com/openmina/mina-network-debugger/internal/websocket"
)

// BuildInfo is the fixed identity the spec requires GET /version expose
// (SPEC_FULL.md §3.1 "Debugger identity").
type BuildInfo struct {
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
}

// Server is the C7 query API. It never mutates the store; every route is
// a read over internal/store plus the live-tail websocket upgrade.
type Server struct {
	store     *store.Store
	streamer  *websocket.MessageStreamer
	build     BuildInfo
	keyPath   string
	certPath  string
}

// NewServer builds the router's backing state. keyPath/certPath may both
// be empty (plain HTTP); config.Validate already rejects the mixed case.
func NewServer(st *store.Store, streamer *websocket.MessageStreamer, name string, startedAt time.Time, keyPath, certPath string) *Server {
	return &Server{
		store:    st,
		streamer: streamer,
		build:    BuildInfo{Name: name, StartedAt: startedAt},
		keyPath:  keyPath,
		certPath: certPath,
	}
}

// Router builds the mux.Router this server serves, exported separately
// from ListenAndServe so cmd/ can attach it to its own http.Server for
// shutdown control.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(corsMiddleware)

	r.HandleFunc("/version", s.handleVersion).Methods("GET")
	r.HandleFunc("/connections", s.handleConnections).Methods("GET")
	r.HandleFunc("/messages", s.handleMessages).Methods("GET")
	r.HandleFunc("/message/{id}", s.handleMessageByID).Methods("GET")
	r.HandleFunc("/message/{id}/raw", s.handleMessageRaw).Methods("GET")
	r.HandleFunc("/blocks", s.handleBlocks).Methods("GET")
	r.HandleFunc("/block/{hash}", s.handleBlockByHash).Methods("GET")
	r.HandleFunc("/libp2p_ipc", s.handleIPCEvents).Methods("GET")
	r.HandleFunc("/ws/messages", s.streamer.HandleWebSocket).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	return r
}

// ListenAndServe starts the HTTP(S) listener per config.TLSEnabled; it
// blocks until the server stops or errors, matching the teacher's
// single-call server bootstrap.
func (s *Server) ListenAndServe(addr string) error {
	r := s.Router()
	if s.keyPath != "" && s.certPath != "" {
		return http.ListenAndServeTLS(addr, s.certPath, s.keyPath, r)
	}
	return http.ListenAndServe(addr, r)
}

// corsMiddleware allows any origin: the query API is read-only and
// carries no credentials, so a permissive CORS policy (spec.md §4.7)
// costs nothing.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, model.ErrBadFilter):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.build)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	conns, next, err := s.store.ListConnections(limit, q.Get("from"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": conns,
		"next":        next,
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	fromID, err := parseUint(q.Get("from_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	from, err := parseTime(q.Get("timestamp_from"))
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := parseTime(q.Get("timestamp_to"))
	if err != nil {
		writeError(w, err)
		return
	}

	filter := store.MessageFilter{
		ConnectionID:  q.Get("connection_id"),
		StreamKind:    q.Get("stream_kind"),
		MessageKind:   q.Get("message_kind"),
		RemoteAddr:    q.Get("addr"),
		TimestampFrom: from,
		TimestampTo:   to,
		FromID:        fromID,
		Limit:         limit,
	}

	page, err := s.store.QueryMessages(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleMessageByID(w http.ResponseWriter, r *http.Request) {
	id, err := parseUint(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	msg, err := s.store.MessageByID(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleMessageRaw(w http.ResponseWriter, r *http.Request) {
	id, err := parseUint(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	msg, err := s.store.MessageByID(id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(msg.Body)
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	height, err := parseUint(r.URL.Query().Get("height"))
	if err != nil {
		writeError(w, err)
		return
	}
	blocks, err := s.store.BlocksAtHeight(height)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

func (s *Server) handleBlockByHash(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	block, err := s.store.BlockByHash(hash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, block)
}

func (s *Server) handleIPCEvents(w http.ResponseWriter, r *http.Request) {
	height, err := parseUint(r.URL.Query().Get("height"))
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := s.store.IPCEventsAtHeight(height)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errBadFilter("limit", raw)
	}
	return n, nil
}

func parseUint(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errBadFilter("id/height", raw)
	}
	return n, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errBadFilter("timestamp", raw)
	}
	return t, nil
}

func errBadFilter(field, value string) error {
	return &badFilterError{field: field, value: value}
}

type badFilterError struct {
	field string
	value string
}

func (e *badFilterError) Error() string {
	return "bad " + e.field + " filter: " + strconv.Quote(e.value)
}

func (e *badFilterError) Unwrap() error {
	return model.ErrBadFilter
}
