// Package controller exposes the directory over plain request/response
// HTTP for clients that cannot hold a duplex connection.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailrelay/internal/api"
	"mailrelay/internal/directory"
)

const shutdownTimeout = 5 * time.Second

// Server provides the directory HTTP facade.
type Server struct {
	listen string
	dir    *directory.Directory
}

// NewServer constructs a facade over the given directory.
func NewServer(listen string, dir *directory.Directory) *Server {
	return &Server{listen: listen, dir: dir}
}

// Handler returns the facade's route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/lookup", s.handleLookup)
	mux.HandleFunc("/nodes", s.handleNodes)
	mux.HandleFunc("/heartbeat", s.handleHeartbeat)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// ListenAndServe runs the HTTP server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		server.Shutdown(shCtx)
	}()

	log.Printf("directory facade listening on %s", s.listen)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req api.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec := s.dir.Register(req.IPAddress, req.Port, req.MailAddress)
	log.Printf("register node=%s mail=%s", rec.NodeID, rec.MailAddress)
	writeJSON(w, http.StatusOK, api.RegisterResponse{Success: true, Node: &rec})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	mailAddress := r.URL.Query().Get("mailAddress")
	if mailAddress == "" {
		writeJSONError(w, http.StatusBadRequest, "mail address is required")
		return
	}

	rec, ok := s.dir.LookupByMail(mailAddress)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "node not found")
		return
	}
	writeJSON(w, http.StatusOK, api.LookupResponse{Success: true, Node: &rec})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, api.NodesResponse{Success: true, Nodes: s.dir.AllRecords()})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req api.HeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.NodeID == "" {
		writeJSONError(w, http.StatusBadRequest, "node ID is required")
		return
	}

	if !s.dir.Heartbeat(req.NodeID) {
		writeJSONError(w, http.StatusNotFound, "node not found")
		return
	}
	writeJSON(w, http.StatusOK, api.HeartbeatResponse{Success: true})
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}
