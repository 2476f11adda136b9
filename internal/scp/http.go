package scp

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/archivist/internal/dicom"
)

// Request headers identifying the sender of POST /studies.
const (
	HeaderCallingAE     = "X-Calling-AE"
	HeaderCalledAE      = "X-Called-AE"
	HeaderAssociationID = "X-Association-ID"
)

// maxObjectSize bounds a POST /studies body.
const maxObjectSize = 512 << 20

// StoreResponse is the body returned by POST /studies.
type StoreResponse struct {
	Status string `json:"status"`
	Code   uint16 `json:"code"`
	SOPUID string `json:"sop_uid,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Server exposes the store operation over HTTP.
type Server struct {
	svc    *Service
	health func(ctx context.Context) error
	srv    *http.Server

	mu  sync.Mutex
	lis net.Listener
}

// NewServer creates a server. gatherer backs /metrics; health backs
// /healthz and may be nil.
func NewServer(svc *Service, gatherer prometheus.Gatherer, health func(ctx context.Context) error) *Server {
	mux := http.NewServeMux()
	s := &Server{svc: svc, health: health, srv: &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}}
	mux.HandleFunc("POST /studies", s.handleStore)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lis = l
	s.mu.Unlock()
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the listening address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	calling, called := r.Header.Get(HeaderCallingAE), r.Header.Get(HeaderCalledAE)
	if calling == "" || called == "" {
		writeJSON(w, http.StatusBadRequest, StoreResponse{
			Status: Failure.String(),
			Code:   uint16(Failure),
			Error:  HeaderCallingAE + " and " + HeaderCalledAE + " are required",
		})
		return
	}
	assoc := dicom.NewAssociation(calling, called, r.RemoteAddr)
	if id := r.Header.Get(HeaderAssociationID); id != "" {
		assoc.ID = id
	}

	obj, err := dicom.Decode(http.MaxBytesReader(w, r.Body, maxObjectSize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, StoreResponse{Status: Failure.String(), Code: uint16(Failure), Error: err.Error()})
		return
	}

	status, err := s.svc.store(r.Context(), assoc, obj)
	resp := StoreResponse{Status: status.String(), Code: uint16(status), SOPUID: obj.InstanceUID()}
	code := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		code = http.StatusUnprocessableEntity
		if status.Retryable() {
			code = http.StatusServiceUnavailable
			w.Header().Set("Retry-After", "1")
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
