package directory

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/opd-ai/codedrop/interfaces"
	"github.com/sirupsen/logrus"
)

// Request and response bodies of the directory HTTP API.
type (
	// PublishRequest is the body of POST /codes.
	PublishRequest struct {
		Code        string `json:"code"`
		PeerAddress string `json:"peer_address"`
	}

	// StatusResponse is returned by mutating endpoints and on errors.
	StatusResponse struct {
		Status string `json:"status"`
		Code   string `json:"code,omitempty"`
		Error  string `json:"error,omitempty"`
	}

	// CheckResponse is returned by GET /check/{code}.
	CheckResponse struct {
		Valid bool `json:"valid"`
	}
)

// Field limits enforced by the server on untrusted input.
const (
	maxCodeLength    = 64
	maxAddressLength = 512
	maxRequestBody   = 4096
)

// Server exposes a Directory over HTTP.
type Server struct {
	dir interfaces.Directory
}

// NewServer creates a server for dir.
func NewServer(dir interfaces.Directory) *Server {
	return &Server{dir: dir}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /codes", s.handlePublish)
	mux.HandleFunc("GET /codes/{code}", s.handleResolve)
	mux.HandleFunc("DELETE /codes/{code}", s.handleWithdraw)
	mux.HandleFunc("GET /check/{code}", s.handleCheck)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "codedrop-directory",
	})
}

// POST /codes
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, StatusResponse{Status: "error", Error: "invalid JSON: " + err.Error()})
		return
	}

	if req.Code == "" || req.PeerAddress == "" {
		writeJSON(w, http.StatusBadRequest, StatusResponse{Status: "error", Error: "missing required fields: code, peer_address"})
		return
	}
	if len(req.Code) > maxCodeLength || len(req.PeerAddress) > maxAddressLength {
		writeJSON(w, http.StatusBadRequest, StatusResponse{Status: "error", Error: "field too long"})
		return
	}

	if err := s.dir.Publish(r.Context(), req.Code, req.PeerAddress); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handlePublish",
			"code":     req.Code,
			"error":    err.Error(),
		}).Error("Publish failed")
		writeJSON(w, http.StatusServiceUnavailable, StatusResponse{Status: "error", Error: "directory unavailable"})
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handlePublish",
		"code":     req.Code,
		"remote":   r.RemoteAddr,
	}).Info("Code published")

	writeJSON(w, http.StatusCreated, StatusResponse{Status: "ok", Code: req.Code})
}

// GET /codes/{code}
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")

	ad, err := s.lookup(r, code)
	switch {
	case errors.Is(err, interfaces.ErrCodeNotFound):
		writeJSON(w, http.StatusNotFound, StatusResponse{Status: "error", Code: code, Error: "code not found"})
		return
	case err != nil:
		logrus.WithFields(logrus.Fields{
			"function": "handleResolve",
			"code":     code,
			"error":    err.Error(),
		}).Error("Resolve failed")
		writeJSON(w, http.StatusServiceUnavailable, StatusResponse{Status: "error", Error: "directory unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, ad)
}

// lookup returns the full advertisement when the backend keeps one, and
// otherwise just the resolved address.
func (s *Server) lookup(r *http.Request, code string) (interfaces.Advertisement, error) {
	if l, ok := s.dir.(interfaces.AdvertisementLookup); ok {
		return l.Lookup(r.Context(), code)
	}
	addr, err := s.dir.Resolve(r.Context(), code)
	if err != nil {
		return interfaces.Advertisement{}, err
	}
	return interfaces.Advertisement{Code: code, PeerAddress: addr}, nil
}

// DELETE /codes/{code}
func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if err := s.dir.Withdraw(r.Context(), code); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, StatusResponse{Status: "error", Error: "directory unavailable"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /check/{code}
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	_, err := s.dir.Resolve(r.Context(), r.PathValue("code"))
	if err != nil && !errors.Is(err, interfaces.ErrCodeNotFound) {
		writeJSON(w, http.StatusServiceUnavailable, StatusResponse{Status: "error", Error: "directory unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, CheckResponse{Valid: err == nil})
}
