// Package httpapi exposes an Uploader over HTTP.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/derektruong/fxupload"
	"github.com/derektruong/fxupload/identity"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
)

const (
	// ChecksumHeader carries the CRC32 of a chunk body.
	ChecksumHeader = "X-Chunk-Checksum"

	DefaultRequestTimeout = time.Hour
)

// Server serves the upload API of an Uploader.
type Server struct {
	logger         logr.Logger
	uploader       fxupload.Uploader
	resolver       *identity.Resolver
	requestTimeout time.Duration
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRequestTimeout sets the read deadline of chunk requests. Default is
// one hour.
func WithRequestTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		if timeout > 0 {
			s.requestTimeout = timeout
		}
	}
}

// NewServer creates a server, resolver identifies the client of every
// request.
func NewServer(
	logger logr.Logger,
	uploader fxupload.Uploader,
	resolver *identity.Resolver,
	opts ...ServerOption,
) *Server {
	s := &Server{
		logger:         logger.WithName("httpapi"),
		uploader:       uploader,
		resolver:       resolver,
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routes of the upload API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(s.resolver.Middleware)

	r.Route("/uploads", func(r chi.Router) {
		r.Post("/", s.wrap(s.prepare))
		r.Get("/", s.wrap(s.pendingFiles))
		r.Delete("/", s.wrap(s.cancelAll))

		r.Route("/{fileID}", func(r chi.Router) {
			r.Delete("/", s.wrap(s.cancelFile))
			r.Post("/chunks", s.wrap(s.chunk))
			r.Post("/pause", s.wrap(s.pause))
			r.Post("/resume", s.wrap(s.resume))
			r.Put("/rate", s.wrap(s.setRate))
			r.Get("/progress", s.wrap(s.progress))
			r.Post("/verify", s.wrap(s.verify))
			r.Get("/first-chunk-checksum", s.wrap(s.firstChunkChecksum))
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.V(1).Info("request served",
				"requestID", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start))
		}()
		next.ServeHTTP(ww, r)
	})
}

// handlerFunc is a handler whose error is turned into a response by wrap.
type handlerFunc func(w http.ResponseWriter, r *http.Request, clientID string) error

func (s *Server) wrap(fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID, err := identity.ClientID(r.Context())
		if err == nil {
			err = fn(w, r, clientID)
		}
		if err != nil {
			s.sendError(w, r, err)
		}
	}
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(err, "request failed", "method", r.Method, "path", r.URL.Path)
	} else {
		s.logger.V(1).Info("request rejected",
			"method", r.Method, "path", r.URL.Path, "status", status, "errorMessage", err.Error())
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
