// Package httpapi exposes the payment service over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/suspectuso/deposit-tracker/internal/apperr"
	"github.com/suspectuso/deposit-tracker/internal/payments"
)

const maxBodyBytes = 64 << 10

// Payments is the service behind the API. *payments.Service implements it.
type Payments interface {
	RequestPayment(ctx context.Context, accountID string, req payments.Request) (*payments.Response, error)
	GetStatus(ctx context.Context, paymentID string) (*payments.Status, error)
	Cancel(ctx context.Context, paymentID string) (*payments.Status, error)
	ActiveWatchers() []payments.ActiveWatcher
}

// Server handles payment requests
type Server struct {
	payments Payments
	log      *slog.Logger

	server *http.Server
}

// NewServer creates a new API server
func NewServer(p Payments, log *slog.Logger) *Server {
	return &Server{
		payments: p,
		log:      log,
	}
}

// Router returns the HTTP routes of the API
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.logRequests)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/accounts/{accountID}/payments", s.handleRequestPayment)
	r.Get("/payments/{paymentID}", s.handleGetStatus)
	r.Delete("/payments/{paymentID}", s.handleCancel)
	r.Get("/watchers", s.handleWatchers)

	return r
}

// Start serves the API until ctx is cancelled
func (s *Server) Start(ctx context.Context, port int) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.log.Info("starting http server", "port", port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleRequestPayment(w http.ResponseWriter, r *http.Request) {
	var req payments.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.payments.RequestPayment(r.Context(), chi.URLParam(r, "accountID"), req)
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if resp.Reused {
		status = http.StatusOK
	}
	respondWithJSON(w, status, resp)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.payments.GetStatus(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	st, err := s.payments.Cancel(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, st)
}

func (s *Server) handleWatchers(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{
		"watchers": s.payments.ActiveWatchers(),
	})
}

// statusFor maps a service error to its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidTransition), errors.Is(err, apperr.ErrListenerConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", chimw.GetReqID(r.Context()),
			"error", err,
		)
		respondWithError(w, status, "internal error")
		return
	}
	respondWithError(w, status, err.Error())
}

func respondWithJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondWithError(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, map[string]string{"error": message})
}
