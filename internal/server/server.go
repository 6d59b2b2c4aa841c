// Package server exposes backtests over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/rewired-gh/tokendown/internal/backtest"
	"github.com/rewired-gh/tokendown/internal/logger"
	"github.com/rewired-gh/tokendown/internal/metrics"
	"github.com/rewired-gh/tokendown/internal/models"
	"github.com/rewired-gh/tokendown/internal/service"
	"github.com/rewired-gh/tokendown/internal/source"
	"github.com/rewired-gh/tokendown/internal/storage"
)

const defaultReportLimit = 50

// Backtester runs and lists backtests.
type Backtester interface {
	Run(ctx context.Context, req service.Request) (*models.Report, error)
	Reports(address string, limit int) ([]*models.Report, error)
	Report(id string) (*models.Report, error)
	Providers() []string
}

// Config holds HTTP server settings.
type Config struct {
	Addr         string
	CacheMaxAge  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server serves the backtest API.
type Server struct {
	backtester Backtester
	config     Config
	router     chi.Router
}

// New creates a Server; call Handler or ListenAndServe to serve it.
func New(b Backtester, config Config) *Server {
	s := &Server{backtester: b, config: config}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(cors)
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Get("/backtest", s.handleBacktest)
		r.Get("/reports", s.handleReports)
		r.Get("/reports/{id}", s.handleReport)
		r.Get("/providers", s.handleProviders)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening on %s", s.config.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down HTTP server: %w", err)
		}
		return nil
	}
}

// backtestResponse is the public {"tokenDown": x} shape; tokenDown is null
// when no liquidation ever succeeded.
type backtestResponse struct {
	TokenDown *float64       `json:"tokenDown"`
	Found     bool           `json:"found"`
	Report    *models.Report `json:"report"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := service.Request{
		Address:  q.Get("address"),
		Provider: q.Get("provider"),
	}

	var err error
	if req.Financials.LiquidationIncentive, err = parseFloatParam(q.Get("li")); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid li: "+err.Error())
		return
	}
	if req.Financials.CollateralFactor, err = parseFloatParam(q.Get("cf")); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid cf: "+err.Error())
		return
	}
	if req.EndBlock, err = parseIntParam(q.Get("end")); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}

	report, err := s.backtester.Run(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			logger.Error("Backtest for %s failed: %v", req.Address, err)
		}
		writeError(w, r, status, err.Error())
		return
	}

	resp := backtestResponse{Found: report.Found, Report: report}
	if report.Found {
		td := report.TokenDown
		resp.TokenDown = &td
	}

	// Historical windows never change, so results are cacheable for a long time.
	maxAge := int(s.config.CacheMaxAge.Seconds())
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d, s-maxage=%d", maxAge, maxAge))
	render.JSON(w, r, resp)
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	limit, err := parseIntParam(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		writeError(w, r, http.StatusBadRequest, "invalid limit")
		return
	}
	if limit == 0 {
		limit = defaultReportLimit
	}

	reports, err := s.backtester.Reports(r.URL.Query().Get("address"), int(limit))
	if err != nil {
		logger.Error("Failed to list reports: %v", err)
		writeError(w, r, http.StatusInternalServerError, "failed to list reports")
		return
	}
	render.JSON(w, r, map[string]any{"reports": reports})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.backtester.Report(chi.URLParam(r, "id"))
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			logger.Error("Failed to load report: %v", err)
		}
		writeError(w, r, status, err.Error())
		return
	}
	render.JSON(w, r, report)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{"providers": s.backtester.Providers()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, source.ErrUnknownProvider):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, backtest.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: msg})
}

func parseFloatParam(v string) (float64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseFloat(v, 64)
}

func parseIntParam(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Methods", "GET")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("%s %s %d %v [%s]", r.Method, r.URL.Path, ww.Status(), time.Since(start), middleware.GetReqID(r.Context()))
	})
}
