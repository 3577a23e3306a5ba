package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/voyagen/epgvault/api"
	"github.com/voyagen/epgvault/internal/cache"
	"github.com/voyagen/epgvault/internal/metrics"
	"github.com/voyagen/epgvault/internal/models"
	"github.com/voyagen/epgvault/internal/service"
	"github.com/voyagen/epgvault/internal/store"
	"github.com/voyagen/epgvault/internal/xmltv"
)

// Server holds dependencies for the HTTP API.
type Server struct {
	store     store.Store
	listing   *service.Listing
	refresher service.ScopeRefresher
	rds       *cache.Redis // nil when REDIS_URL is not set
	port      string
	log       *logrus.Entry
	mux       *http.ServeMux
	handler   http.Handler
	now       func() time.Time
}

// New creates a Server and registers routes. rds may be nil, in which case
// refresh requests run synchronously.
func New(s store.Store, refresher service.ScopeRefresher, rds *cache.Redis, port string, log *logrus.Entry) *Server {
	srv := &Server{
		store:     s,
		listing:   service.NewListing(s),
		refresher: refresher,
		rds:       rds,
		port:      port,
		log:       log.WithField("component", "http"),
		mux:       http.NewServeMux(),
		now:       time.Now,
	}
	srv.routes()
	srv.handler = srv.withLogging(metrics.Middleware(srv.mux))
	return srv
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())

	const scope = "/api/accounts/{account}/servers/{server}"
	s.mux.HandleFunc("GET "+scope+"/channels", s.handleListChannels)
	s.mux.HandleFunc("GET "+scope+"/channels/{channel}", s.handleGetChannel)
	s.mux.HandleFunc("GET "+scope+"/channels/{channel}/programmes", s.handleListProgrammes)
	s.mux.HandleFunc("GET "+scope+"/channels/{channel}/now", s.handleNowNext)
	s.mux.HandleFunc("GET "+scope+"/guide.xml", s.handleGuide)
	s.mux.HandleFunc("GET "+scope+"/stats", s.handleStats)
	s.mux.HandleFunc("POST "+scope+"/refresh", s.handleRefresh)
	s.mux.HandleFunc("DELETE "+scope+"/epg", s.handleDeleteEPG)

	// Docs
	s.mux.HandleFunc("GET /api/docs", handleSwaggerUI)
	s.mux.HandleFunc("GET /api/docs/openapi.yaml", handleOpenAPISpec)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on the configured port.
// It blocks until the server is shut down or ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := ":" + s.port
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.WithError(err).Warn("server shutdown")
		}
	}()

	s.log.WithField("addr", addr).Info("listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ListenAndServe: %w", err)
	}
	return nil
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if s.rds != nil {
		if err := s.rds.Ping(r.Context()); err != nil {
			status["redis"] = err.Error()
		} else {
			status["redis"] = "ok"
		}
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	scope, err := parseScope(r)
	if err != nil {
		s.writeErr(w, r, http.StatusBadRequest, err)
		return
	}
	chans, err := s.listing.Channels(r.Context(), scope)
	if err != nil {
		s.writeErr(w, r, http.StatusInternalServerError, err)
		return
	}
	if chans == nil {
		chans = []models.Channel{}
	}
	s.writeJSON(w, http.StatusOK, chans)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	scope, err := parseScope(r)
	if err != nil {
		s.writeErr(w, r, http.StatusBadRequest, err)
		return
	}
	id := r.PathValue("channel")
	ch, err := s.listing.Channel(r.Context(), scope, id)
	if err != nil {
		s.writeLookupErr(w, r, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleListProgrammes(w http.ResponseWriter, r *http.Request) {
	scope, err := parseScope(r)
	if err != nil {
		s.writeErr(w, r, http.StatusBadRequest, err)
		return
	}
	q := r.URL.Query()
	start, end := q.Get("start"), q.Get("end")
	for _, v := range []string{start, end} {
		if v == "" {
			continue
		}
		if _, err := xmltv.ParseTime(v); err != nil {
			s.writeErr(w, r, http.StatusBadRequest, fmt.Errorf("invalid time %q: %w", v, err))
			return
		}
	}

	id := r.PathValue("channel")
	progs, err := s.listing.ProgrammesForChannel(r.Context(), scope, id, start, end)
	if err != nil {
		s.writeLookupErr(w, r, id, err)
		return
	}
	if progs == nil {
		progs = []models.Programme{}
	}
	s.writeJSON(w, http.StatusOK, progs)
}

func (s *Server) handleNowNext(w http.ResponseWriter, r *http.Request) {
	scope, err := parseScope(r)
	if err != nil {
		s.writeErr(w, r, http.StatusBadRequest, err)
		return
	}
	at := r.URL.Query().Get("at")
	if at == "" {
		at = xmltv.FormatTime(s.now().UTC())
	} else if _, err := xmltv.ParseTime(at); err != nil {
		s.writeErr(w, r, http.StatusBadRequest, fmt.Errorf("invalid time %q: %w", at, err))
		return
	}

	id := r.PathValue("channel")
	nn, err := s.listing.CurrentAndNext(r.Context(), scope, id, at)
	if err != nil {
		s.writeLookupErr(w, r, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"at":      at,
		"current": nn.Current,
		"next":    nn.Next,
	})
}

// handleGuide exports the scope's stored EPG as an XMLTV document.
func (s *Server) handleGuide(w http.ResponseWriter, r *http.Request) {
	scope, err := parseScope(r)
	if err != nil {
		s.writeErr(w, r, http.StatusBadRequest, err)
		return
	}
	ctx := r.Context()
	chans, err := s.store.ListChannels(ctx, scope)
	if err != nil {
		s.writeErr(w, r, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	xw := xmltv.NewWriter(w)
	for i := range chans {
		if err := xw.WriteChannel(&chans[i]); err != nil {
			s.requestLog(r).WithError(err).Warn("guide export aborted")
			return
		}
	}
	for _, ch := range chans {
		progs, err := s.store.ListProgrammes(ctx, ch.ID, "", "")
		if err != nil {
			// Headers are already sent; the truncated document is not well-formed.
			s.requestLog(r).WithError(err).Error("guide export aborted")
			return
		}
		for i := range progs {
			progs[i].Channel = ch.XMLTVID
			if err := xw.WriteProgramme(&progs[i]); err != nil {
				s.requestLog(r).WithError(err).Warn("guide export aborted")
				return
			}
		}
	}
	if err := xw.Close(); err != nil {
		s.requestLog(r).WithError(err).Warn("guide export aborted")
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	scope, err := parseScope(r)
	if err != nil {
		s.writeErr(w, r, http.StatusBadRequest, err)
		return
	}
	st, err := s.store.CountScope(r.Context(), scope)
	if err != nil {
		s.writeErr(w, r, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"account_id": scope.AccountID,
		"server_id":  scope.ServerID,
		"channels":   st.Channels,
		"programmes": st.Programmes,
	})
}

// handleRefresh queues a refresh of the scope when Redis is available and
// otherwise runs it within the request.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	scope, err := parseScope(r)
	if err != nil {
		s.writeErr(w, r, http.StatusBadRequest, err)
		return
	}
	srv, err := s.store.GetServer(r.Context(), scope.AccountID, scope.ServerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeErr(w, r, http.StatusNotFound, fmt.Errorf("server %s not found", scope))
			return
		}
		s.writeErr(w, r, http.StatusInternalServerError, err)
		return
	}
	if srv.EPGURL == "" {
		s.writeErr(w, r, http.StatusConflict, fmt.Errorf("server %s has no EPG url", scope))
		return
	}

	if s.rds != nil {
		job := cache.RefreshJob{
			AccountID:   scope.AccountID,
			ServerID:    scope.ServerID,
			RequestID:   requestID(r.Context()),
			RequestedAt: s.now().UTC(),
		}
		if err := cache.Enqueue(r.Context(), s.rds, cache.RefreshQueue, job); err != nil {
			s.writeErr(w, r, http.StatusInternalServerError, fmt.Errorf("enqueue refresh: %w", err))
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]any{
			"account_id": scope.AccountID,
			"server_id":  scope.ServerID,
			"queued":     true,
		})
		return
	}

	res, err := s.refresher.Refresh(r.Context(), scope, srv.EPGURL)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, res)
	case errors.Is(err, cache.ErrLocked):
		s.writeErr(w, r, http.StatusConflict, fmt.Errorf("refresh of %s already running", scope))
	case errors.Is(err, service.ErrFetch), errors.Is(err, service.ErrParse):
		s.writeErr(w, r, http.StatusBadGateway, err)
	default:
		s.writeErr(w, r, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleDeleteEPG(w http.ResponseWriter, r *http.Request) {
	scope, err := parseScope(r)
	if err != nil {
		s.writeErr(w, r, http.StatusBadRequest, err)
		return
	}
	st, err := s.store.DeleteScope(r.Context(), scope)
	if err != nil {
		s.writeErr(w, r, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"deleted_channels":   st.Channels,
		"deleted_programmes": st.Programmes,
	})
}

// --- middleware ---

type ctxKey int

const requestIDKey ctxKey = iota

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withLogging assigns each request an id (reusing X-Request-ID if the
// client sent one) and logs method, path, status and duration.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey, id))
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		entry := s.requestLog(r).WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   sw.status,
			"duration": time.Since(start).String(),
		})
		if r.URL.RawQuery != "" {
			entry = entry.WithField("query", r.URL.RawQuery)
		}
		entry.Info("request")
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *Server) requestLog(r *http.Request) *logrus.Entry {
	return s.log.WithField("request_id", requestID(r.Context()))
}

// --- helpers ---

// APIError is the standard error envelope for all error responses.
type APIError struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// parseScope reads the account and server path parameters.
func parseScope(r *http.Request) (models.Scope, error) {
	v := r.PathValue("server")
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return models.Scope{}, fmt.Errorf("invalid server: %s", v)
	}
	return models.Scope{AccountID: r.PathValue("account"), ServerID: id}, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("writeJSON")
	}
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= 500 {
		s.requestLog(r).WithError(err).WithField("status", status).Error("request failed")
	}
	s.writeJSON(w, status, APIError{
		Status: status,
		Error:  http.StatusText(status),
		Detail: err.Error(),
	})
}

// writeLookupErr maps a missing channel to 404.
func (s *Server) writeLookupErr(w http.ResponseWriter, r *http.Request, channel string, err error) {
	if errors.Is(err, service.ErrNotFound) {
		s.writeErr(w, r, http.StatusNotFound, fmt.Errorf("channel %q not found", channel))
		return
	}
	s.writeErr(w, r, http.StatusInternalServerError, err)
}

// --- docs handlers ---

func handleOpenAPISpec(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(api.OpenAPISpec)
}

func handleSwaggerUI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, swaggerUIHTML)
}

const swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>EPGVault API Docs</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
  <style>html{box-sizing:border-box;overflow-y:scroll}*,*:before,*:after{box-sizing:inherit}body{margin:0;background:#fafafa}</style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: "/api/docs/openapi.yaml",
      dom_id: "#swagger-ui",
      presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
      layout: "BaseLayout",
    });
  </script>
</body>
</html>`
