package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/driftsky/pdsmover/pkg/log"
	"github.com/driftsky/pdsmover/pkg/metrics"
	"github.com/driftsky/pdsmover/pkg/migrate"
	"github.com/driftsky/pdsmover/pkg/storage"
	"github.com/driftsky/pdsmover/pkg/types"
)

// Server is the HTTP front end: migration lifecycle endpoints plus health and
// metrics.
type Server struct {
	svc   *migrate.Service
	store storage.Store
	http  *http.Server
}

// NewServer builds the server around the migration service.
func NewServer(svc *migrate.Service, store storage.Store) *Server {
	return &Server{svc: svc, store: store}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/migrations", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Route("/{token}", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Post("/verify", s.handleVerify)
			r.Get("/verify", s.handleVerify) // email link lands here
			r.Post("/plc-token", s.handlePLCToken)
			r.Get("/backup", s.handleBackupDownload)
			r.Post("/cancel", s.handleCancel)
			r.Post("/retry", s.handleRetry)
		})
	})
	return r
}

// Start begins serving on addr. Blocks until shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 15 * time.Minute, // backup downloads can be large
	}
	log.WithComponent("api").Info().Str("addr", addr).Msg("http server listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req migrate.CreateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderError(w, r, types.Errorf(types.ErrValidation, "api.create", "invalid request body"))
		return
	}

	m, err := s.svc.CreateMigration(r.Context(), req)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, migrationResponse(m))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.GetStatus(chi.URLParam(r, "token"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, report)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		var body struct {
			Code string `json:"code"`
		}
		if err := render.DecodeJSON(r.Body, &body); err == nil {
			code = body.Code
		}
	}

	m, err := s.svc.VerifyEmail(chi.URLParam(r, "token"), code)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, migrationResponse(m))
}

func (s *Server) handlePLCToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		renderError(w, r, types.Errorf(types.ErrValidation, "api.plc_token", "invalid request body"))
		return
	}

	m, err := s.svc.SubmitDirectoryToken(chi.URLParam(r, "token"), body.Token)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, migrationResponse(m))
}

func (s *Server) handleBackupDownload(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMigrationByToken(chi.URLParam(r, "token"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	if m.BackupBundlePath == "" || m.BackupExpiresAt == nil || time.Now().After(*m.BackupExpiresAt) {
		renderError(w, r, types.Errorf(types.ErrValidation, "api.backup", "no backup bundle available"))
		return
	}

	f, err := os.Open(m.BackupBundlePath)
	if err != nil {
		renderError(w, r, types.Errorf(types.ErrValidation, "api.backup", "backup bundle is gone"))
		return
	}
	defer f.Close()

	modTime := time.Now()
	if m.BackupCreatedAt != nil {
		modTime = *m.BackupCreatedAt
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(m.BackupBundlePath)+`"`)
	http.ServeContent(w, r, filepath.Base(m.BackupBundlePath), modTime, f)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.Cancel(chi.URLParam(r, "token"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, migrationResponse(m))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.Retry(chi.URLParam(r, "token"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, migrationResponse(m))
}

// response is the public shape of a migration. Credentials and internal
// bookkeeping never leave the server.
type response struct {
	Token         string       `json:"token"`
	DID           string       `json:"did"`
	Status        types.Status `json:"status"`
	OldHandle     string       `json:"old_handle"`
	NewHandle     string       `json:"new_handle"`
	OldPDSHost    string       `json:"old_pds_host"`
	NewPDSHost    string       `json:"new_pds_host"`
	EmailVerified bool         `json:"email_verified"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

func migrationResponse(m *types.Migration) response {
	return response{
		Token:         m.Token,
		DID:           m.DID,
		Status:        m.Status,
		OldHandle:     m.OldHandle,
		NewHandle:     m.NewHandle,
		OldPDSHost:    m.OldPDSHost,
		NewPDSHost:    m.NewPDSHost,
		EmailVerified: m.EmailVerifiedAt != nil,
		LastError:     m.LastError,
		CreatedAt:     m.CreatedAt,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// renderError maps error kinds onto HTTP statuses.
func renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch types.KindOf(err) {
	case types.ErrValidation:
		status = http.StatusBadRequest
	case types.ErrAuthentication:
		status = http.StatusUnauthorized
	case types.ErrRateLimit:
		status = http.StatusTooManyRequests
	case types.ErrAccountExists:
		status = http.StatusConflict
	}
	if storage.IsNotFound(err) {
		status = http.StatusNotFound
	}

	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: err.Error(), Kind: string(types.KindOf(err))})
}

// requestMetrics records per-route counters and latency.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}
