// ABOUTME: HTTP surface for OAuth connect flows, manual syncs, file imports and disconnects
// ABOUTME: chi router with request logging, Prometheus metrics and health checks
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/harperreed/relsync/connectors"
	"github.com/harperreed/relsync/db"
	"github.com/harperreed/relsync/metrics"
	"github.com/harperreed/relsync/models"
	"github.com/harperreed/relsync/orchestrator"
	"github.com/harperreed/relsync/vault"
)

const (
	maxUploadBytes = 20 << 20
	stateTTL       = 15 * time.Minute
)

type Store interface {
	HealthCheck(ctx context.Context) error
	UpsertIntegration(ctx context.Context, in *models.Integration) error
	ListIntegrations(ctx context.Context, workspaceID uuid.UUID) ([]models.Integration, error)
	DeleteIntegration(ctx context.Context, id, workspaceID uuid.UUID) error
	ListSyncLogs(ctx context.Context, integrationID uuid.UUID, limit int) ([]models.SyncLog, error)
	GetWorkspace(ctx context.Context, id uuid.UUID) (*models.Workspace, error)
}

var _ Store = (*db.Store)(nil)

type Runner interface {
	Run(ctx context.Context, integrationID, workspaceID uuid.UUID) (*orchestrator.RunResult, error)
	Import(ctx context.Context, workspaceID uuid.UUID, filename string, content []byte) (*orchestrator.RunResult, error)
}

type Options struct {
	Store    Store
	Runner   Runner
	Registry *connectors.Registry
	Vault    *vault.Vault

	// RedirectBaseURL is the externally visible origin used to build OAuth
	// callback URLs.
	RedirectBaseURL string
	Now             func() time.Time
}

type Server struct {
	store        Store
	runner       Runner
	registry     *connectors.Registry
	vault        *vault.Vault
	redirectBase string
	now          func() time.Time
}

func NewServer(opts Options) *Server {
	s := &Server{
		store:        opts.Store,
		runner:       opts.Runner,
		registry:     opts.Registry,
		vault:        opts.Vault,
		redirectBase: strings.TrimRight(opts.RedirectBaseURL, "/"),
		now:          opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/oauth/{provider}", func(r chi.Router) {
		r.Get("/start", s.handleOAuthStart)
		r.Get("/callback", s.handleOAuthCallback)
	})

	r.Route("/workspaces/{workspaceID}", func(r chi.Router) {
		r.Get("/integrations", s.handleListIntegrations)
		r.Post("/integrations/{integrationID}/sync", s.handleSync)
		r.Get("/integrations/{integrationID}/logs", s.handleSyncLogs)
		r.Delete("/integrations/{integrationID}", s.handleDisconnect)
		r.Post("/imports", s.handleImport)
	})

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("starting http server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		http.Error(w, "unready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	conn, ok := s.oauthConnector(provider)
	if !ok {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("%w: %s", connectors.ErrUnknownProvider, provider))
		return
	}

	workspaceID, err := uuid.Parse(r.URL.Query().Get("workspace_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errors.New("workspace_id must be a UUID"))
		return
	}
	ws, err := s.store.GetWorkspace(r.Context(), workspaceID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if ws == nil {
		writeError(w, r, http.StatusNotFound, errors.New("workspace not found"))
		return
	}

	state, err := s.encodeState(oauthState{WorkspaceID: workspaceID, Provider: provider, IssuedAt: s.now().Unix()})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	http.Redirect(w, r, conn.AuthURL(s.callbackURL(provider), state), http.StatusFound)
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	conn, ok := s.oauthConnector(provider)
	if !ok {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("%w: %s", connectors.ErrUnknownProvider, provider))
		return
	}

	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("authorization denied: %s", e))
		return
	}

	state, err := s.decodeState(q.Get("state"))
	if err != nil || state.Provider != provider {
		writeError(w, r, http.StatusBadRequest, errors.New("invalid or expired state"))
		return
	}

	code := q.Get("code")
	if code == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("missing code"))
		return
	}

	grant, err := conn.HandleCallback(r.Context(), code, s.callbackURL(provider))
	if err != nil {
		writeError(w, r, http.StatusBadGateway, err)
		return
	}

	access, err := s.vault.EncryptOptional(grant.AccessToken)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	refresh, err := s.vault.EncryptOptional(grant.RefreshToken)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	in := &models.Integration{
		WorkspaceID:    state.WorkspaceID,
		Provider:       provider,
		AccessToken:    access,
		RefreshToken:   refresh,
		TokenExpiresAt: grant.ExpiresAt,
		AccountEmail:   grant.AccountEmail,
		AccountName:    grant.AccountName,
	}
	if err := s.store.UpsertIntegration(r.Context(), in); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	log.Info().
		Str("integration_id", in.ID.String()).
		Str("workspace_id", in.WorkspaceID.String()).
		Str("provider", provider).
		Msg("integration connected")

	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := parseUUIDParam(w, r, "workspaceID")
	if !ok {
		return
	}

	integrations, err := s.store.ListIntegrations(r.Context(), workspaceID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if integrations == nil {
		integrations = []models.Integration{}
	}
	writeJSON(w, http.StatusOK, integrations)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := parseUUIDParam(w, r, "workspaceID")
	if !ok {
		return
	}
	integrationID, ok := parseUUIDParam(w, r, "integrationID")
	if !ok {
		return
	}

	result, err := s.runner.Run(r.Context(), integrationID, workspaceID)
	if err != nil {
		writeError(w, r, statusForRunError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSyncLogs(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := parseUUIDParam(w, r, "workspaceID")
	if !ok {
		return
	}
	integrationID, ok := parseUUIDParam(w, r, "integrationID")
	if !ok {
		return
	}

	// Scope the lookup to the workspace before exposing logs.
	integrations, err := s.store.ListIntegrations(r.Context(), workspaceID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	found := false
	for _, in := range integrations {
		if in.ID == integrationID {
			found = true
			break
		}
	}
	if !found {
		writeError(w, r, http.StatusNotFound, db.ErrIntegrationNotFound)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := s.store.ListSyncLogs(r.Context(), integrationID, limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if logs == nil {
		logs = []models.SyncLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := parseUUIDParam(w, r, "workspaceID")
	if !ok {
		return
	}
	integrationID, ok := parseUUIDParam(w, r, "integrationID")
	if !ok {
		return
	}

	if err := s.store.DeleteIntegration(r.Context(), integrationID, workspaceID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, db.ErrIntegrationNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, r, status, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := parseUUIDParam(w, r, "workspaceID")
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("missing multipart file: %w", err))
		return
	}
	defer func() { _ = file.Close() }()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	result, err := s.runner.Import(r.Context(), workspaceID, header.Filename, content)
	if err != nil {
		writeError(w, r, statusForRunError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) oauthConnector(provider string) (connectors.OAuthConnector, bool) {
	conn, ok := s.registry.Get(provider)
	if !ok {
		return nil, false
	}
	oc, ok := conn.(connectors.OAuthConnector)
	return oc, ok
}

func (s *Server) callbackURL(provider string) string {
	return s.redirectBase + "/oauth/" + provider + "/callback"
}

// oauthState travels through the provider round trip sealed by the vault.
type oauthState struct {
	WorkspaceID uuid.UUID `json:"w"`
	Provider    string    `json:"p"`
	IssuedAt    int64     `json:"t"`
	Nonce       string    `json:"n"`
}

func (s *Server) encodeState(st oauthState) (string, error) {
	st.Nonce = uuid.NewString()
	b, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	return s.vault.Encrypt(string(b))
}

func (s *Server) decodeState(raw string) (*oauthState, error) {
	plaintext, err := s.vault.Decrypt(raw)
	if err != nil {
		return nil, err
	}
	var st oauthState
	if err := json.Unmarshal([]byte(plaintext), &st); err != nil {
		return nil, err
	}
	if s.now().Sub(time.Unix(st.IssuedAt, 0)) > stateTTL {
		return nil, errors.New("state expired")
	}
	return &st, nil
}

func statusForRunError(err error) int {
	switch {
	case errors.Is(err, db.ErrIntegrationNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, connectors.ErrUnknownProvider):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("%s must be a UUID", name))
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	event := log.Warn()
	if status >= http.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Int("status", status).
		Msg("request failed")

	writeJSON(w, status, map[string]string{"error": err.Error()})
}
