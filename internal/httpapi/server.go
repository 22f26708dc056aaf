// Package httpapi exposes the sync daemon over HTTP: webhook ingestion,
// authenticated job triggers, manual per-calendar sync, and a websocket
// stream of sync results.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/famstack/calsyncd/internal/calsync"
	"github.com/famstack/calsyncd/internal/remotecal"
)

type ServerConfig struct {
	// JWTSecret signs user bearer tokens for the manual sync endpoint.
	JWTSecret string
	// JobSecret guards the /v1/jobs endpoints. Empty disables them.
	JobSecret string
}

type Server struct {
	store    calsync.Store
	engine   *calsync.Engine
	runner   *calsync.Runner
	ingestor *calsync.Ingestor
	hub      *calsync.Hub
	cfg      ServerConfig
	logger   calsync.Logger
	now      func() time.Time
}

func NewServer(store calsync.Store, engine *calsync.Engine, runner *calsync.Runner,
	ingestor *calsync.Ingestor, hub *calsync.Hub, cfg ServerConfig, logger calsync.Logger) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if logger == nil {
		logger = discardLogger{}
	}
	return &Server{
		store:    store,
		engine:   engine,
		runner:   runner,
		ingestor: ingestor,
		hub:      hub,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == calsync.WebhookPath {
		s.handleWebhook(w, r)
		return
	}
	if r.URL.Path == "/v1/stream" && r.Method == http.MethodGet {
		_ = s.hub.Subscribe(w, r)
		return
	}
	if r.URL.Path == "/v1/status" && r.Method == http.MethodGet {
		s.handleStatus(w, r)
		return
	}
	if r.URL.Path == "/dashboard" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "jobs" && r.Method == http.MethodPost:
		s.handleJob(w, r, parts[2])
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "calendars" && parts[3] == "sync" && r.Method == http.MethodPost:
		s.handleManualSync(w, r, parts[2])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

// handleWebhook accepts push notifications. Only structurally malformed
// requests get a client error; everything else is acknowledged so the push
// service does not retry, regardless of whether it verified.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		// Channel-verification handshake. The push service issues a bare
		// GET against the callback and only needs a 2xx back.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or POST")
		return
	}
	messageNumber, _ := strconv.ParseInt(r.Header.Get("X-Goog-Message-Number"), 10, 64)
	notification := calsync.Notification{
		ChannelID:     r.Header.Get("X-Goog-Channel-ID"),
		Token:         r.Header.Get("X-Goog-Channel-Token"),
		ResourceID:    r.Header.Get("X-Goog-Resource-ID"),
		ResourceState: r.Header.Get("X-Goog-Resource-State"),
		MessageNumber: messageNumber,
	}
	outcome := s.ingestor.Ingest(r.Context(), notification)
	if outcome == calsync.OutcomeMalformed {
		writeError(w, http.StatusBadRequest, "bad_request", "missing notification headers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": outcome.String()})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request, job string) {
	if authErr := verifyJobSecret(s.cfg.JobSecret, r.Header.Get("Authorization")); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}

	var (
		result any
		err    error
	)
	switch job {
	case "sync-due-calendars":
		result, err = s.runner.SyncDueCalendars(r.Context())
	case "renew-expiring-channels":
		result, err = s.runner.RenewExpiringChannels(r.Context())
	case "setup-missing-channels":
		result, err = s.runner.SetupMissingChannels(r.Context())
	case "extend-recurring-events":
		result, err = s.runner.ExtendRecurringEvents(r.Context())
	case "cleanup-expired-tokens":
		result, err = s.runner.CleanupExpiredTokens(r.Context())
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown job: "+job)
		return
	}
	if err != nil {
		s.logger.Printf("job %s: %v", job, err)
		writeError(w, http.StatusInternalServerError, "job_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleManualSync(w http.ResponseWriter, r *http.Request, rawID string) {
	claims, authErr := parseBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	linkID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || linkID <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid calendar link id")
		return
	}

	link, err := s.store.GetCalendarLink(r.Context(), linkID)
	if errors.Is(err, calsync.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "calendar link not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if link.FamilyID != claims.FamilyID {
		writeError(w, http.StatusForbidden, "forbidden", "calendar link belongs to another family")
		return
	}

	result, err := s.engine.Sync(r.Context(), linkID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, calsync.ErrSyncInFlight):
		writeError(w, http.StatusConflict, "sync_in_flight", "a sync for this calendar is already running")
	case errors.Is(err, remotecal.ErrNoToken), errors.Is(err, remotecal.ErrUnauthorized):
		writeError(w, http.StatusBadGateway, "credential_error", "remote credentials missing or rejected")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, "timeout", "sync did not finish in time")
	default:
		s.logger.Printf("manual sync link %d: %v", linkID, err)
		writeError(w, http.StatusBadGateway, "remote_error", "sync against the remote calendar failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
