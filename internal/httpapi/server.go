package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joylabs/catalogd/internal/catalogstore"
	"github.com/joylabs/catalogd/internal/catalogsync"
	"github.com/joylabs/catalogd/internal/imagecache"
	"github.com/joylabs/catalogd/internal/search"
	"github.com/joylabs/catalogd/internal/webhook"
)

// SyncController is the coordinator surface. *catalogsync.Coordinator
// implements it.
type SyncController interface {
	StartFullSync() (catalogsync.Run, bool)
	StartIncrementalSync() (catalogsync.Run, bool)
	Cancel() bool
	CurrentState() catalogsync.Run
}

// WebhookHandler is the ingestor surface. *webhook.Ingestor implements it.
type WebhookHandler interface {
	Handle(ctx context.Context, ev webhook.Event) webhook.Result
	QueueDepth() int
	QueueCapacity() int
}

type Searcher interface {
	Search(ctx context.Context, term string, f search.Filters, p search.PageRequest) (search.ResultPage, error)
}

type ImageLoader interface {
	LoadOnDemand(ctx context.Context, imageID, sourceURL string) (imagecache.Image, error)
}

type CatalogStats interface {
	Counts(ctx context.Context) (catalogstore.Counts, error)
}

type Dependencies struct {
	Sync     SyncController
	Webhooks WebhookHandler
	Search   Searcher
	Images   ImageLoader
	Stats    CatalogStats
	Metrics  http.Handler
}

type ServerConfig struct {
	// SignatureKey verifies webhook callbacks; empty disables verification.
	SignatureKey    string
	NotificationURL string
	// AdminToken guards sync triggers; empty leaves them open.
	AdminToken      string
	RateLimitMax    int
	RateLimitWindow time.Duration
	// TrustForwardedFor keys rate limiting on X-Forwarded-For; enable only
	// behind a proxy that overwrites the header.
	TrustForwardedFor bool
	MaxBodyBytes      int64
	Logger            *zap.Logger
}

type Server struct {
	deps        Dependencies
	cfg         ServerConfig
	logger      *zap.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Dependencies, cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	if cfg.SignatureKey == "" {
		cfg.Logger.Warn("webhook signature verification disabled")
	}
	return &Server{deps: deps, cfg: cfg, logger: cfg.Logger, rateLimiter: limiter}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		s.handleDashboard(w, r)
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.deps.Metrics != nil:
		s.deps.Metrics.ServeHTTP(w, r)
		return
	case r.URL.Path == "/v1/webhooks/catalog" && r.Method == http.MethodPost:
		s.handleWebhook(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID(r))
		return
	}

	var (
		route string
		admin bool
	)
	switch {
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "status" && r.Method == http.MethodGet:
		route = "sync_status"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "full" && r.Method == http.MethodPost:
		route, admin = "sync_full", true
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "incremental" && r.Method == http.MethodPost:
		route, admin = "sync_incremental", true
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "cancel" && r.Method == http.MethodPost:
		route, admin = "sync_cancel", true
	case len(parts) == 2 && parts[1] == "search" && r.Method == http.MethodGet:
		route = "search"
	case len(parts) == 3 && parts[1] == "images" && parts[2] != "" && r.Method == http.MethodGet:
		route = "image"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID(r))
		return
	}

	corrID := correlationID(r)
	if admin {
		if authErr := authorizeAdmin(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, corrID)
			return
		}
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r, s.cfg.TrustForwardedFor), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", corrID)
		return
	}

	switch route {
	case "sync_status":
		s.handleSyncStatus(w, r, corrID)
	case "sync_full":
		s.handleStartSync(w, catalogsync.ModeFull, corrID)
	case "sync_incremental":
		s.handleStartSync(w, catalogsync.ModeIncremental, corrID)
	case "sync_cancel":
		s.handleCancelSync(w, corrID)
	case "search":
		s.handleSearch(w, r, corrID)
	case "image":
		s.handleImage(w, r, parts[2], corrID)
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	corrID := correlationID(r)
	if s.deps.Webhooks == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "webhook ingestion not configured", corrID)
		return
	}
	body, ok := s.readRequestBody(w, r, corrID)
	if !ok {
		return
	}
	if s.cfg.SignatureKey != "" {
		if authErr := verifyWebhookSignature(s.cfg.SignatureKey, s.notificationURL(r), r.Header.Get(SignatureHeader), body); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, corrID)
			return
		}
	}
	ev, err := webhook.ParseEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", corrID)
		return
	}
	result := s.deps.Webhooks.Handle(r.Context(), ev)
	switch result.Disposition {
	case webhook.Accepted:
		writeJSON(w, http.StatusAccepted, result)
	case webhook.Duplicate:
		writeJSON(w, http.StatusOK, result)
	default:
		if result.Reason == webhook.ReasonQueueFull {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "queue_full", result.Reason, corrID)
			return
		}
		writeError(w, http.StatusBadRequest, "rejected", result.Reason, corrID)
	}
}

// notificationURL is the URL the provider signed: the configured one, or the
// URL this request was received on.
func (s *Server) notificationURL(r *http.Request) string {
	if s.cfg.NotificationURL != "" {
		return s.cfg.NotificationURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

type syncStatusResponse struct {
	Run          catalogsync.Run      `json:"run"`
	Catalog      *catalogstore.Counts `json:"catalog,omitempty"`
	WebhookQueue *queueStatus         `json:"webhookQueue,omitempty"`
}

type queueStatus struct {
	Depth    int `json:"depth"`
	Capacity int `json:"capacity"`
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request, corrID string) {
	if s.deps.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sync not configured", corrID)
		return
	}
	resp := syncStatusResponse{Run: s.deps.Sync.CurrentState()}
	if s.deps.Stats != nil {
		counts, err := s.deps.Stats.Counts(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), corrID)
			return
		}
		resp.Catalog = &counts
	}
	if s.deps.Webhooks != nil {
		resp.WebhookQueue = &queueStatus{Depth: s.deps.Webhooks.QueueDepth(), Capacity: s.deps.Webhooks.QueueCapacity()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStartSync(w http.ResponseWriter, mode catalogsync.Mode, corrID string) {
	if s.deps.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sync not configured", corrID)
		return
	}
	var (
		run     catalogsync.Run
		started bool
	)
	if mode == catalogsync.ModeFull {
		run, started = s.deps.Sync.StartFullSync()
	} else {
		run, started = s.deps.Sync.StartIncrementalSync()
	}
	if !started {
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":          "sync_running",
			"message":       "a sync is already running",
			"correlationId": corrID,
			"run":           run,
		})
		return
	}
	s.logger.Info("sync started over http", zap.String("runId", run.ID), zap.String("mode", string(mode)), zap.String("correlationId", corrID))
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleCancelSync(w http.ResponseWriter, corrID string) {
	if s.deps.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sync not configured", corrID)
		return
	}
	if !s.deps.Sync.Cancel() {
		writeError(w, http.StatusConflict, "not_running", "no sync is running", corrID)
		return
	}
	writeJSON(w, http.StatusAccepted, s.deps.Sync.CurrentState())
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, corrID string) {
	if s.deps.Search == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "search not configured", corrID)
		return
	}
	q := r.URL.Query()
	filters := search.Filters{
		ByName:     parseBool(q.Get("name"), false),
		BySKU:      parseBool(q.Get("sku"), false),
		ByBarcode:  parseBool(q.Get("barcode"), false),
		ByCategory: parseBool(q.Get("category"), false),
		CategoryID: q.Get("categoryId"),
	}
	page := search.PageRequest{
		Token: q.Get("pageToken"),
		Size:  parseBoundedInt(q.Get("pageSize"), 0, 1, 200),
	}
	result, err := s.deps.Search.Search(r.Context(), q.Get("q"), filters, page)
	if err != nil {
		if errors.Is(err, search.ErrInvalidPageToken) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), corrID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), corrID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request, imageID, corrID string) {
	if s.deps.Images == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "image cache not configured", corrID)
		return
	}
	img, err := s.deps.Images.LoadOnDemand(r.Context(), imageID, r.URL.Query().Get("src"))
	if err != nil {
		var fetchErr *imagecache.FetchError
		if errors.As(err, &fetchErr) {
			writeError(w, http.StatusBadGateway, "image_unavailable", fetchErr.Error(), corrID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), corrID)
		return
	}
	contentType := img.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(img.Data)
	}
	cache := "miss"
	if img.FromCache {
		cache = "hit"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(img.SizeBytes, 10))
	w.Header().Set("X-Cache", cache)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img.Data)
}

func correlationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "corr_" + uuid.NewString()
}

func clientKey(r *http.Request, trustForwarded bool) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); trustForwarded && forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, corrID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", corrID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", corrID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, corrID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": corrID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}
