package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joylabs/catalogd/internal/catalogstore"
	"github.com/joylabs/catalogd/internal/catalogsync"
	"github.com/joylabs/catalogd/internal/imagecache"
	"github.com/joylabs/catalogd/internal/search"
	"github.com/joylabs/catalogd/internal/telemetry"
	"github.com/joylabs/catalogd/internal/webhook"
)

type fakeSync struct {
	mu        sync.Mutex
	run       catalogsync.Run
	running   bool
	cancelled bool
}

func (f *fakeSync) start(mode catalogsync.Mode) (catalogsync.Run, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return f.run, false
	}
	f.running = true
	f.run = catalogsync.Run{ID: "run_1", Mode: mode, State: catalogsync.StateRunning}
	return f.run, true
}

func (f *fakeSync) StartFullSync() (catalogsync.Run, bool) { return f.start(catalogsync.ModeFull) }
func (f *fakeSync) StartIncrementalSync() (catalogsync.Run, bool) {
	return f.start(catalogsync.ModeIncremental)
}

func (f *fakeSync) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return false
	}
	f.cancelled = true
	return true
}

func (f *fakeSync) CurrentState() catalogsync.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.run
}

type fakeWebhooks struct {
	mu     sync.Mutex
	events []webhook.Event
	result webhook.Result
}

func (f *fakeWebhooks) Handle(_ context.Context, ev webhook.Event) webhook.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.result
}

func (f *fakeWebhooks) QueueDepth() int    { return 3 }
func (f *fakeWebhooks) QueueCapacity() int { return 16 }

type fakeSearcher struct {
	term    string
	filters search.Filters
	page    search.PageRequest
	err     error
}

func (f *fakeSearcher) Search(_ context.Context, term string, filters search.Filters, page search.PageRequest) (search.ResultPage, error) {
	f.term, f.filters, f.page = term, filters, page
	if f.err != nil {
		return search.ResultPage{}, f.err
	}
	return search.ResultPage{
		Term:      term,
		Results:   []search.Result{{ID: "item-1", Name: "Green Tea", SKUs: []string{"TEA-1"}, Tier: 2}},
		NextToken: "next",
	}, nil
}

type fakeImages struct {
	images map[string]imagecache.Image
}

func (f *fakeImages) LoadOnDemand(_ context.Context, imageID, _ string) (imagecache.Image, error) {
	img, ok := f.images[imageID]
	if !ok {
		return imagecache.Image{}, &imagecache.FetchError{ImageID: imageID, Reason: "unexpected status 404"}
	}
	return img, nil
}

type fakeStats struct{}

func (fakeStats) Counts(context.Context) (catalogstore.Counts, error) {
	return catalogstore.Counts{Live: 10, Tombstones: 2, LiveItems: 7}, nil
}

type testDeps struct {
	sync     *fakeSync
	webhooks *fakeWebhooks
	search   *fakeSearcher
	images   *fakeImages
}

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, testDeps) {
	t.Helper()
	deps := testDeps{
		sync:     &fakeSync{run: catalogsync.Run{State: catalogsync.StateIdle}},
		webhooks: &fakeWebhooks{result: webhook.Result{Disposition: webhook.Accepted, DedupeKey: "id:evt-1", QueuedID: "q_1"}},
		search:   &fakeSearcher{},
		images: &fakeImages{images: map[string]imagecache.Image{
			"img-1": {ID: "img-1", ContentType: "image/png", Data: []byte("png!"), SizeBytes: 4, FromCache: true},
		}},
	}
	server := NewServer(Dependencies{
		Sync:     deps.sync,
		Webhooks: deps.webhooks,
		Search:   deps.search,
		Images:   deps.images,
		Stats:    fakeStats{},
	}, cfg)
	return server, deps
}

type request struct {
	method     string
	path       string
	headers    map[string]string
	body       []byte
	remoteAddr string
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	if r.remoteAddr != "" {
		req.RemoteAddr = r.remoteAddr
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	for _, path := range []string{"/nope", "/v1/unknown", "/metrics"} {
		rec := doRequest(t, server, request{method: http.MethodGet, path: path})
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestDashboardServesHTML(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "/v1/sync/status") {
		t.Fatalf("dashboard does not poll sync status")
	}
}

func TestWebhookDispositions(t *testing.T) {
	body := []byte(`{"event_id":"evt-1","event_type":"catalog.object.updated","object_id":"item-1","object_type":"ITEM","version":4}`)

	cases := []struct {
		name       string
		result     webhook.Result
		wantStatus int
	}{
		{name: "accepted", result: webhook.Result{Disposition: webhook.Accepted}, wantStatus: http.StatusAccepted},
		{name: "duplicate", result: webhook.Result{Disposition: webhook.Duplicate}, wantStatus: http.StatusOK},
		{name: "queue full", result: webhook.Result{Disposition: webhook.Rejected, Reason: webhook.ReasonQueueFull}, wantStatus: http.StatusServiceUnavailable},
		{name: "invalid", result: webhook.Result{Disposition: webhook.Rejected, Reason: "object_id is required"}, wantStatus: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server, deps := newTestServer(t, ServerConfig{})
			deps.webhooks.result = tc.result
			rec := doRequest(t, server, request{method: http.MethodPost, path: "/v1/webhooks/catalog", body: body})
			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d (%s)", tc.wantStatus, rec.Code, rec.Body.String())
			}
			if len(deps.webhooks.events) != 1 {
				t.Fatalf("expected one handled event, got %d", len(deps.webhooks.events))
			}
			ev := deps.webhooks.events[0]
			if ev.EventID != "evt-1" || ev.ObjectID != "item-1" || ev.Version.OrElse(0) != 4 {
				t.Fatalf("unexpected parsed event %+v", ev)
			}
			if tc.wantStatus == http.StatusServiceUnavailable && rec.Header().Get("Retry-After") != "1" {
				t.Fatalf("expected Retry-After on a full queue")
			}
		})
	}
}

func TestWebhookRejectsMalformedJSON(t *testing.T) {
	server, deps := newTestServer(t, ServerConfig{})
	rec := doRequest(t, server, request{method: http.MethodPost, path: "/v1/webhooks/catalog", body: []byte("{not json")})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(deps.webhooks.events) != 0 {
		t.Fatalf("malformed body reached the ingestor")
	}
}

func TestWebhookBodyLimit(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{MaxBodyBytes: 16})
	rec := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/webhooks/catalog",
		body:   []byte(`{"event_type":"catalog.version.updated","padding":"xxxxxxxxxxxxxxxx"}`),
	})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestWebhookSignature(t *testing.T) {
	const (
		key    = "sig-key"
		notify = "https://catalogd.example.test/v1/webhooks/catalog"
	)
	server, deps := newTestServer(t, ServerConfig{SignatureKey: key, NotificationURL: notify})
	body := []byte(`{"event_id":"evt-9","event_type":"catalog.version.updated"}`)

	missing := doRequest(t, server, request{method: http.MethodPost, path: "/v1/webhooks/catalog", body: body})
	if missing.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", missing.Code)
	}

	wrong := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/webhooks/catalog",
		headers: map[string]string{SignatureHeader: signWebhook("other-key", notify, body)},
		body:    body,
	})
	if wrong.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong signature, got %d", wrong.Code)
	}
	if len(deps.webhooks.events) != 0 {
		t.Fatalf("unsigned events reached the ingestor")
	}

	signed := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/webhooks/catalog",
		headers: map[string]string{SignatureHeader: signWebhook(key, notify, body)},
		body:    body,
	})
	if signed.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with valid signature, got %d (%s)", signed.Code, signed.Body.String())
	}
}

func TestWebhookSignatureDefaultsToRequestURL(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{SignatureKey: "k"})
	body := []byte(`{"event_id":"evt-2","event_type":"catalog.version.updated"}`)
	// httptest requests are addressed to example.com.
	sig := signWebhook("k", "http://example.com/v1/webhooks/catalog", body)
	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/webhooks/catalog",
		headers: map[string]string{SignatureHeader: sig},
		body:    body,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestSyncStatus(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/status"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status struct {
		Run          catalogsync.Run     `json:"run"`
		Catalog      catalogstore.Counts `json:"catalog"`
		WebhookQueue struct {
			Depth    int `json:"depth"`
			Capacity int `json:"capacity"`
		} `json:"webhookQueue"`
	}
	decodeBody(t, rec, &status)
	if status.Run.State != catalogsync.StateIdle {
		t.Fatalf("expected idle run, got %q", status.Run.State)
	}
	if status.Catalog.Live != 10 || status.Catalog.Tombstones != 2 {
		t.Fatalf("unexpected counts %+v", status.Catalog)
	}
	if status.WebhookQueue.Depth != 3 || status.WebhookQueue.Capacity != 16 {
		t.Fatalf("unexpected queue status %+v", status.WebhookQueue)
	}
}

func TestStartSyncConflict(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	first := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync/full"})
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", first.Code)
	}
	var run catalogsync.Run
	decodeBody(t, first, &run)
	if run.Mode != catalogsync.ModeFull || run.ID != "run_1" {
		t.Fatalf("unexpected run %+v", run)
	}

	second := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync/incremental"})
	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", second.Code)
	}
	var conflict struct {
		Code string          `json:"code"`
		Run  catalogsync.Run `json:"run"`
	}
	decodeBody(t, second, &conflict)
	if conflict.Code != "sync_running" || conflict.Run.Mode != catalogsync.ModeFull {
		t.Fatalf("unexpected conflict body %+v", conflict)
	}
}

func TestCancelSync(t *testing.T) {
	server, deps := newTestServer(t, ServerConfig{})
	idle := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync/cancel"})
	if idle.Code != http.StatusConflict {
		t.Fatalf("expected 409 without a running sync, got %d", idle.Code)
	}
	doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync/full"})
	rec := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync/cancel"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if !deps.sync.cancelled {
		t.Fatalf("cancel did not reach the coordinator")
	}
}

func TestAdminTokenGuardsSyncTriggers(t *testing.T) {
	server, deps := newTestServer(t, ServerConfig{AdminToken: "s3cret"})

	missing := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync/full"})
	if missing.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", missing.Code)
	}
	wrong := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/sync/full",
		headers: map[string]string{"Authorization": "Bearer nope"},
	})
	if wrong.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", wrong.Code)
	}
	if deps.sync.running {
		t.Fatalf("unauthorized request started a sync")
	}
	ok := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/sync/full",
		headers: map[string]string{"Authorization": "Bearer s3cret"},
	})
	if ok.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", ok.Code)
	}

	status := doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/status"})
	if status.Code != http.StatusOK {
		t.Fatalf("status should stay readable without a token, got %d", status.Code)
	}
}

func TestSearchParsesQuery(t *testing.T) {
	server, deps := newTestServer(t, ServerConfig{})
	rec := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/search?q=tea&sku=true&barcode=1&categoryId=cat-1&pageSize=500&pageToken=abc",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if deps.search.term != "tea" {
		t.Fatalf("unexpected term %q", deps.search.term)
	}
	want := search.Filters{BySKU: true, ByBarcode: true, CategoryID: "cat-1"}
	if deps.search.filters != want {
		t.Fatalf("unexpected filters %+v", deps.search.filters)
	}
	if deps.search.page.Size != 200 || deps.search.page.Token != "abc" {
		t.Fatalf("unexpected page request %+v", deps.search.page)
	}
	var page search.ResultPage
	decodeBody(t, rec, &page)
	if len(page.Results) != 1 || page.Results[0].Name != "Green Tea" || page.NextToken != "next" {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestSearchInvalidPageToken(t *testing.T) {
	server, deps := newTestServer(t, ServerConfig{})
	deps.search.err = search.ErrInvalidPageToken
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/search?q=tea&pageToken=zzz"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	deps.search.err = errors.New("disk on fire")
	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/search?q=tea"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestImageServedWithCacheHeader(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/images/img-1?src=https://cdn.example.test/a.png"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "image/png" || rec.Header().Get("X-Cache") != "hit" {
		t.Fatalf("unexpected headers %v", rec.Header())
	}
	if rec.Body.String() != "png!" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestImageFetchFailureIsBadGateway(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/images/missing?src=https://cdn.example.test/b.png"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["code"] != "image_unavailable" || body["correlationId"] == "" {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	rec := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/images/missing",
		headers: map[string]string{"X-Correlation-Id": "corr_42"},
	})
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["correlationId"] != "corr_42" {
		t.Fatalf("expected correlation id to be echoed, got %q", body["correlationId"])
	}
}

func TestRateLimit(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{RateLimitMax: 1, RateLimitWindow: time.Minute})
	first := doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/status"})
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}
	second := doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/status"})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") != "60" {
		t.Fatalf("unexpected Retry-After %q", second.Header().Get("Retry-After"))
	}
	other := doRequest(t, server, request{
		method:     http.MethodGet,
		path:       "/v1/sync/status",
		remoteAddr: "203.0.113.9:4000",
	})
	if other.Code != http.StatusOK {
		t.Fatalf("limit should be per client, got %d", other.Code)
	}
}

func TestRateLimitIgnoresForwardedForByDefault(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{RateLimitMax: 1, RateLimitWindow: time.Minute})
	for i, forwarded := range []string{"198.51.100.1", "198.51.100.2"} {
		rec := doRequest(t, server, request{
			method:  http.MethodGet,
			path:    "/v1/sync/status",
			headers: map[string]string{"X-Forwarded-For": forwarded},
		})
		want := http.StatusOK
		if i > 0 {
			want = http.StatusTooManyRequests
		}
		if rec.Code != want {
			t.Fatalf("request %d with X-Forwarded-For %s: expected %d, got %d", i, forwarded, want, rec.Code)
		}
	}
}

func TestRateLimitHonoursForwardedForWhenTrusted(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{RateLimitMax: 1, RateLimitWindow: time.Minute, TrustForwardedFor: true})
	for _, forwarded := range []string{"198.51.100.1", "198.51.100.2, 10.0.0.1"} {
		rec := doRequest(t, server, request{
			method:  http.MethodGet,
			path:    "/v1/sync/status",
			headers: map[string]string{"X-Forwarded-For": forwarded},
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("X-Forwarded-For %s: expected 200, got %d", forwarded, rec.Code)
		}
	}
	again := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/sync/status",
		headers: map[string]string{"X-Forwarded-For": "198.51.100.1"},
	})
	if again.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for a repeated forwarded client, got %d", again.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := telemetry.NewPrometheusMetrics(registry)
	metrics.ObserveSearch(3*time.Millisecond, 2, false)

	server := NewServer(Dependencies{Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}, ServerConfig{})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/metrics"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "catalogd_search") {
		t.Fatalf("search metrics missing from exposition")
	}
}

func TestUnconfiguredDependencies(t *testing.T) {
	server := NewServer(Dependencies{}, ServerConfig{})
	for _, r := range []request{
		{method: http.MethodPost, path: "/v1/webhooks/catalog", body: []byte(`{}`)},
		{method: http.MethodGet, path: "/v1/sync/status"},
		{method: http.MethodGet, path: "/v1/search?q=x"},
		{method: http.MethodGet, path: "/v1/images/img-1"},
	} {
		rec := doRequest(t, server, r)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s %s: expected 503, got %d", r.method, r.path, rec.Code)
		}
	}
}
