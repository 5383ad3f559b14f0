// README: HTTP tests for request authorization, transitions and acceptance.
package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"presto/internal/auth"
	"presto/internal/config"
	"presto/internal/http/handlers"
	"presto/internal/http/middleware"
	"presto/internal/modules/dispatch"
	"presto/internal/modules/presence"
	"presto/internal/modules/request"
	"presto/internal/types"
)

// stubValidator maps bearer tokens to canned claims, one entry per test
// principal.
type stubValidator struct {
	claims map[string]*auth.Claims
}

func (s *stubValidator) Validate(header string) (*auth.Claims, error) {
	if c, ok := s.claims[header]; ok {
		return c, nil
	}
	return nil, errors.New("unknown token")
}

// memStore is an in-memory request.Store with CAS semantics.
type memStore struct {
	mu       sync.Mutex
	requests map[types.ID]*request.Request
}

func newMemStore() *memStore {
	return &memStore{requests: make(map[types.ID]*request.Request)}
}

func (m *memStore) Create(_ context.Context, r *request.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, id types.ID) (*request.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, request.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) ListByStatus(_ context.Context, status request.Status, _ int) ([]*request.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*request.Request
	for _, r := range m.requests {
		if r.Status == status {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) UpdateStatus(_ context.Context, id types.ID, from, to request.Status, version int, providerID *types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || r.Status != from || r.StatusVersion != version {
		return false, nil
	}
	r.Status = to
	r.StatusVersion++
	if providerID != nil {
		v := *providerID
		r.ProviderID = &v
	}
	return true, nil
}

func (m *memStore) Release(_ context.Context, id types.ID, from request.Status, version int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || r.Status != from || r.StatusVersion != version {
		return false, nil
	}
	r.Status = request.StatusPublished
	r.StatusVersion++
	r.ProviderID = nil
	return true, nil
}

func (m *memStore) FindActiveByProvider(_ context.Context, providerID types.ID) (*request.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.ProviderID != nil && *r.ProviderID == providerID &&
			(r.Status == request.StatusAssigned || r.Status == request.StatusInProgress) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, request.ErrNotFound
}

func (m *memStore) AppendEvent(_ context.Context, _ *request.Event) error { return nil }

// noopNotifier satisfies dispatch.Notifier for tests that do not inspect
// push traffic.
type noopNotifier struct{}

func (noopNotifier) NotifyOffer(_ types.ID, _ *request.Request, _ float64) {}
func (noopNotifier) NotifyTaken(_ types.ID, _ types.ID)                    {}

type fixture struct {
	router   *gin.Engine
	store    *memStore
	registry *presence.Registry
}

// tokens understood by the stub validator. The header is the full
// Authorization value.
var testClaims = map[string]*auth.Claims{
	"Bearer tenant-token":   {UserID: "tenant-1", Roles: []string{"TENANT"}},
	"Bearer owner-token":    {UserID: "owner-1", Roles: []string{"OWNER"}},
	"Bearer provider-token": {UserID: "provider-1", Roles: []string{"PROVIDER"}},
	"Bearer admin-token":    {UserID: "admin-1", Roles: []string{"ADMIN"}},
}

func buildFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := newMemStore()
	svc := request.NewService(store, nil, zerolog.Nop())
	registry := presence.NewRegistry()
	cfg := config.DispatchConfig{
		RadiusKm:           12,
		OfferTTL:           45 * time.Second,
		GraceWindow:        2 * time.Minute,
		GeohashPrecision:   5,
		PrefilterThreshold: 200,
		MaxAttempts:        10,
	}
	broker := dispatch.NewBroker(registry, svc, nil, noopNotifier{}, nil, cfg, zerolog.Nop())
	registry.Subscribe(broker)

	r := gin.New()
	api := r.Group("/api")
	api.Use(middleware.Auth(&stubValidator{claims: testClaims}))
	h := handlers.NewRequestHandler(svc, broker)
	api.POST("/requests", h.Create)
	api.GET("/requests", h.ListPublished)
	api.GET("/requests/:id", h.Get)
	api.PATCH("/requests/:id", h.ChangeStatus)
	api.POST("/requests/:id/accept", h.Accept)

	return &fixture{router: r, store: store, registry: registry}
}

func doRequest(r *gin.Engine, method, path string, body any, authHeader string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createRequest(t *testing.T, f *fixture) string {
	t.Helper()
	w := doRequest(f.router, http.MethodPost, "/api/requests", map[string]any{
		"owner_id":    "owner-1",
		"lat":         33.58,
		"lng":         -7.59,
		"category":    "plomberie",
		"description": "fuite sous l'evier",
	}, "Bearer tenant-token")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if resp.Status != string(request.StatusPublished) {
		t.Fatalf("expected PUBLISHED, got %s", resp.Status)
	}
	return resp.ID
}

func TestCreate_Unauthenticated(t *testing.T) {
	f := buildFixture(t)
	w := doRequest(f.router, http.MethodPost, "/api/requests", map[string]any{
		"category": "plomberie",
	}, "Bearer bogus")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestCreate_MissingCategory(t *testing.T) {
	f := buildFixture(t)
	w := doRequest(f.router, http.MethodPost, "/api/requests", map[string]any{
		"description": "something broke",
	}, "Bearer tenant-token")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestCreate_ThenGet(t *testing.T) {
	f := buildFixture(t)
	id := createRequest(t, f)

	w := doRequest(f.router, http.MethodGet, "/api/requests/"+id, nil, "Bearer tenant-token")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		RequesterID string `json:"requester_id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.RequesterID != "tenant-1" {
		t.Errorf("requester should come from the token, got %q", resp.RequesterID)
	}
}

func TestGet_NotFound(t *testing.T) {
	f := buildFixture(t)
	w := doRequest(f.router, http.MethodGet, "/api/requests/nope", nil, "Bearer tenant-token")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestChangeStatus_TenantCancels(t *testing.T) {
	f := buildFixture(t)
	id := createRequest(t, f)

	w := doRequest(f.router, http.MethodPatch, "/api/requests/"+id,
		map[string]any{"status": "CANCELLED"}, "Bearer tenant-token")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != string(request.StatusCancelled) {
		t.Errorf("expected CANCELLED, got %s", resp.Status)
	}
}

func TestChangeStatus_TenantCannotAssign(t *testing.T) {
	f := buildFixture(t)
	id := createRequest(t, f)

	w := doRequest(f.router, http.MethodPatch, "/api/requests/"+id,
		map[string]any{"status": "ASSIGNED"}, "Bearer tenant-token")
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestChangeStatus_OwnerAssignsNamedProvider(t *testing.T) {
	f := buildFixture(t)
	id := createRequest(t, f)

	if _, err := f.registry.Join("provider-1", presence.StatusReady); err != nil {
		t.Fatalf("join: %v", err)
	}

	w := doRequest(f.router, http.MethodPatch, "/api/requests/"+id,
		map[string]any{"status": "ASSIGNED", "provider_id": "provider-1"}, "Bearer owner-token")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Status     string `json:"status"`
		ProviderID string `json:"provider_id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != string(request.StatusAssigned) || resp.ProviderID != "provider-1" {
		t.Errorf("expected ASSIGNED to provider-1, got %+v", resp)
	}
	if p, ok := f.registry.Get("provider-1"); !ok || p.Status != presence.StatusBusy {
		t.Errorf("named provider should be BUSY after the owner assigns")
	}
}

func TestChangeStatus_OwnerAssignWithoutProviderRejected(t *testing.T) {
	f := buildFixture(t)
	id := createRequest(t, f)

	w := doRequest(f.router, http.MethodPatch, "/api/requests/"+id,
		map[string]any{"status": "ASSIGNED"}, "Bearer owner-token")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
	}

	got, err := f.store.Get(context.Background(), types.ID(id))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != request.StatusPublished || got.ProviderID != nil {
		t.Errorf("rejected assignment mutated the row: %+v", got)
	}
}

func TestChangeStatus_OwnerAssignOfflineProviderConflicts(t *testing.T) {
	f := buildFixture(t)
	id := createRequest(t, f)

	w := doRequest(f.router, http.MethodPatch, "/api/requests/"+id,
		map[string]any{"status": "ASSIGNED", "provider_id": "provider-1"}, "Bearer owner-token")
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	got, _ := f.store.Get(context.Background(), types.ID(id))
	if got.Status != request.StatusPublished {
		t.Errorf("failed assignment should leave the request PUBLISHED, got %s", got.Status)
	}
}

func TestChangeStatus_UnknownStatus(t *testing.T) {
	f := buildFixture(t)
	id := createRequest(t, f)

	w := doRequest(f.router, http.MethodPatch, "/api/requests/"+id,
		map[string]any{"status": "LIMBO"}, "Bearer tenant-token")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestChangeStatus_FrenchAliasAccepted(t *testing.T) {
	f := buildFixture(t)
	id := createRequest(t, f)

	w := doRequest(f.router, http.MethodPatch, "/api/requests/"+id,
		map[string]any{"status": "annule"}, "Bearer tenant-token")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != string(request.StatusCancelled) {
		t.Errorf("expected CANCELLED, got %s", resp.Status)
	}
}

func TestAccept_ProviderWins(t *testing.T) {
	f := buildFixture(t)
	id := createRequest(t, f)

	if _, err := f.registry.Join("provider-1", presence.StatusReady); err != nil {
		t.Fatalf("join: %v", err)
	}

	w := doRequest(f.router, http.MethodPost, "/api/requests/"+id+"/accept", nil, "Bearer provider-token")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Status     string `json:"status"`
		ProviderID string `json:"provider_id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != string(request.StatusAssigned) || resp.ProviderID != "provider-1" {
		t.Errorf("expected ASSIGNED to provider-1, got %+v", resp)
	}

	if p, ok := f.registry.Get("provider-1"); !ok || p.Status != presence.StatusBusy {
		t.Errorf("accepting provider should be BUSY")
	}
}

func TestAccept_SecondProviderConflicts(t *testing.T) {
	f := buildFixture(t)
	id := createRequest(t, f)

	if _, err := f.registry.Join("provider-1", presence.StatusReady); err != nil {
		t.Fatalf("join: %v", err)
	}
	w := doRequest(f.router, http.MethodPost, "/api/requests/"+id+"/accept", nil, "Bearer provider-token")
	if w.Code != http.StatusOK {
		t.Fatalf("first accept should win, got %d", w.Code)
	}

	w = doRequest(f.router, http.MethodPost, "/api/requests/"+id+"/accept", nil, "Bearer admin-token")
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for the late claim, got %d", w.Code)
	}
}

func TestAccept_OfflineProviderRejected(t *testing.T) {
	f := buildFixture(t)
	id := createRequest(t, f)

	// provider-1 never joined, so acceptance must roll back to PUBLISHED.
	w := doRequest(f.router, http.MethodPost, "/api/requests/"+id+"/accept", nil, "Bearer provider-token")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(f.router, http.MethodGet, "/api/requests/"+id, nil, "Bearer tenant-token")
	var resp struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != string(request.StatusPublished) {
		t.Errorf("request should stay PUBLISHED after a failed accept, got %s", resp.Status)
	}
}

func TestListPublished(t *testing.T) {
	f := buildFixture(t)
	createRequest(t, f)
	createRequest(t, f)

	w := doRequest(f.router, http.MethodGet, "/api/requests", nil, "Bearer owner-token")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp []json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(resp) != 2 {
		t.Errorf("expected 2 published requests, got %d", len(resp))
	}
}
