package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"barmate/backend/internal/analytics"
	"barmate/backend/internal/cache"
	"barmate/backend/internal/domain"
	"barmate/backend/internal/service"
	"barmate/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	t.Setenv("SEED_OWNER_PASSWORD", "owner123")
	t.Setenv("SEED_STAFF_PASSWORD", "staff123")

	repo := memory.NewSeeded()
	engine := analytics.NewEngine(repo, cache.NoopSummaryCache{}, 0)
	svc := service.New(repo, engine, 0)
	auth := NewAuthManager("test-secret-key-which-is-long-enough", time.Hour, repo)

	return New(svc, auth, "*")
}

// loginAs goes through the AuthManager directly so handler tests don't burn
// the login rate limit on setup.
func loginAs(t *testing.T, api *API, username string, password string) string {
	t.Helper()
	resp, err := api.auth.Login(domain.LoginRequest{Username: username, Password: password})
	if err != nil {
		t.Fatalf("login as %s failed: %v", username, err)
	}
	return resp.AccessToken
}

func doJSON(t *testing.T, api *API, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method != http.MethodGet {
		req.Header.Set("X-CSRF-Token", api.generateCSRFToken())
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
		Username: "owner", Password: "owner123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AccessToken == "" || resp.Role != domain.RoleOwner {
		t.Fatalf("unexpected login response: %+v", resp)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
		Username: "owner", Password: "not-the-password",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestInventoryRequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodGet, "/api/v1/inventory", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestStaffCannotMutateInventory(t *testing.T) {
	api := newTestAPI(t)
	staffToken := loginAs(t, api, "staff", "staff123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/inventory", staffToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("staff should read inventory, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/inventory", staffToken, domain.InventoryItemCreateRequest{
		Name: "Contraband", Category: domain.CategoryRum, BottleSizeMl: 750, SellPricePaise: 1000,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff create, got %d", rec.Code)
	}
}

func TestSaleVoidStatusCodes(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "staff", "staff123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, domain.SaleCreateRequest{
		ItemID: "itm-old-monk", SizeID: "szv-old-monk-60", Quantity: 2,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Sale domain.Sale `json:"sale"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	voidPath := fmt.Sprintf("/api/v1/sales/%s/void", created.Sale.ID)
	rec = doJSON(t, api, http.MethodPost, voidPath, token, domain.SaleVoidRequest{Reason: "spilled"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on first void, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodPost, voidPath, token, domain.SaleVoidRequest{Reason: "again"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double void, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales/sale-missing/void", token, domain.SaleVoidRequest{Reason: "x"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown sale, got %d", rec.Code)
	}
}

func TestOutOfStockMapsTo409(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "staff", "staff123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, domain.SaleCreateRequest{
		ItemID: "itm-old-monk", SizeID: "szv-old-monk-60", Quantity: 500,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for out of stock, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRegisterLockFlow(t *testing.T) {
	api := newTestAPI(t)
	owner := loginAs(t, api, "owner", "owner123")
	staff := loginAs(t, api, "staff", "staff123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/register/lock", staff, dayLockRequest{Date: "2026-08-20"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("staff must not lock days, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/register/lock", owner, dayLockRequest{Date: "2026-08-20"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var lock domain.DayLockResponse
	rec = doJSON(t, api, http.MethodPost, "/api/v1/register/lock", owner, dayLockRequest{Date: "2026-08-20"})
	if err := json.NewDecoder(rec.Body).Decode(&lock); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !lock.AlreadyLocked {
		t.Fatalf("second lock should report already_locked")
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/register", staff, domain.RegisterSaveRequest{
		Date: "2026-08-20",
		Rows: []domain.RegisterSaveRow{{ItemID: "itm-tuborg", Opening: 12, Closing: 11}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 saving into a locked day, got %d", rec.Code)
	}
}

func TestClosureEndpointIsIdempotentByRejection(t *testing.T) {
	api := newTestAPI(t)
	owner := loginAs(t, api, "owner", "owner123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/closures", owner, domain.MonthCloseRequest{})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 on first closure, got %d: %s", rec.Code, rec.Body.String())
	}
	var first domain.MonthCloseResponse
	if err := json.NewDecoder(rec.Body).Decode(&first); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/closures", owner, domain.MonthCloseRequest{})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat closure, got %d", rec.Code)
	}
	var second domain.MonthCloseResponse
	if err := json.NewDecoder(rec.Body).Decode(&second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !second.AlreadyClosed || second.Closure.MonthKey != first.Closure.MonthKey {
		t.Fatalf("repeat closure should return the existing record: %+v", second)
	}
}

func TestAuditEventsPagination(t *testing.T) {
	api := newTestAPI(t)
	owner := loginAs(t, api, "owner", "owner123")

	for i := 0; i < 3; i++ {
		rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", owner, domain.SaleCreateRequest{
			ItemID: "itm-old-monk", SizeID: "szv-old-monk-60", Quantity: 1,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("sale %d failed: %d", i, rec.Code)
		}
	}

	rec := doJSON(t, api, http.MethodGet, "/api/v1/audit-events?limit=2", owner, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page1 domain.AuditPage
	if err := json.NewDecoder(rec.Body).Decode(&page1); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page1.Events) != 2 || page1.NextCursor == "" {
		t.Fatalf("expected a full page with a cursor, got %d events cursor=%q", len(page1.Events), page1.NextCursor)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/audit-events?limit=2&cursor="+page1.NextCursor, owner, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for page 2, got %d", rec.Code)
	}
	var page2 domain.AuditPage
	if err := json.NewDecoder(rec.Body).Decode(&page2); err != nil {
		t.Fatalf("decode: %v", err)
	}
	seen := map[string]bool{}
	for _, event := range page1.Events {
		seen[event.ID] = true
	}
	for _, event := range page2.Events {
		if seen[event.ID] {
			t.Fatalf("event %s repeated across pages", event.ID)
		}
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/audit-events?cursor=not-base64!!", owner, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed cursor, got %d", rec.Code)
	}
}

func TestAuditCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 8, 30, 21, 15, 0, 123456789, time.UTC)
	cursor := encodeAuditCursor(at, "evt-abc123")

	gotAt, gotID, err := decodeAuditCursor(cursor)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !gotAt.Equal(at) || gotID != "evt-abc123" {
		t.Fatalf("round trip mismatch: %v %s", gotAt, gotID)
	}

	if _, _, err := decodeAuditCursor("###"); err == nil {
		t.Fatalf("expected error for malformed cursor")
	}
	if at, id, err := decodeAuditCursor(""); err != nil || at != nil || id != "" {
		t.Fatalf("empty cursor should decode to nil")
	}
}
