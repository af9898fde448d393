package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"datapass.org/internal/auth"
	"datapass.org/internal/grant"
	"datapass.org/internal/stream"
	"datapass.org/internal/wallet"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("DATAPASS_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	wallets := wallet.NewInMemory()
	grants := grant.NewInMemory(wallets, "directory-1")
	api := New(ReadyProbe{}, "test", grants,
		WithWallets(wallets),
		WithEvents(stream.New()),
		WithRateLimit(100, 100))

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) bearer(subject string, roles ...string) map[string]string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"subject": subject,
		"roles":   roles,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return map[string]string{"Authorization": "Bearer " + payload.Token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestAPIGrantLifecycleFlow(t *testing.T) {
	api := newTestAPI(t)
	directory := api.bearer("directory-1", "directory")
	owner := api.bearer("owner-1")
	requester := api.bearer("requester-1")

	// Fund the requester, open an empty wallet for the owner.
	resp := api.post("/v1/wallets", map[string]any{"holder": "requester-1", "initial": 10000}, requester)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected wallet status: %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = api.post("/v1/wallets", map[string]any{"holder": "owner-1", "initial": 0}, owner)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected wallet status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Directory pushes the ownership record.
	resp = api.post("/v1/ownership", map[string]any{
		"resource_id": "res-1",
		"owner":       "owner-1",
	}, directory)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected ownership status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Non-directory push is rejected.
	resp = api.post("/v1/ownership", map[string]any{
		"resource_id": "res-2",
		"owner":       "owner-1",
	}, owner)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-directory push, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Requester submits a one-time request: 1000 for an hour.
	resp = api.post("/v1/requests", map[string]any{
		"resource_id":      "res-1",
		"purpose":          "model training",
		"duration_seconds": 3600,
		"amount":           1000,
		"kind":             "one_time",
	}, requester)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected submit status: %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/v1/requests/1" {
		t.Fatalf("unexpected location: %s", loc)
	}
	created := decode[grant.AccessRequest](t, resp)
	if created.Status != grant.StatusPending {
		t.Fatalf("unexpected status: %s", created.Status)
	}

	// Access is not granted before approval.
	params := url.Values{"resource_id": {"res-1"}, "requester": {"requester-1"}}
	resp = api.get("/v1/access", params, owner)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 before approval, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Owner approves; payment settles.
	resp = api.post("/v1/requests/1/approve", nil, owner)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected approve status: %d", resp.StatusCode)
	}
	approved := decode[grant.AccessRequest](t, resp)
	if approved.Status != grant.StatusApproved {
		t.Fatalf("unexpected status after approve: %s", approved.Status)
	}

	resp = api.get("/v1/wallets/owner-1", nil, owner)
	bal := decode[balanceResponse](t, resp)
	if bal.Balance != 1000 {
		t.Fatalf("expected owner credited 1000, got %d", bal.Balance)
	}

	// Gating check passes now.
	resp = api.get("/v1/access", params, owner)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected access granted, got %d", resp.StatusCode)
	}
	granted := decode[map[string]any](t, resp)
	if granted["granted"] != true {
		t.Fatalf("unexpected verify payload: %v", granted)
	}

	// Extend by a tenth of the original window: charges 100.
	resp = api.post("/v1/requests/1/extend", map[string]any{"additional_seconds": 360}, requester)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected extend status: %d", resp.StatusCode)
	}
	extended := decode[grant.AccessRequest](t, resp)
	if !extended.EndAt.Equal(approved.EndAt.Add(360 * time.Second)) {
		t.Fatalf("unexpected end_at after extension: %v", extended.EndAt)
	}
	resp = api.get("/v1/wallets/owner-1", nil, owner)
	bal = decode[balanceResponse](t, resp)
	if bal.Balance != 1100 {
		t.Fatalf("expected owner credited 1100 after extension, got %d", bal.Balance)
	}

	// Owner revokes; access is gone and the request is forced to revoked.
	resp = api.post("/v1/permissions/revoke", map[string]any{
		"resource_id": "res-1",
		"requester":   "requester-1",
	}, owner)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected revoke status: %d", resp.StatusCode)
	}
	perm := decode[grant.Permission](t, resp)
	if !perm.Revoked {
		t.Fatalf("expected revoked permission")
	}

	resp = api.get("/v1/access", params, owner)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 after revoke, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/requests/1", nil, requester)
	final := decode[grant.AccessRequest](t, resp)
	if final.Status != grant.StatusRevoked {
		t.Fatalf("expected revoked request, got %s", final.Status)
	}
}

func TestAPIErrorMapping(t *testing.T) {
	api := newTestAPI(t)
	directory := api.bearer("directory-1", "directory")
	owner := api.bearer("owner-1")
	requester := api.bearer("requester-1")
	intruder := api.bearer("intruder")

	resp := api.post("/v1/wallets", map[string]any{"holder": "requester-1", "initial": 100}, requester)
	resp.Body.Close()
	resp = api.post("/v1/wallets", map[string]any{"holder": "owner-1", "initial": 0}, owner)
	resp.Body.Close()
	resp = api.post("/v1/ownership", map[string]any{"resource_id": "res-1", "owner": "owner-1"}, directory)
	resp.Body.Close()

	// Unknown resource -> 404.
	resp = api.post("/v1/requests", map[string]any{
		"resource_id":      "res-missing",
		"purpose":          "x",
		"duration_seconds": 60,
		"amount":           10,
		"kind":             "one_time",
	}, requester)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Bad payment kind -> 400.
	resp = api.post("/v1/requests", map[string]any{
		"resource_id":      "res-1",
		"purpose":          "x",
		"duration_seconds": 60,
		"amount":           10,
		"kind":             "installments",
	}, requester)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Submit a valid request priced above the requester's funds.
	resp = api.post("/v1/requests", map[string]any{
		"resource_id":      "res-1",
		"purpose":          "x",
		"duration_seconds": 60,
		"amount":           500,
		"kind":             "one_time",
	}, requester)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Approve by a non-owner -> 403.
	resp = api.post("/v1/requests/1/approve", nil, intruder)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Approve with insufficient funds -> 402, request stays pending.
	resp = api.post("/v1/requests/1/approve", nil, owner)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = api.get("/v1/requests/1", nil, requester)
	req := decode[grant.AccessRequest](t, resp)
	if req.Status != grant.StatusPending {
		t.Fatalf("expected pending after failed payment, got %s", req.Status)
	}

	// Deny, then approve -> 409.
	resp = api.post("/v1/requests/1/deny", nil, owner)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = api.post("/v1/requests/1/approve", nil, owner)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Revoke without a permission -> 404.
	resp = api.post("/v1/permissions/revoke", map[string]any{
		"resource_id": "res-1",
		"requester":   "requester-1",
	}, owner)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Subscription payment against a one-time request -> 400.
	resp = api.post("/v1/requests/1/payments", nil, requester)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/requests", map[string]any{
		"resource_id":      "res-1",
		"purpose":          "x",
		"duration_seconds": 60,
		"amount":           10,
		"kind":             "one_time",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}
}

func TestVerifyAccessRequiresParams(t *testing.T) {
	api := newTestAPI(t)
	token := api.bearer("anyone")

	resp := api.get("/v1/access", url.Values{"resource_id": {"res-1"}}, token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestTokenEndpointValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/token", map[string]any{"subject": ""}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHealthAndInfoArePublic(t *testing.T) {
	api := newTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp := api.get(path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}

	// /v1/info requires a token.
	resp := api.get("/v1/info", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for /v1/info without token, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}
