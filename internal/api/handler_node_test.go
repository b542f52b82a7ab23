package api

import (
	"net/http"
	"testing"
)

func createNodeBody(slug string) map[string]any {
	return map[string]any{
		"slug":     slug,
		"name":     slug,
		"base_url": "https://" + slug + ".internal:8470",
		"collections": []map[string]string{
			{"name": "invoices", "class": "Invoice"},
		},
		"domains": []string{"billing"},
	}
}

func TestNodeCRUDFlow(t *testing.T) {
	srv, _ := newControlPlaneTestServer(t)

	rec := doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes", createNodeBody("billing-node"), true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	created := decodeJSONMap(t, rec)
	if created["api_key"] == nil || created["refresh_token"] == nil {
		t.Fatalf("create response missing secret pair: %v", created)
	}

	rec = doJSONRequest(t, srv, http.MethodGet, "/api/v1/nodes/billing-node", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d body=%s", rec.Code, rec.Body.String())
	}
	got := decodeJSONMap(t, rec)
	if got["api_key"] != nil || got["refresh_token"] != nil {
		t.Errorf("node read leaked secrets: %v", got)
	}
	if got["slug"] != "billing-node" || got["status"] != "active" {
		t.Errorf("node read = %v", got)
	}

	rec = doJSONRequest(t, srv, http.MethodPatch, "/api/v1/nodes/billing-node",
		map[string]any{"weight": 3}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d body=%s", rec.Code, rec.Body.String())
	}
	if decodeJSONMap(t, rec)["weight"] != float64(3) {
		t.Errorf("weight not updated: %s", rec.Body.String())
	}

	rec = doJSONRequest(t, srv, http.MethodDelete, "/api/v1/nodes/billing-node", nil, true)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSONRequest(t, srv, http.MethodGet, "/api/v1/nodes/billing-node", nil, true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted status = %d", rec.Code)
	}
	assertErrorCode(t, rec, "NOT_FOUND")
}

func TestCreateNodeDuplicateSlugConflicts(t *testing.T) {
	srv, _ := newControlPlaneTestServer(t)

	rec := doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes", createNodeBody("dup"), true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first create status = %d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes", createNodeBody("dup"), true)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate create status = %d body=%s", rec.Code, rec.Body.String())
	}
	assertErrorCode(t, rec, "CONFLICT")
}

func TestListNodesFilterAndSort(t *testing.T) {
	srv, _ := newControlPlaneTestServer(t)

	for _, slug := range []string{"alpha", "gamma", "beta"} {
		rec := doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes", createNodeBody(slug), true)
		if rec.Code != http.StatusCreated {
			t.Fatalf("create %s status = %d body=%s", slug, rec.Code, rec.Body.String())
		}
	}

	rec := doJSONRequest(t, srv, http.MethodGet, "/api/v1/nodes?sort_by=slug&sort_order=desc", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeJSONMap(t, rec)
	if body["total"] != float64(3) {
		t.Fatalf("total = %v, want 3", body["total"])
	}
	items := body["items"].([]any)
	if items[0].(map[string]any)["slug"] != "gamma" {
		t.Errorf("desc sort first slug = %v", items[0])
	}

	rec = doJSONRequest(t, srv, http.MethodGet, "/api/v1/nodes?collection=Invoice", nil, true)
	if decodeJSONMap(t, rec)["total"] != float64(3) {
		t.Errorf("collection filter body = %s", rec.Body.String())
	}

	rec = doJSONRequest(t, srv, http.MethodGet, "/api/v1/nodes?status=bogus", nil, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter = %d", rec.Code)
	}
	assertErrorCode(t, rec, "INVALID_ARGUMENT")
}

func TestRotateNodeSecretsEndpoint(t *testing.T) {
	srv, _ := newControlPlaneTestServer(t)

	rec := doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes", createNodeBody("rotating"), true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	oldKey := decodeJSONMap(t, rec)["api_key"].(string)

	rec = doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes/rotating/actions/rotate-secrets", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate status = %d body=%s", rec.Code, rec.Body.String())
	}
	rotated := decodeJSONMap(t, rec)
	if rotated["api_key"] == oldKey {
		t.Error("rotation returned the previous api key")
	}
	if rotated["prev_valid_until"] == nil {
		t.Errorf("rotation missing grace deadline: %v", rotated)
	}
}

func TestBreakerEndpoints(t *testing.T) {
	srv, cp := newControlPlaneTestServer(t)

	rec := doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes", createNodeBody("flaky"), true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}

	rec = doJSONRequest(t, srv, http.MethodGet, "/api/v1/nodes/flaky/breaker", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("get breaker status = %d body=%s", rec.Code, rec.Body.String())
	}
	if decodeJSONMap(t, rec)["state"] != "closed" {
		t.Errorf("initial breaker = %s", rec.Body.String())
	}

	// Threshold is 2 in the fixture.
	cp.Breaker.RecordFailure("flaky")
	cp.Breaker.RecordFailure("flaky")

	rec = doJSONRequest(t, srv, http.MethodGet, "/api/v1/nodes/flaky/breaker", nil, true)
	if decodeJSONMap(t, rec)["state"] != "open" {
		t.Errorf("tripped breaker = %s", rec.Body.String())
	}

	rec = doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes/flaky/actions/reset-breaker", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d body=%s", rec.Code, rec.Body.String())
	}
	if decodeJSONMap(t, rec)["state"] != "closed" {
		t.Errorf("reset breaker = %s", rec.Body.String())
	}

	rec = doJSONRequest(t, srv, http.MethodGet, "/api/v1/breakers", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("list breakers status = %d", rec.Code)
	}
}

func TestDigestEndpoints(t *testing.T) {
	srv, _ := newControlPlaneTestServer(t)

	rec := doJSONRequest(t, srv, http.MethodGet, "/api/v1/digest", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("empty digest status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes", createNodeBody("digested"), true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}

	rec = doJSONRequest(t, srv, http.MethodGet, "/api/v1/nodes/digested/digest", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("node digest status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes/digested/actions/refresh-digest", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh digest status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSONRequest(t, srv, http.MethodGet, "/api/v1/nodes/ghost/digest", nil, true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("ghost digest status = %d", rec.Code)
	}
}

func TestNodeMetricsEndpoints(t *testing.T) {
	srv, _ := newControlPlaneTestServer(t)

	rec := doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes", createNodeBody("measured"), true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}

	rec = doJSONRequest(t, srv, http.MethodGet, "/api/v1/nodes/measured/metrics", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("node metrics status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSONRequest(t, srv, http.MethodGet, "/api/v1/metrics/nodes", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("list metrics status = %d body=%s", rec.Code, rec.Body.String())
	}
}
