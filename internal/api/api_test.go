package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/leanrepl/leanreplpool/internal/orchestrator"
	"github.com/leanrepl/leanreplpool/internal/replpool"
)

func setupTestServer(t *testing.T, maxRepls int) *httptest.Server {
	t.Helper()
	pool := replpool.New(replpool.Settings{MaxRepls: maxRepls})
	orch := orchestrator.New(pool)
	return httptest.NewServer(NewServer(orch))
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t, 1)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body)
	}
}

func TestCheckEndpointRejectsInvalidJSON(t *testing.T) {
	ts := setupTestServer(t, 1)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/check", "application/json", bytes.NewReader([]byte("not json")))
	if err != nil {
		t.Fatalf("POST /api/check: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid JSON, got %d", resp.StatusCode)
	}
}

func TestCheckEndpointReportsCapacityExhaustion(t *testing.T) {
	ts := setupTestServer(t, 0)
	defer ts.Close()

	reqBody := checkRequest{
		Snippets: []snippetIn{{ID: "s1", Code: "theorem x : True := trivial"}},
		Timeout:  5,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(ts.URL+"/api/check", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /api/check: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 (errors are folded into the body), got %d", resp.StatusCode)
	}

	var decoded struct {
		Results []orchestrator.SnippetResponse `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(decoded.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(decoded.Results))
	}
	if decoded.Results[0].CustomID != "s1" {
		t.Fatalf("expected custom id s1, got %q", decoded.Results[0].CustomID)
	}
	if decoded.Results[0].Error == "" {
		t.Fatal("expected a capacity error message")
	}
}

func TestCheckEndpointAcceptsZeroTimeout(t *testing.T) {
	ts := setupTestServer(t, 0)
	defer ts.Close()

	reqBody := checkRequest{Snippets: []snippetIn{{ID: "s1", Code: "x"}}}
	payload, _ := json.Marshal(reqBody)

	resp, err := http.Post(ts.URL+"/api/check", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /api/check: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
