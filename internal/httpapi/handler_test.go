package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"pkt.systems/secretd/api"
	"pkt.systems/secretd/internal/core"
	"pkt.systems/secretd/internal/storage/memory"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	svc := core.NewService(memory.New(), core.CommitPolicy{}, nil, nil)
	h := NewHandler(Config{Service: svc, DisableHTTPTracing: true})
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func call(t *testing.T, mux http.Handler, token string, req api.CallRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, "/v1/call", bytes.NewReader(body))
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func decodeCall(t *testing.T, w *httptest.ResponseRecorder) api.CallResponse {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.CallResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestCallEndToEnd(t *testing.T) {
	mux := newTestHandler(t)

	resp := decodeCall(t, call(t, mux, "", api.CallRequest{Procedure: "generateToken", Args: []string{"alice"}}))
	if !resp.Success || resp.Token == "" {
		t.Fatalf("generateToken: %+v", resp)
	}
	token := resp.Token

	resp = decodeCall(t, call(t, mux, token, api.CallRequest{Procedure: "createProject", Args: []string{"acme"}}))
	if !resp.Success {
		t.Fatalf("createProject: %+v", resp)
	}
	if resp.Token != "" {
		t.Fatalf("token leaked in createProject response")
	}

	resp = decodeCall(t, call(t, mux, token, api.CallRequest{Procedure: "addSecret", Args: []string{"acme", "dev", "API_KEY", "xyz"}}))
	if !resp.Success {
		t.Fatalf("addSecret: %+v", resp)
	}
	resp = decodeCall(t, call(t, mux, token, api.CallRequest{Procedure: "fetchSecrets", Args: []string{"acme", "dev"}}))
	if !resp.Success || resp.Secrets["API_KEY"] != "xyz" {
		t.Fatalf("fetchSecrets: %+v", resp)
	}
}

func TestBusinessFailureKeepsStatus200(t *testing.T) {
	mux := newTestHandler(t)
	resp := decodeCall(t, call(t, mux, "", api.CallRequest{Procedure: "generateToken", Args: []string{"alice"}}))
	token := resp.Token

	w := call(t, mux, token, api.CallRequest{Procedure: "fetchSecrets", Args: []string{"ghost", "dev"}})
	resp = decodeCall(t, w)
	if resp.Success {
		t.Fatalf("expected business failure: %+v", resp)
	}
	if resp.Message == "" {
		t.Fatalf("expected a failure message")
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder, wantStatus int, wantCode string) {
	t.Helper()
	if w.Code != wantStatus {
		t.Fatalf("expected %d, got %d: %s", wantStatus, w.Code, w.Body.String())
	}
	var resp api.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.ErrorCode != wantCode {
		t.Fatalf("expected code %q, got %q", wantCode, resp.ErrorCode)
	}
}

func TestTransportErrors(t *testing.T) {
	mux := newTestHandler(t)

	decodeError(t, call(t, mux, "bogus", api.CallRequest{Procedure: "listProjects"}), http.StatusUnauthorized, "invalid_token")
	decodeError(t, call(t, mux, "", api.CallRequest{Procedure: "launchMissiles"}), http.StatusBadRequest, "unknown_procedure")
	decodeError(t, call(t, mux, "", api.CallRequest{Procedure: "generateToken"}), http.StatusBadRequest, "invalid_args")

	r := httptest.NewRequest(http.MethodPost, "/v1/call", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	decodeError(t, w, http.StatusBadRequest, "invalid_request")

	r = httptest.NewRequest(http.MethodGet, "/v1/call", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	decodeError(t, w, http.StatusMethodNotAllowed, "method_not_allowed")

	r = httptest.NewRequest(http.MethodPost, "/v1/call", bytes.NewReader([]byte("{}")))
	r.Header.Set("Authorization", "Basic zzz")
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	decodeError(t, w, http.StatusUnauthorized, "invalid_authorization")
}

func TestCorrelationHeaderEcho(t *testing.T) {
	mux := newTestHandler(t)

	r := httptest.NewRequest(http.MethodPost, "/v1/call", bytes.NewReader([]byte(`{"procedure":"checkUserExists","args":["alice"]}`)))
	r.Header.Set("X-Correlation-Id", "test-cid-42")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if got := w.Header().Get("X-Correlation-Id"); got != "test-cid-42" {
		t.Fatalf("expected supplied cid echoed, got %q", got)
	}

	r = httptest.NewRequest(http.MethodPost, "/v1/call", bytes.NewReader([]byte(`{"procedure":"checkUserExists","args":["alice"]}`)))
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("expected a generated cid")
	}
}

func TestProbes(t *testing.T) {
	mux := newTestHandler(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, w.Code)
		}
	}
}
