package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/clinicsync/internal/queue"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/records"
	"github.com/golang-jwt/jwt/v5"
)

func newTestIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("shared-secret"),
		Issuer:        "clinicsync",
		Audience:      "clinic-records",
		Subject:       "reception-desk-1",
		TokenTTL:      10 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesAndValidates(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	tokenString, expiresAt, err := issuer.Issue()
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.After(time.Now()) {
		t.Fatalf("expected expiry in the future, got %v", expiresAt)
	}

	claims := &jwt.RegisteredClaims{}
	if _, err := (&jwt.Parser{}).ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return []byte("shared-secret"), nil
	}); err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "reception-desk-1" || claims.Issuer != "clinicsync" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	subject, err := issuer.ValidateToken(tokenString)
	if err != nil || subject != "reception-desk-1" {
		t.Fatalf("expected token to validate, got %q, %v", subject, err)
	}
	if _, err := issuer.ValidateToken(tokenString + "x"); err == nil {
		t.Fatalf("expected tampered token to be rejected")
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{Subject: "desk"}); err == nil {
		t.Fatalf("expected constructor error for missing secret")
	}
}

func TestBearerTokenIsCachedUntilNearExpiry(t *testing.T) {
	now := time.Date(2024, 5, 7, 8, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	issuer := newTestIssuer(t, clock)

	first, err := issuer.BearerToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mu.Lock()
	now = now.Add(5 * time.Minute)
	mu.Unlock()
	second, _ := issuer.BearerToken()
	if first != second {
		t.Fatalf("expected cached token to be reused")
	}

	mu.Lock()
	now = now.Add(5 * time.Minute)
	mu.Unlock()
	third, _ := issuer.BearerToken()
	if third == first {
		t.Fatalf("expected token to be re-signed near expiry")
	}
}

type backendRecorder struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
}

func (r *backendRecorder) record(req *http.Request, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	r.bodies = append(r.bodies, body)
}

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestFetchRecordsDecodesList(t *testing.T) {
	recorder := &backendRecorder{}
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		recorder.record(r, "")
		if r.URL.Path != "/v1/scopes/appointments/records" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records":[{"id":"a-1","name":"Ana","status":"Agendado","version":2}]}`))
	})
	client, err := NewClient(ClientConfig{BaseURL: server.URL + "/", Tokens: newTestIssuer(t, nil)})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}

	collection, err := client.FetchRecords(context.Background(), "appointments")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(collection) != 1 || collection[0].Key != "a-1" || collection[0].Version != 2 {
		t.Fatalf("unexpected records %+v", collection)
	}
	if header := recorder.requests[0].Header.Get("Authorization"); !strings.HasPrefix(header, "Bearer ") {
		t.Fatalf("expected bearer token, got %q", header)
	}
}

func TestSendWriteUsesCorrelationIDAsIdempotencyKey(t *testing.T) {
	var received writeRequest
	var idempotencyKey string
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/scopes/appointments/writes" {
			http.NotFound(w, r)
			return
		}
		idempotencyKey = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"record":{"id":"a-1","status":"Confirmado","version":5},"previous_version":4,"duplicate":true}`))
	})
	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}

	ack, err := client.SendWrite(context.Background(), queue.Write{
		CorrelationID: "0191-write",
		Scope:         "appointments",
		Target:        "a-1",
		Operation:     queue.OperationUpdate,
		Payload:       json.RawMessage(`{"status":"Confirmado"}`),
		BaseVersion:   4,
		Sequence:      7,
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if idempotencyKey != "0191-write" || received.CorrelationID != "0191-write" {
		t.Fatalf("expected correlation id to be sent as idempotency key, got %q", idempotencyKey)
	}
	if received.Target != "a-1" || received.Operation != "update" || received.Sequence != 7 || received.BaseVersion != 4 {
		t.Fatalf("unexpected request body %+v", received)
	}
	if ack.Record.Version != 5 || ack.PreviousVersion != 4 || !ack.Duplicate {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestNonSuccessStatusBecomesHTTPError(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":"maintenance","message":"backend paused"}`))
	})
	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}

	_, err = client.FetchRecords(context.Background(), records.Scope("appointments"))
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusServiceUnavailable || httpErr.Code != "maintenance" {
		t.Fatalf("unexpected error %+v", httpErr)
	}
	if err := client.Probe(context.Background()); err == nil {
		t.Fatalf("expected probe to fail")
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{BaseURL: " "}); err == nil {
		t.Fatalf("expected missing base url error")
	}
}
