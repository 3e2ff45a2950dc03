package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/traintrack/traintrack/internal/entity"
)

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, testLogger(t))
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("ping against healthy server failed: %v", err)
	}

	srv.Close()
	if err := c.Ping(context.Background()); err == nil {
		t.Error("ping against closed server must fail")
	}
}

func TestUpsertReturnsServerTimestamp(t *testing.T) {
	serverTime := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sync/workouts" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var rec entity.RemoteRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			t.Errorf("server failed to decode body: %v", err)
		}
		rec.UpdatedAt = serverTime
		_ = json.NewEncoder(w).Encode(rec)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, testLogger(t))
	stored, err := c.Upsert(context.Background(), "workouts", entity.RemoteRecord{
		ID:        "w1",
		UserID:    "user-1",
		Fields:    map[string]any{"name": "Pull day"},
		CreatedAt: serverTime.Add(-time.Hour),
		UpdatedAt: serverTime.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if !stored.UpdatedAt.Equal(serverTime) {
		t.Errorf("expected server-assigned updated_at %v, got %v", serverTime, stored.UpdatedAt)
	}
}

func TestUpsertRejectionIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "foreign key violation"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, testLogger(t))
	_, err := c.Upsert(context.Background(), "exercises", entity.RemoteRecord{ID: "e1", UserID: "user-1"})
	if err == nil {
		t.Fatal("expected rejection error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %d", apiErr.StatusCode)
	}
	if apiErr.Message != "foreign key violation" {
		t.Errorf("message lost: %q", apiErr.Message)
	}
}

func TestSelectFilters(t *testing.T) {
	since := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	var gotQuery map[string][]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_ = json.NewEncoder(w).Encode([]entity.RemoteRecord{
			{ID: "g1", UserID: "user-1", UpdatedAt: since.Add(time.Hour)},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, testLogger(t))
	rows, err := c.Select(context.Background(), "goals", Filter{UserID: "user-1", UpdatedAfter: &since})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "g1" {
		t.Errorf("unexpected rows: %+v", rows)
	}

	if got := gotQuery["user_id"]; len(got) != 1 || got[0] != "user-1" {
		t.Errorf("user_id filter not sent: %v", gotQuery)
	}
	if got := gotQuery["updated_since"]; len(got) != 1 {
		t.Errorf("updated_since filter not sent: %v", gotQuery)
	}
	if _, ok := gotQuery["fields"]; ok {
		t.Error("fields projection must only be sent for id-only selects")
	}
}

func TestSelectIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fields") != "id" {
			t.Errorf("expected id-only projection, got query %v", r.URL.Query())
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{{"id": "c1"}, {"id": "c2"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, testLogger(t))
	ids, err := c.SelectIDs(context.Background(), "cycles", "user-1")
	if err != nil {
		t.Fatalf("select ids failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "c1" || ids[1] != "c2" {
		t.Errorf("unexpected ids: %v", ids)
	}
}

func TestAuthorizationHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	token := func(ctx context.Context) (string, error) { return "session-token", nil }
	c := NewClient(srv.URL, token, testLogger(t))
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if gotAuth != "Bearer session-token" {
		t.Errorf("expected bearer token, got %q", gotAuth)
	}
}
