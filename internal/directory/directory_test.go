package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPClientGetSessionNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	_, err := c.GetSession(context.Background(), "missing")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHTTPClientPutSession(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		var row SessionRow
		json.NewDecoder(r.Body).Decode(&row)
		if row.SessionID != "sess-1" {
			t.Errorf("expected sessionId sess-1, got %s", row.SessionID)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	err := c.PutSession(context.Background(), SessionRow{SessionID: "sess-1", UserID: "u1"})
	if err != nil {
		t.Fatalf("PutSession: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/sessions/sess-1" {
		t.Errorf("unexpected request: %s %s", gotMethod, gotPath)
	}
}

func TestFakeImplementsClient(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	if err := f.PutSession(ctx, SessionRow{SessionID: "s1", UserID: "u1"}); err != nil {
		t.Fatalf("PutSession: %v", err)
	}
	row, err := f.GetSession(ctx, "s1")
	if err != nil || row.UserID != "u1" {
		t.Fatalf("GetSession: %+v, %v", row, err)
	}

	if err := f.FlushActiveSeconds(ctx, "s1", 30); err != nil {
		t.Fatalf("FlushActiveSeconds: %v", err)
	}
	row, _ = f.GetSession(ctx, "s1")
	if row.ActiveSeconds != 30 {
		t.Errorf("expected 30 active seconds, got %d", row.ActiveSeconds)
	}

	if err := f.PutSession(ctx, SessionRow{SessionID: "s2", UserID: "u1", ParentSessionID: "s1"}); err != nil {
		t.Fatalf("PutSession child: %v", err)
	}
	children, err := f.ChildSessions(ctx, "s1")
	if err != nil || len(children) != 1 || children[0].SessionID != "s2" {
		t.Fatalf("ChildSessions: %+v, %v", children, err)
	}
}

func TestFakeMemoryRoundTrip(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	if err := f.MemoryWrite(ctx, "u1", "k1", "v1"); err != nil {
		t.Fatalf("MemoryWrite: %v", err)
	}
	rows, err := f.MemoryRead(ctx, "u1", "k1", "")
	if err != nil || len(rows) != 1 || rows[0].Value != "v1" {
		t.Fatalf("MemoryRead: %+v, %v", rows, err)
	}
	if err := f.MemoryDelete(ctx, "u1", "k1"); err != nil {
		t.Fatalf("MemoryDelete: %v", err)
	}
	rows, err = f.MemoryRead(ctx, "u1", "k1", "")
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected empty memory after delete, got %+v", rows)
	}
}
