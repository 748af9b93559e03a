package transcription

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTokenFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key-1" {
			t.Errorf("unexpected authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"single-use-tok"}`))
	}))
	defer srv.Close()

	ts := NewTokenSource(srv.URL, "key-1")
	token, err := ts.Fetch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "single-use-tok" {
		t.Fatalf("unexpected token %q", token)
	}
}

func TestTokenFetchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	ts := NewTokenSource(srv.URL, "bad-key")
	if _, err := ts.Fetch(context.Background()); err == nil {
		t.Fatal("expected error for 401 response")
	}
}

func TestTokenFetchRejectsEmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ts := NewTokenSource(srv.URL, "key")
	if _, err := ts.Fetch(context.Background()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
