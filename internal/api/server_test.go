package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sidecue/sidecue-core/internal/advisor"
	"github.com/sidecue/sidecue-core/internal/config"
)

func newTestServer(t *testing.T, gen advisor.Generator) (*httptest.Server, *advisor.Dispatcher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	d := advisor.NewDispatcher(context.Background(), config.Default().Advisor, gen, logger)
	d.Start()
	t.Cleanup(d.Close)

	mux := http.NewServeMux()
	NewHandler(d, logger).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, d
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestEnqueueAndPoll(t *testing.T) {
	gen := advisor.GeneratorFunc(func(_ context.Context, req advisor.Request) (string, error) {
		return "advice for: " + req.Prompt, nil
	})
	srv, _ := newTestServer(t, gen)

	resp := postJSON(t, srv.URL+"/v1/jobs", `{"transcript":"raise the price"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("enqueue status %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(srv.URL + "/v1/jobs/poll")
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		body := decode(t, resp)
		resp.Body.Close()
		if body["result"] != nil {
			if got := body["result"].(string); got != "advice for: raise the price" {
				t.Fatalf("got %q", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out polling for a result")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// buffer drained, next poll reports null
	resp2, err := http.Get(srv.URL + "/v1/jobs/poll")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	defer resp2.Body.Close()
	if body := decode(t, resp2); body["result"] != nil {
		t.Fatalf("expected null result, got %v", body["result"])
	}
}

func TestEnqueueRejectsEmptyTranscript(t *testing.T) {
	srv, _ := newTestServer(t, advisor.GeneratorFunc(func(_ context.Context, _ advisor.Request) (string, error) {
		return "", nil
	}))

	resp := postJSON(t, srv.URL+"/v1/jobs", `{"transcript":""}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	resp = postJSON(t, srv.URL+"/v1/jobs", `not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestSummaryEndpoint(t *testing.T) {
	gen := advisor.GeneratorFunc(func(_ context.Context, req advisor.Request) (string, error) {
		if !strings.Contains(req.Prompt, "1. alpha") {
			return "", errors.New("missing transcripts")
		}
		return "the summary", nil
	})
	srv, _ := newTestServer(t, gen)

	resp := postJSON(t, srv.URL+"/v1/summary", `{"transcripts":["alpha","beta"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if body := decode(t, resp); body["summary"] != "the summary" {
		t.Fatalf("got %v", body["summary"])
	}

	resp = postJSON(t, srv.URL+"/v1/summary", `{"transcripts":[]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestFeedbackEndpoint(t *testing.T) {
	gen := advisor.GeneratorFunc(func(_ context.Context, req advisor.Request) (string, error) {
		return "went well", nil
	})
	srv, d := newTestServer(t, gen)

	resp := postJSON(t, srv.URL+"/v1/feedback", `{}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status %d, want %d before any history", resp.StatusCode, http.StatusConflict)
	}

	d.Enqueue("hello")
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := d.Poll(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the job")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp = postJSON(t, srv.URL+"/v1/feedback", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if body := decode(t, resp); body["feedback"] != "went well" {
		t.Fatalf("got %v", body["feedback"])
	}
}
