package llama_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/conclave-ai/conclave/internal/llama"
	"github.com/conclave-ai/conclave/pkg/models"
)

func TestCompleteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/completion" {
			t.Errorf("path = %s, want /completion", r.URL.Path)
		}
		var req models.CompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.MaxTokens != 64 {
			t.Errorf("n_predict = %d, want 64", req.MaxTokens)
		}
		json.NewEncoder(w).Encode(models.CompletionResult{
			Content:         "hello",
			TokensPredicted: 2,
		})
	}))
	defer srv.Close()

	c := llama.NewClientURL(srv.URL)
	res, err := c.Complete(context.Background(), models.CompletionRequest{
		Prompt:    "hi",
		MaxTokens: 64,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if res.Content != "hello" || res.TokensPredicted != 2 {
		t.Fatalf("result = %+v", res)
	}
}

func TestCompleteRetriesTransportErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			// Kill the connection without a response.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("hijacking unsupported")
			}
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		json.NewEncoder(w).Encode(models.CompletionResult{Content: "recovered"})
	}))
	defer srv.Close()

	c := llama.NewClientURL(srv.URL)
	res, err := c.Complete(context.Background(), models.CompletionRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if res.Content != "recovered" {
		t.Fatalf("content = %q", res.Content)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("server saw %d calls, want 3", got)
	}
}

func TestCompleteDoesNotRetryStatusErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad prompt", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := llama.NewClientURL(srv.URL)
	if _, err := c.Complete(context.Background(), models.CompletionRequest{Prompt: "hi"}); err == nil {
		t.Fatal("expected error for 400 response")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("server saw %d calls, want 1 (no retry on HTTP errors)", got)
	}
}

func TestCompleteSurfacesEmbeddedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.CompletionResult{Error: "context window exceeded"})
	}))
	defer srv.Close()

	c := llama.NewClientURL(srv.URL)
	if _, err := c.Complete(context.Background(), models.CompletionRequest{Prompt: "hi"}); err == nil {
		t.Fatal("expected error when the body carries an error field")
	}
}

func TestHealthStates(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   models.HealthState
	}{
		{"ok", http.StatusOK, models.HealthOK},
		{"loading", http.StatusServiceUnavailable, models.HealthLoading},
		{"error", http.StatusInternalServerError, models.HealthError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			res := llama.NewClientURL(srv.URL).Health(context.Background())
			if res.Status != tc.want {
				t.Errorf("Health() = %s, want %s", res.Status, tc.want)
			}
		})
	}
}

func TestHealthUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	res := llama.NewClientURL(srv.URL).Health(context.Background())
	if res.Status != models.HealthUnreachable {
		t.Fatalf("Health() = %s, want unreachable", res.Status)
	}
}
