package provider

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/nightfall-run/nightfall/internal/config"
)

func splitHostPort(t *testing.T, url string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(url[len("http://"):])
	if err != nil {
		t.Fatalf("parse test server url %q: %v", url, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port from %q: %v", url, err)
	}
	return host, port
}

func TestOllamaAdapter_CompleteStreamsChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		w.Write([]byte(`{"message":{"content":"Hel"},"done":false}` + "\n"))
		flusher.Flush()
		w.Write([]byte(`{"message":{"content":"lo"},"done":true,"prompt_eval_count":5,"eval_count":2}` + "\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	adapter := NewOllamaAdapter(config.ProviderConfig{Host: host, Port: port, Model: "test-model"}, 3, nil)

	cancel := make(chan struct{})
	chunks, err := adapter.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, cancel)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	var got string
	var sawDone bool
	for c := range chunks {
		got += c.Text
		if c.Done {
			sawDone = true
		}
	}
	if got != "Hello" {
		t.Errorf("expected concatenated text 'Hello', got %q", got)
	}
	if !sawDone {
		t.Error("expected a final Done chunk")
	}

	usage := adapter.GetLastUsage()
	if usage == nil || usage.TotalTokens != 7 {
		t.Errorf("expected usage totalTokens=7, got %+v", usage)
	}
}

func TestOllamaAdapter_IsAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	adapter := NewOllamaAdapter(config.ProviderConfig{Host: host, Port: port}, 3, nil)
	if !adapter.IsAvailable(context.Background()) {
		t.Error("expected adapter to report available")
	}
}

func TestOllamaAdapter_CompleteRetriesOn503(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		flusher, _ := w.(http.Flusher)
		w.Write([]byte(`{"message":{"content":"ok"},"done":true}` + "\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	adapter := NewOllamaAdapter(config.ProviderConfig{Host: host, Port: port, Model: "test-model"}, 5, nil)

	chunks, err := adapter.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, make(chan struct{}))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	var got string
	for c := range chunks {
		got += c.Text
	}
	if got != "ok" {
		t.Errorf("expected 'ok' after retries, got %q", got)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts (2 failures + success), got %d", attempts)
	}
}

func TestOllamaAdapter_CompleteGivesUpAfterMaxRetries(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	adapter := NewOllamaAdapter(config.ProviderConfig{Host: host, Port: port, Model: "test-model"}, 2, nil)

	_, err := adapter.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, make(chan struct{}))
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if attempts != 2 {
		t.Errorf("expected exactly maxRetries=2 attempts, got %d", attempts)
	}
}
