package gemini_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"uxrmate/internal/retry"
	"uxrmate/internal/services/gemini"
)

func newTestClient(t *testing.T, handler http.Handler) (*gemini.Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := gemini.NewClient(gemini.Config{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Model:   "gemini-2.5-flash-lite",
	})
	return client, server
}

func TestUploadFileFollowsResumableProtocol(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.mp4")
	if err := os.WriteFile(path, []byte("frames"), 0o644); err != nil {
		t.Fatalf("write media: %v", err)
	}

	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/upload/v1beta/files", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Goog-Upload-Protocol") != "resumable" || r.Header.Get("X-Goog-Upload-Command") != "start" {
			t.Errorf("unexpected start headers: %v", r.Header)
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Error("missing api key header")
		}
		w.Header().Set("X-Goog-Upload-URL", server.URL+"/upload-session")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/upload-session", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Goog-Upload-Command") != "upload, finalize" {
			t.Errorf("unexpected finalize command: %q", r.Header.Get("X-Goog-Upload-Command"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"file":{"name":"files/abc123","uri":"https://example/files/abc123","mimeType":"video/mp4","state":"PROCESSING","expirationTime":"2026-08-26T00:00:00Z"}}`))
	})
	client, srv := newTestClient(t, mux)
	server = srv

	file, err := client.UploadFile(context.Background(), path, "session.mp4", "video/mp4")
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if file.Name != "files/abc123" || file.State != "PROCESSING" {
		t.Fatalf("unexpected file: %+v", file)
	}
	if file.ExpiresAt.IsZero() {
		t.Fatal("expiration should be parsed")
	}
}

func TestAwaitActivePollsUntilReady(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1beta/files/abc123", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if polls.Add(1) < 3 {
			_, _ = w.Write([]byte(`{"name":"files/abc123","state":"PROCESSING"}`))
			return
		}
		_, _ = w.Write([]byte(`{"name":"files/abc123","uri":"https://example/files/abc123","state":"ACTIVE"}`))
	})
	client, _ := newTestClient(t, mux)

	file, err := client.AwaitActive(context.Background(), "files/abc123", time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("AwaitActive: %v", err)
	}
	if !file.Active() {
		t.Fatalf("file should be active: %+v", file)
	}
	if polls.Load() != 3 {
		t.Fatalf("expected 3 polls, got %d", polls.Load())
	}
}

func TestAwaitActiveDistinguishesFailureFromTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1beta/files/broken", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"files/broken","state":"FAILED"}`))
	})
	mux.HandleFunc("/v1beta/files/slow", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"files/slow","state":"PROCESSING"}`))
	})
	client, _ := newTestClient(t, mux)
	ctx := context.Background()

	if _, err := client.AwaitActive(ctx, "files/broken", time.Millisecond, time.Second); !errors.Is(err, gemini.ErrFileFailed) {
		t.Fatalf("expected provider failure, got %v", err)
	}
	if _, err := client.AwaitActive(ctx, "files/slow", time.Millisecond, 5*time.Millisecond); !errors.Is(err, gemini.ErrFileTimedOut) {
		t.Fatalf("expected poll timeout, got %v", err)
	}
}

func TestGenerateJSONReturnsContentAndUsage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1beta/models/gemini-2.5-flash-lite:generateContent", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
            "candidates":[{"content":{"parts":[{"text":"{\"status\":\"pass\"}"}]},"finishReason":"STOP"}],
            "usageMetadata":{"promptTokenCount":33960,"candidatesTokenCount":412}
        }`))
	})
	client, _ := newTestClient(t, mux)

	content, usage, err := client.GenerateJSON(context.Background(), "system", "user", gemini.RemoteFile{
		URI: "https://example/files/abc123", MIMEType: "video/mp4",
	})
	if err != nil {
		t.Fatalf("GenerateJSON: %v", err)
	}
	if content != `{"status":"pass"}` {
		t.Fatalf("unexpected content: %q", content)
	}
	if usage.InputTokens != 33960 || usage.OutputTokens != 412 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestGenerateJSONBlockedIsFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1beta/models/gemini-2.5-flash-lite:generateContent", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"promptFeedback":{"blockReason":"SAFETY"}}`))
	})
	client, _ := newTestClient(t, mux)

	_, _, err := client.GenerateJSON(context.Background(), "system", "user", gemini.RemoteFile{URI: "u"})
	if !errors.Is(err, gemini.ErrBlocked) {
		t.Fatalf("expected blocked error, got %v", err)
	}
	if gemini.Classify(err) != retry.Fatal {
		t.Fatal("blocked generations must not be retried")
	}
}

func TestDeleteFileToleratesMissing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1beta/files/gone", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		http.NotFound(w, r)
	})
	client, _ := newTestClient(t, mux)

	if err := client.DeleteFile(context.Background(), "files/gone"); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
}

func TestClassifyStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		header http.Header
		want   retry.Class
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, want: retry.RateLimited},
		{name: "daily quota", status: http.StatusTooManyRequests,
			body: `{"error":{"status":"RESOURCE_EXHAUSTED","message":"Quota exceeded for metric GenerateRequestsPerDay"}}`,
			want: retry.Fatal},
		{name: "server error", status: http.StatusInternalServerError, want: retry.Retryable},
		{name: "unavailable", status: http.StatusServiceUnavailable, want: retry.Retryable},
		{name: "bad request", status: http.StatusBadRequest, want: retry.Fatal},
		{name: "unauthorized", status: http.StatusUnauthorized, want: retry.Fatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/v1beta/files/x", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			client, _ := newTestClient(t, mux)

			_, err := client.GetFile(context.Background(), "files/x")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := gemini.Classify(err); got != tc.want {
				t.Fatalf("Classify = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRetryAfterHintAndQuotaDetection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1beta/files/limited", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"status":"RESOURCE_EXHAUSTED","message":"Quota exceeded for metric GenerateRequestsPerDay"}}`))
	})
	client, _ := newTestClient(t, mux)

	_, err := client.GetFile(context.Background(), "files/limited")
	if err == nil {
		t.Fatal("expected error")
	}
	if hint := gemini.RetryAfterHint(err); hint != 7*time.Second {
		t.Fatalf("RetryAfterHint = %s", hint)
	}
	if !gemini.IsQuotaExhausted(err) {
		t.Fatal("daily quota rejection should be detected")
	}
	if got := gemini.Classify(err); got != retry.Fatal {
		t.Fatalf("daily quota should classify fatal, got %v", got)
	}
}

func TestDecodeModelJSONStripsFences(t *testing.T) {
	var parsed struct {
		Status string `json:"status"`
	}
	payload := "```json\n{\"status\": \"pass\"}\n```"
	if err := gemini.DecodeModelJSON(payload, &parsed); err != nil {
		t.Fatalf("DecodeModelJSON: %v", err)
	}
	if parsed.Status != "pass" {
		t.Fatalf("unexpected payload: %+v", parsed)
	}

	if err := gemini.DecodeModelJSON("the model refuses to answer", &parsed); err == nil {
		t.Fatal("prose payload should fail to decode")
	} else if !strings.Contains(err.Error(), "payload snippet") {
		t.Fatalf("error should carry a snippet: %v", err)
	}
}
