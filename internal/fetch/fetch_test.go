package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "veactl/pkg/logx"
)

func TestGetReadsBodyAndHeaders(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "probe/1" {
			t.Errorf("User-Agent = %q", ua)
		}
		w.Header().Set("Subscription-Userinfo", "upload=1; download=2")
		_, _ = io.WriteString(w, "payload")
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "probe/1"}, logx.Nop())
	r, err := f.Get(context.Background(), srv.URL, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(r.Body) != "payload" {
		t.Fatalf("body = %q", r.Body)
	}
	if r.Header.Get("Subscription-Userinfo") == "" {
		t.Fatal("headers not returned")
	}
}

func TestGetErrors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/big":
			_, _ = io.WriteString(w, strings.Repeat("x", 64))
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		}
	}))
	defer srv.Close()

	f := New(Config{MaxBodyBytes: 16}, logx.Nop())
	tests := []struct {
		name       string
		url        string
		timeout    time.Duration
		wantStatus int
		wantIs     error
	}{
		{name: "empty url", url: " ", wantIs: ErrEmptyURL},
		{name: "non 2xx", url: srv.URL + "/missing", wantStatus: http.StatusNotFound},
		{name: "too large", url: srv.URL + "/big", wantStatus: http.StatusOK, wantIs: ErrBodyTooLarge},
		{name: "timeout", url: srv.URL + "/slow", timeout: 20 * time.Millisecond, wantIs: context.DeadlineExceeded},
	}
	for _, tt := range tests {
		_, err := f.FetchText(context.Background(), tt.url, tt.timeout)
		var te *TransportError
		if !errors.As(err, &te) {
			t.Fatalf("%s: expected *TransportError, got %v", tt.name, err)
		}
		if te.Status != tt.wantStatus {
			t.Fatalf("%s: status = %d, want %d", tt.name, te.Status, tt.wantStatus)
		}
		if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
			t.Fatalf("%s: error %v does not match %v", tt.name, err, tt.wantIs)
		}
	}
}

func TestStreamReadsAndCloses(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 1<<16))
	}))
	defer srv.Close()

	f := New(Config{}, logx.Nop())
	body, err := f.Stream(context.Background(), srv.URL, "", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	n, err := io.Copy(io.Discard, body)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1<<16 {
		t.Fatalf("read %d bytes", n)
	}
	if err := body.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestStreamRejectsBadProxy(t *testing.T) {
	t.Parallel()
	f := New(Config{}, logx.Nop())
	for _, p := range []string{"ftp://proxy:21", "http://"} {
		if _, err := f.Stream(context.Background(), "http://127.0.0.1:1/", p, time.Second); err == nil {
			t.Fatalf("proxy %q: expected error", p)
		}
	}
}

func TestRateLimiterHonoursContext(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	f := New(Config{RatePerSec: 0.01}, logx.Nop())
	if _, err := f.FetchBytes(context.Background(), srv.URL, time.Second); err != nil {
		t.Fatalf("first fetch uses the burst: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := f.FetchBytes(ctx, srv.URL, 0); err == nil {
		t.Fatal("second fetch should wait past the deadline and fail")
	}
}
