package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"turntable/internal/apperr"
	"turntable/pkg/models"
)

var member = models.Principal{ID: "user-1", Class: models.ClassMember, Authenticated: true}

func TestIssueDownloadURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tracks/t1/download-url" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get(PrincipalHeader); got != "user-1" {
			t.Errorf("principal header = %q", got)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["owner"] != "user-1" {
			t.Errorf("owner = %q", body["owner"])
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"url":              "https://objects.example/t1?sig=abc",
			"expiresInSeconds": 300,
		})
	}))
	defer server.Close()

	issuer := NewIssuerClient(NewClient(server.URL, "secret", 100, time.Second))
	fixed := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return fixed }

	u, err := issuer.IssueDownloadURL(context.Background(), "t1", member)
	if err != nil {
		t.Fatalf("IssueDownloadURL: %v", err)
	}
	if u.URL != "https://objects.example/t1?sig=abc" {
		t.Errorf("URL = %q", u.URL)
	}
	if u.ExpiresIn != 5*time.Minute {
		t.Errorf("ExpiresIn = %v, want 5m", u.ExpiresIn)
	}
	if !u.ExpiresAt().Equal(fixed.Add(5 * time.Minute)) {
		t.Errorf("ExpiresAt = %v", u.ExpiresAt())
	}
}

func TestIssueDownloadURLErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"not found", http.StatusNotFound, apperr.ErrTrackNotFound},
		{"server error", http.StatusInternalServerError, apperr.ErrNetwork},
		{"forbidden", http.StatusForbidden, apperr.ErrTrackNotFound},
		{"unauthorized", http.StatusUnauthorized, apperr.ErrTrackNotFound},
		{"rate limited", http.StatusTooManyRequests, apperr.ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			issuer := NewIssuerClient(NewClient(server.URL, "", 100, time.Second))
			_, err := issuer.IssueDownloadURL(context.Background(), "t1", member)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			var se *StatusError
			if !errors.As(err, &se) || se.StatusCode != tt.status {
				t.Errorf("expected StatusError with %d, got %v", tt.status, err)
			}
		})
	}
}

func TestIssueDownloadURLUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	issuer := NewIssuerClient(NewClient(addr, "", 100, time.Second))
	_, err := issuer.IssueDownloadURL(context.Background(), "t1", member)
	if !errors.Is(err, apperr.ErrNetwork) {
		t.Errorf("error = %v, want network error", err)
	}
}

func TestDownloaderFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte("audio-bytes"))
		case "/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer server.Close()

	d := NewDownloader(time.Second, 0)
	now := time.Now()
	signed := func(path string) models.SignedURL {
		return models.SignedURL{URL: server.URL + path, ExpiresIn: time.Minute, IssuedAt: now}
	}

	data, err := d.Fetch(context.Background(), "t1", signed("/ok"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "audio-bytes" {
		t.Errorf("data = %q", data)
	}

	if _, err := d.Fetch(context.Background(), "t1", signed("/gone")); !errors.Is(err, apperr.ErrTrackNotFound) {
		t.Errorf("404 error = %v, want not found", err)
	}
	if _, err := d.Fetch(context.Background(), "t1", signed("/broken")); !errors.Is(err, apperr.ErrNetwork) {
		t.Errorf("502 error = %v, want network", err)
	}
}

func TestDownloaderRejectsExpiredURL(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer server.Close()

	d := NewDownloader(time.Second, 0)
	expired := models.SignedURL{URL: server.URL, ExpiresIn: time.Second, IssuedAt: time.Now().Add(-time.Minute)}

	_, err := d.Fetch(context.Background(), "t1", expired)
	if !errors.Is(err, apperr.ErrNetwork) {
		t.Errorf("error = %v, want network error", err)
	}
	if requests != 0 {
		t.Errorf("expired url should not be requested, got %d requests", requests)
	}
}

func TestDownloaderMaxBytes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 100))
	}))
	defer server.Close()

	d := NewDownloader(time.Second, 10)
	_, err := d.Fetch(context.Background(), "t1", models.SignedURL{URL: server.URL, ExpiresIn: time.Minute, IssuedAt: time.Now()})
	if !errors.Is(err, apperr.ErrNetwork) {
		t.Errorf("error = %v, want network error", err)
	}
}

func TestCatalogGetTrack(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/tracks/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":       "t1",
			"fileName": "set.mp3",
			"duration": 212.5,
			"owner":    "user-1",
			"key":      "users/user-1/set.mp3",
		})
	}))
	defer server.Close()

	catalog := NewCatalogClient(NewClient(server.URL, "", 100, time.Second))

	track, err := catalog.GetTrack(context.Background(), "t1", member)
	if err != nil {
		t.Fatalf("GetTrack: %v", err)
	}
	if track.FileName != "set.mp3" || track.Duration != 212.5 || track.Local {
		t.Errorf("unexpected track %+v", track)
	}
	if !track.HasRemoteSource() {
		t.Error("catalog tracks should have a remote source")
	}

	if _, err := catalog.GetTrack(context.Background(), "missing", member); !errors.Is(err, apperr.ErrTrackNotFound) {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestRedact(t *testing.T) {
	if got := redact("https://objects.example/a/b.mp3?X-Signature=secret"); got != "https://objects.example/a/b.mp3" {
		t.Errorf("redact = %q", got)
	}
}
