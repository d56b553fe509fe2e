package nightscout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func TestHashSecret(t *testing.T) {
	if got := hashSecret("abc"); got != "a9993e364706816aba3e25717850c26c9cd0d89d" {
		t.Fatalf("unexpected hash %q", got)
	}
	if hashSecret("a") == hashSecret("b") {
		t.Fatal("different secrets must hash differently")
	}
}

func TestRecentSamplesFiltersAndSorts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != entriesPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		want := strconv.FormatInt(t0.Add(-time.Hour).UnixMilli(), 10)
		if got := r.URL.Query().Get("find[date][$gte]"); got != want {
			t.Errorf("since filter = %q, want %q", got, want)
		}
		_ = json.NewEncoder(w).Encode([]Entry{
			{SGV: 140, Date: t0.UnixMilli(), Type: "sgv", Device: "g7"},
			{SGV: 0, Date: t0.Add(-5 * time.Minute).UnixMilli(), Type: "sgv"},
			{SGV: 130, Date: t0.Add(-10 * time.Minute).UnixMilli(), Type: "sgv"},
			{SGV: 90, Date: t0.Add(-15 * time.Minute).UnixMilli(), Type: "mbg"},
			{SGV: 120, Date: t0.Add(-2 * time.Hour).UnixMilli(), Type: "sgv"},
		})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	samples, err := c.RecentSamples(context.Background(), t0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("RecentSamples: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %+v", samples)
	}
	if samples[0].Value != 130 || samples[1].Value != 140 {
		t.Fatalf("samples not sorted oldest first: %+v", samples)
	}
	if samples[1].Source != "g7" || samples[0].Source != "nightscout" {
		t.Fatalf("unexpected sources %+v", samples)
	}
}

func TestLatestSample(t *testing.T) {
	var count string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count = r.URL.Query().Get("count")
		_ = json.NewEncoder(w).Encode([]Entry{{SGV: 101, Date: t0.UnixMilli()}})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL}, zerolog.Nop())
	s, ok, err := c.LatestSample(context.Background(), t0.Add(-15*time.Minute))
	if err != nil || !ok {
		t.Fatalf("LatestSample: %v %v", ok, err)
	}
	if s.Value != 101 || !s.Time.Equal(t0) {
		t.Fatalf("unexpected sample %+v", s)
	}
	if count != "1" {
		t.Fatalf("latest query should ask for one entry, got %q", count)
	}
}

func TestLatestSampleNone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL}, zerolog.Nop())
	_, ok, err := c.LatestSample(context.Background(), t0)
	if err != nil {
		t.Fatalf("LatestSample: %v", err)
	}
	if ok {
		t.Fatal("expected no sample")
	}
}

func TestAuthHeaders(t *testing.T) {
	var gotAuth, gotSecret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotSecret = r.Header.Get("API-SECRET")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	tokenClient := NewClient(Options{BaseURL: srv.URL, APIToken: "tok", UseToken: true, APISecret: "s"}, zerolog.Nop())
	if _, err := tokenClient.RecentSamples(context.Background(), t0); err != nil {
		t.Fatalf("RecentSamples: %v", err)
	}
	if gotAuth != "Bearer tok" || gotSecret != "" {
		t.Fatalf("token auth wrong: %q %q", gotAuth, gotSecret)
	}

	secretClient := NewClient(Options{BaseURL: srv.URL, APISecret: "s"}, zerolog.Nop())
	if _, err := secretClient.RecentSamples(context.Background(), t0); err != nil {
		t.Fatalf("RecentSamples: %v", err)
	}
	if gotAuth != "" || gotSecret != hashSecret("s") {
		t.Fatalf("secret auth wrong: %q %q", gotAuth, gotSecret)
	}
}

func TestErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL}, zerolog.Nop())
	if _, _, err := c.LatestSample(context.Background(), t0); err == nil {
		t.Fatal("401 should fail")
	}
}
