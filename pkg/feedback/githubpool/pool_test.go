package githubpool

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	gh "github.com/google/go-github/v60/github"

	"github.com/panll/ensaid/pkg/feedback"
)

func newTestPool(t *testing.T, handler http.HandlerFunc) (*Pool, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := gh.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	client.BaseURL = base
	return NewWithClient(client, "panll", "feedback-o-tron"), srv
}

func sampleReport() feedback.Report {
	return feedback.Report{
		PaneL:     "left pane",
		PaneN:     "neural pane",
		PaneW:     "world pane",
		Type:      feedback.ReportCrash,
		LocalID:   12,
		Origin:    "origin-1",
		Timestamp: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSubmitCreatesIssue(t *testing.T) {
	var got gh.IssueRequest
	pool, _ := newTestPool(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/repos/panll/feedback-o-tron/issues" {
			http.Error(w, "unexpected "+r.Method+" "+r.URL.Path, http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"number": 7, "html_url": "https://github.com/panll/feedback-o-tron/issues/7"}`))
	})

	receipt, err := pool.Submit(context.Background(), sampleReport())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if receipt != "https://github.com/panll/feedback-o-tron/issues/7" {
		t.Errorf("receipt = %q", receipt)
	}
	if got.GetTitle() != "[CRASH] feedback #12" {
		t.Errorf("title = %q", got.GetTitle())
	}
	labels := got.GetLabels()
	if len(labels) != 2 || labels[0] != "feedback" || labels[1] != "crash" {
		t.Errorf("labels = %v", labels)
	}
	for _, want := range []string{"left pane", "neural pane", "world pane", "origin-1", "2026-05-01T12:00:00Z"} {
		if !strings.Contains(got.GetBody(), want) {
			t.Errorf("body missing %q:\n%s", want, got.GetBody())
		}
	}
}

func TestSubmitServerErrorIsUnreachable(t *testing.T) {
	pool, _ := newTestPool(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "oops"}`, http.StatusBadGateway)
	})

	_, err := pool.Submit(context.Background(), sampleReport())
	if !errors.Is(err, feedback.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestSubmitValidationErrorIsNotRetried(t *testing.T) {
	pool, _ := newTestPool(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message": "Validation Failed"}`))
	})

	_, err := pool.Submit(context.Background(), sampleReport())
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, feedback.ErrUnreachable) {
		t.Errorf("422 should not be treated as unreachable: %v", err)
	}
}

func TestSubmitClosedServerIsUnreachable(t *testing.T) {
	pool, srv := newTestPool(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	_, err := pool.Submit(context.Background(), sampleReport())
	if !errors.Is(err, feedback.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestNewValidatesArguments(t *testing.T) {
	if _, err := New("", "o", "r"); err == nil {
		t.Error("expected error for empty token")
	}
	if _, err := New("tok", "", "r"); err == nil {
		t.Error("expected error for empty owner")
	}
	p, err := New("tok", "o", "r", "ops", "panll")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(p.labels) != 2 || p.labels[0] != "ops" {
		t.Errorf("labels = %v", p.labels)
	}
}

func TestTokenTransportSetsHeader(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	client := &http.Client{Transport: &tokenTransport{token: "ghp_x"}}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if auth != "Bearer ghp_x" {
		t.Errorf("Authorization = %q", auth)
	}
}
