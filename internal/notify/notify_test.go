package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBarkNotifierSendsQuery(t *testing.T) {
	t.Parallel()
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		q := r.URL.Query()
		got = map[string]string{"title": q.Get("title"), "body": q.Get("body"), "group": q.Get("group")}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, err := NewBarkNotifier(srv.URL + "/key/")
	if err != nil {
		t.Fatalf("NewBarkNotifier: %v", err)
	}
	if err := n.Send(context.Background(), "Task backup failed", "script run at 2024-01-01"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["title"] != "Task backup failed" || got["group"] != BarkGroup || got["body"] == "" {
		t.Fatalf("query = %v", got)
	}
}

func TestBarkNotifierReportsHTTPErrors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	n, _ := NewBarkNotifier(srv.URL)
	if err := n.Send(context.Background(), "t", "b"); err == nil {
		t.Fatalf("expected error for 502")
	}
	if _, err := NewBarkNotifier("  "); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) Send(context.Context, string, string) error {
	f.calls++
	return errors.New("down")
}

func TestMultiNotifierTriesEveryone(t *testing.T) {
	t.Parallel()
	a, b := &failingNotifier{}, &failingNotifier{}
	err := NewMultiNotifier(a, &NoOpNotifier{}, b).Send(context.Background(), "t", "b")
	if err == nil || a.calls != 1 || b.calls != 1 {
		t.Fatalf("err = %v, calls = %d/%d", err, a.calls, b.calls)
	}
}
