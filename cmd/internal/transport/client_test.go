package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *recordingObserver) ObserveRequest(method, route string, status int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, method+" "+route+" "+http.StatusText(status))
}

func TestDoDecodesAndSendsBearer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization=%q", got)
		}
		if r.URL.Path != "/api/tasks/7" || r.URL.Query().Get("q") != "x" {
			t.Errorf("path=%q query=%q", r.URL.Path, r.URL.RawQuery)
		}
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["status"] != "accepted" {
			t.Errorf("body=%v", in)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":7}`))
	}))
	defer srv.Close()

	obs := &recordingObserver{}
	c, err := New(Options{BaseURL: srv.URL + "/api/", HTTPClient: srv.Client(), Observer: obs})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var out struct {
		ID FlexString `json:"id"`
	}
	err = c.Do(context.Background(), Request{
		Method: http.MethodPut,
		Path:   "/tasks/7",
		Route:  "/tasks/{id}",
		Token:  "tok",
		Query:  map[string][]string{"q": {"x"}},
		Body:   map[string]string{"status": "accepted"},
	}, &out)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if out.ID != "7" {
		t.Fatalf("id=%q want 7", out.ID)
	}
	if len(obs.calls) != 1 || obs.calls[0] != "PUT /tasks/{id} OK" {
		t.Fatalf("observer calls=%v", obs.calls)
	}
}

func TestStatusTaxonomy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		body   string
		want   []error
		not    []error
		msg    string
	}{
		{status: 401, body: `{"message":"jwt expired"}`, want: []error{ErrUnauthorized, ErrClientError}, not: []error{ErrServerError}, msg: "jwt expired"},
		{status: 403, want: []error{ErrForbidden, ErrClientError}, not: []error{ErrUnauthorized}},
		{status: 404, body: `{"error":{"code":"not_found","message":"no task"}}`, want: []error{ErrNotFound, ErrClientError}, msg: "no task"},
		{status: 422, body: `{"error":"bad status"}`, want: []error{ErrClientError}, not: []error{ErrNotFound}, msg: "bad status"},
		{status: 503, body: `garbage`, want: []error{ErrServerError}, not: []error{ErrClientError}},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		c, _ := New(Options{BaseURL: srv.URL, HTTPClient: srv.Client()})
		err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"}, nil)
		srv.Close()

		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("status=%d err=%v want *StatusError", tc.status, err)
		}
		for _, w := range tc.want {
			if !errors.Is(err, w) {
				t.Errorf("status=%d: expected errors.Is(%v)", tc.status, w)
			}
		}
		for _, n := range tc.not {
			if errors.Is(err, n) {
				t.Errorf("status=%d: unexpected errors.Is(%v)", tc.status, n)
			}
		}
		if tc.msg != "" && se.Message != tc.msg {
			t.Errorf("status=%d message=%q want %q", tc.status, se.Message, tc.msg)
		}
		if Retryable(err) != (tc.status >= 500) {
			t.Errorf("status=%d retryable=%v", tc.status, Retryable(err))
		}
	}
}

func TestNetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, _ := New(Options{BaseURL: url, Timeout: time.Second})
	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"}, nil)
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err=%v want ErrNetwork", err)
	}
	if !Retryable(err) {
		t.Fatal("network errors should be retryable")
	}
}

func TestNewRejectsBadBase(t *testing.T) {
	t.Parallel()
	if _, err := New(Options{BaseURL: "ftp://example.com"}); err == nil {
		t.Fatal("expected error for non-http base")
	}
}

func TestFlexString(t *testing.T) {
	t.Parallel()

	cases := map[string]string{`"abc"`: "abc", `42`: "42", `null`: ""}
	for in, want := range cases {
		var f FlexString
		if err := json.Unmarshal([]byte(in), &f); err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if string(f) != want {
			t.Fatalf("%s: got %q want %q", in, f, want)
		}
	}
	var f FlexString
	if err := json.Unmarshal([]byte(`true`), &f); err == nil {
		t.Fatal("bool should not decode")
	}
}
