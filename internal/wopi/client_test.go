package wopi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestCheckInfoDecodesFileInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/wopi/files/doc1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("access_token") != "tok" {
			t.Fatalf("expected access_token to be forwarded, got %q", r.URL.RawQuery)
		}
		if r.Header.Get(HeaderCorrelationID) == "" {
			t.Fatalf("expected correlation id header")
		}
		_, _ = w.Write([]byte(`{"BaseFileName":"a.odt","Size":3,"LastModifiedTime":"2024-01-02T03:04:05.000000Z","OwnerId":"o","UserId":"u","UserCanWrite":"true","Version":7}`))
	}))
	defer server.Close()

	client := NewHTTPClient(ClientOptions{HTTPClient: server.Client()})
	info, err := client.CheckInfo(context.Background(), server.URL+"/wopi/files/doc1?access_token=tok")
	if err != nil {
		t.Fatalf("check info failed: %v", err)
	}
	if info.Name != "a.odt" || info.Size != 3 {
		t.Fatalf("unexpected file info %+v", info)
	}
	if !info.Token.Equal(NewVersionToken("2024-01-02T03:04:05.000000Z")) {
		t.Fatalf("expected token from LastModifiedTime, got %q", info.Token)
	}
	if !info.UserCanWrite {
		t.Fatalf("expected string \"true\" to decode as writable")
	}
	if info.Version != "7" {
		t.Fatalf("expected version 7, got %q", info.Version)
	}
}

func TestCheckInfoRejectsMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Size":"big"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(ClientOptions{HTTPClient: server.Client()})
	_, err := client.CheckInfo(context.Background(), server.URL+"/wopi/files/doc1")
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected malformed error to count as storage failure")
	}
}

func TestCheckInfoMapsAuthStatuses(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		client := NewHTTPClient(ClientOptions{HTTPClient: server.Client()})
		_, err := client.CheckInfo(context.Background(), server.URL+"/wopi/files/doc1")
		server.Close()
		if !errors.Is(err, ErrAuth) {
			t.Fatalf("status %d: expected auth failure, got %v", status, err)
		}
	}
}

func TestFetchRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path != "/wopi/files/doc1/contents" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set(HeaderItemVersion, "v9")
		_, _ = w.Write([]byte("hello"))
	}))
	defer server.Close()

	client := NewHTTPClient(ClientOptions{
		HTTPClient:  server.Client(),
		ReadRetries: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})
	content, err := client.Fetch(context.Background(), server.URL+"/wopi/files/doc1")
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got %v", err)
	}
	if string(content.Data) != "hello" {
		t.Fatalf("expected body hello, got %q", content.Data)
	}
	if content.Token.String() != "v9" {
		t.Fatalf("expected item version token, got %q", content.Token)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", atomic.LoadInt32(&calls))
	}
}

func TestStoreSendsTimestampUnlessForced(t *testing.T) {
	var headers []http.Header
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/wopi/files/doc1/contents" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		headers = append(headers, r.Header.Clone())
		bodies = append(bodies, string(body))
		_, _ = w.Write([]byte(`{"LastModifiedTime":"2024-01-02T03:04:06.000000Z"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(ClientOptions{HTTPClient: server.Client()})
	src := server.URL + "/wopi/files/doc1?access_token=tok"

	out := client.Store(context.Background(), src, StoreRequest{
		Data:             []byte("v1"),
		Token:            NewVersionToken("2024-01-02T03:04:05.000000Z"),
		IsModifiedByUser: true,
	})
	if out.Result != ResultSuccess {
		t.Fatalf("expected success, got %v (%v)", out.Result, out.Err)
	}
	if out.Token.String() != "2024-01-02T03:04:06.000000Z" {
		t.Fatalf("expected new token, got %q", out.Token)
	}

	out = client.Store(context.Background(), src, StoreRequest{Data: []byte("v2"), IsAutosave: true})
	if out.Result != ResultSuccess {
		t.Fatalf("expected forced store to succeed, got %v", out.Err)
	}

	if len(headers) != 2 {
		t.Fatalf("expected 2 store calls, got %d", len(headers))
	}
	if headers[0].Get(HeaderTimestamp) != "2024-01-02T03:04:05.000000Z" {
		t.Fatalf("expected timestamp header on unforced store, got %q", headers[0].Get(HeaderTimestamp))
	}
	if headers[0].Get(HeaderIsModifiedByUser) != "true" || headers[0].Get(HeaderIsAutosave) != "false" {
		t.Fatalf("unexpected flags %v", headers[0])
	}
	if _, ok := headers[1][http.CanonicalHeaderKey(HeaderTimestamp)]; ok {
		t.Fatalf("expected forced store to omit timestamp header")
	}
	if headers[1].Get(HeaderIsAutosave) != "true" {
		t.Fatalf("expected autosave flag on second store")
	}
	if bodies[0] != "v1" || bodies[1] != "v2" {
		t.Fatalf("unexpected bodies %v", bodies)
	}
}

func TestStoreClassifiesConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"LOOLStatusCode":1010,"LastModifiedTime":"2024-01-02T03:04:07.000000Z"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(ClientOptions{HTTPClient: server.Client()})
	out := client.Store(context.Background(), server.URL+"/wopi/files/doc1", StoreRequest{
		Data:  []byte("x"),
		Token: NewVersionToken("old"),
	})
	if out.Result != ResultConflict {
		t.Fatalf("expected conflict, got %v", out.Result)
	}
	if out.Token.String() != "2024-01-02T03:04:07.000000Z" {
		t.Fatalf("expected host token on conflict, got %q", out.Token)
	}
	if !errors.Is(out.Err, ErrConflict) || out.Err.Retryable() {
		t.Fatalf("expected non-retryable conflict error, got %v", out.Err)
	}
}

func TestStoreRejectsSuccessWithoutTimestamp(t *testing.T) {
	bodies := []string{"", `{}`, `{"LastModifiedTime":""}`}
	for _, body := range bodies {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		client := NewHTTPClient(ClientOptions{HTTPClient: server.Client()})
		out := client.Store(context.Background(), server.URL+"/wopi/files/doc1", StoreRequest{
			Data:  []byte("x"),
			Token: NewVersionToken("2024-01-02T03:04:05.000000Z"),
		})
		server.Close()
		if out.Result != ResultFailure {
			t.Fatalf("body %q: expected failure, got %v", body, out.Result)
		}
		if !errors.Is(out.Err, ErrMalformed) {
			t.Fatalf("body %q: expected malformed error, got %v", body, out.Err)
		}
		if !out.Token.IsZero() {
			t.Fatalf("body %q: expected no token, got %q", body, out.Token)
		}
	}
}

func TestStoreNeverRetriesInternally(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewHTTPClient(ClientOptions{HTTPClient: server.Client(), ReadRetries: 3, BaseDelay: time.Millisecond})
	out := client.Store(context.Background(), server.URL+"/wopi/files/doc1", StoreRequest{Data: []byte("x")})
	if out.Result != ResultFailure {
		t.Fatalf("expected failure, got %v", out.Result)
	}
	if !errors.Is(out.Err, ErrStorage) || !out.Err.Retryable() {
		t.Fatalf("expected retryable storage failure, got %v", out.Err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 call, got %d", atomic.LoadInt32(&calls))
	}
}

func TestStoreReportsNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	src := server.URL + "/wopi/files/doc1"
	server.Close()

	client := NewHTTPClient(ClientOptions{Timeout: time.Second})
	out := client.Store(context.Background(), src, StoreRequest{Data: []byte("x")})
	if out.Result != ResultFailure || !errors.Is(out.Err, ErrNetwork) {
		t.Fatalf("expected network failure, got %v %v", out.Result, out.Err)
	}
}

func TestStoreAsCopyAndRename(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wopi/files/doc1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Header.Get(HeaderOverride) {
		case "PUT_RELATIVE":
			body, _ := io.ReadAll(r.Body)
			if string(body) != "data" {
				t.Fatalf("expected copy body, got %q", body)
			}
			_, _ = w.Write([]byte(`{"Name":"` + r.Header.Get(HeaderSuggestedTarget) + `","Url":"http://host/wopi/files/doc2"}`))
		case "RENAME_FILE":
			_, _ = w.Write([]byte(`{"Name":"` + r.Header.Get(HeaderRequestedName) + `"}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer server.Close()

	client := NewHTTPClient(ClientOptions{HTTPClient: server.Client()})
	loc, err := client.StoreAs(context.Background(), server.URL+"/wopi/files/doc1", StoreAsRequest{
		Data: []byte("data"),
		Name: "copy.odt",
		Mode: StoreAsCopy,
	})
	if err != nil {
		t.Fatalf("store as copy failed: %v", err)
	}
	if loc.Name != "copy.odt" || loc.URL != "http://host/wopi/files/doc2" {
		t.Fatalf("unexpected location %+v", loc)
	}

	loc, err = client.StoreAs(context.Background(), server.URL+"/wopi/files/doc1", StoreAsRequest{
		Name: "renamed.odt",
		Mode: StoreAsRename,
	})
	if err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if loc.Name != "renamed.odt" {
		t.Fatalf("expected renamed.odt, got %q", loc.Name)
	}
}

func TestBackoffDoublesUpToLimit(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{10, time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(100*time.Millisecond, time.Second, tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
}
