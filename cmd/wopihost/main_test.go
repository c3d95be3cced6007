package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("WOPIHOST_TEST_INT_BAD", "not-a-number")
	if got := intEnv("WOPIHOST_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	t.Setenv("WOPIHOST_TEST_INT64", "1024")
	if got := int64Env("WOPIHOST_TEST_INT64", 1); got != 1024 {
		t.Fatalf("expected 1024, got %d", got)
	}
}

func TestBuildServerSeedsAndPersists(t *testing.T) {
	seed := t.TempDir()
	if err := os.WriteFile(filepath.Join(seed, "a.odt"), []byte("alpha"), 0o644); err != nil {
		t.Fatalf("write seed failed: %v", err)
	}
	if err := os.Mkdir(filepath.Join(seed, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	statePath := filepath.Join(t.TempDir(), "state.json")
	t.Setenv("WOPIHOST_SEED_DIR", seed)
	t.Setenv("WOPIHOST_STATE_DSN", "file://"+statePath)

	server, err := buildServerFromEnv()
	if err != nil {
		t.Fatalf("build server failed: %v", err)
	}
	files := server.Store().List()
	if len(files) != 1 || files[0].ID != "a.odt" || string(files[0].Content) != "alpha" {
		t.Fatalf("unexpected seeded files %+v", files)
	}
	if _, err := server.Store().SetContent("a.odt", []byte("changed")); err != nil {
		t.Fatalf("set content failed: %v", err)
	}

	// A restart keeps the persisted content instead of re-seeding.
	restarted, err := buildServerFromEnv()
	if err != nil {
		t.Fatalf("rebuild server failed: %v", err)
	}
	f, ok := restarted.Store().Get("a.odt")
	if !ok || string(f.Content) != "changed" {
		t.Fatalf("expected persisted content, got %+v", f)
	}
}

func TestBuildServerRequiresConfiguredToken(t *testing.T) {
	t.Setenv("WOPIHOST_ACCESS_TOKEN", "secret")
	server, err := buildServerFromEnv()
	if err != nil {
		t.Fatalf("build server failed: %v", err)
	}
	if _, err := server.Store().CreateWithID("doc", "doc.odt", nil); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	ts := httptest.NewServer(server)
	defer ts.Close()

	for token, want := range map[string]int{"secret": http.StatusOK, "other": http.StatusUnauthorized} {
		resp, err := ts.Client().Get(ts.URL + "/wopi/files/doc?access_token=" + token)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("token %s: expected %d, got %d", token, want, resp.StatusCode)
		}
	}
}
