package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/agentworkforce/docsync/internal/wopihost"
)

func main() {
	addr := os.Getenv("WOPIHOST_ADDR")
	if addr == "" {
		addr = ":8090"
	}
	server, err := buildServerFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize wopi host: %v", err)
	}
	for _, f := range server.Store().List() {
		log.Printf("serving %s as /wopi/files/%s", f.Name, f.ID)
	}

	log.Printf("wopihost listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildServerFromEnv() (*wopihost.Server, error) {
	backend, err := wopihost.BuildStateBackendFromDSN(strings.TrimSpace(os.Getenv("WOPIHOST_STATE_DSN")))
	if err != nil {
		return nil, err
	}
	store, err := wopihost.NewFileStore(backend)
	if err != nil {
		return nil, err
	}
	if dir := strings.TrimSpace(os.Getenv("WOPIHOST_SEED_DIR")); dir != "" {
		if err := seedFromDir(store, dir); err != nil {
			return nil, err
		}
	}

	cfg := wopihost.ServerConfig{
		MaxBodyBytes: int64Env("WOPIHOST_MAX_BODY_BYTES", 0),
		Recorder:     logRecorder{},
		Logger:       log.Default(),
	}
	if token := strings.TrimSpace(os.Getenv("WOPIHOST_ACCESS_TOKEN")); token != "" {
		cfg.ValidateToken = func(_, got string) bool { return got == token }
	}
	if status := intEnv("WOPIHOST_FAIL_PUTFILE_STATUS", 0); status != 0 {
		cfg.PutFileHook = func(wopihost.StoreCall) *wopihost.Fault {
			return &wopihost.Fault{Status: status}
		}
	}
	return wopihost.NewServer(store, cfg), nil
}

// seedFromDir adds every regular file in dir that the store does not know
// yet, using the file name as its id.
func seedFromDir(store *wopihost.FileStore, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read seed dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if _, ok := store.Get(entry.Name()); ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		if _, err := store.CreateWithID(entry.Name(), entry.Name(), data); err != nil {
			return fmt.Errorf("seed %s: %w", entry.Name(), err)
		}
	}
	return nil
}

type logRecorder struct{}

func (logRecorder) Record(c wopihost.Call) {
	if c.Kind == wopihost.CallPutFile {
		log.Printf("%s %s -> %d (forced=%t autosave=%t, %d bytes)", c.Kind, c.FileID, c.Status, c.Forced, c.IsAutosave, c.Size)
		return
	}
	log.Printf("%s %s -> %d", c.Kind, c.FileID, c.Status)
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}
