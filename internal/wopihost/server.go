package wopihost

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/agentworkforce/docsync/internal/wopi"
)

// StoreCall describes a PutFile request before the host applies it.
type StoreCall struct {
	FileID           string
	Forced           bool
	Timestamp        string
	IsAutosave       bool
	IsModifiedByUser bool
	Content          []byte
}

// Fault replaces the host's answer to a call. An empty Body sends a JSON
// error document.
type Fault struct {
	Status int
	Body   string
}

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	MaxBodyBytes int64
	// ValidateToken decides whether access_token may touch fileID. By default
	// any non-empty token is accepted.
	ValidateToken func(fileID, token string) bool
	// PutFileHook runs after the version check; a non-nil Fault is returned
	// to the client and the content is not applied.
	PutFileHook func(StoreCall) *Fault
	Recorder    Recorder
	Logger      Logger
}

type Server struct {
	store *FileStore
	cfg   ServerConfig
}

func NewServer(store *FileStore, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 20
	}
	if cfg.ValidateToken == nil {
		cfg.ValidateToken = func(_, token string) bool { return strings.TrimSpace(token) != "" }
	}
	return &Server{store: store, cfg: cfg}
}

func (s *Server) Store() *FileStore {
	return s.store
}

type checkFileInfoResponse struct {
	BaseFileName     string `json:"BaseFileName"`
	Size             int    `json:"Size"`
	LastModifiedTime string `json:"LastModifiedTime"`
	OwnerID          string `json:"OwnerId"`
	UserID           string `json:"UserId"`
	UserFriendlyName string `json:"UserFriendlyName"`
	UserCanWrite     bool   `json:"UserCanWrite"`
	Version          string `json:"Version"`
}

type storeResult struct {
	LastModifiedTime string `json:"LastModifiedTime,omitempty"`
	LOOLStatusCode   int    `json:"LOOLStatusCode,omitempty"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || len(parts) > 4 || parts[0] != "wopi" || parts[1] != "files" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	fileID := parts[2]
	contents := len(parts) == 4
	if contents && parts[3] != "contents" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	if !s.cfg.ValidateToken(fileID, r.URL.Query().Get("access_token")) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid access token", getCorrelationID(r))
		return
	}

	switch {
	case !contents && r.Method == http.MethodGet:
		s.handleCheckFileInfo(w, r, fileID)
	case contents && r.Method == http.MethodGet:
		s.handleGetFile(w, r, fileID)
	case contents && r.Method == http.MethodPost:
		s.handlePutFile(w, r, fileID)
	case !contents && r.Method == http.MethodPost:
		switch strings.ToUpper(r.Header.Get(wopi.HeaderOverride)) {
		case wopi.StoreAsCopy.String():
			s.handlePutRelative(w, r, fileID)
		case wopi.StoreAsRename.String():
			s.handleRename(w, r, fileID)
		default:
			writeError(w, http.StatusNotImplemented, "not_implemented", "unsupported X-WOPI-Override", getCorrelationID(r))
		}
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	}
}

func (s *Server) handleCheckFileInfo(w http.ResponseWriter, r *http.Request, fileID string) {
	f, ok := s.store.Get(fileID)
	if !ok {
		s.record(Call{Kind: CallCheckFileInfo, FileID: fileID, Status: http.StatusNotFound})
		writeError(w, http.StatusNotFound, "not_found", "file not found", getCorrelationID(r))
		return
	}
	s.record(Call{Kind: CallCheckFileInfo, FileID: fileID, Status: http.StatusOK})
	writeJSON(w, http.StatusOK, checkFileInfoResponse{
		BaseFileName:     f.Name,
		Size:             len(f.Content),
		LastModifiedTime: f.Token().String(),
		OwnerID:          f.OwnerID,
		UserID:           "user",
		UserFriendlyName: "WOPI User",
		UserCanWrite:     !f.ReadOnly,
		Version:          f.Token().String(),
	})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request, fileID string) {
	f, ok := s.store.Get(fileID)
	if !ok {
		s.record(Call{Kind: CallGetFile, FileID: fileID, Status: http.StatusNotFound})
		writeError(w, http.StatusNotFound, "not_found", "file not found", getCorrelationID(r))
		return
	}
	s.record(Call{Kind: CallGetFile, FileID: fileID, Status: http.StatusOK, Size: len(f.Content)})
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(wopi.HeaderItemVersion, f.Token().String())
	w.Header().Set("Last-Modified", f.ModifiedAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(f.Content)
}

func (s *Server) handlePutFile(w http.ResponseWriter, r *http.Request, fileID string) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	call := StoreCall{
		FileID:           fileID,
		Timestamp:        strings.TrimSpace(r.Header.Get(wopi.HeaderTimestamp)),
		IsAutosave:       parseBoolHeader(r.Header.Get(wopi.HeaderIsAutosave)),
		IsModifiedByUser: parseBoolHeader(r.Header.Get(wopi.HeaderIsModifiedByUser)),
		Content:          body,
	}
	call.Forced = call.Timestamp == ""
	record := Call{
		Kind:             CallPutFile,
		FileID:           fileID,
		Forced:           call.Forced,
		Timestamp:        call.Timestamp,
		IsAutosave:       call.IsAutosave,
		IsModifiedByUser: call.IsModifiedByUser,
		Size:             len(body),
	}

	current, exists := s.store.Get(fileID)
	switch {
	case !exists:
		record.Status = http.StatusNotFound
		s.record(record)
		writeError(w, http.StatusNotFound, "not_found", "file not found", getCorrelationID(r))
		return
	case current.ReadOnly:
		record.Status = http.StatusForbidden
		s.record(record)
		writeError(w, http.StatusForbidden, "forbidden", "file is read-only", getCorrelationID(r))
		return
	case !call.Forced && !wopi.NewVersionToken(call.Timestamp).Equal(current.Token()):
		record.Status = http.StatusConflict
		s.record(record)
		writeJSON(w, http.StatusConflict, storeResult{
			LastModifiedTime: current.Token().String(),
			LOOLStatusCode:   wopi.StatusDocChanged,
		})
		return
	}

	if s.cfg.PutFileHook != nil {
		if fault := s.cfg.PutFileHook(call); fault != nil {
			record.Status = fault.Status
			s.record(record)
			s.logf("wopihost: PutFile %s faulted with %d", fileID, fault.Status)
			writeFault(w, r, fault)
			return
		}
	}

	// The version is checked again under the store lock; an external write
	// between the check above and here still conflicts.
	updated, err := s.store.Put(fileID, call.Timestamp, body)
	switch {
	case errors.Is(err, ErrVersionMismatch):
		record.Status = http.StatusConflict
		s.record(record)
		writeJSON(w, http.StatusConflict, storeResult{
			LastModifiedTime: updated.Token().String(),
			LOOLStatusCode:   wopi.StatusDocChanged,
		})
		return
	case errors.Is(err, ErrNotFound):
		record.Status = http.StatusNotFound
		s.record(record)
		writeError(w, http.StatusNotFound, "not_found", "file not found", getCorrelationID(r))
		return
	case err != nil:
		record.Status = http.StatusInternalServerError
		s.record(record)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), getCorrelationID(r))
		return
	}
	record.Status = http.StatusOK
	s.record(record)
	writeJSON(w, http.StatusOK, storeResult{LastModifiedTime: updated.Token().String()})
}

func (s *Server) handlePutRelative(w http.ResponseWriter, r *http.Request, fileID string) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	name := r.Header.Get(wopi.HeaderSuggestedTarget)
	if _, exists := s.store.Get(fileID); !exists {
		s.record(Call{Kind: CallPutRelative, FileID: fileID, Status: http.StatusNotFound})
		writeError(w, http.StatusNotFound, "not_found", "file not found", getCorrelationID(r))
		return
	}
	created, err := s.store.Create(name, body)
	if err != nil {
		s.record(Call{Kind: CallPutRelative, FileID: fileID, Status: http.StatusBadRequest})
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), getCorrelationID(r))
		return
	}
	s.record(Call{Kind: CallPutRelative, FileID: fileID, Status: http.StatusOK, Size: len(body)})
	writeJSON(w, http.StatusOK, wopi.Location{Name: created.Name, URL: fileURL(r, created.ID)})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, fileID string) {
	renamed, err := s.store.Rename(fileID, r.Header.Get(wopi.HeaderRequestedName))
	switch {
	case errors.Is(err, ErrNotFound):
		s.record(Call{Kind: CallRenameFile, FileID: fileID, Status: http.StatusNotFound})
		writeError(w, http.StatusNotFound, "not_found", "file not found", getCorrelationID(r))
		return
	case err != nil:
		s.record(Call{Kind: CallRenameFile, FileID: fileID, Status: http.StatusBadRequest})
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), getCorrelationID(r))
		return
	}
	s.record(Call{Kind: CallRenameFile, FileID: fileID, Status: http.StatusOK})
	writeJSON(w, http.StatusOK, wopi.Location{Name: renamed.Name, URL: fileURL(r, fileID)})
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", getCorrelationID(r))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", getCorrelationID(r))
		return nil, false
	}
	return body, true
}

func (s *Server) record(c Call) {
	if s.cfg.Recorder != nil {
		s.cfg.Recorder.Record(c)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}

// fileURL builds the WOPISrc of fileID on this host, carrying the caller's
// access token along.
func fileURL(r *http.Request, fileID string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: r.Host, Path: "/wopi/files/" + fileID}
	if token := r.URL.Query().Get("access_token"); token != "" {
		u.RawQuery = url.Values{"access_token": []string{token}}.Encode()
	}
	return u.String()
}

func writeFault(w http.ResponseWriter, r *http.Request, fault *Fault) {
	status := fault.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if fault.Body == "" {
		writeError(w, status, "injected_fault", http.StatusText(status), getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, fault.Body)
}

func parseBoolHeader(raw string) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && value
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get(wopi.HeaderCorrelationID)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
