// Package wopihost is an in-process WOPI storage host. It serves the
// CheckFileInfo, GetFile, PutFile, PutRelativeFile and RenameFile calls the
// sync engine relies on, with injection points for faults and call
// recording.
package wopihost

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/docsync/internal/wopi"
	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("file not found")
	ErrInvalidName     = errors.New("invalid file name")
	ErrVersionMismatch = errors.New("document changed in storage")
)

// File is a read-only view of a stored file.
type File struct {
	ID         string
	Name       string
	OwnerID    string
	Content    []byte
	ModifiedAt time.Time
	ReadOnly   bool
}

// Token is the version token a client sees for this file.
func (f File) Token() wopi.VersionToken {
	return wopi.TokenFromTime(f.ModifiedAt)
}

type FileStore struct {
	mu      sync.Mutex
	files   map[string]*storedFile
	last    time.Time
	now     func() time.Time
	backend StateBackend
}

func NewFileStore(backend StateBackend) (*FileStore, error) {
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	s := &FileStore{
		files:   map[string]*storedFile{},
		now:     time.Now,
		backend: backend,
	}
	snapshot, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("load host state: %w", err)
	}
	if snapshot != nil {
		for id, f := range snapshot.Files {
			s.files[id] = f
		}
		s.last = snapshot.LastWrite
	}
	return s, nil
}

// Create stores a new file and returns it.
func (s *FileStore) Create(name string, content []byte) (File, error) {
	return s.CreateWithID(uuid.NewString(), name, content)
}

func (s *FileStore) CreateWithID(id, name string, content []byte) (File, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "/\\") {
		return File{}, ErrInvalidName
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return File{}, fmt.Errorf("file id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f := &storedFile{
		ID:         id,
		Name:       name,
		OwnerID:    "owner",
		Content:    append([]byte(nil), content...),
		ModifiedAt: s.tickLocked(),
	}
	s.files[id] = f
	if err := s.persistLocked(); err != nil {
		return File{}, err
	}
	return toFile(f), nil
}

func (s *FileStore) Get(id string) (File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return File{}, false
	}
	return toFile(f), true
}

func (s *FileStore) List() []File {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]File, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, toFile(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetContent overwrites a file the way an external editor would, bumping its
// version.
func (s *FileStore) SetContent(id string, content []byte) (File, error) {
	return s.Put(id, "", content)
}

// Put replaces the content of id. A non-empty expected token must match the
// current version, otherwise ErrVersionMismatch is returned along with the
// current file.
func (s *FileStore) Put(id, expected string, content []byte) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return File{}, ErrNotFound
	}
	if expected != "" && !wopi.NewVersionToken(expected).Equal(wopi.TokenFromTime(f.ModifiedAt)) {
		return toFile(f), ErrVersionMismatch
	}
	f.Content = append([]byte(nil), content...)
	f.ModifiedAt = s.tickLocked()
	if err := s.persistLocked(); err != nil {
		return File{}, err
	}
	return toFile(f), nil
}

func (s *FileStore) Rename(id, name string) (File, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "/\\") {
		return File{}, ErrInvalidName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return File{}, ErrNotFound
	}
	f.Name = name
	if err := s.persistLocked(); err != nil {
		return File{}, err
	}
	return toFile(f), nil
}

func (s *FileStore) SetReadOnly(id string, readOnly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return ErrNotFound
	}
	f.ReadOnly = readOnly
	return s.persistLocked()
}

// tickLocked returns a modification time strictly after the previous one at
// the wire's microsecond precision, so two writes never share a token.
func (s *FileStore) tickLocked() time.Time {
	next := s.now().UTC().Truncate(time.Microsecond)
	if !next.After(s.last) {
		next = s.last.Add(time.Microsecond)
	}
	s.last = next
	return next
}

func (s *FileStore) persistLocked() error {
	return s.backend.Save(&hostState{Files: s.files, LastWrite: s.last})
}

func toFile(f *storedFile) File {
	return File{
		ID:         f.ID,
		Name:       f.Name,
		OwnerID:    f.OwnerID,
		Content:    append([]byte(nil), f.Content...),
		ModifiedAt: f.ModifiedAt,
		ReadOnly:   f.ReadOnly,
	}
}
