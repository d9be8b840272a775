// Package blob stores uploaded media and hands out their download URLs.
package blob

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ImagesPrefix is the folder every uploaded image lands in.
const ImagesPrefix = "images/"

// Ref locates a stored object.
type Ref struct {
	Bucket string
	Name   string
}

// Storage is the blob store.
type Storage interface {
	// Upload stores data under a unique name derived from suggestedName.
	Upload(ctx context.Context, data []byte, suggestedName string) (Ref, error)
	DownloadURL(ctx context.Context, ref Ref) (string, error)
}

// ObjectName returns images/<base><uuid>, so two uploads of the same file
// never collide.
func ObjectName(suggestedName string) string {
	base := path.Base(strings.ReplaceAll(suggestedName, "\\", "/"))
	if base == "." || base == "/" {
		base = ""
	}
	return ImagesPrefix + base + uuid.NewString()
}

// MemoryStorage keeps objects in memory.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string][]byte)}
}

func (m *MemoryStorage) Upload(ctx context.Context, data []byte, suggestedName string) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	name := ObjectName(suggestedName)
	m.mu.Lock()
	m.objects[name] = append([]byte(nil), data...)
	m.mu.Unlock()
	return Ref{Bucket: "memory", Name: name}, nil
}

func (m *MemoryStorage) DownloadURL(_ context.Context, ref Ref) (string, error) {
	m.mu.RLock()
	_, ok := m.objects[ref.Name]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("blob %s not found", ref.Name)
	}
	return "memory://" + ref.Name, nil
}

// Object returns the stored bytes of name.
func (m *MemoryStorage) Object(name string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[name]
	return b, ok
}
