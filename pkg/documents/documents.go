// Package documents is the engine's view of the document vault: it can
// count, list and delete a user's documents, nothing more.
package documents

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when deleting a document that does not exist
var ErrNotFound = errors.New("documents: not found")

// Document is the metadata the engine needs for retention decisions
type Document struct {
	ID        string
	UserID    string
	Size      int64
	CreatedAt time.Time
}

// Counter returns a live document count for quota checks
type Counter interface {
	Count(ctx context.Context, userID string) (int, error)
}

// Store is the document collaborator used by the engine
type Store interface {
	Counter
	// List returns the user's documents, newest first.
	List(ctx context.Context, userID string) ([]Document, error)
	Delete(ctx context.Context, userID, documentID string) error
}

// MemoryStore keeps documents in process. It backs local development when
// no bucket is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]Document
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]map[string]Document)}
}

// Add stores a document
func (m *MemoryStore) Add(doc Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs[doc.UserID] == nil {
		m.docs[doc.UserID] = make(map[string]Document)
	}
	m.docs[doc.UserID][doc.ID] = doc
}

func (m *MemoryStore) Count(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[userID]), nil
}

func (m *MemoryStore) List(_ context.Context, userID string) ([]Document, error) {
	m.mu.RLock()
	out := make([]Document, 0, len(m.docs[userID]))
	for _, d := range m.docs[userID] {
		out = append(out, d)
	}
	m.mu.RUnlock()

	SortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, userID, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[userID][documentID]; !ok {
		return ErrNotFound
	}
	delete(m.docs[userID], documentID)
	return nil
}

// SortNewestFirst orders by creation time descending, then by id
func SortNewestFirst(docs []Document) {
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.After(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
}
