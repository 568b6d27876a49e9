// Package testdata builds fixtures shared by package tests: an entitlement
// manager over in-memory SQLite, a controllable clock and fake documents.
package testdata

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/jordanlanch/docvault/pkg/database"
	"github.com/jordanlanch/docvault/pkg/documents"
	"github.com/jordanlanch/docvault/pkg/entitlement"
	"github.com/jordanlanch/docvault/pkg/locks"
	"github.com/jordanlanch/docvault/pkg/logger"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/stretchr/testify/require"
)

// Epoch is the default start of every test clock
var Epoch = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// Clock is a settable time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t
func NewClock(t time.Time) *Clock {
	return &Clock{now: t.UTC()}
}

// Now returns the current fake time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

var dbSeq atomic.Int64

// NewStore opens a private in-memory SQLite database with the schema applied
func NewStore(t testing.TB) *entitlement.SQLStore {
	t.Helper()
	dsn := fmt.Sprintf("file:testdata_%d?mode=memory&cache=shared", dbSeq.Add(1))
	client, err := database.NewClient(database.DriverSQLite, dsn, database.DefaultPoolConfig(), nil, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Migrate(context.Background()))
	return entitlement.NewSQLStore(client.DB, nil)
}

// NewManager returns a manager over a fresh store, driven by clock
func NewManager(t testing.TB, clock *Clock) (*entitlement.Manager, *entitlement.SQLStore) {
	t.Helper()
	store := NewStore(t)
	m := entitlement.NewManager(store, locks.NewKeyedMutex(), logger.Discard(), entitlement.WithClock(clock.Now))
	return m, store
}

// SeedUser creates the default record for userID and lets edit adjust it
// before it is written.
func SeedUser(t testing.TB, store entitlement.Store, userID string, now time.Time, edit func(r *models.EntitlementRecord)) *models.EntitlementRecord {
	t.Helper()
	rec, err := entitlement.NewDefaultRecord(userID, now)
	require.NoError(t, err)
	if edit != nil {
		edit(rec)
	}
	require.NoError(t, store.Create(context.Background(), rec))
	return rec
}

// GenerateDocuments creates n documents for userID, one hour apart, the
// newest created at newest. Index 0 is the newest.
func GenerateDocuments(userID string, n int, newest time.Time) []documents.Document {
	docs := make([]documents.Document, n)
	for i := 0; i < n; i++ {
		docs[i] = documents.Document{
			ID:        gofakeit.UUID(),
			UserID:    userID,
			Size:      int64(gofakeit.Number(1_000, 5_000_000)),
			CreatedAt: newest.Add(-time.Duration(i) * time.Hour),
		}
	}
	return docs
}

// SeedDocuments adds n generated documents to store and returns them
func SeedDocuments(store *documents.MemoryStore, userID string, n int, newest time.Time) []documents.Document {
	docs := GenerateDocuments(userID, n, newest)
	for _, d := range docs {
		store.Add(d)
	}
	return docs
}

// UserID returns a random user id
func UserID() string {
	return "user_" + gofakeit.LetterN(12)
}
