// Package testutil builds throwaway databases and fixtures for package tests.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/health-records/internal/common"
	"github.com/joseph-ayodele/health-records/internal/entity"
	"github.com/joseph-ayodele/health-records/internal/repository"
)

// Logger discards everything.
func Logger() *slog.Logger {
	return common.DiscardLogger()
}

// NewDB opens a private in-memory SQLite database with the schema applied.
func NewDB(t testing.TB) *repository.DB {
	t.Helper()
	ctx := context.Background()
	db, err := repository.OpenSQLite(ctx, "memory", Logger())
	require.NoError(t, err)
	t.Cleanup(func() { repository.Close(db, Logger()) })
	require.NoError(t, repository.Migrate(ctx, db, Logger()))
	return db
}

// SeedDocument inserts a document for owner.
func SeedDocument(t testing.TB, docs repository.DocumentRepository, owner uuid.UUID) *entity.Document {
	t.Helper()
	id := uuid.New()
	sum := sha256.Sum256(id[:])
	doc := &entity.Document{
		ID:            id,
		OwnerID:       owner,
		StorageKey:    owner.String() + "/" + id.String() + ".pdf",
		Filename:      "lab-results.pdf",
		FileExt:       "pdf",
		ContentType:   "application/pdf",
		ContentSHA256: hex.EncodeToString(sum[:]),
		FileSize:      1024,
		UploadedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, docs.Create(context.Background(), doc))
	return doc
}

// OwnerContext returns a context carrying a fresh owner id.
func OwnerContext() (context.Context, uuid.UUID) {
	owner := uuid.New()
	return common.WithOwnerID(context.Background(), owner), owner
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
