package spooler

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeDoc struct {
	Document
	partition *int64
}

// fakeRemote is an in-memory RemoteStore. Listings are newest first, like
// the real store's default ordering.
type fakeRemote struct {
	mu     sync.Mutex
	docs   []fakeDoc
	nextID int

	listCalls   int
	createCalls int

	listErr      error
	failListPage int
	createErr    error
	createDelay  time.Duration
	// afterCreate runs (without the lock held) once a document was stored.
	afterCreate func(req CreateRequest, id string)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{nextID: 100}
}

func (f *fakeRemote) add(partition *int64, label, description string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := strconv.Itoa(f.nextID)
	f.docs = append(f.docs, fakeDoc{Document: Document{ID: id, Label: label, Description: description}, partition: partition})
	return id
}

func (f *fakeRemote) ListDocuments(ctx context.Context, partition *int64, page, pageSize int) (DocumentPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return DocumentPage{}, f.listErr
	}
	if f.failListPage > 0 && page == f.failListPage {
		return DocumentPage{}, context.DeadlineExceeded
	}
	var matching []Document
	for i := len(f.docs) - 1; i >= 0; i-- {
		d := f.docs[i]
		if partition != nil && (d.partition == nil || *d.partition != *partition) {
			continue
		}
		matching = append(matching, d.Document)
	}
	start := (page - 1) * pageSize
	if start >= len(matching) {
		return DocumentPage{Total: len(matching)}, nil
	}
	end := min(start+pageSize, len(matching))
	return DocumentPage{Documents: append([]Document(nil), matching[start:end]...), Total: len(matching)}, nil
}

func (f *fakeRemote) CreateDocument(ctx context.Context, req CreateRequest) (string, error) {
	f.mu.Lock()
	f.createCalls++
	delay := f.createDelay
	createErr := f.createErr
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if createErr != nil {
		return "", createErr
	}
	id := f.add(req.Partition, req.Name, req.Description)
	if f.afterCreate != nil {
		f.afterCreate(req, id)
	}
	return id, nil
}

func (f *fakeRemote) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func (f *fakeRemote) lists() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeRemote) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs)
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "spooler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = CloseDB(db) })
	return db
}

func newTestCache(t *testing.T) (*HashCache, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	return NewHashCache(db, zerolog.Nop()), db
}

func newTestCoordinator(t *testing.T, remote RemoteStore) (*DedupCoordinator, *HashCache, *gorm.DB) {
	t.Helper()
	cache, db := newTestCache(t)
	c := NewDedupCoordinator(cache, remote, CoordinatorConfig{PageSize: 10, Logger: zerolog.Nop()})
	return c, cache, db
}

func fingerprintOf(t *testing.T, s string) string {
	t.Helper()
	fp, err := ComputeFingerprint([]byte(s))
	require.NoError(t, err)
	return fp
}

// describedAs renders the metadata a previous run would have stored for content.
func describedAs(t *testing.T, content, name, correlationID string) string {
	t.Helper()
	md := newRemoteMetadata(fingerprintOf(t, content), Submission{
		Name:          name,
		Content:       []byte(content),
		CorrelationID: correlationID,
	}, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	desc, err := md.Description()
	require.NoError(t, err)
	return desc
}
