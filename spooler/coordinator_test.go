package spooler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_FirstWriteWins(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c, cache, _ := newTestCoordinator(t, remote)

	first, err := c.Process(ctx, Submission{Name: "invoice.pdf", Content: []byte("invoice 42"), CorrelationID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, first.Outcome)
	assert.NotEmpty(t, first.DocumentID)
	assert.Nil(t, first.Inconsistency)

	second, err := c.Process(ctx, Submission{Name: "invoice-copy.pdf", Content: []byte("invoice 42"), CorrelationID: "c2"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, DuplicateInCache, second.DuplicateSource)
	assert.Equal(t, first.DocumentID, second.DocumentID)
	require.NotNil(t, second.Existing)
	assert.Equal(t, "invoice.pdf", second.Existing.Filename)
	assert.Equal(t, "c1", second.Existing.CorrelationID)

	assert.Equal(t, 1, remote.creates())
	assert.Equal(t, int64(1), cache.Count(ctx, nil))
}

func TestCoordinator_StoredDescriptionCarriesFingerprint(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c, cache, _ := newTestCoordinator(t, remote)

	res, err := c.Process(ctx, Submission{Name: "a.txt", Content: []byte("hello")})
	require.NoError(t, err)

	page, err := remote.ListDocuments(ctx, nil, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Documents, 1)
	md, ok := parseDescription(page.Documents[0].Description)
	require.True(t, ok)
	assert.Equal(t, res.Fingerprint, md.Fingerprint)
	assert.Equal(t, "a.txt", md.Filename)

	rec, ok := cache.Get(ctx, res.Fingerprint, nil)
	require.True(t, ok)
	assert.Equal(t, page.Documents[0].Description, rec.Metadata)
}

func TestCoordinator_ConcurrentIdenticalSubmissionsCreateOnce(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.createDelay = 20 * time.Millisecond
	c, _, _ := newTestCoordinator(t, remote)

	const n = 8
	results := make([]Result, n)
	errs := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = c.Process(ctx, Submission{Name: "same.pdf", Content: []byte("same bytes")})
		}(i)
	}
	close(start)
	wg.Wait()

	created, duplicates := 0, 0
	var docID string
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		switch results[i].Outcome {
		case OutcomeCreated:
			created++
			docID = results[i].DocumentID
		case OutcomeDuplicate:
			duplicates++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, n-1, duplicates)
	assert.Equal(t, 1, remote.creates())
	for _, r := range results {
		assert.Equal(t, docID, r.DocumentID)
	}
}

func TestCoordinator_PartitionIsolation(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c, _, _ := newTestCoordinator(t, remote)
	p1, p2 := Partition(1), Partition(2)

	a, err := c.Process(ctx, Submission{Name: "x.pdf", Content: []byte("shared"), Partition: p1})
	require.NoError(t, err)
	b, err := c.Process(ctx, Submission{Name: "x.pdf", Content: []byte("shared"), Partition: p2})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCreated, a.Outcome)
	assert.Equal(t, OutcomeCreated, b.Outcome)
	assert.NotEqual(t, a.DocumentID, b.DocumentID)
	assert.Equal(t, 2, remote.creates())

	// The single cache slot per fingerprint now points at partition 2; the
	// partition 1 copy is still found through the remote listing.
	again, err := c.Process(ctx, Submission{Name: "x.pdf", Content: []byte("shared"), Partition: p1})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, again.Outcome)
	assert.Equal(t, DuplicateInRemote, again.DuplicateSource)
	assert.Equal(t, a.DocumentID, again.DocumentID)
	assert.Equal(t, 2, remote.creates())
}

func TestCoordinator_ColdStartFindsRemoteDuplicate(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	existing := remote.add(nil, "old.pdf", describedAs(t, "archived", "old.pdf", "corr-old"))
	c, cache, _ := newTestCoordinator(t, remote)

	res, err := c.Process(ctx, Submission{Name: "new-name.pdf", Content: []byte("archived")})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, DuplicateInRemote, res.DuplicateSource)
	assert.Equal(t, existing, res.DocumentID)
	assert.Equal(t, 0, remote.creates())

	rec, ok := cache.Get(ctx, res.Fingerprint, nil)
	require.True(t, ok, "remote hit must be written back to the cache")
	assert.Equal(t, existing, rec.DocumentID)
	assert.Equal(t, "old.pdf", rec.Filename)

	lists := remote.lists()
	res, err = c.Process(ctx, Submission{Name: "again.pdf", Content: []byte("archived")})
	require.NoError(t, err)
	assert.Equal(t, DuplicateInCache, res.DuplicateSource)
	assert.Equal(t, lists, remote.lists(), "cache hit must not scan the remote store")
}

func TestCoordinator_EmptyContentRejected(t *testing.T) {
	remote := newFakeRemote()
	c, cache, _ := newTestCoordinator(t, remote)

	_, err := c.Process(context.Background(), Submission{Name: "empty.pdf"})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "content", ve.Field)
	assert.Equal(t, 0, remote.creates())
	assert.Equal(t, 0, remote.lists())
	assert.Equal(t, int64(0), cache.Count(context.Background(), nil))
}

func TestCoordinator_CreateFailureLeavesNoCacheEntry(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.createErr = errors.New("connection reset by peer")
	c, cache, _ := newTestCoordinator(t, remote)

	_, err := c.Process(ctx, Submission{Name: "a.pdf", Content: []byte("payload")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "create", re.Op)
	assert.Equal(t, int64(0), cache.Count(ctx, nil))
}

func TestCoordinator_ScanFailureStillCreates(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.listErr = errors.New("search backend down")
	metrics := NewMetrics(prometheus.NewRegistry())
	cache, _ := newTestCache(t)
	c := NewDedupCoordinator(cache, remote, CoordinatorConfig{Logger: zerolog.Nop(), Metrics: metrics})

	res, err := c.Process(ctx, Submission{Name: "a.pdf", Content: []byte("payload"), Source: SourceDirectory})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Equal(t, 1, remote.creates())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RemoteScans.WithLabelValues("check", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Outcomes.WithLabelValues(SourceDirectory, "created")))
}

func TestCoordinator_ReportsRaceInconsistency(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	var other string
	// Another writer stores the same content while our upload is in flight.
	remote.afterCreate = func(req CreateRequest, id string) {
		if other == "" {
			other = remote.add(req.Partition, req.Name, req.Description)
		}
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	cache, _ := newTestCache(t)
	c := NewDedupCoordinator(cache, remote, CoordinatorConfig{Logger: zerolog.Nop(), Metrics: metrics})

	res, err := c.Process(ctx, Submission{Name: "a.pdf", Content: []byte("raced")})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	require.NotNil(t, res.Inconsistency)
	assert.Equal(t, res.DocumentID, res.Inconsistency.DocumentID)
	assert.Equal(t, other, res.Inconsistency.DuplicateDocumentID)
	assert.NotEmpty(t, res.Warnings)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RaceInconsistencies))

	rec, ok := cache.Get(ctx, res.Fingerprint, nil)
	require.True(t, ok)
	assert.Equal(t, res.DocumentID, rec.DocumentID, "the verify step must not overwrite our own registration")
}

func TestCoordinator_CacheWriteFailureIsAWarning(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c, _, db := newTestCoordinator(t, remote)
	require.NoError(t, CloseDB(db))

	res, err := c.Process(ctx, Submission{Name: "a.pdf", Content: []byte("payload")})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "hash cache registration failed")
}

func TestCoordinator_DefaultsNameAndMimeType(t *testing.T) {
	ctx := context.Background()
	var got CreateRequest
	remote := newFakeRemote()
	remote.afterCreate = func(req CreateRequest, id string) { got = req }
	c, _, _ := newTestCoordinator(t, remote)

	res, err := c.Process(ctx, Submission{Content: []byte("anonymous")})
	require.NoError(t, err)
	assert.Equal(t, "document-"+res.Fingerprint[:12], got.Name)
	assert.Equal(t, "application/octet-stream", got.MimeType)

	_, err = c.Process(ctx, Submission{Name: "report.pdf", Content: []byte("typed")})
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", got.MimeType)
}

func TestCoordinator_UnscopedSyncDoesNotLeakAcrossPartitions(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	inP1 := remote.add(Partition(1), "x.pdf", describedAs(t, "shared", "x.pdf", ""))
	c, cache, _ := newTestCoordinator(t, remote)
	s := NewSynchronizer(cache, remote, SynchronizerConfig{PageSize: 10, Logger: zerolog.Nop()})

	n, err := s.SyncFromRemote(ctx, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := c.Process(ctx, Submission{Name: "x.pdf", Content: []byte("shared"), Partition: Partition(2)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.NotEqual(t, inP1, res.DocumentID)
	assert.Equal(t, 1, remote.creates())

	again, err := c.Process(ctx, Submission{Name: "x.pdf", Content: []byte("shared"), Partition: Partition(1)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, again.Outcome)
	assert.Equal(t, inP1, again.DocumentID)
	assert.Equal(t, 1, remote.creates())
}

func TestCoordinator_UnscopedSubmissionDoesNotCoverPartitions(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c, _, _ := newTestCoordinator(t, remote)

	first, err := c.Process(ctx, Submission{Name: "x.pdf", Content: []byte("shared")})
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, first.Outcome)

	second, err := c.Process(ctx, Submission{Name: "x.pdf", Content: []byte("shared"), Partition: Partition(2)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, second.Outcome)
	assert.NotEqual(t, first.DocumentID, second.DocumentID)
	assert.Equal(t, 2, remote.creates())
}

func TestCoordinator_ColdStartSyncThenIngest(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	h1 := remote.add(nil, "one.pdf", describedAs(t, "first archived", "one.pdf", "m1"))
	remote.add(nil, "two.pdf", describedAs(t, "second archived", "two.pdf", "m2"))
	c, cache, _ := newTestCoordinator(t, remote)
	s := NewSynchronizer(cache, remote, SynchronizerConfig{PageSize: 10, Logger: zerolog.Nop()})

	n, err := s.SyncFromRemote(ctx, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(2), cache.Count(ctx, nil))

	lists := remote.lists()
	res, err := c.Process(ctx, Submission{Name: "resent.pdf", Content: []byte("first archived")})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, DuplicateInCache, res.DuplicateSource)
	assert.Equal(t, h1, res.DocumentID)
	assert.Equal(t, 0, remote.creates())
	assert.Equal(t, lists, remote.lists())
}
