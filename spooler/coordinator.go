package spooler

import (
	"context"
	"errors"
	"mime"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Submission is one newly observed file.
type Submission struct {
	Name          string
	Content       []byte
	MimeType      string
	CorrelationID string
	Partition     *int64
	// Source names the pipeline that observed the file (directory, mail).
	Source     string
	Provenance map[string]string
}

type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeDuplicate Outcome = "duplicate"
)

const (
	DuplicateInCache  = "cache"
	DuplicateInRemote = "remote"
)

type Result struct {
	Outcome     Outcome
	Fingerprint string
	// DocumentID is the new document on create, the existing one on duplicate.
	DocumentID      string
	DuplicateSource string
	Existing        *CacheRecord
	// Inconsistency is set when another document with the same content showed
	// up right after creation. The new document is still valid.
	Inconsistency *RaceInconsistency
	Warnings      []string
}

type CoordinatorConfig struct {
	RemoteScanPages int
	PageSize        int
	RemoteTimeout   time.Duration
	Logger          zerolog.Logger
	Metrics         *Metrics
}

// DedupCoordinator creates each distinct content at most once per partition.
//
// Lookups run concurrently. createMu serializes only create+register for this
// instance; other processes writing to the same store are not covered and are
// only detected after the fact by the post-create check.
type DedupCoordinator struct {
	cache   *HashCache
	remote  RemoteStore
	cfg     CoordinatorConfig
	log     zerolog.Logger
	metrics *Metrics
	now     func() time.Time

	createMu sync.Mutex
}

func NewDedupCoordinator(cache *HashCache, remote RemoteStore, cfg CoordinatorConfig) *DedupCoordinator {
	if cfg.RemoteScanPages <= 0 {
		cfg.RemoteScanPages = DefaultRemoteScanPages
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = DefaultRemoteTimeout
	}
	return &DedupCoordinator{
		cache:   cache,
		remote:  remote,
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "dedup").Logger(),
		metrics: cfg.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Process decides whether sub duplicates stored content and creates it otherwise.
// A duplicate is a normal result, not an error.
func (c *DedupCoordinator) Process(ctx context.Context, sub Submission) (Result, error) {
	fp, err := ComputeFingerprint(sub.Content)
	if err != nil {
		c.metrics.outcome(sub.Source, "error")
		return Result{}, err
	}
	if strings.TrimSpace(sub.Name) == "" {
		sub.Name = "document-" + fp[:12]
	}
	log := c.log.With().
		Str("fingerprint", shortFingerprint(fp)).
		Str("name", sub.Name).
		Str("partition", partitionLabel(sub.Partition)).
		Logger()

	if rec, ok := c.checkLocal(ctx, fp, sub.Partition, ""); ok {
		log.Info().Str("document_id", rec.DocumentID).Msg("duplicate found in hash cache")
		c.metrics.outcome(sub.Source, "duplicate_cache")
		return duplicateResult(fp, rec, DuplicateInCache), nil
	}

	if rec, ok := c.checkRemote(ctx, fp, sub.Partition, "", "check"); ok {
		if upErr := c.cache.Upsert(ctx, rec); upErr != nil {
			log.Warn().Err(upErr).Msg("could not backfill remote duplicate into hash cache")
		}
		log.Info().Str("document_id", rec.DocumentID).Msg("duplicate found in remote store")
		c.metrics.outcome(sub.Source, "duplicate_remote")
		return duplicateResult(fp, rec, DuplicateInRemote), nil
	}

	res, err := c.createExclusive(ctx, fp, sub, log)
	switch {
	case err != nil:
		c.metrics.outcome(sub.Source, "error")
	case res.Outcome == OutcomeDuplicate:
		c.metrics.outcome(sub.Source, "duplicate_cache")
	default:
		c.metrics.outcome(sub.Source, "created")
	}
	return res, err
}

func duplicateResult(fp string, rec CacheRecord, source string) Result {
	return Result{
		Outcome:         OutcomeDuplicate,
		Fingerprint:     fp,
		DocumentID:      rec.DocumentID,
		DuplicateSource: source,
		Existing:        &rec,
	}
}

func (c *DedupCoordinator) checkLocal(ctx context.Context, fp string, partition *int64, exclude string) (CacheRecord, bool) {
	rec, ok := c.cache.Get(ctx, fp, partition)
	if !ok || (exclude != "" && rec.DocumentID == exclude) {
		return CacheRecord{}, false
	}
	return rec, true
}

// checkRemote scans the remote listing for fp. Scan failures are logged and
// reported as "not found".
func (c *DedupCoordinator) checkRemote(ctx context.Context, fp string, partition *int64, exclude, phase string) (CacheRecord, bool) {
	var found *CacheRecord
	pages, err := scanRemote(ctx, c.remote, partition, c.cfg.RemoteScanPages, c.cfg.PageSize, c.cfg.RemoteTimeout, func(doc Document) bool {
		if exclude != "" && doc.ID == exclude {
			return false
		}
		md, ok := parseDescription(doc.Description)
		if !ok || md.Fingerprint != fp {
			return false
		}
		rec := md.cacheRecord(doc.ID, partition)
		found = &rec
		return true
	})
	if found != nil {
		c.metrics.remoteScan(phase, "hit")
		return *found, true
	}
	if err != nil {
		c.metrics.remoteScan(phase, "error")
		c.log.Warn().Err(err).
			Str("fingerprint", shortFingerprint(fp)).
			Str("phase", phase).
			Int("pages", pages).
			Msg("remote duplicate scan failed, treating as not found")
		return CacheRecord{}, false
	}
	c.metrics.remoteScan(phase, "miss")
	return CacheRecord{}, false
}

func (c *DedupCoordinator) createExclusive(ctx context.Context, fp string, sub Submission, log zerolog.Logger) (Result, error) {
	c.createMu.Lock()
	defer c.createMu.Unlock()

	// Another submission of this instance may have registered the same
	// content while we waited. Only the local cache is consulted here.
	if rec, ok := c.checkLocal(ctx, fp, sub.Partition, ""); ok {
		log.Info().Str("document_id", rec.DocumentID).Msg("duplicate registered by a concurrent submission")
		return duplicateResult(fp, rec, DuplicateInCache), nil
	}

	md := newRemoteMetadata(fp, sub, c.now())
	desc, err := md.Description()
	if err != nil {
		return Result{Fingerprint: fp}, err
	}
	mimeType := strings.TrimSpace(sub.MimeType)
	if mimeType == "" {
		mimeType = guessMimeType(sub.Name)
	}

	start := time.Now()
	cctx, cancel := withRemoteTimeout(ctx, c.cfg.RemoteTimeout)
	docID, err := c.remote.CreateDocument(cctx, CreateRequest{
		Name:        sub.Name,
		Content:     sub.Content,
		MimeType:    mimeType,
		Partition:   sub.Partition,
		Description: desc,
	})
	cancel()
	c.metrics.createTook(time.Since(start))
	docID = strings.TrimSpace(docID)
	if err == nil && docID == "" {
		err = errors.New("store returned an empty document id")
	}
	if err != nil {
		log.Error().Err(err).Msg("remote document creation failed")
		return Result{Fingerprint: fp}, &RemoteError{Op: "create", Err: err}
	}

	res := Result{Outcome: OutcomeCreated, Fingerprint: fp, DocumentID: docID}

	rec := CacheRecord{
		Fingerprint:   fp,
		DocumentID:    docID,
		Filename:      sub.Name,
		CorrelationID: strings.TrimSpace(sub.CorrelationID),
		PartitionID:   sub.Partition,
		Metadata:      desc,
	}
	if err := c.cache.Upsert(ctx, rec); err != nil {
		log.Error().Err(err).Str("document_id", docID).Msg("document created but not registered in hash cache")
		res.Warnings = append(res.Warnings, "hash cache registration failed: "+err.Error())
	}

	if dup, ok := c.checkRemote(ctx, fp, sub.Partition, docID, "verify"); ok {
		inc := &RaceInconsistency{Fingerprint: fp, DocumentID: docID, DuplicateDocumentID: dup.DocumentID}
		log.Error().
			Str("document_id", docID).
			Str("duplicate_document_id", dup.DocumentID).
			Msg("critical inconsistency: content stored twice in remote store")
		c.metrics.raceInconsistency()
		res.Inconsistency = inc
		res.Warnings = append(res.Warnings, inc.Error())
	}

	log.Info().Str("document_id", docID).Msg("document created")
	return res, nil
}

func guessMimeType(name string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}
	return "application/octet-stream"
}
