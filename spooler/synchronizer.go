package spooler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type SynchronizerConfig struct {
	PageSize      int
	RemoteTimeout time.Duration
	Logger        zerolog.Logger
	Metrics       *Metrics
}

// Synchronizer backfills an empty hash cache from the remote store. It is a
// one-shot bootstrap: a cache that already holds records for the partition
// is left alone, so documents created elsewhere afterwards are only found by
// the coordinator's remote fallback.
type Synchronizer struct {
	cache    *HashCache
	remote   RemoteStore
	pageSize int
	timeout  time.Duration
	log      zerolog.Logger
	metrics  *Metrics

	mu sync.Mutex
}

func NewSynchronizer(cache *HashCache, remote RemoteStore, cfg SynchronizerConfig) *Synchronizer {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = DefaultRemoteTimeout
	}
	return &Synchronizer{
		cache:    cache,
		remote:   remote,
		pageSize: cfg.PageSize,
		timeout:  cfg.RemoteTimeout,
		log:      cfg.Logger.With().Str("component", "synchronizer").Logger(),
		metrics:  cfg.Metrics,
	}
}

// SyncFromRemote returns the number of records upserted. When a page fails
// the scan stops and the partial count is returned together with the error;
// the count is meaningful either way.
func (s *Synchronizer) SyncFromRemote(ctx context.Context, partition *int64, maxPages int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxPages <= 0 {
		maxPages = DefaultSyncPages
	}
	if n := s.cache.Count(ctx, partition); n > 0 {
		s.log.Info().Int64("records", n).Str("partition", partitionLabel(partition)).Msg("hash cache already warm, skipping sync")
		return 0, nil
	}

	start := time.Now()
	s.log.Info().Str("partition", partitionLabel(partition)).Int("max_pages", maxPages).Msg("syncing hash cache from remote store")

	synced, checked, skipped := 0, 0, 0
	pages, err := scanRemote(ctx, s.remote, partition, maxPages, s.pageSize, s.timeout, func(doc Document) bool {
		checked++
		md, ok := parseDescription(doc.Description)
		if !ok {
			skipped++
			return false
		}
		if md.FromText {
			s.log.Debug().Str("document_id", doc.ID).Msg("fingerprint recovered from malformed metadata")
		}
		if upErr := s.cache.Upsert(ctx, md.cacheRecord(doc.ID, partition)); upErr != nil {
			s.log.Warn().Err(upErr).Str("document_id", doc.ID).Msg("sync upsert failed")
			return false
		}
		synced++
		return false
	})
	s.metrics.synced(synced)

	ev := s.log.Info()
	if err != nil {
		ev = s.log.Error().Err(err)
	}
	ev.Int("synced", synced).
		Int("checked", checked).
		Int("skipped", skipped).
		Int("pages", pages).
		Dur("elapsed", time.Since(start)).
		Msg("hash cache sync finished")
	return synced, err
}
