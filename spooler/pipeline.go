package spooler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	SourceDirectory = "directory"
	SourceMail      = "mail"
)

// Journal outcomes. An "error" entry is retried on the next pass.
const (
	journalCreated   = "created"
	journalDuplicate = "duplicate"
	journalError     = "error"
)

type PipelineConfig struct {
	RemoteScanPages int
	SyncPages       int
	PageSize        int
	RemoteTimeout   time.Duration
	Logger          zerolog.Logger
	Metrics         *Metrics
}

// Pipeline is what the directory and mail front-ends share: one hash cache,
// one coordinator and the local ingest journal, all on the same database.
type Pipeline struct {
	DB           *gorm.DB
	Cache        *HashCache
	Coordinator  *DedupCoordinator
	Synchronizer *Synchronizer
	Metrics      *Metrics

	log       zerolog.Logger
	syncPages int

	syncMu sync.Mutex
	synced map[string]bool
}

func NewPipeline(db *gorm.DB, remote RemoteStore, cfg PipelineConfig) *Pipeline {
	if cfg.SyncPages <= 0 {
		cfg.SyncPages = DefaultSyncPages
	}
	cache := NewHashCache(db, cfg.Logger)
	return &Pipeline{
		DB:    db,
		Cache: cache,
		Coordinator: NewDedupCoordinator(cache, remote, CoordinatorConfig{
			RemoteScanPages: cfg.RemoteScanPages,
			PageSize:        cfg.PageSize,
			RemoteTimeout:   cfg.RemoteTimeout,
			Logger:          cfg.Logger,
			Metrics:         cfg.Metrics,
		}),
		Synchronizer: NewSynchronizer(cache, remote, SynchronizerConfig{
			PageSize:      cfg.PageSize,
			RemoteTimeout: cfg.RemoteTimeout,
			Logger:        cfg.Logger,
			Metrics:       cfg.Metrics,
		}),
		Metrics:   cfg.Metrics,
		log:       cfg.Logger.With().Str("component", "pipeline").Logger(),
		syncPages: cfg.SyncPages,
		synced:    make(map[string]bool),
	}
}

// EnsureSynced runs the cache bootstrap for partition once per process. A
// failed sync is logged and not retried: the coordinator's remote fallback
// still covers anything the cache misses.
func (p *Pipeline) EnsureSynced(ctx context.Context, partition *int64) {
	key := partitionLabel(partition)
	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	if p.synced[key] {
		return
	}
	p.synced[key] = true
	n, err := p.Synchronizer.SyncFromRemote(ctx, partition, p.syncPages)
	if err != nil {
		p.log.Warn().Err(err).Int("synced", n).Str("partition", key).Msg("initial hash cache sync incomplete")
	}
	p.Metrics.cacheSize(p.Cache.Count(ctx, nil))
}

// Ingest submits sub and journals the result under (path, fingerprint).
func (p *Pipeline) Ingest(ctx context.Context, path string, sub Submission) (Result, error) {
	res, err := p.Coordinator.Process(ctx, sub)
	entry := IngestEntry{
		Source:      sub.Source,
		Path:        path,
		SHA256:      res.Fingerprint,
		SizeBytes:   int64(len(sub.Content)),
		DocumentID:  res.DocumentID,
		PartitionID: sub.Partition,
		ProcessedAt: time.Now().UTC(),
	}
	switch {
	case err != nil:
		entry.Outcome = journalError
		entry.LastError = err.Error()
	case res.Outcome == OutcomeDuplicate:
		entry.Outcome = journalDuplicate
	default:
		entry.Outcome = journalCreated
		p.Metrics.cacheSize(p.Cache.Count(ctx, nil))
	}
	if len(res.Warnings) > 0 && entry.LastError == "" {
		entry.LastError = strings.Join(res.Warnings, "; ")
	}
	if entry.SHA256 != "" {
		if jErr := p.journal(ctx, entry); jErr != nil {
			p.log.Warn().Err(jErr).Str("path", path).Msg("ingest journal write failed")
		}
	}
	return res, err
}

func (p *Pipeline) journal(ctx context.Context, e IngestEntry) error {
	return p.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "path"}, {Name: "sha256"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"source", "size_bytes", "outcome", "document_id", "partition_id", "processed_at", "last_error",
		}),
	}).Create(&e).Error
}

// alreadyIngested reports whether (path, sha) reached a terminal outcome.
func (p *Pipeline) alreadyIngested(ctx context.Context, path, sha string) (bool, error) {
	var e IngestEntry
	err := p.DB.WithContext(ctx).
		Where("path = ? AND sha256 = ? AND outcome IN ?", path, sha, []string{journalCreated, journalDuplicate}).
		Take(&e).Error
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, err
}

func (p *Pipeline) markDisposed(ctx context.Context, path, sha, note string) {
	updates := map[string]any{"disposed": true}
	if note != "" {
		updates["last_error"] = note
	}
	err := p.DB.WithContext(ctx).Model(&IngestEntry{}).
		Where("path = ? AND sha256 = ?", path, sha).
		Updates(updates).Error
	if err != nil {
		p.log.Warn().Err(err).Str("path", path).Msg("ingest journal update failed")
	}
}
