package spooler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// HashCache is the local fingerprint -> remote document index.
//
// Read operations never fail: storage errors are logged and reported as
// "not found" (false, zero, empty). Write operations return *CacheStorageError.
//
// Partition scoping: every operation given a partition matches records of
// that partition only. A record stored without one was found by an unscoped
// lookup and is not visible to partitioned queries. A nil partition matches all.
type HashCache struct {
	db  *gorm.DB
	log zerolog.Logger
	now func() time.Time
}

func NewHashCache(db *gorm.DB, logger zerolog.Logger) *HashCache {
	return &HashCache{
		db:  db,
		log: logger.With().Str("component", "hash_cache").Logger(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Close releases the underlying database.
func (c *HashCache) Close() error { return CloseDB(c.db) }

func exactScope(partition *int64) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		if partition == nil {
			return tx
		}
		return tx.Where("partition_id = ?", *partition)
	}
}

func (c *HashCache) Exists(ctx context.Context, fingerprint string, partition *int64) bool {
	_, ok := c.Get(ctx, fingerprint, partition)
	return ok
}

func (c *HashCache) Get(ctx context.Context, fingerprint string, partition *int64) (CacheRecord, bool) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return CacheRecord{}, false
	}
	var rec CacheRecord
	err := c.db.WithContext(ctx).
		Where("fingerprint = ?", fingerprint).
		Scopes(exactScope(partition)).
		Take(&rec).Error
	if err == nil {
		return rec, true
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		c.log.Error().Err(err).Str("fingerprint", shortFingerprint(fingerprint)).Str("partition", partitionLabel(partition)).Msg("hash cache lookup failed")
	}
	return CacheRecord{}, false
}

// Upsert inserts rec or, when its fingerprint is already present, replaces
// every field except the fingerprint and the original created_at.
func (c *HashCache) Upsert(ctx context.Context, rec CacheRecord) error {
	rec.Fingerprint = strings.TrimSpace(rec.Fingerprint)
	rec.DocumentID = strings.TrimSpace(rec.DocumentID)
	if !ValidFingerprint(rec.Fingerprint) {
		return &ValidationError{Field: "fingerprint", Reason: "not a sha256 hex digest"}
	}
	if rec.DocumentID == "" {
		return &ValidationError{Field: "document_id", Reason: "empty"}
	}
	now := c.now()
	rec.ID = 0
	rec.CreatedAt = now
	rec.UpdatedAt = now

	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "fingerprint"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"remote_document_id", "filename", "correlation_id", "partition_id", "updated_at", "metadata",
		}),
	}).Create(&rec).Error
	if err != nil {
		c.log.Error().Err(err).Str("fingerprint", shortFingerprint(rec.Fingerprint)).Str("document_id", rec.DocumentID).Msg("hash cache upsert failed")
		return &CacheStorageError{Op: "upsert", Err: err}
	}
	return nil
}

// Remove deletes the record for fingerprint and reports whether one existed.
func (c *HashCache) Remove(ctx context.Context, fingerprint string) (bool, error) {
	res := c.db.WithContext(ctx).Where("fingerprint = ?", strings.TrimSpace(fingerprint)).Delete(&CacheRecord{})
	if res.Error != nil {
		c.log.Error().Err(res.Error).Str("fingerprint", shortFingerprint(fingerprint)).Msg("hash cache remove failed")
		return false, &CacheStorageError{Op: "remove", Err: res.Error}
	}
	return res.RowsAffected > 0, nil
}

// Clear deletes every record of partition, or the whole cache when partition is nil.
func (c *HashCache) Clear(ctx context.Context, partition *int64) (int64, error) {
	tx := c.db.WithContext(ctx).Scopes(exactScope(partition))
	if partition == nil {
		tx = tx.Where("1 = 1")
	}
	res := tx.Delete(&CacheRecord{})
	if res.Error != nil {
		c.log.Error().Err(res.Error).Str("partition", partitionLabel(partition)).Msg("hash cache clear failed")
		return 0, &CacheStorageError{Op: "clear", Err: res.Error}
	}
	c.log.Info().Int64("deleted", res.RowsAffected).Str("partition", partitionLabel(partition)).Msg("hash cache cleared")
	return res.RowsAffected, nil
}

func (c *HashCache) Count(ctx context.Context, partition *int64) int64 {
	var n int64
	err := c.db.WithContext(ctx).Model(&CacheRecord{}).Scopes(exactScope(partition)).Count(&n).Error
	if err != nil {
		c.log.Error().Err(err).Str("partition", partitionLabel(partition)).Msg("hash cache count failed")
		return 0
	}
	return n
}

func (c *HashCache) AllFingerprints(ctx context.Context, partition *int64) map[string]struct{} {
	var fps []string
	err := c.db.WithContext(ctx).Model(&CacheRecord{}).Scopes(exactScope(partition)).Pluck("fingerprint", &fps).Error
	if err != nil {
		c.log.Error().Err(err).Str("partition", partitionLabel(partition)).Msg("hash cache listing failed")
		return map[string]struct{}{}
	}
	out := make(map[string]struct{}, len(fps))
	for _, fp := range fps {
		out[fp] = struct{}{}
	}
	return out
}
