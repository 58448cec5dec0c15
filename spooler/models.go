package spooler

import (
	"encoding/json"
	"strconv"
	"time"
)

// CacheRecord maps one content fingerprint to the remote document holding it.
type CacheRecord struct {
	ID            uint   `gorm:"primaryKey"`
	Fingerprint   string `gorm:"column:fingerprint;uniqueIndex:idx_content_hashes_fingerprint;size:64;not null"`
	DocumentID    string `gorm:"column:remote_document_id;index:idx_content_hashes_document;size:64;not null"`
	Filename      string `gorm:"column:filename;size:1024"`
	CorrelationID string `gorm:"column:correlation_id;index:idx_content_hashes_correlation;size:512"`
	PartitionID   *int64 `gorm:"column:partition_id;index:idx_content_hashes_partition"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	// Metadata is the serialized JSON object recovered from (or written to) the remote description.
	Metadata string `gorm:"column:metadata;type:text"`
}

func (CacheRecord) TableName() string { return "content_hashes" }

// MetadataMap decodes Metadata. It returns nil when empty or not an object.
func (r CacheRecord) MetadataMap() map[string]any {
	if r.Metadata == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(r.Metadata), &m); err != nil {
		return nil
	}
	return m
}

// IngestEntry journals what happened to one observed file (or mail attachment).
type IngestEntry struct {
	ID          uint   `gorm:"primaryKey"`
	Source      string `gorm:"index;size:16"` // directory, mail
	Path        string `gorm:"uniqueIndex:uniq_journal_path_sha;size:1024"`
	SHA256      string `gorm:"uniqueIndex:uniq_journal_path_sha;size:64"`
	SizeBytes   int64
	Outcome     string `gorm:"index;size:16"` // created, duplicate, error
	DocumentID  string `gorm:"size:64"`
	PartitionID *int64
	ProcessedAt time.Time `gorm:"index"`
	Disposed    bool      `gorm:"index"`
	LastError   string    `gorm:"type:text"`
}

func (IngestEntry) TableName() string { return "ingest_journal" }

// Partition returns a pointer to id, for the optional partition arguments.
func Partition(id int64) *int64 { return &id }

func partitionLabel(p *int64) string {
	if p == nil {
		return "none"
	}
	return strconv.FormatInt(*p, 10)
}
