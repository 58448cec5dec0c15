package spooler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// RemoteDocumentMetadata is embedded as JSON in every created document's
// description. content_hash is what lets a cold cache be rebuilt from the store.
type RemoteDocumentMetadata struct {
	ContentHash    string            `json:"content_hash"`
	SourceFilename string            `json:"source_filename"`
	CorrelationID  *string           `json:"correlation_id"`
	SizeBytes      int64             `json:"size_bytes"`
	ProcessedAt    string            `json:"processed_at"`
	Source         string            `json:"source,omitempty"`
	Provenance     map[string]string `json:"provenance,omitempty"`
}

const metadataSchemaText = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["content_hash", "source_filename", "correlation_id", "size_bytes", "processed_at"],
  "properties": {
    "content_hash": {"type": "string", "pattern": "^[a-f0-9]{64}$"},
    "source_filename": {"type": "string"},
    "correlation_id": {"type": ["string", "null"]},
    "size_bytes": {"type": "integer", "minimum": 1},
    "processed_at": {"type": "string", "minLength": 1},
    "source": {"type": "string"},
    "provenance": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

var metadataSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(metadataSchemaText))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("remote-document-metadata.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("remote-document-metadata.json")
})

// ValidateDescription checks that desc carries a well-formed metadata blob.
func ValidateDescription(desc string) error {
	sch, err := metadataSchema()
	if err != nil {
		return fmt.Errorf("compile metadata schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(desc))
	if err != nil {
		return fmt.Errorf("decode description: %w", err)
	}
	return sch.Validate(inst)
}

func newRemoteMetadata(fingerprint string, sub Submission, now time.Time) RemoteDocumentMetadata {
	md := RemoteDocumentMetadata{
		ContentHash:    fingerprint,
		SourceFilename: sub.Name,
		SizeBytes:      int64(len(sub.Content)),
		ProcessedAt:    now.UTC().Format(time.RFC3339Nano),
		Source:         sub.Source,
	}
	if id := strings.TrimSpace(sub.CorrelationID); id != "" {
		md.CorrelationID = &id
	}
	if len(sub.Provenance) > 0 {
		md.Provenance = make(map[string]string, len(sub.Provenance))
		for k, v := range sub.Provenance {
			md.Provenance[k] = v
		}
	}
	return md
}

// Description renders md as the indented JSON stored in the remote description.
func (md RemoteDocumentMetadata) Description() (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(md); err != nil {
		return "", err
	}
	desc := strings.TrimSpace(buf.String())
	if err := ValidateDescription(desc); err != nil {
		return "", fmt.Errorf("metadata does not embed a recoverable fingerprint: %w", err)
	}
	return desc, nil
}

// Older tooling wrote the same information under these names.
var (
	hashKeys        = []string{"content_hash", "attachment_hash", "file_hash"}
	filenameKeys    = []string{"source_filename", "attachment_filename", "file_name"}
	correlationKeys = []string{"correlation_id", "email_message_id"}

	hashTextRe        = regexp.MustCompile(`"(?:content_hash|attachment_hash|file_hash)"\s*:\s*"([a-fA-F0-9]{64})"`)
	filenameTextRe    = regexp.MustCompile(`"(?:source_filename|attachment_filename|file_name)"\s*:\s*"([^"]*)"`)
	correlationTextRe = regexp.MustCompile(`"(?:correlation_id|email_message_id)"\s*:\s*"([^"]*)"`)
)

// recoveredMetadata is what a remote description yields for the cache.
type recoveredMetadata struct {
	Fingerprint   string
	Filename      string
	CorrelationID string
	// Raw is the JSON kept in CacheRecord.Metadata.
	Raw      string
	FromText bool
}

// parseDescription recovers a fingerprint from a free-text description:
// structured JSON first, then a textual match for malformed blobs. ok is
// false when neither yields a valid fingerprint.
func parseDescription(desc string) (recoveredMetadata, bool) {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return recoveredMetadata{}, false
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(desc), &fields); err == nil && fields != nil {
		fp := strings.ToLower(firstString(fields, hashKeys))
		if !ValidFingerprint(fp) {
			return recoveredMetadata{}, false
		}
		raw, err := json.Marshal(fields)
		if err != nil {
			raw = nil
		}
		return recoveredMetadata{
			Fingerprint:   fp,
			Filename:      firstString(fields, filenameKeys),
			CorrelationID: firstString(fields, correlationKeys),
			Raw:           string(raw),
		}, true
	}

	m := hashTextRe.FindStringSubmatch(desc)
	if len(m) != 2 {
		return recoveredMetadata{}, false
	}
	out := recoveredMetadata{
		Fingerprint: strings.ToLower(m[1]),
		Raw:         `{"source":"text_parsing"}`,
		FromText:    true,
	}
	if fm := filenameTextRe.FindStringSubmatch(desc); len(fm) == 2 {
		out.Filename = fm[1]
	}
	if cm := correlationTextRe.FindStringSubmatch(desc); len(cm) == 2 {
		out.CorrelationID = cm[1]
	}
	return out, true
}

func firstString(fields map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := fields[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func (r recoveredMetadata) cacheRecord(documentID string, partition *int64) CacheRecord {
	return CacheRecord{
		Fingerprint:   r.Fingerprint,
		DocumentID:    documentID,
		Filename:      r.Filename,
		CorrelationID: r.CorrelationID,
		PartitionID:   partition,
		Metadata:      r.Raw,
	}
}
