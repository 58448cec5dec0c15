package spooler

import (
	"context"
	"time"
)

const (
	DefaultPageSize        = 100
	DefaultSyncPages       = 100
	DefaultRemoteScanPages = 20
	DefaultRemoteTimeout   = 30 * time.Second
)

// Document is the part of a remote document the dedup logic reads.
type Document struct {
	ID          string
	Label       string
	Description string
}

type DocumentPage struct {
	Documents []Document
	// Total is the number of documents matching the listing, across all pages.
	Total int
}

type CreateRequest struct {
	Name        string
	Content     []byte
	MimeType    string
	Partition   *int64
	Description string
}

// RemoteStore is the authoritative document store. Pages are 1-based and the
// store must return descriptions verbatim.
type RemoteStore interface {
	ListDocuments(ctx context.Context, partition *int64, page, pageSize int) (DocumentPage, error)
	CreateDocument(ctx context.Context, req CreateRequest) (string, error)
}

func withRemoteTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// scanRemote walks the listing page by page, sequentially, until visit
// returns true, a page comes back empty, total is reached or maxPages pages
// were read. A failed page stops the scan; pages already visited count.
func scanRemote(
	ctx context.Context,
	store RemoteStore,
	partition *int64,
	maxPages, pageSize int,
	timeout time.Duration,
	visit func(Document) bool,
) (int, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	pages := 0
	seen := 0
	for page := 1; page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return pages, &RemoteError{Op: "list", Err: err}
		}
		pctx, cancel := withRemoteTimeout(ctx, timeout)
		res, err := store.ListDocuments(pctx, partition, page, pageSize)
		cancel()
		if err != nil {
			return pages, &RemoteError{Op: "list", Err: err}
		}
		pages++
		if len(res.Documents) == 0 {
			return pages, nil
		}
		for _, doc := range res.Documents {
			if visit(doc) {
				return pages, nil
			}
		}
		seen += len(res.Documents)
		if res.Total > 0 && seen >= res.Total {
			return pages, nil
		}
	}
	return pages, nil
}
