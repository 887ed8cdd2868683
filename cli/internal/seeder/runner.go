package seeder

import (
	"context"
	"fmt"

	"github.com/telhawk-systems/telhawk-respond/internal/storage"
)

// DefaultBatchSize is the number of documents sent per bulk request.
const DefaultBatchSize = 500

// Indexer writes documents into the event store.
type Indexer interface {
	BulkIndex(ctx context.Context, index string, docs []map[string]any) (*storage.BulkResult, error)
}

// Result summarizes a seeding run.
type Result struct {
	Indexed int64
	Failed  int64
	Errors  []string
}

// Run indexes docs in batches. It stops at the first batch that cannot be
// sent at all; per-document failures are collected and the run continues.
func Run(ctx context.Context, idx Indexer, index string, docs []map[string]any, batchSize int) (*Result, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	res := &Result{}
	for start := 0; start < len(docs); start += batchSize {
		end := min(start+batchSize, len(docs))

		br, err := idx.BulkIndex(ctx, index, docs[start:end])
		if err != nil {
			return res, fmt.Errorf("failed to index batch %d-%d: %w", start, end, err)
		}
		res.Indexed += br.Indexed
		res.Failed += br.Failed
		res.Errors = append(res.Errors, br.Errors...)
	}
	return res, nil
}
