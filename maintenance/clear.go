package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/electric-coding-llc/s3store/storage"
)

type ClearOptions struct {
	Store    storage.ObjectStore
	Prefix   string
	PageSize int32
	DryRun   bool
	Logger   *slog.Logger
}

type ClearResult struct {
	Pages            int
	ListedObjects    int
	CandidateDeletes int
	DeletedObjects   int
	AlreadyAbsent    int
	DryRun           bool
}

// ClearPrefix deletes every key under opts.Prefix, page by page. Keys that
// vanish before they are deleted count as cleared.
func ClearPrefix(ctx context.Context, opts ClearOptions) (ClearResult, error) {
	if opts.Store == nil {
		return ClearResult{}, fmt.Errorf("object store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	result := ClearResult{DryRun: opts.DryRun}
	batcher, canBatch := opts.Store.(storage.BatchDeleter)

	cursor := opts.Store.List(opts.Prefix, storage.WithPageSize(opts.PageSize))
	for cursor.HasMorePages() {
		page, err := cursor.NextPage(ctx)
		if err != nil {
			return result, fmt.Errorf("list objects under %q: %w", opts.Prefix, err)
		}
		result.Pages++
		result.ListedObjects += len(page.Objects)
		result.CandidateDeletes += len(page.Objects)
		if opts.DryRun || len(page.Objects) == 0 {
			continue
		}

		if canBatch {
			deleted, err := batcher.DeleteObjects(ctx, page.Keys())
			result.DeletedObjects += deleted
			if err != nil {
				return result, fmt.Errorf("delete objects under %q: %w", opts.Prefix, err)
			}
		} else {
			for _, key := range page.Keys() {
				err := opts.Store.DeleteObject(ctx, key)
				switch {
				case err == nil:
					result.DeletedObjects++
				case errors.Is(err, storage.ErrNotFound):
					result.AlreadyAbsent++
				default:
					return result, fmt.Errorf("delete object %s: %w", key, err)
				}
			}
		}
		logger.DebugContext(ctx, "cleared page", "prefix", opts.Prefix, "page", result.Pages, "keys", len(page.Objects))
	}

	logger.InfoContext(ctx, "prefix cleared",
		"prefix", opts.Prefix,
		"listed", result.ListedObjects,
		"deleted", result.DeletedObjects,
		"dry_run", result.DryRun,
	)
	return result, nil
}
