package opds

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mmcdole/stacks/internal/domain"
)

// CachingFetcher stores every successfully fetched GET feed so it can be
// browsed offline later. When the catalog cannot be reached it serves the
// last cached copy instead.
type CachingFetcher struct {
	next   domain.FeedFetcher
	cache  domain.FeedCache
	logger *slog.Logger
}

// NewCachingFetcher wraps next
func NewCachingFetcher(next domain.FeedFetcher, cache domain.FeedCache, logger *slog.Logger) *CachingFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingFetcher{next: next, cache: cache, logger: logger}
}

func (f *CachingFetcher) Fetch(ctx context.Context, account domain.AccountID, uri string, creds *domain.Credentials, method string) (domain.Feed, error) {
	get := method == "" || method == http.MethodGet
	feed, err := f.next.Fetch(ctx, account, uri, creds, method)
	if err != nil {
		if get && errors.Is(err, domain.ErrServerOffline) {
			if cached, ok := f.cache.CachedFeed(account, uri); ok {
				f.logger.Info("serving cached feed", "uri", uri, "error", err)
				return cached, nil
			}
		}
		return nil, err
	}
	if get {
		if err := f.cache.SaveFeed(feed); err != nil {
			f.logger.Warn("failed to cache feed", "error", err, "uri", uri)
		}
	}
	return feed, nil
}
