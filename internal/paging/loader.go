// Package paging loads the pages of an ungrouped feed on demand.
package paging

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/mmcdole/stacks/internal/domain"
	"github.com/mmcdole/stacks/internal/event"
)

// Owner says whose feed is being paged and how to authenticate page fetches
type Owner struct {
	Account domain.AccountID
	// Resolver supplies the account's current credentials at fetch time
	Resolver domain.CredentialResolver
	// Credentials of the original request, used when Resolver has none
	Credentials *domain.Credentials
}

func (o Owner) credentials() *domain.Credentials {
	if o.Resolver != nil {
		if creds, ok := o.Resolver.Credentials(o.Account); ok {
			return creds
		}
	}
	return o.Credentials
}

// Snapshot is the observable state of a loader
type Snapshot struct {
	Entries []domain.FeedEntry
	Next    string
	Loading bool
}

// Loader holds an append-only sequence of entries and fetches the next page
// when asked. At most one page fetch runs at a time.
type Loader struct {
	mu      sync.Mutex
	owner   Owner
	fetcher domain.FeedFetcher
	logger  *slog.Logger

	entries []domain.FeedEntry
	seen    map[domain.BookID]struct{}
	next    string
	loading bool

	state *event.Value[Snapshot]
}

// New creates a loader seeded with the entries of feed
func New(feed *domain.FeedUngrouped, owner Owner, fetcher domain.FeedFetcher, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		owner:   owner,
		fetcher: fetcher,
		logger:  logger,
		seen:    make(map[domain.BookID]struct{}),
		next:    feed.Next,
	}
	l.appendLocked(feed.Entries)
	l.state = event.NewValue(l.snapshotLocked())
	return l
}

// appendLocked adds entries whose ids have not been seen, keeping the first
// occurrence. Entries without an id cannot collide and are always kept.
func (l *Loader) appendLocked(entries []domain.FeedEntry) int {
	added := 0
	for _, e := range entries {
		id := e.EntryBookID()
		if id != "" {
			if _, dup := l.seen[id]; dup {
				continue
			}
			l.seen[id] = struct{}{}
		}
		l.entries = append(l.entries, e)
		added++
	}
	return added
}

func (l *Loader) snapshotLocked() Snapshot {
	// Clipped so later appends never show through a handed-out slice
	return Snapshot{Entries: slices.Clip(l.entries), Next: l.next, Loading: l.loading}
}

// LoadMore fetches the next page and appends its entries. It reports
// whether a page was loaded; it does nothing when there is no next page,
// a fetch is already running, or the feed has no single owning account.
// On failure the cursor is kept so the call can be retried.
func (l *Loader) LoadMore(ctx context.Context) (bool, error) {
	l.mu.Lock()
	if l.next == "" || l.loading || l.owner.Account == "" {
		l.mu.Unlock()
		return false, nil
	}
	cursor := l.next
	l.loading = true
	l.state.Set(l.snapshotLocked())
	l.mu.Unlock()

	l.logger.Debug("loading page", "accountID", l.owner.Account, "uri", cursor)
	feed, err := l.fetcher.Fetch(ctx, l.owner.Account, cursor, l.owner.credentials(), "GET")

	l.mu.Lock()
	defer l.mu.Unlock()
	l.loading = false

	if err != nil {
		l.logger.Warn("failed to load page", "error", err, "uri", cursor)
		l.state.Set(l.snapshotLocked())
		return false, domain.AsFailure(err, domain.FailureNetwork)
	}

	page, ok := feed.(*domain.FeedUngrouped)
	if !ok {
		l.state.Set(l.snapshotLocked())
		return false, domain.NewFailure(domain.FailureParse, "the next page is not a list of entries", domain.ErrParse,
			map[string]string{"Feed": cursor}).
			AddStep("Loading the next page", "Report the problem to the library", true)
	}

	added := l.appendLocked(page.Entries)
	l.next = page.Next
	if l.next == cursor {
		// A page that links to itself would never terminate
		l.logger.Warn("page links to itself", "uri", cursor)
		l.next = ""
	}
	l.logger.Debug("page loaded", "uri", cursor, "added", added, "total", len(l.entries))
	l.state.Set(l.snapshotLocked())
	return true, nil
}

// LoadAll keeps loading pages until there are none left or maxPages pages
// have been fetched (0 means no limit). It stops early if another caller's
// fetch is running.
func (l *Loader) LoadAll(ctx context.Context, maxPages int, onProgress func(pages, entries int)) error {
	for pages := 0; maxPages <= 0 || pages < maxPages; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		loaded, err := l.LoadMore(ctx)
		if err != nil {
			return err
		}
		if !loaded {
			return nil
		}
		pages++

		if onProgress != nil {
			onProgress(pages, len(l.Entries()))
		}
	}
	return nil
}

// Entries returns the entries loaded so far
func (l *Loader) Entries() []domain.FeedEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clip(l.entries)
}

// Next returns the cursor of the next page, or "" when there is none
func (l *Loader) Next() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// HasMore reports whether LoadMore could fetch another page
func (l *Loader) HasMore() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next != "" && l.owner.Account != ""
}

// Loading reports whether a page fetch is running
func (l *Loader) Loading() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loading
}

// Snapshot returns the current observable state
func (l *Loader) Snapshot() Snapshot {
	return l.state.Get()
}

// Subscribe delivers the current snapshot and then every change
func (l *Loader) Subscribe(fn func(Snapshot)) *event.Subscription {
	return l.state.Subscribe(fn)
}

// Close stops all subscribers
func (l *Loader) Close() {
	l.state.Close()
}
