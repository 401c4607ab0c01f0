package paging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcdole/stacks/internal/domain"
	"github.com/mmcdole/stacks/internal/log"
)

type pageFetcher struct {
	mu    sync.Mutex
	pages map[string]domain.Feed
	errs  map[string]error
	calls []string
	creds []*domain.Credentials
	gate  chan struct{} // when set, Fetch waits on it
}

func (f *pageFetcher) Fetch(ctx context.Context, account domain.AccountID, uri string, creds *domain.Credentials, method string) (domain.Feed, error) {
	f.mu.Lock()
	f.calls = append(f.calls, uri)
	f.creds = append(f.creds, creds)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[uri]; err != nil {
		return nil, err
	}
	return f.pages[uri], nil
}

func (f *pageFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func entry(id string) domain.FeedEntry {
	return &domain.EntryValid{ID: domain.BookID(id), Account: "nypl", Title: id}
}

func ids(entries []domain.FeedEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = string(e.EntryBookID())
	}
	return out
}

func page(next string, entryIDs ...string) *domain.FeedUngrouped {
	f := &domain.FeedUngrouped{Account: "nypl", Next: next}
	for _, id := range entryIDs {
		f.Entries = append(f.Entries, entry(id))
	}
	return f
}

func TestLoadMoreRoundTrip(t *testing.T) {
	fetcher := &pageFetcher{pages: map[string]domain.Feed{
		"c1": page("c2", "b", "c"),
		"c2": page("", "c", "d", "e"),
	}}
	l := New(page("c1", "a", "b"), Owner{Account: "nypl"}, fetcher, log.NullLogger())
	t.Cleanup(l.Close)

	assert.Equal(t, []string{"a", "b"}, ids(l.Entries()))

	loaded, err := l.LoadMore(context.Background())
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, "c2", l.Next())

	loaded, err = l.LoadMore(context.Background())
	require.NoError(t, err)
	assert.True(t, loaded)

	loaded, err = l.LoadMore(context.Background())
	require.NoError(t, err)
	assert.False(t, loaded)

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids(l.Entries()))
	assert.Empty(t, l.Next())
	assert.False(t, l.HasMore())
	assert.Equal(t, []string{"c1", "c2"}, fetcher.calls)
}

func TestLoadMoreWithoutCursorIsNoop(t *testing.T) {
	fetcher := &pageFetcher{}
	l := New(page("", "a", "b", "c"), Owner{Account: "nypl"}, fetcher, nil)
	t.Cleanup(l.Close)

	for range 3 {
		loaded, err := l.LoadMore(context.Background())
		require.NoError(t, err)
		assert.False(t, loaded)
	}
	assert.Zero(t, fetcher.callCount())
	assert.Len(t, l.Entries(), 3)
}

func TestLoadMoreFailureKeepsCursor(t *testing.T) {
	fetcher := &pageFetcher{
		pages: map[string]domain.Feed{"c1": page("", "b")},
		errs:  map[string]error{"c1": domain.ErrServerOffline},
	}
	l := New(page("c1", "a"), Owner{Account: "nypl"}, fetcher, nil)
	t.Cleanup(l.Close)

	loaded, err := l.LoadMore(context.Background())
	require.Error(t, err)
	assert.False(t, loaded)

	var f *domain.Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, domain.FailureNetwork, f.Kind)
	assert.Equal(t, "c1", l.Next())
	assert.Equal(t, []string{"a"}, ids(l.Entries()))
	assert.False(t, l.Loading())

	// Retry once the server is back
	fetcher.mu.Lock()
	delete(fetcher.errs, "c1")
	fetcher.mu.Unlock()

	loaded, err = l.LoadMore(context.Background())
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, []string{"a", "b"}, ids(l.Entries()))
}

func TestLoadMoreGroupedPageIsParseFailure(t *testing.T) {
	fetcher := &pageFetcher{pages: map[string]domain.Feed{"c1": &domain.FeedGrouped{Account: "nypl"}}}
	l := New(page("c1", "a"), Owner{Account: "nypl"}, fetcher, nil)
	t.Cleanup(l.Close)

	_, err := l.LoadMore(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrParse))
	assert.Equal(t, "c1", l.Next())
}

func TestLoadMoreSingleFlight(t *testing.T) {
	gate := make(chan struct{})
	fetcher := &pageFetcher{pages: map[string]domain.Feed{"c1": page("", "b")}, gate: gate}
	l := New(page("c1", "a"), Owner{Account: "nypl"}, fetcher, nil)
	t.Cleanup(l.Close)

	done := make(chan bool)
	go func() {
		loaded, _ := l.LoadMore(context.Background())
		done <- loaded
	}()

	require.Eventually(t, l.Loading, time.Second, 5*time.Millisecond)

	loaded, err := l.LoadMore(context.Background())
	require.NoError(t, err)
	assert.False(t, loaded, "second call while loading must be a no-op")

	close(gate)
	assert.True(t, <-done)
	assert.Equal(t, 1, fetcher.callCount())
}

func TestLoaderWithoutAccountDoesNotPaginate(t *testing.T) {
	fetcher := &pageFetcher{}
	l := New(page("c1", "a"), Owner{}, fetcher, nil)
	t.Cleanup(l.Close)

	loaded, err := l.LoadMore(context.Background())
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.False(t, l.HasMore())
	assert.Zero(t, fetcher.callCount())
}

func TestInitialDuplicatesAndCorruptEntries(t *testing.T) {
	initial := page("", "a", "a")
	initial.Entries = append(initial.Entries,
		&domain.EntryCorrupt{Account: "nypl", Err: domain.ErrParse},
		&domain.EntryCorrupt{Account: "nypl", Err: domain.ErrParse},
	)
	l := New(initial, Owner{Account: "nypl"}, &pageFetcher{}, nil)
	t.Cleanup(l.Close)

	assert.Equal(t, []string{"a", "", ""}, ids(l.Entries()))
}

type staticResolver map[domain.AccountID]*domain.Credentials

func (r staticResolver) Credentials(id domain.AccountID) (*domain.Credentials, bool) {
	c, ok := r[id]
	return c, ok
}

func TestPageFetchUsesCurrentCredentials(t *testing.T) {
	fetcher := &pageFetcher{pages: map[string]domain.Feed{"c1": page("c2"), "c2": page("")}}
	original := &domain.Credentials{Username: "old"}
	resolver := staticResolver{}
	l := New(page("c1"), Owner{Account: "nypl", Resolver: resolver, Credentials: original}, fetcher, nil)
	t.Cleanup(l.Close)

	_, err := l.LoadMore(context.Background())
	require.NoError(t, err)

	fresh := &domain.Credentials{Username: "new"}
	resolver["nypl"] = fresh
	_, err = l.LoadMore(context.Background())
	require.NoError(t, err)

	assert.Same(t, original, fetcher.creds[0])
	assert.Same(t, fresh, fetcher.creds[1])
}

func TestLoadAll(t *testing.T) {
	fetcher := &pageFetcher{pages: map[string]domain.Feed{
		"c1": page("c2", "b"),
		"c2": page("c3", "c"),
		"c3": page("", "d"),
	}}
	l := New(page("c1", "a"), Owner{Account: "nypl"}, fetcher, nil)
	t.Cleanup(l.Close)

	var progress []int
	require.NoError(t, l.LoadAll(context.Background(), 2, func(pages, entries int) {
		progress = append(progress, entries)
	}))
	assert.Equal(t, []int{2, 3}, progress)
	assert.Equal(t, "c3", l.Next())

	require.NoError(t, l.LoadAll(context.Background(), 0, nil))
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(l.Entries()))
}

func TestSelfLinkingPageTerminates(t *testing.T) {
	fetcher := &pageFetcher{pages: map[string]domain.Feed{"c1": page("c1", "b")}}
	l := New(page("c1", "a"), Owner{Account: "nypl"}, fetcher, nil)
	t.Cleanup(l.Close)

	require.NoError(t, l.LoadAll(context.Background(), 0, nil))
	assert.Equal(t, 1, fetcher.callCount())
	assert.False(t, l.HasMore())
}

func TestSubscribeSeesAppends(t *testing.T) {
	fetcher := &pageFetcher{pages: map[string]domain.Feed{"c1": page("", "b")}}
	l := New(page("c1", "a"), Owner{Account: "nypl"}, fetcher, nil)
	t.Cleanup(l.Close)

	var mu sync.Mutex
	var lengths []int
	sub := l.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		lengths = append(lengths, len(s.Entries))
	})
	defer sub.Close()

	_, err := l.LoadMore(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lengths) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// initial, loading, loaded
	assert.Equal(t, []int{1, 1, 2}, lengths)
}
