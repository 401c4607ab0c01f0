// Package navigation turns navigation requests into an observable stream of
// states and keeps the back-history.
package navigation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/mmcdole/stacks/internal/domain"
	"github.com/mmcdole/stacks/internal/event"
	"github.com/mmcdole/stacks/internal/paging"
)

type mode int

const (
	modeGoTo mode = iota
	modeBack
	modeRefresh
)

// Option configures a Controller
type Option func(*Controller)

// WithHistoryLimit caps the back-stack; 0 leaves it unbounded
func WithHistoryLimit(n int) Option {
	return func(c *Controller) { c.history = NewHistory(n) }
}

// WithCredentials resolves credentials for NewFeed requests that carry none
func WithCredentials(r domain.CredentialResolver) Option {
	return func(c *Controller) { c.resolver = r }
}

// Pending tracks one navigation request
type Pending struct {
	done chan struct{}
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func resolved(err error) *Pending {
	p := newPending()
	p.resolve(err)
	return p
}

func (p *Pending) resolve(err error) {
	p.err = err
	close(p.done)
}

// Done is closed once the request has finished or been superseded
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the request's terminal state has been applied. It
// returns nil on success, the *domain.Failure shown in the Error state, or
// domain.ErrSuperseded when a newer request replaced this one.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Controller is the navigation state machine. Only the most recent request
// can change the state; results of superseded requests are discarded.
type Controller struct {
	mu       sync.Mutex
	fetcher  domain.FeedFetcher
	resolver domain.CredentialResolver
	logger   *slog.Logger
	history  *History

	current   domain.Request // last request that loaded successfully
	handle    *FeedHandle
	loaderSub *event.Subscription

	gen     uint64
	cancel  context.CancelFunc
	pending *Pending

	state     *event.Value[State]
	grouped   *event.Value[[]domain.FeedGroup]
	ungrouped *event.Value[[]domain.FeedEntry]
	entry     *event.Value[domain.FeedEntry]

	ctx      context.Context
	shutdown context.CancelFunc
	wg       conc.WaitGroup
	closed   bool
}

// NewController creates a controller in the Initial state
func NewController(fetcher domain.FeedFetcher, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		fetcher:   fetcher,
		logger:    logger,
		history:   NewHistory(0),
		state:     event.NewValue[State](Initial{}),
		grouped:   event.NewValue[[]domain.FeedGroup](nil),
		ungrouped: event.NewValue[[]domain.FeedEntry](nil),
		entry:     event.NewValue[domain.FeedEntry](nil),
		ctx:       ctx,
		shutdown:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GoTo starts navigating to req. The state becomes Loading immediately.
// Any request still in flight is cancelled and its result ignored.
func (c *Controller) GoTo(req domain.Request) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(req, modeGoTo, nil)
}

// GoBack re-issues the request on top of the history. The entry is popped
// only once that request has loaded. Without history it does nothing.
func (c *Controller) GoBack() *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	top, ok := c.history.Top()
	if !ok {
		return resolved(nil)
	}
	return c.startLocked(top.Request, modeBack, top)
}

// Refresh re-issues the request of the current state without touching
// history. From Error that is the request that failed. The list position
// starts over at the top.
func (c *Controller) Refresh() *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := RequestOf(c.state.Get())
	if !ok {
		req = c.current
	}
	if req == nil {
		return resolved(nil)
	}
	return c.startLocked(req, modeRefresh, nil)
}

// HasHistory reports whether GoBack has somewhere to go
func (c *Controller) HasHistory() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Len() > 0
}

// History returns the stacked requests, oldest first
func (c *Controller) History() []domain.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Requests()
}

// Current returns the last request that loaded successfully
func (c *Controller) Current() (domain.Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.current != nil
}

// ClearHistory abandons any request in flight, empties the history and
// returns to the Initial state.
func (c *Controller) ClearHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.supersedeLocked()
	c.gen++
	c.history.Clear()
	c.current = nil
	c.applyLocked(Initial{}, nil)
}

// ForgetAccount drops history entries of an account. If the account's feed
// is on screen, navigation returns to the Initial state.
func (c *Controller) ForgetAccount(account domain.AccountID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.history.RemoveAccount(account)
	c.logger.Debug("forgot account history", "accountID", account, "removed", n)

	req, ok := RequestOf(c.state.Get())
	if !ok || req.RequestAccountID() != account {
		return
	}
	c.supersedeLocked()
	c.gen++
	c.current = nil
	c.applyLocked(Initial{}, nil)
}

// LoadMore loads the next page of the feed on screen. It does nothing
// unless the state is LoadedFeedWithoutGroups.
func (c *Controller) LoadMore(ctx context.Context) (bool, error) {
	c.mu.Lock()
	s, ok := c.state.Get().(LoadedFeedWithoutGroups)
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	return s.Handle.Loader.LoadMore(ctx)
}

// State is the observable navigation state
func (c *Controller) State() event.Observable[State] { return c.state }

// EntriesGrouped holds the groups of a grouped feed on screen, else nil
func (c *Controller) EntriesGrouped() event.Observable[[]domain.FeedGroup] { return c.grouped }

// EntriesUngrouped holds the entries loaded so far of an ungrouped feed on
// screen, else nil. It grows as pages load.
func (c *Controller) EntriesUngrouped() event.Observable[[]domain.FeedEntry] { return c.ungrouped }

// Entry holds the entry on screen for LoadedFeedEntry, else nil
func (c *Controller) Entry() event.Observable[domain.FeedEntry] { return c.entry }

// Close cancels any request in flight and stops all subscribers
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.pending != nil {
		c.cancel()
		c.pending.resolve(domain.ErrClosed)
		c.pending = nil
	}
	c.gen++
	c.mu.Unlock()

	c.shutdown()
	c.wg.Wait()

	c.mu.Lock()
	c.dropHandleLocked()
	c.mu.Unlock()

	c.state.Close()
	c.grouped.Close()
	c.ungrouped.Close()
	c.entry.Close()
}

// === State machine ===

func (c *Controller) startLocked(req domain.Request, m mode, back *HistoryEntry) *Pending {
	if c.closed {
		return resolved(domain.ErrClosed)
	}
	c.supersedeLocked()

	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancel = cancel
	p := newPending()
	c.pending = p

	c.logger.Debug("navigating", "request", req.Key(), "gen", gen)
	// The previous handle stays until the result arrives; history needs
	// its scroll position.
	c.state.Set(Loading{Request: req})
	c.grouped.Set(nil)
	c.ungrouped.Set(nil)
	c.entry.Set(nil)

	if r, ok := req.(*domain.ExistingEntry); ok {
		// Already in hand; no fetch needed
		c.finishLocked(gen, req, m, back, r.Entry, nil, nil)
		return p
	}

	c.wg.Go(func() {
		feed, err := c.fetch(ctx, req)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.finishLocked(gen, req, m, back, nil, feed, err)
	})
	return p
}

// supersedeLocked abandons the request in flight, if any
func (c *Controller) supersedeLocked() {
	if c.pending == nil {
		return
	}
	c.cancel()
	c.pending.resolve(domain.ErrSuperseded)
	c.pending = nil
}

func (c *Controller) fetch(ctx context.Context, req domain.Request) (feed domain.Feed, err error) {
	switch r := req.(type) {
	case *domain.NewFeed:
		creds := r.Credentials
		if creds == nil && c.resolver != nil {
			creds, _ = c.resolver.Credentials(r.Account)
		}
		return c.fetcher.Fetch(ctx, r.Account, r.URI, creds, r.HTTPMethod())

	case *domain.GeneratedFeed:
		defer func() {
			if rec := recover(); rec != nil {
				c.logger.Error("feed generator panicked", "name", r.Name, "panic", rec)
				err = domain.NewFailure(domain.FailureParse, "the feed could not be generated",
					fmt.Errorf("generator panic: %v", rec), map[string]string{"Generator": r.Name})
			}
		}()
		return r.Generate(ctx)

	default:
		return nil, fmt.Errorf("unsupported navigation request %T", req)
	}
}

// finishLocked applies the outcome of request gen, unless it was superseded
func (c *Controller) finishLocked(gen uint64, req domain.Request, m mode, back *HistoryEntry,
	entry domain.FeedEntry, feed domain.Feed, err error) {
	if gen != c.gen {
		c.logger.Debug("discarding stale result", "request", req.Key(), "gen", gen)
		return
	}
	p := c.pending
	c.pending = nil
	c.cancel()

	if err == nil && entry == nil && feed == nil {
		err = fmt.Errorf("%w: empty result", domain.ErrParse)
	}
	if err != nil {
		failure := domain.AsFailure(err, domain.FailureNetwork)
		c.logger.Warn("navigation failed", "request", req.Key(), "kind", failure.Kind, "error", err)
		c.applyLocked(Error{Request: req, Failure: failure}, nil)
		p.resolve(failure)
		return
	}

	scroll := 0
	switch m {
	case modeBack:
		if top, ok := c.history.Top(); ok && top == back {
			c.history.Pop()
		}
		scroll = back.Scroll
	case modeGoTo:
		switch req.Behavior() {
		case domain.AddToHistory:
			if c.current != nil && c.current.Key() != req.Key() {
				c.history.Push(c.current, c.scrollLocked())
			}
		case domain.ClearHistory:
			c.history.Clear()
		}
	}
	c.current = req

	if entry != nil {
		c.applyLocked(LoadedFeedEntry{Request: req, Entry: entry}, nil)
		p.resolve(nil)
		return
	}

	handle := &FeedHandle{Feed: feed, scroll: scroll}
	switch f := feed.(type) {
	case *domain.FeedGrouped:
		c.applyLocked(LoadedFeedWithGroups{Request: req, Handle: handle}, handle)
	case *domain.FeedUngrouped:
		handle.Loader = paging.New(f, c.ownerOf(req, f), c.fetcher, c.logger)
		c.applyLocked(LoadedFeedWithoutGroups{Request: req, Handle: handle}, handle)
		c.followLoaderLocked(gen, handle.Loader)
	}
	p.resolve(nil)
}

func (c *Controller) ownerOf(req domain.Request, feed *domain.FeedUngrouped) paging.Owner {
	owner := paging.Owner{Account: feed.Account, Resolver: c.resolver}
	if r, ok := req.(*domain.NewFeed); ok {
		owner.Credentials = r.Credentials
		if owner.Account == "" {
			owner.Account = r.Account
		}
	}
	return owner
}

func (c *Controller) scrollLocked() int {
	if c.handle == nil {
		return 0
	}
	return c.handle.ScrollPosition()
}

// applyLocked publishes a new state and updates the projections
func (c *Controller) applyLocked(s State, handle *FeedHandle) {
	c.dropHandleLocked()
	c.handle = handle

	var (
		groups  []domain.FeedGroup
		entries []domain.FeedEntry
		entry   domain.FeedEntry
	)
	switch v := s.(type) {
	case LoadedFeedEntry:
		entry = v.Entry
	case LoadedFeedWithGroups:
		groups = v.Handle.Groups()
	case LoadedFeedWithoutGroups:
		entries = v.Handle.Entries()
	}

	c.state.Set(s)
	c.grouped.Set(groups)
	c.ungrouped.Set(entries)
	c.entry.Set(entry)
}

// followLoaderLocked mirrors page loads into the ungrouped projection for as
// long as gen is current.
func (c *Controller) followLoaderLocked(gen uint64, loader *paging.Loader) {
	c.loaderSub = loader.Subscribe(func(s paging.Snapshot) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen != gen {
			return
		}
		c.ungrouped.Set(s.Entries)
	})
}

// dropHandleLocked stops mirroring the old loader. The loader itself stays
// usable for anyone still holding the old state.
func (c *Controller) dropHandleLocked() {
	if c.loaderSub != nil {
		c.loaderSub.Close()
		c.loaderSub = nil
	}
	c.handle = nil
}
