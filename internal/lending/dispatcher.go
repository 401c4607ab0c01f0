// Package lending turns user intents into registry transitions.
package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/mmcdole/stacks/internal/accounts"
	"github.com/mmcdole/stacks/internal/domain"
	"github.com/mmcdole/stacks/internal/event"
	"github.com/mmcdole/stacks/internal/registry"
)

// Accounts is what the dispatcher needs to know about accounts
type Accounts interface {
	domain.CredentialResolver
	RequiresAuthentication(account domain.AccountID) bool
	Subscribe(pred func(accounts.Event) bool, fn func(accounts.Event)) *event.Subscription
}

// LoginRequired is signalled when an action was deferred until the user
// logs in to the account.
type LoginRequired struct {
	Account domain.AccountID
	Book    domain.BookID
	Action  domain.LendingAction
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithDownloader enables Download
func WithDownloader(dl domain.Downloader) Option {
	return func(d *Dispatcher) { d.downloader = dl }
}

// WithContentStore lets Delete remove downloaded content
func WithContentStore(cs domain.ContentStore) Option {
	return func(d *Dispatcher) { d.content = cs }
}

type retry struct {
	action domain.LendingAction
	entry  *domain.EntryValid
}

// Dispatcher performs lending actions and records every transition in the
// registry. Action failures end up in the book's status, not in the error
// return.
type Dispatcher struct {
	registry   *registry.Registry
	executor   domain.BorrowExecutor
	accounts   Accounts
	downloader domain.Downloader
	content    domain.ContentStore
	logger     *slog.Logger

	mu        sync.Mutex
	inFlight  map[domain.BookID]struct{}
	retries   map[domain.BookID]retry
	downloads map[domain.BookID]context.CancelFunc
	closed    bool

	signals  *event.Bus[LoginRequired]
	loginSub *event.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       conc.WaitGroup
}

// NewDispatcher creates a dispatcher and starts listening for logins
func NewDispatcher(reg *registry.Registry, executor domain.BorrowExecutor, accts Accounts, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		registry:  reg,
		executor:  executor,
		accounts:  accts,
		logger:    logger,
		inFlight:  make(map[domain.BookID]struct{}),
		retries:   make(map[domain.BookID]retry),
		downloads: make(map[domain.BookID]context.CancelFunc),
		signals:   event.NewBus[LoginRequired](),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.loginSub = accts.Subscribe(func(e accounts.Event) bool {
		return e.Kind == accounts.LoginSucceeded || e.Kind == accounts.AccountRemoved
	}, d.onAccountEvent)
	return d
}

// OnLoginRequired registers fn for deferred-action signals
func (d *Dispatcher) OnLoginRequired(fn func(LoginRequired)) *event.Subscription {
	return d.signals.Subscribe(nil, fn)
}

// Borrow takes out a loan. It returns the terminal status written to the
// registry, or domain.ErrLoginRequired when the action was deferred.
func (d *Dispatcher) Borrow(ctx context.Context, entry *domain.EntryValid, creds *domain.Credentials) (domain.Status, error) {
	return d.lend(ctx, entry, domain.ActionBorrow, creds)
}

// Reserve places a hold
func (d *Dispatcher) Reserve(ctx context.Context, entry *domain.EntryValid, creds *domain.Credentials) (domain.Status, error) {
	return d.lend(ctx, entry, domain.ActionReserve, creds)
}

// Revoke returns a loan or cancels a hold
func (d *Dispatcher) Revoke(ctx context.Context, entry *domain.EntryValid, creds *domain.Credentials) (domain.Status, error) {
	return d.lend(ctx, entry, domain.ActionRevoke, creds)
}

// Perform runs any lending action
func (d *Dispatcher) Perform(ctx context.Context, entry *domain.EntryValid, action domain.LendingAction, creds *domain.Credentials) (domain.Status, error) {
	return d.lend(ctx, entry, action, creds)
}

func (d *Dispatcher) lend(ctx context.Context, entry *domain.EntryValid, action domain.LendingAction, creds *domain.Credentials) (domain.Status, error) {
	if creds.Empty() {
		creds, _ = d.accounts.Credentials(entry.Account)
	}
	if creds.Empty() && d.accounts.RequiresAuthentication(entry.Account) {
		return d.deferUntilLogin(entry, action)
	}

	if err := d.begin(entry.ID); err != nil {
		return d.statusOf(entry), err
	}
	defer d.end(entry.ID)

	requesting, failed := transitionsFor(action)
	d.put(entry, requesting)
	d.logger.Info("lending action started", "action", action, "bookID", entry.ID, "accountID", entry.Account)

	updated, err := d.executor.Perform(ctx, entry, action, creds)

	var terminal domain.Status
	switch {
	case err == nil && action == domain.ActionRevoke:
		terminal = domain.Revoked{}
	case err == nil:
		terminal = domain.StatusFromEntry(updated)
	case errors.Is(err, domain.ErrLoanLimitReached) && action != domain.ActionRevoke:
		terminal = domain.ReachedLoanLimit{}
	default:
		terminal = failed(domain.AsFailure(err, domain.FailureAction))
	}

	if err != nil {
		d.logger.Warn("lending action failed", "action", action, "bookID", entry.ID, "error", err)
		updated = entry
	} else {
		d.logger.Info("lending action finished", "action", action, "bookID", entry.ID, "status", terminal.Kind())
	}
	d.put(updated, terminal)
	return terminal, nil
}

func transitionsFor(action domain.LendingAction) (domain.Status, func(*domain.Failure) domain.Status) {
	if action == domain.ActionRevoke {
		return domain.RequestingRevoke{}, func(f *domain.Failure) domain.Status { return domain.FailedRevoke{Failure: f} }
	}
	return domain.RequestingLoan{}, func(f *domain.Failure) domain.Status { return domain.FailedLoan{Failure: f} }
}

// deferUntilLogin records the action as the book's single pending retry,
// replacing any earlier one, and signals that a login is needed.
func (d *Dispatcher) deferUntilLogin(entry *domain.EntryValid, action domain.LendingAction) (domain.Status, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return d.statusOf(entry), domain.ErrClosed
	}
	d.retries[entry.ID] = retry{action: action, entry: entry}
	d.mu.Unlock()

	d.logger.Info("login required", "action", action, "bookID", entry.ID, "accountID", entry.Account)
	d.signals.Publish(LoginRequired{Account: entry.Account, Book: entry.ID, Action: action})
	return d.statusOf(entry), domain.ErrLoginRequired
}

func (d *Dispatcher) onAccountEvent(e accounts.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	var due []retry
	for id, r := range d.retries {
		if r.entry.Account == e.Account {
			due = append(due, r)
			delete(d.retries, id)
		}
	}
	if e.Kind == accounts.AccountRemoved {
		return
	}

	sort.Slice(due, func(i, j int) bool { return due[i].entry.ID < due[j].entry.ID })
	for _, r := range due {
		d.logger.Info("retrying after login", "action", r.action, "bookID", r.entry.ID)
		d.wg.Go(func() {
			if _, err := d.lend(d.ctx, r.entry, r.action, nil); err != nil {
				d.logger.Warn("retry not performed", "bookID", r.entry.ID, "error", err)
			}
		})
	}
}

// PendingRetries returns the books waiting for a login, ordered by id
func (d *Dispatcher) PendingRetries() []domain.BookID {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]domain.BookID, 0, len(d.retries))
	for id := range d.retries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// begin claims the book for one action. A direct action supersedes any
// retry still waiting for a login.
func (d *Dispatcher) begin(id domain.BookID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return domain.ErrClosed
	}
	if _, busy := d.inFlight[id]; busy {
		return fmt.Errorf("book %s: %w", id, domain.ErrActionInProgress)
	}
	d.inFlight[id] = struct{}{}
	delete(d.retries, id)
	return nil
}

func (d *Dispatcher) end(id domain.BookID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, id)
}

func (d *Dispatcher) put(entry *domain.EntryValid, status domain.Status) {
	d.registry.Put(domain.Book{ID: entry.ID, Account: entry.Account, Status: status, Entry: entry})
}

func (d *Dispatcher) statusOf(entry *domain.EntryValid) domain.Status {
	s, _ := d.registry.StatusFor(entry)
	return s
}

// === Downloads ===

// Download fetches the content of a loaned book
func (d *Dispatcher) Download(ctx context.Context, entry *domain.EntryValid, creds *domain.Credentials) (domain.Status, error) {
	if d.downloader == nil {
		return d.statusOf(entry), errors.New("downloads are not configured")
	}
	switch d.statusOf(entry).(type) {
	case domain.LoanedNotDownloaded, domain.LoanedDownloaded, domain.FailedDownload:
	default:
		return d.statusOf(entry), fmt.Errorf("download %s: book is not on loan", entry.Key())
	}
	if creds.Empty() {
		creds, _ = d.accounts.Credentials(entry.Account)
	}

	if err := d.begin(entry.ID); err != nil {
		return d.statusOf(entry), err
	}
	defer d.end(entry.ID)

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.mu.Lock()
	d.downloads[entry.ID] = cancel
	d.mu.Unlock()

	d.put(entry, domain.RequestingDownload{})
	err := d.downloader.Download(dctx, entry, creds, func(p domain.DownloadProgress) {
		d.progress(entry.ID, p)
	})

	var terminal domain.Status
	if err != nil {
		terminal = domain.FailedDownload{Failure: domain.AsFailure(err, domain.FailureNetwork)}
	} else {
		terminal = domain.LoanedDownloaded{Expiry: entry.Availability.Until, Returnable: entry.Availability.Revocable()}
	}

	// The terminal write and CancelDownload are decided under d.mu, so
	// exactly one of them sets the final status.
	d.mu.Lock()
	_, ours := d.downloads[entry.ID]
	if ours {
		delete(d.downloads, entry.ID)
		d.put(entry, terminal)
	}
	d.mu.Unlock()
	if !ours {
		return d.statusOf(entry), nil
	}
	if err != nil {
		d.logger.Warn("download failed", "bookID", entry.ID, "error", err)
	}
	return terminal, nil
}

func (d *Dispatcher) progress(id domain.BookID, p domain.DownloadProgress) {
	var next domain.Status
	switch p.Stage {
	case domain.StageWaitingForExternalAuth:
		next = domain.DownloadWaitingForExternalAuth{}
	case domain.StageExternalAuthInProgress:
		next = domain.DownloadExternalAuthInProgress{}
	default:
		next = domain.Downloading{ProgressPercent: p.Percent}
	}
	d.registry.Update(id, func(cur domain.Book, ok bool) (domain.Book, bool) {
		if !ok {
			return cur, false
		}
		if _, requesting := cur.Status.(domain.RequestingDownload); !requesting && !domain.IsDownloadActive(cur.Status) {
			return cur, false
		}
		cur.Status = next
		return cur, true
	})
}

// CancelDownload stops a running download and returns the book to its
// loaned status. From any other status it does nothing and reports false.
func (d *Dispatcher) CancelDownload(id domain.BookID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	applied := d.registry.Update(id, func(cur domain.Book, ok bool) (domain.Book, bool) {
		if !ok || !domain.IsDownloadActive(cur.Status) {
			return cur, false
		}
		cur.Status = domain.StatusFromEntry(cur.Entry)
		return cur, true
	})
	if !applied {
		return false
	}
	if cancel, running := d.downloads[id]; running {
		delete(d.downloads, id)
		cancel()
	}
	d.logger.Info("download cancelled", "bookID", id)
	return true
}

// === Local state ===

// CanDelete reports whether Delete may be called for the book
func (d *Dispatcher) CanDelete(entry *domain.EntryValid) bool {
	return !domain.HasOutstandingLoan(d.statusOf(entry))
}

// Delete removes downloaded content and forgets the book. Deleting a book
// that still has an outstanding loan is a programming error and panics
// with a *domain.PreconditionError; check CanDelete first.
func (d *Dispatcher) Delete(ctx context.Context, entry *domain.EntryValid) error {
	if err := d.begin(entry.ID); err != nil {
		return err
	}
	defer d.end(entry.ID)

	// Checked while the book is claimed so no loan can land in between
	if status := d.statusOf(entry); domain.HasOutstandingLoan(status) {
		panic(&domain.PreconditionError{
			Operation: "delete",
			Key:       entry.Key(),
			Reason:    fmt.Sprintf("book has an outstanding loan (%s)", status.Kind()),
		})
	}

	if d.content != nil {
		if err := d.content.DeleteContent(ctx, entry.Key()); err != nil {
			return fmt.Errorf("delete content of %s: %w", entry.Key(), err)
		}
	}
	d.registry.Remove(entry.ID)
	d.logger.Info("book deleted", "bookID", entry.ID, "accountID", entry.Account)
	return nil
}

// DismissError returns a book in a failed status to the status its entry
// implies. Only the first call after a failure has an effect; it reports
// whether anything changed.
func (d *Dispatcher) DismissError(id domain.BookID) bool {
	return d.registry.Update(id, func(cur domain.Book, ok bool) (domain.Book, bool) {
		if !ok || cur.Entry == nil {
			return cur, false
		}
		if _, limit := cur.Status.(domain.ReachedLoanLimit); !limit && !domain.IsFailed(cur.Status) {
			return cur, false
		}
		cur.Status = domain.StatusFromEntry(cur.Entry)
		return cur, true
	})
}

// Close abandons pending retries, cancels downloads and waits for retries
// already running.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.retries = make(map[domain.BookID]retry)
	for _, cancel := range d.downloads {
		cancel()
	}
	d.mu.Unlock()

	d.loginSub.Close()
	d.cancel()
	d.wg.Wait()
	d.signals.Close()
}
