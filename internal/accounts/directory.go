// Package accounts tracks configured library accounts and their login state.
package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mmcdole/stacks/internal/config"
	"github.com/mmcdole/stacks/internal/domain"
	"github.com/mmcdole/stacks/internal/event"
)

// EventKind distinguishes account events
type EventKind int

const (
	LoginSucceeded EventKind = iota
	LoggedOut
	AccountAdded
	AccountRemoved
)

func (k EventKind) String() string {
	switch k {
	case LoginSucceeded:
		return "login_succeeded"
	case LoggedOut:
		return "logged_out"
	case AccountAdded:
		return "account_added"
	case AccountRemoved:
		return "account_removed"
	default:
		return "unknown"
	}
}

// Event is published whenever an account's login state or membership changes
type Event struct {
	Kind    EventKind
	Account domain.AccountID
}

// Account is a configured catalog
type Account struct {
	ID           domain.AccountID
	Title        string
	Catalog      string
	RequiresAuth bool
}

// Verifier checks credentials against the catalog before they are stored
type Verifier interface {
	Verify(ctx context.Context, account domain.AccountID, catalog string, creds *domain.Credentials) error
}

type accountState struct {
	Account
	creds *domain.Credentials
}

// Directory implements domain.CredentialResolver over the configured accounts
type Directory struct {
	mu       sync.RWMutex
	accounts map[domain.AccountID]*accountState
	order    []domain.AccountID
	verifier Verifier
	events   *event.Bus[Event]
	logger   *slog.Logger
}

// NewDirectory creates a directory from configuration. verifier may be nil,
// in which case Login stores credentials without checking them.
func NewDirectory(cfgs []config.AccountConfig, verifier Verifier, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Directory{
		accounts: make(map[domain.AccountID]*accountState),
		verifier: verifier,
		events:   event.NewBus[Event](),
		logger:   logger,
	}
	for _, c := range cfgs {
		st := stateFromConfig(c)
		d.accounts[st.ID] = st
		d.order = append(d.order, st.ID)
	}
	return d
}

func stateFromConfig(c config.AccountConfig) *accountState {
	st := &accountState{Account: Account{
		ID:           domain.AccountID(c.ID),
		Title:        c.Title,
		Catalog:      c.Catalog,
		RequiresAuth: c.RequiresAuth,
	}}
	creds := &domain.Credentials{Username: c.Username, Password: c.Password, Token: c.Token}
	if !creds.Empty() {
		st.creds = creds
	}
	return st
}

// Accounts returns the accounts in configuration order
func (d *Directory) Accounts() []Account {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Account, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.accounts[id].Account)
	}
	return out
}

// Account looks up one account
func (d *Directory) Account(id domain.AccountID) (Account, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st, ok := d.accounts[id]
	if !ok {
		return Account{}, false
	}
	return st.Account, true
}

// Credentials returns a copy of the stored credentials of an account
func (d *Directory) Credentials(id domain.AccountID) (*domain.Credentials, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st, ok := d.accounts[id]
	if !ok || st.creds == nil {
		return nil, false
	}
	c := *st.creds
	return &c, true
}

// RequiresAuthentication reports whether lending actions on the account need credentials
func (d *Directory) RequiresAuthentication(id domain.AccountID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st, ok := d.accounts[id]
	return ok && st.RequiresAuth
}

// LoggedIn reports whether credentials are stored for the account
func (d *Directory) LoggedIn(id domain.AccountID) bool {
	_, ok := d.Credentials(id)
	return ok
}

// Login verifies and stores credentials, then publishes LoginSucceeded
func (d *Directory) Login(ctx context.Context, id domain.AccountID, creds *domain.Credentials) error {
	acct, ok := d.Account(id)
	if !ok {
		return fmt.Errorf("login %s: %w", id, domain.ErrAccountNotFound)
	}
	if creds.Empty() {
		return fmt.Errorf("login %s: no credentials given", id)
	}
	if d.verifier != nil {
		if err := d.verifier.Verify(ctx, id, acct.Catalog, creds); err != nil {
			d.logger.Warn("login rejected", "error", err, "accountID", id)
			return err
		}
	}

	c := *creds
	d.mu.Lock()
	st, ok := d.accounts[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("login %s: %w", id, domain.ErrAccountNotFound)
	}
	st.creds = &c
	d.events.Publish(Event{Kind: LoginSucceeded, Account: id})
	d.mu.Unlock()

	d.logger.Info("logged in", "accountID", id)
	return nil
}

// Logout forgets the stored credentials
func (d *Directory) Logout(id domain.AccountID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.accounts[id]
	if !ok {
		return fmt.Errorf("logout %s: %w", id, domain.ErrAccountNotFound)
	}
	if st.creds == nil {
		return nil
	}
	st.creds = nil
	d.events.Publish(Event{Kind: LoggedOut, Account: id})
	return nil
}

// Remove deletes an account and publishes AccountRemoved
func (d *Directory) Remove(id domain.AccountID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.accounts[id]; !ok {
		return fmt.Errorf("remove %s: %w", id, domain.ErrAccountNotFound)
	}
	d.removeLocked(id)
	return nil
}

func (d *Directory) removeLocked(id domain.AccountID) {
	delete(d.accounts, id)
	for i, o := range d.order {
		if o == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	d.events.Publish(Event{Kind: AccountRemoved, Account: id})
}

// Reload reconciles the directory with a new configuration. Accounts that
// gained credentials publish LoginSucceeded, which is how a login performed
// by another process (editing the config file) reaches pending actions.
func (d *Directory) Reload(cfgs []config.AccountConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[domain.AccountID]bool, len(cfgs))
	for _, c := range cfgs {
		next := stateFromConfig(c)
		seen[next.ID] = true

		cur, ok := d.accounts[next.ID]
		if !ok {
			d.accounts[next.ID] = next
			d.order = append(d.order, next.ID)
			d.events.Publish(Event{Kind: AccountAdded, Account: next.ID})
			if next.creds != nil {
				d.events.Publish(Event{Kind: LoginSucceeded, Account: next.ID})
			}
			continue
		}

		changed := !sameCredentials(cur.creds, next.creds)
		cur.Account = next.Account
		cur.creds = next.creds
		switch {
		case changed && next.creds != nil:
			d.events.Publish(Event{Kind: LoginSucceeded, Account: next.ID})
		case changed:
			d.events.Publish(Event{Kind: LoggedOut, Account: next.ID})
		}
	}

	for _, id := range append([]domain.AccountID(nil), d.order...) {
		if !seen[id] {
			d.removeLocked(id)
		}
	}
}

func sameCredentials(a, b *domain.Credentials) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Subscribe registers fn for account events matching pred (nil matches all)
func (d *Directory) Subscribe(pred func(Event) bool, fn func(Event)) *event.Subscription {
	return d.events.Subscribe(pred, fn)
}

// Close stops all subscribers
func (d *Directory) Close() {
	d.events.Close()
}
