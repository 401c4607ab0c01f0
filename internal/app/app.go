// Package app wires the stacks components together.
package app

import (
	"fmt"
	"log/slog"

	"github.com/spf13/viper"

	"github.com/mmcdole/stacks/internal/accounts"
	"github.com/mmcdole/stacks/internal/config"
	"github.com/mmcdole/stacks/internal/domain"
	"github.com/mmcdole/stacks/internal/event"
	"github.com/mmcdole/stacks/internal/httpapi"
	"github.com/mmcdole/stacks/internal/lending"
	"github.com/mmcdole/stacks/internal/navigation"
	"github.com/mmcdole/stacks/internal/opds"
	"github.com/mmcdole/stacks/internal/profilefeed"
	"github.com/mmcdole/stacks/internal/registry"
	"github.com/mmcdole/stacks/internal/store"
)

// Options adjusts how the application is assembled
type Options struct {
	// Namespace separates databases of different config files
	Namespace string
	// Offline serves feeds from the local cache only
	Offline bool
	// Fetcher replaces the OPDS client for feed fetches (tests)
	Fetcher domain.FeedFetcher
	// Executor replaces the OPDS client for lending actions (tests)
	Executor domain.BorrowExecutor
}

// App holds every long-lived component
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      *store.Store
	Registry   *registry.Registry
	Accounts   *accounts.Directory
	Client     *opds.Client
	Lending    *lending.Dispatcher
	Navigation *navigation.Controller
	Feeds      *profilefeed.Generator

	accountSub *event.Subscription
}

// New opens the store and builds the component graph
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.Store.Dir, opts.Namespace, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	reg, err := registry.New(st, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load books: %w", err)
	}

	client := opds.NewClient(cfg.HTTP.Timeout, cfg.HTTP.UserAgent, logger)
	dir := accounts.NewDirectory(cfg.Accounts, client, logger)

	var fetcher domain.FeedFetcher = opds.NewCachingFetcher(client, st, logger)
	switch {
	case opts.Fetcher != nil:
		fetcher = opts.Fetcher
	case opts.Offline:
		fetcher = st
	}
	var executor domain.BorrowExecutor = client
	if opts.Executor != nil {
		executor = opts.Executor
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Store:    st,
		Registry: reg,
		Accounts: dir,
		Client:   client,
		Lending: lending.NewDispatcher(reg, executor, dir, logger,
			lending.WithDownloader(opds.NewDownloader(client, st)),
			lending.WithContentStore(st),
		),
		Navigation: navigation.NewController(fetcher, logger,
			navigation.WithHistoryLimit(cfg.Navigation.HistoryLimit),
			navigation.WithCredentials(dir),
		),
		Feeds: profilefeed.New(reg, logger),
	}
	a.accountSub = dir.Subscribe(func(e accounts.Event) bool {
		return e.Kind == accounts.AccountRemoved
	}, a.forgetAccount)

	logger.Info("stacks ready", "accounts", len(cfg.Accounts), "books", len(reg.Books()), "offline", opts.Offline)
	return a, nil
}

// forgetAccount drops everything stored for a removed account
func (a *App) forgetAccount(e accounts.Event) {
	n := a.Registry.RemoveAccount(e.Account)
	a.Navigation.ForgetAccount(e.Account)
	if err := a.Store.DropFeeds(e.Account); err != nil {
		a.Logger.Warn("failed to drop cached feeds", "error", err, "accountID", e.Account)
	}
	if err := a.Store.DropContent(e.Account); err != nil {
		a.Logger.Warn("failed to drop content", "error", err, "accountID", e.Account)
	}
	a.Logger.Info("account removed", "accountID", e.Account, "books", n)
}

// Watch applies account changes made to the config file while running
func (a *App) Watch(v *viper.Viper) {
	config.Watch(v, a.Logger, func(cfg *config.Config) {
		a.Accounts.Reload(cfg.Accounts)
	})
}

// Server returns the HTTP API over this application
func (a *App) Server() *httpapi.Server {
	return httpapi.NewServer(a.Registry, a.Lending, a.Navigation, a.Feeds, a.Logger)
}

// Root returns the request that opens an account's catalog
func (a *App) Root(id domain.AccountID) (*domain.NewFeed, error) {
	acct, ok := a.Accounts.Account(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrAccountNotFound)
	}
	return &domain.NewFeed{Account: acct.ID, URI: acct.Catalog, History: domain.ClearHistory}, nil
}

// Close shuts components down in dependency order
func (a *App) Close() error {
	a.accountSub.Close()
	a.Navigation.Close()
	a.Lending.Close()
	a.Accounts.Close()
	a.Registry.Close()
	return a.Store.Close()
}
