package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mmcdole/stacks/internal/app"
	"github.com/mmcdole/stacks/internal/domain"
	"github.com/mmcdole/stacks/internal/navigation"
	"github.com/mmcdole/stacks/internal/registry"
	"github.com/mmcdole/stacks/internal/render"
)

func lendingCmd(use, short string, action domain.LendingAction) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <book-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLend(cmd, domain.BookID(args[0]), action)
		},
	}
	cmd.Flags().String("account", "", "account the book belongs to (default: first configured)")
	cmd.Flags().String("feed", "", "feed that lists the book (default: catalog root)")
	cmd.Flags().Int("pages", 5, "pages of the feed to search for the book")
	return cmd
}

var dismissCmd = &cobra.Command{
	Use:   "dismiss <book-id>",
	Short: "Clear a failed status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		id := domain.BookID(args[0])
		if !a.Lending.DismissError(id) {
			return fmt.Errorf("%s has no error to dismiss", id)
		}
		if b, ok := a.Registry.Get(id); ok && b.Entry != nil {
			fmt.Fprintln(cmd.OutOrStdout(), render.Entry(b.Entry, b.Status))
		}
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <book-id>",
	Short: "Download a loaned book",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		id := domain.BookID(args[0])
		b, ok := a.Registry.Get(id)
		if !ok || b.Entry == nil {
			return fmt.Errorf("%s: %w; borrow it first", id, domain.ErrBookNotFound)
		}

		sub := a.Registry.Subscribe(registry.ForBook(id), func(e registry.Event) {
			if e.New != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "\r%-40s", render.StatusLabel(e.New.Status))
			}
		})
		defer sub.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		status, err := a.Lending.Download(ctx, b.Entry, nil)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		return report(cmd, b.Entry, status)
	},
}

func init() {
	rootCmd.AddCommand(
		lendingCmd("borrow", "Borrow a book", domain.ActionBorrow),
		lendingCmd("reserve", "Place a hold on a book", domain.ActionReserve),
		lendingCmd("revoke", "Return a loan or cancel a hold", domain.ActionRevoke),
		dismissCmd,
		downloadCmd,
	)
}

func runLend(cmd *cobra.Command, id domain.BookID, action domain.LendingAction) error {
	a, _, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	account, err := accountFlag(cmd, a)
	if err != nil {
		return err
	}
	entry, err := findEntry(cmd, a, domain.BookKey{Account: account, Book: id})
	if err != nil {
		return err
	}

	status, err := a.Lending.Perform(cmd.Context(), entry, action, nil)
	if errors.Is(err, domain.ErrLoginRequired) {
		return fmt.Errorf("%s needs you to log in first: stacks login %s", account, account)
	}
	if err != nil {
		return err
	}
	return report(cmd, entry, status)
}

// report prints the outcome of an action and turns failures into errors
func report(cmd *cobra.Command, entry *domain.EntryValid, status domain.Status) error {
	fmt.Fprintln(cmd.OutOrStdout(), render.Entry(entry, status))
	if f, ok := domain.FailureOf(status); ok {
		render.Failure(cmd.ErrOrStderr(), f)
		return fmt.Errorf("%s failed", status.Kind())
	}
	return nil
}

// findEntry looks for the book in the registry, then in the --feed feed
// (or the catalog root), paging through up to --pages pages.
func findEntry(cmd *cobra.Command, a *app.App, key domain.BookKey) (*domain.EntryValid, error) {
	if b, ok := a.Registry.Get(key.Book); ok && b.Account == key.Account && b.Entry != nil {
		return b.Entry, nil
	}

	feedURI, _ := cmd.Flags().GetString("feed")
	pages, _ := cmd.Flags().GetInt("pages")
	req, err := a.Root(key.Account)
	if err != nil {
		return nil, err
	}
	if feedURI != "" {
		req.URI = feedURI
	}
	if err := open(cmd, a, req); err != nil {
		return nil, err
	}

	for loaded := 1; ; loaded++ {
		if e, ok := entryIn(a.Navigation.State().Get(), key); ok {
			return e, nil
		}
		if loaded >= pages {
			break
		}
		more, err := a.Navigation.LoadMore(cmd.Context())
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
	}
	return nil, fmt.Errorf("%s not found in %s: %w", key.Book, req.URI, domain.ErrBookNotFound)
}

func entryIn(s navigation.State, key domain.BookKey) (*domain.EntryValid, bool) {
	var entries []domain.FeedEntry
	switch st := s.(type) {
	case navigation.LoadedFeedEntry:
		entries = []domain.FeedEntry{st.Entry}
	case navigation.LoadedFeedWithGroups:
		for _, g := range st.Handle.Groups() {
			entries = append(entries, g.Entries...)
		}
	case navigation.LoadedFeedWithoutGroups:
		entries = st.Handle.Entries()
	}
	for _, e := range entries {
		if v, ok := e.(*domain.EntryValid); ok && v.Key() == key {
			return v, true
		}
	}
	return nil, false
}
