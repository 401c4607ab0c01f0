package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mmcdole/stacks/internal/app"
	"github.com/mmcdole/stacks/internal/domain"
	"github.com/mmcdole/stacks/internal/navigation"
	"github.com/mmcdole/stacks/internal/profilefeed"
	"github.com/mmcdole/stacks/internal/render"
)

var browseCmd = &cobra.Command{
	Use:   "browse [uri]",
	Short: "Show a catalog feed",
	Long:  "Show a catalog feed. Without a URI the account's catalog root is shown. stacks: URIs show local shelves.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBrowse,
}

func init() {
	browseCmd.Flags().String("account", "", "account to browse (default: first configured)")
	browseCmd.Flags().Int("pages", 1, "number of pages to load for paginated feeds")
	rootCmd.AddCommand(browseCmd)
}

func runBrowse(cmd *cobra.Command, args []string) error {
	a, _, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	account, err := accountFlag(cmd, a)
	if err != nil {
		return err
	}
	pages, _ := cmd.Flags().GetInt("pages")

	var req domain.Request
	switch {
	case len(args) == 0:
		if req, err = a.Root(account); err != nil {
			return err
		}
	case strings.HasPrefix(args[0], "stacks:"):
		sel, opts, err := profilefeed.ParseURI(args[0])
		if err != nil {
			return err
		}
		req = a.Feeds.Request(sel, opts, domain.AddToHistory)
	default:
		req = &domain.NewFeed{Account: account, URI: args[0]}
	}

	if err := open(cmd, a, req); err != nil {
		return err
	}
	if err := loadPages(cmd, a, pages); err != nil {
		return err
	}
	printState(cmd.OutOrStdout(), a, a.Navigation.State().Get())
	return nil
}

// accountFlag returns --account or the first configured account
func accountFlag(cmd *cobra.Command, a *app.App) (domain.AccountID, error) {
	if id, _ := cmd.Flags().GetString("account"); id != "" {
		return domain.AccountID(id), nil
	}
	acct, ok := a.Config.DefaultAccount()
	if !ok {
		return "", errors.New("no accounts configured; add one to the config file")
	}
	return domain.AccountID(acct.ID), nil
}

// open navigates to req and reports a failure the way the server explained it
func open(cmd *cobra.Command, a *app.App, req domain.Request) error {
	err := a.Navigation.GoTo(req).Wait(cmd.Context())
	var failure *domain.Failure
	if errors.As(err, &failure) {
		render.Failure(cmd.ErrOrStderr(), failure)
		return errors.New("could not open the feed")
	}
	return err
}

// loadPages loads up to pages pages of the feed on screen in total
func loadPages(cmd *cobra.Command, a *app.App, pages int) error {
	st, ok := a.Navigation.State().Get().(navigation.LoadedFeedWithoutGroups)
	if !ok || pages <= 1 {
		return nil
	}
	err := st.Handle.Loader.LoadAll(cmd.Context(), pages-1, func(n, entries int) {
		fmt.Fprintf(cmd.ErrOrStderr(), "\rloaded %d pages, %d entries", n+1, entries)
	})
	fmt.Fprintln(cmd.ErrOrStderr())

	var failure *domain.Failure
	if errors.As(err, &failure) {
		render.Failure(cmd.ErrOrStderr(), failure)
		return nil
	}
	return err
}

func printEntries(w io.Writer, a *app.App, entries []domain.FeedEntry, indent string) {
	for _, e := range entries {
		status, _ := a.Registry.StatusFor(e)
		fmt.Fprintln(w, indent+render.Entry(e, status))
	}
}

func printFacets(w io.Writer, groups []domain.FacetGroup) {
	for _, g := range groups {
		var parts []string
		for _, f := range g.Facets {
			label := f.Title
			if f.Active {
				label = render.AccentStyle.Render("[" + f.Title + "]")
			}
			parts = append(parts, label)
		}
		fmt.Fprintf(w, "%s %s\n", render.DimStyle.Render(g.Title+":"), strings.Join(parts, " "))
	}
}

func printState(w io.Writer, a *app.App, s navigation.State) {
	switch st := s.(type) {
	case navigation.LoadedFeedEntry:
		printEntries(w, a, []domain.FeedEntry{st.Entry}, "")
	case navigation.LoadedFeedWithGroups:
		fmt.Fprintln(w, render.TitleStyle.Render(st.Handle.Feed.FeedTitle()))
		if g, ok := st.Handle.Feed.(*domain.FeedGrouped); ok {
			printFacets(w, g.Facets)
		}
		for _, g := range st.Handle.Groups() {
			fmt.Fprintln(w)
			fmt.Fprintln(w, render.AccentStyle.Render(g.Title)+render.DimStyle.Render("  "+g.Href))
			printEntries(w, a, g.Entries, "  ")
		}
	case navigation.LoadedFeedWithoutGroups:
		fmt.Fprintln(w, render.TitleStyle.Render(st.Handle.Feed.FeedTitle()))
		if u, ok := st.Handle.Feed.(*domain.FeedUngrouped); ok {
			printFacets(w, u.Facets)
		}
		fmt.Fprintln(w)
		entries := st.Handle.Entries()
		if len(entries) == 0 {
			fmt.Fprintln(w, render.DimStyle.Render("(no books)"))
		}
		printEntries(w, a, entries, "")
		if st.Handle.Loader.HasMore() {
			fmt.Fprintln(w)
			fmt.Fprintln(w, render.DimStyle.Render("more: stacks browse "+st.Handle.Loader.Next()))
		}
	case navigation.Error:
		render.Failure(w, st.Failure)
	default:
		fmt.Fprintln(w, render.DimStyle.Render("nothing to show"))
	}
}
