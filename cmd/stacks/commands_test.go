package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcdole/stacks/internal/app"
	"github.com/mmcdole/stacks/internal/config"
	"github.com/mmcdole/stacks/internal/domain"
	"github.com/mmcdole/stacks/internal/log"
	"github.com/mmcdole/stacks/internal/navigation"
)

func init() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

type catalog map[string]domain.Feed

func (p catalog) Fetch(_ context.Context, _ domain.AccountID, uri string, _ *domain.Credentials, _ string) (domain.Feed, error) {
	if feed, ok := p[uri]; ok {
		return feed, nil
	}
	return nil, domain.ErrServerOffline
}

type noLending struct{}

func (noLending) Perform(context.Context, *domain.EntryValid, domain.LendingAction, *domain.Credentials) (*domain.EntryValid, error) {
	return nil, domain.ErrServerOffline
}

const root = "https://lib.example.org/"

func book(id, title string) *domain.EntryValid {
	return &domain.EntryValid{
		ID: domain.BookID(id), Account: "lib", Title: title, Authors: []string{"Octavia E. Butler"},
		Availability: domain.Availability{Kind: domain.AvailabilityLoanable},
	}
}

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.Dir = ""
	cfg.Accounts = []config.AccountConfig{{ID: "lib", Title: "Library", Catalog: root}}

	feeds := catalog{
		root: &domain.FeedUngrouped{
			Account: "lib", URI: root, Title: "Fiction",
			Entries: []domain.FeedEntry{book("b1", "Kindred")},
			Next:    root + "?page=2",
		},
		root + "?page=2": &domain.FeedUngrouped{
			Account: "lib", URI: root + "?page=2", Title: "Fiction",
			Entries: []domain.FeedEntry{book("b2", "Dawn")},
		},
	}
	a, err := app.New(cfg, log.NullLogger(), app.Options{Fetcher: feeds, Executor: noLending{}})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestFindEntryPagesThroughFeed(t *testing.T) {
	a := newTestApp(t)
	cmd := lendingCmd("borrow", "", domain.ActionBorrow)
	cmd.SetContext(context.Background())

	e, err := findEntry(cmd, a, domain.BookKey{Account: "lib", Book: "b2"})
	require.NoError(t, err)
	assert.Equal(t, "Dawn", e.Title)

	_, err = findEntry(cmd, a, domain.BookKey{Account: "lib", Book: "missing"})
	assert.ErrorIs(t, err, domain.ErrBookNotFound)
}

func TestFindEntryStopsAtPageLimit(t *testing.T) {
	a := newTestApp(t)
	cmd := lendingCmd("borrow", "", domain.ActionBorrow)
	cmd.SetContext(context.Background())
	require.NoError(t, cmd.Flags().Set("pages", "1"))

	_, err := findEntry(cmd, a, domain.BookKey{Account: "lib", Book: "b2"})
	assert.ErrorIs(t, err, domain.ErrBookNotFound)
}

func TestPrintState(t *testing.T) {
	a := newTestApp(t)
	req, err := a.Root("lib")
	require.NoError(t, err)
	require.NoError(t, a.Navigation.GoTo(req).Wait(context.Background()))

	var buf bytes.Buffer
	printState(&buf, a, a.Navigation.State().Get())
	out := buf.String()
	assert.Contains(t, out, "Fiction")
	assert.Contains(t, out, "Kindred by Octavia E. Butler")
	assert.Contains(t, out, "[b1]")
	assert.Contains(t, out, "more: stacks browse "+root+"?page=2")

	buf.Reset()
	printState(&buf, a, navigation.Error{Failure: domain.NewFailure(domain.FailureNetwork, "catalog unreachable", nil, nil)})
	assert.Contains(t, buf.String(), "catalog unreachable")
}

func TestEntryIn(t *testing.T) {
	grouped := navigation.LoadedFeedWithGroups{Handle: &navigation.FeedHandle{Feed: &domain.FeedGrouped{
		Groups: []domain.FeedGroup{
			{Title: "New", Entries: []domain.FeedEntry{book("b1", "Kindred")}},
			{Title: "Popular", Entries: []domain.FeedEntry{
				&domain.EntryCorrupt{ID: "bad", Account: "lib"},
				book("b2", "Dawn"),
			}},
		},
	}}}

	e, ok := entryIn(grouped, domain.BookKey{Account: "lib", Book: "b2"})
	require.True(t, ok)
	assert.Equal(t, "Dawn", e.Title)

	_, ok = entryIn(grouped, domain.BookKey{Account: "other", Book: "b2"})
	assert.False(t, ok)
	_, ok = entryIn(grouped, domain.BookKey{Account: "lib", Book: "bad"})
	assert.False(t, ok)
	_, ok = entryIn(navigation.Initial{}, domain.BookKey{Account: "lib", Book: "b1"})
	assert.False(t, ok)
}

func TestReportFailure(t *testing.T) {
	cmd := lendingCmd("borrow", "", domain.ActionBorrow)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)

	failure := domain.NewFailure(domain.FailureAction, "loan refused", nil, map[string]string{"Book": "b1"})
	err := report(cmd, book("b1", "Kindred"), domain.FailedLoan{Failure: failure})
	require.Error(t, err)
	assert.Contains(t, out.String(), "Kindred")
	assert.Contains(t, errOut.String(), "loan refused")

	require.NoError(t, report(cmd, book("b1", "Kindred"), domain.Loanable{}))
}
