package domain

import (
	"context"
	"fmt"
)

// HistoryBehavior controls what a successful navigation does to the back-stack
type HistoryBehavior int

const (
	// AddToHistory pushes the previous request before showing the new one
	AddToHistory HistoryBehavior = iota
	// ReplaceTip shows the new request without remembering the previous one
	ReplaceTip
	// ClearHistory empties the back-stack (e.g. switching catalogs)
	ClearHistory
)

// FeedGenerator produces a feed from local state, such as "my books"
type FeedGenerator func(ctx context.Context) (Feed, error)

// Request is a single desired navigation: *NewFeed, *ExistingEntry or *GeneratedFeed
type Request interface {
	// Key identifies the destination; two requests with the same key show the same thing
	Key() string
	Behavior() HistoryBehavior
	RequestAccountID() AccountID
	isRequest()
}

// NewFeed fetches a remote feed
type NewFeed struct {
	Account     AccountID
	URI         string
	Credentials *Credentials
	Method      string // HTTP method; GET when empty
	History     HistoryBehavior
}

// ExistingEntry shows an entry that is already in hand
type ExistingEntry struct {
	Entry   FeedEntry
	History HistoryBehavior
}

// GeneratedFeed builds a feed locally
type GeneratedFeed struct {
	Account  AccountID
	Name     string // Identity of the generated view, e.g. "loans"
	Generate FeedGenerator
	History  HistoryBehavior
}

func (r *NewFeed) Key() string {
	return fmt.Sprintf("feed:%s %s %s", r.Account, r.HTTPMethod(), r.URI)
}
func (r *NewFeed) Behavior() HistoryBehavior   { return r.History }
func (r *NewFeed) RequestAccountID() AccountID { return r.Account }
func (*NewFeed) isRequest()                    {}

// HTTPMethod returns the method to fetch with
func (r *NewFeed) HTTPMethod() string {
	if r.Method == "" {
		return "GET"
	}
	return r.Method
}

func (r *ExistingEntry) Key() string {
	return fmt.Sprintf("entry:%s/%s", r.Entry.EntryAccountID(), r.Entry.EntryBookID())
}
func (r *ExistingEntry) Behavior() HistoryBehavior   { return r.History }
func (r *ExistingEntry) RequestAccountID() AccountID { return r.Entry.EntryAccountID() }
func (*ExistingEntry) isRequest()                    {}

func (r *GeneratedFeed) Key() string {
	return fmt.Sprintf("generated:%s %s", r.Account, r.Name)
}
func (r *GeneratedFeed) Behavior() HistoryBehavior   { return r.History }
func (r *GeneratedFeed) RequestAccountID() AccountID { return r.Account }
func (*GeneratedFeed) isRequest()                    {}
