package domain

import (
	"fmt"
	"time"
)

// AccountID identifies a library account (one catalog plus its credentials)
type AccountID string

// BookID identifies a publication within a catalog
type BookID string

// BookKey identifies a book within a specific account
type BookKey struct {
	Account AccountID
	Book    BookID
}

func (k BookKey) String() string {
	return fmt.Sprintf("%s/%s", k.Account, k.Book)
}

// AvailabilityKind is the server-declared lending state of a book
type AvailabilityKind int

const (
	AvailabilityLoanable AvailabilityKind = iota
	AvailabilityHoldable
	AvailabilityHeld
	AvailabilityHeldReady
	AvailabilityLoaned
	AvailabilityOpenAccess
	AvailabilityRevoked
)

var availabilityNames = map[AvailabilityKind]string{
	AvailabilityLoanable:   "loanable",
	AvailabilityHoldable:   "holdable",
	AvailabilityHeld:       "held",
	AvailabilityHeldReady:  "held_ready",
	AvailabilityLoaned:     "loaned",
	AvailabilityOpenAccess: "open_access",
	AvailabilityRevoked:    "revoked",
}

func (k AvailabilityKind) String() string {
	if name, ok := availabilityNames[k]; ok {
		return name
	}
	return fmt.Sprintf("availability(%d)", int(k))
}

// ParseAvailabilityKind is the inverse of AvailabilityKind.String
func ParseAvailabilityKind(s string) (AvailabilityKind, bool) {
	for k, name := range availabilityNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// Availability describes what the server says about a book for this account.
// Which optional fields are meaningful depends on Kind.
type Availability struct {
	Kind          AvailabilityKind
	Since         *time.Time // Held, HeldReady, Loaned: start of the hold or loan
	Until         *time.Time // Held, HeldReady, Loaned: end of the hold or loan
	QueuePosition *int       // Held only
	RevokeURI     string     // Non-empty when the hold or loan can be returned
}

// Revocable reports whether the server offered a way to return the book
func (a Availability) Revocable() bool {
	return a.RevokeURI != ""
}

// Link is a typed hypermedia link
type Link struct {
	Rel  string
	Href string
	Type string
}

// FeedEntry is a catalog item: either *EntryValid or *EntryCorrupt.
type FeedEntry interface {
	EntryBookID() BookID
	EntryAccountID() AccountID
	isFeedEntry()
}

// EntryValid is a successfully parsed catalog item
type EntryValid struct {
	ID           BookID
	Account      AccountID
	Title        string
	Authors      []string
	Summary      string
	Availability Availability
	Acquisitions []Link
	Related      string        // Optional related-feed URI
	Duration     time.Duration // Audiobooks only
	Formats      []string      // Content types offered by the acquisitions
	Updated      time.Time
}

// EntryCorrupt is a catalog item the parser could not make sense of.
// It keeps the identifier (when one could be found) so the rest of the
// feed can still be rendered around it.
type EntryCorrupt struct {
	ID      BookID
	Account AccountID
	Err     error
}

func (e *EntryValid) EntryBookID() BookID       { return e.ID }
func (e *EntryValid) EntryAccountID() AccountID { return e.Account }
func (*EntryValid) isFeedEntry()                {}

func (e *EntryCorrupt) EntryBookID() BookID       { return e.ID }
func (e *EntryCorrupt) EntryAccountID() AccountID { return e.Account }
func (*EntryCorrupt) isFeedEntry()                {}

// Key returns the account-scoped identity of the entry
func (e *EntryValid) Key() BookKey {
	return BookKey{Account: e.Account, Book: e.ID}
}

// WithAvailability returns a copy of the entry carrying a different availability
func (e *EntryValid) WithAvailability(a Availability) *EntryValid {
	c := *e
	c.Availability = a
	return &c
}

// AcquisitionFor returns the first acquisition link with the given rel
func (e *EntryValid) AcquisitionFor(rel string) (Link, bool) {
	for _, l := range e.Acquisitions {
		if l.Rel == rel {
			return l, true
		}
	}
	return Link{}, false
}

// Facet is one selectable alternative view of a feed
type Facet struct {
	Title  string
	Href   string
	Active bool
}

// FacetGroup is a named set of mutually exclusive facets (e.g. "Sort by")
type FacetGroup struct {
	Title  string
	Facets []Facet
}

// ActiveFacet returns the selected facet of the group, if any
func (g FacetGroup) ActiveFacet() (Facet, bool) {
	for _, f := range g.Facets {
		if f.Active {
			return f, true
		}
	}
	return Facet{}, false
}

// SearchDescriptor describes how to search within a feed
type SearchDescriptor struct {
	Template string // URI template with a {searchTerms} placeholder
	Type     string
}

// FeedGroup is a named lane of entries within a grouped feed
type FeedGroup struct {
	Title   string
	Href    string // Optional link to the full lane
	Entries []FeedEntry
}

// Feed is a fetched catalog document: either *FeedGrouped or *FeedUngrouped.
// Feed values are immutable snapshots; a new fetch produces a new value.
type Feed interface {
	FeedAccountID() AccountID
	FeedURI() string
	FeedTitle() string
	isFeed()
}

// FeedGrouped is a feed organized into named lanes
type FeedGrouped struct {
	Account AccountID
	URI     string
	Title   string
	Groups  []FeedGroup
	Facets  []FacetGroup
}

// FeedUngrouped is a flat, possibly paginated, list of entries
type FeedUngrouped struct {
	Account AccountID
	URI     string
	Title   string
	Entries []FeedEntry
	Next    string // Cursor for the next page; empty on the last page
	Facets  []FacetGroup
	Search  *SearchDescriptor
}

func (f *FeedGrouped) FeedAccountID() AccountID { return f.Account }
func (f *FeedGrouped) FeedURI() string          { return f.URI }
func (f *FeedGrouped) FeedTitle() string        { return f.Title }
func (*FeedGrouped) isFeed()                    {}

func (f *FeedUngrouped) FeedAccountID() AccountID { return f.Account }
func (f *FeedUngrouped) FeedURI() string          { return f.URI }
func (f *FeedUngrouped) FeedTitle() string        { return f.Title }
func (*FeedUngrouped) isFeed()                    {}

// Credentials are attached to requests for accounts that require login
type Credentials struct {
	Username string
	Password string
	Token    string // Bearer token; takes precedence over username/password
}

// Empty reports whether no usable credential is present
func (c *Credentials) Empty() bool {
	return c == nil || (c.Token == "" && c.Username == "")
}
