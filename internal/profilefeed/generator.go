// Package profilefeed builds feeds from the books the registry knows about,
// such as "my loans" and "my holds", without touching the network.
package profilefeed

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
	sfuzzy "github.com/sahilm/fuzzy"

	"github.com/mmcdole/stacks/internal/domain"
)

// Selection picks which shelf a feed shows
type Selection int

const (
	SelectLoans Selection = iota
	SelectHolds
)

func (s Selection) String() string {
	if s == SelectHolds {
		return "holds"
	}
	return "loans"
}

// ParseSelection accepts "loans" or "holds"
func ParseSelection(s string) (Selection, error) {
	switch strings.ToLower(s) {
	case "", "loans":
		return SelectLoans, nil
	case "holds":
		return SelectHolds, nil
	default:
		return 0, fmt.Errorf("unknown selection %q", s)
	}
}

// SortBy orders the entries of a generated feed
type SortBy int

const (
	SortTitle SortBy = iota
	SortAuthor
	// SortRelevance orders by match quality; without a query it is SortTitle
	SortRelevance
)

var sortNames = [...]string{SortTitle: "title", SortAuthor: "author", SortRelevance: "relevance"}

func (s SortBy) String() string {
	if int(s) >= 0 && int(s) < len(sortNames) {
		return sortNames[s]
	}
	return "title"
}

// ParseSort is the inverse of SortBy.String
func ParseSort(s string) (SortBy, error) {
	for i, name := range sortNames {
		if strings.EqualFold(name, s) {
			return SortBy(i), nil
		}
	}
	if s == "" {
		return SortTitle, nil
	}
	return 0, fmt.Errorf("unknown sort order %q", s)
}

// Options narrows and orders a generated feed
type Options struct {
	Account domain.AccountID // Empty includes every account
	Query   string
	Sort    SortBy
}

const uriScheme = "stacks"

// Books is the registry view the generator reads
type Books interface {
	Books() []domain.Book
}

// Generator builds local feeds
type Generator struct {
	books  Books
	logger *slog.Logger
}

// New creates a generator over the given books
func New(books Books, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{books: books, logger: logger}
}

// FeedURI is the identity of a generated feed. Facet links use the same
// scheme so a client can turn one back into a selection with ParseURI.
func FeedURI(sel Selection, opts Options) string {
	v := url.Values{}
	v.Set("sort", opts.Sort.String())
	if opts.Account != "" {
		v.Set("account", string(opts.Account))
	}
	if opts.Query != "" {
		v.Set("q", opts.Query)
	}
	return uriScheme + ":" + sel.String() + "?" + v.Encode()
}

// ParseURI is the inverse of FeedURI
func ParseURI(uri string) (Selection, Options, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return 0, Options{}, err
	}
	if u.Scheme != uriScheme {
		return 0, Options{}, fmt.Errorf("not a generated feed: %s", uri)
	}
	sel, err := ParseSelection(u.Opaque)
	if err != nil {
		return 0, Options{}, err
	}
	q := u.Query()
	by, err := ParseSort(q.Get("sort"))
	if err != nil {
		return 0, Options{}, err
	}
	return sel, Options{Account: domain.AccountID(q.Get("account")), Query: q.Get("q"), Sort: by}, nil
}

// Feed returns a generator function for a GeneratedFeed request
func (g *Generator) Feed(sel Selection, opts Options) domain.FeedGenerator {
	return func(ctx context.Context) (domain.Feed, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return g.Build(sel, opts), nil
	}
}

// Request wraps Feed in a navigation request
func (g *Generator) Request(sel Selection, opts Options, history domain.HistoryBehavior) *domain.GeneratedFeed {
	return &domain.GeneratedFeed{
		Account:  opts.Account,
		Name:     FeedURI(sel, opts),
		Generate: g.Feed(sel, opts),
		History:  history,
	}
}

// Build produces the feed synchronously
func (g *Generator) Build(sel Selection, opts Options) *domain.FeedUngrouped {
	var entries []*domain.EntryValid
	for _, b := range g.books.Books() {
		if b.Entry == nil || !selected(sel, b.Status) {
			continue
		}
		if opts.Account != "" && b.Account != opts.Account {
			continue
		}
		entries = append(entries, b.Entry)
	}

	entries = filter(entries, opts)
	g.logger.Debug("generated feed", "selection", sel, "query", opts.Query, "entries", len(entries))

	feed := &domain.FeedUngrouped{
		Account: opts.Account,
		URI:     FeedURI(sel, opts),
		Title:   title(sel),
		Facets:  facets(sel, opts),
	}
	for _, e := range entries {
		feed.Entries = append(feed.Entries, e)
	}
	return feed
}

func selected(sel Selection, s domain.Status) bool {
	if sel == SelectHolds {
		return domain.IsHeld(s)
	}
	return domain.IsLoaned(s)
}

func title(sel Selection) string {
	if sel == SelectHolds {
		return "Holds"
	}
	return "Loans"
}

// titleIndex implements sahilm/fuzzy.Source over lowercase titles
type titleIndex struct {
	lowerTitles []string
}

func (idx *titleIndex) String(i int) string { return idx.lowerTitles[i] }
func (idx *titleIndex) Len() int            { return len(idx.lowerTitles) }

// filter keeps entries whose title fuzzily matches the query or whose
// author contains it, then orders them.
func filter(entries []*domain.EntryValid, opts Options) []*domain.EntryValid {
	query := strings.TrimSpace(opts.Query)
	if query == "" {
		sortEntries(entries, opts.Sort, nil)
		return entries
	}

	idx := &titleIndex{lowerTitles: make([]string, len(entries))}
	for i, e := range entries {
		idx.lowerTitles[i] = strings.ToLower(e.Title)
	}

	// Lower rank is better; author-only matches rank after every title match
	rank := make(map[*domain.EntryValid]int)
	matches := sfuzzy.FindFrom(strings.ToLower(query), idx)
	for i, m := range matches {
		rank[entries[m.Index]] = i
	}
	next := len(matches)
	for _, e := range entries {
		if _, ok := rank[e]; ok {
			continue
		}
		if authorMatches(query, e.Authors) {
			rank[e] = next
			next++
		}
	}

	kept := make([]*domain.EntryValid, 0, len(rank))
	for _, e := range entries {
		if _, ok := rank[e]; ok {
			kept = append(kept, e)
		}
	}
	sortEntries(kept, opts.Sort, rank)
	return kept
}

func authorMatches(query string, authors []string) bool {
	for _, a := range authors {
		if fuzzy.MatchFold(query, a) {
			return true
		}
	}
	return false
}

func sortEntries(entries []*domain.EntryValid, by SortBy, rank map[*domain.EntryValid]int) {
	less := func(a, b *domain.EntryValid) bool {
		at, bt := strings.ToLower(a.Title), strings.ToLower(b.Title)
		if at != bt {
			return at < bt
		}
		return a.ID < b.ID
	}
	switch {
	case by == SortAuthor:
		titleLess := less
		less = func(a, b *domain.EntryValid) bool {
			aa, ba := firstAuthor(a), firstAuthor(b)
			if aa != ba {
				return aa < ba
			}
			return titleLess(a, b)
		}
	case by == SortRelevance && rank != nil:
		titleLess := less
		less = func(a, b *domain.EntryValid) bool {
			if rank[a] != rank[b] {
				return rank[a] < rank[b]
			}
			return titleLess(a, b)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return less(entries[i], entries[j]) })
}

func firstAuthor(e *domain.EntryValid) string {
	if len(e.Authors) == 0 {
		return ""
	}
	return strings.ToLower(e.Authors[0])
}

func facets(sel Selection, opts Options) []domain.FacetGroup {
	sorts := domain.FacetGroup{Title: "Sort by"}
	for _, by := range []SortBy{SortTitle, SortAuthor, SortRelevance} {
		if by == SortRelevance && opts.Query == "" {
			continue
		}
		o := opts
		o.Sort = by
		sorts.Facets = append(sorts.Facets, domain.Facet{
			Title:  strings.ToUpper(by.String()[:1]) + by.String()[1:],
			Href:   FeedURI(sel, o),
			Active: by == opts.Sort,
		})
	}

	shelves := domain.FacetGroup{Title: "Show"}
	for _, s := range []Selection{SelectLoans, SelectHolds} {
		shelves.Facets = append(shelves.Facets, domain.Facet{
			Title:  title(s),
			Href:   FeedURI(s, opts),
			Active: s == sel,
		})
	}
	return []domain.FacetGroup{sorts, shelves}
}
