package opds

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/mmcdole/stacks/internal/domain"
)

// Link relations understood by the mapper
const (
	RelAcquisition = "http://opds-spec.org/acquisition"
	RelOpenAccess  = "http://opds-spec.org/acquisition/open-access"
	RelBorrow      = "http://opds-spec.org/acquisition/borrow"
	RelRevoke      = "http://librarysimplified.org/terms/rel/revoke"
	RelRelated     = "related"
	RelNext        = "next"
	RelSearch      = "search"
	RelSelf        = "self"
)

// Problem types with special meaning for lending actions
const (
	ProblemLoanAlreadyExists = "http://librarysimplified.org/terms/problem/loan-already-exists"
	ProblemLoanLimitReached  = "http://librarysimplified.org/terms/problem/loan-limit-reached"
	ProblemHoldLimitReached  = "http://librarysimplified.org/terms/problem/hold-limit-reached"
)

// MapFeed converts a decoded document to a domain feed. Publications that
// cannot be mapped become corrupt entries; the rest of the feed survives.
func MapFeed(doc *Document, account domain.AccountID, uri string) domain.Feed {
	base, _ := url.Parse(uri)

	facets := mapFacets(doc.Facets, base)
	if len(doc.Navigation) > 0 {
		facets = append(facets, mapNavigation(doc.Navigation, base))
	}

	if len(doc.Groups) > 0 {
		groups := make([]domain.FeedGroup, 0, len(doc.Groups))
		for _, g := range doc.Groups {
			if len(g.Publications) == 0 {
				continue
			}
			group := domain.FeedGroup{Title: g.Metadata.Title}
			if self, ok := findRel(g.Links, RelSelf); ok {
				group.Href = resolve(base, self.Href)
			}
			for _, raw := range g.Publications {
				group.Entries = append(group.Entries, MapPublication(raw, account, base))
			}
			groups = append(groups, group)
		}
		return &domain.FeedGrouped{
			Account: account,
			URI:     uri,
			Title:   doc.Metadata.Title,
			Groups:  groups,
			Facets:  facets,
		}
	}

	feed := &domain.FeedUngrouped{
		Account: account,
		URI:     uri,
		Title:   doc.Metadata.Title,
		Entries: make([]domain.FeedEntry, 0, len(doc.Publications)),
		Facets:  facets,
	}
	for _, raw := range doc.Publications {
		feed.Entries = append(feed.Entries, MapPublication(raw, account, base))
	}
	if next, ok := findRel(doc.Links, RelNext); ok {
		feed.Next = resolve(base, next.Href)
	}
	if search, ok := findRel(doc.Links, RelSearch); ok {
		feed.Search = &domain.SearchDescriptor{Template: resolveTemplate(base, search.Href), Type: search.Type}
	}
	return feed
}

func mapFacets(groups []FacetGroup, base *url.URL) []domain.FacetGroup {
	out := make([]domain.FacetGroup, 0, len(groups))
	for _, g := range groups {
		fg := domain.FacetGroup{Title: g.Metadata.Title}
		for _, l := range g.Links {
			fg.Facets = append(fg.Facets, domain.Facet{
				Title:  l.Title,
				Href:   resolve(base, l.Href),
				Active: l.HasRel(RelSelf),
			})
		}
		out = append(out, fg)
	}
	return out
}

// mapNavigation exposes navigation links as a facet group; they lead to
// other feeds rather than to books.
func mapNavigation(links []Link, base *url.URL) domain.FacetGroup {
	fg := domain.FacetGroup{Title: "Browse"}
	for _, l := range links {
		fg.Facets = append(fg.Facets, domain.Facet{Title: l.Title, Href: resolve(base, l.Href)})
	}
	return fg
}

// MapPublication converts one raw publication. It never fails: problems
// yield an *EntryCorrupt carrying whatever identifier could be recovered.
func MapPublication(raw []byte, account domain.AccountID, base *url.URL) domain.FeedEntry {
	var pub Publication
	if err := json.Unmarshal(raw, &pub); err != nil {
		return &domain.EntryCorrupt{
			ID:      probeIdentifier(raw),
			Account: account,
			Err:     fmt.Errorf("%w: %v", domain.ErrParse, err),
		}
	}
	return mapPublication(&pub, account, base)
}

func probeIdentifier(raw []byte) domain.BookID {
	var probe struct {
		Metadata struct {
			Identifier any `json:"identifier"`
		} `json:"metadata"`
	}
	if json.Unmarshal(raw, &probe) != nil {
		return ""
	}
	if s, ok := probe.Metadata.Identifier.(string); ok {
		return domain.BookID(s)
	}
	return ""
}

func mapPublication(pub *Publication, account domain.AccountID, base *url.URL) domain.FeedEntry {
	id := domain.BookID(pub.Metadata.Identifier)
	corrupt := func(msg string) domain.FeedEntry {
		return &domain.EntryCorrupt{ID: id, Account: account, Err: fmt.Errorf("%w: %s", domain.ErrParse, msg)}
	}
	if id == "" {
		return corrupt("publication has no identifier")
	}
	if strings.TrimSpace(pub.Metadata.Title) == "" {
		return corrupt("publication has no title")
	}

	var acquisitions []Link
	for _, l := range pub.Links {
		for _, r := range l.Rel {
			if strings.HasPrefix(r, RelAcquisition) {
				acquisitions = append(acquisitions, l)
				break
			}
		}
	}
	if len(acquisitions) == 0 {
		return corrupt("publication has no acquisition links")
	}

	avail, err := mapAvailability(acquisitions)
	if err != nil {
		return corrupt(err.Error())
	}
	if revoke, ok := findRel(pub.Links, RelRevoke); ok {
		avail.RevokeURI = resolve(base, revoke.Href)
	}

	entry := &domain.EntryValid{
		ID:           id,
		Account:      account,
		Title:        pub.Metadata.Title,
		Authors:      []string(pub.Metadata.Author),
		Summary:      pub.Metadata.Description,
		Availability: avail,
		Duration:     time.Duration(pub.Metadata.Duration * float64(time.Second)),
	}
	if t, err := time.Parse(time.RFC3339, pub.Metadata.Modified); err == nil {
		entry.Updated = t
	}
	if related, ok := findRel(pub.Links, RelRelated); ok {
		entry.Related = resolve(base, related.Href)
	}

	seen := make(map[string]bool)
	for _, l := range acquisitions {
		entry.Acquisitions = append(entry.Acquisitions, domain.Link{
			Rel:  l.Rel[0],
			Href: resolve(base, l.Href),
			Type: l.Type,
		})
		for _, f := range finalTypes(l) {
			if !seen[f] {
				seen[f] = true
				entry.Formats = append(entry.Formats, f)
			}
		}
	}
	return entry
}

// mapAvailability discriminates on the acquisition links present:
// open-access wins, then a fulfilment link (the book is already loaned),
// then a borrow link whose availability state says loanable, holdable or held.
func mapAvailability(links []Link) (domain.Availability, error) {
	for _, l := range links {
		if l.HasRel(RelOpenAccess) {
			return domain.Availability{Kind: domain.AvailabilityOpenAccess}, nil
		}
	}

	if l, ok := findRel(links, RelAcquisition); ok {
		a := availabilityFromProperties(l.Properties)
		switch state(l.Properties) {
		case "", "available":
			a.Kind = domain.AvailabilityLoaned
		case "ready":
			a.Kind = domain.AvailabilityHeldReady
		case "reserved":
			a.Kind = domain.AvailabilityHeld
		case "revoked":
			a.Kind = domain.AvailabilityRevoked
		default:
			return domain.Availability{}, fmt.Errorf("unknown availability state %q", state(l.Properties))
		}
		return a, nil
	}

	l, ok := findRel(links, RelBorrow)
	if !ok {
		return domain.Availability{}, errors.New("no usable acquisition link")
	}
	a := availabilityFromProperties(l.Properties)
	switch state(l.Properties) {
	case "", "available":
		a.Kind = domain.AvailabilityLoanable
	case "unavailable":
		a.Kind = domain.AvailabilityHoldable
	case "reserved":
		a.Kind = domain.AvailabilityHeld
	case "ready":
		a.Kind = domain.AvailabilityHeldReady
	case "revoked":
		a.Kind = domain.AvailabilityRevoked
	default:
		return domain.Availability{}, fmt.Errorf("unknown availability state %q", state(l.Properties))
	}
	return a, nil
}

func state(p *LinkProperties) string {
	if p == nil || p.Availability == nil {
		return ""
	}
	return p.Availability.State
}

func availabilityFromProperties(p *LinkProperties) domain.Availability {
	var a domain.Availability
	if p == nil {
		return a
	}
	if p.Availability != nil {
		a.Since = parseTime(p.Availability.Since)
		a.Until = parseTime(p.Availability.Until)
	}
	if p.Holds != nil && p.Holds.Position != nil {
		pos := *p.Holds.Position
		a.QueuePosition = &pos
	}
	return a
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

// finalTypes returns the content types a link ultimately yields, following
// indirect acquisitions down to their leaves.
func finalTypes(l Link) []string {
	if l.Properties == nil || len(l.Properties.IndirectAcquisition) == 0 {
		if l.Type == "" {
			return nil
		}
		return []string{l.Type}
	}
	var out []string
	var walk func([]IndirectAcquisition)
	walk = func(ias []IndirectAcquisition) {
		for _, ia := range ias {
			if len(ia.Child) == 0 {
				out = append(out, ia.Type)
				continue
			}
			walk(ia.Child)
		}
	}
	walk(l.Properties.IndirectAcquisition)
	return out
}

func findRel(links []Link, rel string) (Link, bool) {
	for _, l := range links {
		if l.HasRel(rel) {
			return l, true
		}
	}
	return Link{}, false
}

func resolve(base *url.URL, href string) string {
	if base == nil || href == "" {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// resolveTemplate resolves a URI template without escaping its braces
func resolveTemplate(base *url.URL, href string) string {
	if !strings.Contains(href, "{") {
		return resolve(base, href)
	}
	if base == nil || strings.Contains(href, "://") || !strings.HasPrefix(href, "/") {
		return href
	}
	return base.Scheme + "://" + base.Host + href
}
