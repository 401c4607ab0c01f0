package opds

import (
	"errors"
	"net/url"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcdole/stacks/internal/domain"
)

const ungroupedFeed = `{
  "metadata": {"title": "Science Fiction"},
  "links": [
    {"rel": "self", "href": "/feeds/sf"},
    {"rel": "next", "href": "/feeds/sf?page=2"},
    {"rel": "search", "href": "/search{?query}", "type": "application/opds+json", "templated": true}
  ],
  "facets": [{
    "metadata": {"title": "Sort by"},
    "links": [
      {"title": "Title", "href": "/feeds/sf?order=title", "rel": "self"},
      {"title": "Author", "href": "/feeds/sf?order=author"}
    ]
  }],
  "publications": [
    {
      "metadata": {
        "identifier": "urn:isbn:9780441478125",
        "title": "The Left Hand of Darkness",
        "author": [{"name": "Ursula K. Le Guin"}],
        "modified": "2024-03-01T12:00:00Z"
      },
      "links": [{
        "rel": "http://opds-spec.org/acquisition/borrow",
        "href": "/borrow/1",
        "type": "application/atom+xml;type=entry;profile=opds-catalog",
        "properties": {
          "availability": {"state": "available"},
          "indirectAcquisition": [{"type": "application/vnd.adobe.adept+xml", "child": [{"type": "application/epub+zip"}]}]
        }
      }]
    },
    {"metadata": {"identifier": "urn:isbn:2", "title": ""}, "links": []},
    {"metadata": {"identifier": "urn:isbn:3", "title": "Dune", "author": "Frank Herbert"}, "links": 12}
  ]
}`

func decodeDoc(t *testing.T, s string) *Document {
	t.Helper()
	var doc Document
	require.NoError(t, json.Unmarshal([]byte(s), &doc))
	return &doc
}

func TestMapFeedUngrouped(t *testing.T) {
	feed := MapFeed(decodeDoc(t, ungroupedFeed), "nypl", "https://lib.example.org/feeds/sf")

	f, ok := feed.(*domain.FeedUngrouped)
	require.True(t, ok, "expected ungrouped feed, got %T", feed)
	assert.Equal(t, "Science Fiction", f.Title)
	assert.Equal(t, "https://lib.example.org/feeds/sf?page=2", f.Next)
	require.NotNil(t, f.Search)
	assert.Equal(t, "https://lib.example.org/search{?query}", f.Search.Template)

	require.Len(t, f.Facets, 1)
	active, ok := f.Facets[0].ActiveFacet()
	require.True(t, ok)
	assert.Equal(t, "Title", active.Title)

	require.Len(t, f.Entries, 3)

	valid, ok := f.Entries[0].(*domain.EntryValid)
	require.True(t, ok)
	assert.Equal(t, domain.BookID("urn:isbn:9780441478125"), valid.ID)
	assert.Equal(t, domain.AccountID("nypl"), valid.Account)
	assert.Equal(t, []string{"Ursula K. Le Guin"}, valid.Authors)
	assert.Equal(t, domain.AvailabilityLoanable, valid.Availability.Kind)
	assert.Equal(t, []string{"application/epub+zip"}, valid.Formats)
	assert.Equal(t, "https://lib.example.org/borrow/1", valid.Acquisitions[0].Href)
	assert.False(t, valid.Updated.IsZero())

	corrupt, ok := f.Entries[1].(*domain.EntryCorrupt)
	require.True(t, ok)
	assert.Equal(t, domain.BookID("urn:isbn:2"), corrupt.ID)
	assert.True(t, errors.Is(corrupt.Err, domain.ErrParse))

	// Undecodable publication still yields its identifier
	corrupt, ok = f.Entries[2].(*domain.EntryCorrupt)
	require.True(t, ok)
	assert.Equal(t, domain.BookID("urn:isbn:3"), corrupt.ID)
}

func TestMapFeedGrouped(t *testing.T) {
	doc := decodeDoc(t, `{
	  "metadata": {"title": "Home"},
	  "navigation": [{"title": "Fiction", "href": "/fiction"}],
	  "groups": [
	    {
	      "metadata": {"title": "New"},
	      "links": [{"rel": "self", "href": "/new"}],
	      "publications": [{
	        "metadata": {"identifier": "a", "title": "A"},
	        "links": [{"rel": "http://opds-spec.org/acquisition/open-access", "href": "/a.epub", "type": "application/epub+zip"}]
	      }]
	    },
	    {"metadata": {"title": "Empty"}}
	  ]
	}`)

	feed := MapFeed(doc, "nypl", "https://lib.example.org/")
	g, ok := feed.(*domain.FeedGrouped)
	require.True(t, ok, "expected grouped feed, got %T", feed)
	require.Len(t, g.Groups, 1)
	assert.Equal(t, "New", g.Groups[0].Title)
	assert.Equal(t, "https://lib.example.org/new", g.Groups[0].Href)

	entry := g.Groups[0].Entries[0].(*domain.EntryValid)
	assert.Equal(t, domain.AvailabilityOpenAccess, entry.Availability.Kind)

	require.Len(t, g.Facets, 1)
	assert.Equal(t, "Browse", g.Facets[0].Title)
	assert.Equal(t, "https://lib.example.org/fiction", g.Facets[0].Facets[0].Href)
}

func TestMapAvailability(t *testing.T) {
	pos := 4
	tests := []struct {
		name  string
		links []Link
		want  domain.AvailabilityKind
		err   bool
	}{
		{"open access wins", []Link{
			{Rel: Rels{RelBorrow}},
			{Rel: Rels{RelOpenAccess}},
		}, domain.AvailabilityOpenAccess, false},
		{"fulfilment link means loaned", []Link{{Rel: Rels{RelAcquisition}}}, domain.AvailabilityLoaned, false},
		{"fulfilment ready", []Link{{Rel: Rels{RelAcquisition}, Properties: &LinkProperties{Availability: &AvailabilityDTO{State: "ready"}}}}, domain.AvailabilityHeldReady, false},
		{"borrow available", []Link{{Rel: Rels{RelBorrow}}}, domain.AvailabilityLoanable, false},
		{"borrow unavailable", []Link{{Rel: Rels{RelBorrow}, Properties: &LinkProperties{Availability: &AvailabilityDTO{State: "unavailable"}}}}, domain.AvailabilityHoldable, false},
		{"borrow reserved", []Link{{Rel: Rels{RelBorrow}, Properties: &LinkProperties{
			Availability: &AvailabilityDTO{State: "reserved"},
			Holds:        &Holds{Total: 10, Position: &pos},
		}}}, domain.AvailabilityHeld, false},
		{"unknown state", []Link{{Rel: Rels{RelBorrow}, Properties: &LinkProperties{Availability: &AvailabilityDTO{State: "teleported"}}}}, 0, true},
		{"nothing usable", []Link{{Rel: Rels{"http://opds-spec.org/acquisition/sample"}}}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mapAvailability(tt.links)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Kind)
		})
	}
}

func TestMapAvailabilityQueuePosition(t *testing.T) {
	pos := 2
	got, err := mapAvailability([]Link{{Rel: Rels{RelBorrow}, Properties: &LinkProperties{
		Availability: &AvailabilityDTO{State: "reserved", Until: "2026-11-01T00:00:00Z"},
		Holds:        &Holds{Position: &pos},
	}}})
	require.NoError(t, err)
	require.NotNil(t, got.QueuePosition)
	assert.Equal(t, 2, *got.QueuePosition)
	require.NotNil(t, got.Until)
	assert.Equal(t, 2026, got.Until.Year())
}

func TestRevokeLinkMakesEntryRevocable(t *testing.T) {
	base, _ := url.Parse("https://lib.example.org/loans")
	raw := []byte(`{
	  "metadata": {"identifier": "x", "title": "X"},
	  "links": [
	    {"rel": "http://opds-spec.org/acquisition", "href": "/fulfil/x", "type": "application/epub+zip"},
	    {"rel": ["http://librarysimplified.org/terms/rel/revoke"], "href": "/revoke/x"}
	  ]
	}`)

	entry, ok := MapPublication(raw, "nypl", base).(*domain.EntryValid)
	require.True(t, ok)
	assert.Equal(t, domain.AvailabilityLoaned, entry.Availability.Kind)
	assert.Equal(t, "https://lib.example.org/revoke/x", entry.Availability.RevokeURI)
	assert.True(t, entry.Availability.Revocable())
}

func TestContributors(t *testing.T) {
	tests := []struct {
		in   string
		want Contributors
	}{
		{`"Octavia E. Butler"`, Contributors{"Octavia E. Butler"}},
		{`{"name": "Iain M. Banks"}`, Contributors{"Iain M. Banks"}},
		{`["A", {"name": "B"}]`, Contributors{"A", "B"}},
		{`null`, nil},
	}
	for _, tt := range tests {
		var got Contributors
		require.NoError(t, json.Unmarshal([]byte(tt.in), &got), tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
