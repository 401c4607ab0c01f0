package httpapi

import (
	"time"

	"github.com/mmcdole/stacks/internal/domain"
	"github.com/mmcdole/stacks/internal/navigation"
)

type failureView struct {
	Kind       string            `json:"kind"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Steps      []stepView        `json:"steps,omitempty"`
}

type stepView struct {
	Description string `json:"description"`
	Resolution  string `json:"resolution,omitempty"`
	Failed      bool   `json:"failed"`
}

type statusView struct {
	Kind          string       `json:"kind"`
	QueuePosition *int         `json:"queue_position,omitempty"`
	Until         *time.Time   `json:"until,omitempty"`
	Progress      *float64     `json:"progress,omitempty"`
	Returnable    bool         `json:"returnable,omitempty"`
	OpenAccess    bool         `json:"open_access,omitempty"`
	Failure       *failureView `json:"failure,omitempty"`
}

type entryView struct {
	ID      domain.BookID    `json:"id"`
	Account domain.AccountID `json:"account"`
	Title   string           `json:"title,omitempty"`
	Authors []string         `json:"authors,omitempty"`
	Formats []string         `json:"formats,omitempty"`
	Related string           `json:"related,omitempty"`
	Status  *statusView      `json:"status,omitempty"`
	Error   string           `json:"error,omitempty"` // Corrupt entries only
}

type groupView struct {
	Title   string      `json:"title"`
	Href    string      `json:"href,omitempty"`
	Entries []entryView `json:"entries"`
}

type facetGroupView struct {
	Title  string      `json:"title"`
	Facets []facetView `json:"facets"`
}

type facetView struct {
	Title  string `json:"title"`
	Href   string `json:"href"`
	Active bool   `json:"active,omitempty"`
}

type navigationView struct {
	State   string           `json:"state"`
	Request string           `json:"request,omitempty"`
	Title   string           `json:"title,omitempty"`
	URI     string           `json:"uri,omitempty"`
	Entries []entryView      `json:"entries,omitempty"`
	Groups  []groupView      `json:"groups,omitempty"`
	Facets  []facetGroupView `json:"facets,omitempty"`
	HasMore bool             `json:"has_more,omitempty"`
	History []string         `json:"history"`
	Failure *failureView     `json:"failure,omitempty"`
}

func newFailureView(f *domain.Failure) *failureView {
	if f == nil {
		return nil
	}
	v := &failureView{Kind: f.Kind.String(), Message: f.Message, Attributes: f.Attributes}
	for _, s := range f.Steps {
		v.Steps = append(v.Steps, stepView{Description: s.Description, Resolution: s.Resolution, Failed: s.Failed})
	}
	return v
}

func newStatusView(s domain.Status) *statusView {
	if s == nil {
		return nil
	}
	v := &statusView{Kind: s.Kind().String()}
	switch st := s.(type) {
	case domain.HeldInQueue:
		v.QueuePosition, v.Until, v.Returnable = st.QueuePosition, st.EndDate, st.Revocable
	case domain.HeldReady:
		v.Until, v.Returnable = st.EndDate, st.Revocable
	case domain.LoanedNotDownloaded:
		v.Until, v.Returnable, v.OpenAccess = st.Expiry, st.Returnable, st.OpenAccess
	case domain.LoanedDownloaded:
		v.Until, v.Returnable = st.Expiry, st.Returnable
	case domain.Downloading:
		v.Progress = st.ProgressPercent
	}
	if f, ok := domain.FailureOf(s); ok {
		v.Failure = newFailureView(f)
	}
	return v
}

func (s *Server) newEntryView(e domain.FeedEntry) entryView {
	v := entryView{ID: e.EntryBookID(), Account: e.EntryAccountID()}
	switch entry := e.(type) {
	case *domain.EntryValid:
		v.Title, v.Authors, v.Formats, v.Related = entry.Title, entry.Authors, entry.Formats, entry.Related
	case *domain.EntryCorrupt:
		if entry.Err != nil {
			v.Error = entry.Err.Error()
		}
	}
	if st, ok := s.books.StatusFor(e); ok {
		v.Status = newStatusView(st)
	}
	return v
}

func (s *Server) newBookView(b domain.Book) entryView {
	v := entryView{ID: b.ID, Account: b.Account, Status: newStatusView(b.Status)}
	if b.Entry != nil {
		v.Title, v.Authors, v.Formats, v.Related = b.Entry.Title, b.Entry.Authors, b.Entry.Formats, b.Entry.Related
	}
	return v
}

func newFacetViews(groups []domain.FacetGroup) []facetGroupView {
	var out []facetGroupView
	for _, g := range groups {
		gv := facetGroupView{Title: g.Title}
		for _, f := range g.Facets {
			gv.Facets = append(gv.Facets, facetView{Title: f.Title, Href: f.Href, Active: f.Active})
		}
		out = append(out, gv)
	}
	return out
}

func (s *Server) newNavigationView(st navigation.State) navigationView {
	v := navigationView{State: navigation.StateName(st), History: []string{}}
	if req, ok := navigation.RequestOf(st); ok {
		v.Request = req.Key()
	}
	for _, req := range s.nav.History() {
		v.History = append(v.History, req.Key())
	}

	switch cur := st.(type) {
	case navigation.Error:
		v.Failure = newFailureView(cur.Failure)
	case navigation.LoadedFeedEntry:
		v.Entries = []entryView{s.newEntryView(cur.Entry)}
	case navigation.LoadedFeedWithGroups:
		v.Title, v.URI = cur.Handle.Feed.FeedTitle(), cur.Handle.Feed.FeedURI()
		for _, g := range cur.Handle.Groups() {
			gv := groupView{Title: g.Title, Href: g.Href, Entries: []entryView{}}
			for _, e := range g.Entries {
				gv.Entries = append(gv.Entries, s.newEntryView(e))
			}
			v.Groups = append(v.Groups, gv)
		}
		if g, ok := cur.Handle.Feed.(*domain.FeedGrouped); ok {
			v.Facets = newFacetViews(g.Facets)
		}
	case navigation.LoadedFeedWithoutGroups:
		v.Title, v.URI = cur.Handle.Feed.FeedTitle(), cur.Handle.Feed.FeedURI()
		for _, e := range cur.Handle.Entries() {
			v.Entries = append(v.Entries, s.newEntryView(e))
		}
		if cur.Handle.Loader != nil {
			v.HasMore = cur.Handle.Loader.HasMore()
		}
		if u, ok := cur.Handle.Feed.(*domain.FeedUngrouped); ok {
			v.Facets = newFacetViews(u.Facets)
		}
	}
	return v
}
