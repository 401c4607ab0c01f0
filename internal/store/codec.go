package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/mmcdole/stacks/internal/domain"
)

// The domain unions are interfaces, so they are flattened into tagged
// records for storage.

type bookRecord struct {
	ID      domain.BookID    `json:"id"`
	Account domain.AccountID `json:"account"`
	Status  statusRecord     `json:"status"`
	Entry   entryRecord      `json:"entry"`
}

type statusRecord struct {
	Kind          string         `json:"kind"`
	QueuePosition *int           `json:"queuePosition,omitempty"`
	EndDate       *time.Time     `json:"endDate,omitempty"`
	Revocable     bool           `json:"revocable,omitempty"`
	OpenAccess    bool           `json:"openAccess,omitempty"`
	Returnable    bool           `json:"returnable,omitempty"`
	Progress      *float64       `json:"progress,omitempty"`
	Failure       *failureRecord `json:"failure,omitempty"`
}

type failureRecord struct {
	Kind       int               `json:"kind"`
	Message    string            `json:"message"`
	Steps      []domain.Step     `json:"steps,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Cause      string            `json:"cause,omitempty"`
}

type availabilityRecord struct {
	Kind          string     `json:"kind"`
	Since         *time.Time `json:"since,omitempty"`
	Until         *time.Time `json:"until,omitempty"`
	QueuePosition *int       `json:"queuePosition,omitempty"`
	RevokeURI     string     `json:"revokeURI,omitempty"`
}

type entryRecord struct {
	Type         string             `json:"type"` // "valid" or "corrupt"
	ID           domain.BookID      `json:"id"`
	Account      domain.AccountID   `json:"account"`
	Title        string             `json:"title,omitempty"`
	Authors      []string           `json:"authors,omitempty"`
	Summary      string             `json:"summary,omitempty"`
	Availability availabilityRecord `json:"availability"`
	Acquisitions []domain.Link      `json:"acquisitions,omitempty"`
	Related      string             `json:"related,omitempty"`
	Duration     time.Duration      `json:"duration,omitempty"`
	Formats      []string           `json:"formats,omitempty"`
	Updated      time.Time          `json:"updated"`
	Error        string             `json:"error,omitempty"`
}

type groupRecord struct {
	Title   string        `json:"title"`
	Href    string        `json:"href,omitempty"`
	Entries []entryRecord `json:"entries"`
}

type feedRecord struct {
	Type    string                   `json:"type"` // "grouped" or "ungrouped"
	Account domain.AccountID         `json:"account"`
	URI     string                   `json:"uri"`
	Title   string                   `json:"title"`
	Groups  []groupRecord            `json:"groups,omitempty"`
	Entries []entryRecord            `json:"entries,omitempty"`
	Next    string                   `json:"next,omitempty"`
	Facets  []domain.FacetGroup      `json:"facets,omitempty"`
	Search  *domain.SearchDescriptor `json:"search,omitempty"`
}

// === Books ===

func bookRecordFrom(b domain.Book) bookRecord {
	return bookRecord{
		ID:      b.ID,
		Account: b.Account,
		Status:  statusRecordFrom(b.Status),
		Entry:   entryRecordFrom(b.Entry),
	}
}

func (r bookRecord) toDomain() (domain.Book, error) {
	status, err := r.Status.toDomain()
	if err != nil {
		return domain.Book{}, err
	}
	entry, ok := r.Entry.toDomain().(*domain.EntryValid)
	if !ok {
		return domain.Book{}, fmt.Errorf("book %s has a corrupt entry", r.ID)
	}
	return domain.Book{ID: r.ID, Account: r.Account, Status: status, Entry: entry}, nil
}

// === Statuses ===

func statusRecordFrom(s domain.Status) statusRecord {
	rec := statusRecord{Kind: s.Kind().String()}
	switch v := s.(type) {
	case domain.HeldInQueue:
		rec.QueuePosition = v.QueuePosition
		rec.EndDate = v.EndDate
		rec.Revocable = v.Revocable
	case domain.HeldReady:
		rec.EndDate = v.EndDate
		rec.Revocable = v.Revocable
	case domain.LoanedNotDownloaded:
		rec.OpenAccess = v.OpenAccess
		rec.EndDate = v.Expiry
		rec.Returnable = v.Returnable
	case domain.LoanedDownloaded:
		rec.EndDate = v.Expiry
		rec.Returnable = v.Returnable
	case domain.Downloading:
		rec.Progress = v.ProgressPercent
	}
	if f, ok := domain.FailureOf(s); ok && f != nil {
		rec.Failure = &failureRecord{
			Kind:       int(f.Kind),
			Message:    f.Message,
			Steps:      f.Steps,
			Attributes: f.Attributes,
		}
		if f.Err != nil {
			rec.Failure.Cause = f.Err.Error()
		}
	}
	return rec
}

func (r statusRecord) toDomain() (domain.Status, error) {
	kind, ok := domain.ParseStatusKind(r.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown status kind %q", r.Kind)
	}

	var failure *domain.Failure
	if r.Failure != nil {
		failure = &domain.Failure{
			Kind:       domain.FailureKind(r.Failure.Kind),
			Message:    r.Failure.Message,
			Steps:      r.Failure.Steps,
			Attributes: r.Failure.Attributes,
		}
		if r.Failure.Cause != "" {
			failure.Err = errors.New(r.Failure.Cause)
		}
	}

	switch kind {
	case domain.StatusLoanable:
		return domain.Loanable{}, nil
	case domain.StatusHoldable:
		return domain.Holdable{}, nil
	case domain.StatusHeldInQueue:
		return domain.HeldInQueue{QueuePosition: r.QueuePosition, EndDate: r.EndDate, Revocable: r.Revocable}, nil
	case domain.StatusHeldReady:
		return domain.HeldReady{EndDate: r.EndDate, Revocable: r.Revocable}, nil
	case domain.StatusLoanedNotDownloaded:
		return domain.LoanedNotDownloaded{OpenAccess: r.OpenAccess, Expiry: r.EndDate, Returnable: r.Returnable}, nil
	case domain.StatusLoanedDownloaded:
		return domain.LoanedDownloaded{Expiry: r.EndDate, Returnable: r.Returnable}, nil
	case domain.StatusDownloading:
		return domain.Downloading{ProgressPercent: r.Progress}, nil
	case domain.StatusDownloadWaitingForExternalAuth:
		return domain.DownloadWaitingForExternalAuth{}, nil
	case domain.StatusDownloadExternalAuthInProgress:
		return domain.DownloadExternalAuthInProgress{}, nil
	case domain.StatusRequestingLoan:
		return domain.RequestingLoan{}, nil
	case domain.StatusRequestingDownload:
		return domain.RequestingDownload{}, nil
	case domain.StatusRequestingRevoke:
		return domain.RequestingRevoke{}, nil
	case domain.StatusRevoked:
		return domain.Revoked{}, nil
	case domain.StatusFailedLoan:
		return domain.FailedLoan{Failure: failure}, nil
	case domain.StatusFailedDownload:
		return domain.FailedDownload{Failure: failure}, nil
	case domain.StatusFailedRevoke:
		return domain.FailedRevoke{Failure: failure}, nil
	case domain.StatusReachedLoanLimit:
		return domain.ReachedLoanLimit{}, nil
	}
	return nil, fmt.Errorf("unhandled status kind %q", r.Kind)
}

// === Entries ===

func entryRecordFrom(e domain.FeedEntry) entryRecord {
	switch v := e.(type) {
	case *domain.EntryValid:
		return entryRecord{
			Type:    "valid",
			ID:      v.ID,
			Account: v.Account,
			Title:   v.Title,
			Authors: v.Authors,
			Summary: v.Summary,
			Availability: availabilityRecord{
				Kind:          v.Availability.Kind.String(),
				Since:         v.Availability.Since,
				Until:         v.Availability.Until,
				QueuePosition: v.Availability.QueuePosition,
				RevokeURI:     v.Availability.RevokeURI,
			},
			Acquisitions: v.Acquisitions,
			Related:      v.Related,
			Duration:     v.Duration,
			Formats:      v.Formats,
			Updated:      v.Updated,
		}
	case *domain.EntryCorrupt:
		rec := entryRecord{Type: "corrupt", ID: v.ID, Account: v.Account}
		if v.Err != nil {
			rec.Error = v.Err.Error()
		}
		return rec
	}
	return entryRecord{Type: "corrupt", Error: "missing entry"}
}

func (r entryRecord) toDomain() domain.FeedEntry {
	if r.Type != "valid" {
		return &domain.EntryCorrupt{ID: r.ID, Account: r.Account, Err: errors.New(r.Error)}
	}
	kind, ok := domain.ParseAvailabilityKind(r.Availability.Kind)
	if !ok {
		return &domain.EntryCorrupt{
			ID:      r.ID,
			Account: r.Account,
			Err:     fmt.Errorf("unknown availability %q", r.Availability.Kind),
		}
	}
	return &domain.EntryValid{
		ID:      r.ID,
		Account: r.Account,
		Title:   r.Title,
		Authors: r.Authors,
		Summary: r.Summary,
		Availability: domain.Availability{
			Kind:          kind,
			Since:         r.Availability.Since,
			Until:         r.Availability.Until,
			QueuePosition: r.Availability.QueuePosition,
			RevokeURI:     r.Availability.RevokeURI,
		},
		Acquisitions: r.Acquisitions,
		Related:      r.Related,
		Duration:     r.Duration,
		Formats:      r.Formats,
		Updated:      r.Updated,
	}
}

func entryRecords(entries []domain.FeedEntry) []entryRecord {
	out := make([]entryRecord, len(entries))
	for i, e := range entries {
		out[i] = entryRecordFrom(e)
	}
	return out
}

func entriesFrom(recs []entryRecord) []domain.FeedEntry {
	out := make([]domain.FeedEntry, len(recs))
	for i, r := range recs {
		out[i] = r.toDomain()
	}
	return out
}

// === Feeds ===

func feedRecordFrom(f domain.Feed) feedRecord {
	switch v := f.(type) {
	case *domain.FeedGrouped:
		groups := make([]groupRecord, len(v.Groups))
		for i, g := range v.Groups {
			groups[i] = groupRecord{Title: g.Title, Href: g.Href, Entries: entryRecords(g.Entries)}
		}
		return feedRecord{Type: "grouped", Account: v.Account, URI: v.URI, Title: v.Title, Groups: groups, Facets: v.Facets}
	case *domain.FeedUngrouped:
		return feedRecord{
			Type:    "ungrouped",
			Account: v.Account,
			URI:     v.URI,
			Title:   v.Title,
			Entries: entryRecords(v.Entries),
			Next:    v.Next,
			Facets:  v.Facets,
			Search:  v.Search,
		}
	}
	return feedRecord{}
}

func (r feedRecord) toDomain() domain.Feed {
	if r.Type == "grouped" {
		groups := make([]domain.FeedGroup, len(r.Groups))
		for i, g := range r.Groups {
			groups[i] = domain.FeedGroup{Title: g.Title, Href: g.Href, Entries: entriesFrom(g.Entries)}
		}
		return &domain.FeedGrouped{Account: r.Account, URI: r.URI, Title: r.Title, Groups: groups, Facets: r.Facets}
	}
	return &domain.FeedUngrouped{
		Account: r.Account,
		URI:     r.URI,
		Title:   r.Title,
		Entries: entriesFrom(r.Entries),
		Next:    r.Next,
		Facets:  r.Facets,
		Search:  r.Search,
	}
}
