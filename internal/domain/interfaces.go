package domain

import "context"

// FeedFetcher retrieves catalog feeds. Implementations must be side-effect
// free on failure so callers can simply retry.
type FeedFetcher interface {
	Fetch(ctx context.Context, account AccountID, uri string, creds *Credentials, method string) (Feed, error)
}

// LendingAction is an action performed against the server for one book
type LendingAction int

const (
	ActionBorrow LendingAction = iota
	ActionReserve
	ActionRevoke
)

func (a LendingAction) String() string {
	switch a {
	case ActionBorrow:
		return "borrow"
	case ActionReserve:
		return "reserve"
	case ActionRevoke:
		return "revoke"
	default:
		return "unknown"
	}
}

// BorrowExecutor performs loans, holds and returns. Each call performs the
// action at most once; callers must not invoke it twice for the same intent.
type BorrowExecutor interface {
	Perform(ctx context.Context, entry *EntryValid, action LendingAction, creds *Credentials) (*EntryValid, error)
}

// CredentialResolver looks up the stored credentials of an account
type CredentialResolver interface {
	Credentials(account AccountID) (*Credentials, bool)
}

// DownloadStage says what a running download is waiting on
type DownloadStage int

const (
	StageTransferring DownloadStage = iota
	StageWaitingForExternalAuth
	StageExternalAuthInProgress
)

// DownloadProgress is reported by a Downloader while it runs
type DownloadProgress struct {
	Stage   DownloadStage
	Percent *float64 // nil when the size is unknown
}

// Downloader fetches book content. Cancelling ctx aborts the download.
type Downloader interface {
	Download(ctx context.Context, entry *EntryValid, creds *Credentials, progress func(DownloadProgress)) error
}

// ContentStore removes downloaded content from local storage
type ContentStore interface {
	DeleteContent(ctx context.Context, key BookKey) error
}

// Book is a registry entry: the authoritative status of a book and the
// entry it was last derived from.
type Book struct {
	ID      BookID
	Account AccountID
	Status  Status
	Entry   *EntryValid
}

// Key returns the account-scoped identity of the book
func (b Book) Key() BookKey {
	return BookKey{Account: b.Account, Book: b.ID}
}

// BookStore persists registry entries across runs
type BookStore interface {
	LoadBooks() ([]Book, error)
	SaveBook(b Book) error
	DeleteBook(id BookID) error
}

// FeedCache keeps the last successful fetch of each feed
type FeedCache interface {
	SaveFeed(feed Feed) error
	CachedFeed(account AccountID, uri string) (Feed, bool)
}
