package domain

import "time"

// StatusKind discriminates the Status union
type StatusKind int

const (
	StatusLoanable StatusKind = iota
	StatusHoldable
	StatusHeldInQueue
	StatusHeldReady
	StatusLoanedNotDownloaded
	StatusLoanedDownloaded
	StatusDownloading
	StatusDownloadWaitingForExternalAuth
	StatusDownloadExternalAuthInProgress
	StatusRequestingLoan
	StatusRequestingDownload
	StatusRequestingRevoke
	StatusRevoked
	StatusFailedLoan
	StatusFailedDownload
	StatusFailedRevoke
	StatusReachedLoanLimit
)

var statusNames = [...]string{
	StatusLoanable:                       "loanable",
	StatusHoldable:                       "holdable",
	StatusHeldInQueue:                    "held_in_queue",
	StatusHeldReady:                      "held_ready",
	StatusLoanedNotDownloaded:            "loaned_not_downloaded",
	StatusLoanedDownloaded:               "loaned_downloaded",
	StatusDownloading:                    "downloading",
	StatusDownloadWaitingForExternalAuth: "download_waiting_for_external_auth",
	StatusDownloadExternalAuthInProgress: "download_external_auth_in_progress",
	StatusRequestingLoan:                 "requesting_loan",
	StatusRequestingDownload:             "requesting_download",
	StatusRequestingRevoke:               "requesting_revoke",
	StatusRevoked:                        "revoked",
	StatusFailedLoan:                     "failed_loan",
	StatusFailedDownload:                 "failed_download",
	StatusFailedRevoke:                   "failed_revoke",
	StatusReachedLoanLimit:               "reached_loan_limit",
}

func (k StatusKind) String() string {
	if int(k) >= 0 && int(k) < len(statusNames) {
		return statusNames[k]
	}
	return "unknown"
}

// ParseStatusKind is the inverse of StatusKind.String
func ParseStatusKind(s string) (StatusKind, bool) {
	for k, name := range statusNames {
		if name == s {
			return StatusKind(k), true
		}
	}
	return 0, false
}

// Status is the lending status of one book. Exactly one of the concrete
// types below; switch on the value type (or on Kind) to handle each case.
type Status interface {
	Kind() StatusKind
	isStatus()
}

type (
	Loanable struct{}
	Holdable struct{}

	HeldInQueue struct {
		QueuePosition *int
		EndDate       *time.Time
		Revocable     bool
	}

	HeldReady struct {
		EndDate   *time.Time
		Revocable bool
	}

	LoanedNotDownloaded struct {
		OpenAccess bool
		Expiry     *time.Time
		Returnable bool
	}

	LoanedDownloaded struct {
		Expiry     *time.Time
		Returnable bool
	}

	Downloading struct {
		ProgressPercent *float64
	}

	DownloadWaitingForExternalAuth struct{}
	DownloadExternalAuthInProgress struct{}
	RequestingLoan                 struct{}
	RequestingDownload             struct{}
	RequestingRevoke               struct{}
	Revoked                        struct{}

	FailedLoan     struct{ Failure *Failure }
	FailedDownload struct{ Failure *Failure }
	FailedRevoke   struct{ Failure *Failure }

	ReachedLoanLimit struct{}
)

func (Loanable) Kind() StatusKind                       { return StatusLoanable }
func (Holdable) Kind() StatusKind                       { return StatusHoldable }
func (HeldInQueue) Kind() StatusKind                    { return StatusHeldInQueue }
func (HeldReady) Kind() StatusKind                      { return StatusHeldReady }
func (LoanedNotDownloaded) Kind() StatusKind            { return StatusLoanedNotDownloaded }
func (LoanedDownloaded) Kind() StatusKind               { return StatusLoanedDownloaded }
func (Downloading) Kind() StatusKind                    { return StatusDownloading }
func (DownloadWaitingForExternalAuth) Kind() StatusKind { return StatusDownloadWaitingForExternalAuth }
func (DownloadExternalAuthInProgress) Kind() StatusKind { return StatusDownloadExternalAuthInProgress }
func (RequestingLoan) Kind() StatusKind                 { return StatusRequestingLoan }
func (RequestingDownload) Kind() StatusKind             { return StatusRequestingDownload }
func (RequestingRevoke) Kind() StatusKind               { return StatusRequestingRevoke }
func (Revoked) Kind() StatusKind                        { return StatusRevoked }
func (FailedLoan) Kind() StatusKind                     { return StatusFailedLoan }
func (FailedDownload) Kind() StatusKind                 { return StatusFailedDownload }
func (FailedRevoke) Kind() StatusKind                   { return StatusFailedRevoke }
func (ReachedLoanLimit) Kind() StatusKind               { return StatusReachedLoanLimit }

func (Loanable) isStatus()                       {}
func (Holdable) isStatus()                       {}
func (HeldInQueue) isStatus()                    {}
func (HeldReady) isStatus()                      {}
func (LoanedNotDownloaded) isStatus()            {}
func (LoanedDownloaded) isStatus()               {}
func (Downloading) isStatus()                    {}
func (DownloadWaitingForExternalAuth) isStatus() {}
func (DownloadExternalAuthInProgress) isStatus() {}
func (RequestingLoan) isStatus()                 {}
func (RequestingDownload) isStatus()             {}
func (RequestingRevoke) isStatus()               {}
func (Revoked) isStatus()                        {}
func (FailedLoan) isStatus()                     {}
func (FailedDownload) isStatus()                 {}
func (FailedRevoke) isStatus()                   {}
func (ReachedLoanLimit) isStatus()               {}

// StatusFromEntry derives the status of a book nobody has acted on yet from
// the availability the server reported. This is the only place that mapping
// lives; the registry's miss path and freshly fetched entries both use it.
func StatusFromEntry(e *EntryValid) Status {
	a := e.Availability
	switch a.Kind {
	case AvailabilityLoanable:
		return Loanable{}
	case AvailabilityHoldable:
		return Holdable{}
	case AvailabilityHeld:
		return HeldInQueue{QueuePosition: a.QueuePosition, EndDate: a.Until, Revocable: a.Revocable()}
	case AvailabilityHeldReady:
		return HeldReady{EndDate: a.Until, Revocable: a.Revocable()}
	case AvailabilityLoaned:
		return LoanedNotDownloaded{Expiry: a.Until, Returnable: a.Revocable()}
	case AvailabilityOpenAccess:
		return LoanedNotDownloaded{OpenAccess: true, Returnable: a.Revocable()}
	case AvailabilityRevoked:
		return Revoked{}
	default:
		return Loanable{}
	}
}

// FailureOf returns the failure carried by a Failed* status
func FailureOf(s Status) (*Failure, bool) {
	switch v := s.(type) {
	case FailedLoan:
		return v.Failure, true
	case FailedDownload:
		return v.Failure, true
	case FailedRevoke:
		return v.Failure, true
	default:
		return nil, false
	}
}

// IsFailed reports whether s is one of the Failed* statuses
func IsFailed(s Status) bool {
	_, ok := FailureOf(s)
	return ok
}

// IsRequesting reports whether a network action is outstanding for the book
func IsRequesting(s Status) bool {
	switch s.(type) {
	case RequestingLoan, RequestingDownload, RequestingRevoke:
		return true
	default:
		return false
	}
}

// IsDownloadActive reports whether content is currently being fetched
func IsDownloadActive(s Status) bool {
	switch s.(type) {
	case Downloading, DownloadWaitingForExternalAuth, DownloadExternalAuthInProgress:
		return true
	default:
		return false
	}
}

// IsTransient reports whether s only makes sense while the process that set
// it is still running. Transient statuses are not restored from disk.
func IsTransient(s Status) bool {
	return IsRequesting(s) || IsDownloadActive(s)
}

// HasOutstandingLoan reports whether the account still holds a returnable
// loan or hold for the book.
func HasOutstandingLoan(s Status) bool {
	switch v := s.(type) {
	case LoanedNotDownloaded:
		return !v.OpenAccess && v.Returnable
	case LoanedDownloaded:
		return v.Returnable
	case HeldInQueue, HeldReady:
		return true
	default:
		return false
	}
}

// IsLoaned reports whether the book is on the account's shelf
func IsLoaned(s Status) bool {
	switch s.(type) {
	case LoanedNotDownloaded, LoanedDownloaded, RequestingDownload, FailedDownload:
		return true
	default:
		return IsDownloadActive(s)
	}
}

// IsHeld reports whether the book is on hold for the account
func IsHeld(s Status) bool {
	switch s.(type) {
	case HeldInQueue, HeldReady:
		return true
	default:
		return false
	}
}
