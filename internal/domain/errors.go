package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors for domain operations
var (
	// ErrServerOffline indicates the catalog server is unreachable
	ErrServerOffline = errors.New("catalog server is unreachable")

	// ErrAuthFailed indicates the server rejected the credentials
	ErrAuthFailed = errors.New("authentication failed")

	// ErrParse indicates a document could not be parsed
	ErrParse = errors.New("malformed document")

	// ErrLoanLimitReached indicates the account cannot take more loans
	ErrLoanLimitReached = errors.New("loan limit reached")

	// ErrLoginRequired indicates an action needs credentials that are not present
	ErrLoginRequired = errors.New("login required")

	// ErrActionInProgress indicates another lending action is running for the book
	ErrActionInProgress = errors.New("lending action already in progress")

	// ErrSuperseded indicates a navigation request was replaced by a newer one
	ErrSuperseded = errors.New("navigation request superseded")

	// ErrClosed indicates the component has been shut down
	ErrClosed = errors.New("closed")

	// ErrNotCached indicates an offline lookup found nothing
	ErrNotCached = errors.New("feed not cached")

	// ErrBookNotFound indicates the book is not known to the registry
	ErrBookNotFound = errors.New("book not found")

	// ErrAccountNotFound indicates the account is not configured
	ErrAccountNotFound = errors.New("account not found")
)

// FailureKind classifies a failure for callers that react differently to each
type FailureKind int

const (
	FailureNetwork FailureKind = iota
	FailureAuthentication
	FailureParse
	FailureAction
)

func (k FailureKind) String() string {
	switch k {
	case FailureNetwork:
		return "network"
	case FailureAuthentication:
		return "authentication"
	case FailureParse:
		return "parse"
	case FailureAction:
		return "action"
	default:
		return fmt.Sprintf("failure(%d)", int(k))
	}
}

// Step is one recorded stage of an operation, kept for support reports
type Step struct {
	Description string
	Resolution  string
	Failed      bool
}

// Failure is the structured error carried by Error navigation states and
// Failed* book statuses. It has enough detail to build a support report.
type Failure struct {
	Kind       FailureKind
	Message    string
	Steps      []Step
	Attributes map[string]string
	Err        error
}

// NewFailure creates a failure of the given kind with optional attributes
func NewFailure(kind FailureKind, message string, err error, attrs map[string]string) *Failure {
	return &Failure{Kind: kind, Message: message, Err: err, Attributes: attrs}
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Message, f.Err)
	}
	return f.Message
}

func (f *Failure) Unwrap() error { return f.Err }

// AddStep appends a step and returns the failure for chaining
func (f *Failure) AddStep(description, resolution string, failed bool) *Failure {
	f.Steps = append(f.Steps, Step{Description: description, Resolution: resolution, Failed: failed})
	return f
}

// WithAttribute sets an attribute and returns the failure for chaining
func (f *Failure) WithAttribute(key, value string) *Failure {
	if f.Attributes == nil {
		f.Attributes = make(map[string]string)
	}
	f.Attributes[key] = value
	return f
}

// Report renders the failure as plain text for a support request
func (f *Failure) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n", f.Error(), f.Kind)

	keys := make([]string, 0, len(f.Attributes))
	for k := range f.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %s\n", k, f.Attributes[k])
	}
	for i, s := range f.Steps {
		mark := "ok"
		if s.Failed {
			mark = "FAILED"
		}
		fmt.Fprintf(&b, "  %d. %s [%s]", i+1, s.Description, mark)
		if s.Resolution != "" {
			fmt.Fprintf(&b, " %s", s.Resolution)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// AsFailure converts any error into a *Failure. Errors that are already
// failures are returned as-is; others are classified by their sentinel.
func AsFailure(err error, fallback FailureKind) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	kind := fallback
	switch {
	case errors.Is(err, ErrAuthFailed):
		kind = FailureAuthentication
	case errors.Is(err, ErrParse):
		kind = FailureParse
	case errors.Is(err, ErrServerOffline):
		kind = FailureNetwork
	}
	return &Failure{Kind: kind, Message: err.Error(), Err: err}
}

// PreconditionError is the panic value raised when a caller breaks an
// operation's contract, such as deleting a book with an outstanding loan.
type PreconditionError struct {
	Operation string
	Key       BookKey
	Reason    string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition violated: %s %s: %s", e.Operation, e.Key, e.Reason)
}
