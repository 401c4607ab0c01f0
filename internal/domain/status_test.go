package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFromEntry(t *testing.T) {
	until := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	pos := 3

	tests := []struct {
		name  string
		avail Availability
		want  Status
	}{
		{"loanable", Availability{Kind: AvailabilityLoanable}, Loanable{}},
		{"holdable", Availability{Kind: AvailabilityHoldable}, Holdable{}},
		{
			"held with position",
			Availability{Kind: AvailabilityHeld, QueuePosition: &pos, Until: &until, RevokeURI: "https://x/revoke"},
			HeldInQueue{QueuePosition: &pos, EndDate: &until, Revocable: true},
		},
		{"held ready", Availability{Kind: AvailabilityHeldReady}, HeldReady{}},
		{
			"loaned",
			Availability{Kind: AvailabilityLoaned, Until: &until},
			LoanedNotDownloaded{OpenAccess: false, Expiry: &until},
		},
		{"open access", Availability{Kind: AvailabilityOpenAccess}, LoanedNotDownloaded{OpenAccess: true}},
		{"revoked", Availability{Kind: AvailabilityRevoked}, Revoked{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StatusFromEntry(&EntryValid{ID: "b", Availability: tt.avail})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusKindNamesRoundTrip(t *testing.T) {
	for k := StatusLoanable; k <= StatusReachedLoanLimit; k++ {
		parsed, ok := ParseStatusKind(k.String())
		require.True(t, ok, k.String())
		assert.Equal(t, k, parsed)
	}
}

func TestHasOutstandingLoan(t *testing.T) {
	assert.True(t, HasOutstandingLoan(LoanedNotDownloaded{Returnable: true}))
	assert.True(t, HasOutstandingLoan(LoanedDownloaded{Returnable: true}))
	assert.True(t, HasOutstandingLoan(HeldInQueue{}))
	assert.False(t, HasOutstandingLoan(LoanedNotDownloaded{OpenAccess: true, Returnable: true}))
	assert.False(t, HasOutstandingLoan(LoanedDownloaded{}))
	assert.False(t, HasOutstandingLoan(Revoked{}))
	assert.False(t, HasOutstandingLoan(Loanable{}))
}

func TestClassifiers(t *testing.T) {
	f := NewFailure(FailureAction, "boom", nil, nil)

	assert.True(t, IsFailed(FailedDownload{Failure: f}))
	assert.False(t, IsFailed(Loanable{}))
	assert.True(t, IsTransient(RequestingLoan{}))
	assert.True(t, IsTransient(DownloadExternalAuthInProgress{}))
	assert.False(t, IsTransient(LoanedDownloaded{}))

	got, ok := FailureOf(FailedRevoke{Failure: f})
	require.True(t, ok)
	assert.Same(t, f, got)
}

func TestAsFailureClassifiesSentinels(t *testing.T) {
	assert.Nil(t, AsFailure(nil, FailureNetwork))

	auth := AsFailure(fmt.Errorf("fetch: %w", ErrAuthFailed), FailureNetwork)
	assert.Equal(t, FailureAuthentication, auth.Kind)
	assert.True(t, errors.Is(auth, ErrAuthFailed))

	parse := AsFailure(fmt.Errorf("decode: %w", ErrParse), FailureNetwork)
	assert.Equal(t, FailureParse, parse.Kind)

	orig := NewFailure(FailureAction, "nope", nil, nil)
	assert.Same(t, orig, AsFailure(fmt.Errorf("wrapped: %w", orig), FailureNetwork))
}

func TestFailureReport(t *testing.T) {
	f := NewFailure(FailureNetwork, "could not fetch feed", ErrServerOffline, map[string]string{"Method": "GET"}).
		WithAttribute("Feed", "https://example.org/feed").
		AddStep("Connecting", "", false).
		AddStep("Reading response", "Check your connection", true)

	report := f.Report()
	assert.Contains(t, report, "could not fetch feed: catalog server is unreachable (network)")
	assert.Contains(t, report, "Feed: https://example.org/feed")
	assert.Contains(t, report, "2. Reading response [FAILED] Check your connection")
	assert.Less(t, strings.Index(report, "Feed:"), strings.Index(report, "Method:"))
}

func TestRequestKeys(t *testing.T) {
	a := &NewFeed{Account: "acc", URI: "https://x/feed"}
	b := &NewFeed{Account: "acc", URI: "https://x/feed", Method: "GET", History: ReplaceTip}
	assert.Equal(t, a.Key(), b.Key())

	e := &ExistingEntry{Entry: &EntryCorrupt{ID: "b1", Account: "acc"}}
	assert.Equal(t, "entry:acc/b1", e.Key())
	assert.Equal(t, AccountID("acc"), e.RequestAccountID())
}
