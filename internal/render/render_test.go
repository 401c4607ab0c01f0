package render

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"

	"github.com/mmcdole/stacks/internal/domain"
)

func init() {
	// Plain output so assertions see the text only
	lipgloss.SetColorProfile(termenv.Ascii)
}

func TestStatusLabel(t *testing.T) {
	pos := 4
	pct := 42.4
	due := time.Date(2026, 11, 3, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		status domain.Status
		want   string
	}{
		{domain.Loanable{}, "available"},
		{domain.HeldInQueue{QueuePosition: &pos}, "on hold, #4 in line"},
		{domain.HeldInQueue{}, "on hold"},
		{domain.HeldReady{EndDate: &due}, "hold ready until Nov 3"},
		{domain.LoanedNotDownloaded{Expiry: &due}, "on loan until Nov 3"},
		{domain.LoanedNotDownloaded{OpenAccess: true}, "open access"},
		{domain.Downloading{ProgressPercent: &pct}, "downloading 42%"},
		{domain.FailedLoan{Failure: domain.NewFailure(domain.FailureAction, "server said no", nil, nil)}, "borrow failed: server said no"},
		{domain.ReachedLoanLimit{}, "loan limit reached"},
	}
	for _, tt := range tests {
		t.Run(tt.status.Kind().String(), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusLabel(tt.status))
		})
	}
}

func TestEntry(t *testing.T) {
	e := &domain.EntryValid{ID: "k1", Title: "Kindred", Authors: []string{"Octavia E. Butler"}}
	assert.Equal(t, "Kindred by Octavia E. Butler  ○ available  [k1]", Entry(e, domain.Loanable{}))
	assert.Equal(t, "Kindred by Octavia E. Butler  [k1]", Entry(e, nil))

	corrupt := &domain.EntryCorrupt{ID: "k2", Err: errors.New("no title")}
	assert.Equal(t, `unreadable entry "k2": no title`, Entry(corrupt, nil))
}

func TestFailureReport(t *testing.T) {
	f := domain.NewFailure(domain.FailureNetwork, "could not fetch the feed", nil, map[string]string{
		"Status": "503",
		"Feed":   "https://lib.example.org/",
	}).AddStep("GET https://lib.example.org/", "Try again later", true)

	var buf bytes.Buffer
	Failure(&buf, f)
	assert.Equal(t, "✗ could not fetch the feed (network)\n"+
		"  Feed: https://lib.example.org/\n"+
		"  Status: 503\n"+
		"  ✗ GET https://lib.example.org/\n"+
		"    Try again later\n", buf.String())
}
