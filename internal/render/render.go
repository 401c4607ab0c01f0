// Package render formats books, feeds and failures for the terminal.
package render

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mmcdole/stacks/internal/domain"
)

// StatusLabel returns a short human label for a status
func StatusLabel(s domain.Status) string {
	switch v := s.(type) {
	case domain.Loanable:
		return "available"
	case domain.Holdable:
		return "all copies out, can reserve"
	case domain.HeldInQueue:
		if v.QueuePosition != nil {
			return fmt.Sprintf("on hold, #%d in line", *v.QueuePosition)
		}
		return "on hold"
	case domain.HeldReady:
		return "hold ready" + until(v.EndDate)
	case domain.LoanedNotDownloaded:
		if v.OpenAccess {
			return "open access"
		}
		return "on loan" + until(v.Expiry)
	case domain.LoanedDownloaded:
		return "downloaded" + until(v.Expiry)
	case domain.Downloading:
		if v.ProgressPercent != nil {
			return fmt.Sprintf("downloading %.0f%%", *v.ProgressPercent)
		}
		return "downloading"
	case domain.DownloadWaitingForExternalAuth:
		return "waiting for DRM authorization"
	case domain.DownloadExternalAuthInProgress:
		return "authorizing"
	case domain.RequestingLoan:
		return "requesting"
	case domain.RequestingDownload:
		return "starting download"
	case domain.RequestingRevoke:
		return "returning"
	case domain.Revoked:
		return "returned"
	case domain.FailedLoan:
		return "borrow failed: " + v.Failure.Message
	case domain.FailedDownload:
		return "download failed: " + v.Failure.Message
	case domain.FailedRevoke:
		return "return failed: " + v.Failure.Message
	case domain.ReachedLoanLimit:
		return "loan limit reached"
	default:
		return "unknown"
	}
}

func until(t *time.Time) string {
	if t == nil {
		return ""
	}
	return " until " + t.Format("Jan 2")
}

// styleFor picks the indicator and style of a status
func styleFor(s domain.Status) (string, lipgloss.Style) {
	switch {
	case domain.IsFailed(s):
		return FailedChar, ErrorStyle
	case domain.IsRequesting(s), domain.IsDownloadActive(s):
		return BusyChar, BusyStyle
	case domain.IsLoaned(s):
		return OnShelfChar, SuccessStyle
	case domain.IsHeld(s):
		return WaitingChar, AccentStyle
	}
	switch s.(type) {
	case domain.ReachedLoanLimit:
		return FailedChar, ErrorStyle
	case domain.Revoked:
		return AvailableChar, DimStyle
	}
	return AvailableChar, SubtitleStyle
}

// Status renders the indicator and label of a status
func Status(s domain.Status) string {
	char, style := styleFor(s)
	return style.Render(char + " " + StatusLabel(s))
}

// Entry renders one line for a feed entry
func Entry(e domain.FeedEntry, status domain.Status) string {
	switch v := e.(type) {
	case *domain.EntryValid:
		line := TitleStyle.Render(v.Title)
		if len(v.Authors) > 0 {
			line += SubtitleStyle.Render(" by " + strings.Join(v.Authors, ", "))
		}
		if status != nil {
			line += "  " + Status(status)
		}
		return line + DimStyle.Render("  ["+string(v.ID)+"]")
	case *domain.EntryCorrupt:
		return ErrorStyle.Render(fmt.Sprintf("unreadable entry %q: %v", v.ID, v.Err))
	}
	return ""
}

// Failure writes the report of a failure: message, attributes and steps
func Failure(w io.Writer, f *domain.Failure) {
	fmt.Fprintln(w, ErrorStyle.Render(fmt.Sprintf("✗ %s (%s)", f.Message, f.Kind)))

	keys := make([]string, 0, len(f.Attributes))
	for k := range f.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s %s\n", DimStyle.Render(k+":"), f.Attributes[k])
	}
	for _, s := range f.Steps {
		mark := SuccessStyle.Render("✓")
		if s.Failed {
			mark = ErrorStyle.Render("✗")
		}
		fmt.Fprintf(w, "  %s %s\n", mark, s.Description)
		if s.Failed && s.Resolution != "" {
			fmt.Fprintf(w, "    %s\n", SubtitleStyle.Render(s.Resolution))
		}
	}
}
