package opds

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	json "github.com/goccy/go-json"

	"github.com/mmcdole/stacks/internal/domain"
)

// Perform borrows, reserves or returns a book and returns the entry the
// server sent back.
func (c *Client) Perform(ctx context.Context, entry *domain.EntryValid, action domain.LendingAction, creds *domain.Credentials) (*domain.EntryValid, error) {
	switch action {
	case domain.ActionBorrow, domain.ActionReserve:
		return c.borrow(ctx, entry, action, creds)
	case domain.ActionRevoke:
		return c.revoke(ctx, entry, creds)
	default:
		return nil, fmt.Errorf("unsupported lending action %d", action)
	}
}

func (c *Client) borrow(ctx context.Context, entry *domain.EntryValid, action domain.LendingAction, creds *domain.Credentials) (*domain.EntryValid, error) {
	// Open-access books need no loan on the server
	if entry.Availability.Kind == domain.AvailabilityOpenAccess {
		return entry, nil
	}

	link, ok := entry.AcquisitionFor(RelBorrow)
	if !ok {
		return nil, actionFailure(entry, action, "",
			fmt.Errorf("%w: no borrow link", domain.ErrParse), "The library does not offer this book for loan")
	}

	body, err := c.doRequest(ctx, http.MethodPut, link.Href, creds)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.Problem != nil {
			switch se.Problem.Type {
			case ProblemLoanAlreadyExists:
				c.logger.Info("loan already exists", "bookID", entry.ID)
				return entry.WithAvailability(domain.Availability{
					Kind:      domain.AvailabilityLoaned,
					RevokeURI: entry.Availability.RevokeURI,
				}), nil
			case ProblemLoanLimitReached, ProblemHoldLimitReached:
				err = fmt.Errorf("%w: %w", domain.ErrLoanLimitReached, err)
			}
		}
		return nil, actionFailure(entry, action, link.Href, err, "Try again later")
	}

	return c.updatedEntry(entry, action, link.Href, body)
}

func (c *Client) revoke(ctx context.Context, entry *domain.EntryValid, creds *domain.Credentials) (*domain.EntryValid, error) {
	uri := entry.Availability.RevokeURI
	if uri == "" {
		return nil, actionFailure(entry, domain.ActionRevoke, "",
			fmt.Errorf("%w: no revoke link", domain.ErrParse), "This loan cannot be returned early")
	}

	body, err := c.doRequest(ctx, http.MethodPut, uri, creds)
	if err != nil {
		return nil, actionFailure(entry, domain.ActionRevoke, uri, err, "Try again later")
	}
	return c.updatedEntry(entry, domain.ActionRevoke, uri, body)
}

// updatedEntry decodes the server's reply, which may be a bare publication
// or a feed holding one.
func (c *Client) updatedEntry(entry *domain.EntryValid, action domain.LendingAction, uri string, body []byte) (*domain.EntryValid, error) {
	base, _ := url.Parse(uri)

	raw := body
	var wrapper struct {
		Publications []json.RawMessage `json:"publications"`
	}
	if json.Unmarshal(bytes.TrimSpace(body), &wrapper) == nil && len(wrapper.Publications) > 0 {
		raw = wrapper.Publications[0]
	}

	switch mapped := MapPublication(raw, entry.Account, base).(type) {
	case *domain.EntryValid:
		return mapped, nil
	case *domain.EntryCorrupt:
		c.logger.Error("unreadable lending response", "error", mapped.Err, "bookID", entry.ID)
		return nil, actionFailure(entry, action, uri, mapped.Err, "Report the problem to the library")
	}
	return nil, actionFailure(entry, action, uri, domain.ErrParse, "")
}

func actionFailure(entry *domain.EntryValid, action domain.LendingAction, uri string, err error, resolution string) *domain.Failure {
	kind := domain.FailureAction
	if errors.Is(err, domain.ErrAuthFailed) {
		kind, resolution = domain.FailureAuthentication, "Log in again"
	}

	f := domain.NewFailure(kind, fmt.Sprintf("could not %s %q", action, entry.Title), err, map[string]string{
		"Book":    string(entry.ID),
		"Account": string(entry.Account),
		"Action":  action.String(),
	})
	if uri != "" {
		f.WithAttribute("URI", uri)
	}
	addStatusAttributes(f, err)
	return f.AddStep(fmt.Sprintf("Requesting %s", action), resolution, true)
}
