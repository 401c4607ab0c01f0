package opds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/mmcdole/stacks/internal/domain"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "stacks/1.0"

	acceptFeed = "application/opds+json, application/json;q=0.9, application/api-problem+json;q=0.8"
)

// Client implements domain.FeedFetcher and domain.BorrowExecutor for OPDS 2
// catalogs, and accounts.Verifier for checking credentials.
type Client struct {
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
}

// NewClient creates a new OPDS client
func NewClient(timeout time.Duration, userAgent string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  userAgent,
		logger:     logger,
	}
}

// statusError is returned for non-success responses other than 401
type statusError struct {
	Status  int
	Problem *Problem
}

func (e *statusError) Error() string {
	if e.Problem != nil && e.Problem.Title != "" {
		return fmt.Sprintf("unexpected status code: %d: %s", e.Status, e.Problem.Title)
	}
	return fmt.Sprintf("unexpected status code: %d", e.Status)
}

func (c *Client) authorize(req *http.Request, creds *domain.Credentials) {
	req.Header.Set("User-Agent", c.userAgent)
	if creds.Empty() {
		return
	}
	if creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	} else {
		req.SetBasicAuth(creds.Username, creds.Password)
	}
}

// doRequest performs an optionally authenticated HTTP request
func (c *Client) doRequest(ctx context.Context, method, uri string, creds *domain.Credentials) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", acceptFeed)
	c.authorize(req, creds)

	c.logger.Debug("opds request", "method", method, "url", uri)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("opds request failed", "error", err, "url", uri)
		return nil, fmt.Errorf("%w: %w", domain.ErrServerOffline, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", domain.ErrServerOffline, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, domain.ErrAuthFailed
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("opds request error", "status", resp.StatusCode, "url", uri)
		se := &statusError{Status: resp.StatusCode}
		if strings.Contains(resp.Header.Get("Content-Type"), "problem+json") {
			var p Problem
			if json.Unmarshal(body, &p) == nil {
				se.Problem = &p
			}
		}
		return nil, se
	}

	return body, nil
}

// Fetch retrieves and maps a feed
func (c *Client) Fetch(ctx context.Context, account domain.AccountID, uri string, creds *domain.Credentials, method string) (domain.Feed, error) {
	if method == "" {
		method = http.MethodGet
	}

	body, err := c.doRequest(ctx, method, uri, creds)
	if err != nil {
		return nil, fetchFailure(err, uri, method)
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		c.logger.Error("JSON parse error", "error", err, "bodyLen", len(body))
		return nil, fetchFailure(fmt.Errorf("%w: %w", domain.ErrParse, err), uri, method)
	}

	return MapFeed(&doc, account, uri), nil
}

// Verify checks credentials by fetching the catalog root with them
func (c *Client) Verify(ctx context.Context, account domain.AccountID, catalog string, creds *domain.Credentials) error {
	_, err := c.doRequest(ctx, http.MethodGet, catalog, creds)
	if err != nil {
		return fetchFailure(err, catalog, http.MethodGet)
	}
	return nil
}

func fetchFailure(err error, uri, method string) *domain.Failure {
	kind, msg, resolution := domain.FailureNetwork, "could not fetch the feed", "Check the network connection and try again"
	switch {
	case errors.Is(err, domain.ErrAuthFailed):
		kind, msg, resolution = domain.FailureAuthentication, "the catalog rejected the credentials", "Log in again"
	case errors.Is(err, domain.ErrParse):
		kind, msg, resolution = domain.FailureParse, "the feed could not be parsed", "Report the problem to the library"
	}

	f := domain.NewFailure(kind, msg, err, map[string]string{"Feed": uri, "Method": method})
	addStatusAttributes(f, err)
	return f.AddStep(fmt.Sprintf("%s %s", method, uri), resolution, true)
}

func addStatusAttributes(f *domain.Failure, err error) {
	var se *statusError
	if !errors.As(err, &se) {
		return
	}
	f.WithAttribute("Status", strconv.Itoa(se.Status))
	if se.Problem == nil {
		return
	}
	if se.Problem.Type != "" {
		f.WithAttribute("Problem Type", se.Problem.Type)
	}
	if se.Problem.Title != "" {
		f.WithAttribute("Problem Title", se.Problem.Title)
	}
	if se.Problem.Detail != "" {
		f.WithAttribute("Problem Detail", se.Problem.Detail)
	}
}
