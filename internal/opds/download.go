package opds

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/mmcdole/stacks/internal/domain"
)

// Content types that need an external DRM agent before the file is usable
var externalAuthTypes = map[string]bool{
	"application/vnd.adobe.adept+xml":                true,
	"application/vnd.readium.lcp.license.v1.0+json": true,
}

// ErrExternalAuthUnsupported is returned for acquisitions that need a DRM agent
var ErrExternalAuthUnsupported = errors.New("content requires an external DRM agent")

// ContentSink receives downloaded files
type ContentSink interface {
	PutContent(ctx context.Context, key domain.BookKey, data []byte) error
}

// Downloader implements domain.Downloader by fetching a loaned book's
// acquisition link and handing the bytes to a ContentSink.
type Downloader struct {
	client *Client
	sink   ContentSink
}

// NewDownloader creates a downloader that uses the client's HTTP settings
func NewDownloader(client *Client, sink ContentSink) *Downloader {
	return &Downloader{client: client, sink: sink}
}

// Download fetches the content of entry. Progress is reported as a
// percentage when the server sends a Content-Length.
func (d *Downloader) Download(ctx context.Context, entry *domain.EntryValid, creds *domain.Credentials, progress func(domain.DownloadProgress)) error {
	if progress == nil {
		progress = func(domain.DownloadProgress) {}
	}

	link, ok := acquisitionLink(entry)
	if !ok {
		return domain.NewFailure(domain.FailureParse, "the book has no download link", domain.ErrParse, map[string]string{
			"Book":    string(entry.ID),
			"Account": string(entry.Account),
		})
	}
	if externalAuthTypes[link.Type] {
		progress(domain.DownloadProgress{Stage: domain.StageWaitingForExternalAuth})
		return downloadFailure(entry, link.Href, ErrExternalAuthUnsupported).
			WithAttribute("Content Type", link.Type)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link.Href, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "*/*")
	d.client.authorize(req, creds)

	d.client.logger.Debug("download started", "bookID", entry.ID, "url", link.Href)
	progress(domain.DownloadProgress{Stage: domain.StageTransferring})

	resp, err := d.client.httpClient.Do(req)
	if err != nil {
		return downloadFailure(entry, link.Href, fmt.Errorf("%w: %w", domain.ErrServerOffline, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return downloadFailure(entry, link.Href, domain.ErrAuthFailed)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return downloadFailure(entry, link.Href, &statusError{Status: resp.StatusCode})
	}

	var buf bytes.Buffer
	pr := &progressReader{r: resp.Body, total: resp.ContentLength, report: progress}
	if _, err := io.Copy(&buf, pr); err != nil {
		return downloadFailure(entry, link.Href, fmt.Errorf("%w: %w", domain.ErrServerOffline, err))
	}

	if err := d.sink.PutContent(ctx, entry.Key(), buf.Bytes()); err != nil {
		return fmt.Errorf("store content of %s: %w", entry.Key(), err)
	}
	d.client.logger.Info("download finished", "bookID", entry.ID, "bytes", buf.Len())
	return nil
}

// acquisitionLink prefers open-access over the generic fulfilment link
func acquisitionLink(entry *domain.EntryValid) (domain.Link, bool) {
	if l, ok := entry.AcquisitionFor(RelOpenAccess); ok {
		return l, true
	}
	return entry.AcquisitionFor(RelAcquisition)
}

func downloadFailure(entry *domain.EntryValid, uri string, err error) *domain.Failure {
	kind := domain.FailureNetwork
	if errors.Is(err, domain.ErrAuthFailed) {
		kind = domain.FailureAuthentication
	}
	f := domain.NewFailure(kind, "could not download the book", err, map[string]string{
		"Book":    string(entry.ID),
		"Account": string(entry.Account),
		"URI":     uri,
	})
	addStatusAttributes(f, err)
	return f.AddStep("GET "+uri, "Try the download again later", true)
}

type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int
	report func(domain.DownloadProgress)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 && n > 0 {
		pct := int(p.read * 100 / p.total)
		if pct != p.last {
			p.last = pct
			v := float64(pct)
			p.report(domain.DownloadProgress{Stage: domain.StageTransferring, Percent: &v})
		}
	}
	return n, err
}
