package opds

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcdole/stacks/internal/domain"
)

type memSink struct {
	files map[domain.BookKey][]byte
}

func (s *memSink) PutContent(_ context.Context, key domain.BookKey, data []byte) error {
	if s.files == nil {
		s.files = make(map[domain.BookKey][]byte)
	}
	s.files[key] = data
	return nil
}

func loanedWith(link domain.Link) *domain.EntryValid {
	return &domain.EntryValid{
		ID:           "k1",
		Account:      "nypl",
		Title:        "Kindred",
		Availability: domain.Availability{Kind: domain.AvailabilityLoaned},
		Acquisitions: []domain.Link{link},
	}
}

func TestDownloadStoresContentAndReportsProgress(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 64*1024)
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/epub+zip")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	t.Cleanup(server.Close)

	sink := &memSink{}
	d := NewDownloader(newTestClient(), sink)
	entry := loanedWith(domain.Link{Rel: RelAcquisition, Href: server.URL + "/fulfil/k1", Type: "application/epub+zip"})

	var stages []domain.DownloadProgress
	err := d.Download(context.Background(), entry, &domain.Credentials{Token: "abc"}, func(p domain.DownloadProgress) {
		stages = append(stages, p)
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer abc", gotAuth)
	assert.Equal(t, payload, sink.files[entry.Key()])
	require.NotEmpty(t, stages)
	assert.Equal(t, domain.StageTransferring, stages[0].Stage)
	assert.Nil(t, stages[0].Percent)
	last := stages[len(stages)-1]
	require.NotNil(t, last.Percent)
	assert.Equal(t, 100.0, *last.Percent)
}

func TestDownloadExternalAuthIsUnsupported(t *testing.T) {
	d := NewDownloader(newTestClient(), &memSink{})
	entry := loanedWith(domain.Link{Rel: RelAcquisition, Href: "https://lib.example.org/adept", Type: "application/vnd.adobe.adept+xml"})

	var stages []domain.DownloadStage
	err := d.Download(context.Background(), entry, nil, func(p domain.DownloadProgress) {
		stages = append(stages, p.Stage)
	})
	require.ErrorIs(t, err, ErrExternalAuthUnsupported)
	assert.Equal(t, []domain.DownloadStage{domain.StageWaitingForExternalAuth}, stages)
}

func TestDownloadFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/unauthorized":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	d := NewDownloader(newTestClient(), &memSink{})

	err := d.Download(context.Background(), loanedWith(domain.Link{Rel: RelAcquisition, Href: server.URL + "/unauthorized"}), nil, nil)
	var f *domain.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, domain.FailureAuthentication, f.Kind)

	err = d.Download(context.Background(), loanedWith(domain.Link{Rel: RelAcquisition, Href: server.URL + "/gone"}), nil, nil)
	require.ErrorAs(t, err, &f)
	assert.Equal(t, domain.FailureNetwork, f.Kind)
	assert.Equal(t, "404", f.Attributes["Status"])

	entry := loanedWith(domain.Link{Rel: RelBorrow, Href: server.URL + "/borrow"})
	err = d.Download(context.Background(), entry, nil, nil)
	require.ErrorAs(t, err, &f)
	assert.Equal(t, domain.FailureParse, f.Kind)
}
