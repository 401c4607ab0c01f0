// Package httpapi exposes the book registry, lending actions and the
// navigation controller over a small JSON API.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/mmcdole/stacks/internal/domain"
	"github.com/mmcdole/stacks/internal/event"
	"github.com/mmcdole/stacks/internal/navigation"
	"github.com/mmcdole/stacks/internal/profilefeed"
)

// Books is the registry view the API reads
type Books interface {
	Get(id domain.BookID) (domain.Book, bool)
	Books() []domain.Book
	StatusFor(entry domain.FeedEntry) (domain.Status, bool)
}

// Lending performs book actions
type Lending interface {
	Perform(ctx context.Context, entry *domain.EntryValid, action domain.LendingAction, creds *domain.Credentials) (domain.Status, error)
	Download(ctx context.Context, entry *domain.EntryValid, creds *domain.Credentials) (domain.Status, error)
	CancelDownload(id domain.BookID) bool
	DismissError(id domain.BookID) bool
	CanDelete(entry *domain.EntryValid) bool
	Delete(ctx context.Context, entry *domain.EntryValid) error
}

// Navigator is the navigation controller
type Navigator interface {
	GoTo(req domain.Request) *navigation.Pending
	GoBack() *navigation.Pending
	Refresh() *navigation.Pending
	LoadMore(ctx context.Context) (bool, error)
	State() event.Observable[navigation.State]
	History() []domain.Request
}

// Server serves the API
type Server struct {
	books     Books
	lending   Lending
	nav       Navigator
	generator *profilefeed.Generator // optional; enables stacks: URIs
	logger    *slog.Logger

	// Downloads outlive the request that started them
	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// NewServer creates the API server. generator may be nil.
func NewServer(books Books, lending Lending, nav Navigator, generator *profilefeed.Generator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		books:     books,
		lending:   lending,
		nav:       nav,
		generator: generator,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)

	r.Get("/books", s.listBooks)
	r.Get("/books/{account}/{book}", s.getBook)
	r.Post("/books/{account}/{book}/{action}", s.bookAction)

	r.Get("/navigation", s.getNavigation)
	r.Post("/navigation", s.navigate)
	r.Post("/navigation/back", s.navigateBack)
	r.Post("/navigation/refresh", s.refresh)
	r.Post("/navigation/more", s.loadMore)
	return r
}

// Close cancels running downloads and waits for them
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

type httpError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	e := httpError{}
	e.Error.Code = code
	e.Error.Message = msg
	writeJSON(w, status, e)
}

// writeActionError maps dispatcher errors to responses
func writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrLoginRequired):
		writeError(w, http.StatusUnauthorized, "LOGIN_REQUIRED", err.Error())
	case errors.Is(err, domain.ErrActionInProgress):
		writeError(w, http.StatusConflict, "ACTION_IN_PROGRESS", err.Error())
	case errors.Is(err, domain.ErrSuperseded):
		writeError(w, http.StatusConflict, "SUPERSEDED", err.Error())
	case errors.Is(err, domain.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "CLOSED", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

// === Books ===

func (s *Server) listBooks(w http.ResponseWriter, r *http.Request) {
	account := domain.AccountID(r.URL.Query().Get("account"))
	out := []entryView{}
	for _, b := range s.books.Books() {
		if account != "" && b.Account != account {
			continue
		}
		out = append(out, s.newBookView(b))
	}
	writeJSON(w, http.StatusOK, out)
}

// pathKey decodes the account and book path parameters. Book ids are often
// URNs or URLs and arrive escaped.
func pathKey(r *http.Request) (domain.BookKey, error) {
	account, err := url.PathUnescape(chi.URLParam(r, "account"))
	if err != nil {
		return domain.BookKey{}, err
	}
	book, err := url.PathUnescape(chi.URLParam(r, "book"))
	if err != nil {
		return domain.BookKey{}, err
	}
	return domain.BookKey{Account: domain.AccountID(account), Book: domain.BookID(book)}, nil
}

// lookup finds the entry for a key: in the registry first, then among the
// entries currently on screen.
func (s *Server) lookup(key domain.BookKey) (*domain.EntryValid, bool) {
	if b, ok := s.books.Get(key.Book); ok && b.Account == key.Account && b.Entry != nil {
		return b.Entry, true
	}

	var candidates []domain.FeedEntry
	switch st := s.nav.State().Get().(type) {
	case navigation.LoadedFeedEntry:
		candidates = []domain.FeedEntry{st.Entry}
	case navigation.LoadedFeedWithGroups:
		for _, g := range st.Handle.Groups() {
			candidates = append(candidates, g.Entries...)
		}
	case navigation.LoadedFeedWithoutGroups:
		candidates = st.Handle.Entries()
	}
	for _, c := range candidates {
		if v, ok := c.(*domain.EntryValid); ok && v.Key() == key {
			return v, true
		}
	}
	return nil, false
}

func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	entry, ok := s.lookup(key)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", domain.ErrBookNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.newEntryView(entry))
}

var lendingActions = map[string]domain.LendingAction{
	"borrow":  domain.ActionBorrow,
	"reserve": domain.ActionReserve,
	"revoke":  domain.ActionRevoke,
}

func (s *Server) bookAction(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	entry, ok := s.lookup(key)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", domain.ErrBookNotFound.Error())
		return
	}

	action := chi.URLParam(r, "action")
	if la, ok := lendingActions[action]; ok {
		if _, err := s.lending.Perform(r.Context(), entry, la, nil); err != nil {
			writeActionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.newEntryView(entry))
		return
	}

	switch action {
	case "download":
		s.wg.Go(func() {
			if _, err := s.lending.Download(s.ctx, entry, nil); err != nil {
				s.logger.Warn("download not started", "bookID", entry.ID, "error", err)
			}
		})
		writeJSON(w, http.StatusAccepted, s.newEntryView(entry))
	case "cancel":
		if !s.lending.CancelDownload(entry.ID) {
			writeError(w, http.StatusConflict, "NOT_DOWNLOADING", "no download in progress")
			return
		}
		writeJSON(w, http.StatusOK, s.newEntryView(entry))
	case "dismiss":
		s.lending.DismissError(entry.ID)
		writeJSON(w, http.StatusOK, s.newEntryView(entry))
	case "delete":
		if !s.lending.CanDelete(entry) {
			writeError(w, http.StatusConflict, "OUTSTANDING_LOAN", "return the book before deleting it")
			return
		}
		if err := s.deleteBook(r.Context(), entry); err != nil {
			var pe *domain.PreconditionError
			if errors.As(err, &pe) {
				writeError(w, http.StatusConflict, "OUTSTANDING_LOAN", "return the book before deleting it")
				return
			}
			writeActionError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusNotFound, "UNKNOWN_ACTION", "unknown action "+action)
	}
}

// deleteBook turns the outstanding-loan panic of Delete into an error. A
// loan can land between CanDelete and Delete.
func (s *Server) deleteBook(ctx context.Context, entry *domain.EntryValid) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			pe, ok := rec.(*domain.PreconditionError)
			if !ok {
				panic(rec)
			}
			err = pe
		}
	}()
	return s.lending.Delete(ctx, entry)
}

// === Navigation ===

type navigateRequest struct {
	Account string `json:"account"`
	URI     string `json:"uri"`
	History string `json:"history"` // add (default), replace or clear
}

func parseHistory(s string) (domain.HistoryBehavior, bool) {
	switch strings.ToLower(s) {
	case "", "add":
		return domain.AddToHistory, true
	case "replace":
		return domain.ReplaceTip, true
	case "clear":
		return domain.ClearHistory, true
	default:
		return 0, false
	}
}

func (s *Server) getNavigation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.newNavigationView(s.nav.State().Get()))
}

func (s *Server) navigate(w http.ResponseWriter, r *http.Request) {
	var body navigateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	history, ok := parseHistory(body.History)
	if !ok || body.URI == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "uri is required and history must be add, replace or clear")
		return
	}

	var req domain.Request
	if sel, opts, err := profilefeed.ParseURI(body.URI); err == nil && s.generator != nil {
		if opts.Account == "" {
			opts.Account = domain.AccountID(body.Account)
		}
		req = s.generator.Request(sel, opts, history)
	} else {
		req = &domain.NewFeed{Account: domain.AccountID(body.Account), URI: body.URI, History: history}
	}
	s.await(w, r, s.nav.GoTo(req))
}

func (s *Server) navigateBack(w http.ResponseWriter, r *http.Request) {
	s.await(w, r, s.nav.GoBack())
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	s.await(w, r, s.nav.Refresh())
}

// await waits for a navigation to settle and returns the resulting state.
// A failed navigation is still a successful API call; the failure is part
// of the state.
func (s *Server) await(w http.ResponseWriter, r *http.Request, p *navigation.Pending) {
	err := p.Wait(r.Context())
	var failure *domain.Failure
	if err != nil && !errors.As(err, &failure) {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.newNavigationView(s.nav.State().Get()))
}

func (s *Server) loadMore(w http.ResponseWriter, r *http.Request) {
	if _, err := s.nav.LoadMore(r.Context()); err != nil {
		var failure *domain.Failure
		if errors.As(err, &failure) {
			writeJSON(w, http.StatusBadGateway, struct {
				Failure *failureView `json:"failure"`
			}{newFailureView(failure)})
			return
		}
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.newNavigationView(s.nav.State().Get()))
}
