package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcdole/stacks/internal/domain"
)

type memStore struct {
	mu      sync.Mutex
	books   map[domain.BookID]domain.Book
	loadErr error
}

func newMemStore(books ...domain.Book) *memStore {
	s := &memStore{books: make(map[domain.BookID]domain.Book)}
	for _, b := range books {
		s.books[b.ID] = b
	}
	return s
}

func (s *memStore) LoadBooks() ([]domain.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	var out []domain.Book
	for _, b := range s.books {
		out = append(out, b)
	}
	return out, nil
}

func (s *memStore) SaveBook(b domain.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[b.ID] = b
	return nil
}

func (s *memStore) DeleteBook(id domain.BookID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.books, id)
	return nil
}

func entry(id domain.BookID, account domain.AccountID, kind domain.AvailabilityKind) *domain.EntryValid {
	return &domain.EntryValid{ID: id, Account: account, Title: string(id), Availability: domain.Availability{Kind: kind}}
}

func book(id domain.BookID, account domain.AccountID, status domain.Status) domain.Book {
	return domain.Book{ID: id, Account: account, Status: status, Entry: entry(id, account, domain.AvailabilityLoanable)}
}

func newRegistry(t *testing.T, store domain.BookStore) *Registry {
	t.Helper()
	r, err := New(store, nil)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) wait(t *testing.T, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.events) >= n
	}, 2*time.Second, 5*time.Millisecond)
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func TestPutGetAndEvents(t *testing.T) {
	r := newRegistry(t, nil)

	var log eventLog
	r.Subscribe(nil, log.add)

	_, ok := r.Get("b1")
	assert.False(t, ok)

	r.Put(book("b1", "acc", domain.RequestingLoan{}))
	r.Put(book("b1", "acc", domain.LoanedNotDownloaded{}))

	got, ok := r.Get("b1")
	require.True(t, ok)
	assert.Equal(t, domain.LoanedNotDownloaded{}, got.Status)

	events := log.wait(t, 2)
	require.Len(t, events, 2)
	assert.Nil(t, events[0].Old)
	assert.Equal(t, domain.RequestingLoan{}, events[0].New.Status)
	assert.Equal(t, domain.RequestingLoan{}, events[1].Old.Status)
	assert.Equal(t, domain.LoanedNotDownloaded{}, events[1].New.Status)
	assert.Equal(t, events[0].Seq+1, events[1].Seq)
}

func TestSubscribersObserveSameOrder(t *testing.T) {
	r := newRegistry(t, nil)

	var a, b eventLog
	r.Subscribe(nil, a.add)
	r.Subscribe(nil, b.add)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if i%2 == 0 {
					r.Put(book("shared", "acc", domain.RequestingLoan{}))
				} else {
					r.Put(book("shared", "acc", domain.Loanable{}))
				}
			}
		}(w)
	}
	wg.Wait()

	ea, eb := a.wait(t, 200), b.wait(t, 200)
	require.Len(t, ea, 200)
	for i := range ea {
		assert.Equal(t, ea[i].Seq, eb[i].Seq)
		assert.Equal(t, uint64(i+1), ea[i].Seq)
	}
}

func TestSubscribeWithPredicate(t *testing.T) {
	r := newRegistry(t, nil)

	var log eventLog
	sub := r.Subscribe(ForBook("b2"), log.add)
	defer sub.Close()

	r.Put(book("b1", "acc", domain.Loanable{}))
	r.Put(book("b2", "acc", domain.Holdable{}))

	log.wait(t, 1)
	time.Sleep(10 * time.Millisecond)
	events := log.wait(t, 1)
	assert.Len(t, events, 1)
	assert.Equal(t, domain.BookID("b2"), events[0].ID)
}

func TestUpdateIsConditional(t *testing.T) {
	r := newRegistry(t, nil)
	r.Put(book("b1", "acc", domain.Loanable{}))

	applied := r.Update("b1", func(cur domain.Book, ok bool) (domain.Book, bool) {
		require.True(t, ok)
		if cur.Status.Kind() != domain.StatusFailedLoan {
			return cur, false
		}
		return cur, true
	})
	assert.False(t, applied)

	assert.True(t, r.SetStatus("b1", domain.RequestingLoan{}))
	assert.False(t, r.SetStatus("missing", domain.RequestingLoan{}))

	s, ok := r.Status("b1")
	require.True(t, ok)
	assert.Equal(t, domain.RequestingLoan{}, s)
}

func TestStatusForSynthesizesOnMiss(t *testing.T) {
	r := newRegistry(t, nil)

	e := entry("b1", "acc", domain.AvailabilityHoldable)
	s, ok := r.StatusFor(e)
	require.True(t, ok)
	assert.Equal(t, domain.Holdable{}, s)

	r.Put(domain.Book{ID: "b1", Account: "acc", Status: domain.RequestingLoan{}, Entry: e})
	s, ok = r.StatusFor(e)
	require.True(t, ok)
	assert.Equal(t, domain.RequestingLoan{}, s)

	_, ok = r.StatusFor(&domain.EntryCorrupt{ID: "bad"})
	assert.False(t, ok)
}

func TestRemoveAndRemoveAccount(t *testing.T) {
	store := newMemStore()
	r := newRegistry(t, store)

	var log eventLog
	r.Subscribe(ForAccount("a1"), log.add)

	r.Put(book("x", "a1", domain.Loanable{}))
	r.Put(book("y", "a1", domain.Loanable{}))
	r.Put(book("z", "a2", domain.Loanable{}))

	assert.Equal(t, 2, r.RemoveAccount("a1"))
	assert.False(t, r.Remove("x"))
	assert.True(t, r.Remove("z"))

	assert.Empty(t, r.Books())
	books, err := store.LoadBooks()
	require.NoError(t, err)
	assert.Empty(t, books)

	events := log.wait(t, 4)
	assert.Nil(t, events[2].New)
	assert.Nil(t, events[3].New)
}

func TestRestoreNormalizesTransientStatuses(t *testing.T) {
	loaned := domain.Book{
		ID: "b1", Account: "acc",
		Status: domain.RequestingRevoke{},
		Entry:  entry("b1", "acc", domain.AvailabilityLoaned),
	}
	failed := book("b2", "acc", domain.FailedLoan{Failure: domain.NewFailure(domain.FailureAction, "x", nil, nil)})

	r := newRegistry(t, newMemStore(loaned, failed))

	s, ok := r.Status("b1")
	require.True(t, ok)
	assert.Equal(t, domain.LoanedNotDownloaded{}, s)

	s, ok = r.Status("b2")
	require.True(t, ok)
	assert.Equal(t, domain.StatusFailedLoan, s.Kind())
	assert.Len(t, r.Books(), 2)
}

func TestNewPropagatesLoadError(t *testing.T) {
	store := newMemStore()
	store.loadErr = errors.New("disk gone")
	_, err := New(store, nil)
	assert.Error(t, err)
}
