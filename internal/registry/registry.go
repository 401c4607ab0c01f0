// Package registry is the process-wide source of truth for lending status.
package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/mmcdole/stacks/internal/domain"
	"github.com/mmcdole/stacks/internal/event"
)

// Event describes one change to the registry. New is nil when the entry was
// removed. Seq increases by one for every change, across all books.
type Event struct {
	Seq uint64
	ID  domain.BookID
	Old *domain.Book
	New *domain.Book
}

// ForBook matches events about a single book
func ForBook(id domain.BookID) func(Event) bool {
	return func(e Event) bool { return e.ID == id }
}

// ForAccount matches events about books of one account
func ForAccount(account domain.AccountID) func(Event) bool {
	return func(e Event) bool {
		if e.New != nil {
			return e.New.Account == account
		}
		return e.Old != nil && e.Old.Account == account
	}
}

// Registry maps book identifiers to their authoritative status.
// All writes go through one lock, so every subscriber sees the same order.
type Registry struct {
	mu     sync.RWMutex
	books  map[domain.BookID]domain.Book
	seq    uint64
	events *event.Bus[Event]
	store  domain.BookStore
	logger *slog.Logger
}

// New creates a registry. When store is non-nil, previously saved books are
// restored and every later change is written through to it.
func New(store domain.BookStore, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		books:  make(map[domain.BookID]domain.Book),
		events: event.NewBus[Event](),
		store:  store,
		logger: logger,
	}
	if store == nil {
		return r, nil
	}

	saved, err := store.LoadBooks()
	if err != nil {
		return nil, err
	}
	for _, b := range saved {
		if b.Entry == nil || b.Status == nil {
			continue
		}
		// A process that died mid-request leaves no one to finish the request
		if domain.IsTransient(b.Status) {
			b.Status = domain.StatusFromEntry(b.Entry)
		}
		r.books[b.ID] = b
	}
	logger.Debug("restored registry", "books", len(r.books))
	return r, nil
}

// Get returns the registry entry for a book
func (r *Registry) Get(id domain.BookID) (domain.Book, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.books[id]
	return b, ok
}

// Status returns the recorded status of a book
func (r *Registry) Status(id domain.BookID) (domain.Status, bool) {
	b, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	return b.Status, true
}

// StatusFor returns the status to show for a feed entry: the recorded one if
// the book has been acted on, otherwise the one its availability implies.
// Corrupt entries have no status.
func (r *Registry) StatusFor(entry domain.FeedEntry) (domain.Status, bool) {
	if s, ok := r.Status(entry.EntryBookID()); ok {
		return s, true
	}
	if v, ok := entry.(*domain.EntryValid); ok {
		return domain.StatusFromEntry(v), true
	}
	return nil, false
}

// Books returns a snapshot of every entry ordered by book id
func (r *Registry) Books() []domain.Book {
	r.mu.RLock()
	out := make([]domain.Book, 0, len(r.books))
	for _, b := range r.books {
		out = append(out, b)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Put replaces the entry for b.ID and publishes the change
func (r *Registry) Put(b domain.Book) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(b)
}

// SetStatus replaces only the status of an existing entry. It reports false
// when the book is unknown.
func (r *Registry) SetStatus(id domain.BookID, status domain.Status) bool {
	return r.Update(id, func(cur domain.Book, ok bool) (domain.Book, bool) {
		if !ok {
			return cur, false
		}
		cur.Status = status
		return cur, true
	})
}

// Update performs an atomic read-modify-write. fn receives the current entry
// (ok is false if there is none) and returns the replacement and whether to
// apply it. Update reports whether a change was applied.
func (r *Registry) Update(id domain.BookID, fn func(cur domain.Book, ok bool) (domain.Book, bool)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.books[id]
	next, apply := fn(cur, ok)
	if !apply {
		return false
	}
	next.ID = id
	r.putLocked(next)
	return true
}

func (r *Registry) putLocked(b domain.Book) {
	var old *domain.Book
	if prev, ok := r.books[b.ID]; ok {
		old = &prev
	}
	r.books[b.ID] = b

	if r.store != nil {
		if err := r.store.SaveBook(b); err != nil {
			r.logger.Warn("failed to persist book", "error", err, "bookID", b.ID)
		}
	}

	r.seq++
	nb := b
	r.events.Publish(Event{Seq: r.seq, ID: b.ID, Old: old, New: &nb})
}

// Remove deletes the entry for a book. It reports whether one existed.
func (r *Registry) Remove(id domain.BookID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Registry) removeLocked(id domain.BookID) bool {
	prev, ok := r.books[id]
	if !ok {
		return false
	}
	delete(r.books, id)

	if r.store != nil {
		if err := r.store.DeleteBook(id); err != nil {
			r.logger.Warn("failed to delete persisted book", "error", err, "bookID", id)
		}
	}

	r.seq++
	r.events.Publish(Event{Seq: r.seq, ID: id, Old: &prev})
	return true
}

// RemoveAccount deletes every entry owned by an account and returns how many
// were removed.
func (r *Registry) RemoveAccount(account domain.AccountID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []domain.BookID
	for id, b := range r.books {
		if b.Account == account {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		r.removeLocked(id)
	}
	if len(ids) > 0 {
		r.logger.Info("removed account books", "accountID", account, "count", len(ids))
	}
	return len(ids)
}

// Subscribe registers fn for every event matching pred (nil matches all).
// Delivery is asynchronous and ordered; close the subscription when done.
func (r *Registry) Subscribe(pred func(Event) bool, fn func(Event)) *event.Subscription {
	return r.events.Subscribe(pred, fn)
}

// Close stops all subscriber goroutines
func (r *Registry) Close() {
	r.events.Close()
}
