package navigation

import "github.com/mmcdole/stacks/internal/domain"

// HistoryEntry is a request that can be returned to, along with the scroll
// position its list had when the user left it.
type HistoryEntry struct {
	Request domain.Request
	Scroll  int
}

// History is the back-stack of previously shown requests.
// The top of the stack is the request GoBack returns to.
type History struct {
	entries []*HistoryEntry
	limit   int // 0 = unbounded
}

// NewHistory creates an empty history. A positive limit caps its length,
// dropping the oldest entries first.
func NewHistory(limit int) *History {
	return &History{limit: limit}
}

// Len returns the number of entries
func (h *History) Len() int {
	return len(h.entries)
}

// Top returns the entry GoBack would return to
func (h *History) Top() (*HistoryEntry, bool) {
	if len(h.entries) == 0 {
		return nil, false
	}
	return h.entries[len(h.entries)-1], true
}

// Push adds a request, saving the scroll position of the list being left
func (h *History) Push(req domain.Request, scroll int) {
	h.entries = append(h.entries, &HistoryEntry{Request: req, Scroll: scroll})
	if h.limit > 0 && len(h.entries) > h.limit {
		drop := len(h.entries) - h.limit
		h.entries = append(h.entries[:0], h.entries[drop:]...)
	}
}

// Pop removes and returns the top entry
func (h *History) Pop() (*HistoryEntry, bool) {
	top, ok := h.Top()
	if !ok {
		return nil, false
	}
	h.entries[len(h.entries)-1] = nil
	h.entries = h.entries[:len(h.entries)-1]
	return top, true
}

// Clear removes every entry
func (h *History) Clear() {
	h.entries = nil
}

// RemoveAccount drops every entry that belongs to an account and returns
// how many were dropped.
func (h *History) RemoveAccount(account domain.AccountID) int {
	kept := h.entries[:0]
	for _, e := range h.entries {
		if e.Request.RequestAccountID() != account {
			kept = append(kept, e)
		}
	}
	removed := len(h.entries) - len(kept)
	for i := len(kept); i < len(h.entries); i++ {
		h.entries[i] = nil
	}
	h.entries = kept
	return removed
}

// Requests returns the stacked requests, oldest first
func (h *History) Requests() []domain.Request {
	out := make([]domain.Request, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.Request
	}
	return out
}
