package navigation

import (
	"sync"

	"github.com/mmcdole/stacks/internal/domain"
	"github.com/mmcdole/stacks/internal/paging"
)

// State is the current navigation state: Initial, Loading, Error,
// LoadedFeedEntry, LoadedFeedWithGroups or LoadedFeedWithoutGroups.
type State interface {
	isState()
}

type (
	Initial struct{}

	Loading struct {
		Request domain.Request
	}

	Error struct {
		Request domain.Request
		Failure *domain.Failure
	}

	LoadedFeedEntry struct {
		Request domain.Request
		Entry   domain.FeedEntry
	}

	LoadedFeedWithGroups struct {
		Request domain.Request
		Handle  *FeedHandle
	}

	LoadedFeedWithoutGroups struct {
		Request domain.Request
		Handle  *FeedHandle
	}
)

func (Initial) isState()                 {}
func (Loading) isState()                 {}
func (Error) isState()                   {}
func (LoadedFeedEntry) isState()         {}
func (LoadedFeedWithGroups) isState()    {}
func (LoadedFeedWithoutGroups) isState() {}

// StateName returns a short lowercase name for s
func StateName(s State) string {
	switch s.(type) {
	case Initial:
		return "initial"
	case Loading:
		return "loading"
	case Error:
		return "error"
	case LoadedFeedEntry:
		return "loaded_entry"
	case LoadedFeedWithGroups:
		return "loaded_grouped"
	case LoadedFeedWithoutGroups:
		return "loaded_ungrouped"
	default:
		return "unknown"
	}
}

// RequestOf returns the request a state belongs to, if any
func RequestOf(s State) (domain.Request, bool) {
	switch v := s.(type) {
	case Loading:
		return v.Request, true
	case Error:
		return v.Request, true
	case LoadedFeedEntry:
		return v.Request, true
	case LoadedFeedWithGroups:
		return v.Request, true
	case LoadedFeedWithoutGroups:
		return v.Request, true
	default:
		return nil, false
	}
}

// FeedHandle is a loaded feed. Ungrouped feeds carry the loader that pages
// through them.
type FeedHandle struct {
	Feed   domain.Feed
	Loader *paging.Loader // nil for grouped feeds

	mu     sync.Mutex
	scroll int
}

// Entries returns the entries loaded so far of an ungrouped feed
func (h *FeedHandle) Entries() []domain.FeedEntry {
	if h.Loader == nil {
		return nil
	}
	return h.Loader.Entries()
}

// Groups returns the groups of a grouped feed
func (h *FeedHandle) Groups() []domain.FeedGroup {
	if g, ok := h.Feed.(*domain.FeedGrouped); ok {
		return g.Groups
	}
	return nil
}

// ScrollPosition returns the saved list position
func (h *FeedHandle) ScrollPosition() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.scroll
}

// SetScrollPosition records the list position so going back can restore it
func (h *FeedHandle) SetScrollPosition(pos int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scroll = pos
}
