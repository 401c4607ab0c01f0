package store

import (
	"context"
	"fmt"

	"github.com/mmcdole/stacks/internal/domain"
)

// === Content (key: {account}:{book}) ===

func contentKey(key domain.BookKey) string {
	return string(key.Account) + ":" + string(key.Book)
}

// PutContent stores the downloaded file of a book, compressed
func (s *Store) PutContent(_ context.Context, key domain.BookKey, data []byte) error {
	return s.setRaw(bucketContent, contentKey(key), zstdEncoder.EncodeAll(data, nil))
}

// Content returns the downloaded file of a book
func (s *Store) Content(key domain.BookKey) ([]byte, bool, error) {
	compressed, ok := s.getRaw(bucketContent, contentKey(key))
	if !ok {
		return nil, false, nil
	}
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false, fmt.Errorf("content of %s: %w", key, err)
	}
	return data, true, nil
}

// HasContent reports whether a downloaded file is stored for the book
func (s *Store) HasContent(key domain.BookKey) bool {
	_, ok := s.getRaw(bucketContent, contentKey(key))
	return ok
}

// DeleteContent removes the downloaded file of a book. Deleting content
// that was never stored is not an error.
func (s *Store) DeleteContent(_ context.Context, key domain.BookKey) error {
	if err := s.delete(bucketContent, contentKey(key)); err != nil {
		return fmt.Errorf("delete content of %s: %w", key, err)
	}
	s.logger.Debug("content deleted", "bookID", key.Book, "accountID", key.Account)
	return nil
}

// DropContent removes every downloaded file of an account
func (s *Store) DropContent(account domain.AccountID) error {
	return s.deletePrefix(bucketContent, string(account)+":")
}
