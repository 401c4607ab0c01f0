package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/blake2b"

	"github.com/mmcdole/stacks/internal/domain"
)

// Bucket names
var (
	bucketBooks   = []byte("books")
	bucketFeeds   = []byte("feeds")
	bucketContent = []byte("content")
)

var allBuckets = [][]byte{bucketBooks, bucketFeeds, bucketContent}

// Feed blobs are written on every successful fetch and read rarely
var (
	zstdEncoder = mustEncoder()
	zstdDecoder = mustDecoder()
)

func mustEncoder() *zstd.Encoder {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic(fmt.Sprintf("store: zstd encoder: %v", err))
	}
	return enc
}

func mustDecoder() *zstd.Decoder {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("store: zstd decoder: %v", err))
	}
	return dec
}

// Store implements domain.BookStore, domain.FeedCache and
// domain.ContentStore using BoltDB.
// It also serves cached feeds as a domain.FeedFetcher for offline browsing.
type Store struct {
	db     *bolt.DB
	mu     sync.RWMutex // Protects memory cache
	logger *slog.Logger

	// In-memory cache for hot-path reads; the only storage in memory-only mode
	cache map[string][]byte
}

// Open opens (or creates) the database for a namespace, typically the
// config file in use, under baseDir. An empty baseDir keeps everything in
// memory.
func Open(baseDir, namespace string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if baseDir == "" {
		return &Store{cache: make(map[string][]byte), logger: logger}, nil
	}

	dir := baseDir
	if namespace != "" {
		dir = filepath.Join(baseDir, hashNamespace(namespace))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dir, "stacks.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("opened store", "path", dbPath)
	return &Store{db: db, cache: make(map[string][]byte), logger: logger}, nil
}

func hashNamespace(namespace string) string {
	normalized := strings.TrimRight(strings.ToLower(namespace), "/")
	sum := blake2b.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", sum[:6])
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// === Generic helpers ===

func (s *Store) getRaw(bucket []byte, key string) ([]byte, bool) {
	cacheKey := string(bucket) + ":" + key

	s.mu.RLock()
	if data, ok := s.cache[cacheKey]; ok {
		s.mu.RUnlock()
		return data, true
	}
	s.mu.RUnlock()

	if s.db == nil {
		return nil, false
	}

	var data []byte
	s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if data == nil {
		return nil, false
	}

	s.mu.Lock()
	s.cache[cacheKey] = data
	s.mu.Unlock()
	return data, true
}

func (s *Store) setRaw(bucket []byte, key string, data []byte) error {
	cacheKey := string(bucket) + ":" + key

	s.mu.Lock()
	s.cache[cacheKey] = data
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *Store) delete(bucket []byte, key string) error {
	s.mu.Lock()
	delete(s.cache, string(bucket)+":"+key)
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func (s *Store) deletePrefix(bucket []byte, prefix string) error {
	s.mu.Lock()
	cachePrefix := string(bucket) + ":" + prefix
	for k := range s.cache {
		if strings.HasPrefix(k, cachePrefix) {
			delete(s.cache, k)
		}
	}
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		c := b.Cursor()
		p := []byte(prefix)
		// Collect first: deleting under a live cursor skips keys
		var keys [][]byte
		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// each visits every value in a bucket, from disk when available and from the
// memory cache otherwise.
func (s *Store) each(bucket []byte, fn func(key string, data []byte) error) error {
	if s.db == nil {
		prefix := string(bucket) + ":"
		s.mu.RLock()
		keys := make([]string, 0, len(s.cache))
		for k := range s.cache {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		values := make([][]byte, len(keys))
		for i, k := range keys {
			values[i] = s.cache[k]
		}
		s.mu.RUnlock()

		for i, k := range keys {
			if err := fn(strings.TrimPrefix(k, prefix), values[i]); err != nil {
				return err
			}
		}
		return nil
	}

	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// === Books ===

// LoadBooks returns every persisted registry entry. Records that no longer
// decode are skipped and logged.
func (s *Store) LoadBooks() ([]domain.Book, error) {
	var books []domain.Book
	err := s.each(bucketBooks, func(key string, data []byte) error {
		var rec bookRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("skipping unreadable book record", "error", err, "key", key)
			return nil
		}
		b, err := rec.toDomain()
		if err != nil {
			s.logger.Warn("skipping invalid book record", "error", err, "key", key)
			return nil
		}
		books = append(books, b)
		return nil
	})
	return books, err
}

func (s *Store) SaveBook(b domain.Book) error {
	data, err := json.Marshal(bookRecordFrom(b))
	if err != nil {
		return err
	}
	return s.setRaw(bucketBooks, string(b.ID), data)
}

func (s *Store) DeleteBook(id domain.BookID) error {
	return s.delete(bucketBooks, string(id))
}

// === Feeds (key: {account}:{xxh3(uri)}) ===

func feedKey(account domain.AccountID, uri string) string {
	return fmt.Sprintf("%s:%016x", account, xxh3.HashString(uri))
}

// SaveFeed stores the feed compressed, replacing any previous copy
func (s *Store) SaveFeed(feed domain.Feed) error {
	data, err := json.Marshal(feedRecordFrom(feed))
	if err != nil {
		return err
	}
	return s.setRaw(bucketFeeds, feedKey(feed.FeedAccountID(), feed.FeedURI()), zstdEncoder.EncodeAll(data, nil))
}

// CachedFeed returns the last stored copy of a feed
func (s *Store) CachedFeed(account domain.AccountID, uri string) (domain.Feed, bool) {
	compressed, ok := s.getRaw(bucketFeeds, feedKey(account, uri))
	if !ok {
		return nil, false
	}
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		s.logger.Warn("cached feed is corrupt", "error", err, "uri", uri)
		return nil, false
	}
	var rec feedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("cached feed is unreadable", "error", err, "uri", uri)
		return nil, false
	}
	return rec.toDomain(), true
}

// DropFeeds removes every cached feed of an account
func (s *Store) DropFeeds(account domain.AccountID) error {
	return s.deletePrefix(bucketFeeds, string(account)+":")
}

// Fetch serves feeds from the cache only
func (s *Store) Fetch(_ context.Context, account domain.AccountID, uri string, _ *domain.Credentials, method string) (domain.Feed, error) {
	if feed, ok := s.CachedFeed(account, uri); ok {
		return feed, nil
	}
	return nil, domain.NewFailure(domain.FailureNetwork, "feed is not available offline", domain.ErrNotCached, map[string]string{
		"Feed":   uri,
		"Method": method,
	})
}
