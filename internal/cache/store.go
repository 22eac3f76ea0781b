package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/d-o-hub/epimem/internal/models"
)

var kvBucket = []byte("kv")

// entrySchemaVersion is the first byte of every stored blob (spec.md §6's
// version-tagging rule): readers refuse unknown versions.
const entrySchemaVersion byte = 1

// Store is the embedded cache backend (C2): point lookup, prefix scan, TTL
// per entry, LRU eviction under capacity pressure. All bbolt access is
// dispatched through a blocking-task offload pool.
type Store struct {
	db       *bbolt.DB
	offload  *offloader
	index    *recencyIndex
	hitRate  *hitRateWindow
	baseTTL  time.Duration
	maxItems int
}

// Options configures a new Store.
type Options struct {
	MaxItems   int           // capacity before LRU eviction kicks in; 0 = unbounded
	DefaultTTL time.Duration // used when a caller doesn't specify one; 0 = no TTL
	Workers    int           // offload pool size; 0 = GOMAXPROCS
}

// Open opens (creating if absent) a bbolt-backed cache store at path.
func Open(path string, opts Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(kvBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cache bucket: %w", err)
	}

	return &Store{
		db:       db,
		offload:  newOffloader(opts.Workers),
		index:    newRecencyIndex(opts.MaxItems),
		hitRate:  newHitRateWindow(256),
		baseTTL:  opts.DefaultTTL,
		maxItems: opts.MaxItems,
	}, nil
}

// Close stops the offload pool and closes the underlying bbolt file.
func (s *Store) Close() error {
	s.offload.Close()
	return s.db.Close()
}

// Set writes key with an entry-specific TTL (0 uses the store default).
// Writes go through bbolt.Batch, which amortises fsync cost across
// concurrently-arriving writes rather than syncing on every call — the
// "background-fsync'd" write path spec.md §4.3 calls for, since the
// durable store remains authoritative and a lost unsynced cache write is
// never a correctness problem.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = s.AdaptiveTTL(key)
	}
	blob := encodeEntry(value, ttl)

	err := s.offload.Do(ctx, func() error {
		return s.db.Batch(func(tx *bbolt.Tx) error {
			return tx.Bucket(kvBucket).Put([]byte(key), blob)
		})
	})
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}

	if evicted, did := s.index.Touch(key, ttl); did {
		_ = s.deleteRaw(ctx, evicted)
	}
	return nil
}

// Get reads key. ok is false on miss or expiry (an expired entry is
// lazily deleted). A hit/miss is recorded for adaptive TTL tuning.
func (s *Store) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	if s.index.Expired(key) {
		s.hitRate.recordMiss(key)
		_ = s.deleteRaw(ctx, key)
		return nil, false, nil
	}

	var blob []byte
	err = s.offload.Do(ctx, func() error {
		return s.db.View(func(tx *bbolt.Tx) error {
			v := tx.Bucket(kvBucket).Get([]byte(key))
			if v != nil {
				blob = append([]byte(nil), v...)
			}
			return nil
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if blob == nil {
		s.hitRate.recordMiss(key)
		return nil, false, nil
	}

	val, expiresAt, decodeErr := decodeEntry(blob)
	if decodeErr != nil {
		return nil, false, decodeErr
	}
	if expiresAt != nil && time.Now().After(*expiresAt) {
		s.hitRate.recordMiss(key)
		_ = s.deleteRaw(ctx, key)
		return nil, false, nil
	}

	s.hitRate.recordHit(key)
	s.index.Touch(key, time.Until(derefOrZero(expiresAt)))
	return val, true, nil
}

// Delete removes key from both the bbolt store and the recency index.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.index.Remove(key)
	return s.deleteRaw(ctx, key)
}

func (s *Store) deleteRaw(ctx context.Context, key string) error {
	return s.offload.Do(ctx, func() error {
		return s.db.Batch(func(tx *bbolt.Tx) error {
			return tx.Bucket(kvBucket).Delete([]byte(key))
		})
	})
}

// ListPrefix returns all non-expired keys under prefix, in key order —
// the prefix/range scan spec.md §4.3 requires, used for the context-index
// lookups (idx/ctx/<domain>/<language>/<task_type>).
func (s *Store) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.offload.Do(ctx, func() error {
		return s.db.View(func(tx *bbolt.Tx) error {
			c := tx.Bucket(kvBucket).Cursor()
			p := []byte(prefix)
			for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
				_, expiresAt, err := decodeEntry(v)
				if err != nil {
					continue
				}
				if expiresAt != nil && time.Now().After(*expiresAt) {
					continue
				}
				keys = append(keys, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("cache list prefix %s: %w", prefix, err)
	}
	return keys, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func derefOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func encodeEntry(value []byte, ttl time.Duration) []byte {
	var expiresAtNano int64
	if ttl > 0 {
		expiresAtNano = time.Now().Add(ttl).UnixNano()
	}
	buf := make([]byte, 1+8+len(value))
	buf[0] = entrySchemaVersion
	binary.LittleEndian.PutUint64(buf[1:9], uint64(expiresAtNano))
	copy(buf[9:], value)
	return buf
}

func decodeEntry(blob []byte) ([]byte, *time.Time, error) {
	if len(blob) < 9 {
		return nil, nil, &models.SerializationError{Entity: "cache.entry", Reason: "blob too short"}
	}
	if blob[0] != entrySchemaVersion {
		return nil, nil, &models.SerializationError{Entity: "cache.entry", Reason: fmt.Sprintf("unsupported schema version %d", blob[0])}
	}
	nano := int64(binary.LittleEndian.Uint64(blob[1:9]))
	var expiresAt *time.Time
	if nano != 0 {
		t := time.Unix(0, nano)
		expiresAt = &t
	}
	return blob[9:], expiresAt, nil
}

// hitRateWindow tracks one rolling hit/miss ratio across the whole store to
// drive AdaptiveTTL: while reads hit often the TTL grows (entries are worth
// keeping around), while they mostly miss it shrinks toward the floor so
// stale entries don't linger occupying capacity. Keys are not tracked
// separately by prefix.
type hitRateWindow struct {
	mu    sync.Mutex
	size  int
	hits  uint64
	total uint64
}

func newHitRateWindow(size int) *hitRateWindow {
	return &hitRateWindow{size: size}
}

func (w *hitRateWindow) recordHit(_ string)  { w.record(true) }
func (w *hitRateWindow) recordMiss(_ string) { w.record(false) }

func (w *hitRateWindow) record(hit bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if int(w.total) >= w.size {
		// Halve both counters to keep the ratio representative of recent
		// behaviour without storing individual samples.
		w.hits /= 2
		w.total /= 2
	}
	w.total++
	if hit {
		w.hits++
	}
}

func (w *hitRateWindow) ratio() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.total == 0 {
		return 0.5
	}
	return float64(w.hits) / float64(w.total)
}

const (
	minAdaptiveTTL = 30 * time.Second
	maxAdaptiveTTLMultiplier = 4.0
)

// HitRate reports the store's current rolling hit ratio, for storage_stats
// reporting.
func (s *Store) HitRate() float64 {
	return s.hitRate.ratio()
}

// AdaptiveTTL scales the store's base TTL by the store-wide hit ratio: a
// consistently-hit store earns up to 4x the base TTL, a consistently
// missed one decays toward a floor, per spec.md §4.3's "adaptive TTL
// tuning based on hit-rate windows". The key argument is ignored; every
// key gets the same TTL.
func (s *Store) AdaptiveTTL(_ string) time.Duration {
	if s.baseTTL <= 0 {
		return 0
	}
	ratio := s.hitRate.ratio()
	multiplier := 0.25 + ratio*(maxAdaptiveTTLMultiplier-0.25)
	ttl := time.Duration(float64(s.baseTTL) * multiplier)
	if ttl < minAdaptiveTTL {
		ttl = minAdaptiveTTL
	}
	return ttl
}
