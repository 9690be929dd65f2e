package store

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// EventDeduper implements P3 (at-most-once side effects for a duplicated
// event_id). A bounded in-memory LRU fronts the durable processed_events
// table: the hot path never round-trips to sqlite for a cache hit, while
// the table keeps dedup correct across process restarts (SPEC_FULL §C).
type EventDeduper struct {
	store *Store
	cache *lru.Cache[string, time.Time]
}

// NewEventDeduper constructs a deduper with the given in-memory cache size.
func NewEventDeduper(s *Store, cacheSize int) (*EventDeduper, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	c, err := lru.New[string, time.Time](cacheSize)
	if err != nil {
		return nil, err
	}
	return &EventDeduper{store: s, cache: c}, nil
}

// TestAndSet reports whether eventID has already been processed. If not,
// it atomically records it as processed and returns false (i.e. "not a
// duplicate, proceed"). Safe to call concurrently.
func (d *EventDeduper) TestAndSet(ctx context.Context, eventID string) (duplicate bool, err error) {
	if _, ok := d.cache.Get(eventID); ok {
		return true, nil
	}

	_, err = d.store.db.ExecContext(ctx, `INSERT INTO processed_events (event_id, processed_at) VALUES (?, ?)`, eventID, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			d.cache.Add(eventID, time.Now())
			return true, nil
		}
		return false, err
	}
	d.cache.Add(eventID, time.Now())
	return false, nil
}

// isUniqueViolation reports whether err is a sqlite PRIMARY KEY/UNIQUE
// constraint failure, the only expected error from the INSERT above under
// concurrent duplicate delivery.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}

// PruneOlderThan deletes processed_events rows older than maxAge, per §3's
// scheduled pruning requirement.
func (s *Store) PruneOlderThan(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
