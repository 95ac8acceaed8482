// Package cache implements the single-writer-per-key TTL string cache
// used to short-circuit repeated rejected ingest requests: invalid DSN
// lookups and throttled projects. It mirrors GlitchTip's Django cache
// usage (one-letter codes, a short TTL) but is backed by Redis so it
// is shared across every ingest process, the way the teacher's
// redisclient is shared across gateway instances.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a thin TTL key/value wrapper over Redis used for the
// ingest block cache and throttle cache. One-letter and "t:org:project"
// values keep entries small the way the original cache keys do.
type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Get returns the cached value for key, or "", false if absent/expired.
func (s *Store) Get(ctx context.Context, key string) (string, bool) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

// Set stores value under key with the given TTL.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// Add sets value under key only if it does not already exist, mirroring
// Django's cache.add semantics used by the envelope dedup gate.
// Returns true if the key was newly set.
func (s *Store) Add(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

const recentIssuesKey = "ingest:recent-issue-ids"

// drainScript atomically reads and clears the recent-issues set, the
// same SMEMBERS+DEL Lua script process_event_alerts uses so the read
// and the clear can never race with a concurrent ingest SADD.
const drainScript = `
local members = redis.call('SMEMBERS', KEYS[1])
redis.call('DEL', KEYS[1])
return members`

// MarkIssueActive records that issue id received an event this ingest
// cycle, so the next alert evaluation pass only has to examine issues
// that actually changed.
func (s *Store) MarkIssueActive(ctx context.Context, issueID int64) error {
	return s.rdb.SAdd(ctx, recentIssuesKey, issueID).Err()
}

// DrainActiveIssues atomically returns and clears the set of issue ids
// marked active since the last drain.
func (s *Store) DrainActiveIssues(ctx context.Context) ([]int64, error) {
	res, err := s.rdb.Eval(ctx, drainScript, []string{recentIssuesKey}).Result()
	if err != nil {
		return nil, err
	}
	members, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		str, ok := m.(string)
		if !ok {
			continue
		}
		var id int64
		if _, err := fmt.Sscanf(str, "%d", &id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
