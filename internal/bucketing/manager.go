package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
)

// Manager assigns stable hash buckets. Buckets partition the audit
// tables and shard the global rate limit counter so a single hot key
// never serializes all logins.
type Manager struct {
	principalBuckets int
	eventBuckets     int
	hasherPool       sync.Pool
}

func NewManager(principalBuckets, eventBuckets int) *Manager {
	m := &Manager{
		principalBuckets: principalBuckets,
		eventBuckets:     eventBuckets,
	}

	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return m
}

// PrincipalBucket returns a consistent bucket for a principal
// (0 to principalBuckets-1).
func (m *Manager) PrincipalBucket(id uuid.UUID) int {
	return m.bucket(id.String(), m.principalBuckets)
}

// EventBucket returns a bucket for an arbitrary identifier such as
// an IP address or email.
func (m *Manager) EventBucket(identifier string) int {
	return m.bucket(identifier, m.eventBuckets)
}

// TimeBucket aligns a timestamp down to a window boundary.
func (m *Manager) TimeBucket(at time.Time, windowSeconds int) int64 {
	return at.Unix() / int64(windowSeconds) * int64(windowSeconds)
}

// DateBucket returns the UTC date partition for a timestamp.
func (m *Manager) DateBucket(at time.Time) string {
	return at.UTC().Format("2006-01-02")
}

func (m *Manager) bucket(key string, numBuckets int) int {
	if numBuckets <= 1 {
		return 0
	}
	return int(m.hash(key) % uint64(numBuckets))
}

func (m *Manager) hash(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
