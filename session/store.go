package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps transport failures talking to Redis.
var ErrRedisUnavailable = errors.New("redis unavailable")

const (
	defaultPrefix  = "gk:sess"
	defaultIdleTTL = 2 * time.Hour
	minTTL         = time.Second
)

const destroySessionScript = `
local existed = redis.call("DEL", KEYS[1])
if KEYS[2] ~= "" then
  redis.call("SREM", KEYS[2], ARGV[1])
end
return existed
`

var destroySessionLua = redis.NewScript(destroySessionScript)

const destroyOwnerScript = `
local ids = redis.call("SMEMBERS", KEYS[1])
local removed = 0
for _, id in ipairs(ids) do
  removed = removed + redis.call("DEL", ARGV[1] .. ":" .. id)
end
redis.call("DEL", KEYS[1])
return removed
`

var destroyOwnerLua = redis.NewScript(destroyOwnerScript)

// Options configure a Store.
type Options struct {
	// Prefix namespaces the Redis keys. Defaults to "gk:sess".
	Prefix string
	// IdleTTL is the sliding lifetime of a bag; every Save renews it.
	IdleTTL time.Duration
	// Jitter adds up to this much random lifetime so bags created together
	// do not expire together.
	Jitter time.Duration
	// OwnerKey, when set, indexes saved bags by the value stored under that
	// key so DestroyOwner can end all sessions of one account.
	OwnerKey string
	// Now overrides the clock used for record timestamps.
	Now func() time.Time
}

// Store persists Bags in Redis.
type Store struct {
	redis    redis.UniversalClient
	prefix   string
	idleTTL  time.Duration
	jitter   time.Duration
	ownerKey string
	now      func() time.Time
}

// NewStore creates a Store backed by client.
func NewStore(client redis.UniversalClient, opts Options) *Store {
	s := &Store{
		redis:    client,
		prefix:   opts.Prefix,
		idleTTL:  opts.IdleTTL,
		jitter:   opts.Jitter,
		ownerKey: opts.OwnerKey,
		now:      opts.Now,
	}
	if s.prefix == "" {
		s.prefix = defaultPrefix
	}
	if s.idleTTL < minTTL {
		s.idleTTL = defaultIdleTTL
	}
	if s.jitter < 0 {
		s.jitter = 0
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Store) key(id string) string {
	return s.prefix + ":" + id
}

func (s *Store) ownerIndexKey(owner string) string {
	return s.prefix + ":owner:" + owner
}

// New returns an empty, unsaved bag.
func (s *Store) New() *Bag {
	return newBag()
}

// Load returns the bag stored under id. A missing, expired or unreadable
// bag yields a new empty one, never an error; only Redis failures are
// returned.
func (s *Store) Load(ctx context.Context, id string) (*Bag, error) {
	if id == "" {
		return newBag(), nil
	}
	if _, err := uuid.Parse(id); err != nil {
		return newBag(), nil
	}

	data, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return newBag(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	rec, err := Decode(data)
	if err != nil {
		return newBag(), nil
	}
	return &Bag{id: id, values: rec.Values, createdAt: rec.CreatedAt}, nil
}

// Save writes b and renews its lifetime. Identifiers retired by Regenerate
// are deleted in the same transaction.
func (s *Store) Save(ctx context.Context, b *Bag) error {
	now := s.now().Unix()
	if b.createdAt == 0 {
		b.createdAt = now
	}
	data, err := Encode(&Record{Values: b.values, CreatedAt: b.createdAt, UpdatedAt: now})
	if err != nil {
		return err
	}

	ttl := s.ttl()
	owner := ""
	if s.ownerKey != "" {
		owner = b.values[s.ownerKey]
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, old := range b.retired {
			pipe.Del(ctx, s.key(old))
			if owner != "" {
				pipe.SRem(ctx, s.ownerIndexKey(owner), old)
			}
		}
		pipe.Set(ctx, s.key(b.id), data, ttl)
		if owner != "" {
			idx := s.ownerIndexKey(owner)
			pipe.SAdd(ctx, idx, b.id)
			pipe.Expire(ctx, idx, ttl+s.jitter)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	b.retired = nil
	b.dirty = false
	b.fresh = false
	return nil
}

// Touch renews the lifetime of a stored bag without rewriting it.
func (s *Store) Touch(ctx context.Context, id string) error {
	if err := s.redis.Expire(ctx, s.key(id), s.ttl()).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Destroy deletes b from Redis. Destroying a missing bag is not an error.
func (s *Store) Destroy(ctx context.Context, b *Bag) error {
	idx := ""
	if s.ownerKey != "" {
		if owner := b.values[s.ownerKey]; owner != "" {
			idx = s.ownerIndexKey(owner)
		}
	}
	if err := destroySessionLua.Run(ctx, s.redis, []string{s.key(b.id), idx}, b.id).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	for _, old := range b.retired {
		if err := s.redis.Del(ctx, s.key(old)).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	b.retired = nil
	b.values = make(map[string]string)
	b.fresh = true
	return nil
}

// DestroyOwner deletes every indexed bag of owner and returns how many
// existed. It requires OwnerKey.
func (s *Store) DestroyOwner(ctx context.Context, owner string) (int, error) {
	if s.ownerKey == "" || owner == "" {
		return 0, nil
	}
	n, err := destroyOwnerLua.Run(ctx, s.redis, []string{s.ownerIndexKey(owner)}, s.prefix).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n, nil
}

// OwnerSessionCount returns how many bags are indexed for owner. Entries
// whose bag already expired are still counted until the index expires.
func (s *Store) OwnerSessionCount(ctx context.Context, owner string) (int64, error) {
	n, err := s.redis.SCard(ctx, s.ownerIndexKey(owner)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n, nil
}

func (s *Store) ttl() time.Duration {
	if s.jitter <= 0 {
		return s.idleTTL
	}
	return s.idleTTL + time.Duration(rand.Int64N(int64(s.jitter)))
}
