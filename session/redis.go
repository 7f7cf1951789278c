package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix prefixes every key a RedisStore writes.
const DefaultRedisKeyPrefix = "oidcrp:session:"

// takePendingScript deletes and returns the key's record only when it's a
// pending login.  Redis runs scripts atomically, so racing callers can't both
// take the same pending login.
var takePendingScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return false
end
local ok, rec = pcall(cjson.decode, v)
if not ok or type(rec) ~= 'table' or rec['state'] ~= 'pending' then
  return false
end
redis.call('DEL', KEYS[1])
return v
`)

// holdsLua defines holds(v), which reports whether the encoded record v holds
// the login described by ARGV: ARGV[2] is its state, followed by pairs of
// payload field name and value.  ARGV[1] is left to the script.
const holdsLua = `
local function holds(v)
  local ok, rec = pcall(cjson.decode, v)
  if not ok or type(rec) ~= 'table' or rec['state'] ~= ARGV[2] then
    return false
  end
  local payload = rec[ARGV[2]]
  if type(payload) ~= 'table' then
    return false
  end
  for i = 3, #ARGV, 2 do
    local got = payload[ARGV[i]]
    if type(got) ~= 'string' then
      got = ''
    end
    if got ~= ARGV[i + 1] then
      return false
    end
  end
  return true
end
`

var deleteIfScript = redis.NewScript(holdsLua + `
local v = redis.call('GET', KEYS[1])
if not v or not holds(v) then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// extendScript sets the key's ttl to ARGV[1] milliseconds.
var extendScript = redis.NewScript(holdsLua + `
local v = redis.call('GET', KEYS[1])
if not v or not holds(v) then
  return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`)

// RedisStore is a Store backed by Redis, for relying parties running more
// than one replica.  Redis expires records itself.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	ownsClient bool
	logger     hclog.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore using the client.  Closing the store
// doesn't close the client.
//
// Options supported: WithLogger, WithKeyPrefix
func NewRedisStore(client redis.UniversalClient, opt ...Option) (*RedisStore, error) {
	const op = "session.NewRedisStore"
	if client == nil {
		return nil, fmt.Errorf("%s: redis client is nil: %w", op, ErrNilParameter)
	}
	opts := getRedisOpts(opt...)
	return &RedisStore{
		client: client,
		prefix: opts.withKeyPrefix,
		logger: opts.withLogger.Named("redis-store"),
	}, nil
}

// OpenRedisStore connects to the Redis server at the URL (for example
// redis://localhost:6379/0) and checks that it's reachable.  Closing the
// store closes its connection.
//
// Options supported: WithLogger, WithKeyPrefix
func OpenRedisStore(ctx context.Context, url string, opt ...Option) (*RedisStore, error) {
	const op = "session.OpenRedisStore"
	if url == "" {
		return nil, fmt.Errorf("%s: redis url is empty: %w", op, ErrInvalidParameter)
	}
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrInvalidParameter, err)
	}
	client := redis.NewClient(ro)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%s: %w: %w", op, ErrStore, err)
	}
	s, err := NewRedisStore(client, opt...)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.ownsClient = true
	return s, nil
}

// Get implements the Store.Get() interface function.
func (s *RedisStore) Get(ctx context.Context, id string) (Record, error) {
	const op = "RedisStore.Get"
	if !validID(id) {
		return Record{}, fmt.Errorf("%s: session id is empty: %w", op, ErrInvalidParameter)
	}
	b, err := s.client.Get(ctx, s.key(id)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return Record{}, fmt.Errorf("%s: %w", op, ErrNotFound)
	case err != nil:
		return Record{}, fmt.Errorf("%s: %w: %w", op, ErrStore, err)
	}
	r, err := decodeRecord(b)
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", op, err)
	}
	return r, nil
}

// Set implements the Store.Set() interface function.
func (s *RedisStore) Set(ctx context.Context, id string, r Record, ttl time.Duration) error {
	const op = "RedisStore.Set"
	switch {
	case !validID(id):
		return fmt.Errorf("%s: session id is empty: %w", op, ErrInvalidParameter)
	case ttl <= 0:
		return fmt.Errorf("%s: ttl must be positive: %w", op, ErrInvalidParameter)
	}
	data, err := encodeRecord(r)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.client.Set(ctx, s.key(id), data, ttl).Err(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
	}
	return nil
}

// Delete implements the Store.Delete() interface function.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	const op = "RedisStore.Delete"
	if !validID(id) {
		return fmt.Errorf("%s: session id is empty: %w", op, ErrInvalidParameter)
	}
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
	}
	return nil
}

// TakePending implements the Store.TakePending() interface function.
func (s *RedisStore) TakePending(ctx context.Context, id string) (*PendingLogin, error) {
	const op = "RedisStore.TakePending"
	if !validID(id) {
		return nil, fmt.Errorf("%s: session id is empty: %w", op, ErrInvalidParameter)
	}
	v, err := takePendingScript.Run(ctx, s.client, []string{s.key(id)}).Text()
	switch {
	case errors.Is(err, redis.Nil):
		s.logger.Trace("no pending login to take")
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("%s: %w: %w", op, ErrStore, err)
	}
	r, err := decodeRecord([]byte(v))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	p, ok := r.Pending()
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return p, nil
}

// DeleteIf implements the Store.DeleteIf() interface function.
func (s *RedisStore) DeleteIf(ctx context.Context, id string, r Record) (bool, error) {
	const op = "RedisStore.DeleteIf"
	if err := validMatch(id, r); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := deleteIfScript.Run(ctx, s.client, []string{s.key(id)}, holdsArgs(0, r)...).Int()
	if err != nil {
		return false, fmt.Errorf("%s: %w: %w", op, ErrStore, err)
	}
	return n == 1, nil
}

// Extend implements the Store.Extend() interface function.
func (s *RedisStore) Extend(ctx context.Context, id string, r Record, ttl time.Duration) (bool, error) {
	const op = "RedisStore.Extend"
	if err := validMatch(id, r); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if ttl < time.Millisecond {
		return false, fmt.Errorf("%s: ttl must be at least a millisecond: %w", op, ErrInvalidParameter)
	}
	n, err := extendScript.Run(ctx, s.client, []string{s.key(id)}, holdsArgs(ttl, r)...).Int()
	if err != nil {
		return false, fmt.Errorf("%s: %w: %w", op, ErrStore, err)
	}
	return n == 1, nil
}

// holdsArgs returns the ARGV of a script using holdsLua.
func holdsArgs(ttl time.Duration, r Record) []interface{} {
	args := []interface{}{ttl.Milliseconds(), string(r.State())}
	for _, f := range r.matchFields() {
		args = append(args, f.name, f.value)
	}
	return args
}

// Close implements the Store.Close() interface function.
func (s *RedisStore) Close(_ context.Context) error {
	const op = "RedisStore.Close"
	if !s.ownsClient {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
	}
	return nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

type redisOptions struct {
	withLogger    hclog.Logger
	withKeyPrefix string
}

func redisDefaults() redisOptions {
	return redisOptions{
		withLogger:    hclog.NewNullLogger(),
		withKeyPrefix: DefaultRedisKeyPrefix,
	}
}

func getRedisOpts(opt ...Option) redisOptions {
	opts := redisDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithKeyPrefix sets the prefix of every key a RedisStore writes.  Valid
// for: NewRedisStore, OpenRedisStore.
func WithKeyPrefix(prefix string) Option {
	return func(o interface{}) {
		if v, ok := o.(*redisOptions); ok && prefix != "" {
			v.withKeyPrefix = prefix
		}
	}
}
