package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// DefaultJanitorInterval is how often a MemoryStore or PostgresStore drops
// expired records.
const DefaultJanitorInterval = time.Minute

type memoryEntry struct {
	data      []byte
	state     State
	expiresAt time.Time
}

// MemoryStore is an in-process Store.  Records are kept encoded, so callers
// never share a record's memory with the store.  It's meant for a single
// replica and for tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	nowFunc func() time.Time
	logger  hclog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore and starts its janitor.  Close stops
// the janitor.
//
// Options supported: WithNow, WithLogger, WithJanitorInterval
func NewMemoryStore(opt ...Option) *MemoryStore {
	opts := getMemoryOpts(opt...)
	s := &MemoryStore{
		entries: map[string]memoryEntry{},
		nowFunc: opts.withNowFunc,
		logger:  opts.withLogger.Named("memory-store"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.janitor(opts.withJanitorInterval)
	return s
}

// Get implements the Store.Get() interface function.
func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	const op = "MemoryStore.Get"
	if !validID(id) {
		return Record{}, fmt.Errorf("%s: session id is empty: %w", op, ErrInvalidParameter)
	}
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok || !s.now().Before(e.expiresAt) {
		return Record{}, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	r, err := decodeRecord(e.data)
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", op, err)
	}
	return r, nil
}

// Set implements the Store.Set() interface function.
func (s *MemoryStore) Set(_ context.Context, id string, r Record, ttl time.Duration) error {
	const op = "MemoryStore.Set"
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
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = memoryEntry{data: data, state: r.State(), expiresAt: s.now().Add(ttl)}
	return nil
}

// Delete implements the Store.Delete() interface function.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	const op = "MemoryStore.Delete"
	if !validID(id) {
		return fmt.Errorf("%s: session id is empty: %w", op, ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// TakePending implements the Store.TakePending() interface function.
func (s *MemoryStore) TakePending(_ context.Context, id string) (*PendingLogin, error) {
	const op = "MemoryStore.TakePending"
	if !validID(id) {
		return nil, fmt.Errorf("%s: session id is empty: %w", op, ErrInvalidParameter)
	}
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.state != StatePending || !s.now().Before(e.expiresAt) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	delete(s.entries, id)
	s.mu.Unlock()

	r, err := decodeRecord(e.data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	p, _ := r.Pending()
	return p, nil
}

// DeleteIf implements the Store.DeleteIf() interface function.
func (s *MemoryStore) DeleteIf(_ context.Context, id string, r Record) (bool, error) {
	const op = "MemoryStore.DeleteIf"
	if err := validMatch(id, r); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.holds(id, r) {
		return false, nil
	}
	delete(s.entries, id)
	return true, nil
}

// Extend implements the Store.Extend() interface function.
func (s *MemoryStore) Extend(_ context.Context, id string, r Record, ttl time.Duration) (bool, error) {
	const op = "MemoryStore.Extend"
	if err := validMatch(id, r); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if ttl <= 0 {
		return false, fmt.Errorf("%s: ttl must be positive: %w", op, ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.holds(id, r) {
		return false, nil
	}
	e := s.entries[id]
	e.expiresAt = s.now().Add(ttl)
	s.entries[id] = e
	return true, nil
}

// holds reports whether the ID's live record holds the same login as r.  The
// caller must hold s.mu.
func (s *MemoryStore) holds(id string, r Record) bool {
	e, ok := s.entries[id]
	if !ok || e.state != r.State() || !s.now().Before(e.expiresAt) {
		return false
	}
	stored, err := decodeRecord(e.data)
	return err == nil && stored.sameLogin(r)
}

// Close implements the Store.Close() interface function.  It stops the
// janitor and is safe to call more than once.
func (s *MemoryStore) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of records held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// DeleteExpired drops every expired record and returns how many were
// dropped.
func (s *MemoryStore) DeleteExpired() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for id, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, id)
			n++
		}
	}
	return n
}

func (s *MemoryStore) janitor(interval time.Duration) {
	defer close(s.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			if n := s.DeleteExpired(); n > 0 {
				s.logger.Trace("dropped expired sessions", "count", n)
			}
		}
	}
}

func (s *MemoryStore) now() time.Time {
	if s.nowFunc != nil {
		return s.nowFunc()
	}
	return time.Now()
}

type memoryOptions struct {
	withNowFunc         func() time.Time
	withLogger          hclog.Logger
	withJanitorInterval time.Duration
}

func memoryDefaults() memoryOptions {
	return memoryOptions{
		withLogger:          hclog.NewNullLogger(),
		withJanitorInterval: DefaultJanitorInterval,
	}
}

func getMemoryOpts(opt ...Option) memoryOptions {
	opts := memoryDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithJanitorInterval sets how often a store drops expired records.  Valid
// for: NewMemoryStore, NewPostgresStore, OpenPostgresStore.
func WithJanitorInterval(d time.Duration) Option {
	return func(o interface{}) {
		if d <= 0 {
			return
		}
		switch v := o.(type) {
		case *memoryOptions:
			v.withJanitorInterval = d
		case *postgresOptions:
			v.withJanitorInterval = d
		}
	}
}
