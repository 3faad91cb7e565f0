package lock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sannchesda/hotel-reservation-backend/model"
)

// Unlock releases everything taken by a single Acquire call. It is safe to call once.
type Unlock func()

// Locker hands out exclusive locks on named keys, e.g. "room:<id>".
// Acquire takes all keys in ascending order and either holds all of them or none.
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (Unlock, error)
}

// SortedUnique returns keys sorted ascending with duplicates removed.
// Every multi-key acquisition goes through it so two callers can never wait on each other in a cycle.
func SortedUnique(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}

type entry struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker. Waits are bounded by the context and by MaxWait.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
	maxWait time.Duration
}

var _ Locker = (*KeyedMutex)(nil)

// NewKeyedMutex creates a KeyedMutex. A zero maxWait means wait until the context ends.
func NewKeyedMutex(maxWait time.Duration) *KeyedMutex {
	return &KeyedMutex{
		entries: make(map[string]*entry),
		maxWait: maxWait,
	}
}

func (m *KeyedMutex) ref(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex) unref(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// Lock takes a single key
func (m *KeyedMutex) Lock(ctx context.Context, key string) (Unlock, error) {
	if m.maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.maxWait)
		defer cancel()
	}

	e := m.ref(key)
	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.unref(key, e)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, model.ErrLockTimeout
		}
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.unref(key, e)
		})
	}, nil
}

// Acquire takes every key in ascending order, releasing what it holds if any wait fails.
func (m *KeyedMutex) Acquire(ctx context.Context, keys ...string) (Unlock, error) {
	ordered := SortedUnique(keys)
	held := make([]Unlock, 0, len(ordered))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}

	for _, key := range ordered {
		unlock, err := m.Lock(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, unlock)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// RoomKey is the lock key for a room
func RoomKey(roomID string) string {
	return "room:" + roomID
}

// BookingKey is the lock key for a booking row
func BookingKey(bookingID string) string {
	return "booking:" + bookingID
}
