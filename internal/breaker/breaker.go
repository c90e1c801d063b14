// Package breaker tracks consecutive provider failures per
// (tenant, provider, model) and opens a circuit for a cooldown once a
// threshold is reached.
package breaker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/sttgate/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Key identifies an independent failure domain.
type Key struct {
	Tenant   string
	Provider string
	Model    string
}

// NewKey lower-cases each component.
func NewKey(tenant, provider, model string) Key {
	return Key{
		Tenant:   strings.ToLower(strings.TrimSpace(tenant)),
		Provider: strings.ToLower(strings.TrimSpace(provider)),
		Model:    strings.ToLower(strings.TrimSpace(model)),
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Tenant, k.Provider, k.Model)
}

// Entry is the tracked state for one key.
type Entry struct {
	ConsecutiveFailures int
	OpenUntilMS         int64
}

// Book is the shared breaker map. It is safe for concurrent use; the lock
// is held only for map access.
type Book struct {
	cfg      stt.BreakerConfig
	mu       sync.Mutex
	entries  map[Key]*Entry
	poisoned atomic.Bool
	clock    func() int64

	transitions metric.Int64Counter
}

// NewBook validates cfg and returns an empty book.
func NewBook(cfg stt.BreakerConfig) (*Book, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Book{
		cfg:     cfg,
		entries: make(map[Key]*Entry),
		clock:   func() int64 { return time.Now().UnixMilli() },
	}
	b.initMetrics()
	return b, nil
}

// IsOpen reports whether key is inside its cooldown window. A zero-failure
// entry whose window has passed is evicted. A poisoned book reports every
// key as open.
func (b *Book) IsOpen(key Key, nowMS int64) bool {
	open := true
	ok := b.withLock(func() {
		entry, exists := b.entries[key]
		if !exists {
			open = false
			return
		}
		open = entry.OpenUntilMS > nowMS
		if !open && entry.ConsecutiveFailures == 0 {
			delete(b.entries, key)
		}
	})
	if !ok {
		return true
	}
	return open
}

// OnFailure counts a failure. Failures while open are ignored.
func (b *Book) OnFailure(key Key, nowMS int64) {
	opened := false
	b.withLock(func() {
		entry, exists := b.entries[key]
		if !exists {
			entry = &Entry{}
			b.entries[key] = entry
		}
		if entry.OpenUntilMS > nowMS {
			return
		}
		entry.ConsecutiveFailures++
		if entry.ConsecutiveFailures >= b.cfg.FailureThreshold {
			entry.ConsecutiveFailures = 0
			entry.OpenUntilMS = nowMS + b.cfg.CooldownMS
			opened = true
		}
	})
	if opened {
		b.record("opened")
	}
}

// OnSuccess fully resets key.
func (b *Book) OnSuccess(key Key) {
	reset := false
	b.withLock(func() {
		if _, exists := b.entries[key]; exists {
			delete(b.entries, key)
			reset = true
		}
	})
	if reset {
		b.record("reset")
	}
}

// Snapshot returns a copy of the entry for key.
func (b *Book) Snapshot(key Key) (Entry, bool) {
	var out Entry
	var found bool
	b.withLock(func() {
		if entry, exists := b.entries[key]; exists {
			out = *entry
			found = true
		}
	})
	return out, found
}

// OpenCount returns how many keys are open at nowMS.
func (b *Book) OpenCount(nowMS int64) int {
	count := 0
	b.withLock(func() {
		for _, entry := range b.entries {
			if entry.OpenUntilMS > nowMS {
				count++
			}
		}
	})
	return count
}

// withLock runs fn under the lock. A panic inside fn poisons the book;
// afterwards withLock refuses to run and returns false.
func (b *Book) withLock(fn func()) (ok bool) {
	if b.poisoned.Load() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			b.poisoned.Store(true)
			panic(r)
		}
	}()
	fn()
	return true
}

func (b *Book) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/sttgate/breaker")
	counter, err := meter.Int64Counter("sttgate.breaker.transitions",
		metric.WithDescription("Circuit breaker open and reset transitions"))
	if err == nil {
		b.transitions = counter
	}
	gauge, err := meter.Int64ObservableGauge("sttgate.breaker.open",
		metric.WithDescription("Circuits currently open"))
	if err != nil {
		return
	}
	_, _ = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(b.OpenCount(b.clock())))
		return nil
	}, gauge)
}

func (b *Book) record(event string) {
	if b.transitions == nil {
		return
	}
	b.transitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", event)))
}
