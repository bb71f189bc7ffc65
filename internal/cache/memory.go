package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryProvider keeps entries in a process-local map. Expired entries are
// hidden on read and removed by a background sweep.
type MemoryProvider struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func NewMemoryProvider(sweepInterval time.Duration) *MemoryProvider {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	p := &MemoryProvider{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go p.sweepLoop(sweepInterval)
	return p
}

func (p *MemoryProvider) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Sweep()
		case <-p.stop:
			return
		}
	}
}

// Sweep drops every expired entry and returns how many were removed.
func (p *MemoryProvider) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	removed := 0
	for key, e := range p.entries {
		if e.expired(now) {
			delete(p.entries, key)
			removed++
		}
	}
	return removed
}

func (p *MemoryProvider) lookup(key string) (memoryEntry, bool) {
	e, ok := p.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if e.expired(p.now()) {
		delete(p.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (p *MemoryProvider) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return p.now().Add(ttl)
}

func (p *MemoryProvider) Get(_ context.Context, key string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.lookup(key)
	return e.value, ok, nil
}

func (p *MemoryProvider) Set(_ context.Context, key, value string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[key] = memoryEntry{value: value, expiresAt: p.expiry(ttl)}
	return nil
}

func (p *MemoryProvider) Delete(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, key)
	return nil
}

func (p *MemoryProvider) Exists(_ context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.lookup(key)
	return ok, nil
}

func (p *MemoryProvider) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.lookup(key)
	if !ok {
		p.entries[key] = memoryEntry{value: "1", expiresAt: p.expiry(ttl)}
		return 1, nil
	}
	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, err
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	p.entries[key] = e
	return n, nil
}

func (p *MemoryProvider) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.lookup(key); ok {
		return false, nil
	}
	p.entries[key] = memoryEntry{value: value, expiresAt: p.expiry(ttl)}
	return true, nil
}

func (p *MemoryProvider) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := newLockToken()
	ok, err := p.SetIfAbsent(ctx, key, token, ttl)
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

func (p *MemoryProvider) ReleaseLock(_ context.Context, key, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.lookup(key); ok && e.value == token {
		delete(p.entries, key)
	}
	return nil
}

func (p *MemoryProvider) Clear(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]memoryEntry)
	return nil
}

func (p *MemoryProvider) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	return nil
}
