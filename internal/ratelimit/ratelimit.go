package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/lookupguard/internal/log"
	"github.com/keithlinneman/lookupguard/internal/xerrors"
)

const (
	// DefaultMaxTrackedKeys bounds the store when Config.MaxTrackedKeys is unset
	DefaultMaxTrackedKeys = 500

	minSweepInterval = time.Second

	// cap on the initial timestamp slice, large limits grow on demand
	maxPreallocTimestamps = 32
)

// Config describes one rate-limit policy. Durations are in milliseconds.
type Config struct {
	// WindowMs is the trailing window requests are counted over. Required, > 0.
	WindowMs int64
	// MaxRequestsPerWindow is the admitted requests per key per window. Required, > 0.
	MaxRequestsPerWindow int
	// MaxTrackedKeys bounds distinct keys held in memory. 0 means DefaultMaxTrackedKeys.
	MaxTrackedKeys int
	// KeyTTLMs evicts a key idle this long. 0 means WindowMs.
	KeyTTLMs int64
}

// Validate reports every invalid field. The window and limit checks always
// run first so a bad window or limit is reported regardless of other fields.
func (c Config) Validate() error {
	var problems []string
	if c.WindowMs <= 0 {
		problems = append(problems, fmt.Sprintf("window must be > 0ms (got %d)", c.WindowMs))
	}
	if c.MaxRequestsPerWindow <= 0 {
		problems = append(problems, fmt.Sprintf("max requests per window must be > 0 (got %d)", c.MaxRequestsPerWindow))
	}
	if c.MaxTrackedKeys < 0 {
		problems = append(problems, fmt.Sprintf("max tracked keys must be >= 0 (got %d)", c.MaxTrackedKeys))
	}
	if c.KeyTTLMs < 0 {
		problems = append(problems, fmt.Sprintf("key ttl must be >= 0ms (got %d)", c.KeyTTLMs))
	}
	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// WithDefaults fills MaxTrackedKeys and KeyTTLMs the way New does
func (c Config) WithDefaults() Config {
	if c.MaxTrackedKeys == 0 {
		c.MaxTrackedKeys = DefaultMaxTrackedKeys
	}
	if c.KeyTTLMs == 0 {
		c.KeyTTLMs = c.WindowMs
	}
	return c
}

// Decision is the outcome of a Check. A zero Decision is a rejection with no
// retry hint; callers should only read it when err is nil.
type Decision struct {
	Allowed bool
	// RetryAfterMs estimates when the oldest counted request leaves the window.
	// Always 0 when Allowed.
	RetryAfterMs int64
}

func (d Decision) RetryAfter() time.Duration {
	return time.Duration(d.RetryAfterMs) * time.Millisecond
}

func (d Decision) String() string {
	if d.Allowed {
		return "admit"
	}
	return fmt.Sprintf("reject(retry_after=%dms)", d.RetryAfterMs)
}

// EvictReason says why a key left the store
type EvictReason string

const (
	EvictLRU EvictReason = "lru"
	EvictTTL EvictReason = "ttl"
)

// Limiter holds per-key request logs in a bounded LRU store.
// Each Limiter owns its store; use one Limiter per protected endpoint.
type Limiter struct {
	mu    sync.Mutex
	cfg   Config
	store *store

	now    func() time.Time
	logger log.Logger

	// OnFirstDenied fires once per tracked record on its first rejection, used for logging
	OnFirstDenied func(key string)
	// OnDenied fires on every rejection, used for prometheus counters
	OnDenied func(key string, d Decision)
	// OnAdmitted fires on every admission
	OnAdmitted func(key string)
	// OnEvict fires for every key dropped by LRU pressure or idle expiry
	OnEvict func(key string, reason EvictReason)

	// throttles the capacity warning, a key-rotating client would otherwise log on every request
	pressureLog rate.Sometimes

	admitted    uint64
	rejected    uint64
	evictions   uint64
	expirations uint64
}

type Option func(*Limiter)

// WithClock overrides the wall clock used by Allow and Run
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(lg log.Logger) Option {
	return func(l *Limiter) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// WithOnFirstDenied sets a callback for the first denial per tracked key.
// Separate from OnDenied so we log once but count every denial.
func WithOnFirstDenied(fn func(key string)) Option {
	return func(l *Limiter) {
		l.OnFirstDenied = fn
	}
}

// WithOnDenied sets a callback for every denied request
func WithOnDenied(fn func(key string, d Decision)) Option {
	return func(l *Limiter) {
		l.OnDenied = fn
	}
}

func WithOnAdmitted(fn func(key string)) Option {
	return func(l *Limiter) {
		l.OnAdmitted = fn
	}
}

// WithOnEvict sets a callback for keys removed by LRU pressure or TTL expiry
func WithOnEvict(fn func(key string, reason EvictReason)) Option {
	return func(l *Limiter) {
		l.OnEvict = fn
	}
}

// New validates cfg and returns a Limiter with an empty store.
// Invalid configuration returns a *ConfigError matching ErrInvalidConfig.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.WithStack(err)
	}
	l := &Limiter{
		cfg:         cfg.WithDefaults(),
		store:       newStore(),
		now:         time.Now,
		logger:      log.Nop(),
		pressureLog: rate.Sometimes{Interval: time.Minute},
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Config returns the effective configuration with defaults applied
func (l *Limiter) Config() Config { return l.cfg }

// Allow is Check at the limiter's clock
func (l *Limiter) Allow(key string) (Decision, error) {
	return l.Check(key, l.now().UnixMilli())
}

// Check decides whether a request from key at nowMs is admitted and records it
// if so. The lookup, prune, compare and append run under a single lock so
// concurrent callers for one key can never exceed the limit.
// The only error is ErrInvalidKey for an empty key.
func (l *Limiter) Check(key string, nowMs int64) (Decision, error) {
	if key == "" {
		return Decision{}, xerrors.WithStack(ErrInvalidKey)
	}

	var (
		d           Decision
		firstDenial bool
		evicted     []string
		expired     string
	)

	l.mu.Lock()
	e, ok := l.store.get(key)
	if ok && nowMs-e.lastAccess >= l.cfg.KeyTTLMs {
		l.store.remove(e)
		l.expirations++
		expired = key
		ok = false
	}
	if ok {
		l.store.touch(e, nowMs)
		e.prune(nowMs - l.cfg.WindowMs)
	} else {
		e = l.store.insert(key, nowMs, min(l.cfg.MaxRequestsPerWindow, maxPreallocTimestamps))
		evicted = l.store.evictOver(l.cfg.MaxTrackedKeys, e)
		l.evictions += uint64(len(evicted))
	}

	if len(e.timestamps) >= l.cfg.MaxRequestsPerWindow {
		d = Decision{RetryAfterMs: max(0, l.cfg.WindowMs-(nowMs-e.oldest()))}
		firstDenial = !e.deniedLogged
		e.deniedLogged = true
		l.rejected++
	} else {
		e.timestamps = append(e.timestamps, nowMs)
		d = Decision{Allowed: true}
		l.admitted++
	}
	// release before hooks, they may do slow work and we hold the lock for every key
	l.mu.Unlock()

	if expired != "" && l.OnEvict != nil {
		l.OnEvict(expired, EvictTTL)
	}
	if len(evicted) > 0 {
		if l.OnEvict != nil {
			for _, k := range evicted {
				l.OnEvict(k, EvictLRU)
			}
		}
		l.pressureLog.Do(func() {
			l.logger.Warn(context.Background(), "rate limit store at capacity, evicting least recently used keys",
				"max_tracked_keys", l.cfg.MaxTrackedKeys,
				"evicted", len(evicted),
			)
		})
	}

	if d.Allowed {
		if l.OnAdmitted != nil {
			l.OnAdmitted(key)
		}
		return d, nil
	}
	if firstDenial && l.OnFirstDenied != nil {
		l.OnFirstDenied(key)
	}
	if l.OnDenied != nil {
		l.OnDenied(key, d)
	}
	return d, nil
}

// Sweep removes every key idle for at least KeyTTLMs as of nowMs and returns
// how many were removed.
func (l *Limiter) Sweep(nowMs int64) int {
	l.mu.Lock()
	stale := l.store.expired(nowMs, l.cfg.KeyTTLMs)
	for _, e := range stale {
		l.store.remove(e)
	}
	l.expirations += uint64(len(stale))
	remaining := l.store.len()
	l.mu.Unlock()

	if l.OnEvict != nil {
		for _, e := range stale {
			l.OnEvict(e.key, EvictTTL)
		}
	}
	if len(stale) > 0 {
		l.logger.Debug(context.Background(), "rate limit sweep completed",
			"removed", len(stale),
			"remaining", remaining,
		)
	}
	return len(stale)
}

// SweepInterval is how often Run sweeps: half the key TTL, at least one second
func (l *Limiter) SweepInterval() time.Duration {
	return max(time.Duration(l.cfg.KeyTTLMs)*time.Millisecond/2, minSweepInterval)
}

// Run sweeps idle keys every SweepInterval until ctx is cancelled.
// Lazy expiry in Check already keeps decisions correct, this bounds how long
// idle keys hold memory.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(l.now().UnixMilli())
		}
	}
}

// Len returns the number of tracked keys
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.len()
}

// Reset drops every tracked key. Counters in Stats are kept.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.store.reset()
	l.mu.Unlock()
}

// Stats is a point-in-time snapshot for monitoring
type Stats struct {
	TrackedKeys          int     `json:"tracked_keys"`
	MaxTrackedKeys       int     `json:"max_tracked_keys"`
	WindowMs             int64   `json:"window_ms"`
	MaxRequestsPerWindow int     `json:"max_requests_per_window"`
	KeyTTLMs             int64   `json:"key_ttl_ms"`
	TotalAdmitted        uint64  `json:"total_admitted"`
	TotalRejected        uint64  `json:"total_rejected"`
	TotalEvictions       uint64  `json:"total_evictions"`
	TotalExpirations     uint64  `json:"total_expirations"`
	MemoryPressure       float64 `json:"memory_pressure"` // percent of MaxTrackedKeys in use
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{
		TrackedKeys:          l.store.len(),
		MaxTrackedKeys:       l.cfg.MaxTrackedKeys,
		WindowMs:             l.cfg.WindowMs,
		MaxRequestsPerWindow: l.cfg.MaxRequestsPerWindow,
		KeyTTLMs:             l.cfg.KeyTTLMs,
		TotalAdmitted:        l.admitted,
		TotalRejected:        l.rejected,
		TotalEvictions:       l.evictions,
		TotalExpirations:     l.expirations,
	}
	s.MemoryPressure = float64(s.TrackedKeys) / float64(s.MaxTrackedKeys) * 100
	return s
}
