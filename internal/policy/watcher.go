package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/keithlinneman/lookupguard/internal/log"
	"github.com/keithlinneman/lookupguard/internal/xerrors"
)

const (
	DefaultPollInterval = time.Minute

	// maxBackoff caps exponential backoff on consecutive fetch errors
	maxBackoff = 10 * time.Minute

	defaultStaleThreshold = 30 * time.Minute
)

type pollResult int

const (
	pollNoChange pollResult = iota
	pollApplied
	pollFetchError
	pollInvalid
	pollApplyError
)

// WatcherMetrics is implemented by the metrics package
type WatcherMetrics interface {
	IncPolicyPolls()
	IncPolicyReloads()
	IncPolicyError(kind string)
	SetPolicyStale(stale bool)
}

type WatcherOptions struct {
	Logger       log.Logger
	Source       Source
	PollInterval time.Duration
	// InitialDigest is the digest of the document applied at startup so the
	// first poll does not reapply it
	InitialDigest string
	// Apply installs a changed document. An error keeps the current policies.
	Apply   func(ctx context.Context, doc *Document) error
	Metrics WatcherMetrics
	// StaleThreshold is how long fetches may fail before an error is logged. Zero means 30m.
	StaleThreshold time.Duration
}

// Watcher re-reads the policy source and applies changed documents.
// An unreadable or invalid document never replaces a working one.
type Watcher struct {
	src      Source
	apply    func(context.Context, *Document) error
	logger   log.Logger
	interval time.Duration
	metrics  WatcherMetrics

	current string

	consecutiveErrs int

	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	now func() time.Time
}

func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	if opts.Source == nil {
		return nil, xerrors.New("policy watcher needs a source")
	}
	if opts.Apply == nil {
		return nil, xerrors.New("policy watcher needs an apply func")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = defaultStaleThreshold
	}
	return &Watcher{
		src:            opts.Source,
		apply:          opts.Apply,
		logger:         opts.Logger,
		interval:       opts.PollInterval,
		metrics:        opts.Metrics,
		current:        opts.InitialDigest,
		staleThreshold: opts.StaleThreshold,
		lastSuccessAt:  time.Now(),
		now:            time.Now,
	}, nil
}

// Run polls until ctx is cancelled. Launch as go w.Run(ctx).
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "policy watcher starting",
		"source", w.src.String(),
		"poll_interval", w.interval.String(),
		"digest", truncDigest(w.current),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "policy watcher stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			res := w.checkOnce(ctx)

			if res == pollFetchError {
				w.consecutiveErrs++
				backoff := w.backoffDuration()
				w.logger.Warn(ctx, "policy watcher backing off",
					"consecutive_errors", w.consecutiveErrs,
					"next_poll_in", backoff.String(),
				)
				ticker.Reset(backoff)
				w.checkStale(ctx)
				continue
			}
			if w.consecutiveErrs > 0 {
				w.logger.Info(ctx, "policy watcher recovered, resuming normal interval",
					"had_consecutive_errors", w.consecutiveErrs,
				)
				w.consecutiveErrs = 0
				ticker.Reset(w.interval)
			}
			if w.staleLogged {
				w.staleLogged = false
				w.logger.Info(ctx, "policy watcher staleness recovered")
				if w.metrics != nil {
					w.metrics.SetPolicyStale(false)
				}
			}
		}
	}
}

// checkOnce runs a single fetch, compare, parse, apply cycle
func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	if w.metrics != nil {
		w.metrics.IncPolicyPolls()
	}

	b, err := w.src.Fetch(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "policy watcher fetch failed", "source", w.src.String())
		w.incError("fetch")
		return pollFetchError
	}
	w.lastSuccessAt = w.now()

	d := digest(b)
	if d == w.current {
		return pollNoChange
	}

	doc, err := Parse(b)
	if err != nil {
		w.logger.Error(ctx, err, "policy watcher rejected invalid document, keeping current policies",
			"rejected_digest", truncDigest(d),
			"current_digest", truncDigest(w.current),
		)
		w.incError("invalid")
		return pollInvalid
	}

	if err := w.safeApply(ctx, doc); err != nil {
		w.logger.Error(ctx, err, "policy watcher could not apply document, keeping current policies",
			"digest", truncDigest(d),
		)
		w.incError("apply")
		return pollApplyError
	}

	w.logger.Info(ctx, "policy document reloaded",
		"old_digest", truncDigest(w.current),
		"new_digest", truncDigest(d),
		"policies", len(doc.Policies),
	)
	w.current = d
	if w.metrics != nil {
		w.metrics.IncPolicyReloads()
	}
	return pollApplied
}

func (w *Watcher) safeApply(ctx context.Context, doc *Document) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Newf("apply panicked: %v", r)
		}
	}()
	return w.apply(ctx, doc)
}

func (w *Watcher) checkStale(ctx context.Context) {
	since := w.now().Sub(w.lastSuccessAt)
	if since <= w.staleThreshold || w.staleLogged {
		return
	}
	w.staleLogged = true
	w.logger.Error(ctx, fmt.Errorf("last successful policy fetch was %s ago", since.Truncate(time.Second)),
		"policy watcher is stale, running on the last good document",
	)
	if w.metrics != nil {
		w.metrics.SetPolicyStale(true)
	}
}

func (w *Watcher) incError(kind string) {
	if w.metrics != nil {
		w.metrics.IncPolicyError(kind)
	}
}

// backoffDuration doubles the interval per consecutive error, capped at maxBackoff
func (w *Watcher) backoffDuration() time.Duration {
	d := w.interval
	for i := 0; i < w.consecutiveErrs && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

func truncDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
