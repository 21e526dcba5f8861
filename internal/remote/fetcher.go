package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sirenrich/sirenrich/internal/cache"
	"github.com/sirenrich/sirenrich/internal/retry"
)

// FetcherOptions configures a Fetcher
type FetcherOptions struct {
	Policy         retry.Policy
	AttemptTimeout time.Duration // Zero leaves attempts unbounded
	Keep           bool          // Persistent-cache mode: Evict leaves members in place
	Logger         *zap.Logger
}

// Fetcher resolves members through the slot cache, downloading on a miss.
// Concurrent requests for the same member share one download.
type Fetcher struct {
	source  Source
	slots   *cache.SlotStore
	policy  retry.Policy
	timeout time.Duration
	keep    bool
	log     *zap.Logger
	group   singleflight.Group

	mu      sync.Mutex
	waiters map[string]int // callers currently waiting on each member's flight
	orphans sync.WaitGroup // evictions of flights every waiter abandoned

	downloads atomic.Int64
	hits      atomic.Int64
}

// NewFetcher creates a fetcher over source caching into slots
func NewFetcher(source Source, slots *cache.SlotStore, opts FetcherOptions) *Fetcher {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	policy := opts.Policy
	if policy.Classify == nil {
		policy = policy.WithClassifier(Classify)
	}
	return &Fetcher{
		source:  source,
		slots:   slots,
		policy:  policy,
		timeout: opts.AttemptTimeout,
		keep:    opts.Keep,
		log:     log,
		waiters: make(map[string]int),
	}
}

// Fetch returns the payload of member name, from cache when present
func (f *Fetcher) Fetch(ctx context.Context, name string) ([]byte, error) {
	if data, ok, err := f.slots.Get(name); err != nil {
		f.log.Warn("cache read failed", zap.String("member", name), zap.Error(err))
	} else if ok {
		f.hits.Add(1)
		return data, nil
	}

	// The shared download outlives any single waiter's cancellation
	f.join(name)
	ch := f.group.DoChan(name, func() (any, error) {
		return f.fill(context.WithoutCancel(ctx), name)
	})

	select {
	case <-ctx.Done():
		if f.leave(name) == 0 && !f.keep {
			f.orphans.Add(1)
			go f.evictAbandoned(name, ch)
		}
		return nil, ctx.Err()
	case res := <-ch:
		f.leave(name)
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (f *Fetcher) join(name string) {
	f.mu.Lock()
	f.waiters[name]++
	f.mu.Unlock()
}

// leave returns how many callers still wait on name
func (f *Fetcher) leave(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waiters[name]--
	n := f.waiters[name]
	if n <= 0 {
		delete(f.waiters, name)
	}
	return n
}

// evictAbandoned waits for a flight nobody waits on any more and drops the
// member it published, unless a new caller joined in the meantime.
func (f *Fetcher) evictAbandoned(name string, ch <-chan singleflight.Result) {
	defer f.orphans.Done()

	res := <-ch
	if res.Err != nil {
		return
	}

	f.mu.Lock()
	idle := f.waiters[name] == 0
	f.mu.Unlock()
	if !idle {
		return
	}
	if err := f.slots.Evict(name); err != nil {
		f.log.Warn("evict abandoned member failed", zap.String("member", name), zap.Error(err))
		return
	}
	f.log.Debug("evicted abandoned member", zap.String("member", name))
}

// fill downloads a member and publishes it into its slot
func (f *Fetcher) fill(ctx context.Context, name string) ([]byte, error) {
	// Another flight may have published it between our miss and now
	if data, ok, err := f.slots.Get(name); err == nil && ok {
		f.hits.Add(1)
		return data, nil
	}

	start := time.Now()
	data, err := f.download(ctx, name)
	if err != nil {
		f.log.Warn("member fetch failed", zap.String("member", name), zap.Error(err))
		return nil, err
	}

	if err := f.slots.Put(name, data); err != nil {
		return nil, fmt.Errorf("cache member %s: %w", name, err)
	}

	f.log.Info("member fetched",
		zap.String("member", name),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)))
	return data, nil
}

func (f *Fetcher) download(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := f.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		f.downloads.Add(1)
		if attempt > 1 {
			f.log.Info("retrying member fetch", zap.String("member", name), zap.Int("attempt", attempt))
		}

		var err error
		data, err = f.attempt(ctx, name)
		return err
	})
	return data, err
}

// attempt performs one time-bounded download
func (f *Fetcher) attempt(ctx context.Context, name string) ([]byte, error) {
	actx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	data, err := f.readMember(actx, name)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s: %w", errAttemptTimeout, f.timeout, err)
	}
	return data, err
}

func (f *Fetcher) readMember(ctx context.Context, name string) ([]byte, error) {
	rc, err := f.source.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(ctxReader{ctx: ctx, r: rc})
	if err != nil {
		return nil, fmt.Errorf("read member %s: %w", name, err)
	}
	return data, nil
}

// Evict drops a member from the cache unless persistent-cache mode is on
func (f *Fetcher) Evict(name string) error {
	if f.keep {
		return nil
	}
	return f.slots.Evict(name)
}

// Downloads returns how many download attempts were made
func (f *Fetcher) Downloads() int64 {
	return f.downloads.Load()
}

// Hits returns how many fetches were served from cache
func (f *Fetcher) Hits() int64 {
	return f.hits.Load()
}
