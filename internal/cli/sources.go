package cli

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sirenrich/sirenrich/internal/cache"
	"github.com/sirenrich/sirenrich/internal/index"
	"github.com/sirenrich/sirenrich/internal/model"
	"github.com/sirenrich/sirenrich/internal/registry"
	"github.com/sirenrich/sirenrich/internal/remote"
	"github.com/sirenrich/sirenrich/internal/retry"
	"github.com/sirenrich/sirenrich/internal/util"
	"github.com/sirenrich/sirenrich/internal/worker"
)

// openSource builds the member source selected by kind (ftp, zip, dir, gcs)
func openSource(ctx context.Context, cfg *model.Config, kind string) (remote.Source, error) {
	switch kind {
	case "ftp":
		if cfg.Archive.FTP.User == "" || cfg.Archive.FTP.Password == "" {
			return nil, fmt.Errorf("archive credentials missing: set FTP_USER and FTP_PASSWORD")
		}
		dial, err := util.NewDialFunc(cfg.Proxy.SOCKS, cfg.Archive.FTP.Timeout)
		if err != nil {
			return nil, err
		}
		return remote.NewFTPSource(remote.FTPOptions{
			Host:     cfg.Archive.FTP.Host,
			User:     cfg.Archive.FTP.User,
			Password: cfg.Archive.FTP.Password,
			ZipName:  cfg.Archive.FTP.ZipName,
			Timeout:  cfg.Archive.FTP.Timeout,
			DialFunc: dial,
			Logger:   zap.L().Named("ftp"),
		}), nil
	case "zip":
		if cfg.Archive.Zip == "" {
			return nil, fmt.Errorf("archive.zip is not set")
		}
		src, err := remote.OpenZipSource(cfg.Archive.Zip)
		if err != nil {
			return nil, err
		}
		return src, nil
	case "dir", "cache":
		return remote.NewDirSource(cfg.Archive.Dir), nil
	case "gcs":
		src, err := remote.NewGCSSource(ctx, cfg.Archive.GCS.Bucket, cfg.Archive.GCS.Prefix)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	return nil, fmt.Errorf("unknown archive source %q (want ftp, zip, dir or gcs)", kind)
}

// fetchPolicy is the retry policy for member transfers
func fetchPolicy(cfg *model.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.Fetch.MaxAttempts,
		BaseDelay:   cfg.Fetch.BaseDelay,
		Multiplier:  cfg.Fetch.Multiplier,
		Jitter:      cfg.Fetch.Jitter,
		MaxDelay:    cfg.Fetch.MaxDelay,
	}.WithClassifier(remote.Classify)
}

// newScheduler wires index, fetcher and worker pool for remote lookups.
// The returned closer releases the source.
func newScheduler(ctx context.Context, cfg *model.Config) (*worker.Scheduler, *remote.Fetcher, func(), error) {
	ix, err := index.Load(cfg.Index.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load range index (run 'sirenrich index build' first): %w", err)
	}

	src, err := openSource(ctx, cfg, cfg.Archive.Source)
	if err != nil {
		return nil, nil, nil, err
	}

	fetcher := remote.NewFetcher(src, cache.NewSlotStore(cfg.Cache.Dir), remote.FetcherOptions{
		Policy:         fetchPolicy(cfg),
		AttemptTimeout: cfg.Fetch.AttemptTimeout,
		Keep:           cfg.Cache.Keep,
		Logger:         zap.L().Named("fetch"),
	})

	policy, err := worker.ParseFailurePolicy(cfg.Batch.FailurePolicy)
	if err != nil {
		_ = src.Close()
		return nil, nil, nil, err
	}

	scheduler := worker.NewScheduler(ix, fetcher, worker.SchedulerOptions{
		Workers:       cfg.Batch.Workers,
		MaxYears:      cfg.Batch.MaxYears,
		Cutoff:        model.RetentionCutoff(time.Now(), cfg.Store.RetentionYears),
		FailurePolicy: policy,
		Logger:        zap.L().Named("batch"),
	})
	return scheduler, fetcher, func() { _ = src.Close() }, nil
}

// newRegistry builds the company search client with its caches and limiter
func newRegistry(cfg *model.Config) *registry.Client {
	var c cache.Cache = cache.NewMemoryCache(cfg.Registry.CacheTTL, 10*time.Minute)
	if cfg.Registry.CacheDir != "" {
		c = cache.NewLayeredCache(cfg.Registry.CacheTTL, cfg.Registry.CacheDir, cfg.Registry.CacheTTL)
	}
	return registry.NewClient(registry.Options{
		BaseURL:   cfg.Registry.BaseURL,
		Timeout:   cfg.Registry.Timeout,
		UserAgent: cfg.Registry.UserAgent,
		Limiter:   worker.NewLimiter(cfg.Registry.RequestsPerSecond, cfg.Registry.Burst),
		Policy: retry.Policy{
			MaxAttempts: cfg.Fetch.MaxAttempts,
			BaseDelay:   time.Second,
			Multiplier:  2,
			Jitter:      cfg.Fetch.Jitter,
			MaxDelay:    cfg.Fetch.MaxDelay,
		},
		Cache:    c,
		CacheTTL: cfg.Registry.CacheTTL,
		Proxy:    util.NewProxyFunc(cfg.Proxy.HTTP, cfg.Proxy.HTTPS),
		Logger:   zap.L().Named("registry"),
	})
}
