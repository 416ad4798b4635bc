package collector

import (
	"context"
	"os"

	"github.com/glorpus-work/qpserver/internal/logger"
	"github.com/glorpus-work/qpserver/pkg/cache"
	"github.com/glorpus-work/qpserver/pkg/config"
	"github.com/glorpus-work/qpserver/pkg/errors"
	"github.com/glorpus-work/qpserver/pkg/hash"
	"github.com/glorpus-work/qpserver/pkg/repository"
	"github.com/go-co-op/gocron/v2"
)

// Collection is the façade over all package sources. Resolution precedence
// is the local directory first, then repositories in configuration order.
type Collection struct {
	repos     []*RepoCollector
	local     *LocalCollector
	packages  *cache.FileLRU
	scheduler gocron.Scheduler
}

// New builds a collection from the collector configuration. indexCache backs
// the repository index documents, packages receives downloaded bundles.
func New(cfg *config.Collector, maxPackageSize int64, client repository.Client, indexCache, packages *cache.FileLRU) (*Collection, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create scheduler")
	}

	c := &Collection{
		packages:  packages,
		scheduler: scheduler,
	}

	for i := range cfg.Repositories {
		repoCfg := &cfg.Repositories[i]
		repoClient, err := clientFor(client, repoCfg)
		if err != nil {
			return nil, err
		}
		repo := repository.New(repoCfg.Name, repoCfg.URL, repoClient, indexCache)
		interval := repoCfg.PollInterval(cfg.RepositoryDefaultInterval)
		c.repos = append(c.repos, NewRepoCollector(repo, interval, packages, maxPackageSize))
	}

	if cfg.LocalDirectory != "" {
		local, err := NewLocalCollector(cfg.LocalDirectory, packages)
		if err != nil {
			return nil, err
		}
		c.local = local
	}
	return c, nil
}

// clientFor derives the per-repository client, authenticated when the
// repository configures credentials.
func clientFor(client repository.Client, repoCfg *config.Repository) (repository.Client, error) {
	a, err := repoCfg.Authenticator()
	if err != nil {
		return nil, errors.Wrapf(err, "repository %q", repoCfg.URL)
	}
	if a == nil {
		return client, nil
	}
	ac, ok := client.(repository.Authenticated)
	if !ok {
		return nil, errors.Wrapf(errors.ErrConfigValidation,
			"repository %q configures authentication but the client does not support it", repoCfg.URL)
	}
	return ac.WithAuth(a), nil
}

// Start restores cached indexes, begins the local watcher and schedules one
// poll job per repository. Each repository ticks independently; a slow sync
// never delays another repository and never runs concurrently with itself.
func (c *Collection) Start(ctx context.Context) error {
	if c.local != nil {
		if err := c.local.Start(ctx); err != nil {
			return err
		}
	}

	for _, rc := range c.repos {
		rc.Restore()
		_, err := c.scheduler.NewJob(
			gocron.DurationJob(rc.Interval()),
			gocron.NewTask(rc.Sync),
			gocron.WithName(rc.Name()),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		if err != nil {
			return errors.Wrapf(err, "failed to schedule repository %s", rc.Name())
		}
	}
	c.scheduler.Start()

	logger.Info("Collector started", logger.Fields{
		"repositories":    len(c.repos),
		"local_directory": c.local != nil,
	})
	return nil
}

// Stop shuts the scheduler and watcher down.
func (c *Collection) Stop() error {
	err := c.scheduler.Shutdown()
	if c.local != nil {
		c.local.Stop()
	}
	return err
}

// Resolve finds a package by name. Local packages shadow repository ones;
// among repositories the first configured match wins.
func (c *Collection) Resolve(name string) (*PackageInfo, error) {
	if c.local != nil {
		if info, ok := c.local.Resolve(name); ok {
			return info, nil
		}
	}
	for _, rc := range c.repos {
		if info, ok := rc.Resolve(name); ok {
			return info, nil
		}
	}
	return nil, errors.Wrapf(errors.ErrPackageNotFound, "no source provides %q", name)
}

// Packages lists everything resolvable, de-duplicated by the same precedence
// Resolve applies.
func (c *Collection) Packages() []PackageInfo {
	seen := make(map[string]bool)
	var out []PackageInfo

	appendAll := func(infos []PackageInfo) {
		for _, info := range infos {
			if seen[info.Name] {
				continue
			}
			seen[info.Name] = true
			out = append(out, info)
		}
	}

	if c.local != nil {
		appendAll(c.local.Packages())
	}
	for _, rc := range c.repos {
		appendAll(rc.Packages())
	}
	return out
}

// ResolveHash finds a package by content hash across all sources, same
// precedence as Resolve.
func (c *Collection) ResolveHash(key string) (*PackageInfo, error) {
	key = hash.Normalize(key)
	if c.local != nil {
		for _, info := range c.local.Packages() {
			if info.Hash == key {
				out := info
				return &out, nil
			}
		}
	}
	for _, rc := range c.repos {
		if entry, ok := rc.EntryByHash(key); ok {
			return &PackageInfo{
				Name:    entry.Name,
				Version: entry.Version,
				Hash:    key,
				Size:    entry.Size,
				Source:  rc.Name(),
			}, nil
		}
	}
	return nil, errors.Wrapf(errors.ErrPackageNotFound, "no source provides package %s", key)
}

// Materialize returns the cached bundle for a content hash, fetching it from
// whichever source provides it on a miss. The returned entry is pinned until
// released.
func (c *Collection) Materialize(ctx context.Context, key string) (*cache.Entry, error) {
	key = hash.Normalize(key)
	return c.packages.GetOrFetch(ctx, key, func(ctx context.Context) ([]byte, error) {
		return c.fetch(ctx, key)
	})
}

func (c *Collection) fetch(ctx context.Context, key string) ([]byte, error) {
	if c.local != nil {
		if path, ok := c.local.PathByHash(key); ok {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to read local package %s", path)
			}
			if err := hash.Verify(data, key); err != nil {
				return nil, err
			}
			return data, nil
		}
	}
	for _, rc := range c.repos {
		if entry, ok := rc.EntryByHash(key); ok {
			return rc.Download(ctx, entry)
		}
	}
	return nil, errors.Wrapf(errors.ErrPackageNotFound, "no source provides package %s", key)
}
