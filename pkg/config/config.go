// Package config loads and validates the server configuration from a YAML
// file with environment overrides of the form QPY_<SECTION>__<SETTING>.
package config

import (
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/glorpus-work/qpserver/pkg/auth"
	"github.com/glorpus-work/qpserver/pkg/errors"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// MinRepositoryInterval is the lowest accepted repository poll interval.
// Polling more often than this hammers repository servers for no benefit.
const MinRepositoryInterval = 5 * time.Minute

// Config is the full server configuration.
type Config struct {
	General        General      `mapstructure:"general" yaml:"general"`
	Webservice     Webservice   `mapstructure:"webservice" yaml:"webservice"`
	Worker         Worker       `mapstructure:"worker" yaml:"worker"`
	CachePackage   CacheSection `mapstructure:"cache_package" yaml:"cache_package"`
	CacheRepoIndex CacheSection `mapstructure:"cache_repo_index" yaml:"cache_repo_index"`
	Collector      Collector    `mapstructure:"collector" yaml:"collector"`
}

// General holds settings that span components.
type General struct {
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// Webservice configures the HTTP façade.
type Webservice struct {
	ListenAddress    string `mapstructure:"listen_address" yaml:"listen_address"`
	MaxPackageSize   Size   `mapstructure:"max_package_size" yaml:"max_package_size"`
	AllowLMSPackages bool   `mapstructure:"allow_lms_packages" yaml:"allow_lms_packages"`
	BearerToken      string `mapstructure:"bearer_token" yaml:"bearer_token"`
}

// Worker configures the worker pool.
type Worker struct {
	Type           string   `mapstructure:"type" yaml:"type"`
	MaxWorkers     int      `mapstructure:"max_workers" yaml:"max_workers"`
	MaxMemory      Size     `mapstructure:"max_memory" yaml:"max_memory"`
	MemoryLimit    Size     `mapstructure:"memory_limit" yaml:"memory_limit"`
	AcquireTimeout Interval `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	CallTimeout    Interval `mapstructure:"call_timeout" yaml:"call_timeout"`
}

// CacheSection configures one of the file caches.
type CacheSection struct {
	Size Size   `mapstructure:"size" yaml:"size"`
	Path string `mapstructure:"path" yaml:"path"`
}

// Collector configures repository polling and the local directory watcher.
type Collector struct {
	LocalDirectory            string       `mapstructure:"local_directory" yaml:"local_directory"`
	RepositoryDefaultInterval Interval     `mapstructure:"repository_default_interval" yaml:"repository_default_interval"`
	Repositories              []Repository `mapstructure:"repositories" yaml:"repositories"`
}

// Repository is one configured remote repository. A zero Interval means the
// collector default applies.
type Repository struct {
	Name     string         `mapstructure:"name" yaml:"name"`
	URL      string         `mapstructure:"url" yaml:"url"`
	Interval Interval       `mapstructure:"interval" yaml:"interval"`
	Auth     RepositoryAuth `mapstructure:"auth" yaml:"auth"`
}

// RepositoryAuth configures optional authentication towards one repository.
// An empty type means anonymous access.
type RepositoryAuth struct {
	Type     string            `mapstructure:"type" yaml:"type"`
	Username string            `mapstructure:"username" yaml:"username"`
	Password string            `mapstructure:"password" yaml:"password"`
	Token    string            `mapstructure:"token" yaml:"token"`
	Headers  map[string]string `mapstructure:"headers" yaml:"headers"`
}

// Authenticator builds the authenticator for this repository, or nil for
// anonymous access.
func (r *Repository) Authenticator() (auth.Authenticator, error) {
	return auth.New(auth.Settings{
		Type:     auth.Type(r.Auth.Type),
		Username: r.Auth.Username,
		Password: r.Auth.Password,
		Token:    r.Auth.Token,
		Headers:  r.Auth.Headers,
	})
}

// PollInterval returns the effective interval for this repository.
func (r *Repository) PollInterval(defaultInterval Interval) time.Duration {
	if r.Interval > 0 {
		return r.Interval.Duration()
	}
	return defaultInterval.Duration()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")

	v.SetDefault("webservice.listen_address", ":9020")
	v.SetDefault("webservice.max_package_size", "20 MiB")
	v.SetDefault("webservice.allow_lms_packages", false)
	v.SetDefault("webservice.bearer_token", "")

	v.SetDefault("worker.type", "process")
	v.SetDefault("worker.max_workers", 8)
	v.SetDefault("worker.max_memory", "500 MiB")
	v.SetDefault("worker.memory_limit", "200 MiB")
	v.SetDefault("worker.acquire_timeout", "30s")
	v.SetDefault("worker.call_timeout", "30s")

	v.SetDefault("cache_package.size", "100 MiB")
	v.SetDefault("cache_package.path", "cache/packages")
	v.SetDefault("cache_repo_index.size", "200 MiB")
	v.SetDefault("cache_repo_index.path", "cache/repo_index")

	v.SetDefault("collector.local_directory", "")
	v.SetDefault("collector.repository_default_interval", "01:30:00")
}

// Load reads the configuration. An empty path loads defaults plus
// environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("QPY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(errors.ErrConfigParse, err.Error())
		}
	}

	var cfg Config
	decodeHooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		sizeDecodeHook(),
		intervalDecodeHook(),
	))
	if err := v.Unmarshal(&cfg, decodeHooks); err != nil {
		return nil, errors.Wrap(errors.ErrConfigParse, err.Error())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Worker.MaxWorkers <= 0 {
		return errors.Wrap(errors.ErrConfigValidation, "worker.max_workers must be positive")
	}
	if c.Worker.MaxMemory <= 0 {
		return errors.Wrap(errors.ErrConfigValidation, "worker.max_memory must be positive")
	}
	if c.Worker.MemoryLimit <= 0 {
		return errors.Wrap(errors.ErrConfigValidation, "worker.memory_limit must be positive")
	}
	if c.Worker.AcquireTimeout <= 0 || c.Worker.CallTimeout <= 0 {
		return errors.Wrap(errors.ErrConfigValidation, "worker timeouts must be positive")
	}
	if c.Worker.MemoryLimit > c.Worker.MaxMemory {
		return errors.Wrap(errors.ErrConfigValidation, "worker.memory_limit exceeds worker.max_memory")
	}
	if c.CachePackage.Size <= 0 || c.CacheRepoIndex.Size <= 0 {
		return errors.Wrap(errors.ErrConfigValidation, "cache sizes must be positive")
	}
	if c.Webservice.MaxPackageSize <= 0 {
		return errors.Wrap(errors.ErrConfigValidation, "webservice.max_package_size must be positive")
	}
	if c.Webservice.MaxPackageSize.Bytes() > c.CachePackage.Size.Bytes() {
		return errors.Wrap(errors.ErrConfigValidation, "webservice.max_package_size exceeds the package cache size")
	}

	if c.Collector.RepositoryDefaultInterval.Duration() < MinRepositoryInterval {
		return errors.Wrapf(errors.ErrConfigValidation,
			"collector.repository_default_interval below the minimum of %s", MinRepositoryInterval)
	}
	seen := make(map[string]bool, len(c.Collector.Repositories))
	for i := range c.Collector.Repositories {
		repo := &c.Collector.Repositories[i]
		parsed, err := url.Parse(repo.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return errors.Wrapf(errors.ErrConfigValidation, "repository %d has an invalid URL %q", i, repo.URL)
		}
		if seen[repo.URL] {
			return errors.Wrapf(errors.ErrConfigValidation, "repository URL %q configured twice", repo.URL)
		}
		seen[repo.URL] = true
		if repo.Interval > 0 && repo.Interval.Duration() < MinRepositoryInterval {
			return errors.Wrapf(errors.ErrConfigValidation,
				"repository %q interval below the minimum of %s", repo.URL, MinRepositoryInterval)
		}
		if repo.Name == "" {
			repo.Name = parsed.Host
		}
		if _, err := repo.Authenticator(); err != nil {
			return errors.Wrapf(err, "repository %q", repo.URL)
		}
	}
	return nil
}

func sizeDecodeHook() mapstructure.DecodeHookFunc {
	target := reflect.TypeOf(Size(0))
	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return ParseSize(v)
		case int:
			return Size(v), nil
		case int64:
			return Size(v), nil
		case float64:
			return Size(v), nil
		default:
			return data, nil
		}
	}
}

func intervalDecodeHook() mapstructure.DecodeHookFunc {
	target := reflect.TypeOf(Interval(0))
	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return ParseInterval(v)
		case int:
			return Interval(time.Duration(v) * time.Second), nil
		case int64:
			return Interval(time.Duration(v) * time.Second), nil
		case float64:
			return Interval(time.Duration(v * float64(time.Second))), nil
		default:
			return data, nil
		}
	}
}
