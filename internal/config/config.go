// Package config loads stitch runtime configuration from STITCH_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/docker/go-units"

	"github.com/pithecene-io/stitch/internal/logging"
	"github.com/pithecene-io/stitch/stitch"
)

// DefaultPollInterval is the serve loop period when STITCH_POLL_INTERVAL
// is unset.
const DefaultPollInterval = time.Minute

// Config is the full runtime configuration of the stitch binary.
type Config struct {
	// Bucket holds fragments, manifests, and outputs. Required unless Root
	// is set.
	Bucket string

	// Root is a local directory used in place of a bucket. When set the S3
	// settings are ignored.
	Root string

	// Region, Endpoint, and PathStyle configure the S3 client.
	Region    string
	Endpoint  string
	PathStyle bool

	// Function is the Lambda function that runs jobs. Empty means jobs run
	// in-process.
	Function string

	// PollInterval is the serve loop period.
	PollInterval time.Duration

	Engine stitch.Config
	Log    logging.Config
}

// Load reads configuration through getenv (os.Getenv in production),
// applying defaults for unset variables. Invalid values are reported as
// *stitch.ConfigError naming the variable.
func Load(getenv func(string) string) (Config, error) {
	l := loader{getenv: getenv}

	cfg := Config{
		Bucket:       l.str("STITCH_BUCKET", ""),
		Root:         l.str("STITCH_ROOT", ""),
		Region:       l.str("STITCH_REGION", "us-east-1"),
		Endpoint:     l.str("STITCH_ENDPOINT", ""),
		PathStyle:    l.boolean("STITCH_PATH_STYLE", false),
		Function:     l.str("STITCH_FUNCTION", ""),
		PollInterval: l.duration("STITCH_POLL_INTERVAL", DefaultPollInterval),
		Engine:       stitch.DefaultConfig(),
		Log: logging.Config{
			Format: l.str("STITCH_LOG_FORMAT", "text"),
			Level:  l.str("STITCH_LOG_LEVEL", "info"),
		},
	}

	e := &cfg.Engine
	e.CeilingDefault = l.binarySize("STITCH_CEILING", e.CeilingDefault)
	e.LargePartThreshold = l.decimalSize("STITCH_LARGE_PART_THRESHOLD", e.LargePartThreshold)
	e.MaxPartsPerUpload = l.integer("STITCH_MAX_PARTS", e.MaxPartsPerUpload)
	e.MaxIteration = l.integer("STITCH_MAX_ITERATION", e.MaxIteration)
	e.Concurrency = l.integer("STITCH_CONCURRENCY", e.Concurrency)
	e.PartSuffix = l.str("STITCH_PART_SUFFIX", e.PartSuffix)
	e.WatchPrefix = l.str("STITCH_WATCH_PREFIX", e.WatchPrefix)

	if cfg.Bucket == "" && cfg.Root == "" {
		l.fail("STITCH_BUCKET", errors.New("is required unless STITCH_ROOT is set"))
	}
	if cfg.PollInterval <= 0 {
		l.fail("STITCH_POLL_INTERVAL", fmt.Errorf("must be positive, got %s", cfg.PollInterval))
	}
	if l.err != nil {
		return Config{}, l.err
	}
	if err := cfg.Engine.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loader records the first parse failure; later lookups still run so the
// struct literal above stays flat.
type loader struct {
	getenv func(string) string
	err    error
}

func (l *loader) fail(key string, err error) {
	if l.err == nil {
		l.err = &stitch.ConfigError{Field: key, Err: err}
	}
}

func (l *loader) str(key, def string) string {
	if v := l.getenv(key); v != "" {
		return v
	}
	return def
}

func (l *loader) boolean(key string, def bool) bool {
	v := l.getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.fail(key, err)
		return def
	}
	return b
}

func (l *loader) integer(key string, def int) int {
	v := l.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail(key, err)
		return def
	}
	return n
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	v := l.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.fail(key, err)
		return def
	}
	return d
}

// binarySize parses sizes such as "1GiB" or "512m" in powers of 1024.
func (l *loader) binarySize(key string, def int64) int64 {
	v := l.getenv(key)
	if v == "" {
		return def
	}
	n, err := units.RAMInBytes(v)
	if err != nil {
		l.fail(key, err)
		return def
	}
	return n
}

// decimalSize parses sizes such as "5.5MB" in powers of 1000.
func (l *loader) decimalSize(key string, def int64) int64 {
	v := l.getenv(key)
	if v == "" {
		return def
	}
	n, err := units.FromHumanSize(v)
	if err != nil {
		l.fail(key, err)
		return def
	}
	return n
}
