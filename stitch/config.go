package stitch

import (
	"log/slog"
	"strings"
	"time"
)

// Engine defaults.
const (
	// DefaultCeiling is the per-output size ceiling when a manifest omits maxFileSize.
	DefaultCeiling = 1 << 30 // 1 GiB

	// DefaultLargePartThreshold is the size above which a part is copied in
	// place rather than downloaded. S3 requires non-trailing parts of at
	// least 5 MiB; 5.5 MB leaves headroom.
	DefaultLargePartThreshold = 5_500_000

	// DefaultMaxPartsPerUpload keeps groups under the 10,000-part multipart limit.
	DefaultMaxPartsPerUpload = 9999

	// DefaultMaxIteration bounds recursion depth.
	DefaultMaxIteration = 10

	// DefaultConcurrency bounds parallel part copies and downloads.
	DefaultConcurrency = 4

	// DefaultPartSuffix selects data fragments in a source listing.
	DefaultPartSuffix = ".json"

	// DefaultWatchPrefix holds the queue/, run/, and done/ manifest folders.
	DefaultWatchPrefix = "watch/"

	// DefaultAbortTimeout bounds the cleanup abort of a failed multipart upload.
	DefaultAbortTimeout = 30 * time.Second

	// ceilingGrowth multiplies the ceiling at each recursion level.
	ceilingGrowth = 4
)

// Config holds the engine configuration shared by the catalog, assembler,
// and coordinator. Zero-valued fields are not defaulted; start from
// DefaultConfig.
type Config struct {
	// CeilingDefault applies to manifests that omit maxFileSize.
	CeilingDefault int64

	// LargePartThreshold splits parts into copied-in-place (strictly above)
	// and downloaded-and-merged (at or below).
	LargePartThreshold int64

	// MaxPartsPerUpload caps the number of parts in one chunk group.
	MaxPartsPerUpload int

	// MaxIteration rejects manifests (and recursion) beyond this depth.
	MaxIteration int

	// Concurrency bounds parallel store calls within one assembly.
	Concurrency int

	// PartSuffix filters listed keys; only keys ending with it are parts.
	PartSuffix string

	// WatchPrefix is the key prefix holding queue/, run/, and done/.
	WatchPrefix string

	// AbortTimeout bounds the abort of a failed multipart upload.
	AbortTimeout time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		CeilingDefault:     DefaultCeiling,
		LargePartThreshold: DefaultLargePartThreshold,
		MaxPartsPerUpload:  DefaultMaxPartsPerUpload,
		MaxIteration:       DefaultMaxIteration,
		Concurrency:        DefaultConcurrency,
		PartSuffix:         DefaultPartSuffix,
		WatchPrefix:        DefaultWatchPrefix,
		AbortTimeout:       DefaultAbortTimeout,
	}
}

// Validate reports the first invalid field as a *ConfigError.
func (c Config) Validate() error {
	switch {
	case c.CeilingDefault <= 0:
		return configErrorf("CeilingDefault", "must be positive, got %d", c.CeilingDefault)
	case c.LargePartThreshold < 0:
		return configErrorf("LargePartThreshold", "must not be negative, got %d", c.LargePartThreshold)
	case c.MaxPartsPerUpload <= 0 || c.MaxPartsPerUpload > 10000:
		return configErrorf("MaxPartsPerUpload", "must be in [1, 10000], got %d", c.MaxPartsPerUpload)
	case c.MaxIteration < 0:
		return configErrorf("MaxIteration", "must not be negative, got %d", c.MaxIteration)
	case c.Concurrency <= 0:
		return configErrorf("Concurrency", "must be positive, got %d", c.Concurrency)
	case c.PartSuffix == "":
		return configErrorf("PartSuffix", "is required")
	case c.AbortTimeout <= 0:
		return configErrorf("AbortTimeout", "must be positive, got %s", c.AbortTimeout)
	}
	return nil
}

// watchRoot returns WatchPrefix with exactly one trailing slash, or "" at
// the bucket root.
func (c Config) watchRoot() string {
	p := strings.TrimRight(c.WatchPrefix, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// options holds settings shared by component constructors.
type options struct {
	logger *slog.Logger
}

// Option configures component construction.
type Option func(*options)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func resolveOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
