package fastqueue

import (
	"time"
)

// Options contains configuration for a queue or array instance.
type Options struct {
	// DataPageSize is the size in bytes of each data page file. It must be
	// a power of two and at least MinimumDataPageSize.
	// Default: DefaultDataPageSize (128 MiB).
	DataPageSize int

	// CacheTTL is how long an unreferenced mapped page stays cached before
	// it becomes eligible for eviction.
	// Default: DefaultCacheTTL (10 s).
	CacheTTL time.Duration

	// Logger receives structured events (page creation, delete retries,
	// cache sweeps). Default: NoopLogger().
	Logger *Logger
}

// DefaultOptions returns the default configuration.
var DefaultOptions = Options{
	DataPageSize: DefaultDataPageSize,
	CacheTTL:     DefaultCacheTTL,
}

func resolveOptions(optFns []func(o *Options)) Options {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.DataPageSize == 0 {
		opts.DataPageSize = DefaultDataPageSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = NoopLogger()
	}
	return opts
}
