package session

import "time"

type Option func(*Options)

type Options struct {
	Collection    string
	MaxUpload     int64
	TTL           time.Duration
	IngestTimeout time.Duration
	TempDir       string
	Now           func() time.Time
}

func WithCollection(name string) Option {
	return func(o *Options) {
		o.Collection = name
	}
}

func WithMaxUpload(n int64) Option {
	return func(o *Options) {
		o.MaxUpload = n
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(o *Options) {
		o.TTL = ttl
	}
}

func WithIngestTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.IngestTimeout = d
	}
}

// WithTempDir sets where uploads are staged, "" is the OS default.
func WithTempDir(dir string) Option {
	return func(o *Options) {
		o.TempDir = dir
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}

func NewOptions(opts ...Option) Options {
	options := Options{
		Collection:    "pdf_chatbot",
		MaxUpload:     32 << 20,
		TTL:           time.Hour,
		IngestTimeout: 10 * time.Minute,
		Now:           time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}
