package nats

import (
	"log/slog"

	"github.com/kharwell/chatrelay/transport"
)

// DefaultBufferSize is the per-subscription message buffer size
const DefaultBufferSize = 256

// options holds configuration for transport (unexported)
type options struct {
	bufferSize int
	logger     *slog.Logger
}

// Option configures the nats transport
type Option func(*options)

// WithBufferSize sets the per-subscription buffer size
func WithBufferSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.bufferSize = size
		}
	}
}

// WithLogger sets the logger for transport
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// newOptions creates options with defaults and applies provided options
func newOptions(opts ...Option) *options {
	o := &options{
		bufferSize: DefaultBufferSize,
		logger:     transport.Logger("transport>nats"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
