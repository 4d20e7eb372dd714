package channel

import (
	"log/slog"

	"github.com/kharwell/chatrelay/transport"
)

// DefaultBufferSize is the per-subscription message buffer size
var DefaultBufferSize uint = 100

// options holds configuration for transport (unexported)
type options struct {
	bufferSize uint
	logger     *slog.Logger
}

// Option configures the channel transport
type Option func(*options)

// WithBufferSize sets the per-subscription buffer size.
// A subscriber whose buffer fills up has further messages dropped.
func WithBufferSize(size uint) Option {
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
		logger:     transport.Logger("transport>channel"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
