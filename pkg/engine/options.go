package engine

import (
	"context"

	"github.com/facebookgo/clock"

	"github.com/objectfs/iosched/internal/metrics"
	"github.com/objectfs/iosched/pkg/utils"
)

// Mirror is a remote copy of the pattern store file.
type Mirror interface {
	Upload(ctx context.Context, data []byte) error
	Download(ctx context.Context) ([]byte, error)
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger  *utils.StructuredLogger
	clock   clock.Clock
	mirror  Mirror
	metrics *metrics.Collector
}

// WithLogger sets the logger. By default the engine sets up logging from the
// global configuration section.
func WithLogger(l *utils.StructuredLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMirror sets the remote copy of the pattern store, overriding the S3
// mirror from the configuration.
func WithMirror(m Mirror) Option {
	return func(o *options) { o.mirror = m }
}

// WithMetrics supplies a collector instead of building one from the
// configuration. The caller owns starting it.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// AddOption configures a single AddRequest call.
type AddOption func(*addOptions)

type addOptions struct {
	queue int
}

// WithQueue places the request in a TWINS queue, usually the index of the
// server the data lives on.
func WithQueue(q int) AddOption {
	return func(o *addOptions) { o.queue = q }
}
